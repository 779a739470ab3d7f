package parser

import "strings"

// cloudwatchExtractor recognizes CloudWatch Logs exports: log group and
// stream markers, awslogs prefixes, bracketed severity tags.
type cloudwatchExtractor struct{}

func (cloudwatchExtractor) Family() string { return "cloudwatch" }

func (cloudwatchExtractor) MatchScore(n *NormalizedLog) int {
	score := 0
	for _, line := range n.Lines {
		if strings.Contains(line.Lowered, "cloudwatch") {
			score += 2
		}
		if strings.Contains(line.Lowered, "log group") || strings.Contains(line.Lowered, "log stream") {
			score += 2
		}
		if strings.Contains(line.Lowered, "eventid") || strings.Contains(line.Lowered, "event id") {
			score++
		}
		if strings.Contains(line.Lowered, "awslogs") {
			score++
		}
	}
	return score
}

func (cloudwatchExtractor) Extract(n *NormalizedLog) *extraction {
	ext := &extraction{infraComponents: []string{"cloudwatch"}}
	for _, line := range n.Lines {
		if looksLikeError(line.Lowered) {
			ext.primarySignature = truncateSignature(line.Text)
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
			break
		}
	}
	return ext
}
