package parser

import "strings"

// resourceDomainKeywords map terraform resource hints near the error line
// to a suspected failure domain.
var resourceDomainKeywords = []string{"iam", "eks", "ecs", "s3", "ec2", "rds", "vpc", "lambda", "dynamodb", "route53", "cloudfront"}

// terraformExtractor recognizes terraform plan/apply failures: an
// "Error:" line plus the "on <file>.tf line N" locator emitted below it.
type terraformExtractor struct{}

func (terraformExtractor) Family() string { return "terraform" }

func (terraformExtractor) MatchScore(n *NormalizedLog) int {
	score := 0
	for _, line := range n.Lines {
		if strings.Contains(line.Lowered, "terraform") {
			score += 2
		}
		if strings.Contains(line.Lowered, "error:") {
			score++
		}
		if strings.Contains(line.Lowered, ".tf") && strings.Contains(line.Lowered, "line") {
			score += 2
		}
		if strings.Contains(line.Lowered, "module.") {
			score++
		}
	}
	return score
}

func (terraformExtractor) Extract(n *NormalizedLog) *extraction {
	ext := &extraction{infraComponents: []string{"terraform"}}

	var errorLine int
	for _, line := range n.Lines {
		if strings.HasPrefix(line.Lowered, "error:") {
			ext.primarySignature = truncateSignature(line.Text)
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
			errorLine = line.Number
			break
		}
	}
	if ext.primarySignature == "" {
		for _, line := range n.Lines {
			if strings.Contains(line.Lowered, "error:") {
				ext.primarySignature = truncateSignature(line.Text)
				ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
				errorLine = line.Number
				break
			}
		}
	}

	for _, line := range n.Lines {
		if len(ext.secondarySignatures) >= 3 {
			break
		}
		if strings.Contains(line.Lowered, "on") &&
			strings.Contains(line.Lowered, ".tf") &&
			strings.Contains(line.Lowered, "line") {
			ext.secondarySignatures = append(ext.secondarySignatures, truncateSignature(line.Text))
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
		}
	}

	ext.failureDomain = terraformFailureDomain(n, errorLine)
	return ext
}

// terraformFailureDomain infers the failure domain from resource-type
// keywords within a few lines of the error line.
func terraformFailureDomain(n *NormalizedLog, errorLine int) string {
	if errorLine == 0 {
		return ""
	}
	lo, hi := errorLine-3, errorLine+3
	for _, line := range n.Lines {
		if line.Number < lo || line.Number > hi {
			continue
		}
		for _, kw := range resourceDomainKeywords {
			if strings.Contains(line.Lowered, kw) {
				return kw
			}
		}
	}
	return ""
}
