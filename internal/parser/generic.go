package parser

import "strings"

// genericExtractor is the fallback family. It matches anything with a
// severity-like keyword and otherwise degrades to the first non-blank
// line, or a fixed sentinel for all-blank input.
type genericExtractor struct{}

func (genericExtractor) Family() string { return "generic" }

func (genericExtractor) MatchScore(n *NormalizedLog) int {
	for _, line := range n.Lines {
		if looksLikeError(line.Lowered) {
			return 1
		}
	}
	return 0
}

func (genericExtractor) Extract(n *NormalizedLog) *extraction {
	ext := &extraction{}
	for _, line := range n.Lines {
		if looksLikeError(line.Lowered) && strings.TrimSpace(line.Text) != "" {
			ext.primarySignature = truncateSignature(line.Text)
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
			return ext
		}
	}
	for _, line := range n.Lines {
		if strings.TrimSpace(line.Text) != "" {
			ext.primarySignature = truncateSignature(line.Text)
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
			return ext
		}
	}
	ext.primarySignature = noContentSignature
	return ext
}
