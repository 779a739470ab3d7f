package parser

import "strings"

const tracebackMarker = "traceback (most recent call last):"

// tracebackExtractor recognizes Python tracebacks. The primary signature
// is the final exception line; the innermost File frames become secondary
// signatures; evidence covers the whole traceback block.
type tracebackExtractor struct{}

func (tracebackExtractor) Family() string { return "python-traceback" }

func (tracebackExtractor) MatchScore(n *NormalizedLog) int {
	score := 0
	for _, line := range n.Lines {
		if strings.Contains(line.Lowered, tracebackMarker) {
			score += 4
		}
		if strings.HasPrefix(strings.TrimSpace(line.Lowered), `file "`) && strings.Contains(line.Lowered, ", line") {
			score++
		}
		if strings.Contains(line.Lowered, "exception") || strings.Contains(line.Lowered, "error") {
			score++
		}
	}
	return score
}

func (tracebackExtractor) Extract(n *NormalizedLog) *extraction {
	ext := &extraction{}

	block := tracebackBlock(n)
	if len(block) == 0 {
		return ext
	}

	last := block[len(block)-1]
	ext.primarySignature = truncateSignature(last.Text)
	ext.evidence = append(ext.evidence, makeEvidence(n, last.Number, last.Number))
	ext.evidence = append(ext.evidence, makeEvidence(n, block[0].Number, last.Number))

	for _, line := range block {
		if len(ext.secondarySignatures) >= 3 {
			break
		}
		if strings.Contains(line.Lowered, `file "`) {
			ext.secondarySignatures = append(ext.secondarySignatures, truncateSignature(line.Text))
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
		}
	}
	return ext
}

// tracebackBlock collects the lines from the traceback marker through the
// exception line. The block ends at the first unindented non-blank line
// after the marker.
func tracebackBlock(n *NormalizedLog) []NormalizedLine {
	var block []NormalizedLine
	inBlock := false
	for _, line := range n.Lines {
		if strings.Contains(line.Lowered, tracebackMarker) {
			inBlock = true
			block = append(block, line)
			continue
		}
		if !inBlock {
			continue
		}
		block = append(block, line)
		if strings.TrimSpace(line.Text) != "" && !strings.HasPrefix(line.Text, " ") {
			break
		}
	}
	return block
}
