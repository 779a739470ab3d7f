package guardrail

import (
	"fmt"
	"regexp"

	"github.com/opsframe/troubleshooter/internal/domain"
)

const (
	// Confidence caps applied when a guardrail fires. Citation loss is a
	// softer signal than leaked identifiers, so it caps higher.
	citationMissingCap = 0.3
	redactionCap       = 0.2

	citationMissingPrefix = "No citation found. "
	identifierPlaceholder = "[REDACTED_IDENTIFIER]"
)

var (
	arnPattern       = regexp.MustCompile(`(?i)arn:aws[a-z-]*:[^\s]+`)
	accountIDPattern = regexp.MustCompile(`\b\d{12}\b`)
)

// Report accumulates what the guardrail pipeline changed on a single
// response. It is surfaced verbatim in response metadata.
type Report struct {
	CitationMissingCount int      `json:"citation_missing_count"`
	Redactions           int      `json:"redactions"`
	Issues               []string `json:"issues"`
}

// Enforce validates hypothesis citations against the evidence map and
// redacts cloud identifiers from explanations. Hypotheses are never
// dropped: an uncited hypothesis keeps its rank with capped confidence so
// the caller can still show it as a lead worth confirming.
func Enforce(hypotheses []domain.Hypothesis, allowed []domain.EvidenceMapEntry) ([]domain.Hypothesis, Report) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, entry := range allowed {
		allowedSet[CitationSignature(entry)] = true
	}

	report := Report{Issues: []string{}}
	updated := make([]domain.Hypothesis, 0, len(hypotheses))

	for _, h := range hypotheses {
		var valid []domain.EvidenceMapEntry
		for _, c := range h.Citations {
			if allowedSet[CitationSignature(c)] {
				valid = append(valid, c)
			}
		}
		if len(valid) == 0 {
			h.Confidence = min(h.Confidence, citationMissingCap)
			h.Explanation = citationMissingPrefix + h.Explanation
			report.CitationMissingCount++
		}
		h.Citations = valid

		redacted, n := redactIdentifiers(h.Explanation)
		if n > 0 {
			h.Explanation = redacted
			h.Confidence = min(h.Confidence, redactionCap)
			report.Redactions += n
			report.Issues = append(report.Issues, "redacted_identifiers")
		}
		updated = append(updated, h)
	}
	return updated, report
}

// CitationSignature is the identity under which a citation is checked
// against the evidence map. Two citations with the same span but
// different excerpt hashes do not match.
func CitationSignature(e domain.EvidenceMapEntry) string {
	return fmt.Sprintf("%s:%s:%d:%d:%s", e.SourceType, e.SourceID, e.LineStart, e.LineEnd, e.ExcerptHash)
}

// LimitToolCalls enforces the single-tool-call rule. At most one call
// survives; if the model proposed any, the response must pause for the
// operator to run it, so the caller switches to needs_input.
func LimitToolCalls(calls []domain.ToolCall) (kept []domain.ToolCall, forceNeedsInput bool) {
	if len(calls) == 0 {
		return nil, false
	}
	return calls[:1], true
}

func redactIdentifiers(text string) (string, int) {
	n := 0
	for _, p := range []*regexp.Regexp{arnPattern, accountIDPattern} {
		n += len(p.FindAllString(text, -1))
		text = p.ReplaceAllString(text, identifierPlaceholder)
	}
	return text, n
}
