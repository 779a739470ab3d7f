// Package parser converts raw pasted log text into evidence-linked
// incident frames. Parsing is rule based and deterministic: the same
// input always produces the same extraction, and no input — including the
// empty string — ever produces an error. "Failed to find structure" is
// represented as low confidence plus the generic fallback.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/opsframe/troubleshooter/internal/domain"
)

// Version is the extractor-logic version tag recorded on every frame.
// Bump whenever extraction heuristics change; downstream consumers may
// depend on version-stable behavior.
const Version = "v0.2"

// noContentSignature is the primary signature used for all-blank input.
const noContentSignature = "no content provided"

// rawInputSourceID is the evidence source id for spans of the pasted log.
const rawInputSourceID = "raw-input"

// maxSignatureLen bounds signature strings copied out of the log.
const maxSignatureLen = 256

// NormalizedLine is one line of the input with a lowercased copy for
// case-insensitive matching. Numbers are 1-based and stable for the life
// of the request; all citations reference them.
type NormalizedLine struct {
	Number  int
	Text    string
	Lowered string
}

// NormalizedLog is the line-indexed view of the raw input.
type NormalizedLog struct {
	RawText    string
	Lines      []NormalizedLine
	Timestamps []string
}

// MaxLine returns the highest valid line number.
func (n *NormalizedLog) MaxLine() int {
	return len(n.Lines)
}

// extraction is what a family extractor found.
type extraction struct {
	primarySignature    string
	secondarySignatures []string
	evidence            []domain.EvidenceMapEntry
	infraComponents     []string
	failureDomain       string
}

// familyExtractor is a pluggable format-specific heuristic.
type familyExtractor interface {
	Family() string
	// MatchScore is a cheap existence check; higher means a stronger
	// family signal. Zero means no signal.
	MatchScore(n *NormalizedLog) int
	Extract(n *NormalizedLog) *extraction
}

// Parser turns raw text into incident frames using a fixed set of family
// extractors. The best match score wins; registration order breaks ties.
type Parser struct {
	families []familyExtractor
}

// New creates a parser with the built-in families.
func New() *Parser {
	return &Parser{
		families: []familyExtractor{
			&terraformExtractor{},
			&cloudwatchExtractor{},
			&tracebackExtractor{},
			&genericExtractor{},
		},
	}
}

// Options control per-call parse behavior.
type Options struct {
	// IncludeExcerpts attaches verbatim span text to evidence entries.
	IncludeExcerpts bool
}

// Parse builds an incident frame from raw text. It never fails: empty or
// unrecognizable input yields a schema-valid frame with near-zero
// confidence and the generic fallback signature.
func (p *Parser) Parse(rawText, requestID, conversationID string, opts Options) *domain.IncidentFrame {
	normalized := Normalize(rawText)

	best, bestScore := p.selectFamily(normalized)
	ext := best.Extract(normalized)

	var window *domain.TimeWindow
	if len(normalized.Timestamps) > 0 {
		window = &domain.TimeWindow{
			Start: normalized.Timestamps[0],
			End:   normalized.Timestamps[len(normalized.Timestamps)-1],
		}
	}

	confidence := scoreToConfidence(best.Family(), bestScore, ext)

	// A named family can win on format markers alone and extract no
	// error-like line. The frame still needs a primary signature, so
	// degrade to the first non-blank line. Confidence is computed before
	// this point and stays low for such frames.
	if ext.primarySignature == "" {
		fallbackPrimary(normalized, ext)
	}

	failureDomain := ext.failureDomain
	if failureDomain == "" {
		failureDomain = guessFailureDomain(rawText)
	}
	// Low-confidence frames never claim a failure domain.
	if confidence < 0.3 {
		failureDomain = domain.FailureDomainUnknown
	}

	evidence := ext.evidence
	if opts.IncludeExcerpts {
		evidence = attachExcerpts(normalized, evidence)
	}

	return &domain.IncidentFrame{
		FrameID:                uuid.New().String(),
		ConversationID:         conversationID,
		RequestID:              requestID,
		Source:                 "user_input",
		ParserVersion:          Version,
		ParseConfidence:        confidence,
		CreatedAt:              time.Now().UTC(),
		PrimaryErrorSignature:  ext.primarySignature,
		SecondarySignatures:    ext.secondarySignatures,
		TimeWindow:             window,
		Services:               extractServices(rawText),
		InfraComponents:        mergeComponents(ext.infraComponents, extractInfraComponents(rawText)),
		SuspectedFailureDomain: failureDomain,
		EvidenceMap:            evidence,
	}
}

// selectFamily picks the extractor with the highest positive match
// score; registration order breaks ties. When no family scores above
// zero the generic extractor wins, so unrecognizable input still gets
// its fallback signature instead of an empty named-family extraction.
func (p *Parser) selectFamily(n *NormalizedLog) (familyExtractor, int) {
	var best familyExtractor
	bestScore := 0
	for _, f := range p.families {
		if score := f.MatchScore(n); score > bestScore {
			best = f
			bestScore = score
		}
	}
	if best == nil {
		best = p.families[len(p.families)-1]
	}
	return best, bestScore
}

// scoreToConfidence maps the extraction outcome to a deterministic parse
// confidence. It is a function of which steps succeeded, not a model
// score.
func scoreToConfidence(family string, score int, ext *extraction) float64 {
	if family == "generic" || score <= 0 {
		if ext.primarySignature != "" && ext.primarySignature != noContentSignature && score > 0 {
			return 0.25
		}
		return 0.05
	}
	if score >= 6 && ext.primarySignature != "" {
		return 0.85
	}
	if ext.primarySignature != "" && len(ext.secondarySignatures) > 0 {
		return 0.7
	}
	if ext.primarySignature != "" {
		return 0.6
	}
	return 0.25
}

var timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T\s]\d{2}:\d{2}:\d{2}(?:\.\d+)?Z?`)

// Normalize splits raw text into numbered lines with lowercased copies
// and collects best-effort timestamps.
func Normalize(rawText string) *NormalizedLog {
	n := &NormalizedLog{RawText: rawText}
	if rawText == "" {
		return n
	}
	for i, line := range strings.Split(strings.TrimSuffix(rawText, "\n"), "\n") {
		n.Lines = append(n.Lines, NormalizedLine{
			Number:  i + 1,
			Text:    line,
			Lowered: strings.ToLower(line),
		})
		if ts := timestampPattern.FindString(line); ts != "" {
			n.Timestamps = append(n.Timestamps, ts)
		}
	}
	return n
}

var errorTokens = []string{"error", "exception", "traceback", "fatal", "panic", "failed"}

// looksLikeError reports whether a lowered line carries a severity-like
// keyword.
func looksLikeError(lowered string) bool {
	for _, tok := range errorTokens {
		if strings.Contains(lowered, tok) {
			return true
		}
	}
	return false
}

// fallbackPrimary fills a missing primary signature from the first
// non-blank line, with matching evidence, or the fixed sentinel for
// all-blank input.
func fallbackPrimary(n *NormalizedLog, ext *extraction) {
	for _, line := range n.Lines {
		if strings.TrimSpace(line.Text) != "" {
			ext.primarySignature = truncateSignature(line.Text)
			ext.evidence = append(ext.evidence, makeEvidence(n, line.Number, line.Number))
			return
		}
	}
	ext.primarySignature = noContentSignature
}

// truncateSignature trims and bounds a signature string. The cut never
// splits a multi-byte rune.
func truncateSignature(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxSignatureLen {
		cut := maxSignatureLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut]
	}
	return s
}

// makeEvidence builds an evidence entry for a line span, hashing the
// exact joined text of the span.
func makeEvidence(n *NormalizedLog, lineStart, lineEnd int) domain.EvidenceMapEntry {
	return domain.EvidenceMapEntry{
		SourceType:  domain.SourceTypeLog,
		SourceID:    rawInputSourceID,
		LineStart:   lineStart,
		LineEnd:     lineEnd,
		ExcerptHash: hashSpan(n, lineStart, lineEnd),
	}
}

// hashSpan returns the SHA-256 hex digest of the span's exact text.
func hashSpan(n *NormalizedLog, lineStart, lineEnd int) string {
	var b strings.Builder
	for i := lineStart; i <= lineEnd && i <= n.MaxLine(); i++ {
		if i > lineStart {
			b.WriteByte('\n')
		}
		b.WriteString(n.Lines[i-1].Text)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// attachExcerpts copies verbatim span text onto evidence entries.
func attachExcerpts(n *NormalizedLog, entries []domain.EvidenceMapEntry) []domain.EvidenceMapEntry {
	out := make([]domain.EvidenceMapEntry, len(entries))
	for i, e := range entries {
		var lines []string
		for ln := e.LineStart; ln <= e.LineEnd && ln <= n.MaxLine(); ln++ {
			lines = append(lines, n.Lines[ln-1].Text)
		}
		e.Excerpt = strings.Join(lines, "\n")
		out[i] = e
	}
	return out
}

var serviceKeywords = []string{"api", "worker", "gateway", "frontend", "backend"}

func extractServices(rawText string) []string {
	lowered := strings.ToLower(rawText)
	var found []string
	for _, name := range serviceKeywords {
		if strings.Contains(lowered, name) {
			found = append(found, name)
		}
	}
	return found
}

var infraKeywords = []string{"ecs", "alb", "lambda", "dynamodb", "s3", "rds", "redis", "cloudwatch", "kubernetes", "nginx", "kafka"}

func extractInfraComponents(rawText string) []string {
	lowered := strings.ToLower(rawText)
	var found []string
	for _, name := range infraKeywords {
		if strings.Contains(lowered, name) {
			found = append(found, name)
		}
	}
	return found
}

// mergeComponents unions two component lists preserving first-seen order.
func mergeComponents(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// guessFailureDomain applies coarse keyword heuristics across the whole
// text. Extractors may override with a more specific inference.
func guessFailureDomain(rawText string) string {
	lowered := strings.ToLower(rawText)
	switch {
	case strings.Contains(lowered, "timeout") || strings.Contains(lowered, "latency"):
		return "performance"
	case strings.Contains(lowered, "permission") || strings.Contains(lowered, "access denied") || strings.Contains(lowered, "accessdenied"):
		return "security"
	case strings.Contains(lowered, "connection") || strings.Contains(lowered, "dns"):
		return "network"
	case strings.Contains(lowered, "null") || strings.Contains(lowered, "exception"):
		return "application"
	default:
		return domain.FailureDomainUnknown
	}
}
