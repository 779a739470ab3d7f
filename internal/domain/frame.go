// Package domain provides the canonical types shared across the
// troubleshooter: incident frames, evidence citations, responses, and
// conversation state.
package domain

import "time"

// SourceType identifies where a cited span came from.
type SourceType string

const (
	SourceTypeLog  SourceType = "log"
	SourceTypeTool SourceType = "tool"
)

// EvidenceMapEntry is a citable line span in some source text.
// ExcerptHash is a SHA-256 hex digest of the exact text of the span,
// used to detect drift between a citation and the content it pointed at.
// Entries are immutable once created.
type EvidenceMapEntry struct {
	SourceType  SourceType `json:"source_type"`
	SourceID    string     `json:"source_id"`
	LineStart   int        `json:"line_start"`
	LineEnd     int        `json:"line_end"`
	ExcerptHash string     `json:"excerpt_hash"`
	Excerpt     string     `json:"excerpt,omitempty"`
}

// TimeWindow is the observed time span of a log, best effort.
type TimeWindow struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// FailureDomainUnknown is the failure domain used when no heuristic matched
// or when parse confidence is too low to trust one.
const FailureDomainUnknown = "unknown"

// IncidentFrame is the structured, evidence-linked summary of a raw log.
// Frames are immutable after creation: merges produce a new frame value.
type IncidentFrame struct {
	FrameID         string    `json:"frame_id"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	RequestID       string    `json:"request_id"`
	Source          string    `json:"source"`
	ParserVersion   string    `json:"parser_version"`
	ParseConfidence float64   `json:"parse_confidence"`
	CreatedAt       time.Time `json:"created_at"`

	PrimaryErrorSignature  string             `json:"primary_error_signature"`
	SecondarySignatures    []string           `json:"secondary_signatures,omitempty"`
	TimeWindow             *TimeWindow        `json:"time_window,omitempty"`
	Services               []string           `json:"services,omitempty"`
	InfraComponents        []string           `json:"infra_components,omitempty"`
	SuspectedFailureDomain string             `json:"suspected_failure_domain"`
	EvidenceMap            []EvidenceMapEntry `json:"evidence_map,omitempty"`
}

// CitationKey identifies an evidence entry for citation matching.
// Hashes are deliberately excluded so citations survive excerpt elision.
type CitationKey struct {
	SourceID  string
	LineStart int
	LineEnd   int
}

// Key returns the citation identity of an evidence entry.
func (e EvidenceMapEntry) Key() CitationKey {
	return CitationKey{SourceID: e.SourceID, LineStart: e.LineStart, LineEnd: e.LineEnd}
}
