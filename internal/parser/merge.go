package parser

import "github.com/opsframe/troubleshooter/internal/domain"

// Merge combines a stored frame with a partial frame supplied on an
// explain turn. Fields present (non-zero) in supplied override the
// stored values; everything else is carried over. Evidence maps are
// concatenated — supplied entries first — with duplicate
// (source_id, line_start, line_end) spans removed, so citations from
// earlier turns stay resolvable.
//
// Merge never mutates its inputs; it returns a new frame value. A nil
// supplied frame returns stored as-is, and vice versa. Both nil returns
// nil, which callers surface as a no-context condition.
func Merge(stored, supplied *domain.IncidentFrame) *domain.IncidentFrame {
	if supplied == nil {
		return stored
	}
	if stored == nil {
		out := *supplied
		return &out
	}

	out := *stored

	if supplied.FrameID != "" {
		out.FrameID = supplied.FrameID
	}
	if supplied.RequestID != "" {
		out.RequestID = supplied.RequestID
	}
	if supplied.ConversationID != "" {
		out.ConversationID = supplied.ConversationID
	}
	if supplied.Source != "" {
		out.Source = supplied.Source
	}
	if supplied.ParserVersion != "" {
		out.ParserVersion = supplied.ParserVersion
	}
	if supplied.ParseConfidence != 0 {
		out.ParseConfidence = supplied.ParseConfidence
	}
	if !supplied.CreatedAt.IsZero() {
		out.CreatedAt = supplied.CreatedAt
	}
	if supplied.PrimaryErrorSignature != "" {
		out.PrimaryErrorSignature = supplied.PrimaryErrorSignature
	}
	if supplied.SecondarySignatures != nil {
		out.SecondarySignatures = supplied.SecondarySignatures
	}
	if supplied.TimeWindow != nil {
		out.TimeWindow = supplied.TimeWindow
	}
	if supplied.Services != nil {
		out.Services = supplied.Services
	}
	if supplied.InfraComponents != nil {
		out.InfraComponents = supplied.InfraComponents
	}
	if supplied.SuspectedFailureDomain != "" {
		out.SuspectedFailureDomain = supplied.SuspectedFailureDomain
	}

	out.EvidenceMap = mergeEvidence(supplied.EvidenceMap, stored.EvidenceMap)
	return &out
}

// mergeEvidence concatenates evidence lists, dropping later duplicates of
// the same (source_id, line_start, line_end) span.
func mergeEvidence(first, second []domain.EvidenceMapEntry) []domain.EvidenceMapEntry {
	seen := make(map[domain.CitationKey]bool, len(first)+len(second))
	var out []domain.EvidenceMapEntry
	for _, e := range append(append([]domain.EvidenceMapEntry{}, first...), second...) {
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		out = append(out, e)
	}
	return out
}
