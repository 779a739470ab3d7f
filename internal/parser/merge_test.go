package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsframe/troubleshooter/internal/domain"
)

func storedFrameFixture() *domain.IncidentFrame {
	return &domain.IncidentFrame{
		FrameID:                "frame-stored",
		ConversationID:         "conv-1",
		RequestID:              "req-stored",
		Source:                 "user_input",
		ParserVersion:          Version,
		ParseConfidence:        0.7,
		CreatedAt:              time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
		PrimaryErrorSignature:  "Error: connection refused",
		SecondarySignatures:    []string{"retrying in 5s"},
		Services:               []string{"api"},
		InfraComponents:        []string{"rds"},
		SuspectedFailureDomain: "network",
		EvidenceMap: []domain.EvidenceMapEntry{
			{SourceType: domain.SourceTypeLog, SourceID: "raw-input", LineStart: 1, LineEnd: 1, ExcerptHash: "aaaa"},
			{SourceType: domain.SourceTypeLog, SourceID: "raw-input", LineStart: 2, LineEnd: 3, ExcerptHash: "bbbb"},
		},
	}
}

func TestMergeNilSuppliedReturnsStored(t *testing.T) {
	stored := storedFrameFixture()

	assert.Equal(t, stored, Merge(stored, nil))
}

func TestMergeNilStoredReturnsSupplied(t *testing.T) {
	supplied := storedFrameFixture()

	out := Merge(nil, supplied)

	require.NotNil(t, out)
	assert.Equal(t, supplied, out)
	assert.NotSame(t, supplied, out)
}

func TestMergeBothNil(t *testing.T) {
	assert.Nil(t, Merge(nil, nil))
}

func TestMergeSuppliedFieldsOverride(t *testing.T) {
	stored := storedFrameFixture()
	supplied := &domain.IncidentFrame{
		PrimaryErrorSignature:  "Error: read timeout",
		SuspectedFailureDomain: "performance",
	}

	out := Merge(stored, supplied)

	assert.Equal(t, "Error: read timeout", out.PrimaryErrorSignature)
	assert.Equal(t, "performance", out.SuspectedFailureDomain)
	// Everything absent from supplied carries over.
	assert.Equal(t, stored.FrameID, out.FrameID)
	assert.Equal(t, stored.ParserVersion, out.ParserVersion)
	assert.Equal(t, stored.ParseConfidence, out.ParseConfidence)
	assert.Equal(t, stored.Services, out.Services)
	assert.Equal(t, stored.SecondarySignatures, out.SecondarySignatures)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	stored := storedFrameFixture()
	supplied := &domain.IncidentFrame{PrimaryErrorSignature: "Error: read timeout"}

	Merge(stored, supplied)

	assert.Equal(t, "Error: connection refused", stored.PrimaryErrorSignature)
	assert.Len(t, stored.EvidenceMap, 2)
	assert.Empty(t, supplied.EvidenceMap)
}

func TestMergeEvidenceSuppliedFirstWithDedupe(t *testing.T) {
	stored := storedFrameFixture()
	supplied := &domain.IncidentFrame{
		EvidenceMap: []domain.EvidenceMapEntry{
			// Same span as a stored entry; the supplied copy must win.
			{SourceType: domain.SourceTypeLog, SourceID: "raw-input", LineStart: 2, LineEnd: 3, ExcerptHash: "bbbb-updated"},
			{SourceType: domain.SourceTypeTool, SourceID: "tool-1", LineStart: 1, LineEnd: 4, ExcerptHash: "cccc"},
		},
	}

	out := Merge(stored, supplied)

	require.Len(t, out.EvidenceMap, 3)
	assert.Equal(t, "bbbb-updated", out.EvidenceMap[0].ExcerptHash)
	assert.Equal(t, "tool-1", out.EvidenceMap[1].SourceID)
	// The stored-only span survives after the supplied entries.
	assert.Equal(t, "aaaa", out.EvidenceMap[2].ExcerptHash)
}
