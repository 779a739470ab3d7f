// Package cache provides a best-effort semantic response cache for
// explain turns. Lookups match on embedding similarity, not exact keys,
// so a rephrased question can still reuse a cached answer.
package cache

import (
	"context"
	"strings"

	"github.com/opsframe/troubleshooter/internal/domain"
)

// DefaultSimilarityThreshold is deliberately strict. A near-duplicate
// question about a different incident must miss.
const (
	DefaultSimilarityThreshold = 0.95
	DefaultTTLSeconds          = 86400
)

// Hit is a cache lookup result above the similarity threshold.
type Hit struct {
	Response   *domain.CanonicalResponse
	Similarity float64
}

// SemanticCache stores canonical responses keyed by embedded query
// text. Both operations are best-effort: a broken cache degrades to
// misses, never to request failures.
type SemanticCache interface {
	Lookup(ctx context.Context, endpoint, queryText string) *Hit
	Put(ctx context.Context, endpoint, queryText string, response *domain.CanonicalResponse)
}

// BuildExplainKey derives the cache query text for an explain turn from
// the question and the stable parts of the incident frame. Volatile
// fields (IDs, timestamps, confidence) are excluded so repeat questions
// about the same incident hash alike.
func BuildExplainKey(frame *domain.IncidentFrame, question string) string {
	parts := []string{strings.TrimSpace(question)}
	if frame != nil {
		parts = append(parts,
			frame.PrimaryErrorSignature,
			strings.Join(frame.Services, " "),
			strings.Join(frame.InfraComponents, " "),
		)
	}
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}
