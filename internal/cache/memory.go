package cache

import (
	"context"
	"sync"
	"time"

	"github.com/opsframe/troubleshooter/internal/domain"
)

type entry struct {
	embedding []float64
	response  domain.CanonicalResponse
	expiresAt time.Time
}

// MemoryCache is an in-process SemanticCache backed by brute-force
// cosine search. Suitable for a single instance; a vector store takes
// its place when responses must be shared across replicas.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   []entry
	threshold float64
	ttl       time.Duration

	now func() time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithSimilarityThreshold overrides the default lookup threshold.
func WithSimilarityThreshold(threshold float64) MemoryOption {
	return func(c *MemoryCache) { c.threshold = threshold }
}

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(c *MemoryCache) { c.ttl = ttl }
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		threshold: DefaultSimilarityThreshold,
		ttl:       DefaultTTLSeconds * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the most similar live entry at or above the threshold.
func (c *MemoryCache) Lookup(_ context.Context, endpoint, queryText string) *Hit {
	embedding := pseudoEmbedding(SanitizeText(queryText))
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *entry
	bestSim := 0.0
	for i := range c.entries {
		e := &c.entries[i]
		if now.After(e.expiresAt) {
			continue
		}
		if sim := cosineSimilarity(embedding, e.embedding); sim > bestSim {
			bestSim = sim
			best = e
		}
	}
	if best == nil || bestSim < c.threshold {
		return nil
	}
	response := best.response
	return &Hit{Response: &response, Similarity: bestSim}
}

// Put stores a response under the embedded query text.
func (c *MemoryCache) Put(_ context.Context, endpoint, queryText string, response *domain.CanonicalResponse) {
	if response == nil {
		return
	}
	embedding := pseudoEmbedding(SanitizeText(queryText))
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)
	c.entries = append(c.entries, entry{
		embedding: embedding,
		response:  *response,
		expiresAt: now.Add(c.ttl),
	})
}

func (c *MemoryCache) pruneLocked(now time.Time) {
	live := c.entries[:0]
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			live = append(live, e)
		}
	}
	c.entries = live
}
