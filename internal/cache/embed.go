package cache

import "math"

const embedDimensions = 256

// pseudoEmbedding is a deterministic stand-in for a real embedding
// model: a linear congruential generator seeded from the text's byte
// sum. Identical sanitized text embeds identically; that is the only
// property the stub mode needs.
func pseudoEmbedding(text string) []float64 {
	seed := 0
	for _, ch := range text {
		seed += int(ch)
	}
	if seed == 0 {
		seed = 1
	}
	values := make([]float64, embedDimensions)
	for i := range values {
		seed = (seed*1103515245 + 12345) & 0x7FFFFFFF
		values[i] = float64(seed%1000) / 1000.0
	}
	return values
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either has zero magnitude.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
