// Package llm abstracts text generation backends behind a single
// adapter interface and validates their structured output.
package llm

import "context"

// TokenUsage reports the token cost of one generation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the raw outcome of a generation call, before any output
// validation.
type Result struct {
	Text       string
	ModelID    string
	Provider   string
	TokenUsage TokenUsage
	RequestID  string
}

// Options tunes a single generation call.
type Options struct {
	RequestID   string
	MaxTokens   int
	Temperature float64
}

// Adapter generates text for a prompt. Implementations must honor
// context cancellation; the orchestrator runs every call under a
// deadline.
type Adapter interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Result, error)
	ModelID() string
}

func estimateUsage(prompt, completion string) TokenUsage {
	promptTokens := max(1, len(prompt)/4)
	completionTokens := max(1, len(completion)/4)
	return TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
