package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

const defaultBaseURL = "https://api.openai.com/v1"

const systemPrompt = "You are a helpful troubleshooting assistant."

// reasoning-capable models may interleave a reasoning block with the
// answer; it is never part of the structured payload.
var reasoningPattern = regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`)

// OpenAIAdapter calls an OpenAI-compatible chat completions endpoint.
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// OpenAIOption configures the adapter.
type OpenAIOption func(*OpenAIAdapter)

// WithBaseURL points the adapter at a compatible non-OpenAI endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(a *OpenAIAdapter) {
		a.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(a *OpenAIAdapter) {
		a.httpClient = httpClient
	}
}

func NewOpenAIAdapter(apiKey, model string, opts ...OpenAIOption) *OpenAIAdapter {
	a := &OpenAIAdapter{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *OpenAIAdapter) ModelID() string { return a.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends a chat completion request and returns the model's text.
func (a *OpenAIAdapter) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	body, err := json.Marshal(&chatCompletionRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, SanitizePreview(string(respBody)))
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, errors.New("upstream returned no choices")
	}

	text := strings.TrimSpace(reasoningPattern.ReplaceAllString(result.Choices[0].Message.Content, ""))
	usage := TokenUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = estimateUsage(prompt, text)
	}
	return &Result{
		Text:       text,
		ModelID:    a.model,
		Provider:   "openai",
		TokenUsage: usage,
		RequestID:  opts.RequestID,
	}, nil
}
