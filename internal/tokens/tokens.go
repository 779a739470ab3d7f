// Package tokens provides token counting for budget admission control.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in plain text for a given model.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Registry picks the most accurate available counter for a model and
// degrades to a character-based estimate when none applies. Counting
// never fails from the caller's perspective; admission control prefers
// a rough number over an error.
type Registry struct {
	counters []Counter
	fallback *Estimator
}

// NewRegistry creates a registry with the tiktoken counter for OpenAI
// model families and a chars-per-token estimator as fallback.
func NewRegistry() *Registry {
	return &Registry{
		counters: []Counter{NewTiktokenCounter()},
		fallback: NewEstimator(),
	}
}

// CountText counts tokens in text for the model.
func (r *Registry) CountText(model, text string) int {
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		if n, err := c.CountText(model, text); err == nil {
			return n
		}
	}
	n, _ := r.fallback.CountText(model, text)
	return n
}

// EstimateRequest returns the token cost charged against the budget
// window before a model call: the prompt plus the full completion
// reservation. The reservation is intentionally pessimistic; unused
// completion tokens are not refunded.
func (r *Registry) EstimateRequest(model, prompt string, maxCompletionTokens int) int {
	return r.CountText(model, prompt) + maxCompletionTokens
}

// Estimator approximates token counts from character length. It supports
// every model and is the registry's terminal fallback.
type Estimator struct {
	CharsPerToken float64
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

func (e *Estimator) CountText(model, text string) (int, error) {
	return int(float64(len(text)) / e.CharsPerToken), nil
}

func (e *Estimator) SupportsModel(model string) bool { return true }

// TiktokenCounter counts tokens with tiktoken encodings. Codecs are
// cached per encoding; building one loads the vocabulary and is not
// cheap enough to do per request.
type TiktokenCounter struct {
	matcher *ModelMatcher

	cacheMu    sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding"},
			[]string{"davinci", "curie", "babbage", "ada"},
		),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

func (c *TiktokenCounter) getCodec(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model))); err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()
	return codec, nil
}

// modelToEncoding maps model families to tiktoken encodings when the
// model name itself is unknown to tiktoken.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// ModelMatcher matches model names against prefixes and exact names.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
