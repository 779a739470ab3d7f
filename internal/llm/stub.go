package llm

import (
	"context"
	"strings"
)

// StubAdapter returns canned structured output without calling any
// backend. It is the default in development and the workhorse of the
// test suite: responses are deterministic and always valid JSON.
type StubAdapter struct{}

func NewStubAdapter() *StubAdapter { return &StubAdapter{} }

func (s *StubAdapter) ModelID() string { return "stub-model" }

const stubExplainPayload = `{
  "assistant_message": "Here is a concise explanation based on the latest context.",
  "completion_state": "final",
  "next_question": null,
  "tool_calls": [],
  "hypotheses": [
    {
      "id": "hyp-1",
      "rank": 1,
      "confidence": 0.52,
      "explanation": "Primary error signature suggests a configuration or permission issue.",
      "citations": []
    }
  ],
  "fix_steps": ["Verify the config and redeploy if the change is confirmed."]
}`

const stubTriagePayload = `{
  "category": "other",
  "assistant_message": "I need a bit more context. Please share the exact error output.",
  "completion_state": "needs_input",
  "next_question": "Share the exact error output or stack trace.",
  "tool_calls": [],
  "hypotheses": [
    {
      "id": "hyp-1",
      "rank": 1,
      "confidence": 0.55,
      "explanation": "Likely misconfiguration or dependency issue based on the log signature.",
      "citations": []
    }
  ],
  "fix_steps": []
}`

func (s *StubAdapter) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Prompts built for the explain endpoint carry a task marker line.
	// Keying on the bare word would misfire on "explanation" in schemas.
	text := stubTriagePayload
	if strings.Contains(strings.ToLower(prompt), "task: explain") {
		text = stubExplainPayload
	}
	return &Result{
		Text:       text,
		ModelID:    s.ModelID(),
		Provider:   "stub",
		TokenUsage: estimateUsage(prompt, text),
		RequestID:  opts.RequestID,
	}, nil
}
