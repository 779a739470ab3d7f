package llm

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/opsframe/troubleshooter/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TriageOutput is the structured payload the model must return on a
// triage turn. Unknown keys are ignored; missing or malformed required
// fields fail the whole response.
type TriageOutput struct {
	Category         string                 `json:"category"`
	AssistantMessage string                 `json:"assistant_message" validate:"required"`
	CompletionState  domain.CompletionState `json:"completion_state" validate:"required,oneof=needs_input final"`
	NextQuestion     string                 `json:"next_question"`
	ToolCalls        []domain.ToolCall      `json:"tool_calls" validate:"dive"`
	Hypotheses       []domain.Hypothesis    `json:"hypotheses" validate:"dive"`
	FixSteps         []string               `json:"fix_steps"`
}

// ExplainOutput is the structured payload for an explain turn.
type ExplainOutput struct {
	AssistantMessage string                 `json:"assistant_message" validate:"required"`
	CompletionState  domain.CompletionState `json:"completion_state" validate:"required,oneof=needs_input final"`
	NextQuestion     string                 `json:"next_question"`
	ToolCalls        []domain.ToolCall      `json:"tool_calls" validate:"dive"`
	Hypotheses       []domain.Hypothesis    `json:"hypotheses" validate:"dive"`
	FixSteps         []string               `json:"fix_steps"`
}

// DecodeTriageOutput extracts and validates a triage payload from raw
// model text. Any failure here is an output validation error; the raw
// text must not be surfaced to the caller.
func DecodeTriageOutput(text string) (*TriageOutput, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var out TriageOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("triage output schema mismatch: %w", err)
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("triage output failed validation: %w", err)
	}
	return &out, nil
}

// DecodeExplainOutput extracts and validates an explain payload.
func DecodeExplainOutput(text string) (*ExplainOutput, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var out ExplainOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("explain output schema mismatch: %w", err)
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("explain output failed validation: %w", err)
	}
	return &out, nil
}
