package domain

import "time"

// CompletionState says whether a turn is asking for more input or is done.
type CompletionState string

const (
	CompletionNeedsInput CompletionState = "needs_input"
	CompletionFinal      CompletionState = "final"
)

// Hypothesis is one candidate explanation for the incident, ranked and
// grounded in evidence citations.
type Hypothesis struct {
	ID          string             `json:"id" validate:"required"`
	Rank        int                `json:"rank" validate:"min=0"`
	Confidence  float64            `json:"confidence" validate:"min=0,max=1"`
	Explanation string             `json:"explanation"`
	Citations   []EvidenceMapEntry `json:"citations,omitempty"`
}

// ToolCall is a suggested diagnostic command. The user runs it and pastes
// the output back as a ToolResult; the service never executes anything.
type ToolCall struct {
	ID        string `json:"id" validate:"required"`
	Command   string `json:"command" validate:"required"`
	Rationale string `json:"rationale,omitempty"`
}

// ToolResult is the pasted-back output of a previously suggested tool call.
type ToolResult struct {
	ID     string `json:"id"`
	Output string `json:"output"`
}

// CanonicalResponse is the guardrail-processed response returned for every
// turn. Raw LLM output never crosses the system boundary.
type CanonicalResponse struct {
	RequestID        string          `json:"request_id"`
	Timestamp        time.Time       `json:"timestamp"`
	AssistantMessage string          `json:"assistant_message"`
	CompletionState  CompletionState `json:"completion_state"`
	NextQuestion     string          `json:"next_question,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls"`
	Hypotheses       []Hypothesis    `json:"hypotheses"`
	FixSteps         []string        `json:"fix_steps"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	ConversationID   string          `json:"conversation_id,omitempty"`
}

// TopHypothesis returns the first hypothesis or nil.
func (r *CanonicalResponse) TopHypothesis() *Hypothesis {
	if len(r.Hypotheses) == 0 {
		return nil
	}
	return &r.Hypotheses[0]
}
