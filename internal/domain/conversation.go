package domain

import "time"

// ResponseSummary is the compact per-turn summary kept in conversation
// state so follow-up prompts can be assembled without reloading full
// responses.
type ResponseSummary struct {
	RequestID        string          `json:"request_id"`
	Timestamp        time.Time       `json:"timestamp"`
	TopHypothesis    *Hypothesis     `json:"top_hypothesis,omitempty"`
	AssistantMessage string          `json:"assistant_message"`
	CompletionState  CompletionState `json:"completion_state"`
	NextQuestion     string          `json:"next_question,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	FixSteps         []string        `json:"fix_steps,omitempty"`
}

// SummarizeResponse builds the stored summary for a canonical response.
func SummarizeResponse(resp *CanonicalResponse) *ResponseSummary {
	return &ResponseSummary{
		RequestID:        resp.RequestID,
		Timestamp:        resp.Timestamp,
		TopHypothesis:    resp.TopHypothesis(),
		AssistantMessage: resp.AssistantMessage,
		CompletionState:  resp.CompletionState,
		NextQuestion:     resp.NextQuestion,
		ToolCalls:        resp.ToolCalls,
		FixSteps:         resp.FixSteps,
	}
}

// ConversationState holds the latest frame and response summary for a
// conversation. It is the O(1) context entry point for a follow-up turn.
type ConversationState struct {
	ConversationID        string           `json:"conversation_id"`
	LatestRequestID       string           `json:"latest_request_id"`
	LatestIncidentFrame   *IncidentFrame   `json:"latest_incident_frame,omitempty"`
	LatestResponseSummary *ResponseSummary `json:"latest_response_summary,omitempty"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// ConversationEvent is one recorded turn. EventID sorts chronologically
// within a conversation (unix-seconds prefix plus request id).
type ConversationEvent struct {
	ConversationID string             `json:"conversation_id"`
	EventID        string             `json:"event_id"`
	RequestID      string             `json:"request_id"`
	InputID        string             `json:"input_id,omitempty"`
	RawText        string             `json:"raw_text,omitempty"`
	Frame          *IncidentFrame     `json:"incident_frame,omitempty"`
	Response       *CanonicalResponse `json:"canonical_response,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// BudgetWindowRecord tracks token spend for one (user, window) bucket.
// TokensUsed only ever increases; expiry is handled by store TTLs.
type BudgetWindowRecord struct {
	UserKey       string    `json:"user_key"`
	UsageWindow   string    `json:"usage_window"`
	TokensUsed    int       `json:"tokens_used"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
