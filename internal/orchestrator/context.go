package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/guardrail"
)

// maxRawInputChars bounds how much of a prior turn's raw input is
// replayed into a follow-up prompt.
const maxRawInputChars = 800

// compactTurn is the prompt-facing projection of one recorded turn.
// Only fields that help the model reason about continuity survive;
// evidence maps and full responses stay out of the context window.
type compactTurn struct {
	RequestID        string   `json:"request_id"`
	RawInput         string   `json:"raw_input,omitempty"`
	PrimarySignature string   `json:"primary_error_signature,omitempty"`
	SecondaryErrors  []string `json:"secondary_signatures,omitempty"`
	Services         []string `json:"services,omitempty"`
	InfraComponents  []string `json:"infra_components,omitempty"`
	FailureDomain    string   `json:"suspected_failure_domain,omitempty"`
	TopHypothesis    string   `json:"top_hypothesis,omitempty"`
	AssistantMessage string   `json:"assistant_message,omitempty"`
	CompletionState  string   `json:"completion_state,omitempty"`
	NextQuestion     string   `json:"next_question,omitempty"`
	ToolCommands     []string `json:"tool_commands,omitempty"`
	FixSteps         []string `json:"fix_steps,omitempty"`
}

// conversationContext compacts the most recent turns into a JSON block
// for the prompt. Returns "" when there is no usable history.
func (o *Orchestrator) conversationContext(ctx context.Context, conversationID string) string {
	if conversationID == "" {
		return ""
	}
	events, err := o.store.GetRecentEvents(ctx, conversationID, contextEvents)
	if err != nil {
		o.logger.Warn("failed to load conversation history",
			slog.String("conversation_id", conversationID), slog.Any("error", err))
		return ""
	}
	if len(events) == 0 {
		return ""
	}

	turns := make([]compactTurn, 0, len(events))
	for _, ev := range events {
		turns = append(turns, compactEvent(ev))
	}
	raw, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return ""
	}
	return string(raw)
}

func compactEvent(ev domain.ConversationEvent) compactTurn {
	// Secrets pasted in earlier turns are scrubbed before the text is
	// replayed into a later prompt.
	rawInput, _ := guardrail.RedactSensitiveText(truncate(ev.RawText, maxRawInputChars))
	t := compactTurn{
		RequestID: ev.RequestID,
		RawInput:  rawInput,
	}
	if f := ev.Frame; f != nil {
		t.PrimarySignature = f.PrimaryErrorSignature
		if len(f.SecondarySignatures) > 3 {
			t.SecondaryErrors = f.SecondarySignatures[:3]
		} else {
			t.SecondaryErrors = f.SecondarySignatures
		}
		t.Services = f.Services
		t.InfraComponents = f.InfraComponents
		t.FailureDomain = f.SuspectedFailureDomain
	}
	if r := ev.Response; r != nil {
		if top := r.TopHypothesis(); top != nil {
			t.TopHypothesis = top.Explanation
		}
		t.AssistantMessage = r.AssistantMessage
		t.CompletionState = string(r.CompletionState)
		t.NextQuestion = r.NextQuestion
		for _, call := range r.ToolCalls {
			t.ToolCommands = append(t.ToolCommands, call.Command)
		}
		t.FixSteps = r.FixSteps
	}
	return t
}

// buildTriagePrompt assembles the full triage prompt: pinned template,
// then labeled sections, closing with the JSON-only directive.
func buildTriagePrompt(template, conversationID, rawText string, frame *domain.IncidentFrame, contextText string) string {
	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\nTask: triage")
	writeSection(&b, "Conversation ID", conversationID)
	writeSection(&b, "Raw input", rawText)
	writeSection(&b, "Incident frame", marshalForPrompt(frame))
	if contextText != "" {
		writeSection(&b, "Previous turns (oldest first)", contextText)
	}
	writeSection(&b, "Evidence map (cite entries exactly as given)", marshalForPrompt(frame.EvidenceMap))
	b.WriteString("\n\nReturn ONLY valid JSON.")
	return b.String()
}

// buildExplainPrompt assembles the follow-up prompt. The evidence map
// section includes this turn's tool results so the model can cite them.
func buildExplainPrompt(template, conversationID, question string, frame *domain.IncidentFrame, toolResults []domain.ToolResult, allowed []domain.EvidenceMapEntry, contextText string) string {
	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\nTask: explain")
	writeSection(&b, "Conversation ID", conversationID)
	writeSection(&b, "Question", question)
	writeSection(&b, "Incident frame", marshalForPrompt(frame))
	if len(toolResults) > 0 {
		var tr strings.Builder
		for _, result := range toolResults {
			tr.WriteString(result.ID)
			tr.WriteString(":\n")
			tr.WriteString(truncate(result.Output, maxRawInputChars))
			tr.WriteString("\n")
		}
		writeSection(&b, "Tool results", strings.TrimRight(tr.String(), "\n"))
	}
	if contextText != "" {
		writeSection(&b, "Previous turns (oldest first)", contextText)
	}
	writeSection(&b, "Evidence map (cite entries exactly as given)", marshalForPrompt(allowed))
	b.WriteString("\n\nReturn ONLY valid JSON.")
	return b.String()
}

func writeSection(b *strings.Builder, label, body string) {
	b.WriteString("\n\n")
	b.WriteString(label)
	b.WriteString(":\n")
	b.WriteString(body)
}

func marshalForPrompt(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// truncate bounds s to n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
