package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsframe/troubleshooter/internal/budget"
	"github.com/opsframe/troubleshooter/internal/cache"
	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/llm"
	"github.com/opsframe/troubleshooter/internal/llm/prompt"
	"github.com/opsframe/troubleshooter/internal/metrics"
	"github.com/opsframe/troubleshooter/internal/parser"
	"github.com/opsframe/troubleshooter/internal/storage"
	"github.com/opsframe/troubleshooter/internal/storage/memory"
	"github.com/opsframe/troubleshooter/internal/tokens"
)

const triageLog = `Error: timeout connecting to database
api gateway returned 503
connection reset by peer`

func newTestOrchestrator(t *testing.T, mutate func(*Deps)) (*Orchestrator, *memory.Store) {
	t.Helper()
	prompts, err := prompt.NewRegistry(prompt.DefaultPins)
	require.NoError(t, err)

	store := memory.New()
	deps := Deps{
		Parser:  parser.New(),
		Store:   store,
		Adapter: llm.NewStubAdapter(),
		Prompts: prompts,
		Tokens:  tokens.NewRegistry(),
		Metrics: metrics.NewNop(),
		Logger:  slog.Default(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps, Config{}), store
}

func TestTriageEmptyInputRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{RawText: "   \n "})

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.ErrorTypeInvalidRequest, apiErr.Type)
	assert.Equal(t, domain.ErrorCodeRawTextRequired, apiErr.Code)
	assert.Equal(t, "raw_text", apiErr.Param)
}

func TestTriageDomainRestricted(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)

	resp, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{
		RawText:        "what's a good pasta recipe for tonight?",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CompletionFinal, resp.CompletionState)
	assert.Equal(t, domainRejectionMessage, resp.AssistantMessage)
	assert.Empty(t, resp.Hypotheses)
	assert.Equal(t, true, resp.Metadata["domain_restricted"])

	// A rejection must not establish conversation context.
	_, err = store.GetState(context.Background(), "conv-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTriageHappyPath(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)

	resp, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{
		RawText:        triageLog,
		ConversationID: "conv-1",
		Source:         "cloudwatch",
	})
	require.NoError(t, err)

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, domain.CompletionNeedsInput, resp.CompletionState)
	assert.NotEmpty(t, resp.NextQuestion)

	// The stub's hypothesis carries no citations, so the citation
	// guardrail caps its confidence and flags the explanation.
	require.Len(t, resp.Hypotheses, 1)
	assert.LessOrEqual(t, resp.Hypotheses[0].Confidence, 0.3)
	assert.Contains(t, resp.Hypotheses[0].Explanation, "No citation found. ")

	assert.Equal(t, "stub-model", resp.Metadata["model_id"])
	assert.NotEmpty(t, resp.Metadata["prompt_version"])
	assert.NotEmpty(t, resp.Metadata["input_id"])
	assert.Equal(t, parser.Version, resp.Metadata["parser_version"])

	st, err := store.GetState(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotNil(t, st.LatestIncidentFrame)
	assert.Equal(t, "cloudwatch", st.LatestIncidentFrame.Source)
	assert.NotEmpty(t, st.LatestIncidentFrame.EvidenceMap)
	require.NotNil(t, st.LatestResponseSummary)
	assert.Equal(t, domain.CompletionNeedsInput, st.LatestResponseSummary.CompletionState)
}

func TestTriageBudgetDenied(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)
	o.budget = budget.New(store, budget.Config{
		Enabled:    true,
		TokenLimit: 1,
		Window:     10 * time.Minute,
	}, slog.Default())

	_, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{
		RawText:        triageLog,
		ConversationID: "conv-1",
	})

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.ErrorTypeBudgetExceeded, apiErr.Type)
	assert.NotEmpty(t, apiErr.RetryAfter)
	require.NotNil(t, apiErr.RemainingBudget)

	// Denied before generation: no state was written.
	_, err = store.GetState(context.Background(), "conv-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExplainQuestionRequired(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.Explain(context.Background(), "req-1", "user-1", &ExplainRequest{})

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.ErrorTypeInvalidRequest, apiErr.Type)
	assert.Equal(t, domain.ErrorCodeQuestionRequired, apiErr.Code)
}

func TestExplainNoContext(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	resp, err := o.Explain(context.Background(), "req-1", "user-1", &ExplainRequest{
		Question:       "why is my deploy failing?",
		ConversationID: "conv-unknown",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CompletionNeedsInput, resp.CompletionState)
	assert.Equal(t, noContextMessage, resp.AssistantMessage)
	assert.Equal(t, noContextQuestion, resp.NextQuestion)
	assert.Equal(t, true, resp.Metadata["no_context"])
}

func TestExplainReasksOnNonInformativeAnswer(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Triage(ctx, "req-1", "user-1", &TriageRequest{
		RawText: triageLog, ConversationID: "conv-1",
	})
	require.NoError(t, err)

	resp, err := o.Explain(ctx, "req-2", "user-1", &ExplainRequest{
		Question:       "not sure",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CompletionNeedsInput, resp.CompletionState)
	assert.Equal(t, "Share the exact error output or stack trace.", resp.NextQuestion)
	assert.Equal(t, true, resp.Metadata["reasked"])
}

func TestExplainReasksWhenDetailsMissing(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Triage(ctx, "req-1", "user-1", &TriageRequest{
		RawText: triageLog, ConversationID: "conv-1",
	})
	require.NoError(t, err)

	// Prose with no error content does not satisfy a question asking
	// for the exact error output.
	resp, err := o.Explain(ctx, "req-2", "user-1", &ExplainRequest{
		Question:       "it happens every morning around nine",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CompletionNeedsInput, resp.CompletionState)
	assert.Contains(t, resp.NextQuestion, "error response")
	assert.Equal(t, true, resp.Metadata["reasked"])
}

func TestExplainHappyPath(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Triage(ctx, "req-1", "user-1", &TriageRequest{
		RawText: triageLog, ConversationID: "conv-1",
	})
	require.NoError(t, err)

	resp, err := o.Explain(ctx, "req-2", "user-1", &ExplainRequest{
		Question:       "The deploy failed with Error: connection refused",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CompletionFinal, resp.CompletionState)
	assert.NotEmpty(t, resp.AssistantMessage)
	assert.NotEmpty(t, resp.FixSteps)
	require.Len(t, resp.Hypotheses, 1)
	assert.LessOrEqual(t, resp.Hypotheses[0].Confidence, 0.3)

	st, err := store.GetState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "req-2", st.LatestRequestID)
}

func TestExplainSemanticCacheHit(t *testing.T) {
	o, _ := newTestOrchestrator(t, func(d *Deps) {
		d.Cache = cache.NewMemoryCache()
	})
	ctx := context.Background()

	_, err := o.Triage(ctx, "req-1", "user-1", &TriageRequest{
		RawText: triageLog, ConversationID: "conv-1",
	})
	require.NoError(t, err)

	question := "The deploy failed with Error: connection refused"
	first, err := o.Explain(ctx, "req-2", "user-1", &ExplainRequest{
		Question: question, ConversationID: "conv-1",
	})
	require.NoError(t, err)
	assert.NotContains(t, first.Metadata, "cache")

	second, err := o.Explain(ctx, "req-3", "user-1", &ExplainRequest{
		Question: question, ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "req-3", second.RequestID)
	assert.Contains(t, second.Metadata, "cache")
	assert.Equal(t, first.AssistantMessage, second.AssistantMessage)
}

func TestExplainWithSuppliedFrameOnly(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	resp, err := o.Explain(context.Background(), "req-1", "user-1", &ExplainRequest{
		Question: "Error: access denied when the worker writes to the bucket",
		IncidentFrame: &domain.IncidentFrame{
			FrameID:               "frame-1",
			PrimaryErrorSignature: "AccessDenied: s3:PutObject",
			InfraComponents:       []string{"s3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CompletionFinal, resp.CompletionState)
}

// scriptedAdapter returns a fixed payload, for exercising guardrails the
// stub never triggers.
type scriptedAdapter struct {
	text string
	err  error
}

func (a *scriptedAdapter) ModelID() string { return "scripted-model" }

func (a *scriptedAdapter) Generate(_ context.Context, _ string, opts llm.Options) (*llm.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &llm.Result{Text: a.text, ModelID: a.ModelID(), Provider: "test", RequestID: opts.RequestID}, nil
}

func TestTriageToolCallForcesNeedsInput(t *testing.T) {
	payload := `{
	  "category": "infra",
	  "assistant_message": "Run a quick check first.",
	  "completion_state": "final",
	  "tool_calls": [
	    {"id": "tc-1", "command": "kubectl get pods -n prod"},
	    {"id": "tc-2", "command": "kubectl describe deploy api"}
	  ],
	  "hypotheses": [],
	  "fix_steps": []
	}`
	o, _ := newTestOrchestrator(t, func(d *Deps) {
		d.Adapter = &scriptedAdapter{text: payload}
	})

	resp, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{
		RawText: triageLog, ConversationID: "conv-1",
	})
	require.NoError(t, err)

	// One tool call max, and a pending command means the turn pauses.
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tc-1", resp.ToolCalls[0].ID)
	assert.Equal(t, domain.CompletionNeedsInput, resp.CompletionState)
	assert.NotEmpty(t, resp.NextQuestion)
}

func TestTriageMalformedOutputFailsClosed(t *testing.T) {
	o, _ := newTestOrchestrator(t, func(d *Deps) {
		d.Adapter = &scriptedAdapter{text: "I think the problem is DNS, probably."}
	})

	_, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{
		RawText: triageLog,
	})

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.ErrorTypeOutputValidation, apiErr.Type)
	assert.Equal(t, domain.ErrorCodeMalformedOutput, apiErr.Code)
	// Raw model text must never leak into the error.
	assert.NotContains(t, apiErr.Message, "DNS")
}

func TestTriageUpstreamErrorMapping(t *testing.T) {
	o, _ := newTestOrchestrator(t, func(d *Deps) {
		d.Adapter = &scriptedAdapter{err: errors.New("connection refused")}
	})

	_, err := o.Triage(context.Background(), "req-1", "user-1", &TriageRequest{
		RawText: triageLog,
	})

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.ErrorTypeUpstreamGeneration, apiErr.Type)
}

func TestExplainValidCitationsSurvive(t *testing.T) {
	frame := &domain.IncidentFrame{
		FrameID:               "frame-1",
		PrimaryErrorSignature: "Error: timeout connecting to database",
		EvidenceMap: []domain.EvidenceMapEntry{{
			SourceType:  domain.SourceTypeLog,
			SourceID:    "raw-input",
			LineStart:   1,
			LineEnd:     1,
			ExcerptHash: "aaaa",
		}},
	}
	payload := `{
	  "assistant_message": "The timeout points at the database tier.",
	  "completion_state": "final",
	  "tool_calls": [],
	  "hypotheses": [
	    {
	      "id": "hyp-1",
	      "rank": 1,
	      "confidence": 0.9,
	      "explanation": "Connection pool exhaustion on the database.",
	      "citations": [
	        {"source_type": "log", "source_id": "raw-input", "line_start": 1, "line_end": 1, "excerpt_hash": "aaaa"}
	      ]
	    },
	    {
	      "id": "hyp-2",
	      "rank": 2,
	      "confidence": 0.8,
	      "explanation": "Made-up cause with a fabricated citation.",
	      "citations": [
	        {"source_type": "log", "source_id": "raw-input", "line_start": 99, "line_end": 99, "excerpt_hash": "zzzz"}
	      ]
	    }
	  ],
	  "fix_steps": []
	}`
	o, _ := newTestOrchestrator(t, func(d *Deps) {
		d.Adapter = &scriptedAdapter{text: payload}
	})

	resp, err := o.Explain(context.Background(), "req-1", "user-1", &ExplainRequest{
		Question:      "Error: timeout, what is the root cause?",
		IncidentFrame: frame,
	})
	require.NoError(t, err)

	require.Len(t, resp.Hypotheses, 2)
	assert.Equal(t, 0.9, resp.Hypotheses[0].Confidence)
	assert.Len(t, resp.Hypotheses[0].Citations, 1)

	// The fabricated citation is dropped; the hypothesis survives capped.
	assert.Empty(t, resp.Hypotheses[1].Citations)
	assert.LessOrEqual(t, resp.Hypotheses[1].Confidence, 0.3)
}

func TestExplainToolResultCitations(t *testing.T) {
	output := "NAME   READY   STATUS\napi-7d9 0/1 CrashLoopBackOff"
	entries := toolEvidence([]domain.ToolResult{{ID: "tc-1", Output: output}})
	require.Len(t, entries, 1)

	payload := `{
	  "assistant_message": "The pod is crash looping.",
	  "completion_state": "final",
	  "tool_calls": [],
	  "hypotheses": [
	    {
	      "id": "hyp-1",
	      "rank": 1,
	      "confidence": 0.85,
	      "explanation": "CrashLoopBackOff confirmed by the pod listing.",
	      "citations": [
	        {"source_type": "tool", "source_id": "tc-1", "line_start": 1, "line_end": 2, "excerpt_hash": "` + entries[0].ExcerptHash + `"}
	      ]
	    }
	  ],
	  "fix_steps": []
	}`
	o, _ := newTestOrchestrator(t, func(d *Deps) {
		d.Adapter = &scriptedAdapter{text: payload}
	})

	resp, err := o.Explain(context.Background(), "req-1", "user-1", &ExplainRequest{
		Question:      "Error: pod keeps restarting, what do the tool results show?",
		IncidentFrame: &domain.IncidentFrame{FrameID: "frame-1"},
		ToolResults:   []domain.ToolResult{{ID: "tc-1", Output: output}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Hypotheses, 1)
	assert.Equal(t, 0.85, resp.Hypotheses[0].Confidence)
	assert.Len(t, resp.Hypotheses[0].Citations, 1)
}

func TestBudgetWindowDeniesThirdCall(t *testing.T) {
	store := memory.New()
	ctrl := budget.New(store, budget.Config{
		Enabled:    true,
		TokenLimit: 150,
		Window:     10 * time.Minute,
	}, slog.Default())

	ctx := context.Background()
	d1 := ctrl.Reserve(ctx, "user-1", 60)
	d2 := ctrl.Reserve(ctx, "user-1", 60)
	d3 := ctrl.Reserve(ctx, "user-1", 60)

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.False(t, d3.Allowed)
	assert.Equal(t, 30, d3.Remaining)
	assert.NotEmpty(t, d3.RetryAfter)
	assert.Positive(t, d3.RetryAfterSeconds)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	out := truncate(strings.Repeat("界", 400), maxRawInputChars)

	assert.LessOrEqual(t, len(out), maxRawInputChars)
	assert.True(t, utf8.ValidString(out))
}
