// Package orchestrator runs the triage and explain flows: admission,
// parsing, prompt assembly, generation, guardrails, and persistence. It
// is the only place raw model output is handled; everything past it sees
// canonical responses.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsframe/troubleshooter/internal/budget"
	"github.com/opsframe/troubleshooter/internal/cache"
	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/guardrail"
	"github.com/opsframe/troubleshooter/internal/llm"
	"github.com/opsframe/troubleshooter/internal/llm/prompt"
	"github.com/opsframe/troubleshooter/internal/metrics"
	"github.com/opsframe/troubleshooter/internal/parser"
	"github.com/opsframe/troubleshooter/internal/storage"
	"github.com/opsframe/troubleshooter/internal/tokens"
)

const (
	defaultLLMTimeout  = 30 * time.Second
	defaultMaxTokens   = 1024
	defaultTemperature = 0.2

	// contextEvents bounds how many prior turns are compacted into a
	// follow-up prompt.
	contextEvents = 5
)

// domainRejectionMessage is the fixed response for out-of-domain triage
// input. It never varies with the input, so nothing from a prompt
// injection attempt can echo back through it.
const domainRejectionMessage = "I can only help with software troubleshooting: " +
	"error logs, stack traces, infrastructure failures, and deployment issues. " +
	"Please share the error output or logs you are seeing."

const noContextMessage = "I don't have any incident context for this conversation yet. " +
	"Please paste the raw log or error output so I can take a look."

const noContextQuestion = "Paste the raw log or error output for the incident."

// TriageRequest is the payload of a triage turn.
type TriageRequest struct {
	RawText        string `json:"raw_text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Source         string `json:"source,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// ExplainRequest is the payload of an explain turn. Question and
// Response are aliases; either carries the user's follow-up text.
type ExplainRequest struct {
	Question       string               `json:"question,omitempty"`
	Response       string               `json:"response,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	IncidentFrame  *domain.IncidentFrame `json:"incident_frame,omitempty"`
	ToolResults    []domain.ToolResult  `json:"tool_results,omitempty"`
}

// QuestionText returns the follow-up text, preferring Question.
func (r *ExplainRequest) QuestionText() string {
	if q := strings.TrimSpace(r.Question); q != "" {
		return q
	}
	return strings.TrimSpace(r.Response)
}

// Deps are the collaborators an Orchestrator needs. Cache may be nil to
// disable semantic caching.
type Deps struct {
	Parser  *parser.Parser
	Store   storage.ConversationStore
	Budget  *budget.Controller
	Adapter llm.Adapter
	Prompts *prompt.Registry
	Cache   cache.SemanticCache
	Tokens  *tokens.Registry
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Config tunes per-call generation behavior.
type Config struct {
	LLMTimeout  time.Duration
	MaxTokens   int
	Temperature float64
}

// Orchestrator coordinates one request end to end.
type Orchestrator struct {
	parser  *parser.Parser
	store   storage.ConversationStore
	budget  *budget.Controller
	adapter llm.Adapter
	prompts *prompt.Registry
	cache   cache.SemanticCache
	tokens  *tokens.Registry
	metrics *metrics.Metrics
	logger  *slog.Logger

	llmTimeout  time.Duration
	maxTokens   int
	temperature float64
	now         func() time.Time
}

// New builds an orchestrator, filling zero config values with defaults.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	return &Orchestrator{
		parser:      deps.Parser,
		store:       deps.Store,
		budget:      deps.Budget,
		adapter:     deps.Adapter,
		prompts:     deps.Prompts,
		cache:       deps.Cache,
		tokens:      deps.Tokens,
		metrics:     m,
		logger:      logger,
		llmTimeout:  cfg.LLMTimeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		now:         time.Now,
	}
}

// Triage handles a first-contact turn: parse the pasted log into an
// incident frame, generate hypotheses, and enforce guardrails.
func (o *Orchestrator) Triage(ctx context.Context, requestID, userKey string, req *TriageRequest) (*domain.CanonicalResponse, error) {
	if strings.TrimSpace(req.RawText) == "" {
		return nil, domain.ErrInvalidRequest("raw_text is required").
			WithCode(domain.ErrorCodeRawTextRequired).
			WithParam("raw_text")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	// Domain restriction applies to triage only: the first turn decides
	// whether this conversation is troubleshooting at all.
	if !guardrail.IsAllowedDomain(req.RawText) {
		o.metrics.DomainRejected.Inc()
		o.logger.Info("triage input rejected by domain restriction",
			slog.String("request_id", requestID),
			slog.String("conversation_id", conversationID))
		resp := o.newResponse(requestID, conversationID)
		resp.AssistantMessage = domainRejectionMessage
		resp.CompletionState = domain.CompletionFinal
		resp.Metadata["endpoint"] = "triage"
		resp.Metadata["domain_restricted"] = true
		o.persistTurn(ctx, conversationID, requestID, "", req.RawText, nil, resp, false)
		return resp, nil
	}

	inputID, err := o.store.SaveInput(ctx, conversationID, requestID, req.RawText)
	if err != nil {
		o.logger.Error("failed to persist raw input", slog.Any("error", err))
		return nil, domain.ErrServer("failed to persist input")
	}

	frame := o.parser.Parse(req.RawText, requestID, conversationID, parser.Options{IncludeExcerpts: true})
	if req.Source != "" {
		frame.Source = req.Source
	}
	if req.Timestamp != "" && frame.TimeWindow == nil {
		frame.TimeWindow = &domain.TimeWindow{Start: req.Timestamp}
	}
	o.metrics.ParseConfidence.Observe(frame.ParseConfidence)
	if err := o.store.SaveFrame(ctx, frame); err != nil {
		o.logger.Error("failed to persist incident frame",
			slog.String("frame_id", frame.FrameID), slog.Any("error", err))
	}

	pr, err := o.prompts.Get("triage")
	if err != nil {
		return nil, domain.ErrServer("prompt registry lookup failed")
	}
	contextText := o.conversationContext(ctx, conversationID)
	promptText := buildTriagePrompt(pr.Text, conversationID, req.RawText, frame, contextText)

	if apiErr := o.admit(ctx, userKey, promptText); apiErr != nil {
		return nil, apiErr
	}

	result, apiErr := o.generate(ctx, "triage", requestID, promptText)
	if apiErr != nil {
		return nil, apiErr
	}

	out, err := llm.DecodeTriageOutput(result.Text)
	if err != nil {
		return nil, o.outputValidationError("triage", requestID, result.Text, err)
	}

	resp := o.assemble(requestID, conversationID, assembleInput{
		endpoint:         "triage",
		assistantMessage: out.AssistantMessage,
		completionState:  out.CompletionState,
		nextQuestion:     out.NextQuestion,
		toolCalls:        out.ToolCalls,
		hypotheses:       out.Hypotheses,
		fixSteps:         out.FixSteps,
		allowedEvidence:  frame.EvidenceMap,
		result:           result,
		prompt:           pr,
	})
	resp.Metadata["category"] = out.Category
	resp.Metadata["input_id"] = inputID
	resp.Metadata["parser_version"] = frame.ParserVersion
	resp.Metadata["parse_confidence"] = frame.ParseConfidence

	o.persistTurn(ctx, conversationID, requestID, inputID, req.RawText, frame, resp, true)
	return resp, nil
}

// Explain handles a follow-up turn against stored or supplied context.
func (o *Orchestrator) Explain(ctx context.Context, requestID, userKey string, req *ExplainRequest) (*domain.CanonicalResponse, error) {
	question := req.QuestionText()
	if question == "" {
		return nil, domain.ErrInvalidRequest("question is required").
			WithCode(domain.ErrorCodeQuestionRequired).
			WithParam("question")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	var stored *domain.IncidentFrame
	var pending *domain.ResponseSummary
	if req.ConversationID != "" {
		st, err := o.store.GetState(ctx, req.ConversationID)
		switch {
		case err == nil:
			stored = st.LatestIncidentFrame
			pending = st.LatestResponseSummary
		case !errors.Is(err, storage.ErrNotFound):
			o.logger.Warn("conversation state lookup failed, proceeding without it",
				slog.String("conversation_id", req.ConversationID), slog.Any("error", err))
		}
	}

	frame := parser.Merge(stored, req.IncidentFrame)
	if frame == nil {
		// No frame supplied and none stored. Recovered into a
		// needs_input turn rather than an HTTP failure.
		resp := o.newResponse(requestID, conversationID)
		resp.AssistantMessage = noContextMessage
		resp.NextQuestion = noContextQuestion
		resp.Metadata["endpoint"] = "explain"
		resp.Metadata["no_context"] = true
		o.persistTurn(ctx, conversationID, requestID, "", question, nil, resp, false)
		return resp, nil
	}

	if resp := o.reaskIfAnswerInsufficient(requestID, conversationID, pending, question); resp != nil {
		o.persistTurn(ctx, conversationID, requestID, "", question, frame, resp, false)
		return resp, nil
	}

	cacheKey := cache.BuildExplainKey(frame, question)
	if o.cache != nil {
		if hit := o.cache.Lookup(ctx, "explain", cacheKey); hit != nil {
			o.metrics.CacheLookups.WithLabelValues("explain", "hit").Inc()
			resp := cloneResponse(hit.Response)
			resp.RequestID = requestID
			resp.ConversationID = conversationID
			resp.Timestamp = o.now().UTC()
			resp.Metadata["cache"] = map[string]any{"hit": true, "similarity": hit.Similarity}
			o.persistTurn(ctx, conversationID, requestID, "", question, frame, resp, false)
			return resp, nil
		}
		o.metrics.CacheLookups.WithLabelValues("explain", "miss").Inc()
	}

	allowed := append(append([]domain.EvidenceMapEntry{}, frame.EvidenceMap...), toolEvidence(req.ToolResults)...)

	pr, err := o.prompts.Get("explain")
	if err != nil {
		return nil, domain.ErrServer("prompt registry lookup failed")
	}
	contextText := o.conversationContext(ctx, conversationID)
	promptText := buildExplainPrompt(pr.Text, conversationID, question, frame, req.ToolResults, allowed, contextText)

	if apiErr := o.admit(ctx, userKey, promptText); apiErr != nil {
		return nil, apiErr
	}

	result, apiErr := o.generate(ctx, "explain", requestID, promptText)
	if apiErr != nil {
		return nil, apiErr
	}

	out, err := llm.DecodeExplainOutput(result.Text)
	if err != nil {
		return nil, o.outputValidationError("explain", requestID, result.Text, err)
	}

	resp := o.assemble(requestID, conversationID, assembleInput{
		endpoint:         "explain",
		assistantMessage: out.AssistantMessage,
		completionState:  out.CompletionState,
		nextQuestion:     out.NextQuestion,
		toolCalls:        out.ToolCalls,
		hypotheses:       out.Hypotheses,
		fixSteps:         out.FixSteps,
		allowedEvidence:  allowed,
		result:           result,
		prompt:           pr,
	})

	o.persistTurn(ctx, conversationID, requestID, "", question, frame, resp, true)
	if o.cache != nil {
		o.cache.Put(ctx, "explain", cacheKey, resp)
	}
	return resp, nil
}

// reaskIfAnswerInsufficient applies the follow-up heuristics: when the
// previous turn paused on a question, a non-answer gets the question
// re-asked instead of burning an LLM call on it.
func (o *Orchestrator) reaskIfAnswerInsufficient(requestID, conversationID string, pending *domain.ResponseSummary, answer string) *domain.CanonicalResponse {
	if pending == nil || pending.CompletionState != domain.CompletionNeedsInput || pending.NextQuestion == "" {
		return nil
	}
	if guardrail.IsNonInformative(answer) {
		resp := o.newResponse(requestID, conversationID)
		resp.AssistantMessage = "I still need that information before I can go further."
		resp.NextQuestion = pending.NextQuestion
		resp.Metadata["endpoint"] = "explain"
		resp.Metadata["reasked"] = true
		return resp
	}
	if missing := guardrail.MissingRequiredDetails(pending.NextQuestion, answer); len(missing) > 0 {
		rephrased := guardrail.RephraseMissingDetails(missing)
		resp := o.newResponse(requestID, conversationID)
		resp.AssistantMessage = rephrased
		resp.NextQuestion = rephrased
		resp.Metadata["endpoint"] = "explain"
		resp.Metadata["reasked"] = true
		return resp
	}
	return nil
}

// admit reserves the estimated token cost of the call. Denials map to the
// budget error with retry hints; nothing is charged back on failure
// downstream, the reservation is the spend.
func (o *Orchestrator) admit(ctx context.Context, userKey, promptText string) *domain.APIError {
	if o.budget == nil {
		return nil
	}
	estimate := o.tokens.EstimateRequest(o.adapter.ModelID(), promptText, o.maxTokens)
	decision := o.budget.Reserve(ctx, userKey, estimate)
	if !decision.Allowed {
		o.metrics.BudgetDenied.Inc()
		return domain.ErrBudgetExceeded(decision.Remaining, decision.RetryAfter, decision.RetryAfterSeconds)
	}
	return nil
}

// generate runs one adapter call under the configured deadline and
// records latency and token metrics.
func (o *Orchestrator) generate(ctx context.Context, endpoint, requestID, promptText string) (*llm.Result, *domain.APIError) {
	genCtx, cancel := context.WithTimeout(ctx, o.llmTimeout)
	defer cancel()

	start := o.now()
	result, err := o.adapter.Generate(genCtx, promptText, llm.Options{
		RequestID:   requestID,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		o.metrics.LLMFailures.WithLabelValues(endpoint).Inc()
		o.logger.Error("generation failed",
			slog.String("endpoint", endpoint),
			slog.String("request_id", requestID),
			slog.Any("error", err))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrUpstreamTimeout("model generation timed out")
		}
		return nil, domain.ErrUpstreamGeneration("model generation failed")
	}

	o.metrics.LLMLatency.WithLabelValues(endpoint, result.ModelID).Observe(o.now().Sub(start).Seconds())
	o.metrics.LLMTokens.WithLabelValues(endpoint, result.ModelID).Add(float64(result.TokenUsage.TotalTokens))
	return result, nil
}

func (o *Orchestrator) outputValidationError(endpoint, requestID, rawText string, err error) *domain.APIError {
	o.metrics.LLMFailures.WithLabelValues(endpoint).Inc()
	o.logger.Error("model output failed validation",
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.String("preview", llm.SanitizePreview(rawText)),
		slog.Any("error", err))
	code := domain.ErrorCodeSchemaMismatch
	if errors.Is(err, llm.ErrNoJSON) {
		code = domain.ErrorCodeMalformedOutput
	}
	return domain.ErrOutputValidation("model returned output that failed validation").WithCode(code)
}

type assembleInput struct {
	endpoint         string
	assistantMessage string
	completionState  domain.CompletionState
	nextQuestion     string
	toolCalls        []domain.ToolCall
	hypotheses       []domain.Hypothesis
	fixSteps         []string
	allowedEvidence  []domain.EvidenceMapEntry
	result           *llm.Result
	prompt           *prompt.Prompt
}

// assemble runs the guardrail pipeline over decoded output and builds
// the canonical response with its provenance metadata.
func (o *Orchestrator) assemble(requestID, conversationID string, in assembleInput) *domain.CanonicalResponse {
	hypotheses, report := guardrail.Enforce(in.hypotheses, in.allowedEvidence)
	kept, forceNeedsInput := guardrail.LimitToolCalls(in.toolCalls)

	state := in.completionState
	nextQuestion := in.nextQuestion
	if forceNeedsInput {
		state = domain.CompletionNeedsInput
		if nextQuestion == "" {
			nextQuestion = "Run the suggested command and paste its output here."
		}
	}

	if report.CitationMissingCount > 0 {
		o.metrics.GuardrailMissing.WithLabelValues(in.endpoint).Add(float64(report.CitationMissingCount))
	}
	if report.Redactions > 0 {
		o.metrics.GuardrailRedacted.WithLabelValues(in.endpoint).Add(float64(report.Redactions))
	}

	resp := o.newResponse(requestID, conversationID)
	resp.AssistantMessage = in.assistantMessage
	resp.CompletionState = state
	resp.NextQuestion = nextQuestion
	if kept != nil {
		resp.ToolCalls = kept
	}
	if hypotheses != nil {
		resp.Hypotheses = hypotheses
	}
	if in.fixSteps != nil {
		resp.FixSteps = in.fixSteps
	}
	resp.Metadata["endpoint"] = in.endpoint
	resp.Metadata["model_id"] = in.result.ModelID
	resp.Metadata["provider"] = in.result.Provider
	resp.Metadata["token_usage"] = in.result.TokenUsage
	resp.Metadata["prompt_version"] = in.prompt.Version()
	resp.Metadata["prompt_filename"] = in.prompt.Filename
	resp.Metadata["guardrails"] = report
	return resp
}

// newResponse builds an empty canonical response with non-nil slices so
// the JSON encoding is stable ([] rather than null).
func (o *Orchestrator) newResponse(requestID, conversationID string) *domain.CanonicalResponse {
	return &domain.CanonicalResponse{
		RequestID:       requestID,
		ConversationID:  conversationID,
		Timestamp:       o.now().UTC(),
		CompletionState: domain.CompletionNeedsInput,
		ToolCalls:       []domain.ToolCall{},
		Hypotheses:      []domain.Hypothesis{},
		FixSteps:        []string{},
		Metadata:        map[string]any{},
	}
}

// persistTurn records the turn. Persistence failures after a response is
// computed are logged, not surfaced: the caller already has an answer.
// updateState is false for turns that must not clobber stored context
// (rejections, re-asks, cache hits).
func (o *Orchestrator) persistTurn(ctx context.Context, conversationID, requestID, inputID, rawText string, frame *domain.IncidentFrame, resp *domain.CanonicalResponse, updateState bool) {
	if err := o.store.SaveResponse(ctx, resp); err != nil {
		o.logger.Error("failed to persist response",
			slog.String("request_id", requestID), slog.Any("error", err))
	}
	if _, err := o.store.AppendEvent(ctx, &domain.ConversationEvent{
		ConversationID: conversationID,
		RequestID:      requestID,
		InputID:        inputID,
		RawText:        rawText,
		Frame:          frame,
		Response:       resp,
		CreatedAt:      resp.Timestamp,
	}); err != nil {
		o.logger.Error("failed to append conversation event",
			slog.String("request_id", requestID), slog.Any("error", err))
	}
	if !updateState {
		return
	}
	if err := o.store.UpdateState(ctx, &domain.ConversationState{
		ConversationID:        conversationID,
		LatestRequestID:       requestID,
		LatestIncidentFrame:   frame,
		LatestResponseSummary: domain.SummarizeResponse(resp),
		UpdatedAt:             resp.Timestamp,
	}); err != nil {
		o.logger.Error("failed to update conversation state",
			slog.String("conversation_id", conversationID), slog.Any("error", err))
	}
}

// toolEvidence makes the outputs pasted back this turn citable. Entries
// span the whole output; the hash binds the citation to the exact text.
func toolEvidence(results []domain.ToolResult) []domain.EvidenceMapEntry {
	var entries []domain.EvidenceMapEntry
	for _, tr := range results {
		if tr.ID == "" {
			continue
		}
		sum := sha256.Sum256([]byte(tr.Output))
		entries = append(entries, domain.EvidenceMapEntry{
			SourceType:  domain.SourceTypeTool,
			SourceID:    tr.ID,
			LineStart:   1,
			LineEnd:     max(1, strings.Count(tr.Output, "\n")+1),
			ExcerptHash: hex.EncodeToString(sum[:]),
		})
	}
	return entries
}

func cloneResponse(resp *domain.CanonicalResponse) *domain.CanonicalResponse {
	out := *resp
	out.Metadata = make(map[string]any, len(resp.Metadata)+1)
	for k, v := range resp.Metadata {
		out.Metadata[k] = v
	}
	out.ToolCalls = append([]domain.ToolCall{}, resp.ToolCalls...)
	out.Hypotheses = append([]domain.Hypothesis{}, resp.Hypotheses...)
	out.FixSteps = append([]string{}, resp.FixSteps...)
	return &out
}
