package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/orchestrator"
)

// anonymousUserKey buckets unidentified callers into one budget.
const anonymousUserKey = "anonymous"

// Handlers wires the HTTP surface to the orchestrator.
type Handlers struct {
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
	started time.Time

	// Dependencies named in the status payload, e.g. "storage:sqlite".
	dependencies []string
}

// NewHandlers builds the handler set.
func NewHandlers(orch *orchestrator.Orchestrator, logger *slog.Logger, dependencies []string) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		orch:         orch,
		logger:       logger,
		started:      time.Now().UTC(),
		dependencies: dependencies,
	}
}

func (h *Handlers) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TriageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidRequest("request body is not valid JSON"))
		return
	}

	requestID := GetRequestID(r.Context())
	AddLogField(r.Context(), "conversation_id", req.ConversationID)

	resp, err := h.orch.Triage(r.Context(), requestID, userKey(r), &req)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ExplainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidRequest("request body is not valid JSON"))
		return
	}

	requestID := GetRequestID(r.Context())
	AddLogField(r.Context(), "conversation_id", req.ConversationID)

	resp, err := h.orch.Explain(r.Context(), requestID, userKey(r), &req)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"dependencies": h.dependencies,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func userKey(r *http.Request) string {
	if key := r.Header.Get("X-User-Key"); key != "" {
		return key
	}
	return anonymousUserKey
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders an API error. Budget denials additionally carry the
// normalized token budget headers and a Retry-After hint.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrServer("internal error")
	}

	if apiErr.Type == domain.ErrorTypeBudgetExceeded {
		// Retry-After takes delta-seconds per RFC 9110; the window-key
		// timestamp stays in the JSON body only.
		if apiErr.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", itoa(apiErr.RetryAfterSeconds))
			w.Header().Set("x-ratelimit-reset-tokens", itoa(apiErr.RetryAfterSeconds)+"s")
		}
		if apiErr.RemainingBudget != nil {
			w.Header().Set("x-ratelimit-remaining-tokens", itoa(*apiErr.RemainingBudget))
		}
	}

	writeJSON(w, apiErr.HTTPStatusCode(), map[string]any{"error": apiErr})
}

// itoa converts int to string without importing strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}

	negative := i < 0
	if negative {
		i = -i
	}

	var buf [20]byte
	pos := len(buf)

	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}

	if negative {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}
