package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request,
	// rejected before any parsing or LLM work.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNoContext indicates an explain turn with no frame supplied
	// and none stored. It is recovered into a needs_input response and
	// never surfaces as an HTTP-level failure.
	ErrorTypeNoContext ErrorType = "no_context"

	// ErrorTypeBudgetExceeded indicates admission control denied the
	// request. Intended backpressure, not a fault.
	ErrorTypeBudgetExceeded ErrorType = "budget_exceeded"

	// ErrorTypeUpstreamGeneration indicates the LLM adapter errored or
	// timed out. Fatal for the request, never retried.
	ErrorTypeUpstreamGeneration ErrorType = "upstream_generation"

	// ErrorTypeOutputValidation indicates the LLM returned text that could
	// not be decoded into the endpoint schema. Fatal, never patched.
	ErrorTypeOutputValidation ErrorType = "output_validation"

	// ErrorTypeServer indicates an internal failure.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRawTextRequired  ErrorCode = "raw_text_required"
	ErrorCodeQuestionRequired ErrorCode = "question_required"
	ErrorCodeTokenBudget      ErrorCode = "token_budget_exceeded"
	ErrorCodeUpstreamTimeout  ErrorCode = "upstream_timeout"
	ErrorCodeMalformedOutput  ErrorCode = "malformed_llm_output"
	ErrorCodeSchemaMismatch   ErrorCode = "output_schema_mismatch"
)

// APIError is the canonical machine-readable failure signal. Callers can
// distinguish "try again later" (budget) from "something is broken"
// (upstream/validation) by Type alone.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`

	// RetryAfter is the window reset time for budget denials, RFC 3339-ish.
	RetryAfter string `json:"retry_after,omitempty"`

	// RetryAfterSeconds is the delta until the window resets, for the
	// Retry-After header (which takes seconds, not a timestamp).
	RetryAfterSeconds int `json:"-"`

	// RemainingBudget is the unreserved token budget at denial time.
	RemainingBudget *int `json:"remaining_budget,omitempty"`

	// StatusCode overrides the default HTTP mapping when non-zero.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamGeneration, ErrorTypeOutputValidation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrBudgetExceeded creates a budget denial carrying the retry hints.
// retryAfter is the next window start in key format for the JSON body;
// retryAfterSeconds feeds the Retry-After header.
func ErrBudgetExceeded(remaining int, retryAfter string, retryAfterSeconds int) *APIError {
	e := NewAPIError(ErrorTypeBudgetExceeded, "token budget exhausted for the current window").
		WithCode(ErrorCodeTokenBudget)
	e.RemainingBudget = &remaining
	e.RetryAfter = retryAfter
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

// ErrUpstreamGeneration creates an upstream generation failure.
func ErrUpstreamGeneration(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamGeneration, message)
}

// ErrUpstreamTimeout creates an upstream timeout failure.
func ErrUpstreamTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamGeneration, message).
		WithCode(ErrorCodeUpstreamTimeout)
}

// ErrOutputValidation creates an output validation failure.
func ErrOutputValidation(message string) *APIError {
	return NewAPIError(ErrorTypeOutputValidation, message)
}

// ErrServer creates an internal server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
