// Package storage defines the persistence interfaces for conversation
// history and budget counters, with in-memory and SQLite backends.
package storage

import (
	"context"
	"errors"

	"github.com/opsframe/troubleshooter/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ConversationStore persists the artifacts of each troubleshooting turn:
// the raw input, the parsed frame, the canonical response, the
// append-only event log, and the rolled-up conversation state.
type ConversationStore interface {
	// SaveInput records raw input and returns its generated input ID.
	SaveInput(ctx context.Context, conversationID, requestID, rawText string) (string, error)
	SaveFrame(ctx context.Context, frame *domain.IncidentFrame) error
	SaveResponse(ctx context.Context, response *domain.CanonicalResponse) error

	// AppendEvent appends a turn to the conversation log. The store
	// fills EventID and CreatedAt when unset and returns the event ID.
	// Events without a conversation ID are dropped silently.
	AppendEvent(ctx context.Context, event *domain.ConversationEvent) (string, error)

	UpdateState(ctx context.Context, state *domain.ConversationState) error
	// GetState returns ErrNotFound for unknown conversations.
	GetState(ctx context.Context, conversationID string) (*domain.ConversationState, error)
	// GetRecentEvents returns up to limit most recent events, oldest first.
	GetRecentEvents(ctx context.Context, conversationID string, limit int) ([]domain.ConversationEvent, error)
}

// BudgetStore is the atomic token reservation primitive consumed by the
// budget controller.
type BudgetStore interface {
	ReserveTokens(ctx context.Context, userKey, window string, tokens, limit int) (int, error)
}

// Store combines everything a fully wired service needs.
type Store interface {
	ConversationStore
	BudgetStore
	Close() error
}
