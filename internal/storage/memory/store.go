// Package memory provides the in-process storage backend used in
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsframe/troubleshooter/internal/budget"
	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/storage"
)

// Store keeps everything in maps under one mutex. Values are copied on
// the way in and out so callers can't mutate shared state.
type Store struct {
	mu        sync.Mutex
	inputs    map[string]inputRecord
	frames    map[string]domain.IncidentFrame
	responses map[string]domain.CanonicalResponse
	events    map[string][]domain.ConversationEvent
	state     map[string]domain.ConversationState
	budgets   map[string]domain.BudgetWindowRecord

	now func() time.Time
}

type inputRecord struct {
	conversationID string
	requestID      string
	rawText        string
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		inputs:    make(map[string]inputRecord),
		frames:    make(map[string]domain.IncidentFrame),
		responses: make(map[string]domain.CanonicalResponse),
		events:    make(map[string][]domain.ConversationEvent),
		state:     make(map[string]domain.ConversationState),
		budgets:   make(map[string]domain.BudgetWindowRecord),
		now:       time.Now,
	}
}

func (s *Store) SaveInput(_ context.Context, conversationID, requestID, rawText string) (string, error) {
	inputID := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[inputID] = inputRecord{
		conversationID: conversationID,
		requestID:      requestID,
		rawText:        rawText,
	}
	return inputID, nil
}

func (s *Store) SaveFrame(_ context.Context, frame *domain.IncidentFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[frame.FrameID] = *frame
	return nil
}

func (s *Store) SaveResponse(_ context.Context, response *domain.CanonicalResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[response.RequestID] = *response
	return nil
}

func (s *Store) AppendEvent(_ context.Context, event *domain.ConversationEvent) (string, error) {
	if event.ConversationID == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *event
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.EventID == "" {
		e.EventID = fmt.Sprintf("%d#%s", e.CreatedAt.Unix(), e.RequestID)
	}
	s.events[e.ConversationID] = append(s.events[e.ConversationID], e)
	return e.EventID, nil
}

func (s *Store) UpdateState(_ context.Context, state *domain.ConversationState) error {
	if state.ConversationID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *state
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	s.state[st.ConversationID] = st
	return nil
}

func (s *Store) GetState(_ context.Context, conversationID string) (*domain.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[conversationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := st
	return &out, nil
}

func (s *Store) GetRecentEvents(_ context.Context, conversationID string, limit int) ([]domain.ConversationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[conversationID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]domain.ConversationEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) ReserveTokens(_ context.Context, userKey, window string, tokens, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userKey + "|" + window
	rec, ok := s.budgets[key]
	if !ok {
		rec = domain.BudgetWindowRecord{UserKey: userKey, UsageWindow: window}
	}
	if rec.TokensUsed+tokens > limit {
		return rec.TokensUsed, budget.ErrLimitExceeded
	}
	rec.TokensUsed += tokens
	rec.LastUpdatedAt = s.now()
	s.budgets[key] = rec
	return rec.TokensUsed, nil
}

func (s *Store) Close() error { return nil }
