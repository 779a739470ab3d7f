package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsframe/troubleshooter/internal/budget"
	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/storage"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInputAndFramePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inputID, err := s.SaveInput(ctx, "conv-1", "req-1", "Error: boom")
	require.NoError(t, err)
	assert.NotEmpty(t, inputID)

	frame := &domain.IncidentFrame{
		FrameID:               "frame-1",
		RequestID:             "req-1",
		ConversationID:        "conv-1",
		ParserVersion:         "v0.2",
		ParseConfidence:       0.6,
		PrimaryErrorSignature: "Error: boom",
		CreatedAt:             time.Now().UTC(),
	}
	require.NoError(t, s.SaveFrame(ctx, frame))
	// Upsert on the same frame ID must not error.
	require.NoError(t, s.SaveFrame(ctx, frame))
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetState(ctx, "conv-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	state := &domain.ConversationState{
		ConversationID:  "conv-1",
		LatestRequestID: "req-1",
		LatestIncidentFrame: &domain.IncidentFrame{
			FrameID:               "frame-1",
			PrimaryErrorSignature: "Error: boom",
			EvidenceMap: []domain.EvidenceMapEntry{{
				SourceType: domain.SourceTypeLog, SourceID: "raw-input",
				LineStart: 1, LineEnd: 1, ExcerptHash: "abc",
			}},
		},
		LatestResponseSummary: &domain.ResponseSummary{
			RequestID:       "req-1",
			CompletionState: domain.CompletionNeedsInput,
			NextQuestion:    "what changed?",
		},
	}
	require.NoError(t, s.UpdateState(ctx, state))

	got, err := s.GetState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.LatestRequestID)
	require.NotNil(t, got.LatestIncidentFrame)
	assert.Len(t, got.LatestIncidentFrame.EvidenceMap, 1)
	require.NotNil(t, got.LatestResponseSummary)
	assert.Equal(t, "what changed?", got.LatestResponseSummary.NextQuestion)

	// Second update overwrites.
	state.LatestRequestID = "req-2"
	require.NoError(t, s.UpdateState(ctx, state))
	got, err = s.GetState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "req-2", got.LatestRequestID)
}

func TestRecentEventsChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		_, err := s.AppendEvent(ctx, &domain.ConversationEvent{
			ConversationID: "conv-1",
			RequestID:      string(rune('a' + i)),
			RawText:        "input",
			Response:       &domain.CanonicalResponse{RequestID: string(rune('a' + i))},
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	events, err := s.GetRecentEvents(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "c", events[0].RequestID)
	assert.Equal(t, "g", events[4].RequestID)
	require.NotNil(t, events[0].Response)
}

func TestExpiredHistoryIsInvisible(t *testing.T) {
	s := newTestStore(t, WithConversationTTL(time.Hour))
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.AppendEvent(ctx, &domain.ConversationEvent{
		ConversationID: "conv-1", RequestID: "req-1", CreatedAt: base,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, &domain.ConversationState{
		ConversationID: "conv-1", LatestRequestID: "req-1", UpdatedAt: base,
	}))

	s.now = func() time.Time { return base.Add(2 * time.Hour) }

	events, err := s.GetRecentEvents(ctx, "conv-1", 5)
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = s.GetState(ctx, "conv-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReserveTokensAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReserveTokens(ctx, "user-1", "2026-08-30T09:00Z", 100, 1000); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	assert.Equal(t, 10, n)

	used, err := s.ReserveTokens(ctx, "user-1", "2026-08-30T09:00Z", 1, 1000)
	assert.ErrorIs(t, err, budget.ErrLimitExceeded)
	assert.Equal(t, 1000, used)
}
