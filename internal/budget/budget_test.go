package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mirrors the atomic semantics the storage layer provides.
type memStore struct {
	mu      sync.Mutex
	usage   map[string]int
	failErr error
}

func (s *memStore) ReserveTokens(_ context.Context, userKey, window string, tokens, limit int) (int, error) {
	if s.failErr != nil {
		return 0, s.failErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		s.usage = make(map[string]int)
	}
	key := userKey + "|" + window
	if s.usage[key]+tokens > limit {
		return s.usage[key], ErrLimitExceeded
	}
	s.usage[key] += tokens
	return s.usage[key], nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newController(store Store, limit int) *Controller {
	c := New(store, Config{Enabled: true, TokenLimit: limit, Window: 15 * time.Minute}, nil)
	c.now = fixedClock(time.Date(2026, 8, 30, 10, 22, 45, 0, time.UTC))
	return c
}

func TestReserveWithinLimit(t *testing.T) {
	c := newController(&memStore{}, 1000)

	d := c.Reserve(context.Background(), "user-1", 400)

	assert.True(t, d.Allowed)
	assert.Equal(t, 600, d.Remaining)
	assert.Empty(t, d.RetryAfter)
}

func TestReserveDeniesOverLimit(t *testing.T) {
	c := newController(&memStore{}, 1000)

	require.True(t, c.Reserve(context.Background(), "user-1", 900).Allowed)
	d := c.Reserve(context.Background(), "user-1", 200)

	assert.False(t, d.Allowed)
	assert.Equal(t, 100, d.Remaining)
	// 10:22:45 floors to the 10:15 window; the next window opens at
	// 10:30, 7m15s away.
	assert.Equal(t, "2026-08-30T10:30Z", d.RetryAfter)
	assert.Equal(t, 435, d.RetryAfterSeconds)
}

func TestReserveFailsOpenOnStoreError(t *testing.T) {
	c := newController(&memStore{failErr: errors.New("backend down")}, 1000)

	d := c.Reserve(context.Background(), "user-1", 5000)

	assert.True(t, d.Allowed)
}

func TestReserveDisabled(t *testing.T) {
	c := New(&memStore{}, Config{Enabled: false, TokenLimit: 10}, nil)

	d := c.Reserve(context.Background(), "user-1", 99999)

	assert.True(t, d.Allowed)
}

func TestReserveConcurrentNeverOvershoots(t *testing.T) {
	store := &memStore{}
	c := newController(store, 1000)

	const workers = 50
	var wg sync.WaitGroup
	allowed := make(chan Decision, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.Reserve(context.Background(), "user-1", 100)
			if d.Allowed {
				allowed <- d
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	assert.Equal(t, 10, n, "exactly limit/tokens reservations may succeed")
}

func TestWindowStart(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 8, 30, 10, 14, 59, 0, time.UTC), time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC), time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)},
		{time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC), time.Date(2026, 8, 30, 23, 45, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, WindowStart(tc.in, 15*time.Minute))
	}
}

func TestUsersHaveIndependentWindows(t *testing.T) {
	c := newController(&memStore{}, 1000)

	require.True(t, c.Reserve(context.Background(), "user-a", 1000).Allowed)
	d := c.Reserve(context.Background(), "user-b", 1000)

	assert.True(t, d.Allowed)
}
