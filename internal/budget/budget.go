// Package budget enforces per-user token budgets over fixed time windows.
package budget

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// windowKeyFormat renders a window start as its storage key, e.g.
// "2026-08-30T10:15Z".
const windowKeyFormat = "2006-01-02T15:04Z"

// ErrLimitExceeded is returned by a Store when a reservation would push
// the window counter past the limit.
var ErrLimitExceeded = errors.New("budget: token limit exceeded")

// Store atomically reserves tokens against a (user, window) counter.
// ReserveTokens adds tokens to the counter only if the result stays
// within limit, and returns the tokens used in the window — after the
// reservation on success, without it on ErrLimitExceeded. The
// check-and-add must be a single atomic operation; a read-then-write
// sequence would let concurrent requests overshoot the limit.
type Store interface {
	ReserveTokens(ctx context.Context, userKey, window string, tokens, limit int) (tokensUsed int, err error)
}

// Decision is the outcome of a budget admission check.
type Decision struct {
	Allowed bool
	// Remaining is the unreserved balance of the current window.
	Remaining int
	// RetryAfter is the start of the next window, in window key format.
	// Set only on denial.
	RetryAfter string
	// RetryAfterSeconds is the delta until that window opens, rounded up
	// to at least one second. Set only on denial.
	RetryAfterSeconds int
}

// Controller applies the budget policy in front of every model call.
// Denials are hard failures; store errors fail open so a degraded budget
// backend does not take troubleshooting down with it.
type Controller struct {
	store   Store
	logger  *slog.Logger
	enabled bool
	limit   int
	window  time.Duration

	now func() time.Time
}

// Config carries the budget policy knobs.
type Config struct {
	Enabled    bool
	TokenLimit int
	Window     time.Duration
}

func New(store Store, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   store,
		logger:  logger,
		enabled: cfg.Enabled,
		limit:   cfg.TokenLimit,
		window:  cfg.Window,
		now:     time.Now,
	}
}

// Reserve charges estimatedTokens against the caller's current window.
func (c *Controller) Reserve(ctx context.Context, userKey string, estimatedTokens int) Decision {
	if !c.enabled || c.store == nil {
		return Decision{Allowed: true, Remaining: c.limit}
	}

	now := c.now().UTC()
	start := WindowStart(now, c.window)
	key := start.Format(windowKeyFormat)

	used, err := c.store.ReserveTokens(ctx, userKey, key, estimatedTokens, c.limit)
	switch {
	case errors.Is(err, ErrLimitExceeded):
		c.logger.Warn("budget denied",
			slog.String("user_key", userKey),
			slog.String("usage_window", key),
			slog.Int("estimated_tokens", estimatedTokens),
			slog.Int("token_limit", c.limit))
		reset := start.Add(c.window)
		seconds := int((reset.Sub(now) + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return Decision{
			Allowed:           false,
			Remaining:         max(0, c.limit-used),
			RetryAfter:        reset.Format(windowKeyFormat),
			RetryAfterSeconds: seconds,
		}
	case err != nil:
		// Fail open: a broken budget store must not block triage.
		c.logger.Error("budget store error, admitting request",
			slog.String("user_key", userKey),
			slog.String("usage_window", key),
			slog.Any("error", err))
		return Decision{Allowed: true, Remaining: c.limit}
	}
	return Decision{Allowed: true, Remaining: max(0, c.limit-used)}
}

// WindowStart floors t to the start of its budget window. The window
// length must divide an hour evenly for keys to be stable across days.
func WindowStart(t time.Time, window time.Duration) time.Time {
	t = t.UTC()
	minutes := int(window.Minutes())
	if minutes <= 0 {
		minutes = 1
	}
	floored := (t.Minute() / minutes) * minutes
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), floored, 0, 0, time.UTC)
}
