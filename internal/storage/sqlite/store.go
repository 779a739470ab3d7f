// Package sqlite provides the durable storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/opsframe/troubleshooter/internal/budget"
	"github.com/opsframe/troubleshooter/internal/domain"
	"github.com/opsframe/troubleshooter/internal/storage"
)

const (
	defaultInputTTL        = 24 * time.Hour
	defaultConversationTTL = 7 * 24 * time.Hour
)

// Store is the SQLite implementation of storage.Store. Frames and
// responses are stored as JSON documents next to the columns queries
// filter on.
type Store struct {
	db              *sqlx.DB
	inputTTL        time.Duration
	conversationTTL time.Duration

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithInputTTL overrides how long raw inputs are readable.
func WithInputTTL(ttl time.Duration) Option {
	return func(s *Store) { s.inputTTL = ttl }
}

// WithConversationTTL overrides how long conversation history is readable.
func WithConversationTTL(ttl time.Duration) Option {
	return func(s *Store) { s.conversationTTL = ttl }
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{
		db:              db,
		inputTTL:        defaultInputTTL,
		conversationTTL: defaultConversationTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inputs (
			input_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL,
			raw_text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incident_frames (
			frame_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			parser_version TEXT NOT NULL,
			parse_confidence REAL NOT NULL,
			primary_error_signature TEXT NOT NULL,
			frame TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS responses (
			request_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_events (
			conversation_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			input_id TEXT NOT NULL DEFAULT '',
			raw_text TEXT NOT NULL DEFAULT '',
			incident_frame TEXT,
			canonical_response TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_state (
			conversation_id TEXT PRIMARY KEY,
			latest_request_id TEXT NOT NULL,
			latest_incident_frame TEXT,
			latest_response_summary TEXT,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budget_windows (
			user_key TEXT NOT NULL,
			usage_window TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			last_updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_key, usage_window)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_conversation ON inputs(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_conversation ON incident_frames(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON conversation_events(conversation_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveInput(ctx context.Context, conversationID, requestID, rawText string) (string, error) {
	inputID := uuid.NewString()
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inputs (input_id, conversation_id, request_id, raw_text, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inputID, conversationID, requestID, rawText, now, now+int64(s.inputTTL.Seconds()))
	if err != nil {
		return "", fmt.Errorf("failed to save input: %w", err)
	}
	return inputID, nil
}

func (s *Store) SaveFrame(ctx context.Context, frame *domain.IncidentFrame) error {
	doc, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO incident_frames
			(frame_id, request_id, conversation_id, parser_version, parse_confidence, primary_error_signature, frame, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.FrameID, frame.RequestID, frame.ConversationID, frame.ParserVersion,
		frame.ParseConfidence, frame.PrimaryErrorSignature, string(doc), frame.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save frame: %w", err)
	}
	return nil
}

func (s *Store) SaveResponse(ctx context.Context, response *domain.CanonicalResponse) error {
	doc, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO responses (request_id, conversation_id, response, created_at)
		VALUES (?, ?, ?, ?)`,
		response.RequestID, response.ConversationID, string(doc), response.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.ConversationEvent) (string, error) {
	if event.ConversationID == "" {
		return "", nil
	}
	e := *event
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.EventID == "" {
		e.EventID = fmt.Sprintf("%d#%s", e.CreatedAt.Unix(), e.RequestID)
	}

	var frameDoc, responseDoc sql.NullString
	if e.Frame != nil {
		doc, err := json.Marshal(e.Frame)
		if err != nil {
			return "", fmt.Errorf("failed to marshal event frame: %w", err)
		}
		frameDoc = sql.NullString{String: string(doc), Valid: true}
	}
	if e.Response != nil {
		doc, err := json.Marshal(e.Response)
		if err != nil {
			return "", fmt.Errorf("failed to marshal event response: %w", err)
		}
		responseDoc = sql.NullString{String: string(doc), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_events
			(conversation_id, event_id, request_id, input_id, raw_text, incident_frame, canonical_response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.EventID, e.RequestID, e.InputID, e.RawText,
		frameDoc, responseDoc, e.CreatedAt.Unix(), e.CreatedAt.Unix()+int64(s.conversationTTL.Seconds()))
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	return e.EventID, nil
}

func (s *Store) UpdateState(ctx context.Context, state *domain.ConversationState) error {
	if state.ConversationID == "" {
		return nil
	}
	st := *state
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}

	var frameDoc, summaryDoc sql.NullString
	if st.LatestIncidentFrame != nil {
		doc, err := json.Marshal(st.LatestIncidentFrame)
		if err != nil {
			return fmt.Errorf("failed to marshal state frame: %w", err)
		}
		frameDoc = sql.NullString{String: string(doc), Valid: true}
	}
	if st.LatestResponseSummary != nil {
		doc, err := json.Marshal(st.LatestResponseSummary)
		if err != nil {
			return fmt.Errorf("failed to marshal response summary: %w", err)
		}
		summaryDoc = sql.NullString{String: string(doc), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_state
			(conversation_id, latest_request_id, latest_incident_frame, latest_response_summary, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			latest_request_id = excluded.latest_request_id,
			latest_incident_frame = excluded.latest_incident_frame,
			latest_response_summary = excluded.latest_response_summary,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		st.ConversationID, st.LatestRequestID, frameDoc, summaryDoc,
		st.UpdatedAt.Unix(), st.UpdatedAt.Unix()+int64(s.conversationTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to update conversation state: %w", err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	var row struct {
		ConversationID string         `db:"conversation_id"`
		LatestRequest  string         `db:"latest_request_id"`
		Frame          sql.NullString `db:"latest_incident_frame"`
		Summary        sql.NullString `db:"latest_response_summary"`
		UpdatedAt      int64          `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT conversation_id, latest_request_id, latest_incident_frame, latest_response_summary, updated_at
		FROM conversation_state
		WHERE conversation_id = ? AND expires_at > ?`,
		conversationID, s.now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation state: %w", err)
	}

	state := &domain.ConversationState{
		ConversationID:  row.ConversationID,
		LatestRequestID: row.LatestRequest,
		UpdatedAt:       time.Unix(row.UpdatedAt, 0).UTC(),
	}
	if row.Frame.Valid {
		var frame domain.IncidentFrame
		if err := json.Unmarshal([]byte(row.Frame.String), &frame); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state frame: %w", err)
		}
		state.LatestIncidentFrame = &frame
	}
	if row.Summary.Valid {
		var summary domain.ResponseSummary
		if err := json.Unmarshal([]byte(row.Summary.String), &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response summary: %w", err)
		}
		state.LatestResponseSummary = &summary
	}
	return state, nil
}

func (s *Store) GetRecentEvents(ctx context.Context, conversationID string, limit int) ([]domain.ConversationEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT conversation_id, event_id, request_id, input_id, raw_text, incident_frame, canonical_response, created_at
		FROM conversation_events
		WHERE conversation_id = ? AND expires_at > ?
		ORDER BY created_at DESC, event_id DESC
		LIMIT ?`,
		conversationID, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []domain.ConversationEvent
	for rows.Next() {
		var row struct {
			ConversationID string         `db:"conversation_id"`
			EventID        string         `db:"event_id"`
			RequestID      string         `db:"request_id"`
			InputID        string         `db:"input_id"`
			RawText        string         `db:"raw_text"`
			Frame          sql.NullString `db:"incident_frame"`
			Response       sql.NullString `db:"canonical_response"`
			CreatedAt      int64          `db:"created_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event := domain.ConversationEvent{
			ConversationID: row.ConversationID,
			EventID:        row.EventID,
			RequestID:      row.RequestID,
			InputID:        row.InputID,
			RawText:        row.RawText,
			CreatedAt:      time.Unix(row.CreatedAt, 0).UTC(),
		}
		if row.Frame.Valid {
			var frame domain.IncidentFrame
			if err := json.Unmarshal([]byte(row.Frame.String), &frame); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event frame: %w", err)
			}
			event.Frame = &frame
		}
		if row.Response.Valid {
			var response domain.CanonicalResponse
			if err := json.Unmarshal([]byte(row.Response.String), &response); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event response: %w", err)
			}
			event.Response = &response
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ReserveTokens is the conditional-increment admission check. The
// UPDATE's WHERE clause carries the budget condition, so concurrent
// reservations serialize in the database instead of racing in Go.
func (s *Store) ReserveTokens(ctx context.Context, userKey, window string, tokens, limit int) (int, error) {
	now := s.now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin budget tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_windows (user_key, usage_window, tokens_used, last_updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(user_key, usage_window) DO NOTHING`,
		userKey, window, now); err != nil {
		return 0, fmt.Errorf("failed to ensure budget window: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE budget_windows
		SET tokens_used = tokens_used + ?, last_updated_at = ?
		WHERE user_key = ? AND usage_window = ? AND tokens_used + ? <= ?`,
		tokens, now, userKey, window, tokens, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	var used int
	if err := tx.GetContext(ctx, &used, `
		SELECT tokens_used FROM budget_windows WHERE user_key = ? AND usage_window = ?`,
		userKey, window); err != nil {
		return 0, fmt.Errorf("failed to read budget window: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit budget tx: %w", err)
	}

	if affected == 0 {
		return used, budget.ErrLimitExceeded
	}
	return used, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
