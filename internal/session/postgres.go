package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT        PRIMARY KEY,
    history    JSONB       NOT NULL,
    saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore persists session records in a sessions table. All methods
// are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn, ensures the sessions
// table exists, and returns the store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements [Store] with an upsert keyed on session_id.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("session: encode history %q: %w", rec.SessionID, err)
	}

	const q = `
		INSERT INTO sessions (session_id, history, saved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET history = EXCLUDED.history, saved_at = now()`

	if _, err := s.pool.Exec(ctx, q, rec.SessionID, history); err != nil {
		return fmt.Errorf("session: save record %q: %w", rec.SessionID, err)
	}
	return nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, sessionID string) (Record, error) {
	const q = `SELECT history, saved_at FROM sessions WHERE session_id = $1`

	rec := Record{SessionID: sessionID}
	var history []byte
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&history, &rec.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: load record %q: %w", sessionID, err)
	}
	var msgs []llm.Message
	if err := json.Unmarshal(history, &msgs); err != nil {
		return Record{}, fmt.Errorf("session: decode history %q: %w", sessionID, err)
	}
	rec.History = msgs
	return rec, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
