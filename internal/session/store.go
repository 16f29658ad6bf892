// Package session persists conversation transcripts.
//
// A session is one client connection's conversation history. Stores save the
// full record when the connection closes, and can load it back for
// inspection or tooling. Two implementations exist: a JSON file store and a
// PostgreSQL-backed store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
)

// ErrNotFound is returned by Load when no record exists for a session ID.
var ErrNotFound = errors.New("session: not found")

// Record is one session's persisted transcript.
type Record struct {
	SessionID string        `json:"session_id"`
	History   []llm.Message `json:"history"`
	SavedAt   time.Time     `json:"saved_at"`
}

// Store saves and loads session records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save writes rec, replacing any previous record with the same session
	// ID. SavedAt is stamped by the store.
	Save(ctx context.Context, rec Record) error

	// Load returns the record for sessionID, or [ErrNotFound].
	Load(ctx context.Context, sessionID string) (Record, error)
}

// FileStore keeps one JSON file per session under a directory:
// <dir>/<session_id>.json.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("session: store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save implements [Store].
func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(rec.SessionID)
	if err != nil {
		return err
	}
	rec.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode record %q: %w", rec.SessionID, err)
	}

	// Write-then-rename so a crash mid-save never leaves a torn record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: write record %q: %w", rec.SessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: commit record %q: %w", rec.SessionID, err)
	}
	return nil
}

// Load implements [Store].
func (s *FileStore) Load(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	path, err := s.path(sessionID)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: read record %q: %w", sessionID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode record %q: %w", sessionID, err)
	}
	return rec, nil
}

// path validates the session ID and returns its file path. IDs are short
// generated tokens; anything that could escape the directory is rejected.
func (s *FileStore) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\.`) {
		return "", fmt.Errorf("session: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}
