package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ErrNoSession is returned by Load when no session has been persisted
// yet. The caller performs a fresh login and saves the result before any
// room traffic is processed.
var ErrNoSession = errors.New("no persisted session")

// Session is everything needed to resume the Matrix client without
// re-authenticating: the device identity, the access token, and the sync
// cursor so history is not replayed.
type Session struct {
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
	FilterID    string      `json:"filter_id,omitempty"`
	NextBatch   string      `json:"next_batch,omitempty"`
}

// SessionStore persists the Session as a JSON file. Saves go through a
// temp-file-then-rename so a crash mid-write leaves the previous session
// intact. The store doubles as the mautrix SyncStore, which makes the
// syncer checkpoint the sync token here after every processed batch.
type SessionStore struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	current Session
}

func NewSessionStore(path string, logger zerolog.Logger) *SessionStore {
	return &SessionStore{
		path:   path,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// Load reads the persisted session. ErrNoSession means first run.
func (s *SessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	return &sess, nil
}

// Save persists the session atomically and keeps it as the in-memory
// current session for subsequent checkpoints.
func (s *SessionStore) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = *sess
	return s.writeLocked()
}

func (s *SessionStore) writeLocked() error {
	data, err := json.MarshalIndent(&s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// checkpoint updates one field of the current session and rewrites the
// file. Persistence failures are logged and retried implicitly at the
// next checkpoint; the in-memory session stays authoritative.
func (s *SessionStore) checkpoint(update func(*Session)) {
	s.mu.Lock()
	update(&s.current)
	err := s.writeLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("session checkpoint failed, will retry at next checkpoint")
	}
}

// SaveFilterID implements mautrix.SyncStore.
func (s *SessionStore) SaveFilterID(_ context.Context, _ id.UserID, filterID string) error {
	s.checkpoint(func(sess *Session) { sess.FilterID = filterID })
	return nil
}

// LoadFilterID implements mautrix.SyncStore.
func (s *SessionStore) LoadFilterID(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.FilterID, nil
}

// SaveNextBatch implements mautrix.SyncStore.
func (s *SessionStore) SaveNextBatch(_ context.Context, _ id.UserID, nextBatch string) error {
	s.checkpoint(func(sess *Session) { sess.NextBatch = nextBatch })
	return nil
}

// LoadNextBatch implements mautrix.SyncStore.
func (s *SessionStore) LoadNextBatch(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.NextBatch, nil
}
