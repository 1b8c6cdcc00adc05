package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"
)

// refreshFraction is the share of the token lifetime after which the session
// is renewed.
const refreshFraction = 0.9

// Session is a time-limited credential issued by authSource or updateToken.
type Session struct {
	Token      string
	Secret     string
	ExpiresIn  time.Duration
	AcquiredAt time.Time
}

// Age returns the time elapsed since the session was acquired.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.AcquiredAt)
}

// Valid reports whether the token is still inside its advertised lifetime.
func (s *Session) Valid(now time.Time) bool {
	return s.Age(now) < s.ExpiresIn
}

// NeedsRefresh reports whether 90% or more of the lifetime has elapsed.
func (s *Session) NeedsRefresh(now time.Time) bool {
	if s.ExpiresIn <= 0 {
		return true
	}
	return float64(s.Age(now)) >= refreshFraction*float64(s.ExpiresIn)
}

// SessionStore persists a session across restarts.
type SessionStore interface {
	Load() (*Session, error)
	Save(s *Session) error
}

// sessionFile is the on-disk layout of the cache.
type sessionFile struct {
	Token      string  `json:"token"`
	Secret     string  `json:"secret"`
	ExpiresIn  int64   `json:"expires_in"`
	AcquiredAt float64 `json:"acquired_at"`
}

// FileSessionStore keeps the session as a small JSON file.
type FileSessionStore struct {
	Path string
}

// NewFileSessionStore returns a store writing to path.
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{Path: path}
}

// Load reads the cached session. A missing file returns (nil, nil).
func (f *FileSessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}
	var raw sessionFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session cache: %w", err)
	}
	if raw.Token == "" || raw.Secret == "" {
		return nil, fmt.Errorf("session cache %s has no token", f.Path)
	}
	sec, frac := math.Modf(raw.AcquiredAt)
	return &Session{
		Token:      raw.Token,
		Secret:     raw.Secret,
		ExpiresIn:  time.Duration(raw.ExpiresIn) * time.Second,
		AcquiredAt: time.Unix(int64(sec), int64(frac*1e9)),
	}, nil
}

// Save writes the session atomically via a temp file and rename.
func (f *FileSessionStore) Save(s *Session) error {
	data, err := json.Marshal(sessionFile{
		Token:      s.Token,
		Secret:     s.Secret,
		ExpiresIn:  int64(s.ExpiresIn / time.Second),
		AcquiredAt: float64(s.AcquiredAt.UnixNano()) / 1e9,
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create session cache dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace session cache: %w", err)
	}
	return nil
}
