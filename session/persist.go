package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FilePersister keeps a copy of the session on disk so a login survives
// process restarts. The file holds live credentials and is written 0600.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to path. An empty path selects
// DefaultPath.
func NewFilePersister(path string) *FilePersister {
	if path == "" {
		path = DefaultPath()
	}
	return &FilePersister{path: path}
}

// DefaultPath returns ~/.iotguard/session.json, falling back to the working
// directory when the home directory is unknown.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".iotguard", "session.json")
}

// Path returns the file the persister writes to.
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the stored session. A missing file is not an error and yields the
// empty session.
func (p *FilePersister) Load() (Session, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, nil
		}
		return Session{}, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("failed to parse session file: %w", err)
	}
	if s.Authenticated() && s.User == nil {
		return Session{}, ErrIncompleteSession
	}
	if !s.Authenticated() {
		return Session{}, nil
	}
	return s, nil
}

// Save writes s, or removes the file when s is not authenticated.
func (p *FilePersister) Save(s Session) error {
	if !s.Authenticated() {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove session file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Attach restores the stored session into store and then saves every later
// change. Write failures are logged; the in-memory session stays authoritative.
func (p *FilePersister) Attach(store *Store, logger *slog.Logger) (detach func(), err error) {
	restored, err := p.Load()
	if err != nil {
		return nil, err
	}
	if restored.Authenticated() {
		if err := store.Set(restored); err != nil {
			return nil, err
		}
	}

	return store.Subscribe(func(s Session) {
		if err := p.Save(s); err != nil && logger != nil {
			logger.Warn("failed to persist session", "path", p.path, "error", err)
		}
	}), nil
}
