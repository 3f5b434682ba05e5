// Package storage persists the operator and workstation session records
// written by the login flow.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mes-console/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrNoSession is returned when nothing has been persisted.
	ErrNoSession = errors.New("no persisted session")
	// ErrIncomplete is returned when a persisted session is missing a
	// required field.
	ErrIncomplete = errors.New("persisted session incomplete")
)

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	Load(ctx context.Context) (*models.PersistedSession, error)
	Save(ctx context.Context, s *models.PersistedSession) error
	Clear(ctx context.Context) error
}

var validate = validator.New()

// Check reports ErrIncomplete when s is missing a required record or field.
func Check(s *models.PersistedSession) error {
	if s == nil {
		return ErrNoSession
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	return nil
}

// FileStore implements SessionStore with a single msgpack file.
type FileStore struct {
	mu   sync.RWMutex
	path string
}

// NewFileStore creates a FileStore at path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads and checks the persisted session.
func (s *FileStore) Load(_ context.Context) (*models.PersistedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoSession
	}

	var ps models.PersistedSession
	if err := msgpack.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrIncomplete, err)
	}
	if err := Check(&ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// Save writes the session atomically.
func (s *FileStore) Save(_ context.Context, ps *models.PersistedSession) error {
	if err := Check(ps); err != nil {
		return err
	}
	data, err := msgpack.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Clear removes the session file. Clearing an empty store is not an error.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session file: %w", err)
	}
	return nil
}

// MemoryStore implements SessionStore in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	session *models.PersistedSession
	clears  int
}

// NewMemoryStore creates a store seeded with ps, which may be nil.
func NewMemoryStore(ps *models.PersistedSession) *MemoryStore {
	return &MemoryStore{session: ps}
}

func (s *MemoryStore) Load(_ context.Context) (*models.PersistedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return nil, ErrNoSession
	}
	if err := Check(s.session); err != nil {
		return nil, err
	}
	cp := *s.session
	return &cp, nil
}

// Save stores ps without checking it, so tests can seed incomplete records.
func (s *MemoryStore) Save(_ context.Context, ps *models.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ps
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	s.clears++
	return nil
}

// Clears returns how many times Clear was called.
func (s *MemoryStore) Clears() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clears
}

// Empty reports whether nothing is stored.
func (s *MemoryStore) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session == nil
}

var (
	_ SessionStore = (*FileStore)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)
