package settings

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no config record has been saved yet.
var ErrNotFound = errors.New("config record not found")

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu    sync.RWMutex
	cfg   Config
	saved bool
}

// NewMemoryStore creates an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.saved {
		return Config{}, ErrNotFound
	}
	return s.cfg, nil
}

func (s *MemoryStore) Save(_ context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.saved = true
	return nil
}
