package model

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string]*BehaviorModel // userID → model
}

// NewMemoryStore creates an in-memory behavior model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string]*BehaviorModel)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*BehaviorModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, m *BehaviorModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.UserID] = m.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, userID)
	return nil
}

// Len reports the number of stored models.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}
