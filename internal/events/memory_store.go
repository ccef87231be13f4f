package events

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*SecurityEvent // userID → events, oldest first
}

// NewMemoryStore creates an in-memory security event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*SecurityEvent)}
}

func (s *MemoryStore) Append(_ context.Context, ev *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *ev
	list := append(s.events[ev.UserID], &e)
	if len(list) > RetainPerUser {
		list = list[len(list)-RetainPerUser:]
	}
	s.events[ev.UserID] = list
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[userID]
	if len(all) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	result := make([]*SecurityEvent, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		e := *all[i]
		result = append(result, &e)
	}
	return result, nil
}

func (s *MemoryStore) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, userID)
	return nil
}
