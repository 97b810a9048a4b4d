package artifact

import (
	"context"
	"sync"

	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
)

// InMemoryStore keeps artifacts in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[domain.ProgramIdentity][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[domain.ProgramIdentity][]byte)}
}

func (s *InMemoryStore) Put(_ context.Context, id domain.ProgramIdentity, data []byte) (string, error) {
	if err := checkIdentity(id, data); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		s.items[id] = append([]byte(nil), data...)
	}
	return "mem://" + objectName(id), nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ProgramIdentity) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *InMemoryStore) Delete(_ context.Context, id domain.ProgramIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}
