package nullifier

import (
	"context"
	"sync"
	"time"

	"zkgate/pkg/domain"
)

// sweepEvery bounds how many consumes happen between expiry sweeps.
const sweepEvery = 1024

// InMemory is a mutex-guarded token set with expiry.
type InMemory struct {
	mu      sync.Mutex
	expires map[domain.Nullifier]time.Time
	clock   Clock
	ops     int
}

type MemoryOption func(*InMemory)

func WithMemoryClock(clock Clock) MemoryOption {
	return func(s *InMemory) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewInMemory(opts ...MemoryOption) *InMemory {
	s := &InMemory{
		expires: make(map[domain.Nullifier]time.Time),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Consume(_ context.Context, token domain.Nullifier, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[token]; ok && live(exp, now) {
		return alreadyUsed(token)
	}
	s.expires[token] = expiry(now, ttl)

	s.ops++
	if s.ops%sweepEvery == 0 {
		s.sweepLocked(now)
	}
	return nil
}

// DeleteExpired drops expired tokens and returns how many were removed.
func (s *InMemory) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clock()), nil
}

// Len returns the number of tracked tokens, expired ones included.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

func (s *InMemory) sweepLocked(now time.Time) int64 {
	var n int64
	for token, exp := range s.expires {
		if !live(exp, now) {
			delete(s.expires, token)
			n++
		}
	}
	return n
}

func live(exp, now time.Time) bool {
	return exp.IsZero() || now.Before(exp)
}
