package nullifier

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"zkgate/internal/platform/sqlite"
	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type expiringStore interface {
	Store
	Expirer
}

// StoreSuite runs against every backend that accepts an injected clock.
type StoreSuite struct {
	suite.Suite
	newStore func(clock Clock) expiringStore
	clock    *fakeClock
	store    expiringStore
}

func (s *StoreSuite) SetupTest() {
	s.clock = &fakeClock{now: time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)}
	s.store = s.newStore(s.clock.Now)
}

func randomToken() domain.Nullifier {
	var n domain.Nullifier
	_, _ = rand.Read(n[:])
	return n
}

func (s *StoreSuite) TestConsumeOnce() {
	ctx := context.Background()
	token := randomToken()

	s.Require().NoError(s.store.Consume(ctx, token, time.Hour))

	err := s.store.Consume(ctx, token, time.Hour)
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrAlreadyUsed))

	s.NoError(s.store.Consume(ctx, randomToken(), time.Hour), "other tokens are independent")
}

func (s *StoreSuite) TestExpiredTokenCanBeReused() {
	ctx := context.Background()
	token := randomToken()

	s.Require().NoError(s.store.Consume(ctx, token, time.Minute))
	s.clock.Advance(30 * time.Second)
	s.ErrorIs(s.store.Consume(ctx, token, time.Minute), sentinel.ErrAlreadyUsed)

	s.clock.Advance(time.Minute)
	s.NoError(s.store.Consume(ctx, token, time.Minute))
	s.ErrorIs(s.store.Consume(ctx, token, time.Minute), sentinel.ErrAlreadyUsed)
}

func (s *StoreSuite) TestRejectsNegativeTTL() {
	s.Error(s.store.Consume(context.Background(), randomToken(), -time.Second))
}

func (s *StoreSuite) TestZeroTTLNeverExpires() {
	ctx := context.Background()
	token := randomToken()
	s.Require().NoError(s.store.Consume(ctx, token, 0))

	s.clock.Advance(10 * 365 * 24 * time.Hour)
	n, err := s.store.DeleteExpired(ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.ErrorIs(s.store.Consume(ctx, token, 0), sentinel.ErrAlreadyUsed)
}

func (s *StoreSuite) TestDeleteExpired() {
	ctx := context.Background()
	live, dead := randomToken(), randomToken()
	s.Require().NoError(s.store.Consume(ctx, dead, time.Minute))
	s.Require().NoError(s.store.Consume(ctx, live, time.Hour))

	s.clock.Advance(2 * time.Minute)
	n, err := s.store.DeleteExpired(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
	s.ErrorIs(s.store.Consume(ctx, live, time.Hour), sentinel.ErrAlreadyUsed)
}

// TestConcurrentConsume verifies that of N concurrent consumers of one token
// exactly one succeeds.
func (s *StoreSuite) TestConcurrentConsume() {
	ctx := context.Background()
	token := randomToken()
	const goroutines = 50

	var wg sync.WaitGroup
	var successes, replays atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Consume(ctx, token, time.Hour)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				replays.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), replays.Load())
}

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(clock Clock) expiringStore {
		return NewInMemory(WithMemoryClock(clock))
	}})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(clock Clock) expiringStore {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "nullifiers.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		st, err := NewSQLite(context.Background(), db, WithSQLiteClock(clock))
		if err != nil {
			t.Fatalf("schema: %v", err)
		}
		return st
	}})
}

func TestStartCleanupStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewInMemory()
	done := make(chan error, 1)
	go func() { done <- StartCleanup(ctx, store, time.Millisecond, nil) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
