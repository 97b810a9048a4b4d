package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkgate/pkg/domain"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/audit/store/memory"
	"zkgate/pkg/requestcontext"
)

const tenant = domain.TenantID("acme-pharmacy")

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		TenantID: tenant,
		Action:   string(audit.EventDeploymentRegistered),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventDeploymentRegistered), events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		TenantID: tenant,
		Action:   string(audit.EventGatewayDenied),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, _ := pub.List(context.Background(), tenant)
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)

	events, err := pub.List(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			TenantID: tenant,
			Action:   string(audit.EventProofGenerated),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByTenant(context.Background(), tenant)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_EmitAfterCloseWritesThrough(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	pub.Close()
	pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: tenant, Action: "late"}))
	events, err := store.ListByTenant(context.Background(), tenant)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) Append(context.Context, audit.Event) error {
	<-s.release
	return nil
}

func TestPublisher_BufferFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	pub := NewPublisher(store, WithAsyncBuffer(1))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		full int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{TenantID: tenant, Action: "x"})
			if errors.Is(err, ErrBufferFull) {
				mu.Lock()
				full++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(store.release)
	pub.Close()

	assert.GreaterOrEqual(t, full, 8, "at most one event in flight and one buffered")
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	before := time.Now()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: tenant, Action: "x"}))
	after := time.Now()

	events, err := pub.List(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: tenant, Action: "x", Timestamp: customTime}))

	events, err := pub.List(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_EnrichesFromRequestContext(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	ctx := requestcontext.WithRequestID(context.Background(), "req-123")
	ctx = requestcontext.WithClientMetadata(ctx, "203.0.113.9",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	require.NoError(t, pub.Emit(ctx, audit.Event{TenantID: tenant, Action: string(audit.EventGatewayAuthorized)}))

	events, err := pub.List(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-123", events[0].RequestID)
	assert.Equal(t, "203.0.113.9", events[0].ClientIP)
	assert.Contains(t, events[0].Client, "Chrome")
}

func TestPublisher_DifferentTenants(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	other := domain.TenantID("globex-shipping")
	require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: tenant, Action: string(audit.EventDeploymentRegistered)}))
	require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: other, Action: string(audit.EventDeploymentSuperseded)}))

	events, err := pub.List(context.Background(), other)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventDeploymentSuperseded), events[0].Action)
}
