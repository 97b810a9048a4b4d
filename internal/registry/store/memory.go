package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
)

// InMemory keeps deployments in process memory. Each method holds the lock for
// its whole read-modify-write, so single-tenant operations are atomic.
type InMemory struct {
	mu      sync.RWMutex
	current map[domain.TenantID]*models.Deployment
	history []*models.Deployment
}

func NewInMemory() *InMemory {
	return &InMemory{current: make(map[domain.TenantID]*models.Deployment)}
}

func (s *InMemory) Create(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.current[d.TenantID]; ok {
		return fmt.Errorf("tenant %s: %w", d.TenantID, sentinel.ErrConflict)
	}
	s.current[d.TenantID] = d.Clone()
	return nil
}

func (s *InMemory) FindByTenant(_ context.Context, tenant domain.TenantID) (*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.current[tenant]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return d.Clone(), nil
}

// FindByIdentity prefers a current deployment, newest first, and falls back to
// the most recently superseded one.
func (s *InMemory) FindByIdentity(_ context.Context, identity domain.ProgramIdentity) (*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Deployment
	for _, d := range s.current {
		if d.ProgramIdentity == identity && (best == nil || d.CreatedAt.After(best.CreatedAt)) {
			best = d
		}
	}
	if best != nil {
		return best.Clone(), nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ProgramIdentity == identity {
			return s.history[i].Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) Supersede(_ context.Context, next *models.Deployment) (*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.current[next.TenantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	prev.Supersede(next.CreatedAt)
	s.history = append(s.history, prev)
	s.current[next.TenantID] = next.Clone()
	return prev.Clone(), nil
}

func (s *InMemory) History(_ context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Deployment
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TenantID == tenant {
			out = append(out, s.history[i].Clone())
		}
	}
	return out, nil
}

func (s *InMemory) DeleteHistory(_ context.Context, tenant domain.TenantID, identity domain.ProgramIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	for _, d := range s.history {
		if d.TenantID == tenant && d.ProgramIdentity == identity {
			continue
		}
		kept = append(kept, d)
	}
	s.history = kept
	return nil
}

// Delete removes the tenant's current and historical deployments and returns
// them, current first.
func (s *InMemory) Delete(_ context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.current[tenant]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	removed := []*models.Deployment{cur}
	delete(s.current, tenant)

	kept := s.history[:0]
	for _, d := range s.history {
		if d.TenantID == tenant {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, d)
	}
	s.history = kept
	return removed, nil
}

// List returns current deployments ordered by tenant.
func (s *InMemory) List(_ context.Context) ([]*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Deployment, 0, len(s.current))
	for _, d := range s.current {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *InMemory) ListByTenants(ctx context.Context, tenants []domain.TenantID) ([]*models.Deployment, error) {
	want := make(map[domain.TenantID]struct{}, len(tenants))
	for _, t := range tenants {
		want[t] = struct{}{}
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if _, ok := want[d.TenantID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}
