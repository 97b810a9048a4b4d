package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"zkgate/internal/registry/metrics"
	"zkgate/internal/registry/models"
	"zkgate/internal/registry/store"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/audit/publishers/compliance"
	auditmemory "zkgate/pkg/platform/audit/store/memory"
	"zkgate/pkg/requestcontext"
)

type recordingCleanup struct {
	deleted []domain.ProgramIdentity
	evicted []domain.ProgramIdentity
}

func (r *recordingCleanup) Delete(_ context.Context, id domain.ProgramIdentity) error {
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *recordingCleanup) Evict(id domain.ProgramIdentity) bool {
	r.evicted = append(r.evicted, id)
	return true
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, audit.Event) error { return errors.New("audit down") }

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	audit   *auditmemory.InMemoryStore
	cleanup *recordingCleanup
	metrics *metrics.Metrics
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.cleanup = &recordingCleanup{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC))
}

func (s *ServiceSuite) service(retention models.RetentionPolicy) *Service {
	return New(s.store,
		WithRetention(retention),
		WithArtifactCleanup(s.cleanup, s.cleanup),
		WithAuditPublisher(compliance.New(s.audit)),
		WithMetrics(s.metrics),
	)
}

func id(seed string) domain.ProgramIdentity {
	return domain.ProgramIdentity(sha256.Sum256([]byte(seed)))
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func (s *ServiceSuite) TestRegisterRoundTrip() {
	svc := s.service(models.RetainPrevious)
	meta := models.Metadata{UseCase: "age_verification", Version: "1.0"}

	created, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", meta)
	s.Require().NoError(err)

	resolved, err := svc.ResolveByTenant(s.ctx, created.TenantID)
	s.Require().NoError(err)
	s.Equal(domain.TenantID("acme"), resolved.TenantID)
	s.Equal(id("v1"), resolved.ProgramIdentity)
	s.Equal("mem://v1", resolved.ArtifactLocation)

	tenant, err := svc.ResolveByIdentity(s.ctx, id("v1"))
	s.Require().NoError(err)
	s.Equal(domain.TenantID("acme"), tenant)

	events, err := s.audit.ListByTenant(s.ctx, "acme")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventDeploymentRegistered), events[0].Action)
	s.InDelta(1, testutil.ToFloat64(s.metrics.Deployments.WithLabelValues("registered")), 0)
}

func (s *ServiceSuite) TestRegisterIdempotentAndConflict() {
	svc := s.service(models.RetainPrevious)
	_, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
	s.Require().NoError(err)

	s.Run("same identity and location is a no-op", func() {
		again, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
		s.Require().NoError(err)
		s.Equal(id("v1"), again.ProgramIdentity)
	})

	s.Run("different identity conflicts", func() {
		_, err := svc.Register(s.ctx, "acme", id("v2"), "mem://v2", models.Metadata{})
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("same identity at another location conflicts", func() {
		_, err := svc.Register(s.ctx, "acme", id("v1"), "file:///tmp/v1.art", models.Metadata{})
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("invalid input", func() {
		_, err := svc.Register(s.ctx, "acme", domain.ProgramIdentity{}, "mem://x", models.Metadata{})
		s.requireCode(err, dErrors.CodeInvalidInput)
	})
}

func (s *ServiceSuite) TestResolveUnknown() {
	svc := s.service(models.RetainPrevious)
	_, err := svc.ResolveByTenant(s.ctx, "nobody")
	s.requireCode(err, dErrors.CodeNotFound)
	_, err = svc.ResolveByIdentity(s.ctx, id("nothing"))
	s.requireCode(err, dErrors.CodeNotFound)
}

func (s *ServiceSuite) TestSupersedeRetainPrevious() {
	svc := s.service(models.RetainPrevious)
	_, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
	s.Require().NoError(err)

	next, err := svc.Supersede(s.ctx, "acme", id("v2"), "mem://v2", models.Metadata{Version: "2.0"})
	s.Require().NoError(err)
	s.Equal(id("v2"), next.ProgramIdentity)

	current, err := svc.ResolveByTenant(s.ctx, "acme")
	s.Require().NoError(err)
	s.Equal(id("v2"), current.ProgramIdentity)

	// In-flight proofs for v1 still resolve to the tenant.
	tenant, err := svc.ResolveByIdentity(s.ctx, id("v1"))
	s.Require().NoError(err)
	s.Equal(domain.TenantID("acme"), tenant)

	history, err := svc.History(s.ctx, "acme")
	s.Require().NoError(err)
	s.Len(history, 1)
	s.Empty(s.cleanup.deleted)
	s.Empty(s.cleanup.evicted)
}

func (s *ServiceSuite) TestSupersedeDeleteImmediately() {
	svc := s.service(models.DeleteImmediately)
	_, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
	s.Require().NoError(err)

	_, err = svc.Supersede(s.ctx, "acme", id("v2"), "mem://v2", models.Metadata{})
	s.Require().NoError(err)

	s.Equal([]domain.ProgramIdentity{id("v1")}, s.cleanup.deleted)
	s.Equal([]domain.ProgramIdentity{id("v1")}, s.cleanup.evicted)
	_, err = svc.ResolveByIdentity(s.ctx, id("v1"))
	s.requireCode(err, dErrors.CodeNotFound)
}

func (s *ServiceSuite) TestSupersedeKeepsSharedArtifact() {
	svc := s.service(models.DeleteImmediately)
	_, err := svc.Register(s.ctx, "acme", id("shared"), "mem://shared", models.Metadata{})
	s.Require().NoError(err)
	_, err = svc.Register(s.ctx, "globex", id("shared"), "mem://shared", models.Metadata{})
	s.Require().NoError(err)

	_, err = svc.Supersede(s.ctx, "acme", id("v2"), "mem://v2", models.Metadata{})
	s.Require().NoError(err)
	s.Empty(s.cleanup.deleted, "globex still runs the shared program")
}

func (s *ServiceSuite) TestSupersedeEdgeCases() {
	svc := s.service(models.RetainPrevious)

	s.Run("nothing to supersede", func() {
		_, err := svc.Supersede(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("same identity is a no-op", func() {
		_, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
		s.Require().NoError(err)
		got, err := svc.Supersede(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
		s.Require().NoError(err)
		s.True(got.IsCurrent())
		history, err := svc.History(s.ctx, "acme")
		s.Require().NoError(err)
		s.Empty(history)
	})
}

func (s *ServiceSuite) TestDelete() {
	svc := s.service(models.DeleteImmediately)
	_, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
	s.Require().NoError(err)

	s.Require().NoError(svc.Delete(s.ctx, "acme"))
	s.Equal([]domain.ProgramIdentity{id("v1")}, s.cleanup.evicted)
	s.Equal([]domain.ProgramIdentity{id("v1")}, s.cleanup.deleted)

	_, err = svc.ResolveByTenant(s.ctx, "acme")
	s.requireCode(err, dErrors.CodeNotFound)
	s.requireCode(svc.Delete(s.ctx, "acme"), dErrors.CodeNotFound)
}

func (s *ServiceSuite) TestList() {
	svc := s.service(models.RetainPrevious)
	for _, t := range []domain.TenantID{"acme", "globex"} {
		_, err := svc.Register(s.ctx, t, id(t.String()), "mem://"+t.String(), models.Metadata{})
		s.Require().NoError(err)
	}

	all, err := svc.List(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 2)

	some, err := svc.List(s.ctx, "globex")
	s.Require().NoError(err)
	s.Require().Len(some, 1)
	s.Equal(domain.TenantID("globex"), some[0].TenantID)
}

func (s *ServiceSuite) TestAuditFailureFailsRegistration() {
	svc := New(s.store, WithAuditPublisher(compliance.New(failingAudit{})))
	_, err := svc.Register(s.ctx, "acme", id("v1"), "mem://v1", models.Metadata{})
	s.requireCode(err, dErrors.CodeInternal)
}
