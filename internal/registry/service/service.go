package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zkgate/internal/registry/metrics"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/sentinel"
	"zkgate/pkg/requestcontext"
)

// DeploymentStore persists deployments. Single-tenant operations are atomic.
type DeploymentStore interface {
	// Create fails with sentinel.ErrConflict when the tenant already has a
	// current deployment.
	Create(ctx context.Context, d *models.Deployment) error
	FindByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error)
	FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error)
	// Supersede moves the current deployment to history and makes next current.
	Supersede(ctx context.Context, next *models.Deployment) (*models.Deployment, error)
	History(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error)
	DeleteHistory(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity) error
	Delete(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error)
	List(ctx context.Context) ([]*models.Deployment, error)
	ListByTenants(ctx context.Context, tenants []domain.TenantID) ([]*models.Deployment, error)
}

// ArtifactDeleter removes stored artifacts.
type ArtifactDeleter interface {
	Delete(ctx context.Context, id domain.ProgramIdentity) error
}

// ProgramEvictor drops loaded programs from the engine arena.
type ProgramEvictor interface {
	Evict(id domain.ProgramIdentity) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// TxRunner runs fn in a transaction carried by its context. Stores and audit
// sinks that understand the context join it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Service owns the tenant to program binding the gateway trusts.
type Service struct {
	store     DeploymentStore
	artifacts ArtifactDeleter
	evictor   ProgramEvictor
	tx        TxRunner
	retention models.RetentionPolicy
	logger    *slog.Logger
	auditor   AuditPublisher
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithRetention(policy models.RetentionPolicy) Option {
	return func(s *Service) {
		s.retention = policy
	}
}

// WithArtifactCleanup wires the collaborators used when a program is dropped
// under DeleteImmediately.
func WithArtifactCleanup(artifacts ArtifactDeleter, evictor ProgramEvictor) Option {
	return func(s *Service) {
		s.artifacts = artifacts
		s.evictor = evictor
	}
}

func WithTxRunner(tx TxRunner) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

// New constructs a Service.
func New(store DeploymentStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		tx:        noTx{},
		retention: models.RetainPrevious,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured supersession policy.
func (s *Service) Retention() models.RetentionPolicy {
	return s.retention
}

// Register creates the first deployment for a tenant. Registering the same
// identity and location again is a no-op that returns the existing record.
func (s *Service) Register(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta models.Metadata) (*models.Deployment, error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("register", start)

	d, err := models.NewDeployment(tenant, identity, location, meta, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid deployment")
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, d); err != nil {
			return err
		}
		return s.emitCompliance(ctx, audit.EventDeploymentRegistered, d)
	})
	if err == nil {
		s.metrics.IncDeployments("registered")
		s.logger.InfoContext(ctx, "deployment registered",
			"tenant_id", tenant,
			"program_identity", identity.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return d, nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return nil, wrapStoreError(err, "failed to register deployment")
	}

	existing, ferr := s.store.FindByTenant(ctx, tenant)
	if ferr != nil {
		return nil, wrapStoreError(ferr, "failed to load existing deployment")
	}
	if existing.SameProgram(identity, location) {
		return existing, nil
	}
	return nil, dErrors.Newf(dErrors.CodeConflict,
		"tenant %s already has deployment %s; supersede it explicitly", tenant, existing.ProgramIdentity.Short())
}

// Supersede replaces the tenant's current deployment. The old program is kept
// or dropped according to the retention policy.
func (s *Service) Supersede(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta models.Metadata) (*models.Deployment, error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("supersede", start)

	current, err := s.store.FindByTenant(ctx, tenant)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "tenant %s has no deployment to supersede", tenant)
		}
		return nil, wrapStoreError(err, "failed to load current deployment")
	}
	if current.ProgramIdentity == identity {
		return current, nil
	}

	next, err := models.NewDeployment(tenant, identity, location, meta, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid deployment")
	}

	var prev *models.Deployment
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		prev, err = s.store.Supersede(ctx, next)
		if err != nil {
			return err
		}
		return s.emitCompliance(ctx, audit.EventDeploymentSuperseded, next)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "tenant %s has no deployment to supersede", tenant)
		}
		return nil, wrapStoreError(err, "failed to supersede deployment")
	}
	s.metrics.IncDeployments("superseded")
	s.logger.InfoContext(ctx, "deployment superseded",
		"tenant_id", tenant,
		"previous_identity", prev.ProgramIdentity.String(),
		"program_identity", identity.String(),
		"retention", string(s.retention),
	)

	if s.retention == models.DeleteImmediately {
		s.dropProgram(ctx, prev)
		if err := s.store.DeleteHistory(ctx, tenant, prev.ProgramIdentity); err != nil {
			s.logger.WarnContext(ctx, "failed to delete superseded deployment record",
				"tenant_id", tenant,
				"program_identity", prev.ProgramIdentity.String(),
				"error", err,
			)
		}
	}
	return next, nil
}

// ResolveByTenant returns the tenant's current deployment.
func (s *Service) ResolveByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("resolve_by_tenant", start)

	d, err := s.store.FindByTenant(ctx, tenant)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no deployment for tenant %s", tenant)
		}
		return nil, wrapStoreError(err, "failed to resolve deployment")
	}
	return d, nil
}

// ResolveByIdentity returns the tenant a program identity belongs to. Retained
// superseded identities still resolve.
func (s *Service) ResolveByIdentity(ctx context.Context, identity domain.ProgramIdentity) (domain.TenantID, error) {
	d, err := s.FindByIdentity(ctx, identity)
	if err != nil {
		return "", err
	}
	return d.TenantID, nil
}

// FindByIdentity returns the deployment record for identity.
func (s *Service) FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("resolve_by_identity", start)

	d, err := s.store.FindByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no deployment for program %s", identity.Short())
		}
		return nil, wrapStoreError(err, "failed to resolve deployment")
	}
	return d, nil
}

// History lists the tenant's superseded deployments, newest first.
func (s *Service) History(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	out, err := s.store.History(ctx, tenant)
	if err != nil {
		return nil, wrapStoreError(err, "failed to load deployment history")
	}
	return out, nil
}

// Delete removes every deployment for the tenant and evicts its programs.
// Artifacts are deleted only under DeleteImmediately.
func (s *Service) Delete(ctx context.Context, tenant domain.TenantID) error {
	var removed []*models.Deployment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		removed, err = s.store.Delete(ctx, tenant)
		if err != nil {
			return err
		}
		return s.emitCompliance(ctx, audit.EventDeploymentDeleted, removed[0])
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeNotFound, "no deployment for tenant %s", tenant)
		}
		return wrapStoreError(err, "failed to delete deployment")
	}
	s.metrics.IncDeployments("deleted")

	for _, d := range removed {
		if s.evictor != nil {
			s.evictor.Evict(d.ProgramIdentity)
		}
		if s.retention == models.DeleteImmediately {
			s.deleteArtifact(ctx, d)
		}
	}
	s.logger.InfoContext(ctx, "deployments deleted", "tenant_id", tenant, "count", len(removed))
	return nil
}

// List returns current deployments, optionally filtered by tenant.
func (s *Service) List(ctx context.Context, tenants ...domain.TenantID) ([]*models.Deployment, error) {
	var (
		out []*models.Deployment
		err error
	)
	if len(tenants) > 0 {
		out, err = s.store.ListByTenants(ctx, tenants)
	} else {
		out, err = s.store.List(ctx)
	}
	if err != nil {
		return nil, wrapStoreError(err, "failed to list deployments")
	}
	return out, nil
}

func (s *Service) dropProgram(ctx context.Context, d *models.Deployment) {
	if s.evictor != nil {
		s.evictor.Evict(d.ProgramIdentity)
	}
	s.deleteArtifact(ctx, d)
}

func (s *Service) deleteArtifact(ctx context.Context, d *models.Deployment) {
	if s.artifacts == nil {
		return
	}
	// Another tenant may still run the same program.
	if other, err := s.store.FindByIdentity(ctx, d.ProgramIdentity); err == nil && other.TenantID != d.TenantID {
		return
	}
	if err := s.artifacts.Delete(ctx, d.ProgramIdentity); err != nil {
		s.logger.WarnContext(ctx, "failed to delete artifact",
			"tenant_id", d.TenantID,
			"program_identity", d.ProgramIdentity.String(),
			"error", err,
		)
	}
}

func (s *Service) emitCompliance(ctx context.Context, action audit.AuditEvent, d *models.Deployment) error {
	if s.auditor == nil {
		return nil
	}
	return s.auditor.Emit(ctx, audit.Event{
		Action:          string(action),
		TenantID:        d.TenantID,
		ProgramIdentity: d.ProgramIdentity.String(),
		Subject:         d.ArtifactLocation,
		Decision:        string(s.retention),
	})
}

func wrapStoreError(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
