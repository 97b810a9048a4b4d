// Package prover executes registered programs on behalf of clients. It never
// touches the token store: a proof is only a claim until the gateway consumes
// its token.
package prover

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"zkgate/internal/engine"
	"zkgate/internal/prover/metrics"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/sentinel"
	"zkgate/pkg/requestcontext"
)

// Resolver finds a tenant's current deployment.
type Resolver interface {
	ResolveByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error)
}

type ArtifactSource interface {
	Get(ctx context.Context, id domain.ProgramIdentity) ([]byte, error)
}

// Executor is the engine surface the prover drives.
type Executor interface {
	Load(ctx context.Context, a engine.Artifact) (domain.ProgramIdentity, error)
	Execute(ctx context.Context, a engine.Artifact, in engine.Inputs) (engine.Proof, engine.PublicOutputs, error)
	Evict(id domain.ProgramIdentity) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Request asks for a proof of a tenant's policy.
type Request struct {
	TenantID      domain.TenantID
	PrivateInputs json.RawMessage
	PublicParams  json.RawMessage
	// Nullifier binds the proof to a token. A random one is drawn when nil.
	Nullifier *domain.Nullifier
}

// Result is a proof and what it discloses.
type Result struct {
	Proof           engine.Proof
	ProgramIdentity domain.ProgramIdentity
	Outputs         engine.PublicOutputs
}

const (
	DefaultCacheSize      = 64
	DefaultMaxConcurrency = 4
	DefaultTimeout        = 30 * time.Second
)

// Service generates proofs with a bounded artifact cache and bounded
// concurrent execution.
type Service struct {
	registry  Resolver
	artifacts ArtifactSource
	engine    Executor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auditor   AuditPublisher
	timeout   time.Duration

	cacheSize      int
	maxConcurrency int64

	cache *lru.Cache[domain.ProgramIdentity, engine.Artifact]
	loads singleflight.Group
	slots *semaphore.Weighted
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

func WithMaxConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrency = int64(n)
		}
	}
}

// WithTimeout bounds a single execution, excluding time spent waiting for a slot.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(registry Resolver, artifacts ArtifactSource, exec Executor, opts ...Option) (*Service, error) {
	s := &Service{
		registry:       registry,
		artifacts:      artifacts,
		engine:         exec,
		logger:         slog.Default(),
		timeout:        DefaultTimeout,
		cacheSize:      DefaultCacheSize,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := lru.NewWithEvict(s.cacheSize, func(id domain.ProgramIdentity, _ engine.Artifact) {
		s.engine.Evict(id)
		s.metrics.IncCache("evict")
	})
	if err != nil {
		return nil, fmt.Errorf("create artifact cache: %w", err)
	}
	s.cache = cache
	s.slots = semaphore.NewWeighted(s.maxConcurrency)
	return s, nil
}

// Prove resolves the tenant's program, executes it and returns the receipt.
func (s *Service) Prove(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := s.prove(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
	}
	s.metrics.ObserveProve(outcome, start)
	return res, err
}

func (s *Service) prove(ctx context.Context, req Request) (*Result, error) {
	if req.TenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	d, err := s.registry.ResolveByTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	artifact, err := s.artifact(ctx, d)
	if err != nil {
		return nil, err
	}

	token, err := tokenFor(req.Nullifier)
	if err != nil {
		return nil, err
	}
	in := engine.Inputs{
		Private: defaultObject(req.PrivateInputs),
		Public:  defaultObject(req.PublicParams),
		Token:   token,
		AsOf:    requestcontext.Now(ctx).UTC().Format(time.DateOnly),
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "prover is at capacity")
	}
	s.metrics.AddInFlight(1)
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	proof, out, err := s.engine.Execute(execCtx, artifact, in)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	s.metrics.AddInFlight(-1)
	s.slots.Release(1)

	if err != nil {
		if timedOut {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "proof generation timed out")
		}
		s.logger.WarnContext(ctx, "proof generation failed",
			"tenant_id", req.TenantID,
			"program_identity", d.ProgramIdentity.Short(),
			"error", err,
		)
		return nil, err
	}

	s.emit(ctx, audit.EventProofGenerated, req.TenantID, d.ProgramIdentity)
	return &Result{Proof: proof, ProgramIdentity: d.ProgramIdentity, Outputs: out}, nil
}

// Load warms the cache and the engine arena for a tenant's current program.
func (s *Service) Load(ctx context.Context, tenant domain.TenantID) (domain.ProgramIdentity, error) {
	d, err := s.registry.ResolveByTenant(ctx, tenant)
	if err != nil {
		return domain.ProgramIdentity{}, err
	}
	artifact, err := s.artifact(ctx, d)
	if err != nil {
		return domain.ProgramIdentity{}, err
	}
	id, err := s.engine.Load(ctx, artifact)
	if err != nil {
		return domain.ProgramIdentity{}, err
	}
	s.emit(ctx, audit.EventProgramLoaded, tenant, id)
	return id, nil
}

// Evict drops a program from the cache and the engine arena.
func (s *Service) Evict(id domain.ProgramIdentity) bool {
	if s.cache.Remove(id) {
		return true
	}
	return s.engine.Evict(id)
}

// CachedPrograms reports how many artifacts are cached.
func (s *Service) CachedPrograms() int {
	return s.cache.Len()
}

// artifact returns the deployment's artifact bytes, loading them at most once
// per identity no matter how many requests miss concurrently.
func (s *Service) artifact(ctx context.Context, d *models.Deployment) (engine.Artifact, error) {
	if a, ok := s.cache.Get(d.ProgramIdentity); ok {
		s.metrics.IncCache("hit")
		return a, nil
	}
	s.metrics.IncCache("miss")

	// Coalesced waiters share the fetch, so one caller's cancellation must not fail the rest.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := s.loads.Do(d.ProgramIdentity.String(), func() (any, error) {
		if a, ok := s.cache.Get(d.ProgramIdentity); ok {
			return a, nil
		}
		b, err := s.artifacts.Get(fetchCtx, d.ProgramIdentity)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Newf(dErrors.CodeUnavailable, "artifact for tenant %s is missing", d.TenantID)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to fetch artifact")
		}
		if domain.IdentityOf(b) != d.ProgramIdentity {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "stored artifact does not match its identity")
		}
		a := engine.Artifact(b)
		s.cache.Add(d.ProgramIdentity, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.Artifact), nil
}

func tokenFor(n *domain.Nullifier) (domain.Nullifier, error) {
	if n != nil {
		return *n, nil
	}
	var t domain.Nullifier
	if _, err := rand.Read(t[:]); err != nil {
		return t, dErrors.Wrap(err, dErrors.CodeInternal, "failed to draw token")
	}
	return t, nil
}

func defaultObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, tenant domain.TenantID, id domain.ProgramIdentity) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		Category:        action.Category(),
		Action:          string(action),
		TenantID:        tenant,
		ProgramIdentity: id.String(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to emit prover audit event", "action", action, "error", err)
	}
}
