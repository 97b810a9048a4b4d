// Package build turns policy documents into registered deployments:
// parse, validate, generate, build, store the artifact, register.
package build

import (
	"context"
	"log/slog"
	"time"

	"zkgate/internal/build/metrics"
	"zkgate/internal/compiler/codegen"
	"zkgate/internal/compiler/dsl"
	"zkgate/internal/compiler/parser"
	"zkgate/internal/compiler/validator"
	"zkgate/internal/engine"
	"zkgate/internal/engine/guest"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

// Builder compiles source for a backend format.
type Builder interface {
	Build(ctx context.Context, format string, source []byte) (engine.Artifact, error)
}

type ArtifactWriter interface {
	Put(ctx context.Context, id domain.ProgramIdentity, data []byte) (string, error)
	Delete(ctx context.Context, id domain.ProgramIdentity) error
}

// Registry binds tenants to built programs.
type Registry interface {
	Register(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta models.Metadata) (*models.Deployment, error)
	Supersede(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta models.Metadata) (*models.Deployment, error)
	FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error)
}

// Pipeline runs deploys synchronously. Jobs wraps it for async use.
type Pipeline struct {
	builder   Builder
	artifacts ArtifactWriter
	registry  Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics
	strict    bool
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithStrictParsing rejects unknown top-level document fields.
func WithStrictParsing() Option {
	return func(p *Pipeline) {
		p.strict = true
	}
}

func NewPipeline(builder Builder, artifacts ArtifactWriter, registry Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		builder:   builder,
		artifacts: artifacts,
		registry:  registry,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request is one deploy.
type Request struct {
	TenantID domain.TenantID
	// Document is the raw policy, JSON or YAML.
	Document []byte
	// Supersede replaces the tenant's current deployment instead of creating one.
	Supersede bool
	JobID     string
}

// Result describes a completed deploy.
type Result struct {
	ProgramIdentity  domain.ProgramIdentity `json:"program_identity"`
	ArtifactLocation string                 `json:"artifact_location"`
	UseCase          string                 `json:"use_case"`
	Deployment       *models.Deployment     `json:"deployment"`
}

// Compiled is a validated document and its generated source.
type Compiled struct {
	Document *dsl.Document
	Source   codegen.Source
}

// Compile parses, validates and generates without touching the toolchain.
func (p *Pipeline) Compile(ctx context.Context, raw []byte) (*Compiled, error) {
	var opts []parser.Option
	if p.strict {
		opts = append(opts, parser.WithStrict())
	}

	start := time.Now()
	doc, err := parser.ParseBytes(raw, opts...)
	p.metrics.ObserveStage("parse", start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	validated, err := validator.Validate(doc)
	p.metrics.ObserveStage("validate", start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	src, err := codegen.Generate(validated)
	p.metrics.ObserveStage("generate", start)
	if err != nil {
		return nil, err
	}
	return &Compiled{Document: doc, Source: src}, nil
}

// Deploy compiles, builds and registers a policy for a tenant. Nothing is
// built unless the document parses and validates.
func (p *Pipeline) Deploy(ctx context.Context, req Request) (*Result, error) {
	if req.TenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	compiled, err := p.Compile(ctx, req.Document)
	if err != nil {
		p.fail(ctx, req, err)
		return nil, err
	}

	doc := compiled.Document
	meta := models.Metadata{
		UseCase:     doc.UseCase,
		Description: doc.Description,
		Version:     doc.Version,
		JobID:       req.JobID,
	}
	res, err := p.install(ctx, req, guest.Format, compiled.Source.Code, meta)
	if err != nil {
		p.fail(ctx, req, err)
		return nil, err
	}
	res.UseCase = doc.UseCase
	return res, nil
}

// install builds source, stores the artifact and binds it to the tenant.
func (p *Pipeline) install(ctx context.Context, req Request, format string, source []byte, meta models.Metadata) (*Result, error) {
	start := time.Now()
	artifact, err := p.builder.Build(ctx, format, source)
	p.metrics.ObserveStage("build", start)
	if err != nil {
		return nil, err
	}
	identity := engine.IdentityOf(artifact)

	start = time.Now()
	location, err := p.artifacts.Put(ctx, identity, artifact)
	p.metrics.ObserveStage("store", start)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store artifact")
	}

	start = time.Now()
	var d *models.Deployment
	if req.Supersede {
		d, err = p.registry.Supersede(ctx, req.TenantID, identity, location, meta)
	} else {
		d, err = p.registry.Register(ctx, req.TenantID, identity, location, meta)
	}
	p.metrics.ObserveStage("register", start)
	if err != nil {
		p.discard(ctx, identity)
		return nil, err
	}

	p.metrics.IncDeploy("ok")
	p.logger.InfoContext(ctx, "program deployed",
		"tenant_id", req.TenantID,
		"program_identity", identity.Short(),
		"format", format,
		"supersede", req.Supersede,
		"job_id", req.JobID,
	)
	return &Result{
		ProgramIdentity:  identity,
		ArtifactLocation: location,
		UseCase:          meta.UseCase,
		Deployment:       d,
	}, nil
}

// discard removes an artifact whose registration failed, unless a deployment
// already references the identity.
func (p *Pipeline) discard(ctx context.Context, identity domain.ProgramIdentity) {
	_, err := p.registry.FindByIdentity(ctx, identity)
	if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return
	}
	if err := p.artifacts.Delete(ctx, identity); err != nil {
		p.logger.WarnContext(ctx, "failed to discard unregistered artifact",
			"program_identity", identity.Short(),
			"error", err,
		)
	}
}

func (p *Pipeline) fail(ctx context.Context, req Request, err error) {
	code := dErrors.CodeOf(err)
	p.metrics.IncDeploy(string(code))
	p.logger.WarnContext(ctx, "deploy failed",
		"tenant_id", req.TenantID,
		"job_id", req.JobID,
		"error_code", code,
		"error", err,
	)
}

// Retryable reports whether a failed operation may succeed if repeated.
// Denials and bad input never are.
func Retryable(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeExecution) || dErrors.HasCode(err, dErrors.CodeUnavailable)
}
