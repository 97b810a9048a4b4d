// Package service backs the compiler HTTP surface: validation, compilation,
// deployment (inline or as a build job), sdk bundles and built-in templates.
package service

import (
	"context"
	"log/slog"
	"strings"

	"zkgate/internal/build"
	"zkgate/internal/compiler/codegen"
	"zkgate/internal/compiler/dsl"
	"zkgate/internal/compiler/parser"
	"zkgate/internal/compiler/templates"
	"zkgate/internal/compiler/validator"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

type Pipeline interface {
	Compile(ctx context.Context, raw []byte) (*build.Compiled, error)
	Deploy(ctx context.Context, req build.Request) (*build.Result, error)
}

type Jobs interface {
	Submit(ctx context.Context, req build.Request, webhookURL string) (*build.Job, error)
	Get(ctx context.Context, id domain.JobID) (*build.Job, error)
}

type SDKGenerator interface {
	Generate(ctx context.Context, doc *dsl.Document, src codegen.Source, raw []byte) (domain.ProgramIdentity, error)
	Archive(ctx context.Context, id domain.ProgramIdentity) ([]byte, error)
}

type Service struct {
	pipeline  Pipeline
	jobs      Jobs
	sdk       SDKGenerator
	publicURL string
	strict    bool
	logger    *slog.Logger
}

type Option func(*Service)

func WithJobs(j Jobs) Option {
	return func(s *Service) {
		s.jobs = j
	}
}

func WithSDKGenerator(g SDKGenerator) Option {
	return func(s *Service) {
		s.sdk = g
	}
}

// WithPublicURL sets the base URL reported as the proof endpoint.
func WithPublicURL(u string) Option {
	return func(s *Service) {
		s.publicURL = strings.TrimRight(u, "/")
	}
}

func WithStrictParsing() Option {
	return func(s *Service) {
		s.strict = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(pipeline Pipeline, opts ...Option) *Service {
	s := &Service{pipeline: pipeline, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProveEndpoint is where tenants request proofs once deployed.
func (s *Service) ProveEndpoint() string {
	return s.publicURL + "/api/prove"
}

// Validate parses and validates without generating code.
func (s *Service) Validate(_ context.Context, raw []byte) (*dsl.Document, error) {
	var opts []parser.Option
	if s.strict {
		opts = append(opts, parser.WithStrict())
	}
	doc, err := parser.ParseBytes(raw, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := validator.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) Compile(ctx context.Context, raw []byte) (*build.Compiled, error) {
	return s.pipeline.Compile(ctx, raw)
}

type DeployRequest struct {
	TenantID   domain.TenantID
	Document   []byte
	Supersede  bool
	Async      bool
	WebhookURL string
}

// DeployResult holds exactly one of Result (inline) or Job (async).
type DeployResult struct {
	Result *build.Result
	Job    *build.Job
}

func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	breq := build.Request{TenantID: req.TenantID, Document: req.Document, Supersede: req.Supersede}
	if req.Async || req.WebhookURL != "" {
		if s.jobs == nil {
			return nil, dErrors.New(dErrors.CodeUnavailable, "asynchronous deployment is not enabled")
		}
		// Reject bad documents before a job is queued.
		if _, err := s.Validate(ctx, req.Document); err != nil {
			return nil, err
		}
		job, err := s.jobs.Submit(ctx, breq, req.WebhookURL)
		if err != nil {
			return nil, err
		}
		return &DeployResult{Job: job}, nil
	}
	res, err := s.pipeline.Deploy(ctx, breq)
	if err != nil {
		return nil, err
	}
	return &DeployResult{Result: res}, nil
}

func (s *Service) JobStatus(ctx context.Context, id domain.JobID) (*build.Job, error) {
	if s.jobs == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "build job not found")
	}
	return s.jobs.Get(ctx, id)
}

func (s *Service) GenerateSDK(ctx context.Context, raw []byte) (domain.ProgramIdentity, error) {
	if s.sdk == nil {
		return domain.ProgramIdentity{}, dErrors.New(dErrors.CodeUnavailable, "sdk generation is not enabled")
	}
	compiled, err := s.pipeline.Compile(ctx, raw)
	if err != nil {
		return domain.ProgramIdentity{}, err
	}
	return s.sdk.Generate(ctx, compiled.Document, compiled.Source, raw)
}

func (s *Service) DownloadSDK(ctx context.Context, id domain.ProgramIdentity) ([]byte, error) {
	if s.sdk == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "sdk bundle not found")
	}
	return s.sdk.Archive(ctx, id)
}

// TemplateInfo summarizes a built-in template.
type TemplateInfo struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
}

func (s *Service) Templates() []TemplateInfo {
	names := templates.Names()
	out := make([]TemplateInfo, 0, len(names))
	for _, name := range names {
		raw, err := templates.Get(name)
		if err != nil {
			continue
		}
		doc, err := parser.ParseBytes(raw)
		if err != nil {
			s.logger.Warn("built-in template does not parse", "template", name, "error", err)
			continue
		}
		out = append(out, TemplateInfo{
			Name:        name,
			Title:       doc.UseCase,
			Description: doc.Description,
			Category:    categorize(doc.UseCase),
		})
	}
	return out
}

func (s *Service) Template(name string) ([]byte, error) {
	return templates.Get(name)
}

func categorize(useCase string) string {
	lower := strings.ToLower(useCase)
	switch {
	case strings.Contains(lower, "age") || strings.Contains(lower, "identity"):
		return "Identity Verification"
	case strings.Contains(lower, "pharma") || strings.Contains(lower, "prescription"):
		return "Healthcare"
	case strings.Contains(lower, "shipping") || strings.Contains(lower, "manifest"):
		return "Supply Chain"
	case strings.Contains(lower, "finance") || strings.Contains(lower, "payment"):
		return "Financial"
	}
	return "General"
}
