package build

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"zkgate/internal/artifact"
	"zkgate/internal/build/metrics"
	"zkgate/internal/compiler/templates"
	"zkgate/internal/engine"
	"zkgate/internal/engine/guest"
	"zkgate/internal/registry/service"
	"zkgate/internal/registry/store"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/sentinel"
)

// countingBuilder records how often the toolchain is reached.
type countingBuilder struct {
	next  Builder
	calls atomic.Int32
}

func (b *countingBuilder) Build(ctx context.Context, format string, source []byte) (engine.Artifact, error) {
	b.calls.Add(1)
	return b.next.Build(ctx, format, source)
}

const undeclaredParamPolicy = `{
	"use_case": "dispensing_limit",
	"private_inputs": {"type": "object", "fields": {"quantity": "u32"}},
	"public_params": {},
	"validation_rules": [{"type": "range_check", "field": "quantity", "min": 1, "max_param": "max_quantity"}]
}`

type PipelineSuite struct {
	suite.Suite
	ctx       context.Context
	builder   *countingBuilder
	artifacts *artifact.InMemoryStore
	registry  *service.Service
	metrics   *metrics.Metrics
	pipeline  *Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	attestor, err := guest.NewAttestor([]byte("pipeline-test-secret"))
	s.Require().NoError(err)
	s.builder = &countingBuilder{next: engine.New(engine.WithBackend(guest.New(attestor)))}
	s.artifacts = artifact.NewInMemoryStore()
	s.registry = service.New(store.NewInMemory())
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.pipeline = NewPipeline(s.builder, s.artifacts, s.registry, WithMetrics(s.metrics))
}

func (s *PipelineSuite) template(name string) []byte {
	b, err := templates.Get(name)
	s.Require().NoError(err)
	return b
}

func (s *PipelineSuite) TestDeployRegistersTenant() {
	res, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("age-verification")})
	s.Require().NoError(err)

	stored, err := s.artifacts.Get(s.ctx, res.ProgramIdentity)
	s.Require().NoError(err)
	s.Equal(res.ProgramIdentity, domain.IdentityOf(stored))

	d, err := s.registry.ResolveByTenant(s.ctx, "acme")
	s.Require().NoError(err)
	s.Equal(res.ProgramIdentity, d.ProgramIdentity)
	s.Equal(res.ArtifactLocation, d.ArtifactLocation)
	s.NotEmpty(d.Metadata.UseCase)
	s.InDelta(1, testutil.ToFloat64(s.metrics.Deploys.WithLabelValues("ok")), 0)
}

func (s *PipelineSuite) TestDeployIsDeterministic() {
	first, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("shipping-rules")})
	s.Require().NoError(err)
	second, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "globex", Document: s.template("shipping-rules")})
	s.Require().NoError(err)
	s.Equal(first.ProgramIdentity, second.ProgramIdentity)
}

func (s *PipelineSuite) TestInvalidDocumentNeverReachesBuilder() {
	_, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: []byte(undeclaredParamPolicy)})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
	s.Zero(s.builder.calls.Load())

	_, err = s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: []byte(`{"use_case": "x"}`)})
	s.True(dErrors.HasCode(err, dErrors.CodeParse), "got %v", err)
	s.Zero(s.builder.calls.Load())
	s.InDelta(1, testutil.ToFloat64(s.metrics.Deploys.WithLabelValues(string(dErrors.CodeValidation))), 0)
}

func (s *PipelineSuite) TestSecondDeployNeedsSupersede() {
	_, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("age-verification")})
	s.Require().NoError(err)

	_, err = s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("pharma-rules")})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)

	res, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("pharma-rules"), Supersede: true})
	s.Require().NoError(err)
	d, err := s.registry.ResolveByTenant(s.ctx, "acme")
	s.Require().NoError(err)
	s.Equal(res.ProgramIdentity, d.ProgramIdentity)
}

func (s *PipelineSuite) TestRejectedDeployLeavesNoArtifact() {
	first, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("age-verification")})
	s.Require().NoError(err)

	s.Run("conflicting deploy discards its artifact", func() {
		_, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("pharma-rules")})
		s.Require().True(dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)

		compiled, err := s.pipeline.Compile(s.ctx, s.template("pharma-rules"))
		s.Require().NoError(err)
		a, err := s.builder.Build(s.ctx, guest.Format, compiled.Source.Code)
		s.Require().NoError(err)
		_, err = s.artifacts.Get(s.ctx, engine.IdentityOf(a))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("artifact referenced by another deployment is kept", func() {
		other, err := s.pipeline.Deploy(s.ctx, Request{TenantID: "globex", Document: s.template("pharma-rules")})
		s.Require().NoError(err)

		_, err = s.pipeline.Deploy(s.ctx, Request{TenantID: "acme", Document: s.template("pharma-rules")})
		s.Require().True(dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)
		_, err = s.artifacts.Get(s.ctx, other.ProgramIdentity)
		s.NoError(err)
		_, err = s.artifacts.Get(s.ctx, first.ProgramIdentity)
		s.NoError(err)
	})
}

func (s *PipelineSuite) TestDeployRequiresTenant() {
	_, err := s.pipeline.Deploy(s.ctx, Request{Document: s.template("age-verification")})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *PipelineSuite) TestCompileOnly() {
	compiled, err := s.pipeline.Compile(s.ctx, s.template("pharma-rules"))
	s.Require().NoError(err)
	s.Contains(string(compiled.Source.Code), "package guest")
	s.Zero(s.builder.calls.Load())
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{dErrors.New(dErrors.CodeExecution, "engine down"), true},
		{dErrors.New(dErrors.CodeUnavailable, "store down"), true},
		{dErrors.New(dErrors.CodeReplayDetected, "replay"), false},
		{dErrors.New(dErrors.CodeProofInvalid, "bad proof"), false},
		{dErrors.New(dErrors.CodeValidation, "bad doc"), false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Retryable(tc.err), "%v", tc.err)
	}
}
