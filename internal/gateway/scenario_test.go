package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"zkgate/internal/artifact"
	"zkgate/internal/compiler/codegen"
	"zkgate/internal/compiler/parser"
	"zkgate/internal/compiler/templates"
	"zkgate/internal/compiler/validator"
	"zkgate/internal/engine"
	"zkgate/internal/engine/guest"
	"zkgate/internal/nullifier"
	"zkgate/internal/prover"
	"zkgate/internal/registry/models"
	"zkgate/internal/registry/service"
	"zkgate/internal/registry/store"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/requestcontext"
)

const quantityPolicy = `{
	"use_case": "order_quantity",
	"private_inputs": {"type": "object", "fields": {"quantity": "u32"}},
	"public_params": {},
	"validation_rules": [{"type": "range_check", "field": "quantity", "min": 1, "max": 90}]
}`

// ScenarioSuite drives the gateway with real proofs from the prover.
type ScenarioSuite struct {
	suite.Suite
	ctx       context.Context
	engine    *engine.Engine
	artifacts *artifact.InMemoryStore
	registry  *service.Service
	prover    *prover.Service
	tokens    *nullifier.InMemory
	gateway   *Gateway
}

func TestScenarioSuite(t *testing.T) {
	suite.Run(t, new(ScenarioSuite))
}

func (s *ScenarioSuite) SetupTest() {
	s.wire(models.RetainPrevious)
}

// wire builds a fresh pipeline whose registry applies policy on supersession.
func (s *ScenarioSuite) wire(policy models.RetentionPolicy) {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	attestor, err := guest.NewAttestor([]byte("scenario-test-secret"))
	s.Require().NoError(err)
	s.artifacts = artifact.NewInMemoryStore()
	s.engine = engine.New(engine.WithBackend(guest.New(attestor)), engine.WithArtifactSource(s.artifacts))
	s.registry = service.New(store.NewInMemory(),
		service.WithRetention(policy),
		service.WithArtifactCleanup(s.artifacts, s.engine),
	)

	s.deploy("acme", mustTemplate(s.T(), "age-verification"))
	s.deploy("orders", []byte(quantityPolicy))

	s.prover, err = prover.New(s.registry, s.artifacts, s.engine)
	s.Require().NoError(err)
	s.tokens = nullifier.NewInMemory()
	s.gateway, err = New(s.registry, s.engine, s.tokens)
	s.Require().NoError(err)
}

func mustTemplate(t *testing.T, name string) []byte {
	raw, err := templates.Get(name)
	require.NoError(t, err)
	return raw
}

func (s *ScenarioSuite) build(raw []byte) (domain.ProgramIdentity, string, models.Metadata) {
	doc, err := parser.ParseBytes(raw)
	s.Require().NoError(err)
	v, err := validator.Validate(doc)
	s.Require().NoError(err)
	src, err := codegen.Generate(v)
	s.Require().NoError(err)
	a, err := s.engine.Build(s.ctx, guest.Format, src.Code)
	s.Require().NoError(err)
	id := engine.IdentityOf(a)
	loc, err := s.artifacts.Put(s.ctx, id, a)
	s.Require().NoError(err)
	return id, loc, models.Metadata{UseCase: doc.UseCase}
}

func (s *ScenarioSuite) deploy(tenant domain.TenantID, raw []byte) {
	id, loc, meta := s.build(raw)
	_, err := s.registry.Register(s.ctx, tenant, id, loc, meta)
	s.Require().NoError(err)
}

func (s *ScenarioSuite) redeploy(tenant domain.TenantID, raw []byte) {
	id, loc, meta := s.build(raw)
	_, err := s.registry.Supersede(s.ctx, tenant, id, loc, meta)
	s.Require().NoError(err)
}

func (s *ScenarioSuite) prove(tenant domain.TenantID, private, public string) (Credentials, domain.Nullifier) {
	token := randomToken()
	res, err := s.prover.Prove(s.ctx, prover.Request{
		TenantID:      tenant,
		PrivateInputs: json.RawMessage(private),
		PublicParams:  json.RawMessage(public),
		Nullifier:     &token,
	})
	s.Require().NoError(err)
	receipt, err := engine.EncodeProof(res.Proof)
	s.Require().NoError(err)
	return Credentials{Receipt: receipt, Nullifier: token.String(), Tenant: tenant.String()}, token
}

func (s *ScenarioSuite) TestMinorIsDenied() {
	creds, _ := s.prove("acme", `{"user_data":{"date_of_birth":"2009-06-01"}}`, `{"min_age":18}`)
	d := s.gateway.Authorize(s.ctx, creds)
	s.Equal(dErrors.CodeComplianceFailed, d.Reason, d.Message)
}

func (s *ScenarioSuite) TestAdultIsAuthorizedOnce() {
	creds, _ := s.prove("acme", `{"user_data":{"date_of_birth":"2007-01-01"}}`, `{"min_age":18}`)

	d := s.gateway.Authorize(s.ctx, creds)
	s.Require().True(d.Authorized(), d.Message)

	d = s.gateway.Authorize(s.ctx, creds)
	s.Equal(dErrors.CodeReplayDetected, d.Reason)
}

func (s *ScenarioSuite) TestOutOfRangeQuantityIsDenied() {
	creds, _ := s.prove("orders", `{"quantity":150}`, `{}`)
	d := s.gateway.Authorize(s.ctx, creds)
	s.Equal(dErrors.CodeComplianceFailed, d.Reason, d.Message)
}

func (s *ScenarioSuite) TestProofUsedWithAnotherToken() {
	creds, _ := s.prove("acme", `{"user_data":{"date_of_birth":"2001-01-01"}}`, `{"min_age":18}`)
	creds.Nullifier = randomToken().String()
	d := s.gateway.Authorize(s.ctx, creds)
	s.Equal(dErrors.CodeTokenMismatch, d.Reason, d.Message)
}

func (s *ScenarioSuite) TestProofPresentedForAnotherTenant() {
	creds, _ := s.prove("orders", `{"quantity":10}`, `{}`)
	creds.Tenant = "acme"
	d := s.gateway.Authorize(s.ctx, creds)
	s.Equal(dErrors.CodeProofInvalid, d.Reason, d.Message)
}

func (s *ScenarioSuite) TestSupersededReceiptFollowsRetention() {
	cases := []struct {
		policy     models.RetentionPolicy
		authorized bool
	}{
		{policy: models.RetainPrevious, authorized: true},
		{policy: models.DeleteImmediately, authorized: false},
	}
	for _, tc := range cases {
		s.Run(string(tc.policy), func() {
			s.wire(tc.policy)
			creds, _ := s.prove("acme", `{"user_data":{"date_of_birth":"2001-01-01"}}`, `{"min_age":18}`)
			s.redeploy("acme", mustTemplate(s.T(), "shipping-rules"))

			d := s.gateway.Authorize(s.ctx, creds)
			if tc.authorized {
				s.True(d.Authorized(), d.Message)
				return
			}
			s.Equal(dErrors.CodeProofInvalid, d.Reason, d.Message)
		})
	}
}

func (s *ScenarioSuite) TestConcurrentRequestsWithOneToken() {
	creds, _ := s.prove("acme", `{"user_data":{"date_of_birth":"1990-03-03"}}`, `{"min_age":21}`)

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reasons = map[dErrors.Code]int{}
		granted int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d := s.gateway.Authorize(s.ctx, creds)
			mu.Lock()
			defer mu.Unlock()
			if d.Authorized() {
				granted++
				return
			}
			reasons[d.Reason]++
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(1, granted)
	s.Equal(map[dErrors.Code]int{dErrors.CodeReplayDetected: n - 1}, reasons)
}
