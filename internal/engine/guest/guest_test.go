package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"zkgate/internal/compiler/codegen"
	"zkgate/internal/compiler/parser"
	"zkgate/internal/compiler/templates"
	"zkgate/internal/compiler/validator"
	"zkgate/internal/engine"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/guestlib"
)

const asOf = "2026-10-14"

const quantityPolicy = `{
	"use_case": "dispensing_limit",
	"private_inputs": {"type": "object", "fields": {"quantity": "u32"}},
	"public_params": {},
	"validation_rules": [{"type": "range_check", "field": "quantity", "min": 1, "max": 90}]
}`

const intersectionPolicy = `{
	"use_case": "cargo_screening",
	"private_inputs": {"type": "object", "fields": {"items": "array<string>"}},
	"public_params": {"banned": "array<string>"},
	"validation_rules": [{"type": "array_intersection_check", "field": "items", "prohibited_param": "banned", "must_be_empty": %t}]
}`

const spinPolicy = `{
	"use_case": "spin",
	"private_inputs": {"type": "object", "fields": {"quantity": "u32"}},
	"public_params": {},
	"validation_rules": [{"type": "custom", "code": "func() bool { for { } }()"}]
}`

func generate(t *testing.T, doc []byte) []byte {
	t.Helper()
	d, err := parser.ParseBytes(doc)
	require.NoError(t, err)
	v, err := validator.Validate(d)
	require.NoError(t, err)
	src, err := codegen.Generate(v)
	require.NoError(t, err)
	return src.Code
}

func templateSource(t *testing.T, name string) []byte {
	t.Helper()
	b, err := templates.Get(name)
	require.NoError(t, err)
	return generate(t, b)
}

type GuestSuite struct {
	suite.Suite
	ctx    context.Context
	engine *engine.Engine
}

func TestGuestSuite(t *testing.T) {
	suite.Run(t, new(GuestSuite))
}

func (s *GuestSuite) SetupTest() {
	s.ctx = context.Background()
	attestor, err := NewAttestor([]byte("test-attestation-secret"))
	s.Require().NoError(err)
	s.engine = engine.New(engine.WithBackend(New(attestor)))
}

func (s *GuestSuite) build(src []byte) engine.Artifact {
	a, err := s.engine.Build(s.ctx, Format, src)
	s.Require().NoError(err)
	return a
}

func (s *GuestSuite) run(a engine.Artifact, private, public string) (engine.Proof, engine.PublicOutputs, error) {
	return s.engine.Execute(s.ctx, a, engine.Inputs{
		Private: json.RawMessage(private),
		Public:  json.RawMessage(public),
		Token:   domain.Nullifier{0xab, 0xcd},
		AsOf:    asOf,
	})
}

func (s *GuestSuite) TestBuildIsDeterministic() {
	src := templateSource(s.T(), "age-verification")
	s.Equal(engine.IdentityOf(s.build(src)), engine.IdentityOf(s.build(src)))
}

func (s *GuestSuite) TestAllTemplatesBuild() {
	for _, name := range templates.Names() {
		_, err := s.engine.Build(s.ctx, Format, templateSource(s.T(), name))
		s.NoError(err, name)
	}
}

func (s *GuestSuite) TestBuildRejectsInvalidPrograms() {
	s.Run("type error", func() {
		_, err := s.engine.Build(s.ctx, Format, []byte("package guest\n\nfunc Evaluate() int { return \"x\" }\n"))
		s.True(dErrors.HasCode(err, dErrors.CodeCompilation))
	})
	s.Run("standard library is not reachable", func() {
		src := "package guest\n\nimport \"os\"\n\nvar _ = os.Getenv\n"
		_, err := s.engine.Build(s.ctx, Format, []byte(src))
		s.True(dErrors.HasCode(err, dErrors.CodeCompilation))
	})
	s.Run("missing entry point", func() {
		_, err := s.engine.Build(s.ctx, Format, []byte("package guest\n\nconst x = 1\n"))
		s.True(dErrors.HasCode(err, dErrors.CodeCompilation))
	})
}

func (s *GuestSuite) TestAgeVerification() {
	a := s.build(templateSource(s.T(), "age-verification"))

	s.Run("underage holder is not compliant", func() {
		_, out, err := s.run(a, `{"user_data":{"date_of_birth":"2009-06-01"}}`, `{"min_age":18}`)
		s.Require().NoError(err)
		s.False(out.ComplianceResult)
	})

	s.Run("adult holder is compliant and token passes through", func() {
		proof, out, err := s.run(a, `{"user_data":{"date_of_birth":"2007-01-01"}}`, `{"min_age":18}`)
		s.Require().NoError(err)
		s.True(out.ComplianceResult)
		s.Equal(domain.Nullifier{0xab, 0xcd}, out.Token)

		var md map[string]any
		s.Require().NoError(json.Unmarshal(out.Metadata, &md))
		s.Equal("age_verification", md["use_case"])
		s.Equal(asOf, md["as_of"])
		s.EqualValues(18, md["min_age"])

		verified, err := s.engine.Verify(s.ctx, proof, engine.IdentityOf(a))
		s.Require().NoError(err)
		s.Equal(out, verified)
	})

	s.Run("inputs that do not match the schema", func() {
		_, _, err := s.run(a, `{"user_data":{}}`, `{"min_age":18}`)
		s.True(dErrors.HasCode(err, dErrors.CodeInputSchemaMismatch))
	})
}

func (s *GuestSuite) TestRangeRuleOutcome() {
	a := s.build(generate(s.T(), []byte(quantityPolicy)))

	_, out, err := s.run(a, `{"quantity":150}`, `{}`)
	s.Require().NoError(err)
	s.False(out.ComplianceResult)

	_, out, err = s.run(a, `{"quantity":30}`, `{}`)
	s.Require().NoError(err)
	s.True(out.ComplianceResult)
}

func (s *GuestSuite) TestIntersectionRuleOutcome() {
	const (
		disjoint    = `{"items":["rice","tea"]}`
		overlapping = `{"items":["rice","ivory"]}`
		banned      = `{"banned":["ivory"]}`
	)

	s.Run("must_be_empty rejects overlapping arrays", func() {
		a := s.build(generate(s.T(), []byte(fmt.Sprintf(intersectionPolicy, true))))
		_, out, err := s.run(a, overlapping, banned)
		s.Require().NoError(err)
		s.False(out.ComplianceResult)

		_, out, err = s.run(a, disjoint, banned)
		s.Require().NoError(err)
		s.True(out.ComplianceResult)
	})

	s.Run("without must_be_empty any intersection passes", func() {
		a := s.build(generate(s.T(), []byte(fmt.Sprintf(intersectionPolicy, false))))
		for _, private := range []string{disjoint, overlapping} {
			_, out, err := s.run(a, private, banned)
			s.Require().NoError(err)
			s.True(out.ComplianceResult, private)
		}
	})
}

func (s *GuestSuite) TestExecutionDeadline() {
	a := s.build(generate(s.T(), []byte(spinPolicy)))
	id := engine.IdentityOf(a)

	run := func(timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		_, _, err := s.engine.Execute(ctx, a, engine.Inputs{
			Private: json.RawMessage(`{"quantity":1}`),
			Public:  json.RawMessage(`{}`),
			AsOf:    asOf,
		})
		return err
	}

	start := time.Now()
	err := run(150 * time.Millisecond)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout), "got %v", err)
	s.Less(time.Since(start), 2*time.Second)
	s.False(s.engine.IsLoaded(id), "timed out program is evicted")
}

func TestAbandonedProgramFailsFast(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	attestor, err := NewAttestor([]byte("test-attestation-secret"))
	require.NoError(t, err)
	p := newProgram(domain.ProgramIdentity{1}, func(guestlib.Input) guestlib.Outputs {
		<-release
		return guestlib.Outputs{}
	}, attestor)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = p.Execute(ctx, engine.Inputs{})
	require.True(t, dErrors.HasCode(err, dErrors.CodeTimeout), "got %v", err)

	_, _, err = p.Execute(context.Background(), engine.Inputs{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeExecution), "got %v", err)
}

func (s *GuestSuite) TestProofsAreBoundToProgram() {
	age := s.build(templateSource(s.T(), "age-verification"))
	qty := s.build(generate(s.T(), []byte(quantityPolicy)))
	_, err := s.engine.Load(s.ctx, qty)
	s.Require().NoError(err)

	proof, _, err := s.run(age, `{"user_data":{"date_of_birth":"2007-01-01"}}`, `{"min_age":18}`)
	s.Require().NoError(err)

	s.Run("claimed identity must be authoritative", func() {
		_, err := s.engine.Verify(s.ctx, proof, engine.IdentityOf(qty))
		s.True(dErrors.HasCode(err, dErrors.CodeProofInvalid))
	})

	s.Run("relabelled proof fails the receipt check", func() {
		forged := proof
		forged.ProgramIdentity = engine.IdentityOf(qty)
		_, err := s.engine.Verify(s.ctx, forged, engine.IdentityOf(qty))
		s.True(dErrors.HasCode(err, dErrors.CodeProofInvalid))
	})

	s.Run("tampered payload", func() {
		forged := proof
		forged.Payload = append([]byte(nil), proof.Payload...)
		forged.Payload[len(forged.Payload)-1] ^= 0xff
		_, err := s.engine.Verify(s.ctx, forged, engine.IdentityOf(age))
		s.True(dErrors.HasCode(err, dErrors.CodeProofInvalid))
	})
}

func TestAttestor(t *testing.T) {
	_, err := NewAttestor([]byte("short"))
	require.Error(t, err)

	a1, err := NewAttestor([]byte("shared-secret-value"))
	require.NoError(t, err)
	a2, err := NewAttestor([]byte("shared-secret-value"))
	require.NoError(t, err)
	other, err := NewAttestor([]byte("another-secret-value"))
	require.NoError(t, err)

	assert.Equal(t, a1.PublicKey(), a2.PublicKey(), "same secret derives the same key")

	id := domain.ProgramIdentity{7}
	out := engine.PublicOutputs{Token: domain.Nullifier{1}, ComplianceResult: true, Metadata: []byte(`{}`)}
	payload, err := a1.Sign(id, out)
	require.NoError(t, err)

	got, err := a2.Open(id, payload)
	require.NoError(t, err)
	assert.Equal(t, out, got)

	_, err = other.Open(id, payload)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeProofInvalid))
}
