package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"zkgate/internal/engine/metrics"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/sentinel"
)

const fakeFormat = "fake/v1"

type fakeEnvelope struct {
	Format string `cbor:"format"`
	Body   []byte `cbor:"body"`
}

type fakeBackend struct {
	loads atomic.Int32
	// delay slows Load down so concurrent misses overlap.
	delay time.Duration
	// hang makes loaded programs block until their context ends.
	hang bool
}

func (b *fakeBackend) Format() string { return fakeFormat }

func (b *fakeBackend) Build(_ context.Context, source []byte) (Artifact, error) {
	if string(source) == "broken" {
		return nil, dErrors.New(dErrors.CodeCompilation, "1:1: expected declaration")
	}
	return Marshal(fakeEnvelope{Format: fakeFormat, Body: source})
}

func (b *fakeBackend) Load(_ context.Context, id domain.ProgramIdentity, _ Artifact) (Program, error) {
	b.loads.Add(1)
	time.Sleep(b.delay)
	return &fakeProgram{id: id, hang: b.hang}, nil
}

type fakeProgram struct {
	id   domain.ProgramIdentity
	hang bool
}

func (p *fakeProgram) Execute(ctx context.Context, in Inputs) ([]byte, PublicOutputs, error) {
	if p.hang {
		<-ctx.Done()
		return nil, PublicOutputs{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "execution did not finish before the deadline")
	}
	return p.id[:], PublicOutputs{Token: in.Token, ComplianceResult: true}, nil
}

func (p *fakeProgram) Verify(_ context.Context, payload []byte) (PublicOutputs, error) {
	if string(payload) != string(p.id[:]) {
		return PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "payload mismatch")
	}
	return PublicOutputs{ComplianceResult: true}, nil
}

type mapSource map[domain.ProgramIdentity][]byte

func (m mapSource) Get(_ context.Context, id domain.ProgramIdentity) ([]byte, error) {
	b, ok := m[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return b, nil
}

type EngineSuite struct {
	suite.Suite
	backend *fakeBackend
	source  mapSource
	engine  *Engine
	ctx     context.Context
}

func (s *EngineSuite) SetupTest() {
	s.backend = &fakeBackend{}
	s.source = mapSource{}
	s.engine = New(
		WithBackend(s.backend),
		WithArtifactSource(s.source),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	s.ctx = context.Background()
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) build(src string) Artifact {
	a, err := s.engine.Build(s.ctx, fakeFormat, []byte(src))
	s.Require().NoError(err)
	return a
}

func (s *EngineSuite) TestBuild() {
	s.Run("identity is deterministic", func() {
		a1 := s.build("program")
		a2 := s.build("program")
		s.Equal(s.engine.IdentityOf(a1), s.engine.IdentityOf(a2))
		s.NotEqual(s.engine.IdentityOf(a1), s.engine.IdentityOf(s.build("other")))
	})

	s.Run("unknown format is a compilation error", func() {
		_, err := s.engine.Build(s.ctx, "risc0/v1", []byte("program"))
		s.True(dErrors.HasCode(err, dErrors.CodeCompilation))
	})

	s.Run("backend diagnostics pass through", func() {
		_, err := s.engine.Build(s.ctx, fakeFormat, []byte("broken"))
		s.True(dErrors.HasCode(err, dErrors.CodeCompilation))
		s.Contains(err.Error(), "expected declaration")
	})
}

func (s *EngineSuite) TestArena() {
	a := s.build("program")
	id, err := s.engine.Load(s.ctx, a)
	s.Require().NoError(err)
	s.Equal(IdentityOf(a), id)
	s.True(s.engine.IsLoaded(id))

	_, err = s.engine.Load(s.ctx, a)
	s.Require().NoError(err)
	s.Equal(int32(1), s.backend.loads.Load(), "loading twice reuses the arena entry")
	s.Equal(1, s.engine.Loaded())

	s.True(s.engine.Evict(id))
	s.False(s.engine.Evict(id))
	s.Equal(0, s.engine.Loaded())
}

func (s *EngineSuite) TestConcurrentLoadsShareOneBackendLoad() {
	s.backend.delay = 50 * time.Millisecond
	a := s.build("program")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.engine.Execute(s.ctx, a, Inputs{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(1), s.backend.loads.Load())
	s.Equal(1, s.engine.Loaded())
}

func (s *EngineSuite) TestArenaIsBounded() {
	s.engine = New(WithBackend(s.backend), WithArtifactSource(s.source), WithArenaSize(4))

	var ids []domain.ProgramIdentity
	for i := range 10 {
		a := s.build(fmt.Sprintf("program-%d", i))
		id := IdentityOf(a)
		s.source[id] = a
		ids = append(ids, id)

		_, err := s.engine.Verify(s.ctx, Proof{Format: fakeFormat, ProgramIdentity: id, Payload: id[:]}, id)
		s.Require().NoError(err)
	}

	s.Equal(4, s.engine.Loaded())
	s.False(s.engine.IsLoaded(ids[0]), "least recently used program is evicted")
	s.True(s.engine.IsLoaded(ids[9]))

	s.Run("evicted programs reload on demand", func() {
		_, err := s.engine.Verify(s.ctx, Proof{Format: fakeFormat, ProgramIdentity: ids[0], Payload: ids[0][:]}, ids[0])
		s.Require().NoError(err)
		s.True(s.engine.IsLoaded(ids[0]))
		s.Equal(4, s.engine.Loaded())
	})
}

func (s *EngineSuite) TestTimedOutProgramIsEvicted() {
	s.backend.hang = true
	a := s.build("program")

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err := s.engine.Execute(ctx, a, Inputs{})
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.False(s.engine.IsLoaded(IdentityOf(a)))
}

func (s *EngineSuite) TestExecuteAndVerify() {
	a := s.build("program")
	id := IdentityOf(a)
	token := domain.Nullifier{1, 2, 3}

	proof, out, err := s.engine.Execute(s.ctx, a, Inputs{Token: token})
	s.Require().NoError(err)
	s.Equal(id, proof.ProgramIdentity)
	s.Equal(fakeFormat, proof.Format)
	s.Equal(token, out.Token)

	s.Run("verifies against the authoritative identity", func() {
		got, err := s.engine.Verify(s.ctx, proof, id)
		s.Require().NoError(err)
		s.True(got.ComplianceResult)
	})

	s.Run("rejects a different identity", func() {
		other := IdentityOf(s.build("other"))
		_, err := s.engine.Verify(s.ctx, proof, other)
		s.True(dErrors.HasCode(err, dErrors.CodeProofInvalid))
	})

	s.Run("loads unknown programs from the artifact source", func() {
		s.engine.Evict(id)
		s.source[id] = a
		_, err := s.engine.Verify(s.ctx, proof, id)
		s.Require().NoError(err)
		s.True(s.engine.IsLoaded(id))
	})

	s.Run("rejects artifact bytes that do not hash to the identity", func() {
		s.engine.Evict(id)
		s.source[id] = s.build("tampered")
		_, err := s.engine.Verify(s.ctx, proof, id)
		s.True(dErrors.HasCode(err, dErrors.CodeProofInvalid))
	})

	s.Run("missing artifact is an invalid proof", func() {
		s.engine.Evict(id)
		delete(s.source, id)
		_, err := s.engine.Verify(s.ctx, proof, id)
		s.True(dErrors.HasCode(err, dErrors.CodeProofInvalid))
	})
}

func TestProofCodec(t *testing.T) {
	p := Proof{Format: "guest/v1", ProgramIdentity: domain.ProgramIdentity{9}, Payload: []byte("receipt")}
	s, err := EncodeProof(p)
	require.NoError(t, err)

	got, err := DecodeProof("0x" + s)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	for _, bad := range []string{"", "zz", "00", "a0"} {
		_, err := DecodeProof(bad)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), bad)
	}
}

func TestFormatOf(t *testing.T) {
	a, err := Marshal(fakeEnvelope{Format: fakeFormat})
	require.NoError(t, err)
	f, err := FormatOf(a)
	require.NoError(t, err)
	assert.Equal(t, fakeFormat, f)

	_, err = FormatOf([]byte("not cbor"))
	assert.Error(t, err)
}
