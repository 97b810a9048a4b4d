// Package engine hosts the verifiable-execution backends behind one interface.
//
// Artifacts are CBOR envelopes whose "format" field selects a backend. A program's
// identity is the SHA-256 of its artifact bytes, so the same bytes always map to
// the same identity regardless of where they are stored.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"zkgate/internal/engine/metrics"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/sentinel"
)

// Artifact is the serialized, deployable form of a program.
type Artifact []byte

// Inputs are handed to a program on execution.
type Inputs struct {
	Private json.RawMessage
	Public  json.RawMessage
	Token   domain.Nullifier
	// AsOf is the evaluation date, YYYY-MM-DD.
	AsOf string
}

// PublicOutputs is everything a verifier learns from a proof.
type PublicOutputs struct {
	Token            domain.Nullifier `json:"nullifier"`
	ComplianceResult bool             `json:"compliance_result"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
}

// Proof is an execution receipt bound to a program identity.
type Proof struct {
	Format          string
	ProgramIdentity domain.ProgramIdentity
	Payload         []byte
}

// Program is a loaded artifact.
type Program interface {
	Execute(ctx context.Context, in Inputs) ([]byte, PublicOutputs, error)
	Verify(ctx context.Context, payload []byte) (PublicOutputs, error)
}

// Backend builds and loads artifacts of one format.
type Backend interface {
	Format() string
	// Build turns source into an artifact. Compile failures carry CodeCompilation
	// with the toolchain diagnostic.
	Build(ctx context.Context, source []byte) (Artifact, error)
	Load(ctx context.Context, id domain.ProgramIdentity, a Artifact) (Program, error)
}

// ArtifactSource fetches artifact bytes by identity.
type ArtifactSource interface {
	Get(ctx context.Context, id domain.ProgramIdentity) ([]byte, error)
}

// IdentityOf derives the program identity from artifact bytes.
func IdentityOf(a Artifact) domain.ProgramIdentity {
	return domain.IdentityOf(a)
}

// DefaultArenaSize bounds the arena when WithArenaSize is not given.
const DefaultArenaSize = 256

// Engine dispatches to backends by artifact format and keeps loaded programs
// in a bounded LRU arena keyed by identity.
type Engine struct {
	backends  map[string]Backend
	source    ArtifactSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
	arenaSize int

	arena *lru.Cache[domain.ProgramIdentity, Program]
	loads singleflight.Group
}

type Option func(*Engine)

func WithBackend(b Backend) Option {
	return func(e *Engine) {
		e.backends[b.Format()] = b
	}
}

// WithArtifactSource lets Verify load programs that are not yet in the arena.
func WithArtifactSource(s ArtifactSource) Option {
	return func(e *Engine) {
		e.source = s
	}
}

// WithArenaSize sets how many programs may be loaded at once. Non-positive
// values keep the default.
func WithArenaSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.arenaSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		backends:  make(map[string]Backend),
		logger:    slog.Default(),
		arenaSize: DefaultArenaSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	// NewWithEvict only fails for a non-positive size, which WithArenaSize rules out.
	e.arena, _ = lru.NewWithEvict(e.arenaSize, func(id domain.ProgramIdentity, _ Program) {
		e.logger.Debug("program evicted", "program_identity", id.Short())
	})
	return e
}

// Formats lists the registered backend formats.
func (e *Engine) Formats() []string {
	out := make([]string, 0, len(e.backends))
	for f := range e.backends {
		out = append(out, f)
	}
	return out
}

// Build compiles source with the backend registered for format.
func (e *Engine) Build(ctx context.Context, format string, source []byte) (Artifact, error) {
	b, ok := e.backends[format]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeCompilation, "no backend for format %q", format)
	}
	start := time.Now()
	a, err := b.Build(ctx, source)
	e.metrics.ObserveBuild(format, start, err)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// IdentityOf derives the identity of an artifact.
func (e *Engine) IdentityOf(a Artifact) domain.ProgramIdentity {
	return IdentityOf(a)
}

// Load places an artifact in the arena and returns its identity. Loading an
// already loaded identity is a no-op.
func (e *Engine) Load(ctx context.Context, a Artifact) (domain.ProgramIdentity, error) {
	id := IdentityOf(a)
	if _, err := e.load(ctx, id, a); err != nil {
		return domain.ProgramIdentity{}, err
	}
	return id, nil
}

func (e *Engine) load(ctx context.Context, id domain.ProgramIdentity, a Artifact) (Program, error) {
	if p, ok := e.arena.Get(id); ok {
		return p, nil
	}

	format, err := FormatOf(a)
	if err != nil {
		return nil, err
	}
	b, ok := e.backends[format]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeExecution, "no backend for format %q", format)
	}

	// Concurrent misses share one backend load. The load outlives any single
	// caller's cancellation.
	v, err, _ := e.loads.Do(id.String(), func() (any, error) {
		if p, ok := e.arena.Get(id); ok {
			return p, nil
		}
		p, err := b.Load(context.WithoutCancel(ctx), id, a)
		if err != nil {
			return nil, err
		}
		e.arena.Add(id, p)
		e.metrics.SetLoaded(e.arena.Len())
		e.logger.DebugContext(ctx, "program loaded", "program_identity", id.Short(), "format", format)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Program), nil
}

// Evict releases a loaded program. It reports whether anything was evicted.
func (e *Engine) Evict(id domain.ProgramIdentity) bool {
	if !e.arena.Remove(id) {
		return false
	}
	e.metrics.SetLoaded(e.arena.Len())
	return true
}

// Loaded reports the number of programs in the arena.
func (e *Engine) Loaded() int {
	return e.arena.Len()
}

// IsLoaded reports whether id is in the arena.
func (e *Engine) IsLoaded(id domain.ProgramIdentity) bool {
	return e.arena.Contains(id)
}

// Execute runs a program and returns its proof and public outputs.
func (e *Engine) Execute(ctx context.Context, a Artifact, in Inputs) (Proof, PublicOutputs, error) {
	id := IdentityOf(a)
	p, err := e.load(ctx, id, a)
	if err != nil {
		return Proof{}, PublicOutputs{}, err
	}
	format, _ := FormatOf(a)

	start := time.Now()
	payload, out, err := p.Execute(ctx, in)
	e.metrics.ObserveExecute(format, start, err)
	if err != nil {
		// A timed out program may still be running; the next caller gets a fresh load.
		if dErrors.HasCode(err, dErrors.CodeTimeout) && e.Evict(id) {
			e.logger.WarnContext(ctx, "program evicted after timeout", "program_identity", id.Short(), "format", format)
		}
		return Proof{}, PublicOutputs{}, err
	}
	return Proof{Format: format, ProgramIdentity: id, Payload: payload}, out, nil
}

// Verify checks a proof against the identity the caller considers authoritative.
func (e *Engine) Verify(ctx context.Context, proof Proof, expected domain.ProgramIdentity) (PublicOutputs, error) {
	if expected.IsNil() || proof.ProgramIdentity != expected {
		return PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "proof was not produced by the registered program")
	}

	p, ok := e.arena.Get(expected)
	if !ok {
		var err error
		if p, err = e.fetch(ctx, expected); err != nil {
			return PublicOutputs{}, err
		}
	}

	out, err := p.Verify(ctx, proof.Payload)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeProofInvalid) {
			return PublicOutputs{}, err
		}
		return PublicOutputs{}, dErrors.Wrap(err, dErrors.CodeProofInvalid, "proof verification failed")
	}
	return out, nil
}

func (e *Engine) fetch(ctx context.Context, id domain.ProgramIdentity) (Program, error) {
	if e.source == nil {
		return nil, dErrors.New(dErrors.CodeUnavailable, "program is not loaded and no artifact source is configured")
	}
	b, err := e.source.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeProofInvalid, "artifact for program identity not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to fetch artifact")
	}
	if IdentityOf(b) != id {
		return nil, dErrors.New(dErrors.CodeProofInvalid, "artifact bytes do not match program identity")
	}
	return e.load(ctx, id, b)
}

type envelopeHeader struct {
	Format string `cbor:"format"`
}

// FormatOf reads the format field of an artifact envelope.
func FormatOf(a Artifact) (string, error) {
	var h envelopeHeader
	if err := cbor.Unmarshal(a, &h); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "artifact is not a valid envelope")
	}
	if h.Format == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "artifact envelope has no format")
	}
	return h.Format, nil
}
