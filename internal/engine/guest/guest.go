// Package guest runs generated policy programs in a sandboxed Go interpreter and
// attests to their outputs.
//
// The interpreter is given the guestlib export table and nothing else, so a
// program cannot import the standard library, reach the filesystem or network,
// or use unsafe.
package guest

import (
	"context"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"

	"zkgate/internal/engine"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/guestlib"
)

// Format identifies guest artifacts.
const Format = "guest/v1"

// DefaultEntry is the function every generated program exports.
const DefaultEntry = "guest.Evaluate"

type evaluateFunc func(guestlib.Input) guestlib.Outputs

type envelope struct {
	Format string `cbor:"format"`
	Entry  string `cbor:"entry"`
	Source []byte `cbor:"source"`
}

// Backend implements engine.Backend for interpreted programs.
type Backend struct {
	attestor *Attestor
	entry    string
}

// New constructs a Backend that signs receipts with attestor.
func New(attestor *Attestor) *Backend {
	return &Backend{attestor: attestor, entry: DefaultEntry}
}

func (b *Backend) Format() string { return Format }

// Build type-checks source in a fresh interpreter and wraps it in an envelope.
func (b *Backend) Build(ctx context.Context, source []byte) (engine.Artifact, error) {
	if _, err := compile(ctx, source, b.entry); err != nil {
		return nil, err
	}
	a, err := engine.Marshal(envelope{Format: Format, Entry: b.entry, Source: source})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode artifact")
	}
	return a, nil
}

// Load compiles an artifact into a callable program.
func (b *Backend) Load(ctx context.Context, id domain.ProgramIdentity, a engine.Artifact) (engine.Program, error) {
	var env envelope
	if err := engine.Unmarshal(a, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeExecution, "artifact is not a guest envelope")
	}
	if env.Format != Format {
		return nil, dErrors.Newf(dErrors.CodeExecution, "unexpected artifact format %q", env.Format)
	}
	fn, err := compile(ctx, env.Source, env.Entry)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeExecution, "failed to load program")
	}
	return newProgram(id, fn, b.attestor), nil
}

func compile(ctx context.Context, source []byte, entry string) (fn evaluateFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dErrors.Newf(dErrors.CodeCompilation, "interpreter panic: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(guestlib.Symbols); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to expose guest library")
	}
	if _, err := i.EvalWithContext(ctx, string(source)); err != nil {
		return nil, dErrors.New(dErrors.CodeCompilation, diagnostic(err))
	}
	v, err := i.EvalWithContext(ctx, entry)
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeCompilation, "entry point %s: %s", entry, diagnostic(err))
	}
	fn, ok := v.Interface().(func(guestlib.Input) guestlib.Outputs)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeCompilation, "entry point %s has type %s", entry, v.Type())
	}
	return fn, nil
}

func diagnostic(err error) string {
	return strings.TrimSpace(err.Error())
}

type program struct {
	id       domain.ProgramIdentity
	attestor *Attestor
	fn       evaluateFunc

	// The interpreter is not safe for concurrent calls into one program, so
	// turn carries a single token. A call that outlives its context keeps the
	// token and the program is marked dead.
	turn     chan struct{}
	dead     chan struct{}
	deadOnce sync.Once
}

func newProgram(id domain.ProgramIdentity, fn evaluateFunc, attestor *Attestor) *program {
	p := &program{
		id:       id,
		attestor: attestor,
		fn:       fn,
		turn:     make(chan struct{}, 1),
		dead:     make(chan struct{}),
	}
	p.turn <- struct{}{}
	return p
}

type callResult struct {
	out guestlib.Outputs
	err error
}

var errAbandoned = dErrors.New(dErrors.CodeExecution, "program abandoned after an execution overran its deadline")

func (p *program) call(ctx context.Context, in guestlib.Input) (guestlib.Outputs, error) {
	select {
	case <-p.dead:
		return guestlib.Outputs{}, errAbandoned
	default:
	}
	select {
	case <-p.turn:
	case <-p.dead:
		return guestlib.Outputs{}, errAbandoned
	case <-ctx.Done():
		return guestlib.Outputs{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "execution cancelled")
	}

	done := make(chan callResult, 1)
	go func() {
		var r callResult
		defer func() {
			if v := recover(); v != nil {
				r.err = dErrors.Newf(dErrors.CodeExecution, "program panicked: %v", v)
			}
			p.turn <- struct{}{}
			done <- r
		}()
		r.out = p.fn(in)
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		p.deadOnce.Do(func() { close(p.dead) })
		return guestlib.Outputs{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "execution did not finish before the deadline")
	}
}

func (p *program) Execute(ctx context.Context, in engine.Inputs) ([]byte, engine.PublicOutputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.PublicOutputs{}, dErrors.Wrap(err, dErrors.CodeTimeout, "execution cancelled")
	}
	res, err := p.call(ctx, guestlib.Input{
		Private: in.Private,
		Public:  in.Public,
		Token:   in.Token,
		AsOf:    in.AsOf,
	})
	if err != nil {
		return nil, engine.PublicOutputs{}, err
	}
	if res.Err != "" {
		return nil, engine.PublicOutputs{}, dErrors.New(dErrors.CodeInputSchemaMismatch, res.Err)
	}
	out := engine.PublicOutputs{
		Token:            domain.Nullifier(res.Token),
		ComplianceResult: res.ComplianceResult,
		Metadata:         res.Metadata,
	}
	payload, err := p.attestor.Sign(p.id, out)
	if err != nil {
		return nil, engine.PublicOutputs{}, err
	}
	return payload, out, nil
}

func (p *program) Verify(_ context.Context, payload []byte) (engine.PublicOutputs, error) {
	return p.attestor.Open(p.id, payload)
}
