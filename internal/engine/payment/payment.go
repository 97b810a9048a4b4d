// Package payment is a Groth16 (BN254) backend for payment proofs.
//
// A payment proof shows that the holder knows the secret behind a note whose
// MiMC commitment is the request's single-use token, and that the amount paid
// is at least the advertised minimum. The token is derived from the note, so a
// payment proof can only ever authorize the request carrying that token.
package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	nativemimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/logger"

	"zkgate/internal/engine"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/guestlib"
)

const (
	// Format identifies payment artifacts.
	Format = "groth16-bn254/v1"
	// CircuitName is the only circuit this backend builds.
	CircuitName = "payment-note/v1"
)

func init() {
	logger.Disable()
}

type envelope struct {
	Format  string `cbor:"format"`
	Circuit string `cbor:"circuit"`
	CCS     []byte `cbor:"ccs"`
	PK      []byte `cbor:"pk"`
	VK      []byte `cbor:"vk"`
}

type receipt struct {
	Proof     []byte `cbor:"proof"`
	Nullifier []byte `cbor:"nullifier"`
	MinAmount uint64 `cbor:"min_amount"`
}

// Backend implements engine.Backend for the payment circuit.
type Backend struct{}

// New constructs a Backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Format() string { return Format }

// Build compiles the circuit named by source and runs the Groth16 setup. The
// setup is randomized, so every build yields a distinct identity; the
// identity pins the keys the gateway verifies against.
func (b *Backend) Build(_ context.Context, source []byte) (engine.Artifact, error) {
	name := strings.TrimSpace(string(source))
	if name != CircuitName {
		return nil, dErrors.Newf(dErrors.CodeCompilation, "unknown circuit %q (supported: %s)", name, CircuitName)
	}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &Circuit{})
	if err != nil {
		return nil, dErrors.New(dErrors.CodeCompilation, err.Error())
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeCompilation, "groth16 setup failed")
	}

	env := envelope{Format: Format, Circuit: name}
	if env.CCS, err = serialize(ccs); err != nil {
		return nil, err
	}
	if env.PK, err = serialize(pk); err != nil {
		return nil, err
	}
	if env.VK, err = serialize(vk); err != nil {
		return nil, err
	}
	a, err := engine.Marshal(env)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode artifact")
	}
	return a, nil
}

func serialize(w io.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to serialize circuit material")
	}
	return buf.Bytes(), nil
}

func deserialize(r io.ReaderFrom, b []byte) error {
	if _, err := r.ReadFrom(bytes.NewReader(b)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeExecution, "failed to load circuit material")
	}
	return nil
}

// Load deserializes the constraint system and keys.
func (b *Backend) Load(_ context.Context, _ domain.ProgramIdentity, a engine.Artifact) (engine.Program, error) {
	var env envelope
	if err := engine.Unmarshal(a, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeExecution, "artifact is not a payment envelope")
	}
	if env.Format != Format || env.Circuit != CircuitName {
		return nil, dErrors.Newf(dErrors.CodeExecution, "unsupported payment artifact %s/%s", env.Format, env.Circuit)
	}
	p := &program{
		ccs: groth16.NewCS(ecc.BN254),
		pk:  groth16.NewProvingKey(ecc.BN254),
		vk:  groth16.NewVerifyingKey(ecc.BN254),
	}
	if err := deserialize(p.ccs, env.CCS); err != nil {
		return nil, err
	}
	if err := deserialize(p.pk, env.PK); err != nil {
		return nil, err
	}
	if err := deserialize(p.vk, env.VK); err != nil {
		return nil, err
	}
	return p, nil
}

type program struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// Nullifier derives the token committed to by a note secret. Secrets are
// reduced into the BN254 scalar field.
func Nullifier(secret []byte) domain.Nullifier {
	var e fr.Element
	e.SetBytes(secret)
	b := e.Bytes()
	h := nativemimc.NewMiMC()
	h.Write(b[:])
	var n domain.Nullifier
	copy(n[:], h.Sum(nil))
	return n
}

func noteElement(secret []byte) *big.Int {
	var e fr.Element
	e.SetBytes(secret)
	return e.BigInt(new(big.Int))
}

// Execute proves the payment. Private inputs are {"note_secret", "amount"} and
// public params are {"min_amount"}. The supplied token is ignored: the output
// token is always the note's nullifier.
func (p *program) Execute(ctx context.Context, in engine.Inputs) ([]byte, engine.PublicOutputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.PublicOutputs{}, dErrors.Wrap(err, dErrors.CodeTimeout, "execution cancelled")
	}
	priv := guestlib.NewReader(in.Private)
	pub := guestlib.NewReader(in.Public)
	secret := priv.Bytes("note_secret")
	amount := priv.U64("amount")
	minAmount := pub.U64("min_amount")
	if reason := guestlib.FirstErr(priv, pub); reason != "" {
		return nil, engine.PublicOutputs{}, dErrors.New(dErrors.CodeInputSchemaMismatch, reason)
	}
	if len(secret) == 0 {
		return nil, engine.PublicOutputs{}, dErrors.New(dErrors.CodeInputSchemaMismatch, "note_secret must not be empty")
	}

	nullifier := Nullifier(secret)
	assignment := Circuit{
		NoteSecret: noteElement(secret),
		Amount:     new(big.Int).SetUint64(amount),
		Nullifier:  new(big.Int).SetBytes(nullifier[:]),
		MinAmount:  new(big.Int).SetUint64(minAmount),
	}
	w, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, engine.PublicOutputs{}, dErrors.Wrap(err, dErrors.CodeExecution, "failed to build witness")
	}
	proof, err := groth16.Prove(p.ccs, p.pk, w)
	if err != nil {
		return nil, engine.PublicOutputs{}, dErrors.New(dErrors.CodeExecution, "payment witness does not satisfy the circuit")
	}
	proofBytes, err := serialize(proof)
	if err != nil {
		return nil, engine.PublicOutputs{}, err
	}
	payload, err := engine.Marshal(receipt{Proof: proofBytes, Nullifier: nullifier[:], MinAmount: minAmount})
	if err != nil {
		return nil, engine.PublicOutputs{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode receipt")
	}
	return payload, outputs(nullifier, minAmount), nil
}

// Verify checks the Groth16 proof against the public nullifier and minimum.
func (p *program) Verify(_ context.Context, payload []byte) (engine.PublicOutputs, error) {
	var r receipt
	if err := engine.Unmarshal(payload, &r); err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "payment receipt is malformed")
	}
	nullifier, err := domain.NullifierFromBytes(r.Nullifier)
	if err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "payment receipt nullifier is malformed")
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(r.Proof)); err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "payment proof is malformed")
	}
	public := Circuit{
		Nullifier: new(big.Int).SetBytes(nullifier[:]),
		MinAmount: new(big.Int).SetUint64(r.MinAmount),
	}
	w, err := frontend.NewWitness(&public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "payment public inputs are invalid")
	}
	if err := groth16.Verify(proof, p.vk, w); err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "payment proof does not verify")
	}
	return outputs(nullifier, r.MinAmount), nil
}

func outputs(nullifier domain.Nullifier, minAmount uint64) engine.PublicOutputs {
	return engine.PublicOutputs{
		Token:            nullifier,
		ComplianceResult: true,
		Metadata:         []byte(fmt.Sprintf(`{"min_amount":%d}`, minAmount)),
	}
}
