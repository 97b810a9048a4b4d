package guest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"zkgate/internal/engine"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

const attestInfo = "zkgate/attest/v1"

// Attestor signs execution receipts. Every host sharing the secret derives the
// same key, so a receipt produced by one prover verifies on any gateway.
type Attestor struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewAttestor derives the signing key from secret with HKDF-SHA256.
func NewAttestor(secret []byte) (*Attestor, error) {
	if len(secret) < 16 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "attestation secret must be at least 16 bytes")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(attestInfo)), seed); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive attestation key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Attestor{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the verification key.
func (a *Attestor) PublicKey() ed25519.PublicKey { return a.pub }

type receiptBody struct {
	ProgramIdentity  []byte `cbor:"program_identity"`
	Token            []byte `cbor:"token"`
	ComplianceResult bool   `cbor:"compliance_result"`
	Metadata         []byte `cbor:"metadata"`
}

type receipt struct {
	Body      []byte `cbor:"body"`
	Signature []byte `cbor:"sig"`
}

// Sign produces a receipt payload binding outputs to the program identity.
func (a *Attestor) Sign(id domain.ProgramIdentity, out engine.PublicOutputs) ([]byte, error) {
	body, err := engine.Marshal(receiptBody{
		ProgramIdentity:  id[:],
		Token:            out.Token[:],
		ComplianceResult: out.ComplianceResult,
		Metadata:         out.Metadata,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode receipt")
	}
	payload, err := engine.Marshal(receipt{Body: body, Signature: ed25519.Sign(a.priv, body)})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode receipt")
	}
	return payload, nil
}

// Open checks a receipt payload and returns the outputs it attests to.
func (a *Attestor) Open(id domain.ProgramIdentity, payload []byte) (engine.PublicOutputs, error) {
	var r receipt
	if err := engine.Unmarshal(payload, &r); err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "receipt is malformed")
	}
	if !ed25519.Verify(a.pub, r.Body, r.Signature) {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "receipt signature is invalid")
	}
	var body receiptBody
	if err := engine.Unmarshal(r.Body, &body); err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "receipt body is malformed")
	}
	if len(body.ProgramIdentity) != len(id) || domain.ProgramIdentity(body.ProgramIdentity) != id {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "receipt was issued for a different program")
	}
	token, err := domain.NullifierFromBytes(body.Token)
	if err != nil {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid, "receipt token is malformed")
	}
	return engine.PublicOutputs{Token: token, ComplianceResult: body.ComplianceResult, Metadata: body.Metadata}, nil
}
