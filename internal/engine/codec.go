package engine

import (
	"encoding/hex"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Marshal encodes v as deterministic CBOR. Backends use it for envelopes and
// receipts so that equal values always produce equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR into v.
func Unmarshal(b []byte, v any) error {
	return cbor.Unmarshal(b, v)
}

type proofWire struct {
	Format          string `cbor:"format"`
	ProgramIdentity []byte `cbor:"program_identity"`
	Payload         []byte `cbor:"payload"`
}

// EncodeProof renders a proof for transport in a header or JSON field.
func EncodeProof(p Proof) (string, error) {
	b, err := Marshal(proofWire{Format: p.Format, ProgramIdentity: p.ProgramIdentity[:], Payload: p.Payload})
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode proof")
	}
	return hex.EncodeToString(b), nil
}

// DecodeProof parses the transport form produced by EncodeProof.
func DecodeProof(s string) (Proof, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return Proof{}, dErrors.New(dErrors.CodeInvalidInput, "proof is empty")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Proof{}, dErrors.New(dErrors.CodeInvalidInput, "proof must be hex encoded")
	}
	var w proofWire
	if err := Unmarshal(b, &w); err != nil {
		return Proof{}, dErrors.New(dErrors.CodeInvalidInput, "proof is not a valid receipt")
	}
	if w.Format == "" || len(w.Payload) == 0 {
		return Proof{}, dErrors.New(dErrors.CodeInvalidInput, "proof is missing format or payload")
	}
	if len(w.ProgramIdentity) != len(domain.ProgramIdentity{}) {
		return Proof{}, dErrors.New(dErrors.CodeInvalidInput, "proof program identity must be 32 bytes")
	}
	p := Proof{Format: w.Format, Payload: w.Payload}
	copy(p.ProgramIdentity[:], w.ProgramIdentity)
	return p, nil
}
