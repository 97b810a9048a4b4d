// Package domain holds the typed identifiers shared across zkgate modules.
//
// Every identifier that crosses a trust boundary (HTTP header, JSON body, store row)
// is parsed through a Parse* function so downstream code only ever sees valid values.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"

	dErrors "zkgate/pkg/domain-errors"
)

// TenantID names a customer. It is a lowercase slug.
type TenantID string

var tenantPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ParseTenantID validates and normalises a tenant slug.
func ParseTenantID(s string) (TenantID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	if !tenantPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant_id must match [a-z0-9][a-z0-9_-]{0,62}")
	}
	return TenantID(s), nil
}

func (t TenantID) String() string { return string(t) }

// IsNil reports whether the tenant is unset.
func (t TenantID) IsNil() bool { return t == "" }

// ProgramIdentity is the SHA-256 digest of a built artifact. Two artifacts share
// an identity only if their bytes are equal.
type ProgramIdentity [32]byte

// IdentityOf hashes artifact bytes into their identity.
func IdentityOf(artifact []byte) ProgramIdentity {
	return ProgramIdentity(sha256.Sum256(artifact))
}

// ParseProgramIdentity parses 64 hex characters. The all-zero identity is rejected.
func ParseProgramIdentity(s string) (ProgramIdentity, error) {
	b, err := parseHex32(s, "program_identity")
	if err != nil {
		return ProgramIdentity{}, err
	}
	pid := ProgramIdentity(b)
	if pid.IsNil() {
		return ProgramIdentity{}, dErrors.New(dErrors.CodeInvalidInput, "program_identity must not be zero")
	}
	return pid, nil
}

func (p ProgramIdentity) String() string { return hex.EncodeToString(p[:]) }

// Short returns the first 12 hex characters, for logs.
func (p ProgramIdentity) Short() string { return p.String()[:12] }

func (p ProgramIdentity) IsNil() bool { return p == ProgramIdentity{} }

// MarshalText implements encoding.TextMarshaler.
func (p ProgramIdentity) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProgramIdentity) UnmarshalText(b []byte) error {
	parsed, err := ParseProgramIdentity(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Nullifier is the 32-byte single-use token bound to one access attempt.
type Nullifier [32]byte

// ParseNullifier parses 64 hex characters with an optional 0x prefix.
func ParseNullifier(s string) (Nullifier, error) {
	b, err := parseHex32(s, "nullifier")
	if err != nil {
		return Nullifier{}, err
	}
	return Nullifier(b), nil
}

// NullifierFromBytes copies exactly 32 bytes into a Nullifier.
func NullifierFromBytes(b []byte) (Nullifier, error) {
	if len(b) != 32 {
		return Nullifier{}, dErrors.Newf(dErrors.CodeInvalidInput, "nullifier must be 32 bytes, got %d", len(b))
	}
	var n Nullifier
	copy(n[:], b)
	return n, nil
}

func (n Nullifier) String() string { return hex.EncodeToString(n[:]) }

func (n Nullifier) IsNil() bool { return n == Nullifier{} }

func (n Nullifier) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Nullifier) UnmarshalText(b []byte) error {
	parsed, err := ParseNullifier(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// JobID identifies an asynchronous build job.
type JobID uuid.UUID

// NewJobID returns a random job id.
func NewJobID() JobID { return JobID(uuid.New()) }

// ParseJobID parses a non-nil UUID.
func ParseJobID(s string) (JobID, error) {
	if s == "" {
		return JobID{}, dErrors.New(dErrors.CodeInvalidInput, "job_id is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, dErrors.New(dErrors.CodeInvalidInput, "job_id must be a UUID")
	}
	if u == uuid.Nil {
		return JobID{}, dErrors.New(dErrors.CodeInvalidInput, "job_id must not be nil")
	}
	return JobID(u), nil
}

func (j JobID) String() string { return uuid.UUID(j).String() }

func (j JobID) IsNil() bool { return uuid.UUID(j) == uuid.Nil }

func parseHex32(s, field string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return out, dErrors.Newf(dErrors.CodeInvalidInput, "%s must be 64 hex characters", field)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, dErrors.Newf(dErrors.CodeInvalidInput, "%s must be hex", field)
	}
	copy(out[:], b)
	return out, nil
}
