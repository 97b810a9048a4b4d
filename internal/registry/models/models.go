package models

import (
	"time"

	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

// RetentionPolicy decides what happens to a superseded program.
type RetentionPolicy string

const (
	// RetainPrevious keeps the old artifact so in-flight proofs still verify.
	RetainPrevious RetentionPolicy = "retain_previous"
	// DeleteImmediately removes the old artifact and evicts it from the engine.
	DeleteImmediately RetentionPolicy = "delete_immediately"
)

func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch RetentionPolicy(s) {
	case "", RetainPrevious:
		return RetainPrevious, nil
	case DeleteImmediately:
		return DeleteImmediately, nil
	default:
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown retention policy %q", s)
	}
}

// Metadata describes what a deployment was built from.
type Metadata struct {
	UseCase     string `json:"use_case,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	JobID       string `json:"job_id,omitempty"`
}

// Deployment binds a tenant to the program the gateway accepts for it.
//
// Invariants:
//   - TenantID and ProgramIdentity are non-zero
//   - ArtifactLocation is non-empty
//   - at most one deployment per tenant has SupersededAt == nil
//   - a superseded deployment is never current again
type Deployment struct {
	TenantID         domain.TenantID        `json:"tenant_id"`
	ProgramIdentity  domain.ProgramIdentity `json:"program_identity"`
	ArtifactLocation string                 `json:"artifact_location"`
	CreatedAt        time.Time              `json:"created_at"`
	SupersededAt     *time.Time             `json:"superseded_at,omitempty"`
	Metadata         Metadata               `json:"metadata"`
}

func NewDeployment(tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta Metadata, now time.Time) (*Deployment, error) {
	if tenant.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant id cannot be empty")
	}
	if identity.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "program identity cannot be zero")
	}
	if location == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "artifact location cannot be empty")
	}
	return &Deployment{
		TenantID:         tenant,
		ProgramIdentity:  identity,
		ArtifactLocation: location,
		CreatedAt:        now.UTC(),
		Metadata:         meta,
	}, nil
}

// IsCurrent reports whether the deployment has not been superseded.
func (d *Deployment) IsCurrent() bool {
	return d.SupersededAt == nil
}

// SameProgram reports whether d already describes identity at location.
func (d *Deployment) SameProgram(identity domain.ProgramIdentity, location string) bool {
	return d.ProgramIdentity == identity && d.ArtifactLocation == location
}

// Supersede marks the deployment as replaced at now.
func (d *Deployment) Supersede(now time.Time) {
	t := now.UTC()
	d.SupersededAt = &t
}

// Clone returns a copy that shares no pointers with d.
func (d *Deployment) Clone() *Deployment {
	c := *d
	if d.SupersededAt != nil {
		t := *d.SupersededAt
		c.SupersededAt = &t
	}
	return &c
}
