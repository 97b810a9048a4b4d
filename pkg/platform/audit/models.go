package audit

import (
	"context"
	"time"

	"zkgate/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events that change what the gateway will accept.
	// Examples: deployments registered, superseded or deleted; access granted.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and forensics.
	// Examples: denied requests, replayed tokens, failed admin authentication.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational visibility.
	// Examples: builds, proof generation, program warm-up.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category        EventCategory   `json:"category"`
	Timestamp       time.Time       `json:"timestamp"`
	Action          string          `json:"action"`
	TenantID        domain.TenantID `json:"tenant_id,omitempty"`
	ProgramIdentity string          `json:"program_identity,omitempty"`
	// Subject is the entity acted on when it is not the tenant, e.g. a job id
	// or a nullifier.
	Subject  string `json:"subject,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	// ActorID is the admin or client that performed the action.
	ActorID   string `json:"actor_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// Client is a short "browser/os" summary parsed from UserAgent.
	Client string `json:"client,omitempty"`
}

type AuditEvent string

const (
	// Registry events
	EventDeploymentRegistered AuditEvent = "deployment_registered"
	EventDeploymentSuperseded AuditEvent = "deployment_superseded"
	EventDeploymentDeleted    AuditEvent = "deployment_deleted"

	// Build events
	EventBuildQueued    AuditEvent = "build_queued"
	EventBuildCompleted AuditEvent = "build_completed"
	EventBuildFailed    AuditEvent = "build_failed"

	// Prover events
	EventProofGenerated AuditEvent = "proof_generated"
	EventProgramLoaded  AuditEvent = "program_loaded"

	// Gateway events
	EventGatewayAuthorized AuditEvent = "gateway_authorized"
	EventGatewayDenied     AuditEvent = "gateway_denied"

	// Admin events
	EventAdminAuthFailed AuditEvent = "admin_auth_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventDeploymentRegistered: CategoryCompliance,
	EventDeploymentSuperseded: CategoryCompliance,
	EventDeploymentDeleted:    CategoryCompliance,
	EventGatewayAuthorized:    CategoryCompliance,

	EventGatewayDenied:   CategorySecurity,
	EventAdminAuthFailed: CategorySecurity,

	EventBuildQueued:    CategoryOperations,
	EventBuildCompleted: CategoryOperations,
	EventBuildFailed:    CategoryOperations,
	EventProofGenerated: CategoryOperations,
	EventProgramLoaded:  CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Lister is implemented by stores that can be queried.
type Lister interface {
	ListByTenant(ctx context.Context, tenantID domain.TenantID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
