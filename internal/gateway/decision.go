package gateway

import (
	"go.opentelemetry.io/otel/trace"

	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

// State is a step of the authorization state machine.
type State string

const (
	StateReceived       State = "received"
	StateTokenChecked   State = "token_checked"
	StateProofsVerified State = "proofs_verified"
	StateCrossChecked   State = "cross_checked"
	StateAuthorized     State = "authorized"
	StateDenied         State = "denied"
)

// Decision is the outcome of one Authorize pass. Trail lists every state the
// request went through, in order.
type Decision struct {
	State   State
	Trail   []State
	Reason  dErrors.Code
	Message string

	TenantID        domain.TenantID
	ProgramIdentity domain.ProgramIdentity
	Token           domain.Nullifier
	PaymentVerified bool
	Grant           string
}

func (d *Decision) Authorized() bool {
	return d.State == StateAuthorized
}

// Err returns the denial as a coded error, or nil when authorized.
func (d *Decision) Err() error {
	if d.Authorized() {
		return nil
	}
	return dErrors.New(d.Reason, d.Message)
}

func (d *Decision) advance(span trace.Span, next State) {
	d.State = next
	d.Trail = append(d.Trail, next)
	span.AddEvent(string(next))
}

func (d *Decision) deny(span trace.Span, err error) {
	d.Reason = dErrors.CodeOf(err)
	d.Message = err.Error()
	if de, ok := dErrors.As(err); ok {
		d.Message = de.Message
	}
	d.advance(span, StateDenied)
}
