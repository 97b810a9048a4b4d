package build

import (
	"context"

	"zkgate/internal/engine/payment"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

// DeployPayment builds the payment circuit and binds it to tenant. Groth16
// setup is randomized, so each call yields a new identity.
func (p *Pipeline) DeployPayment(ctx context.Context, tenant domain.TenantID, supersede bool) (*Result, error) {
	if tenant.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	req := Request{TenantID: tenant, Supersede: supersede}
	meta := models.Metadata{
		UseCase:     "payment",
		Description: "note ownership and minimum amount",
		Version:     "1.0",
	}
	res, err := p.install(ctx, req, payment.Format, []byte(payment.CircuitName), meta)
	if err != nil {
		p.fail(ctx, req, err)
		return nil, err
	}
	return res, nil
}
