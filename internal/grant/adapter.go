package grant

import (
	authmw "zkgate/pkg/platform/middleware/auth"
)

// Validator adapts Service to the RequireGrant middleware.
type Validator struct {
	service *Service
}

func NewValidator(service *Service) *Validator {
	return &Validator{service: service}
}

func (v *Validator) ValidateGrant(token string) (*authmw.GrantClaims, error) {
	claims, err := v.service.Validate(token)
	if err != nil {
		return nil, err
	}
	return &authmw.GrantClaims{
		TenantID:        claims.TenantID,
		ProgramIdentity: claims.ProgramIdentity,
		Nullifier:       claims.Nullifier,
	}, nil
}
