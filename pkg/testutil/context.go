package testutil

import (
	"context"
	"net/http"
	"time"

	"zkgate/pkg/domain"
	authmw "zkgate/pkg/platform/middleware/auth"
	"zkgate/pkg/requestcontext"
)

// WithTenant adds a validated tenant to the request context.
// Invalid slugs are silently ignored.
func WithTenant(req *http.Request, tenant string) *http.Request {
	if parsed, err := domain.ParseTenantID(tenant); err == nil {
		return req.WithContext(requestcontext.WithTenantID(req.Context(), parsed))
	}
	return req
}

// WithRequestTime pins the request-scoped clock, as the request time middleware would.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// WithGrant simulates a request that already passed grant validation.
func WithGrant(req *http.Request, claims *authmw.GrantClaims) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), authmw.ContextKeyGrant, claims))
}
