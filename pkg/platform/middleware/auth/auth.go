// Package auth lets upstream services trust the gateway's X-Zk-Grant header.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	id "zkgate/pkg/domain"
	"zkgate/pkg/requestcontext"
)

// HeaderGrant carries the gateway-issued grant to upstream services.
const HeaderGrant = "X-Zk-Grant"

// GrantClaims is the subset of grant claims upstream handlers consume.
type GrantClaims struct {
	TenantID        string
	ProgramIdentity string
	Nullifier       string
}

// GrantValidator validates a grant token.
type GrantValidator interface {
	ValidateGrant(token string) (*GrantClaims, error)
}

type grantKey struct{}

// ContextKeyGrant is exported for tests that build contexts by hand.
var ContextKeyGrant = grantKey{}

// GetGrant returns the validated grant, or nil.
func GetGrant(ctx context.Context) *GrantClaims {
	g, _ := ctx.Value(ContextKeyGrant).(*GrantClaims)
	return g
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireGrant rejects requests without a valid gateway grant and exposes the
// claims plus the tenant through the request context.
func RequireGrant(validator GrantValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(HeaderGrant)
			if token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing grant",
					"request_id", requestcontext.RequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing gateway grant")
				return
			}

			claims, err := validator.ValidateGrant(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid grant",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired grant")
				return
			}

			ctx = context.WithValue(ctx, ContextKeyGrant, claims)
			if tenant, err := id.ParseTenantID(claims.TenantID); err == nil {
				ctx = requestcontext.WithTenantID(ctx, tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
