// Package admin guards operator-only routes (registry writes, deploys, denials).
package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "zkgate/pkg/domain-errors"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/httputil"
	"zkgate/pkg/requestcontext"
)

// HeaderAdminToken carries the shared operator secret.
const HeaderAdminToken = "X-Admin-Token"

// AuditPublisher receives rejected admin attempts.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type guard struct {
	token  []byte
	logger *slog.Logger
	events AuditPublisher
}

// Option configures the guard.
type Option func(*guard)

// WithAuditPublisher emits admin_auth_failed for every rejected request.
func WithAuditPublisher(p AuditPublisher) Option {
	return func(g *guard) { g.events = p }
}

// RequireAdminToken rejects requests whose X-Admin-Token does not match
// expectedToken. An empty expectedToken rejects everything.
func RequireAdminToken(expectedToken string, logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	g := &guard{token: []byte(expectedToken), logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.allowed(r.Header.Get(HeaderAdminToken)) {
				g.reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *guard) allowed(sent string) bool {
	return len(g.token) > 0 && subtle.ConstantTimeCompare([]byte(sent), g.token) == 1
}

func (g *guard) reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if g.logger != nil {
		g.logger.WarnContext(ctx, "admin token mismatch",
			"request_id", requestcontext.RequestID(ctx),
			"client_ip", requestcontext.ClientIP(ctx),
			"path", r.URL.Path,
		)
	}
	if g.events != nil {
		_ = g.events.Emit(ctx, audit.Enrich(ctx, audit.Event{
			Action:   string(audit.EventAdminAuthFailed),
			Subject:  r.Method + " " + r.URL.Path,
			Decision: "denied",
			Reason:   "admin token required",
		}))
	}
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
}
