package admin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "zkgate/pkg/platform/audit"
)

type recorder struct {
	events []audit.Event
}

func (r *recorder) Emit(_ context.Context, e audit.Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestRequireAdminToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name     string
		expected string
		sent     string
		status   int
	}{
		{"matching token passes", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong token rejected", "s3cret", "guess", http.StatusUnauthorized},
		{"missing token rejected", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured token rejects all", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := &recorder{}
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/deployments", nil)
			if tc.sent != "" {
				req.Header.Set(HeaderAdminToken, tc.sent)
			}
			RequireAdminToken(tc.expected, logger, WithAuditPublisher(events))(ok).ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)
			if tc.status == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized","error_description":"admin token required"}`, rr.Body.String())
				require.Len(t, events.events, 1)
				assert.Equal(t, string(audit.EventAdminAuthFailed), events.events[0].Action)
				assert.Equal(t, "POST /api/deployments", events.events[0].Subject)
			} else {
				assert.Empty(t, events.events)
			}
		})
	}
}

func TestRequireAdminToken_NilLogger(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireAdminToken("s3cret", nil)(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
