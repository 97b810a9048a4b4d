package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkgate/internal/engine"
	"zkgate/internal/grant"
	"zkgate/internal/nullifier"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/audit/publishers/security"
	authmw "zkgate/pkg/platform/middleware/auth"
	"zkgate/pkg/testutil"
)

type staticRegistry struct {
	tenant domain.TenantID
	id     domain.ProgramIdentity
}

func (r staticRegistry) ResolveByTenant(_ context.Context, t domain.TenantID) (*models.Deployment, error) {
	return &models.Deployment{TenantID: t, ProgramIdentity: r.id}, nil
}

func (r staticRegistry) FindByIdentity(_ context.Context, id domain.ProgramIdentity) (*models.Deployment, error) {
	return &models.Deployment{TenantID: r.tenant, ProgramIdentity: id}, nil
}

func (r staticRegistry) Retention() models.RetentionPolicy { return models.RetainPrevious }

// echoVerifier trusts any proof and reports the token in its payload.
type echoVerifier struct{}

func (echoVerifier) Verify(_ context.Context, proof engine.Proof, _ domain.ProgramIdentity) (engine.PublicOutputs, error) {
	token, err := domain.NullifierFromBytes(proof.Payload)
	if err != nil {
		return engine.PublicOutputs{}, err
	}
	return engine.PublicOutputs{Token: token, ComplianceResult: true}, nil
}

func echoReceipt(t *testing.T, id domain.ProgramIdentity, token domain.Nullifier) string {
	t.Helper()
	encoded, err := engine.EncodeProof(engine.Proof{Format: "guest/v1", ProgramIdentity: id, Payload: token[:]})
	require.NoError(t, err)
	return encoded
}

func TestHandlerForwardsAuthorizedRequests(t *testing.T) {
	id := programID("v1")
	grants := grant.NewService("handler-test-key", "zkgate", "upstream", time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	denials := security.NewRingBuffer(16)
	g, err := New(staticRegistry{tenant: "acme", id: id}, echoVerifier{}, nullifier.NewInMemory(),
		WithGrantIssuer(grants),
		WithAuditPublisher(auditStore{denials}),
		WithLogger(logger),
	)
	require.NoError(t, err)
	h := g.Handler(NewProxy(target, logger, nil))

	token := domain.Nullifier{0xaa, 0xbb}
	newRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
		req.Header.Set(HeaderReceipt, echoReceipt(t, id, token))
		req.Header.Set(HeaderNullifier, token.String())
		req.Header.Set(HeaderTenant, "acme")
		req.Header.Set(authmw.HeaderGrant, "forged")
		return req
	}

	testutil.When(t, "the proof checks out", func(t *testing.T) {
		rr := testutil.DoRequest(h, newRequest())
		require.Equal(t, http.StatusTeapot, rr.Code, rr.Body.String())

		assert.Empty(t, seen.Get(HeaderReceipt))
		assert.Empty(t, seen.Get(HeaderNullifier))
		assert.Empty(t, seen.Get(HeaderTenant))
		assert.Equal(t, token.String(), seen.Get(HeaderPaymentNullifier))

		claims, err := grants.Validate(seen.Get(authmw.HeaderGrant))
		require.NoError(t, err, "client supplied grant is replaced")
		assert.Equal(t, "acme", claims.TenantID)
	})

	testutil.Then(t, "the same token is rejected", func(t *testing.T) {
		rr := testutil.DoRequest(h, newRequest())
		testutil.AssertStatusAndError(t, rr, http.StatusConflict, "replay_detected")

		recent := denials.Recent(1)
		require.Len(t, recent, 1)
		assert.Equal(t, string(audit.EventGatewayDenied), recent[0].Action)
	})

	testutil.Then(t, "missing headers are unauthenticated", func(t *testing.T) {
		rr := testutil.DoRequest(h, httptest.NewRequest(http.MethodGet, "/orders/42", nil))
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthenticated")
	})
}

func TestProxyReportsUpstreamFailure(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	rr := testutil.DoRequest(NewProxy(target, logger, nil), httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.AssertStatusAndError(t, rr, http.StatusBadGateway, "bad_gateway")
}

func TestDenialsHandler(t *testing.T) {
	buf := security.NewRingBuffer(8)
	ctx := context.Background()
	require.NoError(t, buf.Append(ctx, audit.Event{Action: string(audit.EventGatewayDenied), Reason: "replay_detected"}))
	require.NoError(t, buf.Append(ctx, audit.Event{Action: string(audit.EventAdminAuthFailed)}))
	require.NoError(t, buf.Append(ctx, audit.Event{Action: string(audit.EventGatewayDenied), Reason: "proof_invalid"}))

	r := chi.NewRouter()
	NewDenialsHandler(buf).Register(r)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/api/gateway/denials"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := testutil.UnmarshalResponse[denialsResponse](t, rr)
	require.Len(t, body.Denials, 2)
	assert.Equal(t, "proof_invalid", body.Denials[0].Reason, "newest first")

	rr = testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/api/gateway/denials?limit=99999999999"))
	require.Equal(t, http.StatusOK, rr.Code, "oversized limits are capped")
	assert.Len(t, testutil.UnmarshalResponse[denialsResponse](t, rr).Denials, 2)

	rr = testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/api/gateway/denials?limit=zero"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

// auditStore adapts an audit.Store to the publisher interface for tests.
type auditStore struct {
	store audit.Store
}

func (a auditStore) Emit(ctx context.Context, e audit.Event) error {
	return a.store.Append(ctx, audit.Enrich(ctx, e))
}
