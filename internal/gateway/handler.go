package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/httputil"
	authmw "zkgate/pkg/platform/middleware/auth"
)

// zkHeaderPrefix matches every proof header in canonical form, including a
// client supplied X-Zk-Grant.
const zkHeaderPrefix = "X-Zk-"

// Handler authorizes each request and forwards authorized ones to next with
// the proof headers replaced by the grant.
func (g *Gateway) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Authorize(r.Context(), CredentialsFrom(r.Header))
		if !d.Authorized() {
			httputil.WriteError(w, d.Err())
			return
		}

		out := r.Clone(r.Context())
		stripProofHeaders(out.Header)
		out.Header.Set(HeaderPaymentNullifier, d.Token.String())
		if d.Grant != "" {
			out.Header.Set(authmw.HeaderGrant, d.Grant)
		}
		next.ServeHTTP(w, out)
	})
}

func stripProofHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), zkHeaderPrefix) {
			h.Del(name)
		}
	}
}

// RecentEvents is satisfied by the security ring buffer.
type RecentEvents interface {
	Recent(n int) []audit.Event
}

// DenialsHandler exposes recent gateway denials to operators.
type DenialsHandler struct {
	events RecentEvents
}

func NewDenialsHandler(events RecentEvents) *DenialsHandler {
	return &DenialsHandler{events: events}
}

// Register mounts the routes. Callers wrap r with admin auth.
func (h *DenialsHandler) Register(r chi.Router) {
	r.Get("/api/gateway/denials", h.handleList)
}

// maxDenialsLimit caps ?limit= on the denials listing.
const maxDenialsLimit = 1000

type denialsResponse struct {
	Denials []audit.Event `json:"denials"`
}

func (h *DenialsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
				Error:            "invalid_input",
				ErrorDescription: "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxDenialsLimit)
	}
	recent := h.events.Recent(limit)
	denials := make([]audit.Event, 0, len(recent))
	for _, e := range recent {
		if e.Action == string(audit.EventGatewayDenied) {
			denials = append(denials, e)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, denialsResponse{Denials: denials})
}
