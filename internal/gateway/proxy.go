package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"zkgate/internal/gateway/metrics"
	"zkgate/pkg/requestcontext"
)

// NewProxy forwards authorized requests to upstream. Upstream failures are
// reported as 502 with the standard error body.
func NewProxy(upstream *url.URL, logger *slog.Logger, m *metrics.Metrics) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			m.IncUpstreamError()
			logger.ErrorContext(r.Context(), "upstream request failed",
				"request_id", requestcontext.RequestID(r.Context()),
				"upstream", upstream.Host,
				"error", err,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "bad_gateway",
				"error_description": "upstream service unavailable",
			})
		},
	}
}
