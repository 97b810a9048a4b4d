package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	compilerhandler "zkgate/internal/compiler/handler"
	"zkgate/internal/gateway"
	"zkgate/internal/platform/config"
	proverhandler "zkgate/internal/prover/handler"
	registryhandler "zkgate/internal/registry/handler"
	"zkgate/pkg/platform/httputil"
	"zkgate/pkg/platform/middleware/admin"
	"zkgate/pkg/platform/middleware/metadata"
	"zkgate/pkg/platform/middleware/request"
	"zkgate/pkg/platform/middleware/requesttime"
)

type apiDeps struct {
	prover   proverhandler.Service
	compiler compilerhandler.Service
	registry registryhandler.Service
	denials  gateway.RecentEvents
	events   admin.AuditPublisher
}

func baseRouter(log *slog.Logger, obs request.Observer) chi.Router {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Recoverer(log))
	r.Use(request.Logger(log, obs))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// apiRouter serves the compiler, prover and registry APIs. Registry and
// deploy routes require X-Admin-Token.
func apiRouter(cfg config.Config, log *slog.Logger, reg *prometheus.Registry, obs request.Observer, deps apiDeps) http.Handler {
	r := baseRouter(log, obs)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	requireAdmin := admin.RequireAdminToken(cfg.Server.AdminAPIToken, log, admin.WithAuditPublisher(deps.events))
	proverhandler.New(deps.prover, log).Register(r)
	compilerhandler.New(deps.compiler, log).Register(r, requireAdmin)
	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)
		registryhandler.New(deps.registry, log).Register(r)
		gateway.NewDenialsHandler(deps.denials).Register(r)
	})
	return r
}

// gatewayRouter puts the proof check in front of every path.
func gatewayRouter(log *slog.Logger, obs request.Observer, protected http.Handler) http.Handler {
	r := baseRouter(log, obs)
	r.Handle("/*", protected)
	return r
}
