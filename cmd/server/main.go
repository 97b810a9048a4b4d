package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"zkgate/internal/build"
	buildmetrics "zkgate/internal/build/metrics"
	"zkgate/internal/compiler/sdk"
	compilerservice "zkgate/internal/compiler/service"
	"zkgate/internal/engine"
	enginemetrics "zkgate/internal/engine/metrics"
	"zkgate/internal/engine/guest"
	"zkgate/internal/engine/payment"
	"zkgate/internal/gateway"
	gatewaymetrics "zkgate/internal/gateway/metrics"
	"zkgate/internal/grant"
	"zkgate/internal/nullifier"
	"zkgate/internal/platform/config"
	"zkgate/internal/platform/httpserver"
	"zkgate/internal/platform/logger"
	httpmetrics "zkgate/internal/platform/metrics"
	"zkgate/internal/prover"
	provermetrics "zkgate/internal/prover/metrics"
	regmetrics "zkgate/internal/registry/metrics"
	"zkgate/internal/registry/models"
	regservice "zkgate/internal/registry/service"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/audit/publisher"
	"zkgate/pkg/platform/audit/publishers/compliance"
	"zkgate/pkg/platform/audit/publishers/security"
)

const (
	denialBufferSize    = 1024
	auditBufferSize     = 4096
	nullifierSweepEvery = time.Hour
)

// main loads configuration, wires every service and runs the API and gateway
// listeners until SIGINT or SIGTERM.
func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	log, closer := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := 0
	if err := run(ctx, cfg, log); err != nil {
		log.Error("zkgate stopped", "error", err)
		code = 1
	}
	stop()
	_ = closer.Close()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	inf, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer inf.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Audit: one durable sink, mirrored into the in-memory denial buffer.
	denials := security.NewRingBuffer(denialBufferSize)
	durable, err := newAuditStore(ctx, cfg, inf, log)
	if err != nil {
		return err
	}
	sink := teeStore{primary: durable, mirror: denials}
	events := publisher.NewPublisher(sink, publisher.WithAsyncBuffer(auditBufferSize), publisher.WithLogger(log))
	defer events.Close()
	registryAudit := compliance.New(sink, compliance.WithLogger(log), compliance.WithMetrics(compliance.NewMetrics(reg)))

	artifacts, err := newArtifactStore(ctx, cfg.Artifact, cfg.Artifact.S3Prefix, cfg.Artifact.Dir)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	bundles, err := newArtifactStore(ctx, cfg.Artifact, cfg.Artifact.S3Prefix+"/sdk", cfg.Build.SDKDir)
	if err != nil {
		return fmt.Errorf("sdk store: %w", err)
	}

	attestor, err := guest.NewAttestor([]byte(cfg.Engine.AttestationSecret))
	if err != nil {
		return fmt.Errorf("attestor: %w", err)
	}
	eng := engine.New(
		engine.WithBackend(guest.New(attestor)),
		engine.WithBackend(payment.New()),
		engine.WithArtifactSource(artifacts),
		engine.WithArenaSize(cfg.Engine.ArenaSize),
		engine.WithLogger(log),
		engine.WithMetrics(enginemetrics.New(reg)),
	)

	registry, err := newRegistry(ctx, cfg, inf, log, reg, registryAudit, artifacts, eng)
	if err != nil {
		return err
	}

	prov, err := prover.New(registry, artifacts, eng,
		prover.WithLogger(log),
		prover.WithMetrics(provermetrics.New(reg)),
		prover.WithAuditPublisher(events),
		prover.WithCacheSize(cfg.Prover.CacheSize),
		prover.WithMaxConcurrency(cfg.Prover.MaxConcurrency),
		prover.WithTimeout(cfg.Prover.Timeout),
	)
	if err != nil {
		return fmt.Errorf("prover: %w", err)
	}

	bm := buildmetrics.New(reg)
	pipeline := build.NewPipeline(eng, artifacts, registry, build.WithLogger(log), build.WithMetrics(bm))
	jobStore, err := newJobStore(cfg, inf)
	if err != nil {
		return err
	}
	jobs := build.NewJobs(pipeline, jobStore,
		build.WithWorkers(cfg.Build.Workers),
		build.WithQueueSize(cfg.Build.QueueSize),
		build.WithNotifier(build.NewWebhookNotifier(cfg.Build.WebhookTimeout)),
		build.WithPublicURL(cfg.Server.PublicBaseURL),
		build.WithJobsLogger(log),
		build.WithJobsMetrics(bm),
		build.WithJobsAuditPublisher(events),
	)
	// Workers outlive the signal so Close can drain queued builds.
	jobs.Start(context.WithoutCancel(ctx))
	defer jobs.Close()

	compiler := compilerservice.New(pipeline,
		compilerservice.WithJobs(jobs),
		compilerservice.WithSDKGenerator(sdk.NewGenerator(bundles, cfg.Server.PublicBaseURL, sdk.WithLogger(log))),
		compilerservice.WithPublicURL(cfg.Server.PublicBaseURL),
		compilerservice.WithLogger(log),
	)

	tokens, err := newNullifierStore(ctx, cfg, inf)
	if err != nil {
		return err
	}
	gwMetrics := gatewaymetrics.New(reg)
	gw, err := newGateway(ctx, cfg, log, gwMetrics, registry, pipeline, eng, tokens, events)
	if err != nil {
		return err
	}
	upstream, err := url.Parse(cfg.Gateway.UpstreamURL)
	if err != nil {
		return fmt.Errorf("GATEWAY_UPSTREAM_URL: %w", err)
	}

	api := apiRouter(cfg, log, reg, httpmetrics.NewHTTP(reg, "api"), apiDeps{
		prover:   prov,
		compiler: compiler,
		registry: registry,
		denials:  denials,
		events:   events,
	})
	proxy := gw.Handler(gateway.NewProxy(upstream, log, gwMetrics))
	edge := gatewayRouter(log, httpmetrics.NewHTTP(reg, "gateway"), proxy)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, httpserver.New(cfg.Server.Addr, api), cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		return httpserver.Serve(gctx, httpserver.New(cfg.Server.GatewayAddr, edge), cfg.Server.ShutdownTimeout, log)
	})
	if exp, ok := tokens.(nullifier.Expirer); ok {
		g.Go(func() error {
			err := nullifier.StartCleanup(gctx, exp, nullifierSweepEvery, log)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	log.Info("zkgate started",
		"addr", cfg.Server.Addr,
		"gateway_addr", cfg.Server.GatewayAddr,
		"gateway_mode", cfg.Gateway.Mode,
		"upstream", upstream.Redacted(),
	)
	return g.Wait()
}

func newRegistry(
	ctx context.Context,
	cfg config.Config,
	inf *infra,
	log *slog.Logger,
	reg prometheus.Registerer,
	auditor regservice.AuditPublisher,
	artifacts regservice.ArtifactDeleter,
	evictor regservice.ProgramEvictor,
) (*regservice.Service, error) {
	retention, err := models.ParseRetentionPolicy(cfg.Registry.Retention)
	if err != nil {
		return nil, err
	}
	store, tx, err := newDeploymentStore(ctx, cfg, inf)
	if err != nil {
		return nil, err
	}
	opts := []regservice.Option{
		regservice.WithLogger(log),
		regservice.WithAuditPublisher(auditor),
		regservice.WithMetrics(regmetrics.New(reg)),
		regservice.WithRetention(retention),
		regservice.WithArtifactCleanup(artifacts, evictor),
	}
	if tx != nil {
		opts = append(opts, regservice.WithTxRunner(tx))
	}
	return regservice.New(store, opts...), nil
}

func newGateway(
	ctx context.Context,
	cfg config.Config,
	log *slog.Logger,
	m *gatewaymetrics.Metrics,
	registry *regservice.Service,
	pipeline *build.Pipeline,
	verifier gateway.Verifier,
	tokens gateway.TokenStore,
	events gateway.AuditPublisher,
) (*gateway.Gateway, error) {
	mode, err := gateway.ParseMode(cfg.Gateway.Mode)
	if err != nil {
		return nil, err
	}
	opts := []gateway.Option{
		gateway.WithMode(mode),
		gateway.WithTokenTTL(cfg.Gateway.NullifierTTL),
		gateway.WithTimeout(cfg.Gateway.RequestTimeout),
		gateway.WithGrantIssuer(grant.NewService(
			cfg.Gateway.GrantSigningKey,
			cfg.Gateway.GrantIssuer,
			cfg.Gateway.GrantAudience,
			cfg.Gateway.GrantTTL,
		)),
		gateway.WithAuditPublisher(events),
		gateway.WithMetrics(m),
		gateway.WithLogger(log),
	}
	if mode == gateway.ModeTwoProof {
		tenant, err := domain.ParseTenantID(cfg.Gateway.PaymentTenant)
		if err != nil {
			return nil, fmt.Errorf("GATEWAY_PAYMENT_TENANT: %w", err)
		}
		if err := ensurePaymentCircuit(ctx, registry, pipeline, tenant, log); err != nil {
			return nil, err
		}
		opts = append(opts, gateway.WithPaymentTenant(tenant))
	}
	return gateway.New(registry, verifier, tokens, opts...)
}

// ensurePaymentCircuit deploys the payment circuit for tenant unless one is
// already bound.
func ensurePaymentCircuit(ctx context.Context, registry *regservice.Service, pipeline *build.Pipeline, tenant domain.TenantID, log *slog.Logger) error {
	d, err := registry.ResolveByTenant(ctx, tenant)
	if err == nil {
		log.Info("payment circuit already deployed", "tenant_id", tenant, "program_identity", d.ProgramIdentity.Short())
		return nil
	}
	if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return fmt.Errorf("resolve payment tenant: %w", err)
	}
	res, err := pipeline.DeployPayment(ctx, tenant, false)
	if err != nil {
		return fmt.Errorf("deploy payment circuit: %w", err)
	}
	log.Info("payment circuit deployed", "tenant_id", tenant, "program_identity", res.ProgramIdentity.Short())
	return nil
}
