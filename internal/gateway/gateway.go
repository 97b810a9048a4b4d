// Package gateway authorizes requests that carry proof receipts and forwards the
// authorized ones upstream.
//
// Each request runs one pass of the state machine
//
//	received → token_checked → proofs_verified → cross_checked → authorized
//
// and any step may end the pass in denied. The single-use token is consumed
// before any proof work and is never given back, so a denied request still
// burns its token.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"zkgate/internal/engine"
	"zkgate/internal/gateway/metrics"
	"zkgate/internal/grant"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/sentinel"
)

// Request headers read by the gateway, and the one it adds upstream.
const (
	HeaderReceipt          = "X-Zk-Receipt"
	HeaderPaymentReceipt   = "X-Zk-Payment-Receipt"
	HeaderNullifier        = "X-Zk-Nullifier"
	HeaderTenant           = "X-Zk-Tenant"
	HeaderPaymentNullifier = "X-Payment-Nullifier"
)

type Mode string

const (
	ModeSingleProof Mode = "single_proof"
	ModeTwoProof    Mode = "two_proof"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSingleProof, ModeTwoProof:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown gateway mode %q", s)
}

// Registry resolves which program a tenant currently runs, and which
// superseded programs it still accepts.
type Registry interface {
	ResolveByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error)
	FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error)
	Retention() models.RetentionPolicy
}

// Verifier checks a proof against the identity it must come from.
type Verifier interface {
	Verify(ctx context.Context, proof engine.Proof, expected domain.ProgramIdentity) (engine.PublicOutputs, error)
}

// TokenStore consumes single-use tokens atomically.
type TokenStore interface {
	Consume(ctx context.Context, token domain.Nullifier, ttl time.Duration) error
}

type GrantIssuer interface {
	Issue(g grant.Grant) (string, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Credentials are the raw proof headers of one request.
type Credentials struct {
	Receipt        string
	PaymentReceipt string
	Nullifier      string
	Tenant         string
}

func CredentialsFrom(h http.Header) Credentials {
	return Credentials{
		Receipt:        h.Get(HeaderReceipt),
		PaymentReceipt: h.Get(HeaderPaymentReceipt),
		Nullifier:      h.Get(HeaderNullifier),
		Tenant:         h.Get(HeaderTenant),
	}
}

type Gateway struct {
	registry Registry
	verifier Verifier
	tokens   TokenStore

	mode          Mode
	paymentTenant domain.TenantID
	tokenTTL      time.Duration
	timeout       time.Duration

	grants  GrantIssuer
	auditor AuditPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Gateway)

func WithMode(m Mode) Option {
	return func(g *Gateway) {
		g.mode = m
	}
}

// WithPaymentTenant names the tenant whose deployment verifies payment proofs.
func WithPaymentTenant(t domain.TenantID) Option {
	return func(g *Gateway) {
		g.paymentTenant = t
	}
}

// WithTokenTTL bounds how long consumed tokens are remembered. Zero keeps them
// forever.
func WithTokenTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		g.tokenTTL = ttl
	}
}

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

func WithGrantIssuer(issuer GrantIssuer) Option {
	return func(g *Gateway) {
		g.grants = issuer
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(g *Gateway) {
		g.auditor = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) {
		g.tracer = tp.Tracer("zkgate/gateway")
	}
}

func New(registry Registry, verifier Verifier, tokens TokenStore, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		registry: registry,
		verifier: verifier,
		tokens:   tokens,
		mode:     ModeSingleProof,
		logger:   slog.Default(),
		tracer:   otel.Tracer("zkgate/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if registry == nil || verifier == nil || tokens == nil {
		return nil, errors.New("gateway: registry, verifier and token store are required")
	}
	if _, err := ParseMode(string(g.mode)); err != nil {
		return nil, err
	}
	if g.mode == ModeTwoProof && g.paymentTenant.IsNil() {
		return nil, errors.New("gateway: two_proof mode needs a payment tenant")
	}
	if g.tokenTTL < 0 {
		return nil, errors.New("gateway: token ttl must not be negative")
	}
	return g, nil
}

func (g *Gateway) Mode() Mode { return g.mode }

// Authorize runs the state machine for one request. It never returns a nil
// Decision.
func (g *Gateway) Authorize(ctx context.Context, creds Credentials) *Decision {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "gateway.Authorize",
		trace.WithAttributes(attribute.String("gateway.mode", string(g.mode))))
	defer span.End()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	d := &Decision{}
	d.advance(span, StateReceived)
	g.evaluate(ctx, span, creds, d)
	g.record(ctx, span, d, start)
	return d
}

type parsedCredentials struct {
	token    domain.Nullifier
	tenant   domain.TenantID
	business engine.Proof
	payment  *engine.Proof
}

func (g *Gateway) evaluate(ctx context.Context, span trace.Span, creds Credentials, d *Decision) {
	in, err := g.parse(creds)
	if err != nil {
		d.deny(span, err)
		return
	}
	d.Token = in.token
	d.TenantID = in.tenant

	if err := g.tokens.Consume(ctx, in.token, g.tokenTTL); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			d.deny(span, dErrors.New(dErrors.CodeReplayDetected, "token has already been used"))
			return
		}
		g.logger.ErrorContext(ctx, "token store unavailable", "error", err)
		d.deny(span, dErrors.Wrap(err, dErrors.CodeUnavailable, "token store unavailable"))
		return
	}
	d.advance(span, StateTokenChecked)

	tenant, identity, err := g.businessIdentity(ctx, in)
	if err != nil {
		d.deny(span, err)
		return
	}
	d.TenantID = tenant
	d.ProgramIdentity = identity
	business, err := g.verify(ctx, in.business, identity, "business")
	if err != nil {
		d.deny(span, err)
		return
	}

	var payment *engine.PublicOutputs
	if g.mode == ModeTwoProof {
		out, err := g.verifyPayment(ctx, *in.payment)
		if err != nil {
			d.deny(span, err)
			return
		}
		payment = &out
	}
	d.advance(span, StateProofsVerified)

	if business.Token != in.token {
		d.deny(span, dErrors.New(dErrors.CodeTokenMismatch, "business proof token does not match the request token"))
		return
	}
	if payment != nil && payment.Token != in.token {
		d.deny(span, dErrors.New(dErrors.CodeTokenMismatch, "payment proof token does not match the request token"))
		return
	}
	d.advance(span, StateCrossChecked)

	if !business.ComplianceResult {
		d.deny(span, dErrors.New(dErrors.CodeComplianceFailed, "business policy is not satisfied"))
		return
	}
	if payment != nil && !payment.ComplianceResult {
		d.deny(span, dErrors.New(dErrors.CodeComplianceFailed, "payment policy is not satisfied"))
		return
	}
	d.PaymentVerified = payment != nil

	if g.grants != nil {
		signed, err := g.grants.Issue(grant.Grant{
			TenantID:        d.TenantID,
			ProgramIdentity: d.ProgramIdentity,
			Nullifier:       d.Token,
			PaymentVerified: d.PaymentVerified,
		})
		if err != nil {
			d.deny(span, err)
			return
		}
		d.Grant = signed
	}
	d.advance(span, StateAuthorized)
}

// parse rejects missing or malformed headers before any state changes.
func (g *Gateway) parse(c Credentials) (parsedCredentials, error) {
	var out parsedCredentials
	if c.Receipt == "" {
		return out, dErrors.New(dErrors.CodeUnauthenticated, "missing "+HeaderReceipt+" header")
	}
	if c.Nullifier == "" {
		return out, dErrors.New(dErrors.CodeUnauthenticated, "missing "+HeaderNullifier+" header")
	}
	token, err := domain.ParseNullifier(c.Nullifier)
	if err != nil {
		return out, dErrors.New(dErrors.CodeUnauthenticated, "malformed "+HeaderNullifier+" header")
	}
	out.token = token

	if out.business, err = engine.DecodeProof(c.Receipt); err != nil {
		return out, dErrors.New(dErrors.CodeUnauthenticated, "malformed "+HeaderReceipt+" header")
	}
	if c.Tenant != "" {
		if out.tenant, err = domain.ParseTenantID(c.Tenant); err != nil {
			return out, dErrors.New(dErrors.CodeUnauthenticated, "malformed "+HeaderTenant+" header")
		}
	}

	if g.mode != ModeTwoProof {
		return out, nil
	}
	if c.PaymentReceipt == "" {
		return out, dErrors.New(dErrors.CodeUnauthenticated, "missing "+HeaderPaymentReceipt+" header")
	}
	payment, err := engine.DecodeProof(c.PaymentReceipt)
	if err != nil {
		return out, dErrors.New(dErrors.CodeUnauthenticated, "malformed "+HeaderPaymentReceipt+" header")
	}
	out.payment = &payment
	return out, nil
}

// businessIdentity returns the identity the business proof must come from. A
// claimed tenant is trusted only for the lookup; without one the owner of the
// proof's identity is used. The tenant's current deployment is expected, except
// under retain_previous where a superseded program of the same tenant also
// qualifies.
func (g *Gateway) businessIdentity(ctx context.Context, in parsedCredentials) (domain.TenantID, domain.ProgramIdentity, error) {
	proofID := in.business.ProgramIdentity
	tenant := in.tenant
	var owner *models.Deployment
	if tenant.IsNil() {
		var err error
		if owner, err = g.registry.FindByIdentity(ctx, proofID); err != nil {
			return "", domain.ProgramIdentity{}, g.registryErr(ctx, err, "proof program is not registered")
		}
		tenant = owner.TenantID
	}
	dep, err := g.registry.ResolveByTenant(ctx, tenant)
	if err != nil {
		return "", domain.ProgramIdentity{}, g.registryErr(ctx, err, "tenant has no deployment")
	}
	if dep.ProgramIdentity == proofID || g.registry.Retention() != models.RetainPrevious {
		return tenant, dep.ProgramIdentity, nil
	}

	if owner == nil {
		owner, err = g.registry.FindByIdentity(ctx, proofID)
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return tenant, dep.ProgramIdentity, nil
		}
		if err != nil {
			return "", domain.ProgramIdentity{}, g.registryErr(ctx, err, "proof program is not registered")
		}
	}
	if owner.TenantID != tenant {
		return tenant, dep.ProgramIdentity, nil
	}
	g.logger.DebugContext(ctx, "accepting retained program",
		"tenant_id", tenant,
		"program_identity", proofID.Short(),
		"current_identity", dep.ProgramIdentity.Short(),
	)
	return tenant, owner.ProgramIdentity, nil
}

func (g *Gateway) verifyPayment(ctx context.Context, proof engine.Proof) (engine.PublicOutputs, error) {
	dep, err := g.registry.ResolveByTenant(ctx, g.paymentTenant)
	if err != nil {
		return engine.PublicOutputs{}, g.registryErr(ctx, err, "payment program is not deployed")
	}
	return g.verify(ctx, proof, dep.ProgramIdentity, "payment")
}

func (g *Gateway) verify(ctx context.Context, proof engine.Proof, expected domain.ProgramIdentity, kind string) (engine.PublicOutputs, error) {
	if proof.ProgramIdentity != expected {
		return engine.PublicOutputs{}, dErrors.New(dErrors.CodeProofInvalid,
			kind+" proof was not produced by an accepted deployment")
	}
	out, err := g.verifier.Verify(ctx, proof, expected)
	if err != nil {
		g.logger.DebugContext(ctx, "proof verification failed", "kind", kind, "error", err)
		return engine.PublicOutputs{}, dErrors.Wrap(err, dErrors.CodeProofInvalid, kind+" proof does not verify")
	}
	return out, nil
}

// registryErr maps a missing deployment to proof_invalid and anything else to
// unavailable.
func (g *Gateway) registryErr(ctx context.Context, err error, msg string) error {
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return dErrors.New(dErrors.CodeProofInvalid, msg)
	}
	g.logger.ErrorContext(ctx, "registry lookup failed", "error", err)
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "registry unavailable")
}

func (g *Gateway) record(ctx context.Context, span trace.Span, d *Decision, start time.Time) {
	outcome, reason := "authorized", "none"
	if !d.Authorized() {
		outcome, reason = "denied", string(d.Reason)
	}
	span.SetAttributes(
		attribute.String("gateway.outcome", outcome),
		attribute.String("gateway.reason", reason),
		attribute.String("gateway.tenant_id", d.TenantID.String()),
	)
	if d.Authorized() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, reason)
	}
	g.metrics.IncDecision(outcome, reason)
	g.metrics.ObserveDecision(start)

	action := audit.EventGatewayAuthorized
	if d.Authorized() {
		g.logger.InfoContext(ctx, "request authorized",
			"event", action,
			"log_type", "audit",
			"tenant_id", d.TenantID,
			"program_identity", d.ProgramIdentity.Short(),
			"payment_verified", d.PaymentVerified,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		action = audit.EventGatewayDenied
		g.logger.WarnContext(ctx, "request denied",
			"event", action,
			"log_type", "audit",
			"reason", d.Reason,
			"message", d.Message,
			"tenant_id", d.TenantID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if g.auditor == nil {
		return
	}
	event := audit.Event{
		Category: action.Category(),
		Action:   string(action),
		TenantID: d.TenantID,
		Decision: outcome,
		Reason:   string(d.Reason),
	}
	if !d.ProgramIdentity.IsNil() {
		event.ProgramIdentity = d.ProgramIdentity.String()
	}
	if !d.Token.IsNil() {
		event.Subject = d.Token.String()
	}
	// The decision is final even if the request deadline has passed.
	if err := g.auditor.Emit(context.WithoutCancel(ctx), event); err != nil {
		g.logger.WarnContext(ctx, "failed to emit gateway audit event", "action", action, "error", err)
	}
}
