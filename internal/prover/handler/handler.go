package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"zkgate/internal/build"
	"zkgate/internal/engine"
	"zkgate/internal/prover"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/httputil"
	"zkgate/pkg/requestcontext"
)

// RetryAfter is advertised on retryable failures.
const RetryAfter = 5 * time.Second

type Service interface {
	Prove(ctx context.Context, req prover.Request) (*prover.Result, error)
	Load(ctx context.Context, tenant domain.TenantID) (domain.ProgramIdentity, error)
	CachedPrograms() int
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/api/prove", h.handleProve)
	r.Post("/api/programs/{tenant_id}/load", h.handleLoad)
	r.Get("/api/prover/status", h.handleStatus)
}

type proveRequest struct {
	TenantID      string          `json:"tenant_id"`
	PrivateInputs json.RawMessage `json:"private_inputs"`
	PublicParams  json.RawMessage `json:"public_params"`
	Nullifier     string          `json:"nullifier,omitempty"`

	tenant    domain.TenantID
	nullifier *domain.Nullifier
}

func (r *proveRequest) Validate() error {
	var err error
	if r.tenant, err = domain.ParseTenantID(r.TenantID); err != nil {
		return err
	}
	if r.Nullifier != "" {
		n, err := domain.ParseNullifier(r.Nullifier)
		if err != nil {
			return err
		}
		r.nullifier = &n
	}
	return nil
}

type outputsResponse struct {
	Nullifier        string          `json:"nullifier"`
	ComplianceResult bool            `json:"compliance_result"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

type proveResponse struct {
	Proof           string          `json:"proof"`
	ProgramIdentity string          `json:"program_identity"`
	Outputs         outputsResponse `json:"outputs"`
}

func (h *Handler) handleProve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[proveRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Prove(ctx, prover.Request{
		TenantID:      req.tenant,
		PrivateInputs: req.PrivateInputs,
		PublicParams:  req.PublicParams,
		Nullifier:     req.nullifier,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "prove failed",
			"request_id", requestID,
			"tenant_id", req.tenant,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		h.writeError(w, err)
		return
	}

	encoded, err := engine.EncodeProof(res.Proof)
	if err != nil {
		h.writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode proof"))
		return
	}
	h.logger.InfoContext(ctx, "proof generated",
		"request_id", requestID,
		"tenant_id", req.tenant,
		"program_identity", res.ProgramIdentity.Short(),
		"compliance_result", res.Outputs.ComplianceResult,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, proveResponse{
		Proof:           encoded,
		ProgramIdentity: res.ProgramIdentity.String(),
		Outputs: outputsResponse{
			Nullifier:        res.Outputs.Token.String(),
			ComplianceResult: res.Outputs.ComplianceResult,
			Metadata:         res.Outputs.Metadata,
		},
	})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	tenant, err := domain.ParseTenantID(chi.URLParam(r, "tenant_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	id, err := h.service.Load(r.Context(), tenant)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"tenant_id":        tenant,
		"program_identity": id.String(),
		"loaded":           true,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]int{
		"cached_programs": h.service.CachedPrograms(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if build.Retryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
	}
	httputil.WriteError(w, err)
}
