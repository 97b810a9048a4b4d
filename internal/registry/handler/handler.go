package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/httputil"
	"zkgate/pkg/requestcontext"
)

// Service is the registry surface the handler needs.
type Service interface {
	Register(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta models.Metadata) (*models.Deployment, error)
	Supersede(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity, location string, meta models.Metadata) (*models.Deployment, error)
	ResolveByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error)
	FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error)
	Delete(ctx context.Context, tenant domain.TenantID) error
	List(ctx context.Context, tenants ...domain.TenantID) ([]*models.Deployment, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the deployment routes. Callers wrap r with admin auth.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/deployments", func(r chi.Router) {
		r.Post("/", h.handleRegister)
		r.Get("/", h.handleList)
		r.Get("/by-identity/{program_identity}", h.handleByIdentity)
		r.Get("/{tenant_id}", h.handleGet)
		r.Put("/{tenant_id}", h.handleSupersede)
		r.Delete("/{tenant_id}", h.handleDelete)
	})
}

type deploymentRequest struct {
	TenantID         string          `json:"tenant_id"`
	ProgramIdentity  string          `json:"program_identity"`
	ArtifactLocation string          `json:"artifact_location"`
	Metadata         models.Metadata `json:"metadata"`

	tenant   domain.TenantID
	identity domain.ProgramIdentity
}

func (r *deploymentRequest) Validate() error {
	var err error
	if r.TenantID != "" {
		if r.tenant, err = domain.ParseTenantID(r.TenantID); err != nil {
			return err
		}
	}
	if r.identity, err = domain.ParseProgramIdentity(r.ProgramIdentity); err != nil {
		return err
	}
	r.ArtifactLocation = strings.TrimSpace(r.ArtifactLocation)
	if r.ArtifactLocation == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "artifact_location is required")
	}
	return nil
}

type listResponse struct {
	Deployments []*models.Deployment `json:"deployments"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[deploymentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.tenant.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required"))
		return
	}

	d, err := h.service.Register(ctx, req.tenant, req.identity, req.ArtifactLocation, req.Metadata)
	if err != nil {
		h.logger.WarnContext(ctx, "register deployment failed",
			"request_id", requestID,
			"tenant_id", req.tenant,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, d)
}

func (h *Handler) handleSupersede(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	tenant, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[deploymentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if !req.tenant.IsNil() && req.tenant != tenant {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "tenant_id in body does not match path"))
		return
	}

	d, err := h.service.Supersede(ctx, tenant, req.identity, req.ArtifactLocation, req.Metadata)
	if err != nil {
		h.logger.WarnContext(ctx, "supersede deployment failed",
			"request_id", requestID,
			"tenant_id", tenant,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	d, err := h.service.ResolveByTenant(r.Context(), tenant)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) handleByIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := domain.ParseProgramIdentity(chi.URLParam(r, "program_identity"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	d, err := h.service.FindByIdentity(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), tenant); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleList accepts an optional comma separated ?tenants= filter.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var tenants []domain.TenantID
	if raw := r.URL.Query().Get("tenants"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := domain.ParseTenantID(strings.TrimSpace(part))
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			tenants = append(tenants, t)
		}
	}
	out, err := h.service.List(r.Context(), tenants...)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if out == nil {
		out = []*models.Deployment{}
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Deployments: out})
}

func (h *Handler) tenantParam(w http.ResponseWriter, r *http.Request) (domain.TenantID, bool) {
	tenant, err := domain.ParseTenantID(chi.URLParam(r, "tenant_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", false
	}
	return tenant, true
}
