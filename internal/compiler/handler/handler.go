package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"zkgate/internal/build"
	"zkgate/internal/compiler/dsl"
	"zkgate/internal/compiler/service"
	"zkgate/internal/compiler/validator"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/httputil"
	"zkgate/pkg/requestcontext"
)

type Service interface {
	Validate(ctx context.Context, raw []byte) (*dsl.Document, error)
	Compile(ctx context.Context, raw []byte) (*build.Compiled, error)
	Deploy(ctx context.Context, req service.DeployRequest) (*service.DeployResult, error)
	JobStatus(ctx context.Context, id domain.JobID) (*build.Job, error)
	GenerateSDK(ctx context.Context, raw []byte) (domain.ProgramIdentity, error)
	DownloadSDK(ctx context.Context, id domain.ProgramIdentity) ([]byte, error)
	Templates() []service.TemplateInfo
	Template(name string) ([]byte, error)
	ProveEndpoint() string
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the compiler routes. Deployment routes run behind admin.
func (h *Handler) Register(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Post("/api/validate", h.handleValidate)
	r.Post("/api/compile", h.handleCompile)
	r.Post("/api/sdk/generate", h.handleGenerateSDK)
	r.Get("/api/sdk/{sdk_id}/download", h.handleDownloadSDK)
	r.Get("/api/templates", h.handleListTemplates)
	r.Get("/api/templates/{name}", h.handleGetTemplate)

	r.Group(func(r chi.Router) {
		r.Use(admin)
		r.Post("/api/deploy", h.handleDeploy)
		r.Get("/api/deploy/status/{job_id}", h.handleDeployStatus)
	})
}

// dslRequest accepts the document either inline as a JSON object or as a
// string holding JSON or YAML text.
type dslRequest struct {
	DSL json.RawMessage `json:"dsl"`

	document []byte
}

func (r *dslRequest) Validate() error {
	doc, err := documentBytes(r.DSL)
	if err != nil {
		return err
	}
	r.document = doc
	return nil
}

func documentBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dsl is required")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dsl must be an object or a string")
	}
	if text == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dsl is required")
	}
	return []byte(text), nil
}

type documentError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RuleIndex *int   `json:"rule_index,omitempty"`
	Field     string `json:"field,omitempty"`
}

type validateResponse struct {
	Valid   bool           `json:"valid"`
	UseCase string         `json:"use_case,omitempty"`
	Error   *documentError `json:"error,omitempty"`
}

func describe(err error) *documentError {
	out := &documentError{Code: string(dErrors.CodeOf(err)), Message: err.Error()}
	if de, ok := dErrors.As(err); ok {
		out.Message = de.Message
	}
	var re *validator.RuleError
	if errors.As(err, &re) {
		if re.Index >= 0 {
			idx := re.Index
			out.RuleIndex = &idx
		}
		out.Field = re.Field
	}
	return out
}

// isDocumentError reports failures caused by the document itself.
func isDocumentError(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeParse, dErrors.CodeValidation, dErrors.CodeCompilation:
		return true
	}
	return false
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[dslRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	doc, err := h.service.Validate(ctx, req.document)
	if err != nil {
		if !isDocumentError(err) {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, validateResponse{Valid: false, Error: describe(err)})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, validateResponse{Valid: true, UseCase: doc.UseCase})
}

type compileResponse struct {
	Source  string `json:"source"`
	UseCase string `json:"use_case"`
}

func (h *Handler) handleCompile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[dslRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	compiled, err := h.service.Compile(ctx, req.document)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, compileResponse{
		Source:  string(compiled.Source.Code),
		UseCase: compiled.Document.UseCase,
	})
}

type deployRequest struct {
	DSL        json.RawMessage `json:"dsl"`
	TenantID   string          `json:"tenant_id"`
	Supersede  bool            `json:"supersede"`
	Async      bool            `json:"async"`
	WebhookURL string          `json:"webhook_url,omitempty"`

	document []byte
	tenant   domain.TenantID
}

func (r *deployRequest) Validate() error {
	var err error
	if r.tenant, err = domain.ParseTenantID(r.TenantID); err != nil {
		return err
	}
	r.document, err = documentBytes(r.DSL)
	return err
}

type deployResponse struct {
	TenantID         domain.TenantID `json:"tenant_id"`
	ProgramIdentity  string          `json:"program_identity"`
	ArtifactLocation string          `json:"artifact_location"`
	ArtifactEndpoint string          `json:"artifact_endpoint"`
	UseCase          string          `json:"use_case,omitempty"`
}

type jobAccepted struct {
	JobID     string          `json:"job_id"`
	Status    build.JobStatus `json:"status"`
	StatusURL string          `json:"status_url"`
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[deployRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.service.Deploy(ctx, service.DeployRequest{
		TenantID:   req.tenant,
		Document:   req.document,
		Supersede:  req.Supersede,
		Async:      req.Async,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "deploy failed",
			"request_id", requestID,
			"tenant_id", req.tenant,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		if build.Retryable(err) {
			w.Header().Set("Retry-After", "5")
		}
		httputil.WriteError(w, err)
		return
	}

	if res.Job != nil {
		w.Header().Set("Location", "/api/deploy/status/"+res.Job.ID)
		httputil.WriteJSON(w, http.StatusAccepted, jobAccepted{
			JobID:     res.Job.ID,
			Status:    res.Job.Status,
			StatusURL: "/api/deploy/status/" + res.Job.ID,
		})
		return
	}

	h.logger.InfoContext(ctx, "policy deployed",
		"request_id", requestID,
		"tenant_id", req.tenant,
		"program_identity", res.Result.ProgramIdentity.Short(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, deployResponse{
		TenantID:         req.tenant,
		ProgramIdentity:  res.Result.ProgramIdentity.String(),
		ArtifactLocation: res.Result.ArtifactLocation,
		ArtifactEndpoint: h.service.ProveEndpoint(),
		UseCase:          res.Result.UseCase,
	})
}

func (h *Handler) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseJobID(chi.URLParam(r, "job_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.service.JobStatus(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

type sdkResponse struct {
	SDKID       string `json:"sdk_id"`
	DownloadURL string `json:"download_url"`
}

func (h *Handler) handleGenerateSDK(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[dslRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	id, err := h.service.GenerateSDK(ctx, req.document)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sdkResponse{
		SDKID:       id.String(),
		DownloadURL: "/api/sdk/" + id.String() + "/download",
	})
}

func (h *Handler) handleDownloadSDK(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseProgramIdentity(chi.URLParam(r, "sdk_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "sdk bundle not found"))
		return
	}
	archive, err := h.service.DownloadSDK(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="zkgate-sdk-%s.tar.gz"`, id.Short()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

type templatesResponse struct {
	Templates []service.TemplateInfo `json:"templates"`
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, templatesResponse{Templates: h.service.Templates()})
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	raw, err := h.service.Template(chi.URLParam(r, "name"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
