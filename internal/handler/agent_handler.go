// Package handler provides HTTP handlers for the control plane API.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/database"
	"github.com/fenceline/control-plane/internal/middleware"
	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// AgentHandler handles the agent-facing API surface. Every route assumes
// AgentAuth already ran, so the identity in context is cluster-scoped.
type AgentHandler struct {
	deployments service.DeploymentService
	clusters    service.ClusterService
	redis       *database.Redis
	validate    *validator.Validate
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(deployments service.DeploymentService, clusters service.ClusterService, redis *database.Redis) *AgentHandler {
	return &AgentHandler{
		deployments: deployments,
		clusters:    clusters,
		redis:       redis,
		validate:    validator.New(),
	}
}

// Routes returns a chi router with agent routes.
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(middleware.RequireScope(models.ScopePolicyRead)).Get("/policies", h.PendingPolicies)
	r.With(middleware.RequireScope(models.ScopePolicyRead)).Patch("/policies/{id}/status", h.ReportStatus)
	r.With(middleware.RequireScope(models.ScopeClusterWrite)).Post("/heartbeat", h.Heartbeat)
	r.With(middleware.RequireScope(models.ScopeFlowWrite)).Post("/flows", h.IngestFlows)
	r.With(middleware.RequireScope(models.ScopeTelemetryWrite)).Post("/process-validation", h.IngestProcessValidation)

	return r
}

// PendingPolicies handles GET /v1/agent/policies?cursor&limit
func (h *AgentHandler) PendingPolicies(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var cursor *uuid.UUID
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("cursor", "invalid UUID format"))
			return
		}
		cursor = &id
	}

	work, next, err := h.deployments.PendingWork(r.Context(), ident, cursor, queryInt(r, "limit", 0))
	if err != nil {
		response.Error(w, err)
		return
	}

	var meta *response.Meta
	if next != nil {
		meta = &response.Meta{NextCursor: next.String()}
	}
	response.JSONWithMeta(w, http.StatusOK, work, meta)
}

// ReportStatusHTTPRequest is the HTTP request body for a status report.
type ReportStatusHTTPRequest struct {
	Status            models.AgentReportStatus `json:"status"`
	ErrorMessage      *string                  `json:"error_message,omitempty"`
	Error             *models.DeploymentError  `json:"error,omitempty"`
	DeployedResources json.RawMessage          `json:"deployed_resources,omitempty"`
	Version           *int                     `json:"version,omitempty"`
}

// ReportStatus handles PATCH /v1/agent/policies/{id}/status
func (h *AgentHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	var req ReportStatusHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.Status == "" {
		response.Error(w, apierrors.NewValidationError("status", "status is required"))
		return
	}

	deployment, err := h.deployments.ReportStatus(r.Context(), ident, policyID, service.AgentStatusReport{
		Status:            req.Status,
		ErrorMessage:      req.ErrorMessage,
		Error:             req.Error,
		DeployedResources: req.DeployedResources,
		Version:           req.Version,
	})
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, deployment)
}

// Heartbeat handles POST /v1/agent/heartbeat
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req service.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.NewValidationError("health", "health must be healthy, degraded, or error"))
		return
	}

	resp, err := h.clusters.Heartbeat(r.Context(), ident, req)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, resp)
}

// ingestAck is the body returned for accepted telemetry batches.
type ingestAck struct {
	Accepted int `json:"accepted"`
}

// IngestFlows handles POST /v1/agent/flows. Flow batches are counted and
// acknowledged; retention and querying live in the analytics pipeline, not
// the control plane.
func (h *AgentHandler) IngestFlows(w http.ResponseWriter, r *http.Request) {
	h.ingestBatch(w, r, "flows")
}

// IngestProcessValidation handles POST /v1/agent/process-validation.
func (h *AgentHandler) IngestProcessValidation(w http.ResponseWriter, r *http.Request) {
	h.ingestBatch(w, r, "process_validation")
}

func (h *AgentHandler) ingestBatch(w http.ResponseWriter, r *http.Request, kind string) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil || ident.ClusterID == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var batch []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body: expected a JSON array"))
		return
	}

	if len(batch) > 0 && h.redis != nil {
		// Per-cluster daily counters feed the dashboard usage panel.
		key := fmt.Sprintf("ingest:%s:%s:%s", kind, ident.ClusterID, time.Now().UTC().Format("2006-01-02"))
		if _, err := h.redis.IncrBy(r.Context(), key, int64(len(batch))); err == nil {
			_ = h.redis.Expire(r.Context(), key, 48*time.Hour)
		}
	}

	response.Accepted(w, ingestAck{Accepted: len(batch)})
}
