package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/middleware"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// DeploymentHandler handles deployment HTTP requests for the dashboard API.
type DeploymentHandler struct {
	deployments service.DeploymentService
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(deployments service.DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{deployments: deployments}
}

// Routes returns a chi router with deployment routes.
func (h *DeploymentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stale", h.ListStale)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/retry", h.Retry)
	r.Post("/{id}/rollback", h.Rollback)

	return r
}

// Get handles GET /v1/deployments/{id}
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	deploymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	deployment, err := h.deployments.Get(r.Context(), user.OrgID, deploymentID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, deployment)
}

// Retry handles POST /v1/deployments/{id}/retry
func (h *DeploymentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	deploymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	deployment, err := h.deployments.Retry(r.Context(), user.OrgID, deploymentID, &user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, deployment)
}

// RollbackHTTPRequest is the HTTP request body for a rollback.
type RollbackHTTPRequest struct {
	Note *string `json:"note,omitempty"`
}

// Rollback handles POST /v1/deployments/{id}/rollback. The path id names the
// SUCCEEDED deployment whose version the policy rolls back to.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	deploymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	var req RollbackHTTPRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
			return
		}
	}

	target, err := h.deployments.Get(r.Context(), user.OrgID, deploymentID)
	if err != nil {
		response.Error(w, err)
		return
	}

	deployment, err := h.deployments.Rollback(r.Context(), user.OrgID, target.PolicyID, service.RollbackRequest{
		TargetDeploymentID: deploymentID,
		Note:               req.Note,
	}, &user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, deployment)
}

// ListStale handles GET /v1/deployments/stale?older_than_minutes=
func (h *DeploymentHandler) ListStale(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	olderThan := time.Duration(queryInt(r, "older_than_minutes", 15)) * time.Minute

	deployments, err := h.deployments.StaleActive(r.Context(), user.OrgID, olderThan)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, deployments)
}
