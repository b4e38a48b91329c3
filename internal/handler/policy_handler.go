package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/middleware"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// PolicyHandler handles policy HTTP requests for the dashboard API.
type PolicyHandler struct {
	policies    service.PolicyService
	deployments service.DeploymentService
	validate    *validator.Validate
}

// NewPolicyHandler creates a new policy handler.
func NewPolicyHandler(policies service.PolicyService, deployments service.DeploymentService) *PolicyHandler {
	return &PolicyHandler{
		policies:    policies,
		deployments: deployments,
		validate:    validator.New(),
	}
}

// Routes returns a chi router with policy routes.
func (h *PolicyHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Archive)
	r.Get("/{id}/versions", h.ListVersions)
	r.Get("/{id}/deployments", h.ListDeployments)
	r.Post("/{id}/deployments", h.CreateDeployment)

	return r
}

// Create handles POST /v1/policies
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req service.CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	policy, err := h.policies.Create(r.Context(), user.OrgID, req, &user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, policy)
}

// Get handles GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	policy, err := h.policies.Get(r.Context(), user.OrgID, policyID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, policy)
}

// List handles GET /v1/policies?cluster_id=
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var clusterID *uuid.UUID
	if raw := r.URL.Query().Get("cluster_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("cluster_id", "invalid UUID format"))
			return
		}
		clusterID = &id
	}

	policies, err := h.policies.List(r.Context(), user.OrgID, clusterID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, policies)
}

// Update handles PATCH /v1/policies/{id}
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	var req service.UpdatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	policy, err := h.policies.Update(r.Context(), user.OrgID, policyID, req, &user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, policy)
}

// Archive handles DELETE /v1/policies/{id}
func (h *PolicyHandler) Archive(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	if err := h.policies.Archive(r.Context(), user.OrgID, policyID, &user.ID); err != nil {
		response.Error(w, err)
		return
	}

	response.NoContent(w)
}

// ListVersions handles GET /v1/policies/{id}/versions
func (h *PolicyHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	versions, err := h.policies.ListVersions(r.Context(), user.OrgID, policyID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, versions)
}

// ListDeployments handles GET /v1/policies/{id}/deployments
func (h *PolicyHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	deployments, err := h.deployments.ListByPolicy(r.Context(), user.OrgID, policyID, queryInt(r, "limit", 50))
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, deployments)
}

// CreateDeploymentHTTPRequest is the HTTP request body for deploying a policy.
type CreateDeploymentHTTPRequest struct {
	VersionID *uuid.UUID `json:"version_id,omitempty"`
}

// CreateDeployment handles POST /v1/policies/{id}/deployments
func (h *PolicyHandler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	var req CreateDeploymentHTTPRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
			return
		}
	}

	deployment, err := h.deployments.Create(r.Context(), user.OrgID, service.CreateDeploymentRequest{
		PolicyID:  policyID,
		VersionID: req.VersionID,
	}, &user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, deployment)
}
