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

// ClusterHandler handles cluster HTTP requests for the dashboard API.
type ClusterHandler struct {
	clusters service.ClusterService
	validate *validator.Validate
}

// NewClusterHandler creates a new cluster handler.
func NewClusterHandler(clusters service.ClusterService) *ClusterHandler {
	return &ClusterHandler{
		clusters: clusters,
		validate: validator.New(),
	}
}

// Routes returns a chi router with cluster routes.
func (h *ClusterHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Register)
	r.Get("/{id}", h.Get)

	return r
}

// Register handles POST /v1/clusters
func (h *ClusterHandler) Register(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req service.RegisterClusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	cluster, err := h.clusters.Register(r.Context(), user.OrgID, req, &user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, cluster)
}

// Get handles GET /v1/clusters/{id}
func (h *ClusterHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	clusterID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	cluster, err := h.clusters.Get(r.Context(), user.OrgID, clusterID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, cluster)
}

// List handles GET /v1/clusters
func (h *ClusterHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	clusters, err := h.clusters.List(r.Context(), user.OrgID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, clusters)
}
