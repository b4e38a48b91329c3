package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/middleware"
	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// AuditHandler handles audit log HTTP requests for the dashboard API.
type AuditHandler struct {
	audit service.AuditService
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(audit service.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// Routes returns a chi router with audit routes.
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// List handles GET /v1/audit?action=&actor_id=&resource_type=&resource_id=&start=&end=&limit=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	query := models.AuditLogQuery{Limit: queryInt(r, "limit", 50)}
	q := r.URL.Query()

	if raw := q.Get("action"); raw != "" {
		action := models.AuditAction(raw)
		query.Action = &action
	}
	if raw := q.Get("actor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("actor_id", "invalid UUID format"))
			return
		}
		query.ActorID = &id
	}
	if raw := q.Get("resource_type"); raw != "" {
		rt := models.ResourceType(raw)
		query.ResourceType = &rt
	}
	if raw := q.Get("resource_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("resource_id", "invalid UUID format"))
			return
		}
		query.ResourceID = &id
	}
	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("start", "invalid RFC3339 timestamp"))
			return
		}
		query.StartTime = &t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("end", "invalid RFC3339 timestamp"))
			return
		}
		query.EndTime = &t
	}

	entries, err := h.audit.List(r.Context(), user.OrgID, query)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, entries)
}
