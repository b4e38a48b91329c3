package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/middleware"
	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// TokenHandler handles API token HTTP requests for the dashboard API.
type TokenHandler struct {
	tokens   service.TokenService
	validate *validator.Validate
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(tokens service.TokenService) *TokenHandler {
	return &TokenHandler{
		tokens:   tokens,
		validate: validator.New(),
	}
}

// Routes returns a chi router with token routes.
func (h *TokenHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Revoke)

	return r
}

// Create handles POST /v1/tokens
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req service.CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	token, secret, err := h.tokens.Create(r.Context(), user.OrgID, req)
	if err != nil {
		response.Error(w, err)
		return
	}

	// The only place the full secret ever appears.
	resp := toTokenResponse(token)
	resp.Token = secret
	response.Created(w, resp)
}

// Get handles GET /v1/tokens/{id}
func (h *TokenHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	tokenID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	token, err := h.tokens.Get(r.Context(), user.OrgID, tokenID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, toTokenResponse(token))
}

// List handles GET /v1/tokens
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	tokens, err := h.tokens.List(r.Context(), user.OrgID)
	if err != nil {
		response.Error(w, err)
		return
	}

	resp := make([]*models.APITokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, toTokenResponse(t))
	}
	response.OK(w, resp)
}

// Revoke handles DELETE /v1/tokens/{id}
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	tokenID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "invalid UUID format"))
		return
	}

	if err := h.tokens.Revoke(r.Context(), user.OrgID, tokenID, &user.ID); err != nil {
		response.Error(w, err)
		return
	}

	response.NoContent(w)
}

func toTokenResponse(t *models.APIToken) *models.APITokenResponse {
	return &models.APITokenResponse{
		ID:          t.ID,
		OrgID:       t.OrgID,
		ClusterID:   t.ClusterID,
		Name:        t.Name,
		TokenPrefix: t.TokenPrefix,
		Scopes:      t.Scopes,
		ExpiresAt:   t.ExpiresAt,
		CreatedAt:   t.CreatedAt,
	}
}
