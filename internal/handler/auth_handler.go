package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/sessions"

	"github.com/fenceline/control-plane/internal/middleware"
	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// AuthHandler handles dashboard signup, login, and logout.
type AuthHandler struct {
	auth     service.AuthService
	store    sessions.Store
	validate *validator.Validate
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(auth service.AuthService, store sessions.Store) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		store:    store,
		validate: validator.New(),
	}
}

// Routes returns a chi router with auth routes. Signup and login are
// public; logout and me require a session.
func (h *AuthHandler) Routes(sessionAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/signup", h.Signup)
	r.Post("/login", h.Login)
	r.With(sessionAuth).Post("/logout", h.Logout)
	r.With(sessionAuth).Get("/me", h.Me)

	return r
}

// signupResponse pairs the created organization with its owner account.
type signupResponse struct {
	Organization *models.Organization `json:"organization"`
	User         *models.User         `json:"user"`
}

// Signup handles POST /v1/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req service.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	org, user, err := h.auth.Signup(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}

	if err := h.openSession(w, r, user); err != nil {
		response.Error(w, apierrors.ErrInternal)
		return
	}

	response.Created(w, signupResponse{Organization: org, User: user})
}

// Login handles POST /v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	user, err := h.auth.Login(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}

	if err := h.openSession(w, r, user); err != nil {
		response.Error(w, apierrors.ErrInternal)
		return
	}

	response.OK(w, user)
}

// Logout handles POST /v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	session, err := h.store.Get(r, middleware.SessionName)
	if err == nil {
		session.Options.MaxAge = -1
		_ = session.Save(r, w)
	}

	h.auth.RecordLogout(r.Context(), user)
	response.NoContent(w)
}

// Me handles GET /v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}
	response.OK(w, user)
}

func (h *AuthHandler) openSession(w http.ResponseWriter, r *http.Request, user *models.User) error {
	session, err := h.store.Get(r, middleware.SessionName)
	if err != nil {
		// A stale or tampered cookie still yields a fresh session value.
		session, _ = h.store.New(r, middleware.SessionName)
	}
	session.Values["user_id"] = user.ID.String()
	return session.Save(r, w)
}
