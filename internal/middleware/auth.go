package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/service"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// IdentityKey is the context key for the authenticated agent identity.
	IdentityKey contextKey = "identity"
	// UserKey is the context key for the authenticated dashboard user.
	UserKey contextKey = "user"
)

// SessionName is the cookie name for dashboard sessions.
const SessionName = "fenceline_session"

// AgentAuth authenticates agent requests with a bearer token. Only
// cluster-scoped tokens pass; org-level tokens fail with 401 before any
// scope check runs.
func AgentAuth(tokens service.TokenService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			ident, err := tokens.AuthenticateAgent(r.Context(), raw)
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			annotateRequest(r.Context(),
				slog.String("org_id", ident.OrgID.String()),
				slog.String("cluster_id", ident.ClusterID.String()),
				slog.String("token_id", ident.TokenID.String()),
			)

			ctx := context.WithValue(r.Context(), IdentityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenAuth authenticates requests with any API token, cluster-scoped or
// org-level. Used for the programmatic (non-agent) API surface.
func TokenAuth(tokens service.TokenService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			ident, err := tokens.Authenticate(r.Context(), raw)
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			attrs := []slog.Attr{
				slog.String("org_id", ident.OrgID.String()),
				slog.String("token_id", ident.TokenID.String()),
			}
			if ident.ClusterID != nil {
				attrs = append(attrs, slog.String("cluster_id", ident.ClusterID.String()))
			}
			annotateRequest(r.Context(), attrs...)

			ctx := context.WithValue(r.Context(), IdentityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects identities missing all of the given scopes with 403.
// The 401/403 split is deliberate: a bad credential never reaches here.
func RequireScope(scopes ...models.Scope) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := GetIdentity(r.Context())
			if ident == nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			for _, s := range scopes {
				if ident.HasScope(s) {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, apierrors.ErrForbidden)
		})
	}
}

// SessionAuth authenticates dashboard requests with a session cookie.
func SessionAuth(store sessions.Store, auth service.AuthService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := store.Get(r, SessionName)
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			rawID, ok := session.Values["user_id"].(string)
			if !ok {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			userID, err := uuid.Parse(rawID)
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			user, err := auth.GetUser(r.Context(), userID)
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			annotateRequest(r.Context(),
				slog.String("org_id", user.OrgID.String()),
				slog.String("user_id", user.ID.String()),
			)

			ctx := context.WithValue(r.Context(), UserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity retrieves the token identity from context, or nil.
func GetIdentity(ctx context.Context) *service.Identity {
	ident, _ := ctx.Value(IdentityKey).(*service.Identity)
	return ident
}

// GetUser retrieves the dashboard user from context, or nil.
func GetUser(ctx context.Context) *models.User {
	user, _ := ctx.Value(UserKey).(*models.User)
	return user
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(h, "Bearer ")
	return token, token != ""
}
