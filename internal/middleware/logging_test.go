package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/service"
)

// fixedTokenService resolves one secret to one identity.
type fixedTokenService struct {
	secret string
	ident  *service.Identity
}

func (s *fixedTokenService) Create(ctx context.Context, orgID uuid.UUID, req service.CreateTokenRequest) (*models.APIToken, string, error) {
	return nil, "", apierrors.ErrInternal
}

func (s *fixedTokenService) Authenticate(ctx context.Context, raw string) (*service.Identity, error) {
	if raw == s.secret {
		return s.ident, nil
	}
	return nil, apierrors.ErrUnauthorized
}

func (s *fixedTokenService) AuthenticateAgent(ctx context.Context, raw string) (*service.Identity, error) {
	ident, err := s.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	if ident.ClusterID == nil {
		return nil, apierrors.ErrUnauthorized
	}
	return ident, nil
}

func (s *fixedTokenService) Get(ctx context.Context, orgID, tokenID uuid.UUID) (*models.APIToken, error) {
	return nil, apierrors.NewNotFoundError("Token")
}

func (s *fixedTokenService) List(ctx context.Context, orgID uuid.UUID) ([]*models.APIToken, error) {
	return nil, nil
}

func (s *fixedTokenService) Revoke(ctx context.Context, orgID, tokenID uuid.UUID, actorID *uuid.UUID) error {
	return apierrors.NewNotFoundError("Token")
}

var _ service.TokenService = (*fixedTokenService)(nil)

func TestLogging(t *testing.T) {
	orgID := uuid.New()
	clusterID := uuid.New()

	tokens := &fixedTokenService{
		secret: "fl_test",
		ident: &service.Identity{
			TokenID:   uuid.New(),
			OrgID:     orgID,
			ClusterID: &clusterID,
			Scopes:    []models.Scope{models.ScopePolicyRead},
		},
	}

	serve := func(t *testing.T, authed bool) map[string]any {
		t.Helper()
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))

		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		handler := Logging(logger)(AgentAuth(tokens)(inner))

		req := httptest.NewRequest(http.MethodGet, "/v1/agent/policies", nil)
		if authed {
			req.Header.Set("Authorization", "Bearer fl_test")
		}
		handler.ServeHTTP(httptest.NewRecorder(), req)

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		return entry
	}

	t.Run("records the resolved identity", func(t *testing.T) {
		entry := serve(t, true)

		if entry["method"] != "GET" {
			t.Errorf("method = %v", entry["method"])
		}
		if entry["status"] != float64(http.StatusNoContent) {
			t.Errorf("status = %v, want 204", entry["status"])
		}
		if entry["org_id"] != orgID.String() {
			t.Errorf("org_id = %v, want %v", entry["org_id"], orgID)
		}
		if entry["cluster_id"] != clusterID.String() {
			t.Errorf("cluster_id = %v, want %v", entry["cluster_id"], clusterID)
		}
	})

	t.Run("unauthenticated requests log without identity", func(t *testing.T) {
		entry := serve(t, false)

		if entry["status"] != float64(http.StatusUnauthorized) {
			t.Errorf("status = %v, want 401", entry["status"])
		}
		if _, ok := entry["org_id"]; ok {
			t.Error("org_id logged for an unauthenticated request")
		}
	})
}
