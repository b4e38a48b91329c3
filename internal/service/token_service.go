// Package service provides business logic implementations.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/pkg/ulid"
	"github.com/fenceline/control-plane/internal/repository"
)

// tokenSecretPrefix marks Fenceline API tokens. The display prefix shown in
// the dashboard is the first prefixLen characters of the full secret.
const (
	tokenSecretPrefix = "fl_"
	displayPrefixLen  = 12
)

// CreateTokenRequest is the request for minting a new API token.
type CreateTokenRequest struct {
	Name      string         `json:"name" validate:"required,min=1,max=100"`
	ClusterID *uuid.UUID     `json:"cluster_id,omitempty"`
	Scopes    []models.Scope `json:"scopes" validate:"required,min=1"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// TokenService is the token authority: it mints credentials, authenticates
// bearer strings, and enforces the agent-token class boundary.
type TokenService interface {
	// Create mints a token and returns the record plus the raw secret. The
	// secret is never recoverable afterwards.
	Create(ctx context.Context, orgID uuid.UUID, req CreateTokenRequest) (*models.APIToken, string, error)

	// Authenticate resolves a raw bearer credential to an identity. Any
	// failure (unknown, revoked, expired) is ErrUnauthorized.
	Authenticate(ctx context.Context, raw string) (*Identity, error)

	// AuthenticateAgent is Authenticate plus the agent-class check: tokens
	// without a cluster scope are a different credential class and are
	// rejected outright, regardless of their scopes.
	AuthenticateAgent(ctx context.Context, raw string) (*Identity, error)

	Get(ctx context.Context, orgID, tokenID uuid.UUID) (*models.APIToken, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.APIToken, error)
	Revoke(ctx context.Context, orgID, tokenID uuid.UUID, actorID *uuid.UUID) error
}

type tokenService struct {
	tokenRepo   repository.TokenRepository
	clusterRepo repository.ClusterRepository
	audit       AuditService
	pepper      []byte
}

// NewTokenService creates a new token service. The pepper keys the HMAC
// used to hash secrets; rotating it invalidates all issued tokens.
func NewTokenService(tokenRepo repository.TokenRepository, clusterRepo repository.ClusterRepository, audit AuditService, pepper string) TokenService {
	return &tokenService{
		tokenRepo:   tokenRepo,
		clusterRepo: clusterRepo,
		audit:       audit,
		pepper:      []byte(pepper),
	}
}

// Create mints a new API token scoped to an organization and optionally a
// cluster within it.
func (s *tokenService) Create(ctx context.Context, orgID uuid.UUID, req CreateTokenRequest) (*models.APIToken, string, error) {
	if !models.ValidateScopes(req.Scopes) {
		return nil, "", apierrors.NewValidationError("scopes", "unknown scope")
	}

	if req.ClusterID != nil {
		cluster, err := s.clusterRepo.GetByID(ctx, *req.ClusterID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to get cluster: %w", err)
		}
		if cluster == nil || cluster.OrgID != orgID {
			return nil, "", apierrors.NewNotFoundError("Cluster")
		}
	}

	secret := generateSecret()

	token := &models.APIToken{
		ID:          uuid.New(),
		OrgID:       orgID,
		ClusterID:   req.ClusterID,
		Name:        req.Name,
		TokenPrefix: secret[:displayPrefixLen],
		TokenHash:   s.hashSecret(secret),
		Scopes:      req.Scopes,
		ExpiresAt:   req.ExpiresAt,
	}

	if err := s.tokenRepo.Create(ctx, token); err != nil {
		return nil, "", fmt.Errorf("failed to save token: %w", err)
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditTokenCreated,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeToken),
		ResourceID:   &token.ID,
	})

	return token, secret, nil
}

// Authenticate resolves a raw bearer credential to an identity.
func (s *tokenService) Authenticate(ctx context.Context, raw string) (*Identity, error) {
	if !strings.HasPrefix(raw, tokenSecretPrefix) {
		return nil, apierrors.ErrUnauthorized
	}

	token, err := s.tokenRepo.GetByHash(ctx, s.hashSecret(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if token == nil {
		return nil, apierrors.ErrUnauthorized
	}
	if !token.IsUsable(time.Now()) {
		return nil, apierrors.ErrUnauthorized
	}

	// Usage tracking is fire-and-forget: a lost update is acceptable, the
	// write itself must not block the request.
	go func(id uuid.UUID) {
		_ = s.tokenRepo.TouchLastUsed(context.Background(), id, time.Now())
	}(token.ID)

	return &Identity{
		TokenID:   token.ID,
		OrgID:     token.OrgID,
		ClusterID: token.ClusterID,
		Scopes:    token.Scopes,
	}, nil
}

// AuthenticateAgent rejects org-level tokens before anything else can act
// on them.
func (s *tokenService) AuthenticateAgent(ctx context.Context, raw string) (*Identity, error) {
	ident, err := s.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	if ident.ClusterID == nil {
		// Deliberate rejection of the credential class, not a scope failure.
		return nil, apierrors.ErrUnauthorized
	}
	return ident, nil
}

// Get retrieves a token within an organization.
func (s *tokenService) Get(ctx context.Context, orgID, tokenID uuid.UUID) (*models.APIToken, error) {
	token, err := s.tokenRepo.GetByID(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if token == nil || token.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Token")
	}
	return token, nil
}

// List retrieves all tokens for an organization.
func (s *tokenService) List(ctx context.Context, orgID uuid.UUID) ([]*models.APIToken, error) {
	return s.tokenRepo.ListByOrg(ctx, orgID)
}

// Revoke revokes a token.
func (s *tokenService) Revoke(ctx context.Context, orgID, tokenID uuid.UUID, actorID *uuid.UUID) error {
	token, err := s.tokenRepo.GetByID(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	if token == nil || token.OrgID != orgID {
		return apierrors.NewNotFoundError("Token")
	}
	if token.RevokedAt != nil {
		return apierrors.NewConflictError("Token is already revoked")
	}

	if err := s.tokenRepo.Revoke(ctx, tokenID, time.Now()); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditTokenRevoked,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeToken),
		ResourceID:   &tokenID,
	})

	return nil
}

// hashSecret computes the keyed one-way hash persisted for a secret. HMAC
// keys the hash with the server-side pepper, so a leaked table is not
// enough to forge credentials, while staying deterministic for lookup.
func (s *tokenService) hashSecret(secret string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateSecret produces an opaque token secret. Two monotonic ULIDs give
// 160 bits of entropy behind the class prefix.
func generateSecret() string {
	return tokenSecretPrefix + strings.ToLower(ulid.New()+ulid.New())
}

func ptr[T any](v T) *T {
	return &v
}
