package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fenceline/control-plane/internal/models"
)

// TokenRepository defines the interface for API token operations.
type TokenRepository interface {
	Create(ctx context.Context, token *models.APIToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.APIToken, error)
	GetByHash(ctx context.Context, hash string) (*models.APIToken, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.APIToken, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type tokenRepo struct {
	pool *pgxpool.Pool
}

// NewTokenRepository creates a new API token repository.
func NewTokenRepository(pool *pgxpool.Pool) TokenRepository {
	return &tokenRepo{pool: pool}
}

const tokenColumns = `id, org_id, cluster_id, name, token_prefix, token_hash,
       scopes, last_used_at, expires_at, revoked_at, created_at`

// Create inserts a new API token.
func (r *tokenRepo) Create(ctx context.Context, token *models.APIToken) error {
	query := `
		INSERT INTO api_tokens (id, org_id, cluster_id, name, token_prefix, token_hash, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	scopes := make([]string, len(token.Scopes))
	for i, s := range token.Scopes {
		scopes[i] = string(s)
	}

	return r.pool.QueryRow(ctx, query,
		token.ID,
		token.OrgID,
		token.ClusterID,
		token.Name,
		token.TokenPrefix,
		token.TokenHash,
		scopes,
		token.ExpiresAt,
	).Scan(&token.CreatedAt)
}

// GetByID retrieves a token by ID.
func (r *tokenRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.APIToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE id = $1`
	return scanToken(r.pool.QueryRow(ctx, query, id))
}

// GetByHash retrieves a token by its stored secret hash. This is the
// authentication lookup path; revocation and expiry are checked by the
// caller so they produce the right error class.
func (r *tokenRepo) GetByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE token_hash = $1`
	return scanToken(r.pool.QueryRow(ctx, query, hash))
}

// ListByOrg retrieves all tokens for an organization, newest first.
func (r *tokenRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.APIToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE org_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*models.APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Revoke sets the revocation timestamp. Revoking an already-revoked token
// is a no-op that preserves the original timestamp.
func (r *tokenRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE api_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// TouchLastUsed records token usage. Lost updates under concurrent load are
// acceptable; this is observability, not correctness.
func (r *tokenRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, at)
	return err
}

func scanToken(row pgx.Row) (*models.APIToken, error) {
	var t models.APIToken
	var scopes []string
	err := row.Scan(
		&t.ID,
		&t.OrgID,
		&t.ClusterID,
		&t.Name,
		&t.TokenPrefix,
		&t.TokenHash,
		&scopes,
		&t.LastUsedAt,
		&t.ExpiresAt,
		&t.RevokedAt,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Scopes = make([]models.Scope, len(scopes))
	for i, s := range scopes {
		t.Scopes[i] = models.Scope(s)
	}
	return &t, nil
}

// Compile-time check to ensure tokenRepo implements TokenRepository.
var _ TokenRepository = (*tokenRepo)(nil)
