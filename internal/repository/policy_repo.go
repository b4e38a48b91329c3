package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fenceline/control-plane/internal/models"
)

const policyColumns = `id, org_id, cluster_id, name, type, content, status,
       deployed_version, deployed_at, created_at, updated_at`

// PolicyRepository defines the interface for policy and version operations.
type PolicyRepository interface {
	Create(ctx context.Context, policy *models.Policy) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error)
	ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*models.Policy, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Policy, error)
	// ListPendingByCluster returns policies in the pending set for an agent
	// poll, keyset-paginated by (updated_at, id).
	ListPendingByCluster(ctx context.Context, clusterID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.Policy, error)
	CountPendingByCluster(ctx context.Context, clusterID uuid.UUID) (int, error)
	UpdateContent(ctx context.Context, policy *models.Policy) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.PolicyStatus) error

	CreateVersion(ctx context.Context, v *models.PolicyVersion) error
	GetVersion(ctx context.Context, id uuid.UUID) (*models.PolicyVersion, error)
	GetLatestVersion(ctx context.Context, policyID uuid.UUID) (*models.PolicyVersion, error)
	ListVersions(ctx context.Context, policyID uuid.UUID) ([]*models.PolicyVersion, error)
}

type policyRepo struct {
	pool *pgxpool.Pool
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(pool *pgxpool.Pool) PolicyRepository {
	return &policyRepo{pool: pool}
}

// Create inserts a new policy together with its version 1 snapshot, in one
// transaction so a policy can never exist without a deployable version.
func (r *policyRepo) Create(ctx context.Context, policy *models.Policy) error {
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	if policy.Status == "" {
		policy.Status = models.PolicyStatusDraft
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO policies (id, org_id, cluster_id, name, type, content, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	if err := tx.QueryRow(ctx, query,
		policy.ID,
		policy.OrgID,
		policy.ClusterID,
		policy.Name,
		policy.Type,
		policy.Content,
		policy.Status,
	).Scan(&policy.CreatedAt, &policy.UpdatedAt); err != nil {
		return err
	}

	versionQuery := `
		INSERT INTO policy_versions (id, policy_id, version, content)
		VALUES ($1, $2, 1, $3)`
	if _, err := tx.Exec(ctx, versionQuery, uuid.New(), policy.ID, policy.Content); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetByID retrieves a policy by ID.
func (r *policyRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	return scanPolicy(r.pool.QueryRow(ctx, query, id))
}

// ListByCluster retrieves all policies for a cluster.
func (r *policyRepo) ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE cluster_id = $1 ORDER BY created_at DESC`
	return r.queryPolicies(ctx, query, clusterID)
}

// ListByOrg retrieves all policies for an organization.
func (r *policyRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE org_id = $1 ORDER BY created_at DESC`
	return r.queryPolicies(ctx, query, orgID)
}

// ListPendingByCluster returns PENDING policies for a cluster, paginated by
// id keyset so agents can walk large sets without offset scans.
func (r *policyRepo) ListPendingByCluster(ctx context.Context, clusterID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.Policy, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + policyColumns + ` FROM policies WHERE cluster_id = $1 AND status = 'PENDING'`
	args := []any{clusterID}

	if cursor != nil {
		query += fmt.Sprintf(` AND id > $%d`, len(args)+1)
		args = append(args, *cursor)
	}

	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return r.queryPolicies(ctx, query, args...)
}

// CountPendingByCluster counts policies in the pending set for a cluster.
func (r *policyRepo) CountPendingByCluster(ctx context.Context, clusterID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM policies WHERE cluster_id = $1 AND status = 'PENDING'`
	var count int
	err := r.pool.QueryRow(ctx, query, clusterID).Scan(&count)
	return count, err
}

// UpdateContent replaces policy content and writes the next immutable
// version snapshot in one transaction. The version number is assigned from
// the current maximum inside the transaction.
func (r *policyRepo) UpdateContent(ctx context.Context, policy *models.Policy) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE policies
		SET content = $2, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	if err := tx.QueryRow(ctx, query, policy.ID, policy.Content).Scan(&policy.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgx.ErrNoRows
		}
		return err
	}

	versionQuery := `
		INSERT INTO policy_versions (id, policy_id, version, content, created_by)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4
		FROM policy_versions WHERE policy_id = $2`
	if _, err := tx.Exec(ctx, versionQuery, uuid.New(), policy.ID, policy.Content, nil); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetStatus updates a policy's status outside the deployment flow (draft,
// simulating, archived). Deployment-driven mirroring goes through the
// deployment repository's transactional methods instead.
func (r *policyRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.PolicyStatus) error {
	query := `UPDATE policies SET status = $2, updated_at = now() WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CreateVersion inserts a version snapshot directly. Used by tests and
// imports; the normal path is Create/UpdateContent.
func (r *policyRepo) CreateVersion(ctx context.Context, v *models.PolicyVersion) error {
	query := `
		INSERT INTO policy_versions (id, policy_id, version, content, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query, v.ID, v.PolicyID, v.Version, v.Content, v.CreatedBy).
		Scan(&v.CreatedAt)
}

// GetVersion retrieves a policy version by ID.
func (r *policyRepo) GetVersion(ctx context.Context, id uuid.UUID) (*models.PolicyVersion, error) {
	query := `
		SELECT id, policy_id, version, content, created_by, created_at
		FROM policy_versions WHERE id = $1`
	return scanVersion(r.pool.QueryRow(ctx, query, id))
}

// GetLatestVersion retrieves the highest-numbered version for a policy.
func (r *policyRepo) GetLatestVersion(ctx context.Context, policyID uuid.UUID) (*models.PolicyVersion, error) {
	query := `
		SELECT id, policy_id, version, content, created_by, created_at
		FROM policy_versions
		WHERE policy_id = $1
		ORDER BY version DESC
		LIMIT 1`
	return scanVersion(r.pool.QueryRow(ctx, query, policyID))
}

// ListVersions retrieves all versions for a policy, newest first.
func (r *policyRepo) ListVersions(ctx context.Context, policyID uuid.UUID) ([]*models.PolicyVersion, error) {
	query := `
		SELECT id, policy_id, version, content, created_by, created_at
		FROM policy_versions
		WHERE policy_id = $1
		ORDER BY version DESC`

	rows, err := r.pool.Query(ctx, query, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.PolicyVersion
	for rows.Next() {
		var v models.PolicyVersion
		if err := rows.Scan(&v.ID, &v.PolicyID, &v.Version, &v.Content, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func (r *policyRepo) queryPolicies(ctx context.Context, query string, args ...any) ([]*models.Policy, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*models.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row pgx.Row) (*models.Policy, error) {
	var p models.Policy
	err := row.Scan(
		&p.ID,
		&p.OrgID,
		&p.ClusterID,
		&p.Name,
		&p.Type,
		&p.Content,
		&p.Status,
		&p.DeployedVersion,
		&p.DeployedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanVersion(row pgx.Row) (*models.PolicyVersion, error) {
	var v models.PolicyVersion
	err := row.Scan(&v.ID, &v.PolicyID, &v.Version, &v.Content, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Compile-time check to ensure policyRepo implements PolicyRepository.
var _ PolicyRepository = (*policyRepo)(nil)
