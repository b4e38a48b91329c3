package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fenceline/control-plane/internal/models"
)

// ErrActiveDeploymentExists is returned when an insert collides with the
// one-active-deployment-per-policy index. The index is the authoritative
// guard; any pre-check in the service layer is advisory.
var ErrActiveDeploymentExists = errors.New("an active deployment already exists for this policy")

// ErrStaleStatus is returned when a guarded status update matched no row,
// meaning a concurrent request already moved the deployment out of the
// expected status.
var ErrStaleStatus = errors.New("deployment status changed concurrently")

const deploymentColumns = `id, org_id, policy_id, cluster_id, version_id, status,
       retry_count, max_retries, error_message, error_details, deployed_resources,
       is_rollback, rollback_note, previous_deployment_id,
       requested_at, started_at, completed_at, last_retry_at`

// DeploymentRepository defines the interface for policy deployment
// operations. Every method that moves a deployment between states also
// mirrors the parent policy's status inside the same transaction, so the
// two records can never disagree about what is in flight.
type DeploymentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.PolicyDeployment, error)
	GetActiveByPolicy(ctx context.Context, policyID uuid.UUID) (*models.PolicyDeployment, error)
	GetLatestByPolicy(ctx context.Context, policyID uuid.UUID) (*models.PolicyDeployment, error)
	ListByPolicy(ctx context.Context, policyID uuid.UUID, limit int) ([]*models.PolicyDeployment, error)
	ListStale(ctx context.Context, orgID uuid.UUID, olderThan time.Time) ([]*models.PolicyDeployment, error)

	// CreateActive inserts a new PENDING deployment and sets the policy
	// status to PENDING. If supersedes names a SUCCEEDED deployment it is
	// flipped to ROLLED_BACK in the same transaction (the rollback path).
	// Returns ErrActiveDeploymentExists if another active deployment holds
	// the per-policy slot.
	CreateActive(ctx context.Context, d *models.PolicyDeployment, supersedes *uuid.UUID) error

	// MarkInProgress moves PENDING -> IN_PROGRESS. The policy status stays
	// PENDING; the in-progress subdivision lives only on the deployment.
	MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time) error

	// MarkSucceeded moves IN_PROGRESS (or PENDING) -> SUCCEEDED and mirrors
	// the policy to DEPLOYED with the given version number and timestamp.
	MarkSucceeded(ctx context.Context, id uuid.UUID, completedAt time.Time, deployedResources json.RawMessage, deployedVersion int) error

	// MarkFailed moves the active deployment -> FAILED, persists the error,
	// and mirrors the policy to FAILED.
	MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errMsg string, errDetails json.RawMessage) error

	// MarkRetried moves FAILED -> PENDING, increments retry_count, clears
	// error fields, and mirrors the policy back to PENDING. The deployment
	// row keeps its identity across retries.
	MarkRetried(ctx context.Context, id uuid.UUID, retryAt time.Time) error
}

type deploymentRepo struct {
	pool *pgxpool.Pool
}

// NewDeploymentRepository creates a new deployment repository.
func NewDeploymentRepository(pool *pgxpool.Pool) DeploymentRepository {
	return &deploymentRepo{pool: pool}
}

// GetByID retrieves a deployment by ID.
func (r *deploymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PolicyDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM policy_deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// GetActiveByPolicy retrieves the PENDING or IN_PROGRESS deployment for a
// policy, if any. The partial unique index guarantees at most one row.
func (r *deploymentRepo) GetActiveByPolicy(ctx context.Context, policyID uuid.UUID) (*models.PolicyDeployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM policy_deployments
		WHERE policy_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')`
	return scanDeployment(r.pool.QueryRow(ctx, query, policyID))
}

// GetLatestByPolicy retrieves the most recently requested deployment for a
// policy regardless of status.
func (r *deploymentRepo) GetLatestByPolicy(ctx context.Context, policyID uuid.UUID) (*models.PolicyDeployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM policy_deployments
		WHERE policy_id = $1
		ORDER BY requested_at DESC
		LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, policyID))
}

// ListByPolicy retrieves deployments for a policy, newest first.
func (r *deploymentRepo) ListByPolicy(ctx context.Context, policyID uuid.UUID, limit int) ([]*models.PolicyDeployment, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + deploymentColumns + `
		FROM policy_deployments
		WHERE policy_id = $1
		ORDER BY requested_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, policyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []*models.PolicyDeployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// ListStale retrieves active deployments requested before the cutoff. Used
// for the operator-facing staleness report; there is no automatic timeout.
func (r *deploymentRepo) ListStale(ctx context.Context, orgID uuid.UUID, olderThan time.Time) ([]*models.PolicyDeployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM policy_deployments
		WHERE org_id = $1 AND status IN ('PENDING', 'IN_PROGRESS') AND requested_at < $2
		ORDER BY requested_at`

	rows, err := r.pool.Query(ctx, query, orgID, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []*models.PolicyDeployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// CreateActive inserts a PENDING deployment and mirrors the policy status.
func (r *deploymentRepo) CreateActive(ctx context.Context, d *models.PolicyDeployment, supersedes *uuid.UUID) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DeploymentStatusPending
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = models.DefaultMaxRetries
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if supersedes != nil {
		// Terminal marker on the deployment being rolled away from. Guarded
		// so a non-SUCCEEDED row is never touched.
		marked, err := tx.Exec(ctx, `
			UPDATE policy_deployments
			SET status = 'ROLLED_BACK'
			WHERE id = $1 AND status = 'SUCCEEDED'`, *supersedes)
		if err != nil {
			return err
		}
		_ = marked // a FAILED predecessor simply keeps its status
	}

	query := `
		INSERT INTO policy_deployments
			(id, org_id, policy_id, cluster_id, version_id, status, max_retries,
			 is_rollback, rollback_note, previous_deployment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING requested_at`

	err = tx.QueryRow(ctx, query,
		d.ID,
		d.OrgID,
		d.PolicyID,
		d.ClusterID,
		d.VersionID,
		d.Status,
		d.MaxRetries,
		d.IsRollback,
		d.RollbackNote,
		d.PreviousDeploymentID,
	).Scan(&d.RequestedAt)
	if err != nil {
		if isUniqueViolation(err, "policy_deployments_one_active") {
			return ErrActiveDeploymentExists
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policies SET status = 'PENDING', updated_at = now() WHERE id = $1`,
		d.PolicyID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkInProgress moves PENDING -> IN_PROGRESS.
func (r *deploymentRepo) MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE policy_deployments
		SET status = 'IN_PROGRESS', started_at = $2
		WHERE id = $1 AND status = 'PENDING'`

	result, err := r.pool.Exec(ctx, query, id, startedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// MarkSucceeded finalizes a deployment and mirrors the policy to DEPLOYED.
func (r *deploymentRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, completedAt time.Time, deployedResources json.RawMessage, deployedVersion int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var policyID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE policy_deployments
		SET status = 'SUCCEEDED', completed_at = $2, deployed_resources = $3
		WHERE id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		RETURNING policy_id`, id, completedAt, deployedResources).Scan(&policyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleStatus
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policies
		SET status = 'DEPLOYED', deployed_version = $2, deployed_at = $3, updated_at = now()
		WHERE id = $1`, policyID, deployedVersion, completedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkFailed finalizes a deployment as FAILED and mirrors the policy.
func (r *deploymentRepo) MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errMsg string, errDetails json.RawMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var policyID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE policy_deployments
		SET status = 'FAILED', completed_at = $2, error_message = $3, error_details = $4
		WHERE id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		RETURNING policy_id`, id, completedAt, errMsg, errDetails).Scan(&policyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleStatus
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policies SET status = 'FAILED', updated_at = now() WHERE id = $1`,
		policyID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkRetried re-arms a FAILED deployment without creating a new row.
func (r *deploymentRepo) MarkRetried(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var policyID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE policy_deployments
		SET status = 'PENDING', retry_count = retry_count + 1,
		    error_message = NULL, error_details = NULL,
		    completed_at = NULL, started_at = NULL, last_retry_at = $2
		WHERE id = $1 AND status = 'FAILED' AND retry_count < max_retries
		RETURNING policy_id`, id, retryAt).Scan(&policyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleStatus
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policies SET status = 'PENDING', updated_at = now() WHERE id = $1`,
		policyID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}

func scanDeployment(row pgx.Row) (*models.PolicyDeployment, error) {
	var d models.PolicyDeployment
	err := row.Scan(
		&d.ID,
		&d.OrgID,
		&d.PolicyID,
		&d.ClusterID,
		&d.VersionID,
		&d.Status,
		&d.RetryCount,
		&d.MaxRetries,
		&d.ErrorMessage,
		&d.ErrorDetails,
		&d.DeployedResources,
		&d.IsRollback,
		&d.RollbackNote,
		&d.PreviousDeploymentID,
		&d.RequestedAt,
		&d.StartedAt,
		&d.CompletedAt,
		&d.LastRetryAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Compile-time check to ensure deploymentRepo implements DeploymentRepository.
var _ DeploymentRepository = (*deploymentRepo)(nil)
