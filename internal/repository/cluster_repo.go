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

// HeartbeatUpdate carries the cluster fields refreshed by an agent heartbeat.
type HeartbeatUpdate struct {
	Status         models.ClusterStatus
	AgentVersion   *string
	K8sVersion     *string
	NodeCount      int
	NamespaceCount int
	At             time.Time
}

// ClusterRepository defines the interface for cluster operations.
type ClusterRepository interface {
	Create(ctx context.Context, cluster *models.Cluster) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Cluster, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Cluster, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID, hb HeartbeatUpdate) error
	MarkDisconnected(ctx context.Context, before time.Time) (int64, error)
}

type clusterRepo struct {
	pool *pgxpool.Pool
}

// NewClusterRepository creates a new cluster repository.
func NewClusterRepository(pool *pgxpool.Pool) ClusterRepository {
	return &clusterRepo{pool: pool}
}

// Create inserts a new cluster.
func (r *clusterRepo) Create(ctx context.Context, cluster *models.Cluster) error {
	query := `
		INSERT INTO clusters (id, org_id, name, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	if cluster.ID == uuid.Nil {
		cluster.ID = uuid.New()
	}
	if cluster.Status == "" {
		cluster.Status = models.ClusterStatusPending
	}

	return r.pool.QueryRow(ctx, query,
		cluster.ID,
		cluster.OrgID,
		cluster.Name,
		cluster.Status,
	).Scan(&cluster.CreatedAt, &cluster.UpdatedAt)
}

// GetByID retrieves a cluster by ID.
func (r *clusterRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	query := `
		SELECT id, org_id, name, status, agent_version, k8s_version, node_count,
		       namespace_count, last_heartbeat_at, created_at, updated_at
		FROM clusters WHERE id = $1`

	var c models.Cluster
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.OrgID,
		&c.Name,
		&c.Status,
		&c.AgentVersion,
		&c.K8sVersion,
		&c.NodeCount,
		&c.NamespaceCount,
		&c.LastHeartbeatAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListByOrg retrieves all clusters for an organization.
func (r *clusterRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Cluster, error) {
	query := `
		SELECT id, org_id, name, status, agent_version, k8s_version, node_count,
		       namespace_count, last_heartbeat_at, created_at, updated_at
		FROM clusters
		WHERE org_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(
			&c.ID,
			&c.OrgID,
			&c.Name,
			&c.Status,
			&c.AgentVersion,
			&c.K8sVersion,
			&c.NodeCount,
			&c.NamespaceCount,
			&c.LastHeartbeatAt,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}

// RecordHeartbeat updates a cluster's connectivity fields from an agent report.
func (r *clusterRepo) RecordHeartbeat(ctx context.Context, id uuid.UUID, hb HeartbeatUpdate) error {
	query := `
		UPDATE clusters
		SET status = $2, agent_version = $3, k8s_version = $4, node_count = $5,
		    namespace_count = $6, last_heartbeat_at = $7, updated_at = now()
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id,
		hb.Status, hb.AgentVersion, hb.K8sVersion, hb.NodeCount, hb.NamespaceCount, hb.At)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkDisconnected flips clusters with no heartbeat since the cutoff to
// DISCONNECTED. Used by the liveness sweep; best-effort.
func (r *clusterRepo) MarkDisconnected(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE clusters
		SET status = 'DISCONNECTED', updated_at = now()
		WHERE status IN ('CONNECTED', 'DEGRADED')
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Compile-time check to ensure clusterRepo implements ClusterRepository.
var _ ClusterRepository = (*clusterRepo)(nil)
