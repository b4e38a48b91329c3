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

// AuditRepository defines the interface for audit log operations. The log
// is append-only; there is no update or delete path.
type AuditRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error)
	List(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error)
}

type auditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new audit log repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepo{pool: pool}
}

// Create inserts a new audit log entry.
func (r *auditRepo) Create(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, org_id, action, actor_id, actor_type, resource_type, resource_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		log.ID,
		log.OrgID,
		log.Action,
		log.ActorID,
		log.ActorType,
		log.ResourceType,
		log.ResourceID,
		log.Detail,
	).Scan(&log.CreatedAt)
}

// GetByID retrieves an audit log by ID.
func (r *auditRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error) {
	query := `
		SELECT id, org_id, action, actor_id, actor_type, resource_type, resource_id, detail, created_at
		FROM audit_logs WHERE id = $1`

	var log models.AuditLog
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&log.ID,
		&log.OrgID,
		&log.Action,
		&log.ActorID,
		&log.ActorType,
		&log.ResourceType,
		&log.ResourceID,
		&log.Detail,
		&log.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// List retrieves audit logs based on query parameters.
func (r *auditRepo) List(ctx context.Context, q models.AuditLogQuery) ([]*models.AuditLog, error) {
	baseQuery := `
		SELECT id, org_id, action, actor_id, actor_type, resource_type, resource_id, detail, created_at
		FROM audit_logs
		WHERE org_id = $1`

	args := []any{q.OrgID}

	if q.Action != nil {
		args = append(args, *q.Action)
		baseQuery += fmt.Sprintf(` AND action = $%d`, len(args))
	}

	if q.ActorID != nil {
		args = append(args, *q.ActorID)
		baseQuery += fmt.Sprintf(` AND actor_id = $%d`, len(args))
	}

	if q.ResourceType != nil {
		args = append(args, *q.ResourceType)
		baseQuery += fmt.Sprintf(` AND resource_type = $%d`, len(args))
	}

	if q.ResourceID != nil {
		args = append(args, *q.ResourceID)
		baseQuery += fmt.Sprintf(` AND resource_id = $%d`, len(args))
	}

	if q.StartTime != nil {
		args = append(args, *q.StartTime)
		baseQuery += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}

	if q.EndTime != nil {
		args = append(args, *q.EndTime)
		baseQuery += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	baseQuery += ` ORDER BY created_at DESC`

	limit := q.Limit
	if limit == 0 || limit > 100 {
		limit = 100
	}
	args = append(args, limit)
	baseQuery += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var log models.AuditLog
		if err := rows.Scan(
			&log.ID,
			&log.OrgID,
			&log.Action,
			&log.ActorID,
			&log.ActorType,
			&log.ResourceType,
			&log.ResourceID,
			&log.Detail,
			&log.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// Compile-time check to ensure auditRepo implements AuditRepository.
var _ AuditRepository = (*auditRepo)(nil)
