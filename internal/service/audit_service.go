package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	"github.com/fenceline/control-plane/internal/repository"
)

// AuditService records and queries the append-only audit trail.
type AuditService interface {
	// Record writes an audit entry asynchronously. Audit writes never block
	// or fail the operation that produced them.
	Record(ctx context.Context, entry *models.AuditLog)

	// RecordSync writes an audit entry and reports the error. Used where
	// the caller wants to log the failure itself.
	RecordSync(ctx context.Context, entry *models.AuditLog) error

	List(ctx context.Context, orgID uuid.UUID, query models.AuditLogQuery) ([]*models.AuditLog, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
	logger    *slog.Logger
}

// NewAuditService creates a new audit service.
func NewAuditService(auditRepo repository.AuditRepository, logger *slog.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		logger:    logger,
	}
}

// Record persists an entry in the background. The write is detached from
// the request context so cancellation cannot drop the record.
func (s *auditService) Record(ctx context.Context, entry *models.AuditLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordSync(ctx, entry); err != nil {
			s.logger.Error("failed to record audit entry",
				"action", entry.Action,
				"org_id", entry.OrgID,
				"error", err)
		}
	}()
}

func (s *auditService) RecordSync(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.auditRepo.Create(ctx, entry)
}

func (s *auditService) List(ctx context.Context, orgID uuid.UUID, query models.AuditLogQuery) ([]*models.AuditLog, error) {
	query.OrgID = orgID
	return s.auditRepo.List(ctx, query)
}
