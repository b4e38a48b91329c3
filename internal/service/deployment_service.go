package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/repository"
)

var deploymentTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fenceline_deployment_transitions_total",
		Help: "Deployment status transitions by resulting status.",
	},
	[]string{"status", "is_rollback"},
)

// CreateDeploymentRequest is the request for deploying a policy.
type CreateDeploymentRequest struct {
	PolicyID  uuid.UUID  `json:"policy_id" validate:"required"`
	VersionID *uuid.UUID `json:"version_id,omitempty"`
}

// RollbackRequest is the request for rolling a policy back to a previously
// successful deployment.
type RollbackRequest struct {
	TargetDeploymentID uuid.UUID `json:"target_deployment_id" validate:"required"`
	Note               *string   `json:"note,omitempty" validate:"omitempty,max=500"`
}

// AgentStatusReport is the callback body an agent sends while working a
// deployment. Version, when set on a DEPLOYED report, overrides the pinned
// version number and is recorded verbatim.
type AgentStatusReport struct {
	Status            models.AgentReportStatus `json:"status" validate:"required"`
	ErrorMessage      *string                  `json:"error_message,omitempty"`
	Error             *models.DeploymentError  `json:"error,omitempty"`
	DeployedResources json.RawMessage          `json:"deployed_resources,omitempty"`
	Version           *int                     `json:"version,omitempty"`
}

// PendingWork is one unit of work handed to a polling agent: the active
// deployment plus the exact version content it must apply.
type PendingWork struct {
	Deployment *models.PolicyDeployment `json:"deployment"`
	PolicyID   uuid.UUID                `json:"policy_id"`
	PolicyName string                   `json:"policy_name"`
	PolicyType models.PolicyType        `json:"policy_type"`
	Version    int                      `json:"version"`
	Content    string                   `json:"content"`
}

// DeploymentService is the orchestrator: it owns every deployment state
// transition and the policy status mirror that follows from it.
type DeploymentService interface {
	// Create opens a new deployment for a policy. versionID defaults to the
	// policy's latest version. At most one deployment per policy may be
	// active; a collision returns ErrConflict.
	Create(ctx context.Context, orgID uuid.UUID, req CreateDeploymentRequest, actorID *uuid.UUID) (*models.PolicyDeployment, error)

	Get(ctx context.Context, orgID, deploymentID uuid.UUID) (*models.PolicyDeployment, error)
	ListByPolicy(ctx context.Context, orgID, policyID uuid.UUID, limit int) ([]*models.PolicyDeployment, error)

	// ReportStatus applies an agent callback against a policy's active
	// deployment. Illegal transitions return ErrInvalidState; the report is
	// otherwise applied exactly once even under concurrent duplicate
	// callbacks.
	ReportStatus(ctx context.Context, ident *Identity, policyID uuid.UUID, report AgentStatusReport) (*models.PolicyDeployment, error)

	// Retry re-arms a FAILED deployment in place. The retry ceiling is
	// enforced here and in the guarded update; exceeding it returns
	// ErrRetryLimitExceeded.
	Retry(ctx context.Context, orgID, deploymentID uuid.UUID, actorID *uuid.UUID) (*models.PolicyDeployment, error)

	// Rollback opens a new deployment pinned to the version of a previously
	// SUCCEEDED deployment and marks that deployment ROLLED_BACK.
	Rollback(ctx context.Context, orgID, policyID uuid.UUID, req RollbackRequest, actorID *uuid.UUID) (*models.PolicyDeployment, error)

	// PendingWork returns one page of the work queue for a polling agent,
	// walked by id keyset. A non-nil next cursor means another page exists.
	PendingWork(ctx context.Context, ident *Identity, cursor *uuid.UUID, limit int) ([]PendingWork, *uuid.UUID, error)

	// StaleActive lists active deployments older than the cutoff. There is
	// no automatic timeout; this feeds the operator staleness report.
	StaleActive(ctx context.Context, orgID uuid.UUID, olderThan time.Duration) ([]*models.PolicyDeployment, error)
}

type deploymentService struct {
	deployRepo repository.DeploymentRepository
	policyRepo repository.PolicyRepository
	audit      AuditService
	logger     *slog.Logger
}

// NewDeploymentService creates a new deployment service.
func NewDeploymentService(deployRepo repository.DeploymentRepository, policyRepo repository.PolicyRepository, audit AuditService, logger *slog.Logger) DeploymentService {
	return &deploymentService{
		deployRepo: deployRepo,
		policyRepo: policyRepo,
		audit:      audit,
		logger:     logger,
	}
}

// Create opens a new deployment for a policy.
func (s *deploymentService) Create(ctx context.Context, orgID uuid.UUID, req CreateDeploymentRequest, actorID *uuid.UUID) (*models.PolicyDeployment, error) {
	policy, err := s.policyRepo.GetByID(ctx, req.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if policy == nil || policy.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Policy")
	}
	if policy.Status == models.PolicyStatusArchived {
		return nil, apierrors.ErrInvalidState.WithMessage("Archived policies cannot be deployed")
	}

	version, err := s.resolveVersion(ctx, policy.ID, req.VersionID)
	if err != nil {
		return nil, err
	}

	deployment := &models.PolicyDeployment{
		OrgID:      orgID,
		PolicyID:   policy.ID,
		ClusterID:  policy.ClusterID,
		VersionID:  version.ID,
		MaxRetries: models.DefaultMaxRetries,
	}

	if err := s.deployRepo.CreateActive(ctx, deployment, nil); err != nil {
		if errors.Is(err, repository.ErrActiveDeploymentExists) {
			return nil, apierrors.NewConflictError("An active deployment already exists for this policy")
		}
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	deploymentTransitions.WithLabelValues(string(models.DeploymentStatusPending), "false").Inc()

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditDeploymentCreated,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeDeployment),
		ResourceID:   &deployment.ID,
		Detail:       auditDetail(map[string]any{"policy_id": policy.ID, "version": version.Version}),
	})

	return deployment, nil
}

// Get retrieves a deployment within the caller's organization.
func (s *deploymentService) Get(ctx context.Context, orgID, deploymentID uuid.UUID) (*models.PolicyDeployment, error) {
	deployment, err := s.deployRepo.GetByID(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	if deployment == nil || deployment.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Deployment")
	}
	return deployment, nil
}

// ListByPolicy retrieves a policy's deployment history, newest first.
func (s *deploymentService) ListByPolicy(ctx context.Context, orgID, policyID uuid.UUID, limit int) ([]*models.PolicyDeployment, error) {
	policy, err := s.policyRepo.GetByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if policy == nil || policy.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Policy")
	}
	return s.deployRepo.ListByPolicy(ctx, policyID, limit)
}

// ReportStatus applies an agent callback.
func (s *deploymentService) ReportStatus(ctx context.Context, ident *Identity, policyID uuid.UUID, report AgentStatusReport) (*models.PolicyDeployment, error) {
	policy, err := s.policyRepo.GetByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if policy == nil || !ident.CanAccess(policy.OrgID, &policy.ClusterID) {
		return nil, apierrors.NewNotFoundError("Policy")
	}

	deployment, err := s.deployRepo.GetActiveByPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active deployment: %w", err)
	}
	if deployment == nil {
		return nil, apierrors.ErrInvalidState.WithMessage("Policy has no active deployment")
	}
	deploymentID := deployment.ID

	next, err := mapAgentStatus(report.Status)
	if err != nil {
		return nil, err
	}
	if !deployment.Status.CanTransitionTo(next) {
		return nil, apierrors.ErrInvalidState.WithMessage(fmt.Sprintf(
			"Cannot move deployment from %s to %s", deployment.Status, next))
	}

	now := time.Now()
	switch next {
	case models.DeploymentStatusInProgress:
		err = s.deployRepo.MarkInProgress(ctx, deploymentID, now)

	case models.DeploymentStatusSucceeded:
		// The agent may report the version it actually applied; take it
		// verbatim so rollback-to-arbitrary-version stays honest. Otherwise
		// the pinned version wins.
		var deployedVersion int
		if report.Version != nil {
			deployedVersion = *report.Version
		} else {
			var version *models.PolicyVersion
			version, err = s.policyRepo.GetVersion(ctx, deployment.VersionID)
			if err != nil {
				return nil, fmt.Errorf("failed to get version: %w", err)
			}
			if version == nil {
				return nil, fmt.Errorf("deployment %s references missing version %s", deploymentID, deployment.VersionID)
			}
			deployedVersion = version.Version
		}
		err = s.deployRepo.MarkSucceeded(ctx, deploymentID, now, report.DeployedResources, deployedVersion)

	case models.DeploymentStatusFailed:
		msg := "deployment failed"
		if report.ErrorMessage != nil {
			msg = *report.ErrorMessage
		}
		var details json.RawMessage
		if report.Error != nil {
			details, _ = json.Marshal(report.Error)
		}
		err = s.deployRepo.MarkFailed(ctx, deploymentID, now, msg, details)
	}

	if errors.Is(err, repository.ErrStaleStatus) {
		// A concurrent report won the guarded update.
		return nil, apierrors.ErrInvalidState.WithMessage("Deployment status changed concurrently")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update deployment: %w", err)
	}

	deploymentTransitions.WithLabelValues(string(next), fmt.Sprintf("%t", deployment.IsRollback)).Inc()
	s.recordTransitionAudit(ctx, deployment, next, report)

	return s.deployRepo.GetByID(ctx, deploymentID)
}

// Retry re-arms a FAILED deployment in place.
func (s *deploymentService) Retry(ctx context.Context, orgID, deploymentID uuid.UUID, actorID *uuid.UUID) (*models.PolicyDeployment, error) {
	deployment, err := s.Get(ctx, orgID, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != models.DeploymentStatusFailed {
		return nil, apierrors.ErrInvalidState.WithMessage("Only failed deployments can be retried")
	}
	if deployment.RetryCount >= deployment.MaxRetries {
		return nil, apierrors.ErrRetryLimitExceeded
	}

	if err := s.deployRepo.MarkRetried(ctx, deploymentID, time.Now()); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			// The guarded update also enforces the ceiling, so a concurrent
			// retry exhausting the budget lands here.
			return nil, apierrors.ErrRetryLimitExceeded
		}
		return nil, fmt.Errorf("failed to retry deployment: %w", err)
	}

	deploymentTransitions.WithLabelValues(string(models.DeploymentStatusPending), fmt.Sprintf("%t", deployment.IsRollback)).Inc()

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditDeploymentRetried,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeDeployment),
		ResourceID:   &deploymentID,
		Detail:       auditDetail(map[string]any{"retry_count": deployment.RetryCount + 1}),
	})

	return s.deployRepo.GetByID(ctx, deploymentID)
}

// Rollback opens a rollback deployment targeting a prior success.
func (s *deploymentService) Rollback(ctx context.Context, orgID, policyID uuid.UUID, req RollbackRequest, actorID *uuid.UUID) (*models.PolicyDeployment, error) {
	policy, err := s.policyRepo.GetByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if policy == nil || policy.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Policy")
	}

	target, err := s.deployRepo.GetByID(ctx, req.TargetDeploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback target: %w", err)
	}
	if target == nil || target.OrgID != orgID || target.PolicyID != policyID {
		return nil, apierrors.NewNotFoundError("Deployment")
	}
	if target.Status != models.DeploymentStatusSucceeded {
		return nil, apierrors.ErrInvalidRollbackTarget
	}

	previous, err := s.deployRepo.GetLatestByPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest deployment: %w", err)
	}

	deployment := &models.PolicyDeployment{
		OrgID:        orgID,
		PolicyID:     policyID,
		ClusterID:    policy.ClusterID,
		VersionID:    target.VersionID,
		MaxRetries:   models.DefaultMaxRetries,
		IsRollback:   true,
		RollbackNote: req.Note,
	}
	if previous != nil {
		deployment.PreviousDeploymentID = &previous.ID
	}

	if err := s.deployRepo.CreateActive(ctx, deployment, &target.ID); err != nil {
		if errors.Is(err, repository.ErrActiveDeploymentExists) {
			return nil, apierrors.NewConflictError("An active deployment already exists for this policy")
		}
		return nil, fmt.Errorf("failed to create rollback deployment: %w", err)
	}

	deploymentTransitions.WithLabelValues(string(models.DeploymentStatusPending), "true").Inc()

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditDeploymentRolledBack,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeDeployment),
		ResourceID:   &deployment.ID,
		Detail: auditDetail(map[string]any{
			"policy_id":            policyID,
			"target_deployment_id": target.ID,
		}),
	})

	return deployment, nil
}

// maxPendingPageSize caps a single pending-work page; the repository clamps
// to the same bound.
const maxPendingPageSize = 100

// PendingWork assembles one keyset page of the work queue for a polling agent.
func (s *deploymentService) PendingWork(ctx context.Context, ident *Identity, cursor *uuid.UUID, limit int) ([]PendingWork, *uuid.UUID, error) {
	if ident.ClusterID == nil {
		return nil, nil, apierrors.ErrUnauthorized
	}
	if limit <= 0 || limit > maxPendingPageSize {
		limit = maxPendingPageSize
	}

	policies, err := s.policyRepo.ListPendingByCluster(ctx, *ident.ClusterID, cursor, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pending policies: %w", err)
	}

	work := make([]PendingWork, 0, len(policies))
	for _, policy := range policies {
		deployment, err := s.deployRepo.GetActiveByPolicy(ctx, policy.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get active deployment: %w", err)
		}
		if deployment == nil {
			// Policy status drifted ahead of the deployment row; skip rather
			// than hand the agent work it cannot report against.
			s.logger.Warn("pending policy has no active deployment", "policy_id", policy.ID)
			continue
		}

		version, err := s.policyRepo.GetVersion(ctx, deployment.VersionID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get version: %w", err)
		}
		if version == nil {
			continue
		}

		work = append(work, PendingWork{
			Deployment: deployment,
			PolicyID:   policy.ID,
			PolicyName: policy.Name,
			PolicyType: policy.Type,
			Version:    version.Version,
			Content:    version.Content,
		})
	}

	// A full page means more may follow; the cursor advances past every
	// policy examined, including any skipped for drift.
	var next *uuid.UUID
	if len(policies) == limit {
		last := policies[len(policies)-1].ID
		next = &last
	}
	return work, next, nil
}

// StaleActive lists active deployments older than the cutoff.
func (s *deploymentService) StaleActive(ctx context.Context, orgID uuid.UUID, olderThan time.Duration) ([]*models.PolicyDeployment, error) {
	if olderThan <= 0 {
		olderThan = 15 * time.Minute
	}
	return s.deployRepo.ListStale(ctx, orgID, time.Now().Add(-olderThan))
}

func (s *deploymentService) resolveVersion(ctx context.Context, policyID uuid.UUID, versionID *uuid.UUID) (*models.PolicyVersion, error) {
	if versionID == nil {
		version, err := s.policyRepo.GetLatestVersion(ctx, policyID)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest version: %w", err)
		}
		if version == nil {
			return nil, apierrors.NewNotFoundError("Policy version")
		}
		return version, nil
	}

	version, err := s.policyRepo.GetVersion(ctx, *versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	if version == nil || version.PolicyID != policyID {
		return nil, apierrors.NewNotFoundError("Policy version")
	}
	return version, nil
}

func (s *deploymentService) recordTransitionAudit(ctx context.Context, d *models.PolicyDeployment, next models.DeploymentStatus, report AgentStatusReport) {
	var action models.AuditAction
	var detail map[string]any
	switch next {
	case models.DeploymentStatusInProgress:
		action = models.AuditDeploymentStarted
	case models.DeploymentStatusSucceeded:
		action = models.AuditDeploymentSucceeded
	case models.DeploymentStatusFailed:
		action = models.AuditDeploymentFailed
		detail = map[string]any{}
		if report.ErrorMessage != nil {
			detail["error_message"] = *report.ErrorMessage
		}
		if report.Error != nil {
			detail["retryable"] = report.Error.Retryable
		}
	default:
		return
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        d.OrgID,
		Action:       action,
		ActorType:    models.ActorTypeAgent,
		ResourceType: ptr(models.ResourceTypeDeployment),
		ResourceID:   &d.ID,
		Detail:       auditDetail(detail),
	})
}

func mapAgentStatus(s models.AgentReportStatus) (models.DeploymentStatus, error) {
	switch s {
	case models.AgentReportInProgress:
		return models.DeploymentStatusInProgress, nil
	case models.AgentReportDeployed:
		return models.DeploymentStatusSucceeded, nil
	case models.AgentReportFailed:
		return models.DeploymentStatusFailed, nil
	}
	return "", apierrors.NewValidationError("status", fmt.Sprintf("unknown status %q", s))
}

func auditDetail(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
