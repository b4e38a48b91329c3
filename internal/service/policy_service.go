package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/repository"
)

// maxPolicyContentBytes caps a single policy document. Policy content is
// opaque to the control plane, so size is the only content check applied.
const maxPolicyContentBytes = 256 * 1024

// CreatePolicyRequest is the request for creating a policy.
type CreatePolicyRequest struct {
	ClusterID uuid.UUID         `json:"cluster_id" validate:"required"`
	Name      string            `json:"name" validate:"required,min=1,max=100"`
	Type      models.PolicyType `json:"type" validate:"required"`
	Content   string            `json:"content" validate:"required"`
}

// UpdatePolicyRequest is the request for updating a policy's content. Every
// content change snapshots a new immutable version.
type UpdatePolicyRequest struct {
	Content string `json:"content" validate:"required"`
}

// PolicyService manages policies and their version history.
type PolicyService interface {
	Create(ctx context.Context, orgID uuid.UUID, req CreatePolicyRequest, actorID *uuid.UUID) (*models.Policy, error)
	Get(ctx context.Context, orgID, policyID uuid.UUID) (*models.Policy, error)
	List(ctx context.Context, orgID uuid.UUID, clusterID *uuid.UUID) ([]*models.Policy, error)
	Update(ctx context.Context, orgID, policyID uuid.UUID, req UpdatePolicyRequest, actorID *uuid.UUID) (*models.Policy, error)
	Archive(ctx context.Context, orgID, policyID uuid.UUID, actorID *uuid.UUID) error
	ListVersions(ctx context.Context, orgID, policyID uuid.UUID) ([]*models.PolicyVersion, error)
}

type policyService struct {
	policyRepo  repository.PolicyRepository
	clusterRepo repository.ClusterRepository
	deployRepo  repository.DeploymentRepository
	audit       AuditService
}

// NewPolicyService creates a new policy service.
func NewPolicyService(policyRepo repository.PolicyRepository, clusterRepo repository.ClusterRepository, deployRepo repository.DeploymentRepository, audit AuditService) PolicyService {
	return &policyService{
		policyRepo:  policyRepo,
		clusterRepo: clusterRepo,
		deployRepo:  deployRepo,
		audit:       audit,
	}
}

// Create creates a policy and its version 1 snapshot.
func (s *policyService) Create(ctx context.Context, orgID uuid.UUID, req CreatePolicyRequest, actorID *uuid.UUID) (*models.Policy, error) {
	if !models.IsValidPolicyType(req.Type) {
		return nil, apierrors.NewValidationError("type", fmt.Sprintf("unknown policy type %q", req.Type))
	}
	if len(req.Content) > maxPolicyContentBytes {
		return nil, apierrors.NewValidationError("content", "policy content exceeds 256KiB")
	}

	cluster, err := s.clusterRepo.GetByID(ctx, req.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	if cluster == nil || cluster.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Cluster")
	}

	policy := &models.Policy{
		OrgID:     orgID,
		ClusterID: req.ClusterID,
		Name:      req.Name,
		Type:      req.Type,
		Content:   req.Content,
		Status:    models.PolicyStatusDraft,
	}

	if err := s.policyRepo.Create(ctx, policy); err != nil {
		if isDuplicateKey(err) {
			return nil, apierrors.NewConflictError("A policy with this name already exists on the cluster")
		}
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditPolicyCreated,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypePolicy),
		ResourceID:   &policy.ID,
		Detail:       auditDetail(map[string]any{"name": policy.Name, "cluster_id": policy.ClusterID}),
	})

	return policy, nil
}

// Get retrieves a policy within the caller's organization.
func (s *policyService) Get(ctx context.Context, orgID, policyID uuid.UUID) (*models.Policy, error) {
	policy, err := s.policyRepo.GetByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if policy == nil || policy.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Policy")
	}
	return policy, nil
}

// List retrieves policies for an organization, optionally one cluster.
func (s *policyService) List(ctx context.Context, orgID uuid.UUID, clusterID *uuid.UUID) ([]*models.Policy, error) {
	if clusterID == nil {
		return s.policyRepo.ListByOrg(ctx, orgID)
	}

	cluster, err := s.clusterRepo.GetByID(ctx, *clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	if cluster == nil || cluster.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Cluster")
	}
	return s.policyRepo.ListByCluster(ctx, *clusterID)
}

// Update replaces a policy's content and snapshots a new version. Updating
// is blocked while a deployment is in flight so the agent's work queue
// cannot change underneath it.
func (s *policyService) Update(ctx context.Context, orgID, policyID uuid.UUID, req UpdatePolicyRequest, actorID *uuid.UUID) (*models.Policy, error) {
	policy, err := s.Get(ctx, orgID, policyID)
	if err != nil {
		return nil, err
	}
	if policy.Status == models.PolicyStatusArchived {
		return nil, apierrors.ErrInvalidState.WithMessage("Archived policies cannot be updated")
	}
	if len(req.Content) > maxPolicyContentBytes {
		return nil, apierrors.NewValidationError("content", "policy content exceeds 256KiB")
	}

	active, err := s.deployRepo.GetActiveByPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active deployment: %w", err)
	}
	if active != nil {
		return nil, apierrors.NewConflictError("Policy has an active deployment; wait for it to finish")
	}

	policy.Content = req.Content
	if err := s.policyRepo.UpdateContent(ctx, policy); err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditPolicyUpdated,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypePolicy),
		ResourceID:   &policyID,
	})

	return policy, nil
}

// Archive retires a policy. Archived policies cannot be deployed or updated
// but keep their version and deployment history.
func (s *policyService) Archive(ctx context.Context, orgID, policyID uuid.UUID, actorID *uuid.UUID) error {
	policy, err := s.Get(ctx, orgID, policyID)
	if err != nil {
		return err
	}
	if policy.Status == models.PolicyStatusArchived {
		return nil
	}

	active, err := s.deployRepo.GetActiveByPolicy(ctx, policyID)
	if err != nil {
		return fmt.Errorf("failed to check active deployment: %w", err)
	}
	if active != nil {
		return apierrors.NewConflictError("Policy has an active deployment; wait for it to finish")
	}

	if err := s.policyRepo.SetStatus(ctx, policyID, models.PolicyStatusArchived); err != nil {
		return fmt.Errorf("failed to archive policy: %w", err)
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditPolicyArchived,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypePolicy),
		ResourceID:   &policyID,
	})

	return nil
}

// ListVersions retrieves the version history of a policy, newest first.
func (s *policyService) ListVersions(ctx context.Context, orgID, policyID uuid.UUID) ([]*models.PolicyVersion, error) {
	if _, err := s.Get(ctx, orgID, policyID); err != nil {
		return nil, err
	}
	return s.policyRepo.ListVersions(ctx, policyID)
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
