package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/repository"
)

// RegisterClusterRequest is the request for registering a cluster.
type RegisterClusterRequest struct {
	Name string `json:"name" validate:"required,min=1,max=100"`
}

// HeartbeatRequest is the liveness report an agent sends periodically.
type HeartbeatRequest struct {
	Health         models.HeartbeatHealth `json:"health" validate:"required,oneof=healthy degraded error"`
	AgentVersion   *string                `json:"agent_version,omitempty"`
	K8sVersion     *string                `json:"k8s_version,omitempty"`
	NodeCount      int                    `json:"node_count" validate:"min=0"`
	NamespaceCount int                    `json:"namespace_count" validate:"min=0"`
}

// HeartbeatResponse tells the agent how much work is waiting and when to
// call back.
type HeartbeatResponse struct {
	PendingPolicies int `json:"pending_policies"`
	IntervalSeconds int `json:"interval_seconds"`
}

// ClusterService manages cluster registration and agent liveness.
type ClusterService interface {
	Register(ctx context.Context, orgID uuid.UUID, req RegisterClusterRequest, actorID *uuid.UUID) (*models.Cluster, error)
	Get(ctx context.Context, orgID, clusterID uuid.UUID) (*models.Cluster, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.Cluster, error)

	// Heartbeat records agent liveness and returns the pending work count.
	// Heartbeats never change deployment state.
	Heartbeat(ctx context.Context, ident *Identity, req HeartbeatRequest) (*HeartbeatResponse, error)

	// SweepDisconnected marks clusters without a recent heartbeat as
	// DISCONNECTED. Run periodically from the server loop.
	SweepDisconnected(ctx context.Context) error
}

type clusterService struct {
	clusterRepo       repository.ClusterRepository
	policyRepo        repository.PolicyRepository
	audit             AuditService
	logger            *slog.Logger
	heartbeatInterval time.Duration
	disconnectedAfter time.Duration
}

// NewClusterService creates a new cluster service.
func NewClusterService(clusterRepo repository.ClusterRepository, policyRepo repository.PolicyRepository, audit AuditService, logger *slog.Logger, heartbeatInterval, disconnectedAfter time.Duration) ClusterService {
	return &clusterService{
		clusterRepo:       clusterRepo,
		policyRepo:        policyRepo,
		audit:             audit,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		disconnectedAfter: disconnectedAfter,
	}
}

// Register registers a new cluster in PENDING status. It stays PENDING
// until its agent sends the first heartbeat.
func (s *clusterService) Register(ctx context.Context, orgID uuid.UUID, req RegisterClusterRequest, actorID *uuid.UUID) (*models.Cluster, error) {
	cluster := &models.Cluster{
		OrgID:  orgID,
		Name:   req.Name,
		Status: models.ClusterStatusPending,
	}

	if err := s.clusterRepo.Create(ctx, cluster); err != nil {
		if isDuplicateKey(err) {
			return nil, apierrors.NewConflictError("A cluster with this name already exists")
		}
		return nil, fmt.Errorf("failed to register cluster: %w", err)
	}

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        orgID,
		Action:       models.AuditClusterRegistered,
		ActorID:      actorID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeCluster),
		ResourceID:   &cluster.ID,
		Detail:       auditDetail(map[string]any{"name": cluster.Name}),
	})

	return cluster, nil
}

// Get retrieves a cluster within the caller's organization.
func (s *clusterService) Get(ctx context.Context, orgID, clusterID uuid.UUID) (*models.Cluster, error) {
	cluster, err := s.clusterRepo.GetByID(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	if cluster == nil || cluster.OrgID != orgID {
		return nil, apierrors.NewNotFoundError("Cluster")
	}
	return cluster, nil
}

// List retrieves all clusters for an organization.
func (s *clusterService) List(ctx context.Context, orgID uuid.UUID) ([]*models.Cluster, error) {
	return s.clusterRepo.ListByOrg(ctx, orgID)
}

// Heartbeat records agent liveness.
func (s *clusterService) Heartbeat(ctx context.Context, ident *Identity, req HeartbeatRequest) (*HeartbeatResponse, error) {
	if ident.ClusterID == nil {
		return nil, apierrors.ErrUnauthorized
	}
	clusterID := *ident.ClusterID

	cluster, err := s.clusterRepo.GetByID(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	if cluster == nil || cluster.OrgID != ident.OrgID {
		return nil, apierrors.NewNotFoundError("Cluster")
	}

	newStatus := models.StatusForHealth(req.Health)
	if err := s.clusterRepo.RecordHeartbeat(ctx, clusterID, repository.HeartbeatUpdate{
		Status:         newStatus,
		AgentVersion:   req.AgentVersion,
		K8sVersion:     req.K8sVersion,
		NodeCount:      req.NodeCount,
		NamespaceCount: req.NamespaceCount,
		At:             time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if cluster.Status != newStatus {
		s.audit.Record(ctx, &models.AuditLog{
			OrgID:        ident.OrgID,
			Action:       models.AuditClusterStatusChanged,
			ActorType:    models.ActorTypeAgent,
			ResourceType: ptr(models.ResourceTypeCluster),
			ResourceID:   &clusterID,
			Detail:       auditDetail(map[string]any{"from": cluster.Status, "to": newStatus}),
		})
	}

	pending, err := s.policyRepo.CountPendingByCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending policies: %w", err)
	}

	return &HeartbeatResponse{
		PendingPolicies: pending,
		IntervalSeconds: int(s.heartbeatInterval.Seconds()),
	}, nil
}

// SweepDisconnected marks silent clusters as DISCONNECTED.
func (s *clusterService) SweepDisconnected(ctx context.Context) error {
	cutoff := time.Now().Add(-s.disconnectedAfter)
	n, err := s.clusterRepo.MarkDisconnected(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to sweep disconnected clusters: %w", err)
	}
	if n > 0 {
		s.logger.Info("marked clusters disconnected", "count", n, "cutoff", cutoff)
	}
	return nil
}
