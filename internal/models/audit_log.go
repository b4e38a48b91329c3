package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActorType represents the type of entity performing an action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAgent  ActorType = "agent"
	ActorTypeSystem ActorType = "system"
)

// AuditAction represents the type of audit event.
type AuditAction string

const (
	// Policy events
	AuditPolicyCreated  AuditAction = "policy.created"
	AuditPolicyUpdated  AuditAction = "policy.updated"
	AuditPolicyArchived AuditAction = "policy.archived"

	// Deployment events
	AuditDeploymentCreated    AuditAction = "deployment.created"
	AuditDeploymentStarted    AuditAction = "deployment.started"
	AuditDeploymentSucceeded  AuditAction = "deployment.succeeded"
	AuditDeploymentFailed     AuditAction = "deployment.failed"
	AuditDeploymentRetried    AuditAction = "deployment.retried"
	AuditDeploymentRolledBack AuditAction = "deployment.rolled_back"

	// Token events
	AuditTokenCreated AuditAction = "token.created"
	AuditTokenRevoked AuditAction = "token.revoked"

	// Cluster events
	AuditClusterRegistered    AuditAction = "cluster.registered"
	AuditClusterStatusChanged AuditAction = "cluster.status_changed"

	// Auth events
	AuditUserLogin  AuditAction = "user.login"
	AuditUserLogout AuditAction = "user.logout"
)

// ResourceType represents the type of resource being acted upon.
type ResourceType string

const (
	ResourceTypePolicy     ResourceType = "policy"
	ResourceTypeDeployment ResourceType = "deployment"
	ResourceTypeCluster    ResourceType = "cluster"
	ResourceTypeToken      ResourceType = "api_token"
	ResourceTypeUser       ResourceType = "user"
)

// AuditLog represents an append-only audit entry. Entries are never mutated
// or deleted by the control plane.
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	OrgID        uuid.UUID       `json:"org_id" db:"org_id"`
	Action       AuditAction     `json:"action" db:"action"`
	ActorID      *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	ActorType    ActorType       `json:"actor_type" db:"actor_type"`
	ResourceType *ResourceType   `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	Detail       json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// AuditLogQuery represents query parameters for fetching audit logs.
type AuditLogQuery struct {
	OrgID        uuid.UUID
	Action       *AuditAction
	ActorID      *uuid.UUID
	ResourceType *ResourceType
	ResourceID   *uuid.UUID
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
}
