package models

import (
	"time"

	"github.com/google/uuid"
)

// PolicyType is an opaque tag describing the policy dialect. The control
// plane never interprets policy content; the tag exists so the agent and
// dashboard know which engine a policy targets.
type PolicyType string

const (
	PolicyTypeCiliumNetwork   PolicyType = "cilium_network"
	PolicyTypeTetragonRuntime PolicyType = "tetragon_runtime"
	PolicyTypeGatewayRoute    PolicyType = "gateway_route"
)

// IsValidPolicyType checks if a policy type tag is known.
func IsValidPolicyType(t PolicyType) bool {
	switch t {
	case PolicyTypeCiliumNetwork, PolicyTypeTetragonRuntime, PolicyTypeGatewayRoute:
		return true
	}
	return false
}

// PolicyStatus represents the lifecycle status of a policy. It is a derived
// mirror of the policy's most recent active or terminal deployment; the
// orchestrator updates it in the same transaction as the deployment row so
// the two can never disagree.
type PolicyStatus string

const (
	PolicyStatusDraft      PolicyStatus = "DRAFT"
	PolicyStatusSimulating PolicyStatus = "SIMULATING"
	PolicyStatusPending    PolicyStatus = "PENDING"
	PolicyStatusDeployed   PolicyStatus = "DEPLOYED"
	PolicyStatusFailed     PolicyStatus = "FAILED"
	PolicyStatusArchived   PolicyStatus = "ARCHIVED"
)

// Policy represents a unit of desired declarative configuration for one
// cluster. Deployments always reference an immutable PolicyVersion, never
// the current content blob.
type Policy struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	OrgID           uuid.UUID    `json:"org_id" db:"org_id"`
	ClusterID       uuid.UUID    `json:"cluster_id" db:"cluster_id"`
	Name            string       `json:"name" db:"name"`
	Type            PolicyType   `json:"type" db:"type"`
	Content         string       `json:"content" db:"content"`
	Status          PolicyStatus `json:"status" db:"status"`
	DeployedVersion *int         `json:"deployed_version,omitempty" db:"deployed_version"`
	DeployedAt      *time.Time   `json:"deployed_at,omitempty" db:"deployed_at"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// PolicyVersion is an immutable snapshot of a policy's content, numbered
// monotonically per policy starting at 1. Versions are never mutated once
// written.
type PolicyVersion struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PolicyID  uuid.UUID `json:"policy_id" db:"policy_id"`
	Version   int       `json:"version" db:"version"`
	Content   string    `json:"content" db:"content"`
	CreatedBy *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PendingPolicyStatuses is the set of policy statuses an agent polls for.
var PendingPolicyStatuses = []PolicyStatus{PolicyStatusPending}
