package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus represents the status of a policy deployment attempt.
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "PENDING"
	DeploymentStatusInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentStatusSucceeded  DeploymentStatus = "SUCCEEDED"
	DeploymentStatusFailed     DeploymentStatus = "FAILED"
	DeploymentStatusRolledBack DeploymentStatus = "ROLLED_BACK"
)

// IsActive reports whether the status counts against the one-active-
// deployment-per-policy invariant.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentStatusPending || s == DeploymentStatusInProgress
}

// IsTerminal reports whether the status is final.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusSucceeded || s == DeploymentStatusFailed || s == DeploymentStatusRolledBack
}

// CanTransitionTo enforces the deployment state machine. The only skip
// permitted is PENDING -> FAILED (an agent may report failure without ever
// reporting a start).
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	switch s {
	case DeploymentStatusPending:
		return next == DeploymentStatusInProgress || next == DeploymentStatusFailed
	case DeploymentStatusInProgress:
		return next == DeploymentStatusSucceeded || next == DeploymentStatusFailed
	case DeploymentStatusFailed:
		// Back to PENDING only through an explicit retry.
		return next == DeploymentStatusPending
	case DeploymentStatusSucceeded:
		// Superseded by a rollback; the row itself is only marked, never reused.
		return next == DeploymentStatusRolledBack
	}
	return false
}

// DeploymentError carries the structured failure detail reported by an
// agent. The retryable flag is the agent's judgment and is preserved
// verbatim; the control plane only enforces the retry-count ceiling.
type DeploymentError struct {
	Kind       string `json:"kind"`
	Resource   string `json:"resource,omitempty"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

// DefaultMaxRetries is the retry ceiling applied to new deployments.
const DefaultMaxRetries = 3

// PolicyDeployment represents one attempt to make a cluster's live state
// match a specific policy version. Rows are created by the orchestrator and
// only ever updated by it; they are never deleted, so the rollback chain
// formed by PreviousDeploymentID cannot dangle.
type PolicyDeployment struct {
	ID                   uuid.UUID        `json:"id" db:"id"`
	OrgID                uuid.UUID        `json:"org_id" db:"org_id"`
	PolicyID             uuid.UUID        `json:"policy_id" db:"policy_id"`
	ClusterID            uuid.UUID        `json:"cluster_id" db:"cluster_id"`
	VersionID            uuid.UUID        `json:"version_id" db:"version_id"`
	Status               DeploymentStatus `json:"status" db:"status"`
	RetryCount           int              `json:"retry_count" db:"retry_count"`
	MaxRetries           int              `json:"max_retries" db:"max_retries"`
	ErrorMessage         *string          `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails         json.RawMessage  `json:"error_details,omitempty" db:"error_details"`
	DeployedResources    json.RawMessage  `json:"deployed_resources,omitempty" db:"deployed_resources"`
	IsRollback           bool             `json:"is_rollback" db:"is_rollback"`
	RollbackNote         *string          `json:"rollback_note,omitempty" db:"rollback_note"`
	PreviousDeploymentID *uuid.UUID       `json:"previous_deployment_id,omitempty" db:"previous_deployment_id"`
	RequestedAt          time.Time        `json:"requested_at" db:"requested_at"`
	StartedAt            *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	LastRetryAt          *time.Time       `json:"last_retry_at,omitempty" db:"last_retry_at"`
}

// AgentReportStatus is the status vocabulary agents use in callbacks. It is
// deliberately narrower than DeploymentStatus: DEPLOYED maps to SUCCEEDED.
type AgentReportStatus string

const (
	AgentReportInProgress AgentReportStatus = "IN_PROGRESS"
	AgentReportDeployed   AgentReportStatus = "DEPLOYED"
	AgentReportFailed     AgentReportStatus = "FAILED"
)
