package models

import (
	"time"

	"github.com/google/uuid"
)

// ClusterStatus represents the connectivity status of a registered cluster.
type ClusterStatus string

const (
	ClusterStatusPending      ClusterStatus = "PENDING"
	ClusterStatusConnected    ClusterStatus = "CONNECTED"
	ClusterStatusDegraded     ClusterStatus = "DEGRADED"
	ClusterStatusDisconnected ClusterStatus = "DISCONNECTED"
	ClusterStatusError        ClusterStatus = "ERROR"
)

// Cluster represents a registered remote target belonging to one organization.
// Its connectivity status is driven by heartbeat reports from the agent
// running inside it; heartbeats are best-effort liveness and never gate
// deployment state.
type Cluster struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	OrgID           uuid.UUID     `json:"org_id" db:"org_id"`
	Name            string        `json:"name" db:"name"`
	Status          ClusterStatus `json:"status" db:"status"`
	AgentVersion    *string       `json:"agent_version,omitempty" db:"agent_version"`
	K8sVersion      *string       `json:"k8s_version,omitempty" db:"k8s_version"`
	NodeCount       int           `json:"node_count" db:"node_count"`
	NamespaceCount  int           `json:"namespace_count" db:"namespace_count"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// HeartbeatHealth is the health enum an agent reports with a heartbeat.
type HeartbeatHealth string

const (
	HeartbeatHealthy  HeartbeatHealth = "healthy"
	HeartbeatDegraded HeartbeatHealth = "degraded"
	HeartbeatError    HeartbeatHealth = "error"
)

// StatusForHealth maps a reported heartbeat health to a cluster status.
func StatusForHealth(h HeartbeatHealth) ClusterStatus {
	switch h {
	case HeartbeatDegraded:
		return ClusterStatusDegraded
	case HeartbeatError:
		return ClusterStatusError
	default:
		return ClusterStatusConnected
	}
}
