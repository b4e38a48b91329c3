package models

import (
	"time"

	"github.com/google/uuid"
)

// Scope is a named permission an API token either holds or lacks. Scopes are
// a closed set so typos fail validation instead of silently never matching.
type Scope string

const (
	ScopePolicyRead     Scope = "policy:read"
	ScopePolicyWrite    Scope = "policy:write"
	ScopeClusterWrite   Scope = "cluster:write"
	ScopeFlowWrite      Scope = "flow:write"
	ScopeTelemetryWrite Scope = "telemetry:write"
)

// AllScopes lists every valid token scope.
var AllScopes = []Scope{
	ScopePolicyRead,
	ScopePolicyWrite,
	ScopeClusterWrite,
	ScopeFlowWrite,
	ScopeTelemetryWrite,
}

// IsValidScope checks if a scope is known.
func IsValidScope(s Scope) bool {
	for _, known := range AllScopes {
		if known == s {
			return true
		}
	}
	return false
}

// ValidateScopes checks that every scope in a list is known.
func ValidateScopes(scopes []Scope) bool {
	for _, s := range scopes {
		if !IsValidScope(s) {
			return false
		}
	}
	return true
}

// APIToken is a credential scoped to an organization and, for agent tokens,
// to one cluster within it. The secret itself is never stored: only a keyed
// one-way hash and a short display prefix are persisted. A token with a nil
// ClusterID is an org-level credential and must never satisfy agent
// authentication, regardless of its scopes.
type APIToken struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	OrgID       uuid.UUID  `json:"org_id" db:"org_id"`
	ClusterID   *uuid.UUID `json:"cluster_id,omitempty" db:"cluster_id"`
	Name        string     `json:"name" db:"name"`
	TokenPrefix string     `json:"token_prefix" db:"token_prefix"` // fl_xxxxxxxxx (for display)
	TokenHash   string     `json:"-" db:"token_hash"`              // HMAC-SHA256, keyed by server pepper
	Scopes      []Scope    `json:"scopes" db:"scopes"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// IsUsable reports whether the token is neither revoked nor expired.
func (t *APIToken) IsUsable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// HasScope checks exact-match membership in the token's scope set.
func (t *APIToken) HasScope(s Scope) bool {
	for _, held := range t.Scopes {
		if held == s {
			return true
		}
	}
	return false
}

// APITokenResponse is the response format for token operations. The full
// secret is included only on creation and never again.
type APITokenResponse struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	ClusterID   *uuid.UUID `json:"cluster_id,omitempty"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"token_prefix"`
	Token       string     `json:"token,omitempty"` // Only set on creation
	Scopes      []Scope    `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
