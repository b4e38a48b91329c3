package service

import (
	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
)

// Identity is the resolved caller context produced by authentication. For
// agent tokens ClusterID is always set; org-level tokens and session users
// leave it nil.
type Identity struct {
	TokenID   uuid.UUID
	OrgID     uuid.UUID
	ClusterID *uuid.UUID
	Scopes    []models.Scope
}

// HasScope checks exact-match membership in the identity's scope set.
func (id *Identity) HasScope(s models.Scope) bool {
	for _, held := range id.Scopes {
		if held == s {
			return true
		}
	}
	return false
}

// RequireScope returns ErrForbidden when the identity lacks the scope.
// Scope failure is always distinct from authentication failure.
func (id *Identity) RequireScope(s models.Scope) error {
	if !id.HasScope(s) {
		return apierrors.ErrForbidden
	}
	return nil
}

// CanAccess is the access boundary check: an identity may act on a resource
// only when the organizations match and, for cluster-scoped identities, the
// clusters match too. Callers surface a false result as NotFound, never
// Forbidden, so existence is not confirmed across tenants.
func (id *Identity) CanAccess(resourceOrgID uuid.UUID, resourceClusterID *uuid.UUID) bool {
	if id.OrgID != resourceOrgID {
		return false
	}
	if id.ClusterID != nil {
		if resourceClusterID == nil || *resourceClusterID != *id.ClusterID {
			return false
		}
	}
	return true
}
