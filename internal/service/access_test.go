package service

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
)

func TestIdentity_CanAccess(t *testing.T) {
	orgID := uuid.New()
	clusterID := uuid.New()
	otherOrg := uuid.New()
	otherCluster := uuid.New()

	orgIdent := &Identity{OrgID: orgID}
	agentIdent := &Identity{OrgID: orgID, ClusterID: &clusterID}

	cases := []struct {
		name            string
		ident           *Identity
		resourceOrg     uuid.UUID
		resourceCluster *uuid.UUID
		want            bool
	}{
		{"org identity reaches any cluster in its org", orgIdent, orgID, &clusterID, true},
		{"org identity reaches org-level resources", orgIdent, orgID, nil, true},
		{"org identity blocked across orgs", orgIdent, otherOrg, &clusterID, false},
		{"agent reaches its own cluster", agentIdent, orgID, &clusterID, true},
		{"agent blocked from sibling clusters", agentIdent, orgID, &otherCluster, false},
		{"agent blocked from org-level resources", agentIdent, orgID, nil, false},
		{"agent blocked across orgs even with matching cluster", agentIdent, otherOrg, &clusterID, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ident.CanAccess(tc.resourceOrg, tc.resourceCluster); got != tc.want {
				t.Errorf("CanAccess() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIdentity_Scopes(t *testing.T) {
	ident := &Identity{
		OrgID:  uuid.New(),
		Scopes: []models.Scope{models.ScopePolicyRead, models.ScopeClusterWrite},
	}

	if !ident.HasScope(models.ScopePolicyRead) {
		t.Error("HasScope(policy:read) = false")
	}
	if ident.HasScope(models.ScopePolicyWrite) {
		t.Error("HasScope(policy:write) = true, scope never granted")
	}

	if err := ident.RequireScope(models.ScopeClusterWrite); err != nil {
		t.Errorf("RequireScope(cluster:write) error = %v", err)
	}
	err := ident.RequireScope(models.ScopeFlowWrite)
	if !errors.Is(err, apierrors.ErrForbidden) {
		t.Errorf("RequireScope(flow:write) error = %v, want forbidden", err)
	}
	// Scope failure must never masquerade as a credential failure.
	if errors.Is(err, apierrors.ErrUnauthorized) {
		t.Error("scope failure compared equal to unauthorized")
	}
}
