package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
)

type testClusterService struct {
	clusterRepo *mockClusterRepo
	policyRepo  *mockPolicyRepo
	audit       *mockAuditService
	svc         ClusterService
}

func newTestClusterService() *testClusterService {
	clusterRepo := newMockClusterRepo()
	policyRepo := newMockPolicyRepo()
	audit := newMockAuditService()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testClusterService{
		clusterRepo: clusterRepo,
		policyRepo:  policyRepo,
		audit:       audit,
		svc:         NewClusterService(clusterRepo, policyRepo, audit, logger, 30*time.Second, 5*time.Minute),
	}
}

func TestClusterService_Register(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	ts := newTestClusterService()
	cluster, err := ts.svc.Register(ctx, orgID, RegisterClusterRequest{Name: "prod-us-east"}, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if cluster.Status != models.ClusterStatusPending {
		t.Errorf("Status = %v, want PENDING", cluster.Status)
	}
	if cluster.LastHeartbeatAt != nil {
		t.Error("LastHeartbeatAt set before any heartbeat")
	}
}

func TestClusterService_Heartbeat(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	setup := func(t *testing.T) (*testClusterService, *models.Cluster, *Identity) {
		t.Helper()
		ts := newTestClusterService()
		cluster, err := ts.svc.Register(ctx, orgID, RegisterClusterRequest{Name: "prod"}, nil)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		ident := &Identity{
			TokenID:   uuid.New(),
			OrgID:     orgID,
			ClusterID: &cluster.ID,
			Scopes:    []models.Scope{models.ScopeClusterWrite},
		}
		return ts, cluster, ident
	}

	t.Run("connects a pending cluster", func(t *testing.T) {
		ts, cluster, ident := setup(t)

		version := "v0.9.1"
		resp, err := ts.svc.Heartbeat(ctx, ident, HeartbeatRequest{
			Health:       models.HeartbeatHealthy,
			AgentVersion: &version,
			NodeCount:    4,
		})
		if err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}
		if resp.IntervalSeconds != 30 {
			t.Errorf("IntervalSeconds = %v, want 30", resp.IntervalSeconds)
		}

		if cluster.Status != models.ClusterStatusConnected {
			t.Errorf("Status = %v, want CONNECTED", cluster.Status)
		}
		if cluster.LastHeartbeatAt == nil {
			t.Error("LastHeartbeatAt not set")
		}
		if cluster.AgentVersion == nil || *cluster.AgentVersion != version {
			t.Errorf("AgentVersion = %v, want %q", cluster.AgentVersion, version)
		}
	})

	t.Run("maps reported health to cluster status", func(t *testing.T) {
		cases := []struct {
			health models.HeartbeatHealth
			want   models.ClusterStatus
		}{
			{models.HeartbeatHealthy, models.ClusterStatusConnected},
			{models.HeartbeatDegraded, models.ClusterStatusDegraded},
			{models.HeartbeatError, models.ClusterStatusError},
		}
		for _, tc := range cases {
			ts, cluster, ident := setup(t)
			if _, err := ts.svc.Heartbeat(ctx, ident, HeartbeatRequest{Health: tc.health}); err != nil {
				t.Fatalf("Heartbeat(%s) error = %v", tc.health, err)
			}
			if cluster.Status != tc.want {
				t.Errorf("Heartbeat(%s): Status = %v, want %v", tc.health, cluster.Status, tc.want)
			}
		}
	})

	t.Run("audits only on status change", func(t *testing.T) {
		ts, _, ident := setup(t)

		for i := 0; i < 3; i++ {
			if _, err := ts.svc.Heartbeat(ctx, ident, HeartbeatRequest{Health: models.HeartbeatHealthy}); err != nil {
				t.Fatalf("Heartbeat() error = %v", err)
			}
		}

		changes := 0
		for _, action := range ts.audit.actions() {
			if action == models.AuditClusterStatusChanged {
				changes++
			}
		}
		if changes != 1 {
			t.Errorf("status change audits = %v, want 1", changes)
		}
	})

	t.Run("reports pending policy count", func(t *testing.T) {
		ts, cluster, ident := setup(t)
		_ = ts.policyRepo.Create(ctx, &models.Policy{
			OrgID: orgID, ClusterID: cluster.ID, Name: "a",
			Type: models.PolicyTypeCiliumNetwork, Status: models.PolicyStatusPending,
		})
		_ = ts.policyRepo.Create(ctx, &models.Policy{
			OrgID: orgID, ClusterID: cluster.ID, Name: "b",
			Type: models.PolicyTypeCiliumNetwork, Status: models.PolicyStatusDeployed,
		})

		resp, err := ts.svc.Heartbeat(ctx, ident, HeartbeatRequest{Health: models.HeartbeatHealthy})
		if err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}
		if resp.PendingPolicies != 1 {
			t.Errorf("PendingPolicies = %v, want 1", resp.PendingPolicies)
		}
	})

	t.Run("rejects org-level identities", func(t *testing.T) {
		ts, _, _ := setup(t)
		ident := &Identity{TokenID: uuid.New(), OrgID: orgID, Scopes: []models.Scope{models.ScopeClusterWrite}}

		_, err := ts.svc.Heartbeat(ctx, ident, HeartbeatRequest{Health: models.HeartbeatHealthy})
		if !errors.Is(err, apierrors.ErrUnauthorized) {
			t.Errorf("Heartbeat() error = %v, want unauthorized", err)
		}
	})
}

func TestClusterService_SweepDisconnected(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	ts := newTestClusterService()
	silent, _ := ts.svc.Register(ctx, orgID, RegisterClusterRequest{Name: "silent"}, nil)
	fresh, _ := ts.svc.Register(ctx, orgID, RegisterClusterRequest{Name: "fresh"}, nil)
	never, _ := ts.svc.Register(ctx, orgID, RegisterClusterRequest{Name: "never"}, nil)

	old := time.Now().Add(-time.Hour)
	silent.Status = models.ClusterStatusConnected
	silent.LastHeartbeatAt = &old
	now := time.Now()
	fresh.Status = models.ClusterStatusConnected
	fresh.LastHeartbeatAt = &now

	if err := ts.svc.SweepDisconnected(ctx); err != nil {
		t.Fatalf("SweepDisconnected() error = %v", err)
	}

	if silent.Status != models.ClusterStatusDisconnected {
		t.Errorf("silent Status = %v, want DISCONNECTED", silent.Status)
	}
	if fresh.Status != models.ClusterStatusConnected {
		t.Errorf("fresh Status = %v, want CONNECTED", fresh.Status)
	}
	// A cluster that never sent a heartbeat stays PENDING rather than
	// flapping to DISCONNECTED.
	if never.Status != models.ClusterStatusPending {
		t.Errorf("never Status = %v, want PENDING", never.Status)
	}
}

func TestClusterService_Get(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	ts := newTestClusterService()
	cluster, _ := ts.svc.Register(ctx, orgID, RegisterClusterRequest{Name: "prod"}, nil)

	if _, err := ts.svc.Get(ctx, orgID, cluster.ID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := ts.svc.Get(ctx, uuid.New(), cluster.ID); !errors.Is(err, apierrors.ErrNotFound) {
		t.Errorf("cross-org Get() error = %v, want not_found", err)
	}
}
