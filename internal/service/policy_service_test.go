package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
)

type testPolicyService struct {
	policyRepo  *mockPolicyRepo
	clusterRepo *mockClusterRepo
	deployRepo  *mockDeploymentRepo
	audit       *mockAuditService
	svc         PolicyService
}

func newTestPolicyService() *testPolicyService {
	policyRepo := newMockPolicyRepo()
	clusterRepo := newMockClusterRepo()
	deployRepo := newMockDeploymentRepo(policyRepo)
	audit := newMockAuditService()

	return &testPolicyService{
		policyRepo:  policyRepo,
		clusterRepo: clusterRepo,
		deployRepo:  deployRepo,
		audit:       audit,
		svc:         NewPolicyService(policyRepo, clusterRepo, deployRepo, audit),
	}
}

func (ts *testPolicyService) createCluster(orgID uuid.UUID) *models.Cluster {
	cluster := &models.Cluster{OrgID: orgID, Name: "prod"}
	_ = ts.clusterRepo.Create(context.Background(), cluster)
	return cluster
}

func TestPolicyService_Create(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("creates a draft with a version 1 snapshot", func(t *testing.T) {
		ts := newTestPolicyService()
		cluster := ts.createCluster(orgID)

		policy, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: cluster.ID,
			Name:      "allow-dns",
			Type:      models.PolicyTypeCiliumNetwork,
			Content:   "apiVersion: cilium.io/v2",
		}, nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if policy.Status != models.PolicyStatusDraft {
			t.Errorf("Status = %v, want DRAFT", policy.Status)
		}

		v, err := ts.policyRepo.GetLatestVersion(ctx, policy.ID)
		if err != nil || v == nil {
			t.Fatalf("GetLatestVersion() = %v, %v", v, err)
		}
		if v.Version != 1 {
			t.Errorf("Version = %v, want 1", v.Version)
		}
		if v.Content != policy.Content {
			t.Errorf("Content = %q, want %q", v.Content, policy.Content)
		}
	})

	t.Run("rejects unknown policy types", func(t *testing.T) {
		ts := newTestPolicyService()
		cluster := ts.createCluster(orgID)

		_, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: cluster.ID,
			Name:      "bad",
			Type:      "firewall_rule",
			Content:   "x",
		}, nil)
		apiErr := apierrors.AsAPIError(err)
		if apiErr.Code != "validation_error" {
			t.Errorf("Create() error = %v, want validation_error", err)
		}
	})

	t.Run("rejects oversized content", func(t *testing.T) {
		ts := newTestPolicyService()
		cluster := ts.createCluster(orgID)

		_, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: cluster.ID,
			Name:      "huge",
			Type:      models.PolicyTypeCiliumNetwork,
			Content:   strings.Repeat("a", maxPolicyContentBytes+1),
		}, nil)
		apiErr := apierrors.AsAPIError(err)
		if apiErr.Code != "validation_error" {
			t.Errorf("Create() error = %v, want validation_error", err)
		}
	})

	t.Run("masks other orgs' clusters as not found", func(t *testing.T) {
		ts := newTestPolicyService()
		cluster := ts.createCluster(uuid.New())

		_, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: cluster.ID,
			Name:      "stolen",
			Type:      models.PolicyTypeCiliumNetwork,
			Content:   "x",
		}, nil)
		if !errors.Is(err, apierrors.ErrNotFound) {
			t.Errorf("Create() error = %v, want not_found", err)
		}
	})
}

func TestPolicyService_Update(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	setup := func(t *testing.T) (*testPolicyService, *models.Policy) {
		t.Helper()
		ts := newTestPolicyService()
		cluster := ts.createCluster(orgID)
		policy, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: cluster.ID,
			Name:      "allow-dns",
			Type:      models.PolicyTypeCiliumNetwork,
			Content:   "v1",
		}, nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		return ts, policy
	}

	t.Run("snapshots a new version", func(t *testing.T) {
		ts, policy := setup(t)

		updated, err := ts.svc.Update(ctx, orgID, policy.ID, UpdatePolicyRequest{Content: "v2"}, nil)
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated.Content != "v2" {
			t.Errorf("Content = %q, want %q", updated.Content, "v2")
		}

		latest, _ := ts.policyRepo.GetLatestVersion(ctx, policy.ID)
		if latest.Version != 2 {
			t.Errorf("latest Version = %v, want 2", latest.Version)
		}

		versions, _ := ts.svc.ListVersions(ctx, orgID, policy.ID)
		if len(versions) != 2 {
			t.Errorf("len(versions) = %v, want 2", len(versions))
		}
	})

	t.Run("blocked while a deployment is active", func(t *testing.T) {
		ts, policy := setup(t)
		_ = ts.deployRepo.CreateActive(ctx, &models.PolicyDeployment{
			OrgID: orgID, PolicyID: policy.ID, ClusterID: policy.ClusterID,
		}, nil)

		_, err := ts.svc.Update(ctx, orgID, policy.ID, UpdatePolicyRequest{Content: "v2"}, nil)
		if !errors.Is(err, apierrors.ErrConflict) {
			t.Errorf("Update() error = %v, want conflict", err)
		}
	})

	t.Run("rejects updates to archived policies", func(t *testing.T) {
		ts, policy := setup(t)
		if err := ts.svc.Archive(ctx, orgID, policy.ID, nil); err != nil {
			t.Fatalf("Archive() error = %v", err)
		}

		_, err := ts.svc.Update(ctx, orgID, policy.ID, UpdatePolicyRequest{Content: "v2"}, nil)
		if !errors.Is(err, apierrors.ErrInvalidState) {
			t.Errorf("Update() error = %v, want invalid_state", err)
		}
	})
}

func TestPolicyService_Archive(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	setup := func(t *testing.T) (*testPolicyService, *models.Policy) {
		t.Helper()
		ts := newTestPolicyService()
		cluster := ts.createCluster(orgID)
		policy, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: cluster.ID,
			Name:      "allow-dns",
			Type:      models.PolicyTypeCiliumNetwork,
			Content:   "v1",
		}, nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		return ts, policy
	}

	t.Run("archives and keeps history", func(t *testing.T) {
		ts, policy := setup(t)

		if err := ts.svc.Archive(ctx, orgID, policy.ID, nil); err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
		stored, _ := ts.svc.Get(ctx, orgID, policy.ID)
		if stored.Status != models.PolicyStatusArchived {
			t.Errorf("Status = %v, want ARCHIVED", stored.Status)
		}

		versions, err := ts.svc.ListVersions(ctx, orgID, policy.ID)
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if len(versions) != 1 {
			t.Errorf("len(versions) = %v, want 1", len(versions))
		}
	})

	t.Run("archiving twice is a no-op", func(t *testing.T) {
		ts, policy := setup(t)

		if err := ts.svc.Archive(ctx, orgID, policy.ID, nil); err != nil {
			t.Fatalf("first Archive() error = %v", err)
		}
		if err := ts.svc.Archive(ctx, orgID, policy.ID, nil); err != nil {
			t.Errorf("second Archive() error = %v, want nil", err)
		}
	})

	t.Run("blocked while a deployment is active", func(t *testing.T) {
		ts, policy := setup(t)
		_ = ts.deployRepo.CreateActive(ctx, &models.PolicyDeployment{
			OrgID: orgID, PolicyID: policy.ID, ClusterID: policy.ClusterID,
		}, nil)

		err := ts.svc.Archive(ctx, orgID, policy.ID, nil)
		if !errors.Is(err, apierrors.ErrConflict) {
			t.Errorf("Archive() error = %v, want conflict", err)
		}
	})
}

func TestPolicyService_List(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	ts := newTestPolicyService()
	first := ts.createCluster(orgID)
	second := ts.createCluster(orgID)
	foreign := ts.createCluster(uuid.New())

	for _, c := range []*models.Cluster{first, second} {
		if _, err := ts.svc.Create(ctx, orgID, CreatePolicyRequest{
			ClusterID: c.ID,
			Name:      "allow-dns",
			Type:      models.PolicyTypeCiliumNetwork,
			Content:   "x",
		}, nil); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	all, err := ts.svc.List(ctx, orgID, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %v, want 2", len(all))
	}

	scoped, err := ts.svc.List(ctx, orgID, &first.ID)
	if err != nil {
		t.Fatalf("List(cluster) error = %v", err)
	}
	if len(scoped) != 1 {
		t.Errorf("len(scoped) = %v, want 1", len(scoped))
	}

	if _, err := ts.svc.List(ctx, orgID, &foreign.ID); !errors.Is(err, apierrors.ErrNotFound) {
		t.Errorf("List(foreign cluster) error = %v, want not_found", err)
	}
}
