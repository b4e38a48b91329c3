package service

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	"github.com/fenceline/control-plane/internal/repository"
)

// --- Mock Repositories ---

type mockPolicyRepo struct {
	policies map[uuid.UUID]*models.Policy
	versions map[uuid.UUID]*models.PolicyVersion
}

func newMockPolicyRepo() *mockPolicyRepo {
	return &mockPolicyRepo{
		policies: make(map[uuid.UUID]*models.Policy),
		versions: make(map[uuid.UUID]*models.PolicyVersion),
	}
}

func (m *mockPolicyRepo) Create(ctx context.Context, policy *models.Policy) error {
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	if policy.Status == "" {
		policy.Status = models.PolicyStatusDraft
	}
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = policy.CreatedAt
	m.policies[policy.ID] = policy

	v := &models.PolicyVersion{
		ID:        uuid.New(),
		PolicyID:  policy.ID,
		Version:   1,
		Content:   policy.Content,
		CreatedAt: time.Now(),
	}
	m.versions[v.ID] = v
	return nil
}

func (m *mockPolicyRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	return m.policies[id], nil
}

func (m *mockPolicyRepo) ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*models.Policy, error) {
	var result []*models.Policy
	for _, p := range m.policies {
		if p.ClusterID == clusterID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockPolicyRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Policy, error) {
	var result []*models.Policy
	for _, p := range m.policies {
		if p.OrgID == orgID {
			result = append(result, p)
		}
	}
	return result, nil
}

// ListPendingByCluster walks the pending set by id keyset the way the SQL
// implementation does: byte-ordered ids, cursor exclusive, limit clamped.
func (m *mockPolicyRepo) ListPendingByCluster(ctx context.Context, clusterID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.Policy, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var result []*models.Policy
	for _, p := range m.policies {
		if p.ClusterID != clusterID || p.Status != models.PolicyStatusPending {
			continue
		}
		if cursor != nil && bytes.Compare(p.ID[:], cursor[:]) <= 0 {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockPolicyRepo) CountPendingByCluster(ctx context.Context, clusterID uuid.UUID) (int, error) {
	n := 0
	for _, p := range m.policies {
		if p.ClusterID == clusterID && p.Status == models.PolicyStatusPending {
			n++
		}
	}
	return n, nil
}

func (m *mockPolicyRepo) UpdateContent(ctx context.Context, policy *models.Policy) error {
	policy.UpdatedAt = time.Now()
	m.policies[policy.ID] = policy

	next := 0
	for _, v := range m.versions {
		if v.PolicyID == policy.ID && v.Version > next {
			next = v.Version
		}
	}
	v := &models.PolicyVersion{
		ID:        uuid.New(),
		PolicyID:  policy.ID,
		Version:   next + 1,
		Content:   policy.Content,
		CreatedAt: time.Now(),
	}
	m.versions[v.ID] = v
	return nil
}

func (m *mockPolicyRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.PolicyStatus) error {
	if p, ok := m.policies[id]; ok {
		p.Status = status
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockPolicyRepo) CreateVersion(ctx context.Context, v *models.PolicyVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now()
	m.versions[v.ID] = v
	return nil
}

func (m *mockPolicyRepo) GetVersion(ctx context.Context, id uuid.UUID) (*models.PolicyVersion, error) {
	return m.versions[id], nil
}

func (m *mockPolicyRepo) GetLatestVersion(ctx context.Context, policyID uuid.UUID) (*models.PolicyVersion, error) {
	var latest *models.PolicyVersion
	for _, v := range m.versions {
		if v.PolicyID == policyID && (latest == nil || v.Version > latest.Version) {
			latest = v
		}
	}
	return latest, nil
}

func (m *mockPolicyRepo) ListVersions(ctx context.Context, policyID uuid.UUID) ([]*models.PolicyVersion, error) {
	var result []*models.PolicyVersion
	for _, v := range m.versions {
		if v.PolicyID == policyID {
			result = append(result, v)
		}
	}
	return result, nil
}

// mockDeploymentRepo mirrors policy status the way the real repository does
// inside its transactions, so service tests observe both sides of each
// transition.
type mockDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[uuid.UUID]*models.PolicyDeployment
	policies    *mockPolicyRepo
}

func newMockDeploymentRepo(policies *mockPolicyRepo) *mockDeploymentRepo {
	return &mockDeploymentRepo{
		deployments: make(map[uuid.UUID]*models.PolicyDeployment),
		policies:    policies,
	}
}

func (m *mockDeploymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PolicyDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deployments[id], nil
}

func (m *mockDeploymentRepo) GetActiveByPolicy(ctx context.Context, policyID uuid.UUID) (*models.PolicyDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(policyID), nil
}

func (m *mockDeploymentRepo) activeLocked(policyID uuid.UUID) *models.PolicyDeployment {
	for _, d := range m.deployments {
		if d.PolicyID == policyID && d.Status.IsActive() {
			return d
		}
	}
	return nil
}

func (m *mockDeploymentRepo) GetLatestByPolicy(ctx context.Context, policyID uuid.UUID) (*models.PolicyDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.PolicyDeployment
	for _, d := range m.deployments {
		if d.PolicyID == policyID && (latest == nil || d.RequestedAt.After(latest.RequestedAt)) {
			latest = d
		}
	}
	return latest, nil
}

func (m *mockDeploymentRepo) ListByPolicy(ctx context.Context, policyID uuid.UUID, limit int) ([]*models.PolicyDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.PolicyDeployment
	for _, d := range m.deployments {
		if d.PolicyID == policyID {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *mockDeploymentRepo) ListStale(ctx context.Context, orgID uuid.UUID, olderThan time.Time) ([]*models.PolicyDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.PolicyDeployment
	for _, d := range m.deployments {
		if d.OrgID == orgID && d.Status.IsActive() && d.RequestedAt.Before(olderThan) {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *mockDeploymentRepo) CreateActive(ctx context.Context, d *models.PolicyDeployment, supersedes *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked(d.PolicyID) != nil {
		return repository.ErrActiveDeploymentExists
	}

	if supersedes != nil {
		if prev, ok := m.deployments[*supersedes]; ok && prev.Status == models.DeploymentStatusSucceeded {
			prev.Status = models.DeploymentStatusRolledBack
		}
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DeploymentStatusPending
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = models.DefaultMaxRetries
	}
	d.RequestedAt = time.Now()
	m.deployments[d.ID] = d

	if p, ok := m.policies.policies[d.PolicyID]; ok {
		p.Status = models.PolicyStatusPending
	}
	return nil
}

func (m *mockDeploymentRepo) MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.Status != models.DeploymentStatusPending {
		return repository.ErrStaleStatus
	}
	d.Status = models.DeploymentStatusInProgress
	d.StartedAt = &startedAt
	return nil
}

func (m *mockDeploymentRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, completedAt time.Time, deployedResources json.RawMessage, deployedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || !d.Status.IsActive() {
		return repository.ErrStaleStatus
	}
	d.Status = models.DeploymentStatusSucceeded
	d.CompletedAt = &completedAt
	d.DeployedResources = deployedResources

	if p, ok := m.policies.policies[d.PolicyID]; ok {
		p.Status = models.PolicyStatusDeployed
		p.DeployedVersion = &deployedVersion
		p.DeployedAt = &completedAt
	}
	return nil
}

func (m *mockDeploymentRepo) MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errMsg string, errDetails json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || !d.Status.IsActive() {
		return repository.ErrStaleStatus
	}
	d.Status = models.DeploymentStatusFailed
	d.CompletedAt = &completedAt
	d.ErrorMessage = &errMsg
	d.ErrorDetails = errDetails

	if p, ok := m.policies.policies[d.PolicyID]; ok {
		p.Status = models.PolicyStatusFailed
	}
	return nil
}

func (m *mockDeploymentRepo) MarkRetried(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.Status != models.DeploymentStatusFailed || d.RetryCount >= d.MaxRetries {
		return repository.ErrStaleStatus
	}
	d.Status = models.DeploymentStatusPending
	d.RetryCount++
	d.ErrorMessage = nil
	d.ErrorDetails = nil
	d.StartedAt = nil
	d.CompletedAt = nil
	d.LastRetryAt = &retryAt

	if p, ok := m.policies.policies[d.PolicyID]; ok {
		p.Status = models.PolicyStatusPending
	}
	return nil
}

type mockClusterRepo struct {
	clusters map[uuid.UUID]*models.Cluster
}

func newMockClusterRepo() *mockClusterRepo {
	return &mockClusterRepo{clusters: make(map[uuid.UUID]*models.Cluster)}
}

func (m *mockClusterRepo) Create(ctx context.Context, cluster *models.Cluster) error {
	if cluster.ID == uuid.Nil {
		cluster.ID = uuid.New()
	}
	if cluster.Status == "" {
		cluster.Status = models.ClusterStatusPending
	}
	cluster.CreatedAt = time.Now()
	cluster.UpdatedAt = cluster.CreatedAt
	m.clusters[cluster.ID] = cluster
	return nil
}

func (m *mockClusterRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	return m.clusters[id], nil
}

func (m *mockClusterRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Cluster, error) {
	var result []*models.Cluster
	for _, c := range m.clusters {
		if c.OrgID == orgID {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *mockClusterRepo) RecordHeartbeat(ctx context.Context, id uuid.UUID, hb repository.HeartbeatUpdate) error {
	c, ok := m.clusters[id]
	if !ok {
		return nil
	}
	c.Status = hb.Status
	c.AgentVersion = hb.AgentVersion
	c.K8sVersion = hb.K8sVersion
	c.NodeCount = hb.NodeCount
	c.NamespaceCount = hb.NamespaceCount
	at := hb.At
	c.LastHeartbeatAt = &at
	return nil
}

func (m *mockClusterRepo) MarkDisconnected(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for _, c := range m.clusters {
		if c.Status != models.ClusterStatusDisconnected && c.Status != models.ClusterStatusPending &&
			c.LastHeartbeatAt != nil && c.LastHeartbeatAt.Before(before) {
			c.Status = models.ClusterStatusDisconnected
			n++
		}
	}
	return n, nil
}

// mockTokenRepo takes a lock on every call: the token service touches
// last-used from a background goroutine.
type mockTokenRepo struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*models.APIToken
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[uuid.UUID]*models.APIToken)}
}

func (m *mockTokenRepo) Create(ctx context.Context, token *models.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.CreatedAt = time.Now()
	m.tokens[token.ID] = token
	return nil
}

func (m *mockTokenRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[id], nil
}

func (m *mockTokenRepo) GetByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			return t, nil
		}
	}
	return nil, nil
}

func (m *mockTokenRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.APIToken
	for _, t := range m.tokens {
		if t.OrgID == orgID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *mockTokenRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok && t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	return nil
}

func (m *mockTokenRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		t.LastUsedAt = &at
	}
	return nil
}

// mockOrgRepo takes a lock on every call: the auth service touches
// last-login from a background goroutine.
type mockOrgRepo struct {
	mu    sync.Mutex
	orgs  map[uuid.UUID]*models.Organization
	users map[uuid.UUID]*models.User
}

func newMockOrgRepo() *mockOrgRepo {
	return &mockOrgRepo{
		orgs:  make(map[uuid.UUID]*models.Organization),
		users: make(map[uuid.UUID]*models.User),
	}
}

func (m *mockOrgRepo) Create(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	org.CreatedAt = time.Now()
	org.UpdatedAt = org.CreatedAt
	m.orgs[org.ID] = org
	return nil
}

func (m *mockOrgRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orgs[id], nil
}

func (m *mockOrgRepo) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, org := range m.orgs {
		if org.Slug == slug {
			return org, nil
		}
	}
	return nil, nil
}

func (m *mockOrgRepo) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *mockOrgRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *mockOrgRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockOrgRepo) TouchUserLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

// --- Mock Audit Service ---

// mockAuditService records synchronously so tests can assert on entries
// without racing the real service's background goroutine.
type mockAuditService struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func newMockAuditService() *mockAuditService {
	return &mockAuditService{}
}

func (m *mockAuditService) Record(ctx context.Context, entry *models.AuditLog) {
	_ = m.RecordSync(ctx, entry)
}

func (m *mockAuditService) RecordSync(ctx context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditService) List(ctx context.Context, orgID uuid.UUID, query models.AuditLogQuery) ([]*models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.AuditLog
	for _, e := range m.entries {
		if e.OrgID == orgID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockAuditService) actions() []models.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.AuditAction
	for _, e := range m.entries {
		result = append(result, e.Action)
	}
	return result
}

// Interface checks for the mocks.
var (
	_ repository.PolicyRepository     = (*mockPolicyRepo)(nil)
	_ repository.DeploymentRepository = (*mockDeploymentRepo)(nil)
	_ repository.ClusterRepository    = (*mockClusterRepo)(nil)
	_ repository.TokenRepository      = (*mockTokenRepo)(nil)
	_ repository.OrgRepository        = (*mockOrgRepo)(nil)
	_ AuditService                    = (*mockAuditService)(nil)
)
