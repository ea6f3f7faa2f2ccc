package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/reputation"
	"github.com/ignite/ultrazend/internal/rollback"
	"github.com/ignite/ultrazend/internal/store"
	"github.com/ignite/ultrazend/internal/suppression"
	"github.com/ignite/ultrazend/internal/tenant"
)

type fakeJobStore struct {
	jobs   []*model.DeliveryJob
	audits []*model.AuditEntry
	nextID int64
	dupOn  string
}

func (f *fakeJobStore) Enqueue(ctx context.Context, job *model.DeliveryJob) (int64, error) {
	if f.dupOn != "" && job.MessageID == f.dupOn {
		return 0, store.ErrDuplicateMessage
	}
	f.nextID++
	job.ID = f.nextID
	f.jobs = append(f.jobs, job)
	return f.nextID, nil
}

func (f *fakeJobStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

type fakeTenantStore struct {
	tenants map[string]*model.Tenant
}

func (f *fakeTenantStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenantStore) IncrementTenantCounters(ctx context.Context, tenantID string) error {
	return nil
}

type fakeSuppressionStore struct {
	suppressed map[string]bool
}

func (f *fakeSuppressionStore) IsSuppressed(ctx context.Context, tenantID, email string) (bool, error) {
	return f.suppressed[tenantID+"|"+email], nil
}
func (f *fakeSuppressionStore) UpsertSuppression(ctx context.Context, e *model.SuppressionEntry) error {
	return nil
}
func (f *fakeSuppressionStore) ListExpiredSoftBounces(ctx context.Context, olderThan time.Time) ([]model.SuppressionEntry, error) {
	return nil, nil
}
func (f *fakeSuppressionStore) DeleteSuppression(ctx context.Context, tenantID, email string) error {
	return nil
}
func (f *fakeSuppressionStore) ListGlobalSuppressions(ctx context.Context) ([]string, error) {
	return nil, nil
}

type fakeReputationStore struct {
	domains map[string]*model.DomainReputation
}

func (f *fakeReputationStore) GetDomainReputation(ctx context.Context, domain string) (*model.DomainReputation, error) {
	if r, ok := f.domains[domain]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeReputationStore) UpsertDomainReputation(ctx context.Context, r *model.DomainReputation) error {
	f.domains[r.Domain] = r
	return nil
}
func (f *fakeReputationStore) GetMXReputation(ctx context.Context, mx, domain string) (*model.MXServerReputation, error) {
	return nil, store.ErrNotFound
}
func (f *fakeReputationStore) UpsertMXReputation(ctx context.Context, r *model.MXServerReputation) error {
	return nil
}
func (f *fakeReputationStore) AppendDeliveryAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	return nil
}
func (f *fakeReputationStore) RecentAttemptStats(ctx context.Context, domain string, since time.Time) (int64, int64, error) {
	return 0, 0, nil
}
func (f *fakeReputationStore) PurgeDeliveryAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func newTestService(t *testing.T, tenants map[string]*model.Tenant, suppressed map[string]bool, domains map[string]*model.DomainReputation) (*Service, *fakeJobStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	js := &fakeJobStore{}
	tc := tenant.NewContext(&fakeTenantStore{tenants: tenants}, rc, time.Minute)
	sup := suppression.NewCache(&fakeSuppressionStore{suppressed: suppressed}, time.Minute)
	rep := reputation.NewEngine(&fakeReputationStore{domains: domains}, reputation.Config{
		RecentFailurePenalty: 5, RecentFailureWindow: 24 * time.Hour,
	})

	return NewService(js, tc, sup, rep), js
}

func basicTenant(id string, domains ...string) *model.Tenant {
	return &model.Tenant{
		ID: id, Active: true, Plan: model.PlanProfessional,
		PerMinuteCap: 100, HourlyCap: 1000, DailyCap: 10000,
		VerifiedSenderDomains: domains,
	}
}

func TestEnqueue_HappyPath(t *testing.T) {
	svc, js := newTestService(t, map[string]*model.Tenant{
		"42": basicTenant("42", "acme.test"),
	}, nil, nil)

	res, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.JobID)
	assert.Equal(t, 70, res.Priority) // base 50 + professional 10 + 10 (new domain treated as excellent reputation)
	assert.NotEmpty(t, res.MessageID)
	require.Len(t, js.jobs, 1)
	assert.Equal(t, model.JobPending, js.jobs[0].State)
	assert.Len(t, js.audits, 1)
}

func TestEnqueue_ValidationError(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")}, nil, nil)

	_, err := svc.Enqueue(context.Background(), Request{TenantID: "42"})
	require.Error(t, err)
	admErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, admErr.Code)
	assert.Contains(t, admErr.Fields, "from")
	assert.Contains(t, admErr.Fields, "to")
}

func TestEnqueue_TenantInactive(t *testing.T) {
	tt := basicTenant("42", "acme.test")
	tt.Active = false
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": tt}, nil, nil)

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.Error(t, err)
	assert.Equal(t, CodeTenantInactive, err.(*Error).Code)
}

func TestEnqueue_DomainNotAllowed(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "other.test")}, nil, nil)

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.Error(t, err)
	assert.Equal(t, CodeDomainNotAllowed, err.(*Error).Code)
}

func TestEnqueue_RateExceeded(t *testing.T) {
	tt := basicTenant("7", "acme.test")
	tt.PerMinuteCap = 2
	svc, _ := newTestService(t, map[string]*model.Tenant{"7": tt}, nil, nil)

	req := Request{From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "7"}
	_, err := svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.Enqueue(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Enqueue(context.Background(), req)
	require.Error(t, err)
	admErr := err.(*Error)
	assert.Equal(t, CodeRateExceeded, admErr.Code)
	assert.Equal(t, "rate-minute", admErr.Tier)
}

func TestEnqueue_Suppressed(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")},
		map[string]bool{"42|bounced@example.org": true}, nil)

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "bounced@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.Error(t, err)
	assert.Equal(t, CodeSuppressed, err.(*Error).Code)
}

func TestEnqueue_ReputationBlocked(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")}, nil,
		map[string]*model.DomainReputation{"bad.example.org": {Domain: "bad.example.org", Score: 10, Tier: model.TierBlocked}})

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@bad.example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.Error(t, err)
	assert.Equal(t, CodeReputationBlocked, err.(*Error).Code)
}

func TestEnqueue_DuplicateMessage(t *testing.T) {
	svc, js := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")}, nil, nil)
	js.dupOn = "fixed-id@acme.test"

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
		MessageID: "fixed-id@acme.test",
	})
	require.Error(t, err)
	assert.Equal(t, CodeDuplicateMessage, err.(*Error).Code)
}

func TestEnqueue_PriorityBoostedByHighReputation(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")}, nil,
		map[string]*model.DomainReputation{"good.example.org": {Domain: "good.example.org", Score: 95, Tier: model.TierExcellent}})

	res, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@good.example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.NoError(t, err)
	assert.Equal(t, 70, res.Priority) // 50 base + 10 professional + 10 high-reputation
}

func TestComputePriority_LowReputationPenalty(t *testing.T) {
	basic := &model.Tenant{Plan: model.PlanBasic}
	assert.Equal(t, 40, computePriority(basic, 10)) // 50 base + 0 plan - 10 low-reputation
}

func TestComputePriority_EnterpriseWithHistoricalBonus(t *testing.T) {
	ent := &model.Tenant{Plan: model.PlanEnterprise, HistoricalReputation: 0.95}
	assert.Equal(t, 85, computePriority(ent, 95)) // 50 base + 20 plan + 10 reputation + 5 historical
}

type healthyMetricsSource struct{}

func (healthyMetricsSource) Snapshot(ctx context.Context) (rollback.Metrics, error) {
	return rollback.Metrics{SuccessRate: 1}, nil
}

func TestEnqueue_HealthyRolloutAdmits(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")}, nil, nil)

	rc := rollback.New(healthyMetricsSource{}, rollback.DefaultConfig())
	rc.Evaluate(context.Background()) // healthy snapshot; rollout stays fully open
	svc.WithRollout(rc)

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.NoError(t, err)
}

func TestEnqueue_RolledBackToZeroRejectsAll(t *testing.T) {
	svc, _ := newTestService(t, map[string]*model.Tenant{"42": basicTenant("42", "acme.test")}, nil, nil)

	cfg := rollback.DefaultConfig()
	rc := rollback.New(failingMetricsSource{}, cfg)
	rc.Evaluate(context.Background()) // success rate 0.1 < critical 0.90 threshold: rollout drops to 0
	svc.WithRollout(rc)

	_, err := svc.Enqueue(context.Background(), Request{
		From: "news@acme.test", To: "u@example.org", Subject: "Hi", BodyText: "hello", TenantID: "42",
	})
	require.Error(t, err)
	assert.Equal(t, CodeRolledBack, err.(*Error).Code)
}

type failingMetricsSource struct{}

func (failingMetricsSource) Snapshot(ctx context.Context) (rollback.Metrics, error) {
	return rollback.Metrics{SuccessRate: 0.1}, nil
}
