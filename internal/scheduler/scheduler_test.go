package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ultrazend/internal/model"
)

type fakeTenantStore struct {
	mu      sync.Mutex
	tenants map[string]*model.Tenant
	pending map[string][]model.DeliveryJob
	claimed map[string]int
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{
		tenants: map[string]*model.Tenant{},
		pending: map[string][]model.DeliveryJob{},
		claimed: map[string]int{},
	}
}

func (f *fakeTenantStore) DistinctPendingTenants(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, jobs := range f.pending {
		if len(jobs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeTenantStore) ClaimPending(ctx context.Context, tenantID string, limit int) ([]model.DeliveryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.pending[tenantID]
	if len(jobs) > limit {
		jobs, f.pending[tenantID] = jobs[:limit], jobs[limit:]
	} else {
		f.pending[tenantID] = nil
	}
	f.claimed[tenantID] += len(jobs)
	return jobs, nil
}

func (f *fakeTenantStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[tenantID], nil
}

type fakeDeliverer struct {
	attempts int64
	delay    time.Duration
}

func (f *fakeDeliverer) Attempt(ctx context.Context, job *model.DeliveryJob) error {
	atomic.AddInt64(&f.attempts, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil
}

func seedJobs(store *fakeTenantStore, tenantID string, n int) {
	jobs := make([]model.DeliveryJob, n)
	for i := range jobs {
		jobs[i] = model.DeliveryJob{ID: int64(i + 1), TenantID: tenantID}
	}
	store.pending[tenantID] = jobs
}

func TestTick_RespectsGlobalConcurrencyCap(t *testing.T) {
	st := newFakeTenantStore()
	st.tenants["t1"] = &model.Tenant{ID: "t1", Active: true, Plan: model.PlanEnterprise}
	seedJobs(st, "t1", 20)

	d := &fakeDeliverer{delay: 50 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.ConcurrencyCap = 3
	s := New(st, d, nil, cfg)

	s.ctx = context.Background()
	s.tick()

	assert.LessOrEqual(t, s.InFlight(), int64(3))
	s.wg.Wait()
}

func TestTick_PerTenantAllowanceBoundedByPlanShare(t *testing.T) {
	st := newFakeTenantStore()
	st.tenants["basic"] = &model.Tenant{ID: "basic", Active: true, Plan: model.PlanBasic}
	seedJobs(st, "basic", 10)

	d := &fakeDeliverer{}
	cfg := DefaultConfig()
	cfg.ConcurrencyCap = 10
	s := New(st, d, nil, cfg)
	s.ctx = context.Background()

	s.tick()
	s.wg.Wait()

	assert.Equal(t, 1, st.claimed["basic"]) // basic plan-share is 1
}

func TestTick_SkipsInactiveTenant(t *testing.T) {
	st := newFakeTenantStore()
	st.tenants["inactive"] = &model.Tenant{ID: "inactive", Active: false, Plan: model.PlanEnterprise}
	seedJobs(st, "inactive", 5)

	d := &fakeDeliverer{}
	s := New(st, d, nil, DefaultConfig())
	s.ctx = context.Background()
	s.tick()
	s.wg.Wait()

	assert.Equal(t, 0, st.claimed["inactive"])
	assert.Equal(t, int64(0), atomic.LoadInt64(&d.attempts))
}

func TestTick_NoOpWhenAtCap(t *testing.T) {
	st := newFakeTenantStore()
	st.tenants["t1"] = &model.Tenant{ID: "t1", Active: true, Plan: model.PlanEnterprise}
	seedJobs(st, "t1", 5)

	d := &fakeDeliverer{}
	cfg := DefaultConfig()
	cfg.ConcurrencyCap = 2
	s := New(st, d, nil, cfg)
	s.ctx = context.Background()
	atomic.StoreInt64(&s.inFlight, 2)

	s.tick()
	s.wg.Wait()

	assert.Equal(t, 0, st.claimed["t1"])
}

func TestStartStop_DrainsInFlight(t *testing.T) {
	st := newFakeTenantStore()
	st.tenants["t1"] = &model.Tenant{ID: "t1", Active: true, Plan: model.PlanEnterprise}
	seedJobs(st, "t1", 4)

	d := &fakeDeliverer{delay: 20 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.DrainTimeout = time.Second
	cfg.HealthCheckEvery = 0
	s := New(st, d, nil, cfg)

	go s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&d.attempts) >= 4 }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, int64(0), s.InFlight())
}
