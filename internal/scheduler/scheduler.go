// Package scheduler implements the fair-share dispatcher (spec.md §4.8):
// a single long-running driver that claims pending jobs per tenant under
// a global concurrency cap and hands each to a Deliverer, grounded on
// the pack's SendWorkerPool worker-pool shape.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/ultrazend/internal/health"
	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/rollback"
)

// Config controls the scheduler's tick cadence and concurrency cap
// (spec.md §4.8). Kept as its own lightweight struct, mirroring the
// reputation/dkim/deliverer packages' convention.
type Config struct {
	ConcurrencyCap   int
	TickInterval     time.Duration
	DrainTimeout     time.Duration
	HealthCheckEvery time.Duration
}

// DefaultConfig matches spec.md §4.8's literal defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrencyCap:   10,
		TickInterval:     5 * time.Second,
		DrainTimeout:     30 * time.Second,
		HealthCheckEvery: 10 * time.Minute,
	}
}

// tenantStore is the narrow slice of store.Store the Scheduler claims
// work through.
type tenantStore interface {
	DistinctPendingTenants(ctx context.Context, now time.Time) ([]string, error)
	ClaimPending(ctx context.Context, tenantID string, limit int) ([]model.DeliveryJob, error)
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
}

// jobDeliverer performs one delivery attempt for a claimed job.
type jobDeliverer interface {
	Attempt(ctx context.Context, job *model.DeliveryJob) error
}

// Scheduler is the single long-running fair-share driver described in
// spec.md §4.8.
type Scheduler struct {
	store     tenantStore
	deliverer jobDeliverer
	rollback  *rollback.Controller
	metrics   *health.Metrics
	cfg       Config

	inFlight int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	log *logger.Logger
}

// New constructs a Scheduler. rb may be nil if the rollback controller
// runs independently.
func New(s tenantStore, d jobDeliverer, rb *rollback.Controller, cfg Config) *Scheduler {
	return &Scheduler{store: s, deliverer: d, rollback: rb, cfg: cfg, log: logger.Named("scheduler")}
}

// WithMetrics attaches the prometheus collector set; nil-safe if never
// called. Returns s for chaining at construction time.
func (s *Scheduler) WithMetrics(m *health.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Start begins the tick loop and blocks callers should run it in a
// goroutine; it returns once Stop is called and in-flight workers drain.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.log.Info("scheduler starting", "concurrency_cap", s.cfg.ConcurrencyCap, "tick_interval", s.cfg.TickInterval.String())

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	var healthTicker *time.Ticker
	var healthC <-chan time.Time
	if s.rollback != nil && s.cfg.HealthCheckEvery > 0 {
		healthTicker = time.NewTicker(s.cfg.HealthCheckEvery)
		healthC = healthTicker.C
		defer healthTicker.Stop()
	}

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("scheduler draining", "timeout", s.cfg.DrainTimeout.String())
			s.drain()
			return
		case <-ticker.C:
			s.tick()
		case <-healthC:
			s.rollback.Evaluate(s.ctx)
		}
	}
}

// Stop signals the scheduler to stop claiming new work and wait for
// in-flight workers to finish, bounded by DrainTimeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.drain()
}

// InFlight returns the current number of claimed-but-not-yet-resolved jobs.
func (s *Scheduler) InFlight() int64 { return atomic.LoadInt64(&s.inFlight) }

func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn("drain timeout exceeded, in-flight jobs left to the inflight-leak sweep", "in_flight", s.InFlight())
	}
}

// tick implements spec.md §4.8's fair-share algorithm steps 1-3.
func (s *Scheduler) tick() {
	inFlight := s.InFlight()
	if inFlight >= int64(s.cfg.ConcurrencyCap) {
		return
	}

	tenants, err := s.store.DistinctPendingTenants(s.ctx, time.Now())
	if err != nil {
		s.log.Error("list pending tenants failed", "error", err.Error())
		return
	}

	for _, tenantID := range tenants {
		inFlight = s.InFlight()
		if inFlight >= int64(s.cfg.ConcurrencyCap) {
			return
		}

		t, err := s.store.GetTenant(s.ctx, tenantID)
		if err != nil {
			s.log.Warn("skipping tenant: lookup failed", "tenant_id", tenantID, "error", err.Error())
			continue
		}
		if !t.Active {
			s.log.Info("skipping inactive tenant", "tenant_id", tenantID)
			continue
		}

		allowance := model.PlanShare[t.Plan]
		if allowance <= 0 {
			allowance = 1
		}
		if remaining := int64(s.cfg.ConcurrencyCap) - inFlight; int64(allowance) > remaining {
			allowance = int(remaining)
		}
		if allowance <= 0 {
			continue
		}

		jobs, err := s.store.ClaimPending(s.ctx, tenantID, allowance)
		if err != nil {
			s.log.Error("claim pending failed", "tenant_id", tenantID, "error", err.Error())
			continue
		}

		for i := range jobs {
			job := jobs[i]
			atomic.AddInt64(&s.inFlight, 1)
			s.wg.Add(1)
			go s.runJob(&job)
		}
	}
}

func (s *Scheduler) runJob(job *model.DeliveryJob) {
	defer s.wg.Done()
	defer atomic.AddInt64(&s.inFlight, -1)
	if s.metrics != nil {
		s.metrics.InFlight.Set(float64(s.InFlight()))
		defer s.metrics.InFlight.Set(float64(s.InFlight()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout+time.Minute)
	defer cancel()

	start := time.Now()
	err := s.deliverer.Attempt(ctx, job)
	if err != nil {
		s.log.Error("delivery attempt failed", "job_id", job.ID, "error", err.Error())
	}
	if s.metrics != nil && err == nil {
		s.metrics.RecordDeliveryLatency(time.Since(start).Milliseconds())
	}
}
