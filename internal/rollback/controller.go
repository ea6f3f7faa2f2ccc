// Package rollback implements the Auto-Rollback Controller (spec.md
// §4.10): a periodic trigger evaluation over outcome metrics that writes
// a rollout gate Admission consults, grounded on the teacher's
// BlacklistMonitor ticker shape and the AgentReputation engine's
// threshold-to-Decision pattern.
package rollback

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
)

// Metrics is one window's aggregate health snapshot, computed by the
// caller-supplied MetricsSource (spec.md §4.10's trigger inputs).
type Metrics struct {
	SuccessRate          float64
	P50LatencyMs         int
	ErrorsV2             int
	ErrorsBaseline       int
	SimultaneousCritical int
	ErrorTrendRising     bool
	RecentErrors         int
}

// MetricsSource computes the current health snapshot. Implemented in
// production by StoreMetricsSource over Store.PipelineHealthStats, faked
// in tests.
type MetricsSource interface {
	Snapshot(ctx context.Context) (Metrics, error)
}

// Config controls evaluation cadence and trigger thresholds (spec.md §4.10).
type Config struct {
	EvalInterval          time.Duration
	HealthCheckInterval   time.Duration
	CriticalSuccessRate   float64
	WarningSuccessRate    float64
	CriticalP50LatencyMs  int
	WarningLatencyMs      int
	ErrorMultiplier       float64
	SimultaneousErrorCap  int
	WarningErrorFloor     int
	InitialRolloutPercent int
	RolloutFloorPercent   int
	AuditRingSize         int
}

// DefaultConfig matches spec.md §4.10's literal thresholds.
func DefaultConfig() Config {
	return Config{
		EvalInterval:          2 * time.Minute,
		HealthCheckInterval:   10 * time.Minute,
		CriticalSuccessRate:   0.90,
		WarningSuccessRate:    0.95,
		CriticalP50LatencyMs:  5000,
		WarningLatencyMs:      2000,
		ErrorMultiplier:       3,
		SimultaneousErrorCap:  5,
		WarningErrorFloor:     10,
		InitialRolloutPercent: 100,
		RolloutFloorPercent:   5,
		AuditRingSize:         50,
	}
}

// Controller evaluates Metrics against spec.md §4.10's trigger table and
// atomically updates the rollout gate Admission consults. It never reads
// from the in-flight delivery path itself.
type Controller struct {
	metrics MetricsSource
	cfg     Config

	mu    sync.RWMutex
	state model.RolloutState
	audit []model.RollbackExecution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logger.Logger
}

// New constructs a Controller with the rollout gate fully open.
func New(metrics MetricsSource, cfg Config) *Controller {
	return &Controller{
		metrics: metrics,
		cfg:     cfg,
		state:   model.RolloutState{Enabled: true, RolloutPercent: cfg.InitialRolloutPercent},
		log:     logger.Named("rollback"),
	}
}

// State returns the current rollout gate. Safe for concurrent use; this
// is the value Admission consults at request time.
func (c *Controller) State() model.RolloutState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Audit returns a copy of the audit ring buffer, most recent last.
func (c *Controller) Audit() []model.RollbackExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.RollbackExecution, len(c.audit))
	copy(out, c.audit)
	return out
}

// Start begins the periodic evaluation loop; blocks until Stop is called.
func (c *Controller) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()

	c.log.Info("rollback controller starting", "eval_interval", c.cfg.EvalInterval.String())
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(c.ctx)
		}
	}
}

// Stop halts the evaluation loop.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Evaluate runs one pass of spec.md §4.10's trigger table, critical
// triggers first, and records the outcome in the audit ring regardless
// of whether any trigger fired.
func (c *Controller) Evaluate(ctx context.Context) {
	snap, err := c.metrics.Snapshot(ctx)
	if err != nil {
		c.log.Error("metrics snapshot failed", "error", err.Error())
		return
	}

	trigger, severity := c.classify(snap)

	c.mu.Lock()
	prior := c.state
	next := prior
	switch severity {
	case model.SeverityCritical:
		next = model.RolloutState{Enabled: false, RolloutPercent: 0}
	case model.SeverityWarning:
		next = c.halveRollout(prior)
	}
	c.state = next
	c.recordLocked(trigger, severity, prior, next)
	c.mu.Unlock()

	if severity != model.SeverityNone {
		c.log.Warn("rollback trigger fired", "trigger", trigger, "severity", string(severity),
			"prior_percent", prior.RolloutPercent, "new_percent", next.RolloutPercent)
	}
}

// classify walks spec.md §4.10's trigger table in order, critical first.
func (c *Controller) classify(m Metrics) (trigger string, severity model.Severity) {
	switch {
	case m.SuccessRate < c.cfg.CriticalSuccessRate:
		return "success_rate_critical", model.SeverityCritical
	case m.P50LatencyMs > c.cfg.CriticalP50LatencyMs:
		return "p50_latency_critical", model.SeverityCritical
	case m.ErrorsBaseline > 0 && float64(m.ErrorsV2) > c.cfg.ErrorMultiplier*float64(m.ErrorsBaseline):
		return "errors_v2_vs_baseline", model.SeverityCritical
	case m.SimultaneousCritical > c.cfg.SimultaneousErrorCap:
		return "simultaneous_critical_errors", model.SeverityCritical
	case m.SuccessRate < c.cfg.WarningSuccessRate:
		return "success_rate_warning", model.SeverityWarning
	case m.P50LatencyMs > c.cfg.WarningLatencyMs:
		return "latency_warning", model.SeverityWarning
	case m.ErrorTrendRising && m.RecentErrors > c.cfg.WarningErrorFloor:
		return "error_trend_rising", model.SeverityWarning
	default:
		return "", model.SeverityNone
	}
}

// halveRollout implements spec.md §4.10's "halve rollout %, floor 5, then
// 0" warning action.
func (c *Controller) halveRollout(prior model.RolloutState) model.RolloutState {
	if prior.RolloutPercent <= 0 {
		return model.RolloutState{Enabled: false, RolloutPercent: 0}
	}
	half := prior.RolloutPercent / 2
	if half < c.cfg.RolloutFloorPercent {
		half = 0
	}
	return model.RolloutState{Enabled: half > 0, RolloutPercent: half}
}

func (c *Controller) recordLocked(trigger string, severity model.Severity, prior, next model.RolloutState) {
	entry := model.RollbackExecution{
		EvaluatedAt: time.Now(),
		Trigger:     trigger,
		Severity:    severity,
		PriorState:  prior,
		NewState:    next,
	}
	c.audit = append(c.audit, entry)
	if len(c.audit) > c.cfg.AuditRingSize {
		c.audit = c.audit[len(c.audit)-c.cfg.AuditRingSize:]
	}
}
