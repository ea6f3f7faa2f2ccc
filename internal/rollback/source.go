package rollback

import (
	"context"
	"time"

	"github.com/ignite/ultrazend/internal/store"
)

// healthStore is the narrow store dependency StoreMetricsSource reads
// from; satisfied by store.Store.
type healthStore interface {
	PipelineHealthStats(ctx context.Context, currentWindow, baselineWindow time.Duration) (store.PipelineHealthStats, error)
}

// StoreMetricsSource adapts store.Store's PipelineHealthStats aggregate
// into the Controller's MetricsSource, with ErrorTrendRising and
// SimultaneousCritical left at their zero values: the store tracks no
// rolling trend and no per-domain critical count. The success-rate,
// latency and errors-vs-baseline triggers can fire from this source; the
// simultaneous-critical-errors trigger (critical) and the rising-error-
// trend trigger (warning) never do.
type StoreMetricsSource struct {
	store          healthStore
	currentWindow  time.Duration
	baselineWindow time.Duration
}

// NewStoreMetricsSource constructs a MetricsSource backed by s.
func NewStoreMetricsSource(s healthStore, currentWindow, baselineWindow time.Duration) *StoreMetricsSource {
	return &StoreMetricsSource{store: s, currentWindow: currentWindow, baselineWindow: baselineWindow}
}

// Snapshot implements MetricsSource.
func (m *StoreMetricsSource) Snapshot(ctx context.Context) (Metrics, error) {
	stats, err := m.store.PipelineHealthStats(ctx, m.currentWindow, m.baselineWindow)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		SuccessRate:    stats.SuccessRate,
		P50LatencyMs:   stats.P50LatencyMs,
		ErrorsV2:       stats.ErrorsCurrent,
		ErrorsBaseline: stats.ErrorsBaseline,
		RecentErrors:   stats.RecentErrors,
	}, nil
}
