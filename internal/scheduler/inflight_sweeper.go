package scheduler

import (
	"context"
	"time"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
)

// leakStore is the narrow slice of store.Store the InflightSweeper needs.
type leakStore interface {
	InflightLeakSweep(ctx context.Context, now time.Time, threshold time.Duration) ([]model.DeliveryJob, error)
	RequeueStuck(ctx context.Context, jobID int64, nextAttempt time.Time) error
}

// InflightSweeper is the periodic side-loop backstop for a worker that
// claims a job then crashes or is killed before recording an outcome: the
// job is left in "processing" forever otherwise. Grounded on the
// teacher's QueueRecoveryWorker ticker shape in
// internal/worker/queue_recovery.go, adapted to call through
// store.Store's InflightLeakSweep/RequeueStuck rather than inline SQL
// against the teacher's campaign-queue tables.
type InflightSweeper struct {
	store     leakStore
	interval  time.Duration
	threshold time.Duration

	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewInflightSweeper constructs a sweeper. threshold is how long a job
// may sit in "processing" with no progress before it's considered
// abandoned and requeued.
func NewInflightSweeper(s leakStore, interval, threshold time.Duration) *InflightSweeper {
	return &InflightSweeper{
		store:     s,
		interval:  interval,
		threshold: threshold,
		log:       logger.Named("scheduler.inflight_sweeper"),
	}
}

// Start begins the sweep loop in a background goroutine.
func (w *InflightSweeper) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go func() {
		w.log.Info("inflight sweeper starting", "interval", w.interval.String(), "threshold", w.threshold.String())

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.sweep()
			case <-w.ctx.Done():
				w.log.Info("inflight sweeper stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (w *InflightSweeper) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *InflightSweeper) sweep() {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	leaked, err := w.store.InflightLeakSweep(ctx, time.Now(), w.threshold)
	if err != nil {
		w.log.Error("inflight leak sweep failed", "error", err.Error())
		return
	}

	now := time.Now()
	requeued := 0
	for _, job := range leaked {
		if err := w.store.RequeueStuck(ctx, job.ID, now); err != nil {
			w.log.Error("requeue stuck job failed", "job_id", job.ID, "tenant_id", job.TenantID, "error", err.Error())
			continue
		}
		requeued++
	}
	if requeued > 0 {
		w.log.Info("requeued abandoned in-flight jobs", "count", requeued)
	}
}
