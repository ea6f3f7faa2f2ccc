package reputation

import (
	"context"
	"log"
	"time"

	"github.com/ignite/ultrazend/internal/model"
)

// Sweeper periodically recomputes domain reputation from the last
// SweepWindow of DeliveryAttempts to correct drift from the incremental
// rolling update, and purges DeliveryAttempt rows older than
// AttemptRetention. Grounded on the teacher's pmta.BlacklistMonitor
// ticker-driven background-job shape (spec.md §4.5).
type Sweeper struct {
	engine    *Engine
	interval  time.Duration
	window    time.Duration
	retention time.Duration

	domains func(ctx context.Context) ([]string, error)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper constructs a Sweeper. domains supplies the set of
// recipient domains with recent activity, since the reputation sweep
// only needs to recompute domains that actually saw traffic.
func NewSweeper(engine *Engine, interval, window, retention time.Duration, domains func(ctx context.Context) ([]string, error)) *Sweeper {
	return &Sweeper{
		engine:    engine,
		interval:  interval,
		window:    window,
		retention: retention,
		domains:   domains,
	}
}

// Start begins the daily sweep/purge loop.
func (s *Sweeper) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go func() {
		log.Printf("[ReputationSweeper] Starting (interval: %s)", s.interval)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runSweep()
			case <-s.ctx.Done():
				log.Println("[ReputationSweeper] Stopped")
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Minute)
	defer cancel()

	domains, err := s.domains(ctx)
	if err != nil {
		log.Printf("[ReputationSweeper] Error listing active domains: %v", err)
		return
	}

	since := time.Now().Add(-s.window)
	for _, domain := range domains {
		if err := s.recompute(ctx, domain, since); err != nil {
			log.Printf("[ReputationSweeper] Error recomputing %s: %v", domain, err)
		}
	}

	purged, err := s.engine.store.PurgeDeliveryAttempts(ctx, time.Now().Add(-s.retention))
	if err != nil {
		log.Printf("[ReputationSweeper] Error purging delivery attempts: %v", err)
		return
	}
	log.Printf("[ReputationSweeper] Completed: %d domains recomputed, %d attempts purged", len(domains), purged)
}

// recompute replaces a domain's rolling score with one derived fresh
// from the sweep window's attempt counts, correcting any drift from the
// incremental per-attempt updates.
func (s *Sweeper) recompute(ctx context.Context, domain string, since time.Time) error {
	successful, failed, err := s.engine.store.RecentAttemptStats(ctx, domain, since)
	if err != nil {
		return err
	}

	rep, err := s.engine.store.GetDomainReputation(ctx, domain)
	if err != nil {
		return err
	}

	rep.Successful = successful
	rep.Failed = failed
	rep.Score = baseScore(successful, failed)
	if total := successful + failed; total > 0 {
		rep.BounceRate = float64(failed) / float64(total)
	}
	rep.Tier = model.TierForScore(rep.Score)

	return s.engine.store.UpsertDomainReputation(ctx, rep)
}
