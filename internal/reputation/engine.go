// Package reputation tracks rolling per-domain and per-(mx, domain)
// delivery statistics and gates new outbound work on them (spec.md §4.5).
package reputation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/store"
)

// Decision is the result of CheckDeliveryAllowed (spec.md §4.5), named
// after the teacher's internal/engine.Decision audit-record pattern.
type Decision struct {
	Allowed         bool
	Domain          string
	Score           float64
	Tier            model.ReputationTier
	Flags           []string
	Recommendations []string
}

const (
	flagNewDomain   = "new-domain"
	flagHighBounce  = "high bounce"
	highBounceRate  = 0.10
	blockedScoreMax = 40
)

// Engine implements the scoring and gating rules of spec.md §4.5.
type Engine struct {
	store store.ReputationStore
	cfg   Config
	log   *logger.Logger
}

// Config carries the tunables from internal/config.ReputationConfig
// without importing the config package (keeps reputation free to be
// unit tested with plain values).
type Config struct {
	RecentFailurePenalty float64
	RecentFailureWindow  time.Duration
	SweepWindow          time.Duration
	AttemptRetention     time.Duration
}

// NewEngine constructs a reputation Engine.
func NewEngine(s store.ReputationStore, cfg Config) *Engine {
	return &Engine{store: s, cfg: cfg, log: logger.Named("reputation.engine")}
}

// RecordOutcome applies spec.md §4.5's score recomputation for a single
// delivery attempt against domain, updating the rolling DomainReputation
// row. MX server stats are updated separately via RecordMXOutcome since
// not every caller has an MX server to report (e.g. early failures
// before a connection is established).
func (e *Engine) RecordOutcome(ctx context.Context, domain string, success bool, failureReason string) (*model.DomainReputation, error) {
	rep, err := e.store.GetDomainReputation(ctx, domain)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get domain reputation %s: %w", domain, err)
		}
		rep = &model.DomainReputation{Domain: domain, Score: 100, Tier: model.TierExcellent}
	}

	now := time.Now()
	previousFailure := rep.LastFailure
	if success {
		rep.Successful++
		rep.LastSuccess = &now
	} else {
		rep.Failed++
		rep.LastFailure = &now
	}

	rep.Score = baseScore(rep.Successful, rep.Failed)
	if !success {
		rep.Score = applyRecentFailurePenalty(rep.Score, previousFailure, now, e.cfg.RecentFailureWindow, e.cfg.RecentFailurePenalty)
	}

	total := rep.Successful + rep.Failed
	if total > 0 {
		rep.BounceRate = float64(rep.Failed) / float64(total)
	}
	rep.Tier = model.TierForScore(rep.Score)

	if err := e.store.UpsertDomainReputation(ctx, rep); err != nil {
		return nil, fmt.Errorf("upsert domain reputation %s: %w", domain, err)
	}
	e.log.Debug("domain reputation updated", "domain", domain, "score", rep.Score, "tier", string(rep.Tier))
	return rep, nil
}

// baseScore implements spec.md §4.5: score = successful/(successful+failed) * 100.
func baseScore(successful, failed int64) float64 {
	total := successful + failed
	if total == 0 {
		return 100
	}
	return float64(successful) / float64(total) * 100
}

// applyRecentFailurePenalty implements spec.md §4.5's recent-failure
// penalty: if the current outcome is a failure and the domain's
// previously recorded failure (before this one) fell within window,
// subtract penalty, floored at 0.
func applyRecentFailurePenalty(score float64, previousFailure *time.Time, now time.Time, window time.Duration, penalty float64) float64 {
	if previousFailure == nil || now.Sub(*previousFailure) > window {
		return score
	}
	score -= penalty
	if score < 0 {
		score = 0
	}
	return score
}

// RecordMXOutcome updates per-(mx, domain) rolling stats: incremental
// mean response time over successful attempts, and a bounded
// failure-reason ring buffer (spec.md §4.5).
func (e *Engine) RecordMXOutcome(ctx context.Context, mx, domain string, success bool, responseMs int64, failureReason string) error {
	rep, err := e.store.GetMXReputation(ctx, mx, domain)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get mx reputation %s/%s: %w", mx, domain, err)
		}
		rep = &model.MXServerReputation{MXServer: mx, Domain: domain, Score: 100}
	}

	now := time.Now()
	if success {
		n := float64(rep.Successful)
		rep.AvgResponseMs = (rep.AvgResponseMs*n + float64(responseMs)) / (n + 1)
		rep.Successful++
		rep.LastSuccess = &now
	} else {
		rep.Failed++
		rep.LastFailure = &now
		if failureReason != "" {
			rep.PushFailureReason(failureReason)
		}
	}
	rep.Score = baseScore(rep.Successful, rep.Failed)

	return e.store.UpsertMXReputation(ctx, rep)
}

// CheckDeliveryAllowed implements spec.md §4.5's admission gate.
func (e *Engine) CheckDeliveryAllowed(ctx context.Context, recipientDomain string) (Decision, error) {
	rep, err := e.store.GetDomainReputation(ctx, recipientDomain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{
				Allowed: true,
				Domain:  recipientDomain,
				Score:   100,
				Tier:    model.TierExcellent,
				Flags:   []string{flagNewDomain},
			}, nil
		}
		return Decision{}, fmt.Errorf("get domain reputation %s: %w", recipientDomain, err)
	}

	d := Decision{Domain: recipientDomain, Score: rep.Score, Tier: rep.Tier}

	if rep.Tier == model.TierBlocked || rep.Score < blockedScoreMax {
		d.Allowed = false
		d.Recommendations = remediationsFor(rep)
		e.log.Warn("delivery blocked by reputation gate", "domain", recipientDomain, "score", rep.Score)
		return d, nil
	}

	d.Allowed = true
	if rep.BounceRate > highBounceRate {
		d.Flags = append(d.Flags, flagHighBounce)
	}
	return d, nil
}

func remediationsFor(rep *model.DomainReputation) []string {
	recs := []string{"pause sending to " + rep.Domain + " until score recovers"}
	if rep.BounceRate > highBounceRate {
		recs = append(recs, "audit recipient list quality for "+rep.Domain)
	}
	recs = append(recs, "review recent failure reasons before resuming")
	return recs
}

// DomainFromEmail extracts the domain portion of an email address, used
// by callers that only have an envelope-to address.
func DomainFromEmail(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}
