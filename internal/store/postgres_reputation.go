package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/ultrazend/internal/model"
	"github.com/lib/pq"
)

func (s *PostgresStore) GetDomainReputation(ctx context.Context, domain string) (*model.DomainReputation, error) {
	var r model.DomainReputation
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, score, successful, failed, bounce_rate, last_success, last_failure, tier
		FROM domain_reputations WHERE domain = $1
	`, domain).Scan(&r.Domain, &r.Score, &r.Successful, &r.Failed, &r.BounceRate,
		&r.LastSuccess, &r.LastFailure, &tier)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain reputation %s: %w", domain, err)
	}
	r.Tier = model.ReputationTier(tier)
	return &r, nil
}

func (s *PostgresStore) UpsertDomainReputation(ctx context.Context, r *model.DomainReputation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_reputations (domain, score, successful, failed, bounce_rate, last_success, last_failure, tier)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain) DO UPDATE SET
			score = EXCLUDED.score, successful = EXCLUDED.successful, failed = EXCLUDED.failed,
			bounce_rate = EXCLUDED.bounce_rate, last_success = EXCLUDED.last_success,
			last_failure = EXCLUDED.last_failure, tier = EXCLUDED.tier
	`, r.Domain, r.Score, r.Successful, r.Failed, r.BounceRate, r.LastSuccess, r.LastFailure, string(r.Tier))
	if err != nil {
		return fmt.Errorf("upsert domain reputation %s: %w", r.Domain, err)
	}
	return nil
}

func (s *PostgresStore) GetMXReputation(ctx context.Context, mx, domain string) (*model.MXServerReputation, error) {
	var r model.MXServerReputation
	var reasons pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT mx_server, domain, score, successful, failed, avg_response_ms,
		       last_success, last_failure, failure_reasons
		FROM mx_reputations WHERE mx_server = $1 AND domain = $2
	`, mx, domain).Scan(&r.MXServer, &r.Domain, &r.Score, &r.Successful, &r.Failed,
		&r.AvgResponseMs, &r.LastSuccess, &r.LastFailure, &reasons)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mx reputation %s/%s: %w", mx, domain, err)
	}
	r.FailureReasons = []string(reasons)
	return &r, nil
}

func (s *PostgresStore) UpsertMXReputation(ctx context.Context, r *model.MXServerReputation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mx_reputations (mx_server, domain, score, successful, failed, avg_response_ms,
		                            last_success, last_failure, failure_reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (mx_server, domain) DO UPDATE SET
			score = EXCLUDED.score, successful = EXCLUDED.successful, failed = EXCLUDED.failed,
			avg_response_ms = EXCLUDED.avg_response_ms, last_success = EXCLUDED.last_success,
			last_failure = EXCLUDED.last_failure, failure_reasons = EXCLUDED.failure_reasons
	`, r.MXServer, r.Domain, r.Score, r.Successful, r.Failed, r.AvgResponseMs,
		r.LastSuccess, r.LastFailure, pq.StringArray(r.FailureReasons))
	if err != nil {
		return fmt.Errorf("upsert mx reputation %s/%s: %w", r.MXServer, r.Domain, err)
	}
	return nil
}

func (s *PostgresStore) AppendDeliveryAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (job_id, status, delivery_time_ms, mx_server, failure_reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, a.JobID, a.Status, a.DeliveryTimeMs, a.MXServer, a.FailureReason)
	if err != nil {
		return fmt.Errorf("append delivery attempt job=%d: %w", a.JobID, err)
	}
	return nil
}

// RecentAttemptStats backs the daily reputation recompute sweep (spec.md
// §4.5): it aggregates the last `since` window of attempts against jobs
// whose envelope-to domain matches.
func (s *PostgresStore) RecentAttemptStats(ctx context.Context, domain string, since time.Time) (int64, int64, error) {
	var successful, failed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE da.status = 'delivered'),
			COUNT(*) FILTER (WHERE da.status != 'delivered')
		FROM delivery_attempts da
		JOIN delivery_jobs dj ON dj.id = da.job_id
		WHERE da.attempted_at >= $1 AND dj.envelope_to LIKE '%@' || $2
	`, since, domain).Scan(&successful, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("recent attempt stats %s: %w", domain, err)
	}
	return successful, failed, nil
}

func (s *PostgresStore) PurgeDeliveryAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE attempted_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge delivery attempts: %w", err)
	}
	return res.RowsAffected()
}
