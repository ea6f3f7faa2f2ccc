package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/ultrazend/internal/model"
	"github.com/lib/pq"
)

// PostgresStore implements Store against PostgreSQL via database/sql,
// following the query style of the teacher's repository/postgres
// package: plain $N positional SQL, *Context methods, fmt.Errorf wraps.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB. Callers own the pool
// configuration (SetMaxOpenConns etc).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Enqueue inserts a new pending job (spec.md §4.1, §4.7 step 8).
func (s *PostgresStore) Enqueue(ctx context.Context, job *model.DeliveryJob) (int64, error) {
	headers, err := marshalHeaders(job.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO delivery_jobs
			(message_id, envelope_from, envelope_to, subject, body_text, body_html,
			 headers, tenant_id, campaign_id, state, priority, attempts,
			 next_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, NOW())
		RETURNING id
	`, job.MessageID, job.EnvelopeFrom, job.EnvelopeTo, job.Subject, job.BodyText, job.BodyHTML,
		headers, job.TenantID, nullString(job.CampaignID), string(model.JobPending), job.Priority,
		job.NextAttempt,
	).Scan(&id)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, ErrDuplicateMessage
		}
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimPending claims up to limit pending jobs for tenantID in one
// transaction, ordered by priority desc then created_at asc (spec.md
// §4.1). next_attempt <= now is treated as claimable, matching spec §9
// open question (a): ties at the boundary are claimable, not deferred.
func (s *PostgresStore) ClaimPending(ctx context.Context, tenantID string, limit int) ([]model.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM delivery_jobs
		WHERE tenant_id = $1 AND state = $2 AND next_attempt <= NOW()
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, tenantID, string(model.JobPending), limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	jobs := make([]model.DeliveryJob, 0, len(ids))
	for _, id := range ids {
		var j model.DeliveryJob
		var headers []byte
		var campaignID sql.NullString
		err := tx.QueryRowContext(ctx, `
			UPDATE delivery_jobs
			SET state = $1, last_attempt = NOW(), attempts = attempts + 1
			WHERE id = $2
			RETURNING id, message_id, envelope_from, envelope_to, subject, body_text,
			          body_html, headers, tenant_id, campaign_id, state, priority,
			          attempts, last_attempt, next_attempt, created_at
		`, string(model.JobProcessing), id).Scan(
			&j.ID, &j.MessageID, &j.EnvelopeFrom, &j.EnvelopeTo, &j.Subject, &j.BodyText,
			&j.BodyHTML, &headers, &j.TenantID, &campaignID, &j.State, &j.Priority,
			&j.Attempts, &j.LastAttempt, &j.NextAttempt, &j.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, err)
		}
		j.CampaignID = campaignID.String
		j.Headers, _ = unmarshalHeaders(headers)
		jobs = append(jobs, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) DistinctPendingTenants(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM delivery_jobs
		WHERE state = $1 AND next_attempt <= $2
	`, string(model.JobPending), now)
	if err != nil {
		return nil, fmt.Errorf("distinct pending tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordOutcome sets terminal or reschedule state and appends a
// DeliveryAttempt row in one transaction (spec.md §4.1).
func (s *PostgresStore) RecordOutcome(ctx context.Context, jobID int64, o Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record outcome: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = $1, next_attempt = $2, delivered_at = $3, delivery_time_ms = $4,
		    last_error = $5, bounce_classification = $6, raw_delivery_report = $7
		WHERE id = $8
	`, string(o.State), o.NextAttempt, o.DeliveredAt, o.DeliveryTimeMs,
		o.LastError, string(o.BounceClassification), o.RawDeliveryReport, jobID)
	if err != nil {
		return fmt.Errorf("update job outcome: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_attempts (job_id, status, delivery_time_ms, mx_server, failure_reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, jobID, o.AttemptStatus, o.DeliveryTimeMs, o.MXServer, o.FailureReason)
	if err != nil {
		return fmt.Errorf("append delivery attempt: %w", err)
	}

	return tx.Commit()
}

// InflightLeakSweep returns processing jobs abandoned past threshold
// (spec.md §4.1, P8).
func (s *PostgresStore) InflightLeakSweep(ctx context.Context, now time.Time, threshold time.Duration) ([]model.DeliveryJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, attempts FROM delivery_jobs
		WHERE state = $1 AND last_attempt < $2
	`, string(model.JobProcessing), now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("inflight leak sweep: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryJob
	for rows.Next() {
		var j model.DeliveryJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Attempts); err != nil {
			return nil, fmt.Errorf("scan leaked job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequeueStuck(ctx context.Context, jobID int64, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET state = $1, next_attempt = $2
		WHERE id = $3 AND state = $4
	`, string(model.JobPending), nextAttempt, jobID, string(model.JobProcessing))
	if err != nil {
		return fmt.Errorf("requeue stuck job %d: %w", jobID, err)
	}
	return nil
}

// CancelJob transitions a pending or deferred job to failed(cancelled)
// exactly once (spec.md §6, P7). Jobs in processing are not cancelled.
func (s *PostgresStore) CancelJob(ctx context.Context, tenantID string, jobID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = $1, next_attempt = NULL, last_error = 'cancelled'
		WHERE id = $2 AND tenant_id = $3
		  AND state IN ($4, $5)
	`, string(model.JobFailed), jobID, tenantID, string(model.JobPending), string(model.JobDeferred))
	if err != nil {
		return false, fmt.Errorf("cancel job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job %d rows affected: %w", jobID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, tenantID string, jobID int64) (*model.DeliveryJob, error) {
	var j model.DeliveryJob
	var headers []byte
	var campaignID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, envelope_from, envelope_to, subject, body_text,
		       body_html, headers, tenant_id, campaign_id, state, priority,
		       attempts, last_attempt, next_attempt, created_at
		FROM delivery_jobs
		WHERE id = $1 AND tenant_id = $2
	`, jobID, tenantID).Scan(
		&j.ID, &j.MessageID, &j.EnvelopeFrom, &j.EnvelopeTo, &j.Subject, &j.BodyText,
		&j.BodyHTML, &headers, &j.TenantID, &campaignID, &j.State, &j.Priority,
		&j.Attempts, &j.LastAttempt, &j.NextAttempt, &j.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	j.CampaignID = campaignID.String
	j.Headers, _ = unmarshalHeaders(headers)
	return &j, nil
}

func (s *PostgresStore) TenantStats(ctx context.Context, tenantID string, since time.Time) (TenantStats, error) {
	stats := TenantStats{CountByState: map[model.JobState]int64{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM delivery_jobs
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY state
	`, tenantID, since)
	if err != nil {
		return stats, fmt.Errorf("tenant stats by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return stats, fmt.Errorf("scan tenant stats: %w", err)
		}
		stats.CountByState[model.JobState(state)] = n
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(delivery_time_ms), 0) FROM delivery_jobs
		WHERE tenant_id = $1 AND state = $2 AND created_at >= $3
	`, tenantID, string(model.JobDelivered), since).Scan(&stats.AvgDeliveryMs)
	if err != nil {
		return stats, fmt.Errorf("tenant avg delivery ms: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) ArchiveTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_jobs
		WHERE state IN ($1, $2, $3) AND created_at < $4
	`, string(model.JobDelivered), string(model.JobFailed), string(model.JobBounced), olderThan)
	if err != nil {
		return 0, fmt.Errorf("archive terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// RecentActiveDomains returns distinct recipient domains from jobs
// created since the given time (spec.md §4.5 sweep domain discovery).
func (s *PostgresStore) RecentActiveDomains(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT SPLIT_PART(envelope_to, '@', 2) FROM delivery_jobs
		WHERE created_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("recent active domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan active domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PipelineHealthStats computes the Auto-Rollback Controller's health
// snapshot (spec.md §4.10): success rate and p50 latency over the
// current window, plus error counts over the current and a longer
// baseline window for the errors_v2-vs-baseline trigger.
func (s *PostgresStore) PipelineHealthStats(ctx context.Context, currentWindow, baselineWindow time.Duration) (PipelineHealthStats, error) {
	var stats PipelineHealthStats
	now := time.Now()
	currentSince := now.Add(-currentWindow)
	baselineSince := now.Add(-baselineWindow)

	var total, delivered int64
	var p50 float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY delivery_time_ms) FILTER (WHERE status = 'delivered'), 0)
		FROM delivery_attempts
		WHERE attempted_at >= $1
	`, currentSince).Scan(&total, &delivered, &p50)
	if err != nil {
		return stats, fmt.Errorf("pipeline health current window: %w", err)
	}
	stats.P50LatencyMs = int(p50)
	if total > 0 {
		stats.SuccessRate = float64(delivered) / float64(total)
	} else {
		stats.SuccessRate = 1
	}
	stats.ErrorsCurrent = int(total - delivered)
	stats.RecentErrors = stats.ErrorsCurrent

	var baselineTotal, baselineDelivered int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'delivered')
		FROM delivery_attempts
		WHERE attempted_at >= $1 AND attempted_at < $2
	`, baselineSince, currentSince).Scan(&baselineTotal, &baselineDelivered)
	if err != nil {
		return stats, fmt.Errorf("pipeline health baseline window: %w", err)
	}
	stats.ErrorsBaseline = int(baselineTotal - baselineDelivered)

	return stats, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
