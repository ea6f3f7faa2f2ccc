// Package store implements the durable Postgres-backed tables and atomic
// primitives behind the delivery pipeline (spec.md §3, §4.1).
package store

import (
	"context"
	"time"

	"github.com/ignite/ultrazend/internal/model"
)

// Outcome is the terminal or rescheduling result of one delivery attempt,
// recorded atomically alongside an append-only DeliveryAttempt row
// (spec.md §4.1 RecordOutcome).
type Outcome struct {
	State                model.JobState
	NextAttempt          *time.Time
	DeliveredAt          *time.Time
	DeliveryTimeMs       int64
	LastError            string
	BounceClassification model.BounceClassification
	RawDeliveryReport    []byte

	// Attempt fields, appended to delivery_attempts alongside the job update.
	AttemptStatus string
	MXServer      string
	FailureReason string
}

// Store is the durable persistence surface consumed by every other
// component. A single implementation is constructed at startup and
// passed by reference — no package-level singleton (spec.md §9).
type Store interface {
	// Enqueue inserts a new pending job. Returns ErrDuplicateMessage on a
	// message-id collision (spec.md §3 I4).
	Enqueue(ctx context.Context, job *model.DeliveryJob) (int64, error)

	// ClaimPending atomically selects up to limit pending jobs for
	// tenantID ordered by priority desc, created_at asc, and marks them
	// processing (spec.md §4.1).
	ClaimPending(ctx context.Context, tenantID string, limit int) ([]model.DeliveryJob, error)

	// DistinctPendingTenants returns tenant ids with at least one
	// claimable job as of now (spec.md §4.8 step 2).
	DistinctPendingTenants(ctx context.Context, now time.Time) ([]string, error)

	// RecordOutcome applies a terminal or reschedule transition and
	// appends a DeliveryAttempt row, in one transaction (spec.md §4.1).
	RecordOutcome(ctx context.Context, jobID int64, outcome Outcome) error

	// InflightLeakSweep returns processing jobs whose last_attempt is
	// older than threshold; the caller is responsible for requeuing them
	// (spec.md §4.1).
	InflightLeakSweep(ctx context.Context, now time.Time, threshold time.Duration) ([]model.DeliveryJob, error)

	// RequeueStuck moves a single job from processing back to pending
	// with the given next_attempt, used by the inflight-leak sweep, which
	// also reclaims jobs left in processing after a drain timeout
	// (spec.md §5).
	RequeueStuck(ctx context.Context, jobID int64, nextAttempt time.Time) error

	// CancelJob transitions a pending or deferred job to
	// failed(reason=cancelled) and returns true. It returns false for any
	// other state: a terminal job, or one in processing, which is left to
	// finish its attempt and is not marked cancelled (spec.md §6 Cancel, P7).
	CancelJob(ctx context.Context, tenantID string, jobID int64) (bool, error)

	// GetJob fetches a single job, scoped to tenantID for P2 isolation.
	GetJob(ctx context.Context, tenantID string, jobID int64) (*model.DeliveryJob, error)

	// TenantStats aggregates a tenant's jobs from the given window.
	TenantStats(ctx context.Context, tenantID string, since time.Time) (TenantStats, error)

	// ArchiveTerminalJobs deletes/archives terminal jobs older than
	// olderThan (spec.md §3 lifecycle). Returns the number archived.
	ArchiveTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)

	// RecentActiveDomains returns distinct recipient domains seen in jobs
	// created since the given time, feeding the reputation sweep's domain
	// discovery (spec.md §4.5).
	RecentActiveDomains(ctx context.Context, since time.Time) ([]string, error)

	// PipelineHealthStats aggregates recent delivery_attempts into the
	// snapshot the Auto-Rollback Controller evaluates (spec.md §4.10):
	// current-window success rate and p50 latency against a
	// baseline-window error count.
	PipelineHealthStats(ctx context.Context, currentWindow, baselineWindow time.Duration) (PipelineHealthStats, error)

	TenantStore
	DomainStore
	DKIMStore
	ReputationStore
	SuppressionStore
	AuditStore

	Ping(ctx context.Context) error
}

// TenantStats summarizes a tenant's recent activity for GetTenantStats
// (spec.md §6).
type TenantStats struct {
	CountByState   map[model.JobState]int64
	AvgDeliveryMs  float64
	RemainingDaily int
	RemainingHourly int
	RemainingMinute int
}

// PipelineHealthStats is the global health snapshot backing the
// Auto-Rollback Controller's trigger table (spec.md §4.10).
type PipelineHealthStats struct {
	SuccessRate    float64
	P50LatencyMs   int
	ErrorsCurrent  int
	ErrorsBaseline int
	RecentErrors   int
}

// TenantStore exposes tenant metadata and counters (spec.md §4.6).
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	IncrementTenantCounters(ctx context.Context, tenantID string) error
}

// DomainStore exposes sender-domain verification state (spec.md §4.2).
type DomainStore interface {
	GetDomainByName(ctx context.Context, name string) (*model.Domain, error)
}

// DKIMStore persists per-domain keypairs (spec.md §4.2).
type DKIMStore interface {
	GetActiveDKIMKey(ctx context.Context, domainID string) (*model.DKIMKey, error)
	GetInactiveDKIMKey(ctx context.Context, domainID string) (*model.DKIMKey, error)
	InsertDKIMKey(ctx context.Context, key *model.DKIMKey) error
	ReactivateDKIMKey(ctx context.Context, id int64) error
	DeactivateDKIMKeys(ctx context.Context, domainID string) error
}

// ReputationStore persists rolling domain/MX scores (spec.md §4.5).
type ReputationStore interface {
	GetDomainReputation(ctx context.Context, domain string) (*model.DomainReputation, error)
	UpsertDomainReputation(ctx context.Context, rep *model.DomainReputation) error
	GetMXReputation(ctx context.Context, mx, domain string) (*model.MXServerReputation, error)
	UpsertMXReputation(ctx context.Context, rep *model.MXServerReputation) error
	AppendDeliveryAttempt(ctx context.Context, a *model.DeliveryAttempt) error
	RecentAttemptStats(ctx context.Context, domain string, since time.Time) (successful, failed int64, err error)
	PurgeDeliveryAttempts(ctx context.Context, olderThan time.Time) (int64, error)
}

// SuppressionStore persists suppression rows (spec.md §4.4).
type SuppressionStore interface {
	IsSuppressed(ctx context.Context, tenantID, email string) (bool, error)
	UpsertSuppression(ctx context.Context, e *model.SuppressionEntry) error
	ListExpiredSoftBounces(ctx context.Context, olderThan time.Time) ([]model.SuppressionEntry, error)
	DeleteSuppression(ctx context.Context, tenantID, email string) error

	// ListGlobalSuppressions returns every email address suppressed for
	// all tenants (tenant_id IS NULL), used to seed the bloom filter +
	// sorted MD5 array fast path in suppression.Cache.
	ListGlobalSuppressions(ctx context.Context) ([]string, error)
}

// AuditStore appends audit-trail entries, never read on the hot path
// (spec.md §3).
type AuditStore interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}
