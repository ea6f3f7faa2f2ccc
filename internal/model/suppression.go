package model

import "time"

// SuppressionType classifies why a recipient is suppressed (spec.md §3).
type SuppressionType string

const (
	SuppressBounce   SuppressionType = "bounce"
	SuppressComplaint SuppressionType = "complaint"
	SuppressManual   SuppressionType = "manual"
	SuppressGlobal   SuppressionType = "global"
)

// SuppressionEntry blocks further sends to a recipient, either scoped to
// a tenant or global (spec.md §3).
type SuppressionEntry struct {
	TenantID    string // empty means global
	Email       string // lowercased
	Type        SuppressionType
	BounceType  BounceClassification // set when Type == SuppressBounce
	Reason      string
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryAttempt is an append-only record of one SMTP transaction
// (spec.md §3), used to feed reputation recomputation.
type DeliveryAttempt struct {
	ID             int64
	JobID          int64
	Status         string
	DeliveryTimeMs int64
	MXServer       string
	FailureReason  string
	AttemptedAt    time.Time
}

// AuditEntry is an append-only record of admission decisions, signed
// sends, and suppression mutations (spec.md §3). Never consulted on the
// hot path.
type AuditEntry struct {
	ID        int64
	TenantID  string
	Action    string
	Detail    string
	CreatedAt time.Time
}
