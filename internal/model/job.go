// Package model holds the durable data types shared by every component of
// the delivery pipeline: jobs, tenants, DKIM keys, reputation and
// suppression rows, delivery attempts and audit entries.
package model

import "time"

// JobState is the lifecycle state of a DeliveryJob.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobDelivered  JobState = "delivered"
	JobFailed     JobState = "failed"
	JobBounced    JobState = "bounced"
	JobDeferred   JobState = "deferred"
)

// BounceClassification categorizes a terminal bounce.
type BounceClassification string

const (
	BounceNone  BounceClassification = ""
	BounceHard  BounceClassification = "hard"
	BounceSoft  BounceClassification = "soft"
	BounceBlock BounceClassification = "block"
)

// DeliveryJob is one recipient's copy of a message (spec.md §3).
type DeliveryJob struct {
	ID        int64
	MessageID string

	EnvelopeFrom string
	EnvelopeTo   string
	Subject      string
	BodyText     string
	BodyHTML     string
	Headers      map[string]string

	TenantID   string
	CampaignID string

	State JobState

	Priority      int
	Attempts      int
	LastAttempt   *time.Time
	NextAttempt   *time.Time
	CreatedAt     time.Time

	DeliveredAt       *time.Time
	DeliveryTimeMs    int64
	LastError         string
	BounceClassification BounceClassification
	RawDeliveryReport []byte
}

// RetryCap is the maximum number of attempts before a job becomes
// terminally failed (spec.md §4.9).
const RetryCap = 5

// IsTerminal reports whether the job has left the retry loop for good.
func (j *DeliveryJob) IsTerminal() bool {
	switch j.State {
	case JobDelivered, JobFailed, JobBounced:
		return true
	default:
		return false
	}
}
