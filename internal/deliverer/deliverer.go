// Package deliverer executes one SMTP delivery attempt per claimed job:
// re-validation, DKIM signing, the SMTP transaction itself, and outcome
// classification feeding back into the Store and Reputation Engine
// (spec.md §4.9).
package deliverer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ignite/ultrazend/internal/dkim"
	"github.com/ignite/ultrazend/internal/health"
	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/reputation"
	"github.com/ignite/ultrazend/internal/store"
	"github.com/ignite/ultrazend/internal/suppression"
	"github.com/ignite/ultrazend/internal/tenant"
)

// Config controls per-attempt SMTP behavior (spec.md §4.9, §6). Kept as
// its own lightweight struct, independent of internal/config, matching
// the reputation and dkim packages' convention for unit testability.
type Config struct {
	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	SocketTimeout   time.Duration
	SmartHost       string
	AuthMethod      string // "", "plain", "login"
	AuthUsername    string
	AuthPassword    string
}

// DefaultConfig matches spec.md §4.9's literal 30s timeouts.
func DefaultConfig() Config {
	return Config{ConnectTimeout: 30 * time.Second, GreetingTimeout: 30 * time.Second, SocketTimeout: 30 * time.Second}
}

// SendOutcome is the raw result of one SMTP transaction, before
// classification.
type SendOutcome struct {
	Code     int
	Response string
	MXServer string
}

// Sender performs the wire-level SMTP transaction against a single MX
// (or smart-host) target. Implemented by smtpSender; overridable in
// tests.
type Sender interface {
	Send(ctx context.Context, mxServer string, envelopeFrom, envelopeTo string, data []byte) (*SendOutcome, error)
}

// jobStore is the narrow slice of store.Store the Deliverer calls
// directly.
type jobStore interface {
	RecordOutcome(ctx context.Context, jobID int64, outcome store.Outcome) error
}

// Deliverer executes spec.md §4.9's per-attempt flow.
type Deliverer struct {
	store       jobStore
	tenantCtx   *tenant.Context
	reputation  *reputation.Engine
	keystore    *dkim.Keystore
	signer      *dkim.Signer
	suppression *suppression.Cache
	sender      Sender
	backoff     BackoffPlan
	cfg         Config
	metrics     *health.Metrics

	log *logger.Logger
}

// WithMetrics attaches the prometheus collector set; nil-safe if never
// called. Returns d for chaining at construction time.
func (d *Deliverer) WithMetrics(m *health.Metrics) *Deliverer {
	d.metrics = m
	return d
}

// New constructs a Deliverer.
func New(s jobStore, tc *tenant.Context, rep *reputation.Engine, ks *dkim.Keystore, signer *dkim.Signer, sup *suppression.Cache, sender Sender, backoff BackoffPlan, cfg Config) *Deliverer {
	return &Deliverer{
		store: s, tenantCtx: tc, reputation: rep, keystore: ks, signer: signer,
		suppression: sup, sender: sender, backoff: backoff, cfg: cfg,
		log: logger.Named("deliverer"),
	}
}

// Attempt runs a single delivery attempt for job (spec.md §4.9 steps 1-8).
func (d *Deliverer) Attempt(ctx context.Context, job *model.DeliveryJob) error {
	attemptNum := job.Attempts

	tenantCtx, err := d.tenantCtx.Get(ctx, job.TenantID)
	if err != nil {
		return d.deferOrFail(ctx, job, attemptNum, "tenant lookup failed: "+err.Error())
	}
	if !tenantCtx.Active {
		return d.deferOrFail(ctx, job, attemptNum, "tenant went inactive")
	}

	recipientDomain := reputation.DomainFromEmail(job.EnvelopeTo)
	repDecision, err := d.reputation.CheckDeliveryAllowed(ctx, recipientDomain)
	if err != nil {
		return d.deferOrFail(ctx, job, attemptNum, "reputation check failed: "+err.Error())
	}
	if !repDecision.Allowed {
		if d.metrics != nil {
			d.metrics.RecordReputationDenied(recipientDomain)
		}
		return d.terminalFail(ctx, job, attemptNum, "blocked by reputation gate")
	}

	fromDomain := reputation.DomainFromEmail(job.EnvelopeFrom)
	key, err := d.keystore.GetOrGenerate(ctx, fromDomain)
	if err != nil {
		return d.terminalFail(ctx, job, attemptNum, "dkim key unavailable: "+err.Error())
	}

	raw, err := dkim.Compose(job)
	if err != nil {
		return d.terminalFail(ctx, job, attemptNum, "compose failed: "+err.Error())
	}
	signed, err := d.signer.Sign(raw, key)
	if err != nil {
		return d.terminalFail(ctx, job, attemptNum, "dkim sign failed: "+err.Error())
	}

	target, err := d.resolveTarget(recipientDomain)
	if err != nil {
		return d.retryableFail(ctx, job, attemptNum, "", "mx resolution failed: "+err.Error())
	}

	start := time.Now()
	outcome, err := d.sender.Send(ctx, target, job.EnvelopeFrom, job.EnvelopeTo, signed)
	elapsedMs := time.Since(start).Milliseconds()
	if err != nil {
		return d.retryableFail(ctx, job, attemptNum, target, "transport error: "+err.Error())
	}

	switch {
	case outcome.Code >= 200 && outcome.Code < 300:
		return d.deliver(ctx, job, outcome, elapsedMs)
	case outcome.Code >= 400 && outcome.Code < 500:
		return d.retryableFail(ctx, job, attemptNum, outcome.MXServer, outcome.Response)
	case outcome.Code >= 500 && outcome.Code < 600:
		return d.bounce(ctx, job, attemptNum, outcome)
	default:
		return d.retryableFail(ctx, job, attemptNum, outcome.MXServer, fmt.Sprintf("unexpected response code %d: %s", outcome.Code, outcome.Response))
	}
}

func (d *Deliverer) deliver(ctx context.Context, job *model.DeliveryJob, outcome *SendOutcome, elapsedMs int64) error {
	now := time.Now()
	err := d.store.RecordOutcome(ctx, job.ID, store.Outcome{
		State:          model.JobDelivered,
		DeliveredAt:    &now,
		DeliveryTimeMs: elapsedMs,
		AttemptStatus:  "delivered",
		MXServer:       outcome.MXServer,
	})
	if err != nil {
		return fmt.Errorf("record delivered outcome for job %d: %w", job.ID, err)
	}
	if d.metrics != nil {
		d.metrics.RecordOutcome("delivered")
	}

	recipientDomain := reputation.DomainFromEmail(job.EnvelopeTo)
	if _, rerr := d.reputation.RecordOutcome(ctx, recipientDomain, true, ""); rerr != nil {
		d.log.Warn("failed to record domain reputation", "domain", recipientDomain, "error", rerr.Error())
	}
	if rerr := d.reputation.RecordMXOutcome(ctx, outcome.MXServer, recipientDomain, true, elapsedMs, ""); rerr != nil {
		d.log.Warn("failed to record mx reputation", "mx", outcome.MXServer, "error", rerr.Error())
	}
	return nil
}

// bounce classifies a 5xx response into {hard, soft, block}: hard/block
// are terminal and suppress the recipient; soft is retryable
// (spec.md §4.9 step 7).
func (d *Deliverer) bounce(ctx context.Context, job *model.DeliveryJob, attemptNum int, outcome *SendOutcome) error {
	classification := suppression.Classify(outcome.Response)
	if classification == model.BounceSoft {
		return d.retryableFail(ctx, job, attemptNum, outcome.MXServer, outcome.Response)
	}

	err := d.store.RecordOutcome(ctx, job.ID, store.Outcome{
		State:                model.JobBounced,
		LastError:            outcome.Response,
		BounceClassification: classification,
		AttemptStatus:        "bounced",
		MXServer:             outcome.MXServer,
		FailureReason:        outcome.Response,
	})
	if err != nil {
		return fmt.Errorf("record bounce outcome for job %d: %w", job.ID, err)
	}
	if d.metrics != nil {
		d.metrics.RecordOutcome("bounce_" + string(classification))
	}

	if rerr := d.suppression.Record(ctx, &model.SuppressionEntry{
		TenantID:   job.TenantID,
		Email:      job.EnvelopeTo,
		Type:       model.SuppressBounce,
		BounceType: classification,
		Reason:     outcome.Response,
	}); rerr != nil {
		d.log.Warn("failed to record suppression", "email", job.EnvelopeTo, "error", rerr.Error())
	}

	recipientDomain := reputation.DomainFromEmail(job.EnvelopeTo)
	if _, rerr := d.reputation.RecordOutcome(ctx, recipientDomain, false, outcome.Response); rerr != nil {
		d.log.Warn("failed to record domain reputation", "domain", recipientDomain, "error", rerr.Error())
	}
	if rerr := d.reputation.RecordMXOutcome(ctx, outcome.MXServer, recipientDomain, false, 0, outcome.Response); rerr != nil {
		d.log.Warn("failed to record mx reputation", "mx", outcome.MXServer, "error", rerr.Error())
	}
	return nil
}

// retryableFail reschedules job with the backoff-planned delay, or
// terminally fails it once the retry cap is exceeded.
func (d *Deliverer) retryableFail(ctx context.Context, job *model.DeliveryJob, attemptNum int, mxServer, reason string) error {
	if d.backoff.ExceedsCap(attemptNum) {
		return d.terminalFail(ctx, job, attemptNum, reason)
	}

	next := time.Now().Add(d.backoff.NextDelay(attemptNum))
	err := d.store.RecordOutcome(ctx, job.ID, store.Outcome{
		State:         model.JobPending,
		NextAttempt:   &next,
		LastError:     reason,
		AttemptStatus: "retrying",
		MXServer:      mxServer,
		FailureReason: reason,
	})
	if err != nil {
		return fmt.Errorf("record retryable outcome for job %d: %w", job.ID, err)
	}
	if d.metrics != nil {
		d.metrics.RecordOutcome("retryable")
	}

	recipientDomain := reputation.DomainFromEmail(job.EnvelopeTo)
	if _, rerr := d.reputation.RecordOutcome(ctx, recipientDomain, false, reason); rerr != nil {
		d.log.Warn("failed to record domain reputation", "domain", recipientDomain, "error", rerr.Error())
	}
	return nil
}

// terminalFail moves job to failed with reason, independent of the
// retry cap (used for non-SMTP refusals like a blocked reputation gate).
func (d *Deliverer) terminalFail(ctx context.Context, job *model.DeliveryJob, attemptNum int, reason string) error {
	err := d.store.RecordOutcome(ctx, job.ID, store.Outcome{
		State:         model.JobFailed,
		LastError:     reason,
		AttemptStatus: "failed",
		FailureReason: reason,
	})
	if err != nil {
		return fmt.Errorf("record terminal failure for job %d: %w", job.ID, err)
	}
	if d.metrics != nil {
		d.metrics.RecordOutcome("failed")
	}
	return nil
}

// deferOrFail reschedules a short delay for a transient pre-flight
// refusal (tenant/reputation lookup error), distinct from an SMTP-level
// retryable failure so it doesn't consume the backoff schedule's
// attempt-number semantics as aggressively.
func (d *Deliverer) deferOrFail(ctx context.Context, job *model.DeliveryJob, attemptNum int, reason string) error {
	if d.backoff.ExceedsCap(attemptNum) {
		return d.terminalFail(ctx, job, attemptNum, reason)
	}
	next := time.Now().Add(time.Minute)
	err := d.store.RecordOutcome(ctx, job.ID, store.Outcome{
		State:         model.JobDeferred,
		NextAttempt:   &next,
		LastError:     reason,
		AttemptStatus: "deferred",
		FailureReason: reason,
	})
	if err != nil {
		return fmt.Errorf("record deferred outcome for job %d: %w", job.ID, err)
	}
	return nil
}

// resolveTarget returns the SMTP target for domain: the configured
// smart-host if set, else the domain's lowest-preference MX record.
func (d *Deliverer) resolveTarget(domain string) (string, error) {
	if d.cfg.SmartHost != "" {
		return d.cfg.SmartHost, nil
	}
	mxs, err := net.LookupMX(domain)
	if err != nil {
		return "", fmt.Errorf("lookup mx for %s: %w", domain, err)
	}
	if len(mxs) == 0 {
		return "", errors.New("no mx records for " + domain)
	}
	return mxs[0].Host, nil
}
