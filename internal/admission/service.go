// Package admission implements the Enqueue control flow that gates
// every inbound send request against validation, tenant policy,
// suppression and reputation before it becomes a durable job
// (spec.md §4.7).
package admission

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/reputation"
	"github.com/ignite/ultrazend/internal/rollback"
	"github.com/ignite/ultrazend/internal/store"
	"github.com/ignite/ultrazend/internal/suppression"
	"github.com/ignite/ultrazend/internal/tenant"
)

// Request is a submission request handed to Enqueue (spec.md §4.7 step 1).
type Request struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	BodyText   string            `json:"body_text"`
	BodyHTML   string            `json:"body_html"`
	Headers    map[string]string `json:"headers,omitempty"`
	TenantID   string            `json:"tenant_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	MessageID  string            `json:"message_id,omitempty"` // optional; generated if empty
}

// Result is returned by a successful Enqueue.
type Result struct {
	JobID     int64  `json:"job_id"`
	MessageID string `json:"message_id"`
	Priority  int    `json:"priority"`
}

const (
	basePriority         = 50
	reputationHighBonus  = 10
	reputationLowPenalty = -10
	historicalBonus      = 5
	reputationHighScore  = 80
	reputationLowScore   = 30
	historicalThreshold  = 0.9
)

// jobStore is the narrow slice of store.Store that Enqueue calls
// directly; the rest of Store's surface is reached through tenantCtx,
// suppression and reputation, which hold their own narrower interfaces.
type jobStore interface {
	Enqueue(ctx context.Context, job *model.DeliveryJob) (int64, error)
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}

// Service is a plain struct (no singleton) constructed once at startup
// and handed borrowed references to its collaborators, per the
// cycle-breaking convention in spec.md §9.
type Service struct {
	store       jobStore
	tenantCtx   *tenant.Context
	suppression *suppression.Cache
	reputation  *reputation.Engine
	rollout     *rollback.Controller

	log *logger.Logger
}

// NewService constructs an admission Service. s is typically the full
// store.Store, which satisfies jobStore.
func NewService(s store.Store, tc *tenant.Context, sup *suppression.Cache, rep *reputation.Engine) *Service {
	return &Service{store: s, tenantCtx: tc, suppression: sup, reputation: rep, log: logger.Named("admission.service")}
}

// WithRollout attaches the Auto-Rollback Controller's rollout gate
// (spec.md §4.10: "it only writes configuration flags that Admission
// consults at request time"). Nil-safe if never called — Enqueue then
// always passes the gate.
func (s *Service) WithRollout(rc *rollback.Controller) *Service {
	s.rollout = rc
	return s
}

// Enqueue implements spec.md §4.7's 9-step flow.
func (s *Service) Enqueue(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	t, err := s.tenantCtx.Get(ctx, req.TenantID)
	if err != nil {
		return Result{}, storeUnavailableError(err)
	}
	if !t.Active {
		return Result{}, tenantInactiveError()
	}

	if !s.passesRolloutGate(req.TenantID) {
		return Result{}, rolledBackError()
	}

	fromDomain := domainOf(req.From)
	decision, err := s.tenantCtx.ValidateOperation(ctx, t, tenant.OpSendEmail, fromDomain)
	if err != nil {
		return Result{}, storeUnavailableError(err)
	}
	if !decision.Allowed {
		if decision.Reason == tenant.DenyDomainNotAllowed {
			return Result{}, domainNotAllowedError(fromDomain)
		}
		return Result{}, rateExceededError(string(decision.Reason))
	}

	to := strings.ToLower(strings.TrimSpace(req.To))
	if s.suppression.IsSuppressed(ctx, req.TenantID, to) {
		return Result{}, suppressedError(to)
	}

	recipientDomain := domainOf(to)
	repDecision, err := s.reputation.CheckDeliveryAllowed(ctx, recipientDomain)
	if err != nil {
		return Result{}, storeUnavailableError(err)
	}
	if !repDecision.Allowed {
		return Result{}, reputationBlockedError(recipientDomain)
	}

	sendDecision, err := s.tenantCtx.RecordSend(ctx, t)
	if err != nil {
		return Result{}, storeUnavailableError(err)
	}
	if !sendDecision.Allowed {
		return Result{}, rateExceededError(string(sendDecision.Reason))
	}

	priority := computePriority(t, repDecision.Score)

	messageID := req.MessageID
	if messageID == "" {
		messageID = generateMessageID(fromDomain)
	}

	now := time.Now()
	job := &model.DeliveryJob{
		MessageID:    messageID,
		EnvelopeFrom: req.From,
		EnvelopeTo:   to,
		Subject:      req.Subject,
		BodyText:     req.BodyText,
		BodyHTML:     req.BodyHTML,
		Headers:      req.Headers,
		TenantID:     req.TenantID,
		CampaignID:   req.CampaignID,
		State:        model.JobPending,
		Priority:     priority,
		NextAttempt:  &now,
		CreatedAt:    now,
	}

	jobID, err := s.store.Enqueue(ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return Result{}, duplicateMessageError(messageID)
		}
		return Result{}, storeUnavailableError(err)
	}

	s.audit(ctx, req.TenantID, "enqueue", fmt.Sprintf("job=%d message_id=%s priority=%d", jobID, messageID, priority))

	return Result{JobID: jobID, MessageID: messageID, Priority: priority}, nil
}

func validate(req Request) error {
	var bad []string
	if strings.TrimSpace(req.From) == "" {
		bad = append(bad, "from")
	} else if !isValidEmail(req.From) {
		bad = append(bad, "from")
	}
	if strings.TrimSpace(req.To) == "" {
		bad = append(bad, "to")
	} else if !isValidEmail(req.To) {
		bad = append(bad, "to")
	}
	if strings.TrimSpace(req.Subject) == "" {
		bad = append(bad, "subject")
	}
	if strings.TrimSpace(req.BodyText) == "" && strings.TrimSpace(req.BodyHTML) == "" {
		bad = append(bad, "body")
	}
	if strings.TrimSpace(req.TenantID) == "" {
		bad = append(bad, "tenant_id")
	}
	if len(bad) > 0 {
		return validationError(bad...)
	}
	return nil
}

// isValidEmail reports whether addr is a single, well-formed RFC 5322
// address — rejecting garbage senders/recipients before they reach DKIM
// lookup or the deliverer, where the same problem would surface as an
// opaque transport failure instead of an immediate validation error.
func isValidEmail(addr string) bool {
	parsed, err := mail.ParseAddress(strings.TrimSpace(addr))
	return err == nil && parsed.Address != ""
}

// computePriority implements spec.md §4.7 step 5.
func computePriority(t *model.Tenant, reputationScore float64) int {
	p := basePriority + model.PriorityBonus[t.Plan]

	switch {
	case reputationScore >= reputationHighScore:
		p += reputationHighBonus
	case reputationScore <= reputationLowScore:
		p += reputationLowPenalty
	}

	if t.HistoricalReputation >= historicalThreshold {
		p += historicalBonus
	}

	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

// generateMessageID issues an epoch-ms.rand@from-domain id (spec.md
// §4.7 step 6). Stored without angle brackets; callers that render a
// Message-Id header (dkim.Compose) add them.
func generateMessageID(fromDomain string) string {
	if fromDomain == "" {
		fromDomain = "localhost"
	}
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixMilli(), uuid.NewString()[:8], fromDomain)
}

// passesRolloutGate implements spec.md §4.10's cohort check: a tenant is
// deterministically bucketed 0-99 by its ID so repeated requests from the
// same tenant land on the same side of a rollback, then admitted only if
// its bucket falls under the current rollout percent.
func (s *Service) passesRolloutGate(tenantID string) bool {
	if s.rollout == nil {
		return true
	}
	state := s.rollout.State()
	if !state.Enabled || state.RolloutPercent <= 0 {
		return false
	}
	if state.RolloutPercent >= 100 {
		return true
	}
	bucket := crc32.ChecksumIEEE([]byte(tenantID)) % 100
	return bucket < uint32(state.RolloutPercent)
}

func domainOf(addr string) string {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(addr[idx+1:])
}

func (s *Service) audit(ctx context.Context, tenantID, action, detail string) {
	err := s.store.AppendAudit(ctx, &model.AuditEntry{
		TenantID:  tenantID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.log.Warn("failed to write audit entry", "tenant_id", tenantID, "action", action, "error", err.Error())
	}
}
