package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/ultrazend/internal/model"
	"github.com/lib/pq"
)

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	var t model.Tenant
	var plan string
	var domains pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, active, plan, daily_cap, hourly_cap, per_minute_cap,
		       verified_sender_domains, historical_reputation
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&t.ID, &t.Active, &plan, &t.DailyCap, &t.HourlyCap, &t.PerMinuteCap,
		&domains, &t.HistoricalReputation)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	t.Plan = model.PlanTier(plan)
	t.VerifiedSenderDomains = []string(domains)
	return &t, nil
}

// IncrementTenantCounters increments the daily/hourly/minute rolling
// counters on successful admission (spec.md §4.6: "coupled to successful
// admission, not delivery"). The live, rate-limit-enforcing counters live
// in Redis (internal/tenant); this persists a durable running total in
// the tenants row's sent_* columns, which no Store read method returns.
func (s *PostgresStore) IncrementTenantCounters(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET sent_today = sent_today + 1, sent_this_hour = sent_this_hour + 1,
		       sent_this_minute = sent_this_minute + 1
		WHERE id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("increment tenant counters %s: %w", tenantID, err)
	}
	return nil
}

func (s *PostgresStore) GetDomainByName(ctx context.Context, name string) (*model.Domain, error) {
	var d model.Domain
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tenant_id, verified, internal FROM domains WHERE name = $1
	`, name).Scan(&d.ID, &d.Name, &d.TenantID, &d.Verified, &d.Internal)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", name, err)
	}
	return &d, nil
}
