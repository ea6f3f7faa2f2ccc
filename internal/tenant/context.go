// Package tenant resolves tenant metadata and enforces per-tenant send
// caps with atomic Redis-backed counters (spec.md §4.6).
package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/store"
)

// DenyReason is the code returned by ValidateOperation on a deny
// (spec.md §4.6).
type DenyReason string

const (
	DenyNone             DenyReason = ""
	DenyInactive         DenyReason = "inactive"
	DenyRateDaily        DenyReason = "rate-daily"
	DenyRateHourly       DenyReason = "rate-hourly"
	DenyRateMinute       DenyReason = "rate-minute"
	DenyDomainNotAllowed DenyReason = "domain-not-allowed"
)

// Op identifies the operation being validated by ValidateOperation.
type Op string

const OpSendEmail Op = "send_email"

// Decision is the result of ValidateOperation.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// multiLimitLuaScript atomically checks minute/hourly/daily counters and
// only increments all three if every limit passes, closing the
// check-then-increment race called out in spec.md §9. Adapted from the
// teacher's internal/worker/rate_limiter.go multiLimitLuaScript. Run only
// by RecordSend, once a request has cleared every other admission check.
const multiLimitLuaScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local minuteLimit = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local minuteTTL = tonumber(ARGV[4])
local hourTTL = tonumber(ARGV[5])
local dayTTL = tonumber(ARGV[6])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if minCurrent + 1 > minuteLimit then
    return {0, 1}
end
if hourCurrent + 1 > hourLimit then
    return {0, 2}
end
if dayCurrent + 1 > dayLimit then
    return {0, 3}
end

local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end
local newHour = redis.call("INCR", hourKey)
if newHour == 1 then
    redis.call("EXPIRE", hourKey, hourTTL)
end
local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
    redis.call("EXPIRE", dayKey, dayTTL)
end

return {1, 0}
`

// peekLimitLuaScript is a read-only view of the same minute/hourly/daily
// counters multiLimitLuaScript enforces. ValidateOperation uses it to
// surface an early rate-limit deny without mutating any counter — the
// actual increment only happens in RecordSend, after suppression and
// reputation have also had their say.
const peekLimitLuaScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local minuteLimit = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if minCurrent + 1 > minuteLimit then
    return {0, 1}
end
if hourCurrent + 1 > hourLimit then
    return {0, 2}
end
if dayCurrent + 1 > dayLimit then
    return {0, 3}
end

return {1, 0}
`

// Context resolves tenant metadata through the Store, caches it briefly
// in memory (a read-through cache with a short TTL), and tracks
// per-minute/hourly/daily send counters in Redis.
type Context struct {
	store  store.TenantStore
	redis  *redis.Client
	peek   *redis.Script
	commit *redis.Script

	cacheTTL time.Duration
	cache    map[string]cacheEntry

	log *logger.Logger
}

type cacheEntry struct {
	tenant    *model.Tenant
	expiresAt time.Time
}

// NewContext constructs a Context. cacheTTL bounds how stale the
// tenant's plan/cap/verified-domain metadata may be before a fresh read
// from the Store.
func NewContext(s store.TenantStore, redisClient *redis.Client, cacheTTL time.Duration) *Context {
	return &Context{
		store:    s,
		redis:    redisClient,
		peek:     redis.NewScript(peekLimitLuaScript),
		commit:   redis.NewScript(multiLimitLuaScript),
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		log:      logger.Named("tenant.context"),
	}
}

// Get returns the tenant's active state, plan, caps and current Redis
// counters (spec.md §4.6).
func (c *Context) Get(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if t, ok := c.lookupCache(tenantID); ok {
		return t, nil
	}

	t, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}

	c.cache[tenantID] = cacheEntry{tenant: t, expiresAt: time.Now().Add(c.cacheTTL)}
	return t, nil
}

func (c *Context) lookupCache(tenantID string) (*model.Tenant, bool) {
	entry, ok := c.cache[tenantID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.tenant, true
}

// ValidateOperation implements spec.md §4.6's op=send_email rules: deny
// if inactive, deny if any cap is already exhausted, deny if fromDomain
// is not among the tenant's verified sender domains. This is a read-only
// check — it does not touch the minute/hourly/daily counters. Counter
// increments are coupled to successful admission, not delivery (spec.md
// §4.6), so they only happen in RecordSend, once suppression and
// reputation have also passed.
func (c *Context) ValidateOperation(ctx context.Context, t *model.Tenant, op Op, fromDomain string) (Decision, error) {
	if !t.Active {
		return Decision{Allowed: false, Reason: DenyInactive}, nil
	}
	if op != OpSendEmail {
		return Decision{Allowed: true}, nil
	}
	if fromDomain != "" && !t.AllowsSenderDomain(fromDomain) {
		return Decision{Allowed: false, Reason: DenyDomainNotAllowed}, nil
	}

	allowed, reason, err := c.peekLimits(ctx, t)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		return Decision{Allowed: false, Reason: reason}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordSend atomically increments the minute/hourly/daily counters and
// persists the running totals to the Store. Callers must only invoke
// this once a request has cleared every other admission check
// (suppression, reputation) — it is the last gate before a job is
// enqueued, and the only place that actually consumes quota.
func (c *Context) RecordSend(ctx context.Context, t *model.Tenant) (Decision, error) {
	allowed, reason, err := c.commitLimits(ctx, t)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		return Decision{Allowed: false, Reason: reason}, nil
	}

	if err := c.store.IncrementTenantCounters(ctx, t.ID); err != nil {
		c.log.Warn("failed to persist tenant counter increment", "tenant_id", t.ID, "error", err.Error())
	}
	return Decision{Allowed: true}, nil
}

func (c *Context) peekLimits(ctx context.Context, t *model.Tenant) (bool, DenyReason, error) {
	minuteKey, hourKey, dayKey := counterKeys(t.ID)

	result, err := c.peek.Run(ctx, c.redis,
		[]string{minuteKey, hourKey, dayKey},
		t.PerMinuteCap, t.HourlyCap, t.DailyCap,
	).Slice()
	if err != nil {
		return false, DenyNone, fmt.Errorf("tenant rate limit peek for %s: %w", t.ID, err)
	}
	return decodeLimitResult(result)
}

func (c *Context) commitLimits(ctx context.Context, t *model.Tenant) (bool, DenyReason, error) {
	minuteKey, hourKey, dayKey := counterKeys(t.ID)

	result, err := c.commit.Run(ctx, c.redis,
		[]string{minuteKey, hourKey, dayKey},
		t.PerMinuteCap, t.HourlyCap, t.DailyCap,
		120, 7200, 90000,
	).Slice()
	if err != nil {
		return false, DenyNone, fmt.Errorf("tenant rate limit commit for %s: %w", t.ID, err)
	}
	return decodeLimitResult(result)
}

func counterKeys(tenantID string) (minuteKey, hourKey, dayKey string) {
	now := time.Now()
	minuteKey = fmt.Sprintf("tenant:%s:min:%d", tenantID, now.Unix()/60)
	hourKey = fmt.Sprintf("tenant:%s:hour:%d", tenantID, now.Unix()/3600)
	dayKey = fmt.Sprintf("tenant:%s:day:%s", tenantID, now.Format("2006-01-02"))
	return minuteKey, hourKey, dayKey
}

func decodeLimitResult(result []interface{}) (bool, DenyReason, error) {
	allowed := result[0].(int64) == 1
	if allowed {
		return true, DenyNone, nil
	}

	switch result[1].(int64) {
	case 1:
		return false, DenyRateMinute, nil
	case 2:
		return false, DenyRateHourly, nil
	default:
		return false, DenyRateDaily, nil
	}
}

// InvalidateCache drops a tenant's cached metadata, forcing the next Get
// to read through to the Store. Used after an externally driven plan
// change (spec.md §3).
func (c *Context) InvalidateCache(tenantID string) {
	delete(c.cache, tenantID)
}
