package suppression

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/store"
)

// Cache is a bounded write-through cache in front of the Store (spec.md
// §9 Design Notes). The bloom filter + sorted MD5 array from this
// package's SuppressionList backs the (potentially very large) global
// suppression list; a small per-tenant overlay uses a plain map with the
// same TTL discipline, since per-tenant lists are orders of magnitude
// smaller. IsSuppressed checks the cache first — the bloom filter gives
// a fast negative — and falls through to the Store on a possible hit or
// a cache miss, so external writes (ingested bounces from other
// processes) are eventually visible once the TTL expires.
type Cache struct {
	store store.SuppressionStore
	ttl   time.Duration

	mu       sync.RWMutex
	global   *SuppressionList // nil until at least one entry is recorded
	tenant   map[string]map[string]cacheEntry
	loadedAt time.Time

	log *logger.Logger
}

type cacheEntry struct {
	suppressed bool
	expiresAt  time.Time
}

// NewCache constructs a Cache with the given TTL for cache entries
// (spec.md §9 Design Notes, SPEC_FULL §4.4).
func NewCache(s store.SuppressionStore, ttl time.Duration) *Cache {
	return &Cache{
		store:  s,
		ttl:    ttl,
		tenant: make(map[string]map[string]cacheEntry),
		log:    logger.Named("suppression.cache"),
	}
}

// LoadGlobalList seeds the bloom filter + sorted MD5 array fast path for
// the (potentially very large) global suppression list. The list can be
// refreshed periodically from a bulk export; a fresh bloom filter never
// produces a false negative for hashes present at load time.
func (c *Cache) LoadGlobalList(hashes []MD5Hash) error {
	list, err := NewSuppressionList("global", "global suppression list", "store-snapshot", hashes)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.global = list
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// IsSuppressed implements spec.md §4.4: a match on (tenant_id = tenant OR
// tenant_id IS NULL) AND email = lowercase(email). On Store error it
// fails open — never suppressing legitimate mail due to infrastructure
// trouble is an explicit design choice in the spec.
//
// A loaded global list gives a fast, authoritative negative: a bloom
// miss there means email is definitely not among the global (tenant_id
// IS NULL) suppressions, so only the small per-tenant overlay needs
// checking before falling through to the Store.
func (c *Cache) IsSuppressed(ctx context.Context, tenantID, email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))

	if suppressed, ok := c.lookupCache(tenantID, email); ok {
		return suppressed
	}

	if tenantID != "" && !c.globalMayContain(email) {
		if suppressed, ok := c.lookupCache("", email); ok && !suppressed {
			return false
		}
	}

	suppressed, err := c.store.IsSuppressed(ctx, tenantID, email)
	if err != nil {
		c.log.Warn("suppression store lookup failed, failing open", "tenant_id", tenantID, "error", err.Error())
		return false
	}

	c.writeCache(tenantID, email, suppressed)
	return suppressed
}

// globalMayContain reports whether the global bloom filter might contain
// email's hash. Returns false only when a global list is loaded and its
// bloom filter gives a definite negative.
func (c *Cache) globalMayContain(email string) bool {
	c.mu.RLock()
	list := c.global
	c.mu.RUnlock()
	if list == nil {
		return true
	}
	return list.ContainsEmail(email)
}

func (c *Cache) lookupCache(tenantID, email string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overlay, ok := c.tenant[tenantID]
	if !ok {
		return false, false
	}
	entry, ok := overlay[email]
	if !ok || time.Now().After(entry.expiresAt) {
		return false, false
	}
	return entry.suppressed, true
}

func (c *Cache) writeCache(tenantID, email string, suppressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	overlay, ok := c.tenant[tenantID]
	if !ok {
		overlay = make(map[string]cacheEntry)
		c.tenant[tenantID] = overlay
	}
	overlay[email] = cacheEntry{suppressed: suppressed, expiresAt: time.Now().Add(c.ttl)}
}

// Record writes through to the Store synchronously and updates the
// cache entry (spec.md §4.4 Record). Metadata and reason are carried
// straight through to the upsert; callers classify bounce responses
// with Classify before calling Record for bounce-type entries.
func (c *Cache) Record(ctx context.Context, e *model.SuppressionEntry) error {
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))

	if err := c.store.UpsertSuppression(ctx, e); err != nil {
		return err
	}

	c.writeCache(e.TenantID, e.Email, true)
	c.log.Info("suppression recorded", "tenant_id", e.TenantID, "type", string(e.Type), "bounce_type", string(e.BounceType))
	return nil
}

// PurgeExpiredSoftBounces removes soft-bounce suppression rows older than
// olderThan, matching spec.md §4.4's 30-day cleanup. Soft bounces are
// never cached as suppressed (see Classify), so there is no cache
// invalidation to do here.
func (c *Cache) PurgeExpiredSoftBounces(ctx context.Context, olderThan time.Time) (int, error) {
	expired, err := c.store.ListExpiredSoftBounces(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		if err := c.store.DeleteSuppression(ctx, e.TenantID, e.Email); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		c.log.Info("purged expired soft bounces", "count", len(expired))
	}
	return len(expired), nil
}

// Classify implements spec.md §6's deterministic substring/code rules
// for classifying a 5xx SMTP response into {hard, soft, block}.
func Classify(response string) model.BounceClassification {
	lower := strings.ToLower(response)

	switch {
	case containsAny(lower, "5.1.1", "user unknown", "no such user", "mailbox not found"):
		return model.BounceHard
	case containsAny(lower, "5.7.1", "blocked", "blacklisted", "policy"):
		return model.BounceBlock
	case containsAny(lower, "4.", "try again", "temporary"):
		return model.BounceSoft
	default:
		return model.BounceSoft
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
