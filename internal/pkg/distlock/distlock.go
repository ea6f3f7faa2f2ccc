package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock guards a named critical section across processes — one DKIM
// key generation per domain, one reputation sweep at a time, and so on.
// A single instance is not safe for concurrent use from multiple
// goroutines; callers needing that construct one lock per goroutine.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	// Release gives up the lock. Safe to call even if Acquire never
	// succeeded or already expired.
	Release(ctx context.Context) error
}

// NewLock picks Redis when a client is supplied (cheap cross-host locking
// with TTL expiry) and otherwise falls back to a Postgres advisory lock
// tied to the connection's session lifetime.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock backs DistLock with pg_try_advisory_lock/pg_advisory_unlock.
// The lock is session-scoped: if the connection drops, Postgres releases it
// automatically, giving the same crash-safety a Redis TTL provides.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a 64-bit advisory lock id from key via FNV-1a,
// so two calls with the same key string always contend for the same lock.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire is non-blocking: pg_try_advisory_lock returns immediately with
// false rather than waiting for the lock to free up.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
