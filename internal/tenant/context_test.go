package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/store"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

type fakeTenantStore struct {
	tenants map[string]*model.Tenant
	incs    int
	getErr  error
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{tenants: map[string]*model.Tenant{}}
}

func (f *fakeTenantStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenantStore) IncrementTenantCounters(ctx context.Context, tenantID string) error {
	f.incs++
	return nil
}

func TestGet_CachesTenant(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	s := newFakeTenantStore()
	s.tenants["t1"] = &model.Tenant{ID: "t1", Active: true, Plan: model.PlanBasic, PerMinuteCap: 10, HourlyCap: 100, DailyCap: 1000}
	c := NewContext(s, rc, time.Minute)

	tenantA, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenantA.ID)

	s.getErr = assert.AnError
	tenantB, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, tenantA, tenantB)
}

func TestValidateOperation_DeniesInactiveTenant(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	c := NewContext(newFakeTenantStore(), rc, time.Minute)
	tt := &model.Tenant{ID: "t1", Active: false}

	d, err := c.ValidateOperation(context.Background(), tt, OpSendEmail, "acme.test")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyInactive, d.Reason)
}

func TestValidateOperation_DeniesDomainNotAllowed(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	c := NewContext(newFakeTenantStore(), rc, time.Minute)
	tt := &model.Tenant{ID: "t1", Active: true, PerMinuteCap: 10, HourlyCap: 100, DailyCap: 1000, VerifiedSenderDomains: []string{"acme.test"}}

	d, err := c.ValidateOperation(context.Background(), tt, OpSendEmail, "other.test")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyDomainNotAllowed, d.Reason)
}

func TestValidateOperation_DoesNotIncrementCounters(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	s := newFakeTenantStore()
	c := NewContext(s, rc, time.Minute)
	tt := &model.Tenant{ID: "t1", Active: true, PerMinuteCap: 10, HourlyCap: 100, DailyCap: 1000, VerifiedSenderDomains: []string{"acme.test"}}

	for i := 0; i < 3; i++ {
		d, err := c.ValidateOperation(context.Background(), tt, OpSendEmail, "acme.test")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 0, s.incs, "ValidateOperation must not consume quota on its own")
}

func TestValidateOperation_DeniesPerMinuteCapExhausted_WithoutCommitting(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	s := newFakeTenantStore()
	c := NewContext(s, rc, time.Minute)
	tt := &model.Tenant{ID: "t7", Active: true, PerMinuteCap: 2, HourlyCap: 1000, DailyCap: 10000, VerifiedSenderDomains: []string{"acme.test"}}

	// Peeking past the cap never commits, so it can be repeated without
	// ever itself flipping from allow to deny.
	for i := 0; i < 2; i++ {
		d, err := c.ValidateOperation(context.Background(), tt, OpSendEmail, "acme.test")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d1, err := c.RecordSend(context.Background(), tt)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := c.RecordSend(context.Background(), tt)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)

	d3, err := c.ValidateOperation(context.Background(), tt, OpSendEmail, "acme.test")
	require.NoError(t, err)
	assert.False(t, d3.Allowed)
	assert.Equal(t, DenyRateMinute, d3.Reason)

	assert.Equal(t, 2, s.incs)
}

func TestRecordSend_AllowsAndIncrementsCounters(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	s := newFakeTenantStore()
	c := NewContext(s, rc, time.Minute)
	tt := &model.Tenant{ID: "t1", Active: true, PerMinuteCap: 10, HourlyCap: 100, DailyCap: 1000, VerifiedSenderDomains: []string{"acme.test"}}

	d, err := c.RecordSend(context.Background(), tt)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, s.incs)
}

func TestRecordSend_DeniesOnceCapExhausted(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	s := newFakeTenantStore()
	c := NewContext(s, rc, time.Minute)
	tt := &model.Tenant{ID: "t9", Active: true, PerMinuteCap: 1, HourlyCap: 1000, DailyCap: 10000}

	d1, err := c.RecordSend(context.Background(), tt)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := c.RecordSend(context.Background(), tt)
	require.NoError(t, err)
	assert.False(t, d2.Allowed)
	assert.Equal(t, DenyRateMinute, d2.Reason)
	assert.Equal(t, 1, s.incs)
}

func TestValidateOperation_NonSendEmailOpSkipsRateCheck(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	c := NewContext(newFakeTenantStore(), rc, time.Minute)
	tt := &model.Tenant{ID: "t1", Active: true}

	d, err := c.ValidateOperation(context.Background(), tt, Op("other"), "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestInvalidateCache(t *testing.T) {
	rc, cleanup := setupTestRedis(t)
	defer cleanup()

	s := newFakeTenantStore()
	s.tenants["t1"] = &model.Tenant{ID: "t1", Active: true}
	c := NewContext(s, rc, time.Minute)

	_, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)

	c.InvalidateCache("t1")
	s.getErr = assert.AnError
	_, err = c.Get(context.Background(), "t1")
	assert.Error(t, err)
}
