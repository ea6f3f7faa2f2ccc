package suppression

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/ultrazend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSuppressionStore struct {
	rows      map[string]*model.SuppressionEntry // key: tenantID + "|" + email
	lookupErr error
	lookups   int
}

func newFakeSuppressionStore() *fakeSuppressionStore {
	return &fakeSuppressionStore{rows: map[string]*model.SuppressionEntry{}}
}

func key(tenantID, email string) string { return tenantID + "|" + email }

func (f *fakeSuppressionStore) IsSuppressed(ctx context.Context, tenantID, email string) (bool, error) {
	f.lookups++
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	if _, ok := f.rows[key(tenantID, email)]; ok {
		return true, nil
	}
	if _, ok := f.rows[key("", email)]; ok {
		return true, nil
	}
	return false, nil
}

func (f *fakeSuppressionStore) UpsertSuppression(ctx context.Context, e *model.SuppressionEntry) error {
	f.rows[key(e.TenantID, e.Email)] = e
	return nil
}

func (f *fakeSuppressionStore) ListExpiredSoftBounces(ctx context.Context, olderThan time.Time) ([]model.SuppressionEntry, error) {
	var out []model.SuppressionEntry
	for _, e := range f.rows {
		if e.BounceType == model.BounceSoft && e.UpdatedAt.Before(olderThan) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeSuppressionStore) DeleteSuppression(ctx context.Context, tenantID, email string) error {
	delete(f.rows, key(tenantID, email))
	return nil
}

func (f *fakeSuppressionStore) ListGlobalSuppressions(ctx context.Context) ([]string, error) {
	var out []string
	for _, e := range f.rows {
		if e.TenantID == "" {
			out = append(out, e.Email)
		}
	}
	return out, nil
}

func TestCache_IsSuppressed_MissFallsThroughToStore(t *testing.T) {
	s := newFakeSuppressionStore()
	s.rows[key("tenant-1", "bounced@example.com")] = &model.SuppressionEntry{TenantID: "tenant-1", Email: "bounced@example.com"}
	c := NewCache(s, time.Minute)

	assert.True(t, c.IsSuppressed(context.Background(), "tenant-1", "Bounced@Example.com"))
	assert.False(t, c.IsSuppressed(context.Background(), "tenant-1", "clean@example.com"))
	assert.Equal(t, 2, s.lookups)
}

func TestCache_IsSuppressed_CachesResult(t *testing.T) {
	s := newFakeSuppressionStore()
	c := NewCache(s, time.Minute)

	c.IsSuppressed(context.Background(), "tenant-1", "clean@example.com")
	c.IsSuppressed(context.Background(), "tenant-1", "clean@example.com")
	assert.Equal(t, 1, s.lookups)
}

func TestCache_IsSuppressed_FailsOpenOnStoreError(t *testing.T) {
	s := newFakeSuppressionStore()
	s.lookupErr = assert.AnError
	c := NewCache(s, time.Minute)

	assert.False(t, c.IsSuppressed(context.Background(), "tenant-1", "anyone@example.com"))
}

func TestCache_Record_WritesThroughAndCaches(t *testing.T) {
	s := newFakeSuppressionStore()
	c := NewCache(s, time.Minute)

	err := c.Record(context.Background(), &model.SuppressionEntry{
		TenantID:   "tenant-1",
		Email:      "Bounced@Example.com",
		Type:       model.SuppressBounce,
		BounceType: model.BounceHard,
	})
	require.NoError(t, err)

	_, ok := s.rows[key("tenant-1", "bounced@example.com")]
	assert.True(t, ok)

	assert.True(t, c.IsSuppressed(context.Background(), "tenant-1", "bounced@example.com"))
	assert.Equal(t, 0, s.lookups)
}

func TestCache_PurgeExpiredSoftBounces(t *testing.T) {
	s := newFakeSuppressionStore()
	old := time.Now().Add(-40 * 24 * time.Hour)
	s.rows[key("tenant-1", "soft@example.com")] = &model.SuppressionEntry{
		TenantID: "tenant-1", Email: "soft@example.com", BounceType: model.BounceSoft, UpdatedAt: old,
	}
	c := NewCache(s, time.Minute)

	n, err := c.PurgeExpiredSoftBounces(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := s.rows[key("tenant-1", "soft@example.com")]
	assert.False(t, ok)
}

func TestCache_LoadGlobalList(t *testing.T) {
	s := newFakeSuppressionStore()
	c := NewCache(s, time.Minute)

	err := c.LoadGlobalList([]MD5Hash{MD5HashFromEmail("listed@example.com")})
	require.NoError(t, err)

	assert.True(t, c.globalMayContain("listed@example.com"))
	assert.False(t, c.globalMayContain("notlisted@example.com"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		response string
		want     model.BounceClassification
	}{
		{"550 5.1.1 user unknown", model.BounceHard},
		{"550 No such user here", model.BounceHard},
		{"550 5.7.1 message blocked by policy", model.BounceBlock},
		{"550 blacklisted by spamhaus", model.BounceBlock},
		{"450 4.2.1 mailbox busy, try again later", model.BounceSoft},
		{"421 temporary failure", model.BounceSoft},
		{"550 unrecognized failure", model.BounceSoft},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.response), tc.response)
	}
}
