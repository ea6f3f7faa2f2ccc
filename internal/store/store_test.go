package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresStore(db), mock, func() { db.Close() }
}

func TestEnqueue(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	job := &model.DeliveryJob{
		MessageID:    "msg-1",
		EnvelopeFrom: "noreply@ultrazend.internal",
		EnvelopeTo:   "user@example.com",
		Subject:      "hello",
		TenantID:     "tenant-1",
		Priority:     50,
	}

	mock.ExpectQuery("INSERT INTO delivery_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := s.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_DuplicateMessageID(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	job := &model.DeliveryJob{MessageID: "dupe", TenantID: "tenant-1"}

	mock.ExpectQuery("INSERT INTO delivery_jobs").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := s.Enqueue(context.Background(), job)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPending(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM delivery_jobs").
		WithArgs("tenant-1", string(model.JobPending), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	mock.ExpectQuery("UPDATE delivery_jobs").
		WithArgs(string(model.JobProcessing), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "message_id", "envelope_from", "envelope_to", "subject", "body_text",
			"body_html", "headers", "tenant_id", "campaign_id", "state", "priority",
			"attempts", "last_attempt", "next_attempt", "created_at",
		}).AddRow(1, "m1", "f@x.com", "t@x.com", "s", "", "", []byte("{}"), "tenant-1", nil,
			string(model.JobProcessing), 50, 1, now, now, now))

	mock.ExpectQuery("UPDATE delivery_jobs").
		WithArgs(string(model.JobProcessing), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "message_id", "envelope_from", "envelope_to", "subject", "body_text",
			"body_html", "headers", "tenant_id", "campaign_id", "state", "priority",
			"attempts", "last_attempt", "next_attempt", "created_at",
		}).AddRow(2, "m2", "f@x.com", "t@x.com", "s", "", "", []byte("{}"), "tenant-1", nil,
			string(model.JobProcessing), 50, 1, now, now, now))

	mock.ExpectCommit()

	jobs, err := s.ClaimPending(context.Background(), "tenant-1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, int64(2), jobs[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPending_ZeroLimitShortCircuits(t *testing.T) {
	s, _, cleanup := newMockStore(t)
	defer cleanup()

	jobs, err := s.ClaimPending(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	assert.Nil(t, jobs)
}

func TestRecordOutcome(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE delivery_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO delivery_attempts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.RecordOutcome(context.Background(), 1, Outcome{
		State:         model.JobDelivered,
		AttemptStatus: "delivered",
		MXServer:      "mx1.example.com",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE delivery_jobs").
		WithArgs(string(model.JobFailed), int64(7), "tenant-1", string(model.JobPending), string(model.JobDeferred)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := s.CancelJob(context.Background(), "tenant-1", 7)
	require.NoError(t, err)
	assert.True(t, cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob_AlreadyTerminalIsNoop(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE delivery_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	cancelled, err := s.CancelJob(context.Background(), "tenant-1", 7)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, message_id").
		WillReturnRows(sqlmock.NewRows([]string{}))

	_, err := s.GetJob(context.Background(), "tenant-1", 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsSuppressed(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	suppressed, err := s.IsSuppressed(context.Background(), "tenant-1", "bounced@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentActiveDomains(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT DISTINCT SPLIT_PART").
		WillReturnRows(sqlmock.NewRows([]string{"domain"}).AddRow("example.org").AddRow("acme.test"))

	domains, err := s.RecentActiveDomains(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.org", "acme.test"}, domains)
}

func TestPipelineHealthStats(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT(.|\n)*FROM delivery_attempts(.|\n)*WHERE attempted_at >= \\$1$").
		WillReturnRows(sqlmock.NewRows([]string{"count", "count", "coalesce"}).AddRow(12, 2, 6500.0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\), COUNT\\(\\*\\) FILTER").
		WillReturnRows(sqlmock.NewRows([]string{"count", "count"}).AddRow(100, 98))

	stats, err := s.PipelineHealthStats(context.Background(), 2*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.166, stats.SuccessRate, 0.01)
	assert.Equal(t, 6500, stats.P50LatencyMs)
	assert.Equal(t, 10, stats.ErrorsCurrent)
	assert.Equal(t, 2, stats.ErrorsBaseline)
}
