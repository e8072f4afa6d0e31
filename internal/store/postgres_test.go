package store

import (
	"context"
	"errors"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetcrm/notifier/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStore_EnqueueEmail(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := baseTime

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO email_queue`)).
		WithArgs("owner@example.com", "Subject", "<p>x</p>", 3, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.EnqueueEmail(context.Background(), "owner@example.com", "Subject", "<p>x</p>", 3, now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SelectDueEmails(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := baseTime
	next := now.Add(-time.Minute)

	rows := sqlmock.NewRows([]string{"id", "to_email", "subject", "html_body", "status", "retry_count", "max_retries", "next_retry_at", "sent_at", "error_message", "created_at"}).
		AddRow(int64(1), "a@example.com", "A", "a", "pending", 0, 3, nil, nil, nil, now.Add(-time.Hour)).
		AddRow(int64(2), "b@example.com", "B", "b", "pending", 1, 3, next, nil, "timeout", now.Add(-30*time.Minute))

	mock.ExpectQuery(`FROM email_queue\s+WHERE status = 'pending' AND \(next_retry_at IS NULL OR next_retry_at <= \$1\)\s+ORDER BY created_at ASC, id ASC\s+LIMIT \$2`).
		WithArgs(now, 10).
		WillReturnRows(rows)

	entries, err := s.SelectDueEmails(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].NextRetryAt)
	assert.Equal(t, models.EmailStatusPending, entries[1].Status)
	assert.Equal(t, 1, entries[1].RetryCount)
	assert.Equal(t, "timeout", entries[1].ErrorMessage)
	require.NotNil(t, entries[1].NextRetryAt)
	assert.True(t, entries[1].NextRetryAt.Equal(next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkEmailSentRequiresPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := baseTime

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_queue SET status = 'sent', sent_at = $1, error_message = NULL WHERE id = $2 AND status = 'pending'`)).
		WithArgs(now, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_queue SET status = 'sent'`)).
		WithArgs(now, int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.MarkEmailSent(context.Background(), 7, now))
	err := s.MarkEmailSent(context.Background(), 8, now)
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RetryAndFail(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	next := baseTime.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_queue SET retry_count = $1, error_message = $2, next_retry_at = $3 WHERE id = $4 AND status = 'pending'`)).
		WithArgs(1, "refused", next, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_queue SET status = 'failed', retry_count = $1, error_message = $2 WHERE id = $3 AND status = 'pending'`)).
		WithArgs(3, "refused", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ScheduleEmailRetry(context.Background(), 3, 1, "refused", next))
	require.NoError(t, s.MarkEmailFailed(context.Background(), 3, 3, "refused"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CleanupResetAndStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	cutoff := baseTime.Add(-7 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM email_queue WHERE status = 'sent' AND sent_at < $1`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_queue SET status = 'pending', retry_count = 0, next_retry_at = $1 WHERE status = 'failed'`)).
		WithArgs(baseTime).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE status = 'failed'\)`).
		WithArgs(baseTime.Add(-24 * time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "sent", "failed"}).AddRow(9, 2, 6, 1))

	deleted, err := s.DeleteSentEmailsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	reset, err := s.ResetFailedEmails(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	st, err := s.EmailStats(ctx, baseTime.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Total: 9, Pending: 2, Sent: 6, Failed: 1}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindReminderCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	from, to := baseTime.Add(90*time.Minute), baseTime.Add(150*time.Minute)
	at := baseTime.Add(2 * time.Hour)

	mock.ExpectQuery(`AND NOT a\.reminder_2h_sent\s+AND a\.scheduled_at BETWEEN \$3 AND \$4`).
		WithArgs("confirmed", "proposed", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"id", "scheduled_at", "status", "reason", "location", "pet", "owner", "email", "phone", "doctor"}).
			AddRow(int64(5), at, "confirmed", "Check-up", "Main St", "Rex", "Olga Ivanova", "olga@example.com", nil, "Dr. Who"))

	got, err := s.FindReminderCandidates(context.Background(), models.Reminder2h, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].AppointmentID)
	assert.Equal(t, "", got[0].OwnerPhone)
	assert.Equal(t, "Rex", got[0].PetName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkReminderSent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE appointments SET reminder_24h_sent = TRUE WHERE id = $1`)).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkReminderSent(context.Background(), 11, models.Reminder24h))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStore_Live runs against a real database when DATABASE_URL is set.
func TestPostgresStore_Live(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	if DetectDSNType(connStr) != "postgres" {
		t.Skip("DATABASE_URL is not a Postgres DSN")
	}
	pg, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	id, err := pg.EnqueueEmail(ctx, "live@example.com", "live", "<p>live</p>", 3, now)
	require.NoError(t, err)
	defer pg.db.Exec(`DELETE FROM email_queue WHERE id = $1`, id)

	require.NoError(t, pg.MarkEmailSent(ctx, id, now))
	e, err := pg.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EmailStatusSent, e.Status)
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
