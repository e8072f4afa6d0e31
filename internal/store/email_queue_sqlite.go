package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vetcrm/notifier/internal/models"
)

// Compile-time check that SQLiteStore implements EmailQueueRepo.
var _ EmailQueueRepo = (*SQLiteStore)(nil)

// Timestamps are bound in UTC so that SQLite's textual comparison orders them
// correctly.

func (s *SQLiteStore) EnqueueEmail(ctx context.Context, toEmail, subject, htmlBody string, maxRetries int, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_queue (to_email, subject, html_body, status, retry_count, max_retries, next_retry_at, created_at)
		 VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)`,
		toEmail, subject, htmlBody, maxRetries, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue email failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue email: last insert id: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueEmail", "id", id, "maxRetries", maxRetries)
	return id, nil
}

func (s *SQLiteStore) SelectDueEmails(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailQueueColumns+`
		 FROM email_queue
		 WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due emails failed: %w", err)
	}
	return scanQueueEntries(rows)
}

func (s *SQLiteStore) MarkEmailSent(ctx context.Context, id int64, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = 'sent', sent_at = ?, error_message = NULL WHERE id = ? AND status = 'pending'`,
		sentAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark email sent failed: %w", err)
	}
	return requireRowAffected(res, "mark email sent", id)
}

func (s *SQLiteStore) ScheduleEmailRetry(ctx context.Context, id int64, retryCount int, errMsg string, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET retry_count = ?, error_message = ?, next_retry_at = ? WHERE id = ? AND status = 'pending'`,
		retryCount, nilIfEmpty(errMsg), nextRetryAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("schedule email retry failed: %w", err)
	}
	return requireRowAffected(res, "schedule email retry", id)
}

func (s *SQLiteStore) MarkEmailFailed(ctx context.Context, id int64, retryCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = 'failed', retry_count = ?, error_message = ? WHERE id = ? AND status = 'pending'`,
		retryCount, nilIfEmpty(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("mark email as failed: %w", err)
	}
	return requireRowAffected(res, "mark email failed", id)
}

func (s *SQLiteStore) DeleteSentEmailsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_queue WHERE status = 'sent' AND sent_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete sent emails failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ResetFailedEmails(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = 'pending', retry_count = 0, next_retry_at = ? WHERE status = 'failed'`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed emails: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) EmailStats(ctx context.Context, since time.Time) (models.QueueStats, error) {
	var st models.QueueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM email_queue WHERE created_at >= ?`,
		since.UTC(),
	).Scan(&st.Total, &st.Pending, &st.Sent, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("email stats failed: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) GetEmail(ctx context.Context, id int64) (*models.QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRowContext(ctx,
		`SELECT `+emailQueueColumns+` FROM email_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get email failed: %w", err)
	}
	return &e, nil
}
