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

// Compile-time check that PostgresStore implements EmailQueueRepo.
var _ EmailQueueRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueEmail(ctx context.Context, toEmail, subject, htmlBody string, maxRetries int, now time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO email_queue (to_email, subject, html_body, status, retry_count, max_retries, next_retry_at, created_at)
		 VALUES ($1, $2, $3, 'pending', 0, $4, $5, $5)
		 RETURNING id`,
		toEmail, subject, htmlBody, maxRetries, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue email failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueEmail", "id", id, "maxRetries", maxRetries)
	return id, nil
}

func (s *PostgresStore) SelectDueEmails(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailQueueColumns+`
		 FROM email_queue
		 WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due emails failed: %w", err)
	}
	return scanQueueEntries(rows)
}

func (s *PostgresStore) MarkEmailSent(ctx context.Context, id int64, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = 'sent', sent_at = $1, error_message = NULL WHERE id = $2 AND status = 'pending'`,
		sentAt, id,
	)
	if err != nil {
		return fmt.Errorf("mark email sent failed: %w", err)
	}
	return requireRowAffected(res, "mark email sent", id)
}

func (s *PostgresStore) ScheduleEmailRetry(ctx context.Context, id int64, retryCount int, errMsg string, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET retry_count = $1, error_message = $2, next_retry_at = $3 WHERE id = $4 AND status = 'pending'`,
		retryCount, nilIfEmpty(errMsg), nextRetryAt, id,
	)
	if err != nil {
		return fmt.Errorf("schedule email retry failed: %w", err)
	}
	return requireRowAffected(res, "schedule email retry", id)
}

func (s *PostgresStore) MarkEmailFailed(ctx context.Context, id int64, retryCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = 'failed', retry_count = $1, error_message = $2 WHERE id = $3 AND status = 'pending'`,
		retryCount, nilIfEmpty(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("mark email as failed: %w", err)
	}
	return requireRowAffected(res, "mark email failed", id)
}

func (s *PostgresStore) DeleteSentEmailsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_queue WHERE status = 'sent' AND sent_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete sent emails failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ResetFailedEmails(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = 'pending', retry_count = 0, next_retry_at = $1 WHERE status = 'failed'`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed emails: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) EmailStats(ctx context.Context, since time.Time) (models.QueueStats, error) {
	var st models.QueueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'pending'),
		        COUNT(*) FILTER (WHERE status = 'sent'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM email_queue WHERE created_at >= $1`,
		since,
	).Scan(&st.Total, &st.Pending, &st.Sent, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("email stats failed: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) GetEmail(ctx context.Context, id int64) (*models.QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRowContext(ctx,
		`SELECT `+emailQueueColumns+` FROM email_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get email failed: %w", err)
	}
	return &e, nil
}
