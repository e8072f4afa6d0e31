package store

import (
	"database/sql"
	"fmt"

	"github.com/vetcrm/notifier/internal/models"
)

const emailQueueColumns = `id, to_email, subject, html_body, status, retry_count, max_retries, next_retry_at, sent_at, error_message, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanQueueEntry scans a QueueEntry from a *sql.Row or *sql.Rows.
func scanQueueEntry(row rowScanner) (models.QueueEntry, error) {
	var e models.QueueEntry
	var status string
	var errorMessage sql.NullString
	var nextRetryAt, sentAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.ToEmail, &e.Subject, &e.HTMLBody, &status, &e.RetryCount, &e.MaxRetries,
		&nextRetryAt, &sentAt, &errorMessage, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	e.Status = models.EmailStatus(status)
	e.ErrorMessage = errorMessage.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		e.NextRetryAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		e.SentAt = &t
	}
	return e, nil
}

func scanQueueEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()
	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email queue entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("email queue iteration failed: %w", err)
	}
	return entries, nil
}

func scanReminderCandidates(rows *sql.Rows) ([]models.ReminderCandidate, error) {
	defer rows.Close()
	var out []models.ReminderCandidate
	for rows.Next() {
		var c models.ReminderCandidate
		var phone sql.NullString
		if err := rows.Scan(
			&c.AppointmentID, &c.ScheduledAt, &c.Status, &c.Reason, &c.Location,
			&c.PetName, &c.OwnerName, &c.OwnerEmail, &phone, &c.DoctorName,
		); err != nil {
			return nil, fmt.Errorf("scan reminder candidate failed: %w", err)
		}
		c.OwnerPhone = phone.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder candidate iteration failed: %w", err)
	}
	return out, nil
}

// requireRowAffected maps a zero-row update to ErrNotFound.
func requireRowAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
