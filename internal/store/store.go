// Package store provides the persistent queue store and the appointment data
// source used by the VetCRM notification core.
//
// Both PostgreSQL (lib/pq) and SQLite (go-sqlite3) backends are supported; the
// backend is chosen from the DSN.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vetcrm/notifier/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// EmailQueueRepo is the persistence contract of the email dispatcher.
// Every mutation of a single entry is conditional on the entry still being
// pending, so terminal rows are never rewritten by a late update.
type EmailQueueRepo interface {
	// EnqueueEmail inserts a pending entry due at now and returns its ID.
	EnqueueEmail(ctx context.Context, toEmail, subject, htmlBody string, maxRetries int, now time.Time) (int64, error)

	// SelectDueEmails returns up to limit pending entries whose next_retry_at
	// is NULL or <= now, oldest first.
	SelectDueEmails(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)

	// MarkEmailSent records a successful delivery and clears the last error.
	MarkEmailSent(ctx context.Context, id int64, sentAt time.Time) error

	// ScheduleEmailRetry keeps the entry pending and defers it to nextRetryAt.
	ScheduleEmailRetry(ctx context.Context, id int64, retryCount int, errMsg string, nextRetryAt time.Time) error

	// MarkEmailFailed moves the entry to the terminal failed state.
	MarkEmailFailed(ctx context.Context, id int64, retryCount int, errMsg string) error

	// DeleteSentEmailsBefore purges sent entries whose sent_at is before cutoff.
	DeleteSentEmailsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// ResetFailedEmails returns every failed entry to pending with a zero retry
	// count, due at now.
	ResetFailedEmails(ctx context.Context, now time.Time) (int, error)

	// EmailStats counts entries created at or after since, by status.
	EmailStats(ctx context.Context, since time.Time) (models.QueueStats, error)

	// GetEmail fetches a single entry. Returns ErrNotFound when absent.
	GetEmail(ctx context.Context, id int64) (*models.QueueEntry, error)
}

// AppointmentRepo is the read/flag access the reminder scanner needs on the
// scheduling subsystem's appointments.
type AppointmentRepo interface {
	// FindReminderCandidates returns confirmed or proposed appointments
	// scheduled within [from, to] whose flag for class is still unset.
	FindReminderCandidates(ctx context.Context, class models.ReminderClass, from, to time.Time) ([]models.ReminderCandidate, error)

	// MarkReminderSent sets the flag for class on the appointment.
	MarkReminderSent(ctx context.Context, appointmentID int64, class models.ReminderClass) error
}

// Store is a complete backend.
type Store interface {
	EmailQueueRepo
	AppointmentRepo
	Close() error
}

// Opts holds configuration for opening a store.
type Opts struct {
	DSN    string
	Driver string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithSQLiteDSN selects the SQLite backend. The DSN is a file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens the backend selected by the options.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Driver == "" && cfg.DSN != "" {
		cfg.Driver = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.Open", "driver", cfg.Driver, "dsn_set", cfg.DSN != "")

	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
