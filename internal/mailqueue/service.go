// Package mailqueue implements the database-backed email dispatcher: enqueue,
// immediate send, batched processing with fixed-table backoff, cleanup and
// administrative recovery.
package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vetcrm/notifier/internal/mailer"
	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/store"
	"github.com/vetcrm/notifier/internal/util"
)

const (
	// DefaultBatchSize is the number of entries claimed per pass.
	DefaultBatchSize = 10
	// DefaultInterval is the processor tick interval.
	DefaultInterval = 30 * time.Second
	// SentRetention is how long sent entries are kept before cleanup.
	SentRetention = 7 * 24 * time.Hour
	// StatsWindow is the creation window covered by Stats.
	StatsWindow = 24 * time.Hour
)

// ErrInvalidEntry is returned by Enqueue and SendImmediate for empty content
// or a negative retry ceiling.
var ErrInvalidEntry = errors.New("invalid email queue entry")

// Observer receives delivery outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	EmailSent()
	EmailRetryScheduled(attempt int)
	EmailFailed()
	EmailSentImmediately(err error)
}

type nopObserver struct{}

func (nopObserver) EmailSent()                 {}
func (nopObserver) EmailRetryScheduled(int)    {}
func (nopObserver) EmailFailed()               {}
func (nopObserver) EmailSentImmediately(error) {}

// ProcessLock provides cross-process exclusion for processing passes.
type ProcessLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockRefresher is implemented by process locks that expire, such as the
// Redis lock. The lease is refreshed before every entry after the first so a
// slow transport cannot let the lock lapse mid-pass; a pass that finds its
// lease gone stops before sending anything else.
type LockRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// Message is the content of an email to enqueue.
type Message struct {
	To      string
	Subject string
	HTML    string
	// MaxRetries is the retry ceiling; zero selects models.DefaultMaxRetries.
	MaxRetries int
}

func (m Message) validate() error {
	switch {
	case strings.TrimSpace(m.To) == "":
		return fmt.Errorf("%w: recipient is empty", ErrInvalidEntry)
	case strings.TrimSpace(m.Subject) == "":
		return fmt.Errorf("%w: subject is empty", ErrInvalidEntry)
	case strings.TrimSpace(m.HTML) == "":
		return fmt.Errorf("%w: body is empty", ErrInvalidEntry)
	case m.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidEntry)
	}
	return nil
}

// Service is the email queue dispatcher. One instance should exist per
// process.
type Service struct {
	repo      store.EmailQueueRepo
	transport mailer.Transport
	lock      ProcessLock
	observer  Observer
	now       func() time.Time
	batchSize int
	interval  time.Duration

	processing atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithBatchSize sets the number of entries handled per pass.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInterval sets the default processor interval.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithProcessLock guards every pass with lock in addition to the in-process
// guard. A pass is skipped when the lock is held elsewhere.
func WithProcessLock(lock ProcessLock) Option {
	return func(s *Service) { s.lock = lock }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewService creates a dispatcher over repo delivering through transport.
func NewService(repo store.EmailQueueRepo, transport mailer.Transport, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		transport: transport,
		observer:  nopObserver{},
		now:       time.Now,
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue stores msg as a pending entry due immediately. No delivery attempt
// is made here.
func (s *Service) Enqueue(ctx context.Context, msg Message) (int64, error) {
	if err := msg.validate(); err != nil {
		return 0, err
	}
	maxRetries := msg.MaxRetries
	if maxRetries == 0 {
		maxRetries = models.DefaultMaxRetries
	}
	id, err := s.repo.EnqueueEmail(ctx, msg.To, msg.Subject, msg.HTML, maxRetries, s.now())
	if err != nil {
		return 0, err
	}
	slog.Debug("EmailQueue.Enqueue: queued", "id", id, "to", util.RedactEmail(msg.To), "maxRetries", maxRetries)
	return id, nil
}

// SendImmediate bypasses the queue and delivers synchronously. Transport
// errors are returned to the caller; nothing is retried.
func (s *Service) SendImmediate(ctx context.Context, to, subject, html string) error {
	if err := (Message{To: to, Subject: subject, HTML: html}).validate(); err != nil {
		return err
	}
	err := s.transport.Send(ctx, to, subject, html)
	s.observer.EmailSentImmediately(err)
	if err != nil {
		slog.Error("EmailQueue.SendImmediate: send failed", "to", util.RedactEmail(to), "error", err)
		return fmt.Errorf("send immediate: %w", err)
	}
	slog.Info("EmailQueue.SendImmediate: sent", "to", util.RedactEmail(to))
	return nil
}

// ProcessQueue runs one processing pass. It returns false without touching
// the store when another pass is active in this process or the process lock
// is held elsewhere. Store errors are logged and end the pass early.
func (s *Service) ProcessQueue(ctx context.Context) bool {
	if !s.processing.CompareAndSwap(false, true) {
		slog.Debug("EmailQueue.ProcessQueue: pass already running, skipping")
		return false
	}
	defer s.processing.Store(false)

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			slog.Error("EmailQueue.ProcessQueue: process lock failed", "error", err)
			return false
		}
		if !acquired {
			slog.Debug("EmailQueue.ProcessQueue: process lock held by another instance, skipping")
			return false
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("EmailQueue.ProcessQueue: process lock release failed", "error", err)
			}
		}()
	}

	entries, err := s.repo.SelectDueEmails(ctx, s.now(), s.batchSize)
	if err != nil {
		slog.Error("EmailQueue.ProcessQueue: select due emails failed", "error", err)
		return true
	}
	if len(entries) > 0 {
		slog.Debug("EmailQueue.ProcessQueue: processing batch", "count", len(entries))
	}

	for i, entry := range entries {
		if i > 0 && !s.refreshLock(ctx) {
			return true
		}
		if err := s.processEmail(ctx, entry); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("EmailQueue.ProcessQueue: entry no longer pending", "id", entry.ID)
				continue
			}
			slog.Error("EmailQueue.ProcessQueue: store update failed, ending pass", "id", entry.ID, "error", err)
			return true
		}
	}
	return true
}

// refreshLock extends an expiring process lock. It reports false when the
// lease could not be confirmed and the pass must end.
func (s *Service) refreshLock(ctx context.Context) bool {
	r, ok := s.lock.(LockRefresher)
	if !ok {
		return true
	}
	held, err := r.Refresh(ctx)
	if err != nil {
		slog.Error("EmailQueue.ProcessQueue: process lock refresh failed, ending pass", "error", err)
		return false
	}
	if !held {
		slog.Warn("EmailQueue.ProcessQueue: process lock lost, ending pass")
		return false
	}
	return true
}

// processEmail attempts delivery of one entry and records the outcome. Only
// store errors are returned; transport errors drive the retry state.
func (s *Service) processEmail(ctx context.Context, entry models.QueueEntry) error {
	sendErr := s.transport.Send(ctx, entry.ToEmail, entry.Subject, entry.HTMLBody)
	now := s.now()

	if sendErr == nil {
		if err := s.repo.MarkEmailSent(ctx, entry.ID, now); err != nil {
			return err
		}
		s.observer.EmailSent()
		slog.Info("EmailQueue.processEmail: sent", "id", entry.ID, "to", util.RedactEmail(entry.ToEmail))
		return nil
	}

	retryCount := entry.RetryCount + 1
	if retryCount >= entry.MaxRetries {
		if err := s.repo.MarkEmailFailed(ctx, entry.ID, retryCount, sendErr.Error()); err != nil {
			return err
		}
		s.observer.EmailFailed()
		slog.Error("EmailQueue.processEmail: permanently failed",
			"id", entry.ID, "to", util.RedactEmail(entry.ToEmail), "attempts", retryCount, "error", sendErr)
		return nil
	}

	nextRetryAt := now.Add(RetryDelay(retryCount))
	if err := s.repo.ScheduleEmailRetry(ctx, entry.ID, retryCount, sendErr.Error(), nextRetryAt); err != nil {
		return err
	}
	s.observer.EmailRetryScheduled(retryCount)
	slog.Warn("EmailQueue.processEmail: send failed, retry scheduled",
		"id", entry.ID, "attempt", retryCount, "maxRetries", entry.MaxRetries, "nextRetryAt", nextRetryAt, "error", sendErr)
	return nil
}

// StartProcessor runs a pass immediately and then every interval until
// StopProcessor is called or ctx is cancelled. A non-positive interval uses
// the configured default. Returns false if the processor is already running.
func (s *Service) StartProcessor(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = s.interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.started = true
	s.cancel = cancel
	s.done = done

	go s.run(loopCtx, interval, done)
	slog.Info("EmailQueue.StartProcessor: started", "interval", interval, "batchSize", s.batchSize)
	return true
}

func (s *Service) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	// Passes are detached from ctx so stopping never interrupts one in flight.
	passCtx := context.WithoutCancel(ctx)
	s.ProcessQueue(passCtx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessQueue(passCtx)
		}
	}
}

// StopProcessor cancels future passes and waits for the processor goroutine
// to exit. A pass already running is allowed to finish. The processor may be
// started again afterwards.
func (s *Service) StopProcessor() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("EmailQueue.StopProcessor: stopped")
}

// Running reports whether the processor is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Cleanup deletes sent entries older than SentRetention.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteSentEmailsBefore(ctx, s.now().Add(-SentRetention))
	if err != nil {
		slog.Error("EmailQueue.Cleanup: failed", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("EmailQueue.Cleanup: deleted sent emails", "count", n)
	}
	return n, nil
}

// RetryFailed returns every failed entry to pending with a fresh retry budget.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.repo.ResetFailedEmails(ctx, s.now())
	if err != nil {
		slog.Error("EmailQueue.RetryFailed: failed", "error", err)
		return 0, err
	}
	slog.Info("EmailQueue.RetryFailed: reset failed emails", "count", n)
	return n, nil
}

// Stats counts entries created within the last StatsWindow by status.
func (s *Service) Stats(ctx context.Context) (models.QueueStats, error) {
	return s.repo.EmailStats(ctx, s.now().Add(-StatsWindow))
}

// Entry returns a single queue entry.
func (s *Service) Entry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	return s.repo.GetEmail(ctx, id)
}
