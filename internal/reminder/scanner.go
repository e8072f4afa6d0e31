// Package reminder finds appointments crossing the 24-hour and 2-hour
// reminder thresholds and sends one reminder per threshold per appointment.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/notification"
	"github.com/vetcrm/notifier/internal/store"
	"github.com/vetcrm/notifier/internal/util"
)

// Window is the range of scheduled times, relative to scan start, that makes
// an appointment eligible for a reminder class.
type Window struct {
	Class models.ReminderClass
	From  time.Duration
	To    time.Duration
}

// Windows are scanned in order on every pass.
var Windows = []Window{
	{Class: models.Reminder24h, From: 23 * time.Hour, To: 25 * time.Hour},
	{Class: models.Reminder2h, From: 90 * time.Minute, To: 150 * time.Minute},
}

// Notifier renders and hands off a reminder.
type Notifier interface {
	AppointmentReminder(ctx context.Context, r notification.Reminder) error
}

// Observer receives per-appointment outcomes.
type Observer interface {
	ReminderSent(class models.ReminderClass)
	ReminderFailed(class models.ReminderClass)
}

type nopObserver struct{}

func (nopObserver) ReminderSent(models.ReminderClass)   {}
func (nopObserver) ReminderFailed(models.ReminderClass) {}

// ProcessLock excludes scans running in other processes.
type ProcessLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ClassResult reports one window's batch.
type ClassResult struct {
	Class  models.ReminderClass `json:"class"`
	Found  int                  `json:"found"`
	Sent   int                  `json:"sent"`
	Failed int                  `json:"failed"`
	Error  string               `json:"error,omitempty"`
}

// Summary reports a scan pass.
type Summary struct {
	Skipped bool          `json:"skipped"`
	Classes []ClassResult `json:"classes,omitempty"`
}

// Scanner runs reminder passes.
type Scanner struct {
	repo     store.AppointmentRepo
	notifier Notifier
	lock     ProcessLock
	observer Observer
	now      func() time.Time

	running atomic.Bool
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithProcessLock guards every pass with lock.
func WithProcessLock(lock ProcessLock) Option {
	return func(s *Scanner) { s.lock = lock }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Scanner) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewScanner creates a Scanner reading appointments from repo.
func NewScanner(repo store.AppointmentRepo, notifier Notifier, opts ...Option) *Scanner {
	s := &Scanner{
		repo:     repo,
		notifier: notifier,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one pass over every window. A pass that overlaps another one
// in this process, or loses the process lock, is skipped.
func (s *Scanner) Run(ctx context.Context) Summary {
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("Scanner.Run: previous pass still running, skipping")
		return Summary{Skipped: true}
	}
	defer s.running.Store(false)

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			slog.Error("Scanner.Run: process lock failed", "error", err)
			return Summary{Skipped: true}
		}
		if !acquired {
			slog.Info("Scanner.Run: process lock held by another instance, skipping")
			return Summary{Skipped: true}
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Scanner.Run: process lock release failed", "error", err)
			}
		}()
	}

	now := s.now()
	summary := Summary{Classes: make([]ClassResult, 0, len(Windows))}
	for _, w := range Windows {
		summary.Classes = append(summary.Classes, s.scanWindow(ctx, w, now))
	}
	return summary
}

func (s *Scanner) scanWindow(ctx context.Context, w Window, now time.Time) ClassResult {
	res := ClassResult{Class: w.Class}
	from, to := now.Add(w.From), now.Add(w.To)

	candidates, err := s.repo.FindReminderCandidates(ctx, w.Class, from, to)
	if err != nil {
		slog.Error("Scanner.scanWindow: query failed", "class", w.Class, "error", err)
		res.Error = err.Error()
		return res
	}
	res.Found = len(candidates)

	for _, c := range candidates {
		if err := s.remind(ctx, w.Class, c); err != nil {
			res.Failed++
			s.observer.ReminderFailed(w.Class)
			slog.Error("Scanner.scanWindow: reminder failed",
				"class", w.Class, "appointment_id", c.AppointmentID, "to", util.RedactEmail(c.OwnerEmail), "error", err)
			continue
		}
		res.Sent++
		s.observer.ReminderSent(w.Class)
		slog.Info("Scanner.scanWindow: reminder sent",
			"class", w.Class, "appointment_id", c.AppointmentID, "to", util.RedactEmail(c.OwnerEmail))
	}

	if res.Found > 0 {
		slog.Info("Scanner.scanWindow: done", "class", w.Class, "found", res.Found, "sent", res.Sent, "failed", res.Failed)
	}
	return res
}

// remind hands one appointment to the notifier and sets its flag on success.
// A panic in the notifier is contained to this appointment.
func (s *Scanner) remind(ctx context.Context, class models.ReminderClass, c models.ReminderCandidate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if c.OwnerEmail == "" {
		return fmt.Errorf("owner has no email address")
	}

	r := notification.Reminder{
		ToEmail:     c.OwnerEmail,
		ToName:      c.OwnerName,
		Phone:       c.OwnerPhone,
		PetName:     c.PetName,
		DoctorName:  c.DoctorName,
		ScheduledAt: c.ScheduledAt,
		Reason:      c.Reason,
		Location:    c.Location,
		HoursUntil:  class.HoursUntil(),
	}
	if err := s.notifier.AppointmentReminder(ctx, r); err != nil {
		return err
	}
	if err := s.repo.MarkReminderSent(ctx, c.AppointmentID, class); err != nil {
		return fmt.Errorf("reminder handed off but flag not set: %w", err)
	}
	return nil
}
