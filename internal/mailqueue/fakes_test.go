package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/store"
)

// memRepo is an in-memory store.EmailQueueRepo with the same conditional
// update semantics as the SQL backends.
type memRepo struct {
	mu          sync.Mutex
	nextID      int64
	entries     map[int64]*models.QueueEntry
	selectCalls int

	selectErr error
	// failUpdateID makes any update of that entry return updateErr.
	failUpdateID int64
	updateErr    error
}

var _ store.EmailQueueRepo = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{entries: make(map[int64]*models.QueueEntry)}
}

func (r *memRepo) EnqueueEmail(_ context.Context, to, subject, html string, maxRetries int, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries[r.nextID] = &models.QueueEntry{
		ID:         r.nextID,
		ToEmail:    to,
		Subject:    subject,
		HTMLBody:   html,
		Status:     models.EmailStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}
	return r.nextID, nil
}

func (r *memRepo) SelectDueEmails(_ context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectCalls++
	if r.selectErr != nil {
		return nil, r.selectErr
	}
	var due []models.QueueEntry
	for _, e := range r.entries {
		if e.Due(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memRepo) pending(id int64) (*models.QueueEntry, error) {
	if r.updateErr != nil && id == r.failUpdateID {
		return nil, r.updateErr
	}
	e, ok := r.entries[id]
	if !ok || e.Status != models.EmailStatusPending {
		return nil, fmt.Errorf("email %d: %w", id, store.ErrNotFound)
	}
	return e, nil
}

func (r *memRepo) MarkEmailSent(_ context.Context, id int64, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.pending(id)
	if err != nil {
		return err
	}
	e.Status = models.EmailStatusSent
	e.SentAt = &sentAt
	e.ErrorMessage = ""
	return nil
}

func (r *memRepo) ScheduleEmailRetry(_ context.Context, id int64, retryCount int, errMsg string, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.pending(id)
	if err != nil {
		return err
	}
	e.RetryCount = retryCount
	e.ErrorMessage = errMsg
	e.NextRetryAt = &next
	return nil
}

func (r *memRepo) MarkEmailFailed(_ context.Context, id int64, retryCount int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.pending(id)
	if err != nil {
		return err
	}
	e.Status = models.EmailStatusFailed
	e.RetryCount = retryCount
	e.ErrorMessage = errMsg
	return nil
}

func (r *memRepo) DeleteSentEmailsBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.Status == models.EmailStatusSent && e.SentAt != nil && e.SentAt.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ResetFailedEmails(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == models.EmailStatusFailed {
			e.Status = models.EmailStatusPending
			e.RetryCount = 0
			t := now
			e.NextRetryAt = &t
			n++
		}
	}
	return n, nil
}

func (r *memRepo) EmailStats(_ context.Context, since time.Time) (models.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s models.QueueStats
	for _, e := range r.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		s.Total++
		switch e.Status {
		case models.EmailStatusPending:
			s.Pending++
		case models.EmailStatusSent:
			s.Sent++
		case models.EmailStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (r *memRepo) GetEmail(_ context.Context, id int64) (*models.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("email %d: %w", id, store.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) get(id int64) models.QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entries[id]
}

func (r *memRepo) selects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectCalls
}

// fakeTransport records sends and fails according to fail.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	calls int
	fail  func(to string) error
}

func (t *fakeTransport) Send(_ context.Context, to, _, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.fail != nil {
		if err := t.fail(to); err != nil {
			return err
		}
	}
	t.sent = append(t.sent, to)
	return nil
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var errSMTPDown = errors.New("smtp unavailable")

type countingObserver struct {
	mu                         sync.Mutex
	sent, retries, failed, imm int
}

func (o *countingObserver) EmailSent()              { o.mu.Lock(); o.sent++; o.mu.Unlock() }
func (o *countingObserver) EmailRetryScheduled(int) { o.mu.Lock(); o.retries++; o.mu.Unlock() }
func (o *countingObserver) EmailFailed()            { o.mu.Lock(); o.failed++; o.mu.Unlock() }
func (o *countingObserver) EmailSentImmediately(error) {
	o.mu.Lock()
	o.imm++
	o.mu.Unlock()
}

type fakeLock struct {
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLock) Release(context.Context) error {
	l.released++
	return nil
}

// leaseLock is a fakeLock whose lease can be lost or fail on refresh.
type leaseLock struct {
	fakeLock
	refreshes  int
	lostAfter  int
	refreshErr error
}

func (l *leaseLock) Refresh(context.Context) (bool, error) {
	l.refreshes++
	if l.refreshErr != nil {
		return false, l.refreshErr
	}
	return l.refreshes <= l.lostAfter, nil
}
