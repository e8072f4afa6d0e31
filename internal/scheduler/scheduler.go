// Package scheduler runs the notifier's periodic jobs (reminder scans, queue
// cleanup) on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling. Jobs that panic are
// recovered, and a run is skipped if the previous run of the same job is
// still going.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*opts)

type opts struct {
	loc *time.Location
}

// WithLocation evaluates schedules in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(o *opts) { o.loc = loc }
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name string    `json:"name"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field format (minute, hour, day of month, month, day of week).
func NewScheduler(options ...Option) *Scheduler {
	var o opts
	for _, opt := range options {
		opt(&o)
	}
	logger := slogLogger{}
	cronOpts := []cron.Option{
		cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	}
	if o.loc != nil {
		cronOpts = append(cronOpts, cron.WithLocation(o.loc))
	}
	c := cron.New(cronOpts...)
	c.Start()
	return &Scheduler{cron: c, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name. It returns an error if the expression
// is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		slog.Debug("Scheduler: job started", "job", name)
		task()
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule job %q with %q: %w", name, expr, err)
	}
	s.jobs[name] = id
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "schedule", expr, "next", s.cron.Entry(id).Next)
	return nil
}

// RemoveJob unschedules name. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, id := range s.jobs {
		e := s.cron.Entry(id)
		out = append(out, JobInfo{Name: name, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops scheduling new runs and waits for running jobs to finish or
// ctx to be done, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
