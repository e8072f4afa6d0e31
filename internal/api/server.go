// Package api provides the notifier's internal admin HTTP surface: health,
// metrics, queue inspection, manual triggers and the notification endpoints
// used by the clinic backend.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/reminder"
	"github.com/vetcrm/notifier/internal/scheduler"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Queue is the dispatcher surface exposed over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, msg mailqueue.Message) (int64, error)
	Entry(ctx context.Context, id int64) (*models.QueueEntry, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	RetryFailed(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int, error)
	ProcessQueue(ctx context.Context) bool
	Running() bool
}

// ReminderRunner triggers a reminder pass.
type ReminderRunner interface {
	Run(ctx context.Context) reminder.Summary
}

// Opts holds optional collaborators.
type Opts struct {
	Addr           string
	Reminders      ReminderRunner
	Notifications  Notifications
	Jobs           func() []scheduler.JobInfo
	MetricsHandler http.Handler
	Middleware     []func(http.Handler) http.Handler
}

// Option modifies Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithReminders enables POST /reminders/run.
func WithReminders(r ReminderRunner) Option {
	return func(o *Opts) { o.Reminders = r }
}

// WithNotifications enables the /notifications routes.
func WithNotifications(n Notifications) Option {
	return func(o *Opts) { o.Notifications = n }
}

// WithJobs reports scheduled jobs on /healthz.
func WithJobs(jobs func() []scheduler.JobInfo) Option {
	return func(o *Opts) { o.Jobs = jobs }
}

// WithMetrics serves h on /metrics and wraps every route with mw.
func WithMetrics(h http.Handler, mw ...func(http.Handler) http.Handler) Option {
	return func(o *Opts) {
		o.MetricsHandler = h
		o.Middleware = append(o.Middleware, mw...)
	}
}

// Server is the admin HTTP server.
type Server struct {
	queue Queue
	opts  Opts
	srv   *http.Server
}

// NewServer builds a server over queue.
func NewServer(queue Queue, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{queue: queue, opts: cfg}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range s.opts.Middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.healthHandler)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Route("/email-queue", func(r chi.Router) {
		r.Post("/", s.enqueueHandler)
		r.Get("/stats", s.statsHandler)
		r.Post("/retry-failed", s.retryFailedHandler)
		r.Post("/cleanup", s.cleanupHandler)
		r.Post("/process", s.processHandler)
		r.Get("/{id}", s.entryHandler)
	})

	if s.opts.Reminders != nil {
		r.Post("/reminders/run", s.runRemindersHandler)
	}
	if s.opts.Notifications != nil {
		r.Route("/notifications", s.notificationRoutes)
	}
	return r
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: admin API listening", "addr", s.opts.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
