package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/vetcrm/notifier/internal/api"
	"github.com/vetcrm/notifier/internal/distlock"
	"github.com/vetcrm/notifier/internal/mailer"
	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/metrics"
	"github.com/vetcrm/notifier/internal/notification"
	"github.com/vetcrm/notifier/internal/reminder"
	"github.com/vetcrm/notifier/internal/scheduler"
	"github.com/vetcrm/notifier/internal/sms"
	"github.com/vetcrm/notifier/internal/store"
)

const (
	queueLockKey    = "email-queue"
	reminderLockKey = "appointment-reminders"
	queueLockTTL    = 5 * time.Minute
	reminderLockTTL = 30 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// run wires every component, starts the background work and the admin API,
// and blocks until ctx is cancelled or the API fails.
func run(ctx context.Context, config Config) error {
	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	transport, err := mailer.New(ctx, buildMailerOptions(config)...)
	if err != nil {
		return fmt.Errorf("mail transport: %w", err)
	}

	loc, _ := time.LoadLocation(config.ClinicTimezone)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := metrics.NewObserver(reg)

	var redisClient *redis.Client
	if config.RedisURL != "" {
		redisClient, err = distlock.NewRedisClient(ctx, config.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}
	lockKind, _ := distlock.ParseKind(config.ProcessLock)
	deps := distlock.Deps{Redis: redisClient, StateDir: config.StateDir}
	if h, ok := st.(interface{ DB() *sql.DB }); ok {
		deps.DB = h.DB()
	}
	queueLock, err := distlock.New(lockKind, queueLockKey, queueLockTTL, deps)
	if err != nil {
		return err
	}
	reminderLock, err := distlock.New(lockKind, reminderLockKey, reminderLockTTL, deps)
	if err != nil {
		return err
	}

	queue := mailqueue.NewService(st, transport,
		mailqueue.WithBatchSize(config.QueueBatchSize),
		mailqueue.WithInterval(config.QueueInterval),
		mailqueue.WithObserver(observer),
		mailqueue.WithProcessLock(queueLock),
	)
	reg.MustRegister(metrics.NewQueueCollector(queue.Stats))

	composerOpts := []notification.Option{
		notification.WithClinic(config.ClinicName, config.ClinicLocation),
		notification.WithTimeZone(loc),
	}
	if config.SMSEnabled {
		sender, err := sms.NewSender(
			sms.WithAccountSID(config.TwilioAccountSID),
			sms.WithAuthToken(config.TwilioAuthToken),
			sms.WithFromNumber(config.TwilioFromNumber),
		)
		if err != nil {
			return fmt.Errorf("sms reminders enabled: %w", err)
		}
		composerOpts = append(composerOpts, notification.WithSMS(sender))
	}
	composer, err := notification.NewComposer(queue, composerOpts...)
	if err != nil {
		return err
	}

	scanner := reminder.NewScanner(st, composer,
		reminder.WithObserver(observer),
		reminder.WithProcessLock(reminderLock),
	)

	// Scheduled work must not be cut short by shutdown.
	jobCtx := context.WithoutCancel(ctx)
	sched := scheduler.NewScheduler(scheduler.WithLocation(loc))
	if err := sched.AddJob("appointment-reminders", config.ReminderSchedule, func() { scanner.Run(jobCtx) }); err != nil {
		sched.Stop(context.Background())
		return err
	}
	if err := sched.AddJob("email-queue-cleanup", config.CleanupSchedule, func() { queue.Cleanup(jobCtx) }); err != nil {
		sched.Stop(context.Background())
		return err
	}

	queue.StartProcessor(ctx, config.QueueInterval)

	server := api.NewServer(queue, append(buildAPIOptions(config),
		api.WithReminders(scanner),
		api.WithNotifications(composer),
		api.WithJobs(sched.Jobs),
		api.WithMetrics(metrics.Handler(reg), observer.Middleware),
	)...)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("admin API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("Scheduler did not stop cleanly", "error", err)
	}
	queue.StopProcessor()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Admin API did not shut down cleanly", "error", err)
	}
	return runErr
}
