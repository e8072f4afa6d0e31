// Command vetcrm-notifier runs the VetCRM email queue dispatcher, the
// appointment reminder scanner and the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vetcrm/notifier/internal/api"
	"github.com/vetcrm/notifier/internal/distlock"
	"github.com/vetcrm/notifier/internal/mailer"
	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/store"
	"github.com/vetcrm/notifier/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for notifier state data
	DefaultStateDir = "/var/lib/vetcrm-notifier"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "vetcrm.db"
	// DefaultReminderSchedule runs the scanner at the top of every hour
	DefaultReminderSchedule = "0 * * * *"
	// DefaultCleanupSchedule purges old sent emails once a day
	DefaultCleanupSchedule = "30 3 * * *"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)
	config = parseCommandLineFlags(config, os.Args[1:])

	if err := config.validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping vetcrm-notifier")
	if err := run(ctx, config); err != nil {
		slog.Error("vetcrm-notifier failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("vetcrm-notifier exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel    string
	DatabaseURL string
	StateDir    string
	APIAddr     string

	QueueInterval  time.Duration
	QueueBatchSize int

	MailTransport string
	MailFrom      string
	MailFromName  string
	AWSRegion     string
	AWSAccessKey  string
	AWSSecretKey  string
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string

	RedisURL    string
	ProcessLock string

	ReminderSchedule string
	CleanupSchedule  string

	SMSEnabled       bool
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	ClinicName     string
	ClinicLocation string
	ClinicTimezone string
}

// initializeLogger installs a text slog handler at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: util.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:    util.GetEnv("LOG_LEVEL", "info"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    util.GetEnv("VETCRM_STATE_DIR", DefaultStateDir),
		APIAddr:     util.GetEnv("API_ADDR", api.DefaultAddr),

		QueueInterval:  util.ParseDurationEnv("EMAIL_QUEUE_INTERVAL", mailqueue.DefaultInterval),
		QueueBatchSize: util.ParseIntEnv("EMAIL_QUEUE_BATCH_SIZE", mailqueue.DefaultBatchSize),

		MailTransport: util.GetEnv("MAIL_TRANSPORT", "log"),
		MailFrom:      os.Getenv("MAIL_FROM"),
		MailFromName:  os.Getenv("MAIL_FROM_NAME"),
		AWSRegion:     os.Getenv("AWS_REGION"),
		AWSAccessKey:  os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:  os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPPort:      util.ParseIntEnv("SMTP_PORT", 587),
		SMTPUsername:  os.Getenv("SMTP_USERNAME"),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),

		RedisURL:    os.Getenv("REDIS_URL"),
		ProcessLock: util.GetEnv("PROCESS_LOCK", string(distlock.KindNone)),

		ReminderSchedule: util.GetEnv("REMINDER_SCHEDULE", DefaultReminderSchedule),
		CleanupSchedule:  util.GetEnv("CLEANUP_SCHEDULE", DefaultCleanupSchedule),

		SMSEnabled:       util.ParseBoolEnv("REMINDER_SMS_ENABLED", false),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		ClinicName:     util.GetEnv("CLINIC_NAME", "VetCRM Clinic"),
		ClinicLocation: os.Getenv("CLINIC_LOCATION"),
		ClinicTimezone: util.GetEnv("CLINIC_TIMEZONE", "UTC"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"VETCRM_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"MAIL_TRANSPORT", config.MailTransport,
		"PROCESS_LOCK", config.ProcessLock,
		"REDIS_URL_SET", config.RedisURL != "",
		"REMINDER_SMS_ENABLED", config.SMSEnabled)

	return config
}

// parseCommandLineFlags overrides config with command line arguments
func parseCommandLineFlags(config Config, args []string) Config {
	fs := flag.NewFlagSet("vetcrm-notifier", flag.ExitOnError)
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)

	stateDir := fs.String("state-dir", config.StateDir, "state directory for notifier data (overrides $VETCRM_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "database DSN, postgres URL or SQLite path (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", config.APIAddr, "admin API address (overrides $API_ADDR)")
	interval := fs.Duration("queue-interval", config.QueueInterval, "email queue processing interval (overrides $EMAIL_QUEUE_INTERVAL)")
	batch := fs.Int("queue-batch-size", config.QueueBatchSize, "emails handled per pass (overrides $EMAIL_QUEUE_BATCH_SIZE)")
	transport := fs.String("mail-transport", config.MailTransport, "mail transport: ses, smtp or log (overrides $MAIL_TRANSPORT)")
	processLock := fs.String("process-lock", config.ProcessLock, "cross-process lock: none, redis, postgres or file (overrides $PROCESS_LOCK)")
	reminderCron := fs.String("reminder-schedule", config.ReminderSchedule, "cron schedule for the reminder scan (overrides $REMINDER_SCHEDULE)")
	cleanupCron := fs.String("cleanup-schedule", config.CleanupSchedule, "cron schedule for sent email cleanup (overrides $CLEANUP_SCHEDULE)")
	_ = fs.Parse(args)

	config.StateDir = *stateDir
	config.APIAddr = *apiAddr
	config.QueueInterval = *interval
	config.QueueBatchSize = *batch
	config.MailTransport = *transport
	config.ProcessLock = *processLock
	config.ReminderSchedule = *reminderCron
	config.CleanupSchedule = *cleanupCron
	config.DatabaseURL = *dbDSN

	// Follow a changed state directory when the DSN is still the default path
	if config.DatabaseURL == defaultDSN && config.StateDir != filepath.Dir(defaultDSN) {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("Updated database DSN based on state directory", "state_dir", config.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseURL != "",
		"apiAddr", config.APIAddr,
		"queueInterval", config.QueueInterval,
		"queueBatchSize", config.QueueBatchSize,
		"mailTransport", config.MailTransport,
		"processLock", config.ProcessLock)

	return config
}

func (c Config) validate() error {
	if c.QueueInterval <= 0 {
		return fmt.Errorf("queue interval must be positive, got %s", c.QueueInterval)
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("queue batch size must be positive, got %d", c.QueueBatchSize)
	}
	kind, err := distlock.ParseKind(c.ProcessLock)
	if err != nil {
		return err
	}
	if kind == distlock.KindRedis && c.RedisURL == "" {
		return fmt.Errorf("PROCESS_LOCK=redis requires REDIS_URL")
	}
	if kind == distlock.KindPostgres && store.DetectDSNType(c.DatabaseURL) != "postgres" {
		return fmt.Errorf("PROCESS_LOCK=postgres requires a PostgreSQL DATABASE_URL")
	}
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("invalid CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return nil
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(config Config) error {
	var dirs []string
	if store.DetectDSNType(config.DatabaseURL) != "postgres" {
		dirs = append(dirs, filepath.Dir(config.DatabaseURL))
	}
	// The file lock lives in the state directory even with a Postgres store
	if kind, _ := distlock.ParseKind(config.ProcessLock); kind == distlock.KindFile {
		dirs = append(dirs, config.StateDir)
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildMailerOptions constructs mail transport options
func buildMailerOptions(config Config) []mailer.Option {
	opts := []mailer.Option{
		mailer.WithKind(config.MailTransport),
		mailer.WithFrom(config.MailFrom, config.MailFromName),
	}
	switch strings.ToLower(config.MailTransport) {
	case "ses":
		opts = append(opts, mailer.WithSES(config.AWSRegion, config.AWSAccessKey, config.AWSSecretKey))
	case "smtp":
		opts = append(opts, mailer.WithSMTP(config.SMTPHost, config.SMTPPort, config.SMTPUsername, config.SMTPPassword))
	}
	return opts
}

// buildAPIOptions constructs API server options
func buildAPIOptions(config Config) []api.Option {
	var opts []api.Option
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	return opts
}
