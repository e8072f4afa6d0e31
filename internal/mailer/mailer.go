// Package mailer provides the Mail Transport implementations used by the
// email dispatcher: AWS SES, SMTP and a log-only sender for development.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vetcrm/notifier/internal/util"
)

// ErrNotConfigured is returned when a transport lacks required settings.
var ErrNotConfigured = errors.New("mail transport not configured")

// Transport delivers a single HTML email. Any returned error is treated by
// callers as a delivery failure.
type Transport interface {
	Send(ctx context.Context, to, subject, html string) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, to, subject, html string) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, to, subject, html string) error {
	return f(ctx, to, subject, html)
}

// Opts holds configuration shared by the transports.
type Opts struct {
	Kind      string // ses, smtp or log
	From      string
	FromName  string
	Region    string
	AccessKey string
	SecretKey string
	SMTPHost  string
	SMTPPort  int
	Username  string
	Password  string
}

// Option configures a transport.
type Option func(*Opts)

// WithKind selects the transport implementation.
func WithKind(kind string) Option { return func(o *Opts) { o.Kind = strings.ToLower(kind) } }

// WithFrom sets the sender address and display name.
func WithFrom(addr, name string) Option {
	return func(o *Opts) {
		o.From = addr
		o.FromName = name
	}
}

// WithSES sets the AWS region and static credentials. Empty keys fall back to
// the default AWS credential chain.
func WithSES(region, accessKey, secretKey string) Option {
	return func(o *Opts) {
		o.Region = region
		o.AccessKey = accessKey
		o.SecretKey = secretKey
	}
}

// WithSMTP sets the SMTP relay address and credentials.
func WithSMTP(host string, port int, username, password string) Option {
	return func(o *Opts) {
		o.SMTPHost = host
		o.SMTPPort = port
		o.Username = username
		o.Password = password
	}
}

// New builds the transport selected by the options.
func New(ctx context.Context, opts ...Option) (Transport, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("mailer.New", "kind", cfg.Kind, "from_set", cfg.From != "")

	switch cfg.Kind {
	case "ses":
		return NewSESTransport(ctx, cfg)
	case "smtp":
		return NewSMTPTransport(cfg)
	case "", "log":
		return NewLogTransport(), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Kind)
	}
}

// LogTransport logs messages instead of delivering them.
type LogTransport struct{}

// NewLogTransport creates a LogTransport.
func NewLogTransport() *LogTransport { return &LogTransport{} }

// Send logs the message summary.
func (LogTransport) Send(_ context.Context, to, subject, html string) error {
	slog.Info("LogTransport.Send", "to", util.RedactEmail(to), "subject", subject, "bytes", len(html))
	return nil
}

func formatFrom(addr, name string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
