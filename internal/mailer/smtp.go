package mailer

import (
	"context"
	"fmt"
	"log/slog"

	mail "github.com/wneessen/go-mail"

	"github.com/vetcrm/notifier/internal/util"
)

// SMTPTransport sends email through an SMTP relay.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
}

// NewSMTPTransport validates the relay settings.
func NewSMTPTransport(cfg Opts) (*SMTPTransport, error) {
	if cfg.SMTPHost == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp: host and sender address: %w", ErrNotConfigured)
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	return &SMTPTransport{
		host:     cfg.SMTPHost,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		fromName: cfg.FromName,
	}, nil
}

func (t *SMTPTransport) message(to, subject, html string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if t.fromName != "" {
		if err := m.FromFormat(t.fromName, t.from); err != nil {
			return nil, fmt.Errorf("smtp from: %w", err)
		}
	} else if err := m.From(t.from); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("smtp to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextHTML, html)
	return m, nil
}

// Send dials the relay and delivers one HTML email.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, html string) error {
	m, err := t.message(to, subject, html)
	if err != nil {
		return err
	}

	opts := []mail.Option{mail.WithPort(t.port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if t.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.username),
			mail.WithPassword(t.password),
		)
	}
	client, err := mail.NewClient(t.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", util.RedactEmail(to), err)
	}
	slog.Debug("SMTPTransport.Send: sent", "to", util.RedactEmail(to))
	return nil
}
