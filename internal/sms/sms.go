// Package sms sends text messages through the Twilio REST API.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/vetcrm/notifier/internal/util"
)

// ErrNotConfigured is returned when Twilio credentials or the sender number
// are missing.
var ErrNotConfigured = errors.New("sms: twilio is not configured")

// MessageCreator is the subset of the Twilio API used to send a message.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds Twilio settings.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// API overrides the REST client, mainly for tests.
	API MessageCreator
}

// Option configures a Sender.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithAPI injects the message API.
func WithAPI(api MessageCreator) Option {
	return func(o *Opts) { o.API = api }
}

// Sender delivers SMS messages from a fixed number.
type Sender struct {
	api  MessageCreator
	from string
}

// NewSender builds a Sender. Settings not given as options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewSender(opts ...Option) (*Sender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("sms.NewSender: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromNumber != "")

	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("%w: from number must be provided", ErrNotConfigured)
	}
	api := cfg.API
	if api == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, fmt.Errorf("%w: account SID and auth token must be provided", ErrNotConfigured)
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = client.Api
	}
	return &Sender{api: api, from: NormalizePhone(cfg.FromNumber)}, nil
}

// Send delivers body to the phone number to.
func (s *Sender) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	number := NormalizePhone(to)
	if number == "" {
		return fmt.Errorf("sms: invalid phone number %q", util.RedactPhone(to))
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(number)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		slog.Error("Sender.Send: twilio request failed", "to", util.RedactPhone(number), "error", err)
		return fmt.Errorf("send sms to %s: %w", util.RedactPhone(number), err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Sender.Send: sent", "to", util.RedactPhone(number), "sid", sid)
	return nil
}

// NormalizePhone strips formatting characters and keeps a leading '+'.
// It returns "" when nothing dialable remains.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return ""
	}
	return out
}
