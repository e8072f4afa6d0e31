// Package notification renders clinic notifications and hands them to the
// email dispatcher.
//
// Patient-facing notices are best effort: a failure is logged and never
// breaks the caller's own work. Staff account mail (password reset, welcome)
// is sent immediately and its error returned.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/util"
)

// Mailer is the part of the dispatcher the composer uses.
type Mailer interface {
	Enqueue(ctx context.Context, msg mailqueue.Message) (int64, error)
	SendImmediate(ctx context.Context, to, subject, html string) error
}

// SMSSender delivers a text message.
type SMSSender interface {
	Send(ctx context.Context, to, body string) error
}

// Reminder is the payload of an appointment reminder.
type Reminder struct {
	ToEmail     string
	ToName      string
	Phone       string
	PetName     string
	DoctorName  string
	ScheduledAt time.Time
	Reason      string
	Location    string
	HoursUntil  int
}

// AppointmentNotice describes an appointment for confirmation and
// cancellation emails.
type AppointmentNotice struct {
	ToEmail     string
	ToName      string
	PetName     string
	DoctorName  string
	ScheduledAt time.Time
	Reason      string
	Location    string
	// Note is an optional free-text line, e.g. a cancellation reason.
	Note string
}

// Payment describes a received payment.
type Payment struct {
	ToEmail       string
	ToName        string
	AmountCents   int64
	Currency      string
	InvoiceNumber string
	PaidAt        time.Time
}

// Opts configures a Composer.
type Opts struct {
	ClinicName     string
	ClinicLocation string
	TimeZone       *time.Location
	SMS            SMSSender
}

// Option modifies Opts.
type Option func(*Opts)

// WithClinic sets the clinic name and address shown in every message.
func WithClinic(name, location string) Option {
	return func(o *Opts) {
		o.ClinicName = name
		o.ClinicLocation = location
	}
}

// WithTimeZone sets the zone appointment times are displayed in.
func WithTimeZone(loc *time.Location) Option {
	return func(o *Opts) { o.TimeZone = loc }
}

// WithSMS enables text message reminders through sender.
func WithSMS(sender SMSSender) Option {
	return func(o *Opts) { o.SMS = sender }
}

// Composer renders notifications.
type Composer struct {
	mail      Mailer
	templates *templateSet
	opts      Opts
}

// NewComposer parses the embedded templates and returns a Composer that
// sends through mail.
func NewComposer(mail Mailer, opts ...Option) (*Composer, error) {
	cfg := Opts{ClinicName: "VetCRM Clinic", TimeZone: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.UTC
	}
	set, err := loadTemplates(liquid.NewEngine())
	if err != nil {
		return nil, fmt.Errorf("load notification templates: %w", err)
	}
	return &Composer{mail: mail, templates: set, opts: cfg}, nil
}

func (c *Composer) bindings() liquid.Bindings {
	return liquid.Bindings{
		"clinic_name":     c.opts.ClinicName,
		"clinic_location": c.opts.ClinicLocation,
	}
}

func (c *Composer) formatTime(t time.Time) string {
	return t.In(c.opts.TimeZone).Format("Monday, January 2, 2006 at 15:04")
}

func whenPhrase(hours int) string {
	if hours == 1 {
		return "in 1 hour"
	}
	return fmt.Sprintf("in %d hours", hours)
}

func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}

func (c *Composer) enqueue(ctx context.Context, name, to string, b liquid.Bindings) error {
	subject, html, err := c.templates.renderEmail(name, b)
	if err != nil {
		return err
	}
	_, err = c.mail.Enqueue(ctx, mailqueue.Message{To: to, Subject: subject, HTML: html})
	return err
}

// AppointmentReminder renders and enqueues a reminder. The enqueue error is
// returned so the caller can leave the appointment unflagged. When SMS is
// configured and the owner has a phone number a text is also sent; its
// failure is only logged.
func (c *Composer) AppointmentReminder(ctx context.Context, r Reminder) error {
	b := c.bindings()
	b["owner_name"] = r.ToName
	b["pet_name"] = r.PetName
	b["doctor_name"] = r.DoctorName
	b["reason"] = r.Reason
	b["location"] = r.Location
	b["scheduled_at"] = c.formatTime(r.ScheduledAt)
	b["when_phrase"] = whenPhrase(r.HoursUntil)

	if err := c.enqueue(ctx, tplReminder, r.ToEmail, b); err != nil {
		return fmt.Errorf("appointment reminder: %w", err)
	}

	if c.opts.SMS != nil && strings.TrimSpace(r.Phone) != "" {
		body, err := c.templates.render(tplReminderSMS, b)
		if err == nil {
			err = c.opts.SMS.Send(ctx, r.Phone, body)
		}
		if err != nil {
			slog.Warn("Composer.AppointmentReminder: sms failed", "phone", util.RedactPhone(r.Phone), "error", err)
		}
	}
	return nil
}

func (c *Composer) appointmentBindings(a AppointmentNotice) liquid.Bindings {
	b := c.bindings()
	b["owner_name"] = a.ToName
	b["pet_name"] = a.PetName
	b["doctor_name"] = a.DoctorName
	b["reason"] = a.Reason
	b["location"] = a.Location
	b["note"] = a.Note
	b["scheduled_at"] = c.formatTime(a.ScheduledAt)
	return b
}

// AppointmentConfirmed enqueues a confirmation email. Failures are logged.
func (c *Composer) AppointmentConfirmed(ctx context.Context, a AppointmentNotice) {
	if err := c.enqueue(ctx, tplAppointmentConfirmed, a.ToEmail, c.appointmentBindings(a)); err != nil {
		slog.Warn("Composer.AppointmentConfirmed: not queued", "to", util.RedactEmail(a.ToEmail), "error", err)
	}
}

// AppointmentCancelled enqueues a cancellation email. Failures are logged.
func (c *Composer) AppointmentCancelled(ctx context.Context, a AppointmentNotice) {
	if err := c.enqueue(ctx, tplAppointmentCancelled, a.ToEmail, c.appointmentBindings(a)); err != nil {
		slog.Warn("Composer.AppointmentCancelled: not queued", "to", util.RedactEmail(a.ToEmail), "error", err)
	}
}

// PaymentReceived enqueues a payment receipt. Failures are logged.
func (c *Composer) PaymentReceived(ctx context.Context, p Payment) {
	b := c.bindings()
	b["owner_name"] = p.ToName
	b["amount"] = formatAmount(p.AmountCents, p.Currency)
	b["invoice_number"] = p.InvoiceNumber
	b["paid_at"] = c.formatTime(p.PaidAt)
	if err := c.enqueue(ctx, tplPaymentReceived, p.ToEmail, b); err != nil {
		slog.Warn("Composer.PaymentReceived: not queued", "to", util.RedactEmail(p.ToEmail), "error", err)
	}
}

func (c *Composer) sendNow(ctx context.Context, name, to string, b liquid.Bindings) error {
	subject, html, err := c.templates.renderEmail(name, b)
	if err != nil {
		return err
	}
	return c.mail.SendImmediate(ctx, to, subject, html)
}

// PasswordReset sends a reset link immediately and returns any error.
func (c *Composer) PasswordReset(ctx context.Context, to, name, link string) error {
	b := c.bindings()
	b["name"] = name
	b["link"] = link
	if err := c.sendNow(ctx, tplPasswordReset, to, b); err != nil {
		return fmt.Errorf("password reset email: %w", err)
	}
	return nil
}

// StaffWelcome sends new staff their temporary password immediately and
// returns any error.
func (c *Composer) StaffWelcome(ctx context.Context, to, name, tempPassword string) error {
	b := c.bindings()
	b["name"] = name
	b["temp_password"] = tempPassword
	if err := c.sendNow(ctx, tplStaffWelcome, to, b); err != nil {
		return fmt.Errorf("staff welcome email: %w", err)
	}
	return nil
}
