package notification

import (
	"embed"
	"fmt"
	"strings"

	"github.com/osteele/liquid"
)

//go:embed templates/*.liquid
var templateFS embed.FS

const (
	tplLayout               = "layout.html"
	tplReminder             = "reminder.html"
	tplReminderSMS          = "reminder.sms"
	tplAppointmentConfirmed = "appointment_confirmed.html"
	tplAppointmentCancelled = "appointment_cancelled.html"
	tplPaymentReceived      = "payment_received.html"
	tplPasswordReset        = "password_reset.html"
	tplStaffWelcome         = "staff_welcome.html"
)

// subjects are liquid templates rendered with the same bindings as the body.
var subjects = map[string]string{
	tplReminder:             "Reminder: {{ pet_name }}'s appointment {{ when_phrase }}",
	tplAppointmentConfirmed: "Appointment confirmed for {{ pet_name }}",
	tplAppointmentCancelled: "Appointment cancelled for {{ pet_name }}",
	tplPaymentReceived:      "Payment received - {{ clinic_name }}",
	tplPasswordReset:        "Password reset - {{ clinic_name }}",
	tplStaffWelcome:         "Welcome to {{ clinic_name }}",
}

type templateSet struct {
	bodies   map[string]*liquid.Template
	subjects map[string]*liquid.Template
}

func loadTemplates(engine *liquid.Engine) (*templateSet, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	set := &templateSet{
		bodies:   make(map[string]*liquid.Template, len(entries)),
		subjects: make(map[string]*liquid.Template, len(subjects)),
	}
	for _, e := range entries {
		src, err := templateFS.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, err
		}
		tpl, perr := engine.ParseString(string(src))
		if perr != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.Name(), perr)
		}
		set.bodies[strings.TrimSuffix(e.Name(), ".liquid")] = tpl
	}
	for name, src := range subjects {
		tpl, perr := engine.ParseString(src)
		if perr != nil {
			return nil, fmt.Errorf("parse subject %s: %w", name, perr)
		}
		set.subjects[name] = tpl
	}
	return set, nil
}

func (s *templateSet) render(name string, b liquid.Bindings) (string, error) {
	tpl, ok := s.bodies[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	out, err := tpl.RenderString(b)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// renderEmail renders the subject and the body wrapped in the layout.
func (s *templateSet) renderEmail(name string, b liquid.Bindings) (subject, html string, err error) {
	subjectTpl, ok := s.subjects[name]
	if !ok {
		return "", "", fmt.Errorf("no subject for template %q", name)
	}
	subject, serr := subjectTpl.RenderString(b)
	if serr != nil {
		return "", "", fmt.Errorf("render subject %s: %w", name, serr)
	}
	content, err := s.render(name, b)
	if err != nil {
		return "", "", err
	}

	layout := make(liquid.Bindings, len(b)+1)
	for k, v := range b {
		layout[k] = v
	}
	layout["content"] = content
	html, err = s.render(tplLayout, layout)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject), html, nil
}
