package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/notification"
	"github.com/vetcrm/notifier/internal/util"
)

// Notifications is the composer surface the CRUD backend calls. Patient
// notices are best effort; staff account mail reports delivery errors.
type Notifications interface {
	AppointmentConfirmed(ctx context.Context, a notification.AppointmentNotice)
	AppointmentCancelled(ctx context.Context, a notification.AppointmentNotice)
	PaymentReceived(ctx context.Context, p notification.Payment)
	PasswordReset(ctx context.Context, to, name, link string) error
	StaffWelcome(ctx context.Context, to, name, tempPassword string) error
}

var _ Notifications = (*notification.Composer)(nil)

type appointmentNoticeRequest struct {
	To          string    `json:"to"`
	Name        string    `json:"name"`
	PetName     string    `json:"pet_name"`
	DoctorName  string    `json:"doctor_name"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Reason      string    `json:"reason"`
	Location    string    `json:"location"`
	Note        string    `json:"note"`
}

func (r appointmentNoticeRequest) notice() notification.AppointmentNotice {
	return notification.AppointmentNotice{
		ToEmail:     r.To,
		ToName:      r.Name,
		PetName:     r.PetName,
		DoctorName:  r.DoctorName,
		ScheduledAt: r.ScheduledAt,
		Reason:      r.Reason,
		Location:    r.Location,
		Note:        r.Note,
	}
}

type paymentRequest struct {
	To            string    `json:"to"`
	Name          string    `json:"name"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	InvoiceNumber string    `json:"invoice_number"`
	PaidAt        time.Time `json:"paid_at"`
}

type passwordResetRequest struct {
	To   string `json:"to"`
	Name string `json:"name"`
	Link string `json:"link"`
}

type staffWelcomeRequest struct {
	To           string `json:"to"`
	Name         string `json:"name"`
	TempPassword string `json:"temp_password"`
}

func (s *Server) notificationRoutes(r chi.Router) {
	r.Post("/appointment-confirmed", s.appointmentConfirmedHandler)
	r.Post("/appointment-cancelled", s.appointmentCancelledHandler)
	r.Post("/payment-received", s.paymentReceivedHandler)
	r.Post("/password-reset", s.passwordResetHandler)
	r.Post("/staff-welcome", s.staffWelcomeHandler)
}

// requireFields writes a 400 naming the first blank field.
func requireFields(w http.ResponseWriter, fields ...[2]string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(f[0]+" is required"))
			return false
		}
	}
	return true
}

func (s *Server) appointmentConfirmedHandler(w http.ResponseWriter, r *http.Request) {
	var req appointmentNoticeRequest
	if !decodeJSON(w, r, &req) || !requireFields(w, [2]string{"to", req.To}) {
		return
	}
	s.opts.Notifications.AppointmentConfirmed(r.Context(), req.notice())
	writeJSONResponse(w, http.StatusAccepted, models.Accepted())
}

func (s *Server) appointmentCancelledHandler(w http.ResponseWriter, r *http.Request) {
	var req appointmentNoticeRequest
	if !decodeJSON(w, r, &req) || !requireFields(w, [2]string{"to", req.To}) {
		return
	}
	s.opts.Notifications.AppointmentCancelled(r.Context(), req.notice())
	writeJSONResponse(w, http.StatusAccepted, models.Accepted())
}

func (s *Server) paymentReceivedHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeJSON(w, r, &req) || !requireFields(w, [2]string{"to", req.To}) {
		return
	}
	s.opts.Notifications.PaymentReceived(r.Context(), notification.Payment{
		ToEmail:       req.To,
		ToName:        req.Name,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		InvoiceNumber: req.InvoiceNumber,
		PaidAt:        req.PaidAt,
	})
	writeJSONResponse(w, http.StatusAccepted, models.Accepted())
}

func (s *Server) passwordResetHandler(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !decodeJSON(w, r, &req) || !requireFields(w, [2]string{"to", req.To}, [2]string{"link", req.Link}) {
		return
	}
	err := s.opts.Notifications.PasswordReset(r.Context(), req.To, req.Name, req.Link)
	s.writeImmediateResult(w, "passwordResetHandler", req.To, err)
}

func (s *Server) staffWelcomeHandler(w http.ResponseWriter, r *http.Request) {
	var req staffWelcomeRequest
	if !decodeJSON(w, r, &req) || !requireFields(w, [2]string{"to", req.To}, [2]string{"temp_password", req.TempPassword}) {
		return
	}
	err := s.opts.Notifications.StaffWelcome(r.Context(), req.To, req.Name, req.TempPassword)
	s.writeImmediateResult(w, "staffWelcomeHandler", req.To, err)
}

// writeImmediateResult maps a synchronous send outcome: invalid input is the
// caller's fault, anything else is the mail transport's.
func (s *Server) writeImmediateResult(w http.ResponseWriter, handler, to string, err error) {
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"sent": true}))
	case errors.Is(err, mailqueue.ErrInvalidEntry):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("Server."+handler+": send failed", "to", util.RedactEmail(to), "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to send email"))
	}
}
