package models

import "time"

// ReminderClass identifies one of the fixed appointment reminder thresholds.
type ReminderClass string

const (
	Reminder24h ReminderClass = "24h"
	Reminder2h  ReminderClass = "2h"
)

// HoursUntil returns the nominal lead time advertised in the reminder text.
func (c ReminderClass) HoursUntil() int {
	switch c {
	case Reminder24h:
		return 24
	case Reminder2h:
		return 2
	default:
		return 0
	}
}

// FlagColumn returns the appointments column that records this reminder class.
func (c ReminderClass) FlagColumn() string {
	switch c {
	case Reminder24h:
		return "reminder_24h_sent"
	case Reminder2h:
		return "reminder_2h_sent"
	default:
		return ""
	}
}

// Valid reports whether c is a known reminder class.
func (c ReminderClass) Valid() bool {
	return c == Reminder24h || c == Reminder2h
}

// AppointmentStatus values relevant to reminder eligibility.
const (
	AppointmentStatusProposed  = "proposed"
	AppointmentStatusConfirmed = "confirmed"
)

// ReminderCandidate is an appointment joined with the pet, owner and doctor
// details needed to compose a reminder.
type ReminderCandidate struct {
	AppointmentID int64     `json:"appointment_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	Location      string    `json:"location"`
	PetName       string    `json:"pet_name"`
	OwnerName     string    `json:"owner_name"`
	OwnerEmail    string    `json:"owner_email"`
	OwnerPhone    string    `json:"owner_phone"`
	DoctorName    string    `json:"doctor_name"`
}
