// Package models defines the shared data types of the VetCRM notification core.
package models

import "time"

// EmailStatus represents the lifecycle state of a queued email.
type EmailStatus string

const (
	// EmailStatusPending marks an entry that is waiting for a delivery attempt.
	EmailStatusPending EmailStatus = "pending"
	// EmailStatusSent marks an entry that was delivered. Terminal.
	EmailStatusSent EmailStatus = "sent"
	// EmailStatusFailed marks an entry whose retries are exhausted. Terminal until reset.
	EmailStatusFailed EmailStatus = "failed"
)

// DefaultMaxRetries is the retry ceiling used when a caller does not supply one.
const DefaultMaxRetries = 3

// QueueEntry is one outbound email job tracked in the email_queue table.
type QueueEntry struct {
	ID           int64       `json:"id"`
	ToEmail      string      `json:"to_email"`
	Subject      string      `json:"subject"`
	HTMLBody     string      `json:"html_body"`
	Status       EmailStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	NextRetryAt  *time.Time  `json:"next_retry_at,omitempty"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Due reports whether the entry may be picked up by a processing pass at now.
func (e QueueEntry) Due(now time.Time) bool {
	if e.Status != EmailStatusPending {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// QueueStats holds entry counts for the queue's recent activity window.
type QueueStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
