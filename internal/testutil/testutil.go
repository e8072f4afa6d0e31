// Package testutil provides shared helpers for notifier tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vetcrm/notifier/internal/store"
)

// BaseTime is a fixed reference instant used across tests.
var BaseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// NewSQLiteStore opens a migrated SQLite store in a temp directory that is
// closed when the test ends.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Clock is a settable time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Appointment seeds one appointment row.
type Appointment struct {
	ScheduledAt time.Time
	Status      string
	Sent24h     bool
	Sent2h      bool
}

// SeedClinic inserts an owner (Ana Petrova, ana@example.com, +15550001), a
// doctor (Ivan Sokolov) and a pet (Barsik), then one appointment per entry.
// It returns the appointment IDs in order.
func SeedClinic(t *testing.T, st *store.SQLiteStore, appts ...Appointment) []int64 {
	t.Helper()
	ctx := context.Background()
	db := st.DB()
	exec := func(q string, args ...interface{}) int64 {
		res, err := db.ExecContext(ctx, q, args...)
		if err != nil {
			t.Fatalf("seed %q failed: %v", q, err)
		}
		id, _ := res.LastInsertId()
		return id
	}
	owner := exec(`INSERT INTO users (first_name, last_name, email, phone, role) VALUES ('Ana', 'Petrova', 'ana@example.com', '+15550001', 'client')`)
	doctor := exec(`INSERT INTO users (first_name, last_name, email, role) VALUES ('Ivan', 'Sokolov', 'ivan@clinic.example', 'doctor')`)
	pet := exec(`INSERT INTO pets (name, owner_id) VALUES ('Barsik', ?)`, owner)

	ids := make([]int64, 0, len(appts))
	for _, a := range appts {
		ids = append(ids, exec(
			`INSERT INTO appointments (pet_id, doctor_id, scheduled_at, status, reason, location, reminder_24h_sent, reminder_2h_sent)
			 VALUES (?, ?, ?, ?, 'Vaccination', 'Room 2', ?, ?)`,
			pet, doctor, a.ScheduledAt.UTC(), a.Status, a.Sent24h, a.Sent2h,
		))
	}
	return ids
}

// ReminderFlags reads both reminder flags of an appointment.
func ReminderFlags(t *testing.T, st *store.SQLiteStore, id int64) (sent24h, sent2h bool) {
	t.Helper()
	err := st.DB().QueryRowContext(context.Background(),
		`SELECT reminder_24h_sent, reminder_2h_sent FROM appointments WHERE id = ?`, id).Scan(&sent24h, &sent2h)
	if err != nil {
		t.Fatalf("read reminder flags for %d: %v", id, err)
	}
	return sent24h, sent2h
}

// DecodeJSON decodes a recorded response body into v.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
}
