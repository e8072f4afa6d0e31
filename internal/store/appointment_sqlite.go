package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vetcrm/notifier/internal/models"
)

// Compile-time check that SQLiteStore implements AppointmentRepo.
var _ AppointmentRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) FindReminderCandidates(ctx context.Context, class models.ReminderClass, from, to time.Time) ([]models.ReminderCandidate, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("unknown reminder class %q", class)
	}
	query := fmt.Sprintf(
		`SELECT a.id, a.scheduled_at, a.status, COALESCE(a.reason, ''), COALESCE(a.location, ''),
		        p.name, TRIM(o.first_name || ' ' || o.last_name), COALESCE(o.email, ''), o.phone,
		        COALESCE(TRIM(d.first_name || ' ' || d.last_name), '')
		 FROM appointments a
		 JOIN pets p ON p.id = a.pet_id
		 JOIN users o ON o.id = p.owner_id
		 LEFT JOIN users d ON d.id = a.doctor_id
		 WHERE a.status IN (?, ?)
		   AND NOT a.%s
		   AND a.scheduled_at BETWEEN ? AND ?
		 ORDER BY a.scheduled_at ASC, a.id ASC`,
		class.FlagColumn(),
	)
	rows, err := s.db.QueryContext(ctx, query,
		models.AppointmentStatusConfirmed, models.AppointmentStatusProposed, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("find %s reminder candidates failed: %w", class, err)
	}
	return scanReminderCandidates(rows)
}

func (s *SQLiteStore) MarkReminderSent(ctx context.Context, appointmentID int64, class models.ReminderClass) error {
	if !class.Valid() {
		return fmt.Errorf("unknown reminder class %q", class)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE appointments SET %s = 1 WHERE id = ?`, class.FlagColumn()),
		appointmentID,
	)
	if err != nil {
		return fmt.Errorf("mark %s reminder sent failed: %w", class, err)
	}
	return requireRowAffected(res, "mark reminder sent for appointment", appointmentID)
}
