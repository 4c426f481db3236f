package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/veranohaus/booking/internal/model"
)

// ActivityRepo appends and lists booking activity entries.  The table is
// append-only: entries are written once per event and never updated, so the
// log doubles as the audit trail for verifier verdicts that were never
// surfaced synchronously to a caller.
type ActivityRepo struct {
	db *sql.DB
}

// NewActivityRepo returns a new ActivityRepo bound to the given database.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

// Append writes one activity entry.  The detail payload is marshalled to
// JSON; pass nil for events with no structured detail.
func (r *ActivityRepo) Append(ctx context.Context, bookingID, action string, detail any) error {
	doc := []byte("{}")
	if detail != nil {
		var err error
		doc, err = json.Marshal(detail)
		if err != nil {
			return err
		}
	}
	const q = `INSERT INTO activity_log (booking_id, action, detail) VALUES (?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, bookingID, action, string(doc))
	return err
}

// ListByBooking returns all activity entries for a booking, oldest first.
func (r *ActivityRepo) ListByBooking(ctx context.Context, bookingID string) ([]model.ActivityLog, error) {
	const q = `SELECT id, booking_id, action, detail, created_at
			   FROM activity_log WHERE booking_id = ? ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, q, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]model.ActivityLog, 0)
	for rows.Next() {
		var e model.ActivityLog
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
