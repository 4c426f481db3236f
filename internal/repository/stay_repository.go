package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/veranohaus/booking/internal/model"
)

// StayRepo reads the stay catalog.  The catalog is managed out of band
// (seeded by schema.sql or an external editor); this service only looks
// stays up to validate applications and to decorate responses and
// notification emails with a title and room prices.
type StayRepo struct {
	db *sql.DB
}

// NewStayRepo returns a new StayRepo bound to the given database.
func NewStayRepo(db *sql.DB) *StayRepo { return &StayRepo{db: db} }

// GetByID fetches a stay.  Returns ErrNotFound when no such stay exists.
func (r *StayRepo) GetByID(ctx context.Context, id uint64) (*model.Stay, error) {
	const q = `SELECT id, title, slots, room_price_usdc, room_price_usdt,
					  starts_at, ends_at, created_at
			   FROM stays WHERE id = ?`
	var s model.Stay
	var usdc, usdt sql.NullString
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.Title, &s.Slots, &usdc, &usdt,
		&s.StartsAt, &s.EndsAt, &s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if usdc.Valid {
		v := usdc.String
		s.RoomPriceUSDC = &v
	}
	if usdt.Valid {
		v := usdt.String
		s.RoomPriceUSDT = &v
	}
	return &s, nil
}

// List returns all stays ordered by start date.  Used by the public
// catalog endpoint.
func (r *StayRepo) List(ctx context.Context) ([]model.Stay, error) {
	const q = `SELECT id, title, slots, room_price_usdc, room_price_usdt,
					  starts_at, ends_at, created_at
			   FROM stays ORDER BY starts_at ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stays := make([]model.Stay, 0)
	for rows.Next() {
		var s model.Stay
		var usdc, usdt sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &s.Slots, &usdc, &usdt,
			&s.StartsAt, &s.EndsAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		if usdc.Valid {
			v := usdc.String
			s.RoomPriceUSDC = &v
		}
		if usdt.Valid {
			v := usdt.String
			s.RoomPriceUSDT = &v
		}
		stays = append(stays, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stays, nil
}
