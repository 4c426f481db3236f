package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/veranohaus/booking/internal/model"
)

// BookingRepo provides the ledger primitives for bookings.  Every state
// transition is expressed as a conditional UPDATE whose WHERE clause pins
// the expected current state; a zero RowsAffected result means the row was
// mutated concurrently (or never existed) and surfaces as ErrConflict or
// ErrNotFound.  The database row is therefore the single serialization
// point per booking, with no in-process locks involved.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// DB exposes the underlying sql.DB.  It allows callers to begin
// transactions spanning multiple repositories.
func (r *BookingRepo) DB() *sql.DB { return r.db }

const bookingColumns = `id, booking_id, user_id, stay_id, status, contact_email, room_name,
	   payment_token, payment_amount, amount_base_units, chain_id,
	   tx_hash, confirmed_at, expires_at, created_at, updated_at`

// scanBooking reads one bookings row into a model.Booking, converting the
// nullable columns into pointers.
func scanBooking(row *sql.Row) (*model.Booking, error) {
	var b model.Booking
	var status string
	var contactEmail, roomName, token, amount, baseUnits, txHash sql.NullString
	var chainID sql.NullInt64
	var confirmedAt, expiresAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.BookingID, &b.UserID, &b.StayID, &status, &contactEmail, &roomName,
		&token, &amount, &baseUnits, &chainID,
		&txHash, &confirmedAt, &expiresAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = model.Status(status)
	if contactEmail.Valid {
		v := contactEmail.String
		b.ContactEmail = &v
	}
	if roomName.Valid {
		v := roomName.String
		b.RoomName = &v
	}
	if token.Valid {
		v := model.PaymentToken(token.String)
		b.PaymentToken = &v
	}
	if amount.Valid {
		v := amount.String
		b.PaymentAmount = &v
	}
	if baseUnits.Valid {
		v := baseUnits.String
		b.AmountBaseUnits = &v
	}
	if chainID.Valid {
		v := uint64(chainID.Int64)
		b.ChainID = &v
	}
	if txHash.Valid {
		v := txHash.String
		b.TxHash = &v
	}
	if confirmedAt.Valid {
		v := confirmedAt.Time.UTC()
		b.ConfirmedAt = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time.UTC()
		b.ExpiresAt = &v
	}
	return &b, nil
}

// GetByBookingID fetches a booking by its opaque external identifier.
func (r *BookingRepo) GetByBookingID(ctx context.Context, bookingID string) (*model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE booking_id = ?`
	return scanBooking(r.db.QueryRowContext(ctx, q, bookingID))
}

// GetByUserAndStay fetches the single booking row for a (user, stay) pair.
func (r *BookingRepo) GetByUserAndStay(ctx context.Context, userID, stayID uint64) (*model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE user_id = ? AND stay_id = ?`
	return scanBooking(r.db.QueryRowContext(ctx, q, userID, stayID))
}

// Create inserts a fresh WAITLISTED booking.  The (user_id, stay_id)
// unique index guarantees at most one row per pair; a duplicate insert
// returns ErrDuplicateBooking so the caller can fall back to reusing the
// existing row when it is in a terminal state.
func (r *BookingRepo) Create(ctx context.Context, bookingID string, userID, stayID uint64, contactEmail, roomName *string) (*model.Booking, error) {
	const q = `INSERT INTO bookings (booking_id, user_id, stay_id, status, contact_email, room_name)
			   VALUES (?, ?, ?, 'WAITLISTED', ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, bookingID, userID, stayID, contactEmail, roomName); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return nil, ErrDuplicateBooking
		}
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// ResetForReapplication reuses a terminal row for a fresh application.
// It restores the booking to WAITLISTED and clears the payment-field group,
// the transaction hash and the payment window in the same statement so the
// all-null lock invariant holds the instant the update commits.  The
// external booking_id is kept; the guest's history stays attached to one
// identifier.
func (r *BookingRepo) ResetForReapplication(ctx context.Context, bookingID string, contactEmail, roomName *string) (*model.Booking, error) {
	const q = `UPDATE bookings
			   SET status = 'WAITLISTED', contact_email = COALESCE(?, contact_email), room_name = ?,
				   payment_token = NULL, payment_amount = NULL,
				   amount_base_units = NULL, chain_id = NULL,
				   tx_hash = NULL, confirmed_at = NULL, expires_at = NULL
			   WHERE booking_id = ?
				 AND status IN ('FAILED','EXPIRED','CANCELLED','REFUNDED')`
	if err := r.execConditional(ctx, bookingID, q, contactEmail, roomName, bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// Approve moves WAITLISTED -> PENDING and opens the payment window.
// Payment fields are untouched; the booking becomes payable but unlocked.
func (r *BookingRepo) Approve(ctx context.Context, bookingID string, expiresAt time.Time) (*model.Booking, error) {
	const q = `UPDATE bookings SET status = 'PENDING', expires_at = ?
			   WHERE booking_id = ? AND status = 'WAITLISTED'`
	if err := r.execConditional(ctx, bookingID, q, expiresAt.UTC(), bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// LockPayment writes the full payment-field group on an unlocked PENDING
// booking.  Any stale tx_hash/confirmed_at from a previous failed attempt
// is cleared in the same statement.  The payment_token IS NULL guard makes
// the lock first-writer-wins under concurrent lock calls.
func (r *BookingRepo) LockPayment(ctx context.Context, bookingID string, token model.PaymentToken, amount, baseUnits string, chainID uint64) (*model.Booking, error) {
	const q = `UPDATE bookings
			   SET payment_token = ?, payment_amount = ?, amount_base_units = ?, chain_id = ?,
				   tx_hash = NULL, confirmed_at = NULL
			   WHERE booking_id = ? AND status = 'PENDING' AND payment_token IS NULL`
	if err := r.execConditional(ctx, bookingID, q, string(token), amount, baseUnits, chainID, bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// AttachTxHash records a submitted transaction hash on a locked PENDING
// booking.  The tx_hash IS NULL guard enforces one active hash at a time;
// status stays PENDING; "verifying" is observed purely through the
// presence of the hash.
func (r *BookingRepo) AttachTxHash(ctx context.Context, bookingID, txHash string) (*model.Booking, error) {
	const q = `UPDATE bookings SET tx_hash = ?
			   WHERE booking_id = ? AND status = 'PENDING'
				 AND payment_token IS NOT NULL AND tx_hash IS NULL`
	if err := r.execConditional(ctx, bookingID, q, txHash, bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// Confirm resolves a verifying booking to CONFIRMED.  The tx_hash guard
// ensures the verdict applies to the same submission the verifier checked:
// if the hash on the row changed (it cannot today, but the guard is the
// invariant) or an admin moved the booking meanwhile, the update conflicts.
func (r *BookingRepo) Confirm(ctx context.Context, bookingID, txHash string, confirmedAt time.Time) (*model.Booking, error) {
	const q = `UPDATE bookings SET status = 'CONFIRMED', confirmed_at = ?
			   WHERE booking_id = ? AND status = 'PENDING' AND tx_hash = ?`
	if err := r.execConditional(ctx, bookingID, q, confirmedAt.UTC(), bookingID, txHash); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// FailAndUnlock resolves a verifying booking to FAILED and clears the whole
// payment-field group so the guest can lock and pay again after
// re-applying.  The consumed hash stays burned in used_tx_hashes.
func (r *BookingRepo) FailAndUnlock(ctx context.Context, bookingID, txHash string) (*model.Booking, error) {
	const q = `UPDATE bookings
			   SET status = 'FAILED',
				   payment_token = NULL, payment_amount = NULL,
				   amount_base_units = NULL, chain_id = NULL,
				   tx_hash = NULL, confirmed_at = NULL
			   WHERE booking_id = ? AND status = 'PENDING' AND tx_hash = ?`
	if err := r.execConditional(ctx, bookingID, q, bookingID, txHash); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// Cancel moves a WAITLISTED or unlocked PENDING booking to CANCELLED.  A
// booking with an attached hash is mid-verification and cannot be
// cancelled out from under the verifier.
func (r *BookingRepo) Cancel(ctx context.Context, bookingID string) (*model.Booking, error) {
	const q = `UPDATE bookings SET status = 'CANCELLED'
			   WHERE booking_id = ?
				 AND ((status = 'WAITLISTED') OR (status = 'PENDING' AND tx_hash IS NULL))`
	if err := r.execConditional(ctx, bookingID, q, bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// Expire moves an unlocked-or-locked but not verifying PENDING booking to
// EXPIRED.  Called by the external payment-window sweep, not by this
// service on its own clock.
func (r *BookingRepo) Expire(ctx context.Context, bookingID string) (*model.Booking, error) {
	const q = `UPDATE bookings
			   SET status = 'EXPIRED',
				   payment_token = NULL, payment_amount = NULL,
				   amount_base_units = NULL, chain_id = NULL
			   WHERE booking_id = ? AND status = 'PENDING' AND tx_hash IS NULL`
	if err := r.execConditional(ctx, bookingID, q, bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// MarkRefunded moves CONFIRMED -> REFUNDED.  Payment fields are retained
// for the audit trail; only the status changes.
func (r *BookingRepo) MarkRefunded(ctx context.Context, bookingID string) (*model.Booking, error) {
	const q = `UPDATE bookings SET status = 'REFUNDED'
			   WHERE booking_id = ? AND status = 'CONFIRMED'`
	if err := r.execConditional(ctx, bookingID, q, bookingID); err != nil {
		return nil, err
	}
	return r.GetByBookingID(ctx, bookingID)
}

// execConditional runs a guarded UPDATE and maps "zero rows changed" to
// ErrNotFound when the booking does not exist at all and ErrConflict when
// it exists but its state no longer matches the guard.
func (r *BookingRepo) execConditional(ctx context.Context, bookingID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM bookings WHERE booking_id = ?`, bookingID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}
