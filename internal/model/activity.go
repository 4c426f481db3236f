package model

import "time"

// ActivityLog is an append-only event record attached to a booking.  Each
// mutating operation writes exactly one entry; entries are never updated.
// Detail carries a structured JSON payload whose shape depends on Action.
type ActivityLog struct {
	ID        uint64    // activity_log.id
	BookingID string    // activity_log.booking_id
	Action    string    // activity_log.action, e.g. "payment_locked"
	Detail    string    // activity_log.detail, JSON document
	CreatedAt time.Time // activity_log.created_at
}

// Activity action tags written by the booking service and the verifier.
const (
	ActionApplied          = "applied"
	ActionApproved         = "approved"
	ActionPaymentLocked    = "payment_locked"
	ActionTxSubmitted      = "tx_submitted"
	ActionPaymentConfirmed = "payment_confirmed"
	ActionPaymentFailed    = "payment_failed"
	ActionCancelled        = "cancelled"
	ActionExpired          = "expired"
	ActionRefunded         = "refunded"
)
