package model

import "time"

// Status enumerates the lifecycle states of a booking.  A booking holds
// exactly one status at any time.  WAITLISTED and PENDING are the only
// non-terminal states; every other status is terminal and may only be
// superseded by a fresh application reusing the same row.
type Status string

const (
	StatusWaitlisted Status = "WAITLISTED" // applied, awaiting admin approval
	StatusPending    Status = "PENDING"    // approved, payable (locked or unlocked)
	StatusConfirmed  Status = "CONFIRMED"  // on-chain payment verified
	StatusCancelled  Status = "CANCELLED"  // withdrawn before payment
	StatusExpired    Status = "EXPIRED"    // payment window elapsed
	StatusFailed     Status = "FAILED"     // verification failed; payable again after re-application
	StatusRefunded   Status = "REFUNDED"   // confirmed payment returned by the operator
)

// Terminal reports whether the status can only be left via a fresh
// application on the same (user, stay) row.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// PaymentToken identifies which stablecoin a booking is locked to.
type PaymentToken string

const (
	TokenUSDC PaymentToken = "USDC"
	TokenUSDT PaymentToken = "USDT"
)

// ParseToken validates a raw token symbol.  An empty token and false are
// returned for anything other than the supported stablecoins.
func ParseToken(raw string) (PaymentToken, bool) {
	switch PaymentToken(raw) {
	case TokenUSDC:
		return TokenUSDC, true
	case TokenUSDT:
		return TokenUSDT, true
	}
	return "", false
}

// Booking is the central entity.  One row exists per (user, stay) pair; a
// terminal row is reset in place when the guest re-applies.
//
// The payment-field group (PaymentToken, PaymentAmount, AmountBaseUnits,
// ChainID) is either all nil (unlocked) or all set (locked), never partially
// set.  TxHash set implies the booking is verifying, confirmed or failed;
// a booking is never CONFIRMED without a TxHash.
type Booking struct {
	ID              uint64        // bookings.id (internal)
	BookingID       string        // bookings.booking_id (opaque external id)
	UserID          uint64        // bookings.user_id
	StayID          uint64        // bookings.stay_id
	Status          Status        // bookings.status
	ContactEmail    *string       // bookings.contact_email, notification recipient (nullable)
	RoomName        *string       // bookings.room_name (nullable)
	PaymentToken    *PaymentToken // bookings.payment_token (nullable, lock group)
	PaymentAmount   *string       // bookings.payment_amount, human units, exact decimal string
	AmountBaseUnits *string       // bookings.amount_base_units, integer string in smallest token unit
	ChainID         *uint64       // bookings.chain_id (nullable, lock group)
	TxHash          *string       // bookings.tx_hash (nullable)
	ConfirmedAt     *time.Time    // bookings.confirmed_at (nullable)
	ExpiresAt       *time.Time    // bookings.expires_at, payment-window deadline (advisory)
	CreatedAt       time.Time     // bookings.created_at
	UpdatedAt       time.Time     // bookings.updated_at
}

// PaymentLocked reports whether the payment-field group is set.
func (b *Booking) PaymentLocked() bool {
	return b.PaymentToken != nil && b.PaymentAmount != nil &&
		b.AmountBaseUnits != nil && b.ChainID != nil
}

// Verifying reports whether a transaction hash is attached and the booking
// is still awaiting the verifier's verdict.
func (b *Booking) Verifying() bool {
	return b.Status == StatusPending && b.TxHash != nil
}
