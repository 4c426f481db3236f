// Package booking implements the booking lifecycle: the status state
// machine, the payment-lock protocol and transaction submission with its
// replay guard.  It is the single entry point for every state transition;
// handlers and the verifier never mutate booking rows except through the
// repository methods this package drives.
package booking

import (
	"errors"
	"fmt"

	"github.com/veranohaus/booking/internal/model"
)

// ErrBookingNotFound is returned when no booking matches the given id.
var ErrBookingNotFound = errors.New("booking not found")

// ErrStayNotFound is returned when an application names a stay that does
// not exist in the catalog.
var ErrStayNotFound = errors.New("stay not found")

// ErrUnsupportedChain is returned when the chain registry has no entry for
// the requested chain id.
var ErrUnsupportedChain = errors.New("unsupported chain")

// ErrUnsupportedToken is returned for token symbols outside {USDC, USDT}
// or tokens the requested chain does not carry.
var ErrUnsupportedToken = errors.New("unsupported token")

// ErrTokenMismatch is returned when a payment submission names a token
// other than the one the booking is locked to.
var ErrTokenMismatch = errors.New("token does not match payment lock")

// ErrTransactionAlreadyUsed is returned when the submitted hash was
// already consumed by any booking, ever.
var ErrTransactionAlreadyUsed = errors.New("transaction hash already used")

// ErrInvalidTxHash is returned when the submitted hash is not a canonical
// 0x-prefixed 32-byte hex string.
var ErrInvalidTxHash = errors.New("invalid transaction hash format")

// ErrInvalidAmount is returned when the requested amount is not a positive
// decimal or carries more precision than the token's base unit can
// represent.
var ErrInvalidAmount = errors.New("invalid payment amount")

// InvalidStateError reports a status-precondition violation.  It carries
// the conflicting current status so callers can explain "already approved"
// versus "not yet pending" to the user.
type InvalidStateError struct {
	Op      string       // the rejected operation, e.g. "approve"
	Current model.Status // the booking's status at rejection time
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s booking in status %s", e.Op, e.Current)
}

func invalidState(op string, current model.Status) error {
	return &InvalidStateError{Op: op, Current: current}
}
