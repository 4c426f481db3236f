package booking

import "github.com/veranohaus/booking/internal/model"

// transitions is the authoritative set of legal status moves.  The
// repository's conditional updates enforce each guard atomically at the
// row level; this table is the readable contract the preconditions are
// derived from, and the precheck that turns a doomed update into an
// InvalidStateError carrying the current status.
//
// PENDING's locked/unlocked and verifying sub-states are not statuses:
// locked is the payment-field group being set, verifying is tx_hash being
// set.  The sub-state guards live in the individual operations.
var transitions = map[model.Status][]model.Status{
	model.StatusWaitlisted: {model.StatusPending, model.StatusCancelled},
	model.StatusPending: {
		model.StatusConfirmed, // verifier: matching transfer found
		model.StatusFailed,    // verifier: mismatch, revert or retry exhaustion
		model.StatusCancelled, // guest/admin withdrawal before payment
		model.StatusExpired,   // external payment-window sweep
	},
	model.StatusConfirmed: {model.StatusRefunded},
	// Terminal statuses move only back to WAITLISTED via re-application.
	model.StatusFailed:    {model.StatusWaitlisted},
	model.StatusExpired:   {model.StatusWaitlisted},
	model.StatusCancelled: {model.StatusWaitlisted},
	model.StatusRefunded:  {model.StatusWaitlisted},
}

// canTransition reports whether moving from one status to another is legal.
func canTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
