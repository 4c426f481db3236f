package booking

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veranohaus/booking/internal/chain"
	"github.com/veranohaus/booking/internal/model"
	"github.com/veranohaus/booking/internal/monitoring"
	"github.com/veranohaus/booking/internal/queue"
	"github.com/veranohaus/booking/internal/repository"
	"github.com/veranohaus/booking/internal/verifier"
)

// txHashPattern is the canonical 32-byte hex transaction hash format.
var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// defaultSessionExpiryMinutes is the payment window applied when an
// approval does not specify one: 24 hours.
const defaultSessionExpiryMinutes = 24 * 60

// BookingStore is the ledger surface the service drives.  Every mutating
// method is a conditional update: it succeeds only when the row still
// satisfies the transition's guard, returning repository.ErrConflict
// otherwise.  repository.BookingRepo is the production implementation.
type BookingStore interface {
	GetByBookingID(ctx context.Context, bookingID string) (*model.Booking, error)
	GetByUserAndStay(ctx context.Context, userID, stayID uint64) (*model.Booking, error)
	Create(ctx context.Context, bookingID string, userID, stayID uint64, contactEmail, roomName *string) (*model.Booking, error)
	ResetForReapplication(ctx context.Context, bookingID string, contactEmail, roomName *string) (*model.Booking, error)
	Approve(ctx context.Context, bookingID string, expiresAt time.Time) (*model.Booking, error)
	LockPayment(ctx context.Context, bookingID string, token model.PaymentToken, amount, baseUnits string, chainID uint64) (*model.Booking, error)
	AttachTxHash(ctx context.Context, bookingID, txHash string) (*model.Booking, error)
	Cancel(ctx context.Context, bookingID string) (*model.Booking, error)
	Expire(ctx context.Context, bookingID string) (*model.Booking, error)
	MarkRefunded(ctx context.Context, bookingID string) (*model.Booking, error)
}

// StayStore reads the stay catalog.
type StayStore interface {
	GetByID(ctx context.Context, id uint64) (*model.Stay, error)
}

// ActivityStore appends to and reads the per-booking audit trail.
type ActivityStore interface {
	Append(ctx context.Context, bookingID, action string, detail any) error
	ListByBooking(ctx context.Context, bookingID string) ([]model.ActivityLog, error)
}

// HashReserver is the replay guard.  Reserve claims a transaction hash
// atomically or reports it already consumed.
type HashReserver interface {
	Reserve(ctx context.Context, txHash, bookingID string, chainID uint64) error
}

// ApprovalNotifier publishes the approval email event.  Failures are soft:
// the approval itself stands and the caller is handed a warning instead of
// an error.
type ApprovalNotifier interface {
	PublishApproval(ctx context.Context, ev queue.ApprovalEvent) error
}

// Scheduler hands a verification job to the background engine.  The
// submission call returns as soon as the job is queued.
type Scheduler interface {
	Schedule(job verifier.Job)
}

// Service is the canonical implementation of the booking lifecycle.  Each
// public method is one state-machine transition (or a read); preconditions
// are checked against a fresh read of the row and then enforced atomically
// by the repository's conditional updates, so concurrent callers serialize
// on the database row rather than on any in-process lock.
type Service struct {
	bookings  BookingStore
	stays     StayStore
	activity  ActivityStore
	hashes    HashReserver
	registry  *chain.Registry
	notifier  ApprovalNotifier // may be nil when notifications are disabled
	scheduler Scheduler
	payBase   string // base URL for payment links in approval emails
	now       func() time.Time
}

// New constructs the booking service.
func New(bookings BookingStore, stays StayStore, activity ActivityStore,
	hashes HashReserver, registry *chain.Registry, notifier ApprovalNotifier,
	scheduler Scheduler, payBaseURL string) *Service {
	return &Service{
		bookings:  bookings,
		stays:     stays,
		activity:  activity,
		hashes:    hashes,
		registry:  registry,
		notifier:  notifier,
		scheduler: scheduler,
		payBase:   strings.TrimRight(payBaseURL, "/"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply creates a WAITLISTED booking for a (user, stay) pair, or resets the
// existing row when its previous attempt ended in a terminal status.  A
// non-terminal existing booking rejects the application with the
// conflicting status attached.
func (s *Service) Apply(ctx context.Context, userID, stayID uint64, contactEmail, roomName *string) (*model.Booking, error) {
	if _, err := s.stays.GetByID(ctx, stayID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrStayNotFound
		}
		return nil, err
	}
	existing, err := s.bookings.GetByUserAndStay(ctx, userID, stayID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		b, err := s.bookings.Create(ctx, uuid.NewString(), userID, stayID, contactEmail, roomName)
		if errors.Is(err, repository.ErrDuplicateBooking) {
			// Lost a concurrent-application race; fall through to the
			// reuse path against the row the winner created.
			existing, err = s.bookings.GetByUserAndStay(ctx, userID, stayID)
			if err != nil {
				return nil, err
			}
			return s.reapply(ctx, existing, contactEmail, roomName)
		}
		if err != nil {
			return nil, err
		}
		s.log(ctx, b.BookingID, model.ActionApplied, map[string]any{"stay_id": stayID})
		return b, nil
	case err != nil:
		return nil, err
	}
	return s.reapply(ctx, existing, contactEmail, roomName)
}

// reapply resets a terminal booking row back to WAITLISTED.
func (s *Service) reapply(ctx context.Context, existing *model.Booking, contactEmail, roomName *string) (*model.Booking, error) {
	if !canTransition(existing.Status, model.StatusWaitlisted) {
		return nil, invalidState("apply", existing.Status)
	}
	b, err := s.bookings.ResetForReapplication(ctx, existing.BookingID, contactEmail, roomName)
	if err != nil {
		return nil, s.resolveConflict(ctx, existing.BookingID, "apply", err)
	}
	s.log(ctx, b.BookingID, model.ActionApplied, map[string]any{"stay_id": b.StayID, "reapplied": true})
	return b, nil
}

// Approve moves a WAITLISTED booking to PENDING and opens its payment
// window.  The returned warning is non-empty when the approval email could
// not be queued; the transition itself is never rolled back for a
// notification failure.
func (s *Service) Approve(ctx context.Context, bookingID string, sessionExpiryMinutes int) (*model.Booking, string, error) {
	if sessionExpiryMinutes <= 0 {
		sessionExpiryMinutes = defaultSessionExpiryMinutes
	}
	expiresAt := s.now().Add(time.Duration(sessionExpiryMinutes) * time.Minute)
	b, err := s.bookings.Approve(ctx, bookingID, expiresAt)
	if err != nil {
		return nil, "", s.resolveConflict(ctx, bookingID, "approve", err)
	}
	s.log(ctx, bookingID, model.ActionApproved, map[string]any{
		"expires_at":             expiresAt.Format(time.RFC3339),
		"session_expiry_minutes": sessionExpiryMinutes,
	})
	warning := s.notifyApproved(ctx, b)
	return b, warning, nil
}

// notifyApproved queues the approval email.  Returns a human-readable
// warning when publishing fails.
func (s *Service) notifyApproved(ctx context.Context, b *model.Booking) string {
	if s.notifier == nil || b.ContactEmail == nil {
		return ""
	}
	stay, err := s.stays.GetByID(ctx, b.StayID)
	if err != nil {
		log.Printf("booking: approval notify: stay %d lookup failed: %v", b.StayID, err)
		return "approval email could not be queued"
	}
	ev := queue.ApprovalEvent{
		BookingID:  b.BookingID,
		Recipient:  *b.ContactEmail,
		StayTitle:  stay.Title,
		PaymentURL: s.payBase + "/pay/" + b.BookingID,
	}
	if b.ExpiresAt != nil {
		ev.ExpiresAt = b.ExpiresAt.Format(time.RFC3339)
	}
	if stay.RoomPriceUSDC != nil {
		ev.Amount = *stay.RoomPriceUSDC
		ev.Token = string(model.TokenUSDC)
	}
	if err := s.notifier.PublishApproval(ctx, ev); err != nil {
		log.Printf("booking: approval notify failed for %s: %v", b.BookingID, err)
		return "approval email could not be queued"
	}
	return ""
}

// LockPayment commits a PENDING booking to one {token, amount, chain}
// combination, converting the human amount to the token's base units with
// exact decimal arithmetic.  Re-locking with identical details is
// idempotent and writes nothing; any other re-lock is rejected until the
// verifier's failure path unlocks the booking.
func (s *Service) LockPayment(ctx context.Context, bookingID, tokenRaw, amount string, chainID uint64) (*model.Booking, error) {
	token, ok := model.ParseToken(tokenRaw)
	if !ok {
		return nil, ErrUnsupportedToken
	}
	tokenCfg, chainOK, tokenOK := s.registry.Token(chainID, token)
	if !chainOK {
		return nil, ErrUnsupportedChain
	}
	if !tokenOK {
		return nil, ErrUnsupportedToken
	}
	human, err := decimal.NewFromString(amount)
	if err != nil || !human.IsPositive() {
		return nil, ErrInvalidAmount
	}
	base := human.Shift(tokenCfg.Decimals)
	if !base.IsInteger() {
		// More precision than the token's base unit can hold would force a
		// rounded value the on-chain transfer could never match exactly.
		return nil, ErrInvalidAmount
	}
	baseUnits := base.BigInt().String()

	b, err := s.bookings.GetByBookingID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if b.Status != model.StatusPending {
		return nil, invalidState("lock payment for", b.Status)
	}
	if b.PaymentLocked() {
		if s.sameLock(b, token, human, chainID) {
			return b, nil // idempotent re-lock, no second activity entry
		}
		return nil, invalidState("re-lock payment for", b.Status)
	}

	locked, err := s.bookings.LockPayment(ctx, bookingID, token, human.String(), baseUnits, chainID)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Raced with another lock call.  If the winner wrote the same
			// details this call is still an idempotent success.
			cur, rerr := s.bookings.GetByBookingID(ctx, bookingID)
			if rerr == nil && cur.Status == model.StatusPending && cur.PaymentLocked() &&
				s.sameLock(cur, token, human, chainID) {
				return cur, nil
			}
			if rerr == nil {
				return nil, invalidState("lock payment for", cur.Status)
			}
		}
		return nil, s.resolveConflict(ctx, bookingID, "lock payment for", err)
	}
	s.log(ctx, bookingID, model.ActionPaymentLocked, map[string]any{
		"token":             string(token),
		"amount":            human.String(),
		"amount_base_units": baseUnits,
		"chain_id":          chainID,
	})
	monitoring.TrackLock()
	return locked, nil
}

// sameLock reports whether the booking's existing lock matches the
// requested details.  Amounts compare as decimals so "300" and "300.0"
// are the same lock.
func (s *Service) sameLock(b *model.Booking, token model.PaymentToken, amount decimal.Decimal, chainID uint64) bool {
	if b.PaymentToken == nil || b.ChainID == nil || b.PaymentAmount == nil {
		return false
	}
	cur, err := decimal.NewFromString(*b.PaymentAmount)
	if err != nil {
		return false
	}
	return *b.PaymentToken == token && *b.ChainID == chainID && cur.Equal(amount)
}

// SubmitPayment attaches a transaction hash to a locked PENDING booking and
// schedules background verification.  The hash is reserved in the replay
// guard in the same logical step: the conditional insert either claims it
// atomically or reports it burned, so two bookings can never both accept
// one payment.  The call returns as soon as the job is queued; the
// verdict arrives later via status polls or the activity log.
func (s *Service) SubmitPayment(ctx context.Context, bookingID, txHash string, chainID uint64, tokenRaw string) (*model.Booking, error) {
	token, ok := model.ParseToken(tokenRaw)
	if !ok {
		return nil, ErrUnsupportedToken
	}
	if !txHashPattern.MatchString(txHash) {
		return nil, ErrInvalidTxHash
	}
	txHash = strings.ToLower(txHash)

	b, err := s.bookings.GetByBookingID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if b.Status != model.StatusPending || !b.PaymentLocked() {
		return nil, invalidState("submit payment for", b.Status)
	}
	if *b.PaymentToken != token {
		return nil, ErrTokenMismatch
	}
	if *b.ChainID != chainID {
		// Locked to a different chain than the submission claims.
		return nil, invalidState("submit payment on another chain for", b.Status)
	}
	if b.TxHash != nil {
		// Only one active hash per booking; replacing a pending
		// verification is not allowed.
		return nil, invalidState("submit a second transaction for", b.Status)
	}

	if err := s.hashes.Reserve(ctx, txHash, bookingID, chainID); err != nil {
		if errors.Is(err, repository.ErrHashAlreadyUsed) {
			return nil, ErrTransactionAlreadyUsed
		}
		return nil, err
	}
	updated, err := s.bookings.AttachTxHash(ctx, bookingID, txHash)
	if err != nil {
		// The hash is reserved but could not attach: a concurrent call
		// won the row.  The reservation is not rolled back; the hash
		// stays burned.
		return nil, s.resolveConflict(ctx, bookingID, "submit payment for", err)
	}
	s.log(ctx, bookingID, model.ActionTxSubmitted, map[string]any{
		"tx_hash":  txHash,
		"chain_id": chainID,
		"token":    string(token),
	})
	monitoring.TrackSubmission()
	s.scheduler.Schedule(verifier.Job{
		BookingID:       bookingID,
		TxHash:          txHash,
		ChainID:         chainID,
		Token:           token,
		AmountBaseUnits: *updated.AmountBaseUnits,
	})
	return updated, nil
}

// Cancel withdraws a WAITLISTED or unlocked PENDING booking.
func (s *Service) Cancel(ctx context.Context, bookingID string) (*model.Booking, error) {
	b, err := s.bookings.Cancel(ctx, bookingID)
	if err != nil {
		return nil, s.resolveConflict(ctx, bookingID, "cancel", err)
	}
	s.log(ctx, bookingID, model.ActionCancelled, nil)
	return b, nil
}

// Expire moves a PENDING booking whose payment window lapsed to EXPIRED.
// Invoked by the external sweep job; this service never expires bookings
// on its own clock.
func (s *Service) Expire(ctx context.Context, bookingID string) (*model.Booking, error) {
	b, err := s.bookings.Expire(ctx, bookingID)
	if err != nil {
		return nil, s.resolveConflict(ctx, bookingID, "expire", err)
	}
	s.log(ctx, bookingID, model.ActionExpired, nil)
	return b, nil
}

// MarkRefunded records that a confirmed payment was returned to the guest.
func (s *Service) MarkRefunded(ctx context.Context, bookingID string) (*model.Booking, error) {
	b, err := s.bookings.MarkRefunded(ctx, bookingID)
	if err != nil {
		return nil, s.resolveConflict(ctx, bookingID, "refund", err)
	}
	s.log(ctx, bookingID, model.ActionRefunded, nil)
	return b, nil
}

// Get returns the current booking state.
func (s *Service) Get(ctx context.Context, bookingID string) (*model.Booking, error) {
	b, err := s.bookings.GetByBookingID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// Activity returns the booking's append-only event history.
func (s *Service) Activity(ctx context.Context, bookingID string) ([]model.ActivityLog, error) {
	if _, err := s.Get(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.activity.ListByBooking(ctx, bookingID)
}

// resolveConflict maps repository errors from a conditional update into
// the service taxonomy, re-reading the row on conflict so the
// InvalidStateError carries the status that actually blocked the
// transition.
func (s *Service) resolveConflict(ctx context.Context, bookingID, op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrBookingNotFound
	}
	if errors.Is(err, repository.ErrConflict) {
		cur, rerr := s.bookings.GetByBookingID(ctx, bookingID)
		if rerr != nil {
			if errors.Is(rerr, repository.ErrNotFound) {
				return ErrBookingNotFound
			}
			return rerr
		}
		return invalidState(op, cur.Status)
	}
	return err
}

// log appends an activity entry.  Activity failures never abort the
// transition that already committed; they are logged and dropped.
func (s *Service) log(ctx context.Context, bookingID, action string, detail any) {
	if err := s.activity.Append(ctx, bookingID, action, detail); err != nil {
		log.Printf("booking: activity append (%s) failed for %s: %v", action, bookingID, err)
	}
}
