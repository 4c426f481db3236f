// Package verifier runs the background verification of submitted payment
// transactions.  A submission enqueues one job; a fixed pool of workers
// polls the chain RPC for the receipt, matches the token transfer against
// the booking's payment lock and resolves the booking to CONFIRMED or
// FAILED.  No verdict is ever returned to the submitting request; the
// outcome is observable only through the booking status and the activity
// log.
package verifier

import (
	"context"
	"errors"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veranohaus/booking/internal/chain"
	"github.com/veranohaus/booking/internal/model"
	"github.com/veranohaus/booking/internal/monitoring"
	"github.com/veranohaus/booking/internal/queue"
	"github.com/veranohaus/booking/internal/repository"
)

// FailureReason classifies why a verification collapsed the booking to
// FAILED.  The reason is recorded in the activity log; it is never part of
// the synchronous API response.
type FailureReason string

const (
	ReasonReceiptNotFound     FailureReason = "ReceiptNotFound"
	ReasonTransactionReverted FailureReason = "TransactionReverted"
	ReasonRecipientMismatch   FailureReason = "RecipientMismatch"
	ReasonAmountMismatch      FailureReason = "AmountMismatch"
)

// transferTopic is the event signature hash of the standard token transfer
// event, Transfer(address,address,uint256).
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Job carries everything a worker needs to verify one submission.  The
// values are snapshotted at submission time; the conditional updates that
// resolve the booking re-check the row against them.
type Job struct {
	BookingID       string
	TxHash          string
	ChainID         uint64
	Token           model.PaymentToken
	AmountBaseUnits string
}

// ReceiptSource abstracts the chain RPC.  A nil receipt with nil error
// means the node has not indexed the transaction yet.  chain.ClientPool is
// the production implementation; tests substitute stubs.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context, chainID uint64) (uint64, error)
}

// BookingResolver is the slice of the booking ledger the verifier needs:
// reading the row and resolving a verification either way.  Both verdict
// methods carry the verified hash so the conditional update only lands on
// the submission this job actually checked.
type BookingResolver interface {
	GetByBookingID(ctx context.Context, bookingID string) (*model.Booking, error)
	Confirm(ctx context.Context, bookingID, txHash string, confirmedAt time.Time) (*model.Booking, error)
	FailAndUnlock(ctx context.Context, bookingID, txHash string) (*model.Booking, error)
}

// StayStore reads the stay catalog for notification rendering.
type StayStore interface {
	GetByID(ctx context.Context, id uint64) (*model.Stay, error)
}

// ActivitySink records verification verdicts in the audit trail.
type ActivitySink interface {
	Append(ctx context.Context, bookingID, action string, detail any) error
}

// ConfirmationNotifier publishes the confirmation email event.  Publish
// failures are soft: they are logged and never affect the booking's state.
type ConfirmationNotifier interface {
	PublishConfirmation(ctx context.Context, ev queue.ConfirmationEvent) error
}

// Config holds the verifier's retry budget.
type Config struct {
	Attempts       int           // receipt poll attempts before ReceiptNotFound
	Delay          time.Duration // fixed pause between attempts
	AttemptTimeout time.Duration // per-RPC-call timeout so one hung call cannot eat the budget
	Workers        int           // concurrent verification workers
	QueueSize      int           // buffered jobs awaiting a worker
}

// DefaultConfig matches the documented defaults: ten attempts three seconds
// apart, which absorbs the propagation lag between a wallet broadcasting a
// transaction and the RPC node indexing it.
func DefaultConfig() Config {
	return Config{
		Attempts:       10,
		Delay:          3 * time.Second,
		AttemptTimeout: 10 * time.Second,
		Workers:        4,
		QueueSize:      256,
	}
}

// Verifier owns the job queue and worker pool.
type Verifier struct {
	bookings BookingResolver
	stays    StayStore
	activity ActivitySink
	registry *chain.Registry
	source   ReceiptSource
	notifier ConfirmationNotifier // may be nil when notifications are disabled
	cfg      Config
	jobs     chan Job
	wg       sync.WaitGroup
}

// New constructs a Verifier.  Call Start before scheduling jobs.
func New(bookings BookingResolver, stays StayStore, activity ActivitySink,
	registry *chain.Registry, source ReceiptSource, notifier ConfirmationNotifier, cfg Config) *Verifier {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultConfig().Delay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Verifier{
		bookings: bookings,
		stays:    stays,
		activity: activity,
		registry: registry,
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		jobs:     make(chan Job, cfg.QueueSize),
	}
}

// Start launches the worker pool.  Workers drain the queue until the
// context is cancelled; Wait blocks until in-flight jobs finish.
func (v *Verifier) Start(ctx context.Context) {
	for i := 0; i < v.cfg.Workers; i++ {
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-v.jobs:
					monitoring.SetVerifyQueueDepth(len(v.jobs))
					v.process(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (v *Verifier) Wait() { v.wg.Wait() }

// Schedule enqueues a verification job.  The submission request returns as
// soon as the job is queued; verification happens off the request path.
func (v *Verifier) Schedule(job Job) {
	v.jobs <- job
	monitoring.SetVerifyQueueDepth(len(v.jobs))
}

// process drives one job to a terminal verdict.
func (v *Verifier) process(ctx context.Context, job Job) {
	cc, ok := v.registry.Chain(job.ChainID)
	if !ok {
		// Cannot happen: the lock validated the chain against the same
		// immutable registry.  Resolve to FAILED rather than leave the
		// booking verifying forever.
		log.Printf("verifier: booking %s: chain %d missing from registry", job.BookingID, job.ChainID)
		v.fail(ctx, job, ReasonReceiptNotFound)
		return
	}
	tokenCfg, _, ok := v.registry.Token(job.ChainID, job.Token)
	if !ok {
		log.Printf("verifier: booking %s: token %s missing for chain %d", job.BookingID, job.Token, job.ChainID)
		v.fail(ctx, job, ReasonReceiptNotFound)
		return
	}

	rcpt, found := v.awaitReceipt(ctx, job, cc.Confirmations)
	if ctx.Err() != nil {
		// Shutdown mid-verification: leave the booking verifying; the hash
		// is burned and an operator can resubmit the job out of band.
		log.Printf("verifier: booking %s: shutdown before verdict", job.BookingID)
		return
	}
	if !found {
		v.fail(ctx, job, ReasonReceiptNotFound)
		return
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		v.fail(ctx, job, ReasonTransactionReverted)
		return
	}

	want, ok := new(big.Int).SetString(job.AmountBaseUnits, 10)
	if !ok {
		log.Printf("verifier: booking %s: unparseable base units %q", job.BookingID, job.AmountBaseUnits)
		v.fail(ctx, job, ReasonAmountMismatch)
		return
	}
	if reason, ok := matchTransfer(rcpt, tokenCfg.Address, v.registry.Treasury(), want); !ok {
		v.fail(ctx, job, reason)
		return
	}
	v.confirm(ctx, job)
}

// awaitReceipt polls for the transaction receipt, honoring the retry
// budget.  A receipt only counts once it sits the configured number of
// confirmations behind the chain head.  Returns false when the budget is
// exhausted or the context was cancelled.
func (v *Verifier) awaitReceipt(ctx context.Context, job Job, confirmations uint64) (*types.Receipt, bool) {
	hash := common.HexToHash(job.TxHash)
	for attempt := 0; attempt < v.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, false
			case <-time.After(v.cfg.Delay):
			}
		}
		actx, cancel := context.WithTimeout(ctx, v.cfg.AttemptTimeout)
		rcpt, err := v.source.TransactionReceipt(actx, job.ChainID, hash)
		cancel()
		if err != nil {
			log.Printf("verifier: booking %s: receipt fetch attempt %d: %v", job.BookingID, attempt+1, err)
			continue
		}
		if rcpt == nil {
			continue
		}
		if confirmations > 1 && rcpt.BlockNumber != nil {
			hctx, hcancel := context.WithTimeout(ctx, v.cfg.AttemptTimeout)
			head, err := v.source.BlockNumber(hctx, job.ChainID)
			hcancel()
			if err != nil {
				log.Printf("verifier: booking %s: head fetch attempt %d: %v", job.BookingID, attempt+1, err)
				continue
			}
			if head < rcpt.BlockNumber.Uint64()+confirmations-1 {
				continue // mined but not final yet; spend another attempt
			}
		}
		return rcpt, true
	}
	return nil, false
}

// matchTransfer scans the receipt's logs for a token transfer emitted by
// the locked token contract and addressed to the treasury.  The
// authoritative record of who received how much is the token contract's
// own event log; the transaction's top-level value field stays zero for
// token calls.  Exact base-unit equality is required; partial payments and
// overpayments both fail.
func matchTransfer(rcpt *types.Receipt, tokenAddr, treasury common.Address, want *big.Int) (FailureReason, bool) {
	sawTreasury := false
	for _, lg := range rcpt.Logs {
		if lg.Address != tokenAddr {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != treasury {
			continue
		}
		sawTreasury = true
		got := new(big.Int).SetBytes(lg.Data)
		if got.Cmp(want) == 0 {
			return "", true
		}
	}
	if sawTreasury {
		return ReasonAmountMismatch, false
	}
	return ReasonRecipientMismatch, false
}

// confirm resolves the booking to CONFIRMED and emits the confirmation
// notification.  A conditional-update conflict means the row was mutated
// out from under the verifier (it should not be possible while a hash is
// attached); the conflict is logged and recorded but not retried.
func (v *Verifier) confirm(ctx context.Context, job Job) {
	confirmedAt := time.Now().UTC()
	b, err := v.bookings.Confirm(ctx, job.BookingID, job.TxHash, confirmedAt)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			log.Printf("verifier: booking %s changed during verification: %v", job.BookingID, err)
			return
		}
		log.Printf("verifier: booking %s: confirm write failed: %v", job.BookingID, err)
		return
	}
	if err := v.activity.Append(ctx, job.BookingID, model.ActionPaymentConfirmed, map[string]any{
		"tx_hash":           job.TxHash,
		"chain_id":          job.ChainID,
		"token":             string(job.Token),
		"amount_base_units": job.AmountBaseUnits,
		"confirmed_at":      confirmedAt.Format(time.RFC3339),
	}); err != nil {
		log.Printf("verifier: booking %s: activity append failed: %v", job.BookingID, err)
	}
	monitoring.TrackVerification("confirmed")
	v.notifyConfirmed(ctx, b, confirmedAt)
}

// notifyConfirmed publishes the confirmation email event.  Failures are
// soft and never touch the booking's state.
func (v *Verifier) notifyConfirmed(ctx context.Context, b *model.Booking, confirmedAt time.Time) {
	if v.notifier == nil || b.ContactEmail == nil {
		return
	}
	title := ""
	if stay, err := v.stays.GetByID(ctx, b.StayID); err == nil {
		title = stay.Title
	}
	ev := queue.ConfirmationEvent{
		BookingID:   b.BookingID,
		Recipient:   *b.ContactEmail,
		StayTitle:   title,
		ConfirmedAt: confirmedAt.Format(time.RFC3339),
	}
	if b.PaymentAmount != nil {
		ev.Amount = *b.PaymentAmount
	}
	if b.PaymentToken != nil {
		ev.Token = string(*b.PaymentToken)
	}
	if b.TxHash != nil {
		ev.TxHash = *b.TxHash
	}
	if b.ChainID != nil {
		ev.ChainID = *b.ChainID
	}
	if err := v.notifier.PublishConfirmation(ctx, ev); err != nil {
		log.Printf("verifier: booking %s: confirmation notify failed: %v", b.BookingID, err)
	}
}

// fail resolves the booking to FAILED, clears the payment lock so the
// guest can retry with fresh details, and records the specific reason.
func (v *Verifier) fail(ctx context.Context, job Job, reason FailureReason) {
	if _, err := v.bookings.FailAndUnlock(ctx, job.BookingID, job.TxHash); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			log.Printf("verifier: booking %s changed during verification: %v", job.BookingID, err)
			return
		}
		log.Printf("verifier: booking %s: fail write failed: %v", job.BookingID, err)
		return
	}
	if err := v.activity.Append(ctx, job.BookingID, model.ActionPaymentFailed, map[string]any{
		"reason":   string(reason),
		"tx_hash":  job.TxHash,
		"chain_id": job.ChainID,
	}); err != nil {
		log.Printf("verifier: booking %s: activity append failed: %v", job.BookingID, err)
	}
	monitoring.TrackVerification(string(reason))
}
