package booking

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranohaus/booking/internal/chain"
	"github.com/veranohaus/booking/internal/model"
	"github.com/veranohaus/booking/internal/queue"
	"github.com/veranohaus/booking/internal/repository"
	"github.com/veranohaus/booking/internal/verifier"
)

// memStore is an in-memory ledger with the same conditional-update
// semantics as the MySQL repository: every transition checks its guard
// under one mutex and reports ErrConflict when the guard no longer
// holds.  Concurrency tests hammer it from many goroutines.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*model.Booking // by booking_id
	byPair   map[[2]uint64]string      // (user, stay) -> booking_id
	usedhash map[string]bool
	activity []model.ActivityLog
	stays    map[uint64]*model.Stay
	nextID   uint64
}

func newMemStore() *memStore {
	usdc := "300"
	return &memStore{
		rows:     make(map[string]*model.Booking),
		byPair:   make(map[[2]uint64]string),
		usedhash: make(map[string]bool),
		stays: map[uint64]*model.Stay{
			7: {ID: 7, Title: "Spring Residency", Slots: 24, RoomPriceUSDC: &usdc},
		},
	}
}

func copyBooking(b *model.Booking) *model.Booking {
	c := *b
	copyStr := func(p **string) {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	copyStr(&c.ContactEmail)
	copyStr(&c.RoomName)
	copyStr(&c.PaymentAmount)
	copyStr(&c.AmountBaseUnits)
	copyStr(&c.TxHash)
	if c.PaymentToken != nil {
		v := *c.PaymentToken
		c.PaymentToken = &v
	}
	if c.ChainID != nil {
		v := *c.ChainID
		c.ChainID = &v
	}
	if c.ConfirmedAt != nil {
		v := *c.ConfirmedAt
		c.ConfirmedAt = &v
	}
	if c.ExpiresAt != nil {
		v := *c.ExpiresAt
		c.ExpiresAt = &v
	}
	return &c
}

func (m *memStore) GetByBookingID(_ context.Context, id string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyBooking(b), nil
}

func (m *memStore) GetByUserAndStay(_ context.Context, userID, stayID uint64) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPair[[2]uint64{userID, stayID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyBooking(m.rows[id]), nil
}

func (m *memStore) Create(_ context.Context, bookingID string, userID, stayID uint64, contactEmail, roomName *string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair := [2]uint64{userID, stayID}
	if _, exists := m.byPair[pair]; exists {
		return nil, repository.ErrDuplicateBooking
	}
	m.nextID++
	now := time.Now().UTC()
	b := &model.Booking{
		ID: m.nextID, BookingID: bookingID, UserID: userID, StayID: stayID,
		Status: model.StatusWaitlisted, ContactEmail: contactEmail, RoomName: roomName,
		CreatedAt: now, UpdatedAt: now,
	}
	m.rows[bookingID] = b
	m.byPair[pair] = bookingID
	return copyBooking(b), nil
}

// update applies fn when guard passes, mirroring execConditional's
// NotFound/Conflict split.
func (m *memStore) update(id string, guard func(*model.Booking) bool, fn func(*model.Booking)) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !guard(b) {
		return nil, repository.ErrConflict
	}
	fn(b)
	b.UpdatedAt = time.Now().UTC()
	return copyBooking(b), nil
}

func (m *memStore) ResetForReapplication(_ context.Context, id string, contactEmail, roomName *string) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool { return b.Status.Terminal() },
		func(b *model.Booking) {
			b.Status = model.StatusWaitlisted
			if contactEmail != nil {
				b.ContactEmail = contactEmail
			}
			b.RoomName = roomName
			b.PaymentToken, b.PaymentAmount, b.AmountBaseUnits, b.ChainID = nil, nil, nil, nil
			b.TxHash, b.ConfirmedAt, b.ExpiresAt = nil, nil, nil
		})
}

func (m *memStore) Approve(_ context.Context, id string, expiresAt time.Time) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool { return b.Status == model.StatusWaitlisted },
		func(b *model.Booking) {
			b.Status = model.StatusPending
			e := expiresAt
			b.ExpiresAt = &e
		})
}

func (m *memStore) LockPayment(_ context.Context, id string, token model.PaymentToken, amount, baseUnits string, chainID uint64) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool { return b.Status == model.StatusPending && b.PaymentToken == nil },
		func(b *model.Booking) {
			t, a, u, c := token, amount, baseUnits, chainID
			b.PaymentToken, b.PaymentAmount, b.AmountBaseUnits, b.ChainID = &t, &a, &u, &c
			b.TxHash, b.ConfirmedAt = nil, nil
		})
}

func (m *memStore) AttachTxHash(_ context.Context, id, txHash string) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool {
			return b.Status == model.StatusPending && b.PaymentToken != nil && b.TxHash == nil
		},
		func(b *model.Booking) {
			h := txHash
			b.TxHash = &h
		})
}

func (m *memStore) Confirm(_ context.Context, id, txHash string, confirmedAt time.Time) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool {
			return b.Status == model.StatusPending && b.TxHash != nil && *b.TxHash == txHash
		},
		func(b *model.Booking) {
			b.Status = model.StatusConfirmed
			t := confirmedAt
			b.ConfirmedAt = &t
		})
}

func (m *memStore) FailAndUnlock(_ context.Context, id, txHash string) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool {
			return b.Status == model.StatusPending && b.TxHash != nil && *b.TxHash == txHash
		},
		func(b *model.Booking) {
			b.Status = model.StatusFailed
			b.PaymentToken, b.PaymentAmount, b.AmountBaseUnits, b.ChainID = nil, nil, nil, nil
			b.TxHash, b.ConfirmedAt = nil, nil
		})
}

func (m *memStore) Cancel(_ context.Context, id string) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool {
			return b.Status == model.StatusWaitlisted ||
				(b.Status == model.StatusPending && b.TxHash == nil)
		},
		func(b *model.Booking) { b.Status = model.StatusCancelled })
}

func (m *memStore) Expire(_ context.Context, id string) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool { return b.Status == model.StatusPending && b.TxHash == nil },
		func(b *model.Booking) {
			b.Status = model.StatusExpired
			b.PaymentToken, b.PaymentAmount, b.AmountBaseUnits, b.ChainID = nil, nil, nil, nil
		})
}

func (m *memStore) MarkRefunded(_ context.Context, id string) (*model.Booking, error) {
	return m.update(id,
		func(b *model.Booking) bool { return b.Status == model.StatusConfirmed },
		func(b *model.Booking) { b.Status = model.StatusRefunded })
}

func (m *memStore) GetByID(_ context.Context, id uint64) (*model.Stay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stays[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *memStore) Append(_ context.Context, bookingID, action string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, model.ActivityLog{
		ID: uint64(len(m.activity) + 1), BookingID: bookingID, Action: action,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memStore) ListByBooking(_ context.Context, bookingID string) ([]model.ActivityLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ActivityLog
	for _, e := range m.activity {
		if e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) actions(bookingID, action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.activity {
		if e.BookingID == bookingID && e.Action == action {
			n++
		}
	}
	return n
}

func (m *memStore) Reserve(_ context.Context, txHash, _ string, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(txHash)
	if m.usedhash[key] {
		return repository.ErrHashAlreadyUsed
	}
	m.usedhash[key] = true
	return nil
}

type captureScheduler struct {
	mu   sync.Mutex
	jobs []verifier.Job
}

func (c *captureScheduler) Schedule(job verifier.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []queue.ApprovalEvent
	err    error
}

func (c *captureNotifier) PublishApproval(_ context.Context, ev queue.ApprovalEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

const (
	testChainID  = uint64(42161)
	testUSDCAddr = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	testTreasury = "0x1111111111111111111111111111111111111111"
)

func testRegistry() *chain.Registry {
	return chain.New(map[uint64]chain.ChainConfig{
		testChainID: {
			Name:          "arbitrum-one",
			RPCURL:        "http://localhost:8545",
			Confirmations: 1,
			Tokens: map[model.PaymentToken]chain.TokenConfig{
				model.TokenUSDC: {Address: common.HexToAddress(testUSDCAddr), Decimals: 6},
				model.TokenUSDT: {Address: common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"), Decimals: 6},
			},
		},
	}, common.HexToAddress(testTreasury))
}

func newTestService(t *testing.T) (*Service, *memStore, *captureScheduler, *captureNotifier) {
	t.Helper()
	store := newMemStore()
	sched := &captureScheduler{}
	notif := &captureNotifier{}
	svc := New(store, store, store, store, testRegistry(), notif, sched, "http://pay.local/")
	return svc, store, sched, notif
}

// assertPaymentGroup checks the all-or-nothing coupling of the four
// payment lock fields.
func assertPaymentGroup(t *testing.T, b *model.Booking) {
	t.Helper()
	set := 0
	for _, ok := range []bool{
		b.PaymentToken != nil, b.PaymentAmount != nil,
		b.AmountBaseUnits != nil, b.ChainID != nil,
	} {
		if ok {
			set++
		}
	}
	require.Contains(t, []int{0, 4}, set,
		"payment fields must be all nil or all set, got %d of 4 on status %s", set, b.Status)
}

func email(s string) *string { return &s }

func TestApplyCreatesWaitlistedBooking(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	b, err := svc.Apply(context.Background(), 1, 7, email("guest@example.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlisted, b.Status)
	assert.NotEmpty(t, b.BookingID)
	assertPaymentGroup(t, b)
	assert.Equal(t, 1, store.actions(b.BookingID, model.ActionApplied))
}

func TestApplyUnknownStay(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Apply(context.Background(), 1, 999, nil, nil)
	assert.ErrorIs(t, err, ErrStayNotFound)
}

func TestApplyRejectsActiveDuplicate(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, nil, nil)
	require.NoError(t, err)

	_, err = svc.Apply(ctx, 1, 7, nil, nil)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusWaitlisted, ise.Current)

	// Still blocked once payable.
	_, _, err = svc.Approve(ctx, b.BookingID, 60)
	require.NoError(t, err)
	_, err = svc.Apply(ctx, 1, 7, nil, nil)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusPending, ise.Current)
}

func TestReapplyAfterTerminalReusesRow(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, email("a@example.com"), nil)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, b.BookingID)
	require.NoError(t, err)

	again, err := svc.Apply(ctx, 1, 7, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, b.BookingID, again.BookingID, "terminal row is reused, not replaced")
	assert.Equal(t, model.StatusWaitlisted, again.Status)
	require.NotNil(t, again.ContactEmail)
	assert.Equal(t, "a@example.com", *again.ContactEmail, "email persists when re-application omits one")
	assertPaymentGroup(t, again)
}

func TestApproveOpensPaymentWindow(t *testing.T) {
	svc, _, _, notif := newTestService(t)
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, email("guest@example.com"), nil)
	require.NoError(t, err)

	approved, warning, err := svc.Approve(ctx, b.BookingID, 90)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, model.StatusPending, approved.Status)
	require.NotNil(t, approved.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(90*time.Minute), *approved.ExpiresAt, 5*time.Second)

	require.Len(t, notif.events, 1)
	ev := notif.events[0]
	assert.Equal(t, "guest@example.com", ev.Recipient)
	assert.Equal(t, "http://pay.local/pay/"+b.BookingID, ev.PaymentURL)
	assert.Equal(t, "Spring Residency", ev.StayTitle)
}

func TestApproveSurvivesNotifierOutage(t *testing.T) {
	svc, _, _, notif := newTestService(t)
	notif.err = assert.AnError
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, email("guest@example.com"), nil)
	require.NoError(t, err)

	approved, warning, err := svc.Approve(ctx, b.BookingID, 60)
	require.NoError(t, err, "a dead broker must not roll back the approval")
	assert.Equal(t, model.StatusPending, approved.Status)
	assert.NotEmpty(t, warning)
}

func TestApproveWrongState(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, nil, nil)
	require.NoError(t, err)
	_, _, err = svc.Approve(ctx, b.BookingID, 60)
	require.NoError(t, err)

	_, _, err = svc.Approve(ctx, b.BookingID, 60)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusPending, ise.Current)
}

func approvedBooking(t *testing.T, svc *Service) *model.Booking {
	t.Helper()
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, email("guest@example.com"), nil)
	require.NoError(t, err)
	approved, _, err := svc.Approve(ctx, b.BookingID, 60)
	require.NoError(t, err)
	return approved
}

func TestLockPaymentConvertsToBaseUnits(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	b := approvedBooking(t, svc)

	locked, err := svc.LockPayment(context.Background(), b.BookingID, "USDC", "300", testChainID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, locked.Status)
	require.True(t, locked.PaymentLocked())
	assert.Equal(t, "300", *locked.PaymentAmount)
	assert.Equal(t, "300000000", *locked.AmountBaseUnits)
	assert.Equal(t, testChainID, *locked.ChainID)
	assertPaymentGroup(t, locked)
}

func TestLockPaymentIdempotentRepeat(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	b := approvedBooking(t, svc)
	ctx := context.Background()

	_, err := svc.LockPayment(ctx, b.BookingID, "USDC", "300", testChainID)
	require.NoError(t, err)
	// Same details again, with cosmetic decimal difference.
	again, err := svc.LockPayment(ctx, b.BookingID, "USDC", "300.0", testChainID)
	require.NoError(t, err)
	assert.Equal(t, "300", *again.PaymentAmount)
	assert.Equal(t, 1, store.actions(b.BookingID, model.ActionPaymentLocked),
		"idempotent re-lock must not add a second activity entry")
}

func TestLockPaymentRejectsConflictingRelock(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	b := approvedBooking(t, svc)
	ctx := context.Background()

	_, err := svc.LockPayment(ctx, b.BookingID, "USDC", "300", testChainID)
	require.NoError(t, err)

	var ise *InvalidStateError
	_, err = svc.LockPayment(ctx, b.BookingID, "USDT", "300", testChainID)
	assert.ErrorAs(t, err, &ise)
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "301", testChainID)
	assert.ErrorAs(t, err, &ise)
}

func TestLockPaymentValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	b := approvedBooking(t, svc)
	ctx := context.Background()

	_, err := svc.LockPayment(ctx, b.BookingID, "DAI", "300", testChainID)
	assert.ErrorIs(t, err, ErrUnsupportedToken)
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "300", 1)
	assert.ErrorIs(t, err, ErrUnsupportedChain)
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "-5", testChainID)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "0", testChainID)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "not-a-number", testChainID)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	// Seven fractional digits cannot be represented in six-decimal base units.
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "1.0000001", testChainID)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLockPaymentBeforeApproval(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	b, err := svc.Apply(ctx, 1, 7, nil, nil)
	require.NoError(t, err)

	var ise *InvalidStateError
	_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "300", testChainID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusWaitlisted, ise.Current)
}

const testHash = "0x4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func lockedBooking(t *testing.T, svc *Service) *model.Booking {
	t.Helper()
	b := approvedBooking(t, svc)
	locked, err := svc.LockPayment(context.Background(), b.BookingID, "USDC", "300", testChainID)
	require.NoError(t, err)
	return locked
}

func TestSubmitPaymentSchedulesVerification(t *testing.T) {
	svc, store, sched, _ := newTestService(t)
	b := lockedBooking(t, svc)

	updated, err := svc.SubmitPayment(context.Background(), b.BookingID, testHash, testChainID, "USDC")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.Status)
	require.NotNil(t, updated.TxHash)
	assert.True(t, updated.Verifying())

	require.Len(t, sched.jobs, 1)
	job := sched.jobs[0]
	assert.Equal(t, b.BookingID, job.BookingID)
	assert.Equal(t, testHash, job.TxHash)
	assert.Equal(t, "300000000", job.AmountBaseUnits)
	assert.Equal(t, 1, store.actions(b.BookingID, model.ActionTxSubmitted))
}

func TestSubmitPaymentNormalizesCase(t *testing.T) {
	svc, _, sched, _ := newTestService(t)
	b := lockedBooking(t, svc)

	upper := "0x" + strings.ToUpper(testHash[2:])
	updated, err := svc.SubmitPayment(context.Background(), b.BookingID, upper, testChainID, "USDC")
	require.NoError(t, err)
	assert.Equal(t, testHash, *updated.TxHash)
	require.Len(t, sched.jobs, 1)
	assert.Equal(t, testHash, sched.jobs[0].TxHash)
}

func TestSubmitPaymentValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	b := lockedBooking(t, svc)
	ctx := context.Background()

	_, err := svc.SubmitPayment(ctx, b.BookingID, "0xdeadbeef", testChainID, "USDC")
	assert.ErrorIs(t, err, ErrInvalidTxHash)
	_, err = svc.SubmitPayment(ctx, b.BookingID, testHash, testChainID, "USDT")
	assert.ErrorIs(t, err, ErrTokenMismatch)
	var ise *InvalidStateError
	_, err = svc.SubmitPayment(ctx, b.BookingID, testHash, 8453, "USDC")
	assert.ErrorAs(t, err, &ise, "chain differing from the lock is a state conflict")
	_, err = svc.SubmitPayment(ctx, "no-such-booking", testHash, testChainID, "USDC")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestSubmitPaymentRejectsSecondHash(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	b := lockedBooking(t, svc)
	ctx := context.Background()

	_, err := svc.SubmitPayment(ctx, b.BookingID, testHash, testChainID, "USDC")
	require.NoError(t, err)

	other := "0x" + strings.Repeat("ab", 32)
	var ise *InvalidStateError
	_, err = svc.SubmitPayment(ctx, b.BookingID, other, testChainID, "USDC")
	require.ErrorAs(t, err, &ise)
}

// TestSubmitPaymentReplaySafety races 100 bookings submitting the same
// transaction hash.  Exactly one submission may claim it; the guard must
// hold without any in-process coordination beyond the reservation insert.
func TestSubmitPaymentReplaySafety(t *testing.T) {
	svc, store, sched, _ := newTestService(t)
	ctx := context.Background()

	const trials = 100
	ids := make([]string, trials)
	for i := 0; i < trials; i++ {
		b, err := svc.Apply(ctx, uint64(i+1), 7, nil, nil)
		require.NoError(t, err)
		_, _, err = svc.Approve(ctx, b.BookingID, 60)
		require.NoError(t, err)
		_, err = svc.LockPayment(ctx, b.BookingID, "USDC", "300", testChainID)
		require.NoError(t, err)
		ids[i] = b.BookingID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	replayed := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.SubmitPayment(ctx, id, testHash, testChainID, "USDC")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrTransactionAlreadyUsed):
				replayed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one booking may consume a hash")
	assert.Equal(t, trials-1, replayed)
	assert.Len(t, sched.jobs, 1, "only the winning submission schedules verification")

	// Losing bookings stay locked and payable with a different hash.
	for _, id := range ids {
		b, err := store.GetByBookingID(ctx, id)
		require.NoError(t, err)
		assertPaymentGroup(t, b)
	}
}

func TestCancelAndExpire(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.Apply(ctx, 1, 7, nil, nil)
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	b2, err := svc.Apply(ctx, 2, 7, nil, nil)
	require.NoError(t, err)
	_, _, err = svc.Approve(ctx, b2.BookingID, 1)
	require.NoError(t, err)
	_, err = svc.LockPayment(ctx, b2.BookingID, "USDC", "300", testChainID)
	require.NoError(t, err)
	expired, err := svc.Expire(ctx, b2.BookingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, expired.Status)
	assertPaymentGroup(t, expired)
}

func TestCancelBlockedWhileVerifying(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	b := lockedBooking(t, svc)
	_, err := svc.SubmitPayment(ctx, b.BookingID, testHash, testChainID, "USDC")
	require.NoError(t, err)

	var ise *InvalidStateError
	_, err = svc.Cancel(ctx, b.BookingID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusPending, ise.Current)
}

func TestRefundRequiresConfirmed(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	b := lockedBooking(t, svc)

	var ise *InvalidStateError
	_, err := svc.MarkRefunded(ctx, b.BookingID)
	require.ErrorAs(t, err, &ise)

	_, err = svc.SubmitPayment(ctx, b.BookingID, testHash, testChainID, "USDC")
	require.NoError(t, err)
	_, err = store.Confirm(ctx, b.BookingID, testHash, time.Now().UTC())
	require.NoError(t, err)

	refunded, err := svc.MarkRefunded(ctx, b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.PaymentAmount, "refund keeps payment fields for the audit trail")
}

// TestReapplyAfterFailedVerification drives the full retry story: a
// failed payment burns its hash but frees the guest to re-apply, lock
// fresh details and pay with a new transaction.
func TestReapplyAfterFailedVerification(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	b := lockedBooking(t, svc)

	_, err := svc.SubmitPayment(ctx, b.BookingID, testHash, testChainID, "USDC")
	require.NoError(t, err)
	_, err = store.FailAndUnlock(ctx, b.BookingID, testHash)
	require.NoError(t, err)

	failed, err := svc.Get(ctx, b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Nil(t, failed.TxHash)
	assertPaymentGroup(t, failed)

	again, err := svc.Apply(ctx, 1, 7, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, b.BookingID, again.BookingID)
	_, _, err = svc.Approve(ctx, again.BookingID, 60)
	require.NoError(t, err)
	_, err = svc.LockPayment(ctx, again.BookingID, "USDT", "310", testChainID)
	require.NoError(t, err)

	// The burned hash stays burned across the retry.
	_, err = svc.SubmitPayment(ctx, again.BookingID, testHash, testChainID, "USDT")
	assert.ErrorIs(t, err, ErrTransactionAlreadyUsed)

	fresh := "0x" + strings.Repeat("cd", 32)
	verifying, err := svc.SubmitPayment(ctx, again.BookingID, fresh, testChainID, "USDT")
	require.NoError(t, err)
	assert.True(t, verifying.Verifying())
}

// TestEndToEndConfirmation runs the whole happy path with a real
// verifier worker against a stubbed chain: apply, approve, lock 300
// USDC on Arbitrum, submit, verify the transfer log, confirm.
func TestEndToEndConfirmation(t *testing.T) {
	store := newMemStore()
	reg := testRegistry()

	source := &stubReceiptSource{
		receipt: transferReceipt(testUSDCAddr, testTreasury, "300000000"),
	}
	v := verifier.New(store, store, store, reg, source, nil, verifier.Config{
		Attempts: 3, Delay: time.Millisecond, AttemptTimeout: time.Second,
		Workers: 1, QueueSize: 8,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v.Start(ctx)

	svc := New(store, store, store, store, reg, nil, v, "http://pay.local")

	b, err := svc.Apply(ctx, 1, 7, email("guest@example.com"), nil)
	require.NoError(t, err)
	_, _, err = svc.Approve(ctx, b.BookingID, 60)
	require.NoError(t, err)
	locked, err := svc.LockPayment(ctx, b.BookingID, "USDC", "300", testChainID)
	require.NoError(t, err)
	require.Equal(t, "300000000", *locked.AmountBaseUnits)

	submitted, err := svc.SubmitPayment(ctx, b.BookingID, testHash, testChainID, "USDC")
	require.NoError(t, err)
	assert.True(t, submitted.Verifying())

	require.Eventually(t, func() bool {
		cur, err := svc.Get(ctx, b.BookingID)
		return err == nil && cur.Status == model.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	confirmed, err := svc.Get(ctx, b.BookingID)
	require.NoError(t, err)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, testHash, *confirmed.TxHash)
	assertPaymentGroup(t, confirmed)
	assert.Equal(t, 1, store.actions(b.BookingID, model.ActionPaymentConfirmed))

	cancel()
	v.Wait()
}

// stubReceiptSource hands back one canned receipt for every lookup.
type stubReceiptSource struct {
	receipt *types.Receipt
}

func (s *stubReceiptSource) TransactionReceipt(context.Context, uint64, common.Hash) (*types.Receipt, error) {
	return s.receipt, nil
}

func (s *stubReceiptSource) BlockNumber(context.Context, uint64) (uint64, error) {
	return 1_000_000, nil
}

// transferReceipt builds a successful receipt holding one token transfer
// log of the given base-unit amount from the token contract to the
// recipient.
func transferReceipt(tokenAddr, to, baseUnits string) *types.Receipt {
	amount, _ := new(big.Int).SetString(baseUnits, 10)
	topic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(999_000),
		Logs: []*types.Log{{
			Address: common.HexToAddress(tokenAddr),
			Topics: []common.Hash{
				topic,
				common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
				common.BytesToHash(common.HexToAddress(to).Bytes()),
			},
			Data: common.LeftPadBytes(amount.Bytes(), 32),
		}},
	}
}
