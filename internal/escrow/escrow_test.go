package escrow_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/booking"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/escrow"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerdomain "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
)

func inr(paise int64) money.Money {
	return money.New(paise, money.INR)
}

type fakeTxns struct {
	mu    sync.Mutex
	order []string
	txns  map[string]*ledgerdomain.Transaction
}

func newFakeTxns(txns ...*ledgerdomain.Transaction) *fakeTxns {
	f := &fakeTxns{txns: make(map[string]*ledgerdomain.Transaction)}
	for _, t := range txns {
		f.put(t)
	}
	return f
}

func (f *fakeTxns) put(t *ledgerdomain.Transaction) {
	cp := *t
	f.txns[t.ID] = &cp
	f.order = append(f.order, t.ID)
}

func (f *fakeTxns) Create(_ context.Context, txn *ledgerdomain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txns[txn.ID]; ok {
		return database.ErrAlreadyExists
	}
	f.put(txn)
	return nil
}

func (f *fakeTxns) Get(_ context.Context, id string) (*ledgerdomain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTxns) ListByTripID(_ context.Context, tripID string) ([]*ledgerdomain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledgerdomain.Transaction
	for _, id := range f.order {
		if t := f.txns[id]; t.TripID == tripID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTxns) ListCollectionsByTripAndStatus(_ context.Context, tripID string, status ledgerdomain.Status) ([]*ledgerdomain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledgerdomain.Transaction
	for _, id := range f.order {
		t := f.txns[id]
		if t.TripID == tripID && t.Type == ledgerdomain.TypeCollection && t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTxns) GetAdvanceByTripID(_ context.Context, tripID string) (*ledgerdomain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		t := f.txns[f.order[i]]
		if t.TripID == tripID && t.Type == ledgerdomain.TypeAdvance {
			cp := *t
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeTxns) Transition(_ context.Context, txn *ledgerdomain.Transaction, from ledgerdomain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.txns[txn.ID]
	if !ok || cur.Status != from {
		return fmt.Errorf("transaction %s is no longer %s: %w", txn.ID, from, ledgerdomain.ErrInvalidTransition)
	}
	cp := *txn
	f.txns[txn.ID] = &cp
	return nil
}

type fakeTrips struct {
	mu    sync.Mutex
	trips map[string]*booking.Trip
}

func (f *fakeTrips) GetTrip(_ context.Context, id string) (*booking.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trips[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTrips) TransitionTrip(_ context.Context, tripID string, from, to booking.TripStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.trips[tripID]
	if t.Status != from {
		return fmt.Errorf("trip %s is not %s: %w", tripID, from, database.ErrConflict)
	}
	t.Status = to
	return nil
}

func (f *fakeTrips) SetAdvanceTransaction(_ context.Context, tripID, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trips[tripID].Payment.AdvanceTransactionID = txnID
	return nil
}

func (f *fakeTrips) ReleaseVault(_ context.Context, tripID, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.trips[tripID]
	if t.Payment.VaultStatus != booking.VaultLocked {
		return fmt.Errorf("vault for trip %s is not locked: %w", tripID, database.ErrConflict)
	}
	t.Payment.VaultStatus = booking.VaultReleased
	t.Payment.VaultTransactionID = txnID
	return nil
}

type fakePayout struct {
	mu       sync.Mutex
	err      error
	requests []gateway.PayoutRequest
}

func (f *fakePayout) CreatePayout(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &gateway.PayoutResult{PayoutID: req.PayoutID, Status: "processed", UTR: "AXIS000123"}, nil
}

type fakeWallet struct {
	mu       sync.Mutex
	locked   map[string]bool
	unlocked []string
}

func (f *fakeWallet) UnlockByReference(_ context.Context, userID, referenceID string) (*wallet.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "|" + referenceID
	if !f.locked[key] {
		return nil, fmt.Errorf("no locked entry for %s: %w", referenceID, database.ErrNotFound)
	}
	delete(f.locked, key)
	f.unlocked = append(f.unlocked, referenceID)
	return &wallet.Entry{ID: "we_1", UserID: userID, ReferenceID: referenceID}, nil
}

type fakeSettler struct {
	calls int
	fn    func(tripID string)
}

func (f *fakeSettler) SettleTrip(_ context.Context, tripID string) error {
	f.calls++
	if f.fn != nil {
		f.fn(tripID)
	}
	return nil
}

type fixture struct {
	txns    *fakeTxns
	trips   *fakeTrips
	gateway *fakePayout
	wallet  *fakeWallet
	settler *fakeSettler
	sched   *escrow.Scheduler
}

func newFixture(trip *booking.Trip, txns ...*ledgerdomain.Transaction) *fixture {
	f := &fixture{
		txns:    newFakeTxns(txns...),
		trips:   &fakeTrips{trips: map[string]*booking.Trip{trip.ID: trip}},
		gateway: &fakePayout{},
		settler: &fakeSettler{},
		wallet:  &fakeWallet{locked: make(map[string]bool)},
	}
	if trip.Payment.DriverAdvance.IsPositive() {
		f.wallet.locked[trip.DriverID+"|"+wallet.TripAdvanceRef(trip.ID)] = true
	}
	if trip.Payment.VaultAmount.IsPositive() {
		f.wallet.locked[trip.DriverID+"|"+wallet.TripVaultRef(trip.ID)] = true
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sched = escrow.NewScheduler(f.txns, f.trips, f.gateway, f.wallet, f.settler, nil, logger)
	return f
}

func settledTrip() *booking.Trip {
	return &booking.Trip{
		ID:       "trip_1",
		DriverID: "drv_1",
		DriverAccount: gateway.PayoutAccount{
			HolderName: "Asha K",
			VPA:        "asha@upi",
		},
		Status: booking.TripScheduled,
		Payment: booking.TripPayment{
			TotalCollected:     inr(100000),
			PlatformCommission: inr(12000),
			DriverAdvance:      inr(61600),
			VaultAmount:        inr(26400),
			VaultStatus:        booking.VaultLocked,
		},
	}
}

func newAdvance(t *testing.T, id string, amount int64) *ledgerdomain.Transaction {
	t.Helper()
	txn, err := ledgerdomain.NewTransaction(id, "", "", "trip_1", "drv_1", ledgerdomain.TypeAdvance, inr(amount))
	require.NoError(t, err)
	txn.Metadata["stage"] = string(escrow.StageAdvance)
	return txn
}

func TestOnTripStartPaysAdvance(t *testing.T) {
	f := newFixture(settledTrip())

	res, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, escrow.StageAdvance, res.Stage)
	require.Equal(t, inr(61600), res.Amount)
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)
	require.True(t, strings.HasPrefix(res.PayoutID, "PO-"))
	require.Equal(t, "AXIS000123", res.UTR)

	trip := f.trips.trips["trip_1"]
	require.Equal(t, booking.TripInProgress, trip.Status)
	require.Equal(t, res.TransactionID, trip.Payment.AdvanceTransactionID)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	require.Equal(t, inr(61600), req.Amount)
	require.Equal(t, "asha@upi", req.Account.VPA)
	require.Equal(t, "trip advance", req.Narration)

	txn, err := f.txns.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.TypeAdvance, txn.Type)
	require.Equal(t, ledgerdomain.StatusCompleted, txn.Status)
	require.Equal(t, "drv_1", txn.UserID)
	require.Equal(t, res.PayoutID, txn.GatewayPayoutID)

	require.Equal(t, []string{wallet.TripAdvanceRef("trip_1")}, f.wallet.unlocked)
}

func TestOnTripStartBlocksOpenCollections(t *testing.T) {
	for _, status := range []ledgerdomain.Status{ledgerdomain.StatusPending, ledgerdomain.StatusAuthorized} {
		t.Run(string(status), func(t *testing.T) {
			open, err := ledgerdomain.NewTransaction("txn_1", "ord_1", "bk_1", "trip_1", "usr_1", ledgerdomain.TypeCollection, inr(50000))
			require.NoError(t, err)
			if status == ledgerdomain.StatusAuthorized {
				require.NoError(t, open.MarkAuthorized("pay_1", "upi"))
			}

			f := newFixture(settledTrip(), open)
			_, err = f.sched.OnTripStart(context.Background(), "trip_1")
			require.ErrorIs(t, err, escrow.ErrCollectionIncomplete)
			require.Equal(t, booking.TripScheduled, f.trips.trips["trip_1"].Status)
			require.Empty(t, f.gateway.requests)
		})
	}
}

func TestOnTripStartComputesSplitWhenAbsent(t *testing.T) {
	trip := settledTrip()
	trip.Payment = booking.TripPayment{VaultStatus: booking.VaultLocked}

	f := newFixture(trip)
	f.wallet.locked["drv_1|"+wallet.TripAdvanceRef("trip_1")] = true
	f.settler.fn = func(tripID string) {
		p := &f.trips.trips[tripID].Payment
		p.TotalCollected = inr(100000)
		p.PlatformCommission = inr(12000)
		p.DriverAdvance = inr(61600)
		p.VaultAmount = inr(26400)
	}

	res, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, 1, f.settler.calls)
	require.Equal(t, inr(61600), res.Amount)
	require.Equal(t, booking.TripInProgress, f.trips.trips["trip_1"].Status)
}

func TestOnTripStartNothingCollected(t *testing.T) {
	trip := settledTrip()
	trip.Payment = booking.TripPayment{VaultStatus: booking.VaultLocked}

	f := newFixture(trip)
	_, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.ErrorIs(t, err, escrow.ErrCollectionIncomplete)
	require.Equal(t, 1, f.settler.calls)
	require.Equal(t, booking.TripScheduled, f.trips.trips["trip_1"].Status)
}

func TestOnTripStartIdempotentRepeat(t *testing.T) {
	f := newFixture(settledTrip())

	first, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)

	second, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, ledgerdomain.StatusCompleted, second.Status)
	require.Len(t, f.gateway.requests, 1)
}

func TestOnTripStartRetriesFailedPayout(t *testing.T) {
	f := newFixture(settledTrip())
	f.gateway.err = gateway.ErrUnavailable

	_, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	trip := f.trips.trips["trip_1"]
	require.Equal(t, booking.TripInProgress, trip.Status)
	failedID := trip.Payment.AdvanceTransactionID
	require.NotEmpty(t, failedID)

	failed, err := f.txns.Get(context.Background(), failedID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusFailed, failed.Status)
	require.Equal(t, "PAYOUT_FAILED", failed.FailureCode)

	f.gateway.err = nil
	res, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)
	require.NotEqual(t, failedID, res.TransactionID)
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)
	require.Equal(t, res.TransactionID, f.trips.trips["trip_1"].Payment.AdvanceTransactionID)
	require.Len(t, f.gateway.requests, 1)

	// The failed attempt stays on the books.
	_, err = f.txns.Get(context.Background(), failedID)
	require.NoError(t, err)
}

func TestOnTripCompleteRequiresAdvance(t *testing.T) {
	trip := settledTrip()
	trip.Status = booking.TripInProgress

	f := newFixture(trip)
	_, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.ErrorIs(t, err, escrow.ErrAdvanceNotYetPaid)
	require.Equal(t, booking.TripInProgress, f.trips.trips["trip_1"].Status)
	require.Empty(t, f.gateway.requests)
}

func TestOnTripCompleteRequiresCompletedAdvance(t *testing.T) {
	trip := settledTrip()
	trip.Status = booking.TripInProgress

	failed := newAdvance(t, "txn_adv", 61600)
	require.NoError(t, failed.MarkFailed("PAYOUT_FAILED", "gateway down"))

	f := newFixture(trip, failed)
	_, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.ErrorIs(t, err, escrow.ErrAdvanceNotYetPaid)
}

func TestOnTripCompletePaysVault(t *testing.T) {
	f := newFixture(settledTrip())

	_, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)

	res, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, escrow.StageVault, res.Stage)
	require.Equal(t, inr(26400), res.Amount)
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)

	trip := f.trips.trips["trip_1"]
	require.Equal(t, booking.TripCompleted, trip.Status)
	require.Equal(t, booking.VaultReleased, trip.Payment.VaultStatus)
	require.Equal(t, res.TransactionID, trip.Payment.VaultTransactionID)

	require.Len(t, f.gateway.requests, 2)
	require.Equal(t, "trip vault release", f.gateway.requests[1].Narration)

	txn, err := f.txns.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.TypePayout, txn.Type)

	require.Equal(t, []string{
		wallet.TripAdvanceRef("trip_1"),
		wallet.TripVaultRef("trip_1"),
	}, f.wallet.unlocked)
}

func TestOnTripCompleteIdempotentRepeat(t *testing.T) {
	f := newFixture(settledTrip())

	_, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)
	first, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.NoError(t, err)

	second, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Len(t, f.gateway.requests, 2)
}

func TestOnTripCompleteRetriesFailedVaultPayout(t *testing.T) {
	f := newFixture(settledTrip())

	_, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)

	f.gateway.err = gateway.ErrUnavailable
	_, err = f.sched.OnTripComplete(context.Background(), "trip_1")
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	trip := f.trips.trips["trip_1"]
	require.Equal(t, booking.TripCompleted, trip.Status)
	require.Equal(t, booking.VaultLocked, trip.Payment.VaultStatus)

	f.gateway.err = nil
	res, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)
	require.Equal(t, booking.VaultReleased, f.trips.trips["trip_1"].Payment.VaultStatus)
	require.Equal(t, res.TransactionID, f.trips.trips["trip_1"].Payment.VaultTransactionID)
}

func TestZeroVaultStageSkipsGateway(t *testing.T) {
	trip := settledTrip()
	trip.Payment.DriverAdvance = inr(88000)
	trip.Payment.VaultAmount = inr(0)

	f := newFixture(trip)
	_, err := f.sched.OnTripStart(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Len(t, f.gateway.requests, 1)

	res, err := f.sched.OnTripComplete(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)
	require.True(t, res.Amount.IsZero())
	require.Len(t, f.gateway.requests, 1)
	require.Equal(t, booking.VaultReleased, f.trips.trips["trip_1"].Payment.VaultStatus)
}

func TestOnPayoutSettledReleasesVault(t *testing.T) {
	trip := settledTrip()
	trip.Status = booking.TripCompleted

	f := newFixture(trip)

	txn, err := ledgerdomain.NewTransaction("txn_vault", "", "", "trip_1", "drv_1", ledgerdomain.TypePayout, inr(26400))
	require.NoError(t, err)
	txn.GatewayPayoutID = "PO-1"
	txn.Metadata["stage"] = string(escrow.StageVault)
	require.NoError(t, txn.MarkCompleted())

	require.NoError(t, f.sched.OnPayoutSettled(context.Background(), txn))

	require.Equal(t, booking.VaultReleased, f.trips.trips["trip_1"].Payment.VaultStatus)
	require.Equal(t, "txn_vault", f.trips.trips["trip_1"].Payment.VaultTransactionID)
	require.Contains(t, f.wallet.unlocked, wallet.TripVaultRef("trip_1"))
}

func TestOnPayoutSettledIgnoresWithdrawals(t *testing.T) {
	f := newFixture(settledTrip())

	txn, err := ledgerdomain.NewTransaction("txn_wd", "", "", "", "usr_1", ledgerdomain.TypePayout, inr(5000))
	require.NoError(t, err)
	txn.Metadata["kind"] = "wallet_withdrawal"

	require.NoError(t, f.sched.OnPayoutSettled(context.Background(), txn))
	require.Empty(t, f.wallet.unlocked)
}
