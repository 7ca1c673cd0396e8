package payments_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/booking"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/cancellation"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerdomain "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/payments"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/subscription"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
)

func inr(paise int64) money.Money {
	return money.New(paise, money.INR)
}

type fakeLedger struct {
	mu    sync.Mutex
	txns  map[string]*ledgerdomain.Transaction
	order []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txns: make(map[string]*ledgerdomain.Transaction)}
}

func (f *fakeLedger) seed(txn *ledgerdomain.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns[txn.ID] = txn
	f.order = append(f.order, txn.ID)
}

func (f *fakeLedger) Create(_ context.Context, txn *ledgerdomain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *txn
	f.txns[txn.ID] = &cp
	f.order = append(f.order, txn.ID)
	return nil
}

func (f *fakeLedger) ListByBookingID(_ context.Context, bookingID string) ([]*ledgerdomain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledgerdomain.Transaction
	for _, id := range f.order {
		if t := f.txns[id]; t.BookingID == bookingID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListByTripID(_ context.Context, tripID string) ([]*ledgerdomain.Transaction, error) {
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

func (f *fakeLedger) GetLatestRefundByBookingID(_ context.Context, bookingID string) (*ledgerdomain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		t := f.txns[f.order[i]]
		if t.BookingID == bookingID && t.Type == ledgerdomain.TypeRefund {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("refund for booking %s: %w", bookingID, database.ErrNotFound)
}

func (f *fakeLedger) Transition(_ context.Context, txn *ledgerdomain.Transaction, from ledgerdomain.Status) error {
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

func (f *fakeLedger) get(id string) *ledgerdomain.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txns[id]
}

func (f *fakeLedger) byBooking(bookingID string) []*ledgerdomain.Transaction {
	out, _ := f.ListByBookingID(context.Background(), bookingID)
	return out
}

type fakeBookings struct {
	mu            sync.Mutex
	bookings      map[string]*booking.Booking
	trips         map[string]*booking.Trip
	orderConflict bool
	cleared       []string
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{
		bookings: make(map[string]*booking.Booking),
		trips:    make(map[string]*booking.Trip),
	}
}

func (f *fakeBookings) add(b *booking.Booking)  { f.bookings[b.ID] = b }
func (f *fakeBookings) addTrip(t *booking.Trip) { f.trips[t.ID] = t }

func (f *fakeBookings) GetBooking(_ context.Context, id string) (*booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, database.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBookings) GetTrip(_ context.Context, id string) (*booking.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, database.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeBookings) SetPaymentOrder(_ context.Context, bookingID, orderID string, breakdown *fare.Breakdown, walletApplied money.Money, hasFreeCancellation bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[bookingID]
	if f.orderConflict || b.Status != booking.StatusPending || b.PaymentStatus != booking.PaymentPending {
		return fmt.Errorf("booking %s not pending: %w", bookingID, database.ErrConflict)
	}
	b.PaymentOrderID = orderID
	b.Fare = breakdown
	b.WalletApplied = walletApplied
	b.HasFreeCancellation = hasFreeCancellation
	return nil
}

func (f *fakeBookings) ClearPaymentOrder(_ context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings[bookingID].PaymentOrderID = ""
	f.cleared = append(f.cleared, bookingID)
	return nil
}

func (f *fakeBookings) ConfirmBooking(_ context.Context, bookingID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[bookingID]
	if b.Status != booking.StatusPending {
		return false, nil
	}
	b.Status = booking.StatusConfirmed
	return true, nil
}

func (f *fakeBookings) MarkPaid(_ context.Context, bookingID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[bookingID]
	if b.PaymentStatus != booking.PaymentPending {
		return false, nil
	}
	b.PaymentStatus = booking.PaymentPaid
	return true, nil
}

func (f *fakeBookings) MarkRefunded(_ context.Context, bookingID string, c *booking.Cancellation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[bookingID]
	if b.PaymentStatus == booking.PaymentRefunded {
		return fmt.Errorf("booking %s already refunded: %w", bookingID, database.ErrConflict)
	}
	b.PaymentStatus = booking.PaymentRefunded
	b.Cancellation = c
	return nil
}

func (f *fakeBookings) CancelBooking(_ context.Context, bookingID string, from booking.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[bookingID]
	if b.Status != from {
		return fmt.Errorf("booking %s is %s: %w", bookingID, b.Status, database.ErrConflict)
	}
	b.Status = booking.StatusCancelled
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	failOrders  bool
	failRefunds bool
	orders      []gateway.OrderRequest
	refunds     []gateway.RefundRequest
}

func (f *fakeGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.OrderSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOrders {
		return nil, gateway.ErrUnavailable
	}
	f.orders = append(f.orders, req)
	return &gateway.OrderSession{OrderID: req.OrderID, PaymentSessionID: "sess_" + req.OrderID}, nil
}

func (f *fakeGateway) CreateRefund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.failRefunds {
		return nil, gateway.ErrUnavailable
	}
	return &gateway.RefundResult{RefundID: req.RefundID, Status: "PENDING"}, nil
}

type credit struct {
	userID     string
	amount     money.Money
	source     wallet.EntrySource
	ref        string
	locked     bool
	expiryDays int
}

type fakeWallet struct {
	mu        sync.Mutex
	deduction *wallet.Deduction
	applyErr  error
	earnings  []credit
	promos    []credit
}

func (f *fakeWallet) ApplyToFare(_ context.Context, userID string, fareAmount money.Money) (*wallet.Deduction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	if f.deduction != nil {
		return f.deduction, nil
	}
	return &wallet.Deduction{UserID: userID, AmountApplied: money.Zero(fareAmount.Currency), RemainingFare: fareAmount}, nil
}

func (f *fakeWallet) CreditEarning(_ context.Context, userID string, amount money.Money, source wallet.EntrySource, referenceID string, locked bool) (*wallet.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.earnings = append(f.earnings, credit{userID: userID, amount: amount, source: source, ref: referenceID, locked: locked})
	return &wallet.Entry{ID: "we_" + referenceID, UserID: userID, Amount: amount}, nil
}

func (f *fakeWallet) AddPromoCredit(_ context.Context, userID string, amount money.Money, source wallet.EntrySource, expiryDays int) (*wallet.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promos = append(f.promos, credit{userID: userID, amount: amount, source: source, expiryDays: expiryDays})
	return &wallet.Entry{ID: "wp_" + userID, UserID: userID, Amount: amount, Promo: true}, nil
}

type fakeSubs struct {
	mu        sync.Mutex
	hasBypass bool
	consumed  int
	createErr error
	created   []*subscription.Subscription
}

func (f *fakeSubs) CreatePending(_ context.Context, userID, orderID string) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	sub := &subscription.Subscription{ID: fmt.Sprintf("sub_%d", len(f.created)+1), UserID: userID, OrderID: orderID, Amount: inr(19900)}
	f.created = append(f.created, sub)
	return sub, nil
}

func (f *fakeSubs) HasBypass(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasBypass, nil
}

func (f *fakeSubs) ConsumeBypass(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed++
	return true, nil
}

type fixture struct {
	ledger   *fakeLedger
	bookings *fakeBookings
	gateway  *fakeGateway
	wallet   *fakeWallet
	subs     *fakeSubs
	svc      *payments.Service
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ledger:   newFakeLedger(),
		bookings: newFakeBookings(),
		gateway:  &fakeGateway{},
		wallet:   &fakeWallet{},
		subs:     &fakeSubs{},
	}
	fares := fare.NewCalculator(fare.Config{CommissionBps: 1200, DriverAdvanceBps: 7000, FreeCancellationFee: 2500}, logger)
	cancellations := cancellation.NewCalculator(cancellation.Config{
		GracePeriod: 3 * time.Minute,
		Tiers: cancellation.TierSchedule{
			{MinHours: 24, RefundBps: 9000},
			{MinHours: 6, RefundBps: 5000},
			{MinHours: 0, RefundBps: 0},
		},
	})
	f.svc = payments.NewService(f.ledger, f.bookings, f.gateway, f.wallet, f.subs, fares, cancellations, nil, payments.Config{RefundPromoExpiryDays: 90}, logger)
	return f
}

func payableBooking(id, tripID, userID string, base int64) *booking.Booking {
	now := time.Now().UTC()
	return &booking.Booking{
		ID:            id,
		TripID:        tripID,
		UserID:        userID,
		Seats:         1,
		Status:        booking.StatusPending,
		PaymentStatus: booking.PaymentPending,
		Fare: &fare.Breakdown{
			BaseFare:        inr(base),
			DiscountApplied: inr(0),
			TotalAmount:     inr(base),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// paidBooking returns a confirmed, paid booking carrying the fare an
// initiation at the fixture's rates would have produced.
func paidBooking(id, tripID, userID string, base int64) *booking.Booking {
	b := payableBooking(id, tripID, userID, base)
	b.Status = booking.StatusConfirmed
	b.PaymentStatus = booking.PaymentPaid
	fee := inr(base).Percentage(1200)
	b.Fare = &fare.Breakdown{
		BaseFare:            inr(base),
		PlatformFee:         fee,
		FreeCancellationFee: inr(0),
		DiscountApplied:     inr(0),
		TotalAmount:         inr(base).MustAdd(fee),
	}
	b.WalletApplied = inr(0)
	b.PaymentOrderID = "ord_" + id
	return b
}

func authorizedCollection(t *testing.T, id, bookingID, userID string, amount int64) *ledgerdomain.Transaction {
	t.Helper()
	txn, err := ledgerdomain.NewTransaction(id, "ord_"+bookingID, bookingID, "trip_1", userID, ledgerdomain.TypeCollection, inr(amount))
	require.NoError(t, err)
	require.NoError(t, txn.MarkAuthorized("pay_"+id, "upi"))
	return txn
}

func TestInitiatePaymentCreatesOrder(t *testing.T) {
	f := newFixture()
	b := payableBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)

	res, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{
		BookingID: "bk_1",
		ReturnURL: "https://app.example/return",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.OrderID)
	require.Equal(t, "sess_"+res.OrderID, res.PaymentSessionID)
	require.Equal(t, ledgerdomain.StatusPending, res.Status)

	// Rs 500 base carries Rs 60 commission.
	require.Equal(t, int64(6000), res.Breakdown.PlatformFee.AmountMinor)
	require.Equal(t, int64(56000), res.Breakdown.TotalAmount.AmountMinor)
	require.Equal(t, int64(56000), res.AmountDue.AmountMinor)
	require.True(t, res.WalletApplied.IsZero())

	require.Equal(t, res.OrderID, b.PaymentOrderID)
	require.Len(t, f.gateway.orders, 1)
	require.Equal(t, int64(56000), f.gateway.orders[0].Amount.AmountMinor)
	require.Equal(t, "bk_1", f.gateway.orders[0].Notes["booking_id"])
	require.Equal(t, "https://app.example/return", f.gateway.orders[0].ReturnURL)

	txns := f.ledger.byBooking("bk_1")
	require.Len(t, txns, 1)
	require.Equal(t, ledgerdomain.TypeCollection, txns[0].Type)
	require.Equal(t, ledgerdomain.StatusPending, txns[0].Status)
	require.Equal(t, res.OrderID, txns[0].OrderID)
	require.NotNil(t, txns[0].Breakdown)
}

func TestInitiatePaymentFreeCancellationFee(t *testing.T) {
	f := newFixture()
	b := payableBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)

	res, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{
		BookingID:           "bk_1",
		HasFreeCancellation: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2500), res.Breakdown.FreeCancellationFee.AmountMinor)
	require.Equal(t, int64(58500), res.AmountDue.AmountMinor)
	require.True(t, b.HasFreeCancellation)
}

func TestInitiatePaymentAppliesWallet(t *testing.T) {
	f := newFixture()
	b := payableBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.wallet.deduction = &wallet.Deduction{
		UserID:        "usr_1",
		AmountApplied: inr(20000),
		RemainingFare: inr(36000),
		Details: []wallet.DeductionDetail{
			{EntryID: "we_1", Amount: inr(15000), Promo: true, Source: wallet.SourcePromotion},
			{EntryID: "we_2", Amount: inr(5000), Source: wallet.SourceCashback},
		},
	}

	res, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{
		BookingID:   "bk_1",
		ApplyWallet: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(20000), res.WalletApplied.AmountMinor)
	require.Equal(t, int64(36000), res.AmountDue.AmountMinor)
	require.Equal(t, inr(20000), b.WalletApplied)

	require.Len(t, f.gateway.orders, 1)
	require.Equal(t, int64(36000), f.gateway.orders[0].Amount.AmountMinor)

	// The split is recorded so a refund can restore each part in kind.
	txn := f.ledger.byBooking("bk_1")[0]
	require.Equal(t, int64(36000), txn.Amount.AmountMinor)
	require.Equal(t, "20000", txn.Metadata["wallet_applied_minor"])
	require.Equal(t, "15000", txn.Metadata["wallet_promo_minor"])
	require.Equal(t, "5000", txn.Metadata["wallet_cash_minor"])
}

func TestInitiatePaymentWalletCoversWholeFare(t *testing.T) {
	f := newFixture()
	b := payableBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.wallet.deduction = &wallet.Deduction{
		UserID:        "usr_1",
		AmountApplied: inr(56000),
		RemainingFare: inr(0),
		Details: []wallet.DeductionDetail{
			{EntryID: "we_1", Amount: inr(56000), Source: wallet.SourceCashback},
		},
	}

	res, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{
		BookingID:   "bk_1",
		ApplyWallet: true,
	})
	require.NoError(t, err)
	require.Empty(t, res.PaymentSessionID)
	require.True(t, res.AmountDue.IsZero())
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)

	// No gateway order; the booking is confirmed and paid on the spot.
	require.Empty(t, f.gateway.orders)
	require.Equal(t, booking.StatusConfirmed, b.Status)
	require.Equal(t, booking.PaymentPaid, b.PaymentStatus)
	require.Equal(t, ledgerdomain.StatusCompleted, f.ledger.byBooking("bk_1")[0].Status)
}

func TestInitiatePaymentRejectsForeignBooking(t *testing.T) {
	f := newFixture()
	f.bookings.add(payableBooking("bk_1", "trip_1", "usr_1", 50000))

	_, err := f.svc.InitiatePayment(context.Background(), "usr_2", payments.InitiateRequest{BookingID: "bk_1"})
	require.True(t, database.IsNotFound(err))
}

func TestInitiatePaymentNotPayable(t *testing.T) {
	f := newFixture()
	b := payableBooking("bk_1", "trip_1", "usr_1", 50000)
	b.Status = booking.StatusConfirmed
	f.bookings.add(b)

	_, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{BookingID: "bk_1"})
	require.ErrorIs(t, err, payments.ErrNotPayable)
}

func TestInitiatePaymentConcurrentLoserRestoresWallet(t *testing.T) {
	f := newFixture()
	f.bookings.add(payableBooking("bk_1", "trip_1", "usr_1", 50000))
	f.bookings.orderConflict = true
	f.wallet.deduction = &wallet.Deduction{
		UserID:        "usr_1",
		AmountApplied: inr(20000),
		RemainingFare: inr(36000),
		Details: []wallet.DeductionDetail{
			{EntryID: "we_1", Amount: inr(15000), Promo: true, Source: wallet.SourcePromotion},
			{EntryID: "we_2", Amount: inr(5000), Source: wallet.SourceCashback},
		},
	}

	_, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{
		BookingID:   "bk_1",
		ApplyWallet: true,
	})
	require.ErrorIs(t, err, payments.ErrNotPayable)

	require.Len(t, f.wallet.earnings, 1)
	require.Equal(t, int64(5000), f.wallet.earnings[0].amount.AmountMinor)
	require.Equal(t, wallet.SourceRefund, f.wallet.earnings[0].source)
	require.Len(t, f.wallet.promos, 1)
	require.Equal(t, int64(15000), f.wallet.promos[0].amount.AmountMinor)
	require.Empty(t, f.gateway.orders)
}

func TestInitiatePaymentGatewayDownUnwinds(t *testing.T) {
	f := newFixture()
	b := payableBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.gateway.failOrders = true
	f.wallet.deduction = &wallet.Deduction{
		UserID:        "usr_1",
		AmountApplied: inr(20000),
		RemainingFare: inr(36000),
		Details: []wallet.DeductionDetail{
			{EntryID: "we_2", Amount: inr(20000), Source: wallet.SourceCashback},
		},
	}

	_, err := f.svc.InitiatePayment(context.Background(), "usr_1", payments.InitiateRequest{
		BookingID:   "bk_1",
		ApplyWallet: true,
	})
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	// Order cleared, wallet restored, and the collection left failed so
	// a late webhook for the dead order cannot complete it.
	require.Empty(t, b.PaymentOrderID)
	require.Equal(t, []string{"bk_1"}, f.bookings.cleared)
	require.Len(t, f.wallet.earnings, 1)
	require.Equal(t, int64(20000), f.wallet.earnings[0].amount.AmountMinor)

	txn := f.ledger.byBooking("bk_1")[0]
	require.Equal(t, ledgerdomain.StatusFailed, txn.Status)
	require.Equal(t, "ORDER_CREATE_FAILED", txn.FailureCode)
}

func TestCreateRefundGracePeriod(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.CreatedAt = time.Now().UTC().Add(-time.Minute)
	f.bookings.add(b)
	f.bookings.addTrip(&booking.Trip{ID: "trip_1", DriverID: "drv_1", Status: booking.TripScheduled, DepartureAt: time.Now().UTC().Add(30 * time.Hour)})
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID:           "bk_1",
		Reason:              "passenger request",
		UseCalculatedAmount: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(50000), res.Amount.AmountMinor)
	require.Equal(t, int64(50000), res.GatewayAmount.AmountMinor)
	require.True(t, res.WalletAmount.IsZero())
	require.Equal(t, ledgerdomain.StatusPending, res.Status)
	require.False(t, res.CanRetry)
	require.NotNil(t, res.Cancellation)
	require.Equal(t, cancellation.PolicyGracePeriod, res.Cancellation.PolicyApplied)
	require.True(t, res.Cancellation.CancellationCharge.IsZero())

	require.Len(t, f.gateway.refunds, 1)
	require.Equal(t, res.RefundID, f.gateway.refunds[0].RefundID)
	require.Equal(t, int64(50000), f.gateway.refunds[0].Amount.AmountMinor)

	require.Equal(t, booking.PaymentRefunded, b.PaymentStatus)
	require.Equal(t, booking.StatusCancelled, b.Status)
	require.NotNil(t, b.Cancellation)
	require.True(t, b.Cancellation.IsFree)
	require.Equal(t, cancellation.PolicyGracePeriod, b.Cancellation.PolicyApplied)
}

func TestCreateRefundTierSchedule(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	f.bookings.add(b)
	f.bookings.addTrip(&booking.Trip{ID: "trip_1", DriverID: "drv_1", DepartureAt: time.Now().UTC().Add(12 * time.Hour)})
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID:           "bk_1",
		Reason:              "plans changed",
		UseCalculatedAmount: true,
	})
	require.NoError(t, err)

	// 12 hours out lands in the 6-24h tier: half the base fare back.
	require.Equal(t, int64(25000), res.Amount.AmountMinor)
	require.Equal(t, "tier_6h", res.Cancellation.PolicyApplied)
	require.Equal(t, int64(25000), res.Cancellation.CancellationCharge.AmountMinor)
	require.False(t, b.Cancellation.IsFree)
	require.Equal(t, int64(25000), b.Cancellation.Charge.AmountMinor)
	require.Zero(t, f.subs.consumed)
}

func TestCreateRefundSubscriberBypass(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	f.bookings.add(b)
	f.bookings.addTrip(&booking.Trip{ID: "trip_1", DriverID: "drv_1", DepartureAt: time.Now().UTC().Add(time.Hour)})
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))
	f.subs.hasBypass = true

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID:           "bk_1",
		Reason:              "plans changed",
		UseCalculatedAmount: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(50000), res.Amount.AmountMinor)
	require.Equal(t, cancellation.PolicySubscriberFree, res.Cancellation.PolicyApplied)
	require.True(t, b.Cancellation.IsFree)
	require.Equal(t, 1, f.subs.consumed)
}

func TestCreateRefundNothingDueCloseToDeparture(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	f.bookings.add(b)
	f.bookings.addTrip(&booking.Trip{ID: "trip_1", DriverID: "drv_1", DepartureAt: time.Now().UTC().Add(time.Hour)})
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	_, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID:           "bk_1",
		Reason:              "plans changed",
		UseCalculatedAmount: true,
	})
	require.ErrorIs(t, err, payments.ErrZeroRefund)

	// Nothing moved: the booking keeps its payment and no refund row exists.
	require.Equal(t, booking.PaymentPaid, b.PaymentStatus)
	require.Len(t, f.ledger.byBooking("bk_1"), 1)
	require.Empty(t, f.gateway.refunds)
}

func TestCreateRefundManualAmountClamped(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID: "bk_1",
		Amount:    inr(100000),
		Reason:    "goodwill",
	})
	require.NoError(t, err)
	require.Equal(t, int64(56000), res.Amount.AmountMinor)
	require.Equal(t, int64(56000), res.GatewayAmount.AmountMinor)
	require.Nil(t, res.Cancellation)
	require.Equal(t, "manual", b.Cancellation.PolicyApplied)
	require.False(t, b.Cancellation.IsFree)
}

func TestCreateRefundSecondRequestRejected(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	_, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{BookingID: "bk_1", Amount: inr(10000), Reason: "goodwill"})
	require.NoError(t, err)

	_, err = f.svc.CreateRefund(context.Background(), payments.RefundRequest{BookingID: "bk_1", Amount: inr(10000), Reason: "goodwill"})
	require.ErrorIs(t, err, payments.ErrAlreadyRefunded)
	require.Len(t, f.gateway.refunds, 1)
}

func TestCreateRefundRequiresCollectedPayment(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)

	// A still-pending collection holds no funds to return.
	txn, err := ledgerdomain.NewTransaction("txn_1", "ord_bk_1", "bk_1", "trip_1", "usr_1", ledgerdomain.TypeCollection, inr(56000))
	require.NoError(t, err)
	f.ledger.seed(txn)

	_, err = f.svc.CreateRefund(context.Background(), payments.RefundRequest{BookingID: "bk_1", Amount: inr(10000), Reason: "goodwill"})
	require.ErrorIs(t, err, payments.ErrNoCollectedPayment)
}

func TestCreateRefundSplitsWalletShare(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.WalletApplied = inr(20000)
	f.bookings.add(b)

	col := authorizedCollection(t, "txn_1", "bk_1", "usr_1", 36000)
	col.Metadata["wallet_applied_minor"] = "20000"
	col.Metadata["wallet_promo_minor"] = "15000"
	col.Metadata["wallet_cash_minor"] = "5000"
	f.ledger.seed(col)

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID: "bk_1",
		Amount:    inr(56000),
		Reason:    "trip cancelled by driver",
	})
	require.NoError(t, err)
	require.Equal(t, int64(56000), res.Amount.AmountMinor)
	require.Equal(t, int64(36000), res.GatewayAmount.AmountMinor)
	require.Equal(t, int64(20000), res.WalletAmount.AmountMinor)

	// The wallet slice goes back in kind: cash as cash, promo as promo.
	require.Len(t, f.wallet.earnings, 1)
	require.Equal(t, int64(5000), f.wallet.earnings[0].amount.AmountMinor)
	require.Equal(t, wallet.SourceRefund, f.wallet.earnings[0].source)
	require.Equal(t, res.RefundID, f.wallet.earnings[0].ref)
	require.False(t, f.wallet.earnings[0].locked)
	require.Len(t, f.wallet.promos, 1)
	require.Equal(t, int64(15000), f.wallet.promos[0].amount.AmountMinor)
	require.Equal(t, 90, f.wallet.promos[0].expiryDays)

	require.Len(t, f.gateway.refunds, 1)
	require.Equal(t, int64(36000), f.gateway.refunds[0].Amount.AmountMinor)

	txn := f.ledger.get(res.TransactionID)
	require.Equal(t, int64(36000), txn.Amount.AmountMinor)
	require.Equal(t, "56000", txn.Metadata["refund_total_minor"])
	require.Equal(t, "20000", txn.Metadata["wallet_recredit_minor"])
}

func TestCreateRefundPartialRestoresCashFirst(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.WalletApplied = inr(20000)
	f.bookings.add(b)

	col := authorizedCollection(t, "txn_1", "bk_1", "usr_1", 36000)
	col.Metadata["wallet_promo_minor"] = "15000"
	col.Metadata["wallet_cash_minor"] = "5000"
	f.ledger.seed(col)

	// Rs 380 back: the gateway covers Rs 360, the remaining Rs 20 of
	// wallet credit was cash before it was promo.
	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID: "bk_1",
		Amount:    inr(38000),
		Reason:    "partial goodwill",
	})
	require.NoError(t, err)
	require.Equal(t, int64(36000), res.GatewayAmount.AmountMinor)
	require.Equal(t, int64(2000), res.WalletAmount.AmountMinor)
	require.Len(t, f.wallet.earnings, 1)
	require.Equal(t, int64(2000), f.wallet.earnings[0].amount.AmountMinor)
	require.Empty(t, f.wallet.promos)
}

func TestCreateRefundWalletOnlyCompletesInline(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.WalletApplied = inr(56000)
	f.bookings.add(b)

	// A fare the wallet fully covered: the collection completed at
	// initiation with nothing held at the gateway.
	col, err := ledgerdomain.NewTransaction("txn_1", "ord_bk_1", "bk_1", "trip_1", "usr_1", ledgerdomain.TypeCollection, inr(0))
	require.NoError(t, err)
	col.Metadata["wallet_cash_minor"] = "56000"
	require.NoError(t, col.MarkCompleted())
	f.ledger.seed(col)

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID: "bk_1",
		Amount:    inr(56000),
		Reason:    "trip cancelled by driver",
	})
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusCompleted, res.Status)
	require.True(t, res.GatewayAmount.IsZero())
	require.Equal(t, int64(56000), res.WalletAmount.AmountMinor)
	require.Empty(t, f.gateway.refunds)
	require.Len(t, f.wallet.earnings, 1)
	require.Equal(t, int64(56000), f.wallet.earnings[0].amount.AmountMinor)
}

func TestCreateRefundGatewayFailureReportsRetry(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))
	f.gateway.failRefunds = true

	res, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID: "bk_1",
		Amount:    inr(56000),
		Reason:    "goodwill",
	})
	require.NoError(t, err)
	require.True(t, res.CanRetry)
	require.Equal(t, ledgerdomain.StatusFailed, res.Status)

	// The booking flip holds even though the money has not moved yet.
	require.Equal(t, booking.PaymentRefunded, b.PaymentStatus)
	txn := f.ledger.get(res.TransactionID)
	require.Equal(t, ledgerdomain.StatusFailed, txn.Status)
	require.Equal(t, "REFUND_FAILED", txn.FailureCode)
}

func TestRetryRefundSucceeds(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	b.WalletApplied = inr(20000)
	f.bookings.add(b)
	col := authorizedCollection(t, "txn_1", "bk_1", "usr_1", 36000)
	col.Metadata["wallet_cash_minor"] = "20000"
	f.ledger.seed(col)
	f.gateway.failRefunds = true

	first, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{
		BookingID: "bk_1",
		Amount:    inr(56000),
		Reason:    "goodwill",
	})
	require.NoError(t, err)
	require.True(t, first.CanRetry)
	require.Len(t, f.wallet.earnings, 1)

	f.gateway.failRefunds = false
	res, err := f.svc.RetryRefund(context.Background(), "bk_1")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusPending, res.Status)
	require.False(t, res.CanRetry)
	require.Equal(t, first.RefundID, res.RefundID)
	require.Equal(t, int64(56000), res.Amount.AmountMinor)
	require.Equal(t, int64(36000), res.GatewayAmount.AmountMinor)
	require.Equal(t, int64(20000), res.WalletAmount.AmountMinor)

	// Same refund id on both attempts, and the wallet leg ran once.
	require.Len(t, f.gateway.refunds, 2)
	require.Equal(t, f.gateway.refunds[0].RefundID, f.gateway.refunds[1].RefundID)
	require.Len(t, f.wallet.earnings, 1)
	require.Equal(t, 1, f.ledger.get(res.TransactionID).RetryCount)
}

func TestRetryRefundFailsAgain(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))
	f.gateway.failRefunds = true

	_, err := f.svc.CreateRefund(context.Background(), payments.RefundRequest{BookingID: "bk_1", Amount: inr(56000), Reason: "goodwill"})
	require.NoError(t, err)

	res, err := f.svc.RetryRefund(context.Background(), "bk_1")
	require.NoError(t, err)
	require.True(t, res.CanRetry)
	require.Equal(t, ledgerdomain.StatusFailed, res.Status)
	require.Equal(t, ledgerdomain.StatusFailed, f.ledger.get(res.TransactionID).Status)
}

func TestRetryRefundRequiresFailedRefund(t *testing.T) {
	f := newFixture()
	b := paidBooking("bk_1", "trip_1", "usr_1", 50000)
	f.bookings.add(b)
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	_, err := f.svc.RetryRefund(context.Background(), "bk_1")
	require.ErrorIs(t, err, payments.ErrNoFailedRefund)

	// A pending refund is already on its way. Nothing to retry.
	_, err = f.svc.CreateRefund(context.Background(), payments.RefundRequest{BookingID: "bk_1", Amount: inr(10000), Reason: "goodwill"})
	require.NoError(t, err)
	_, err = f.svc.RetryRefund(context.Background(), "bk_1")
	require.ErrorIs(t, err, payments.ErrNoFailedRefund)
}

func TestPurchaseSubscription(t *testing.T) {
	f := newFixture()

	res, err := f.svc.PurchaseSubscription(context.Background(), "usr_1", "https://app.example/return")
	require.NoError(t, err)
	require.Equal(t, "sub_1", res.SubscriptionID)
	require.NotEmpty(t, res.OrderID)
	require.Equal(t, "sess_"+res.OrderID, res.PaymentSessionID)
	require.Equal(t, int64(19900), res.Amount.AmountMinor)

	require.Len(t, f.gateway.orders, 1)
	require.Equal(t, "free_cancellation_plan", f.gateway.orders[0].Notes["purpose"])
	require.Equal(t, "sub_1", f.gateway.orders[0].Notes["subscription_id"])

	require.Len(t, f.subs.created, 1)
	require.Equal(t, res.OrderID, f.subs.created[0].OrderID)

	var txn *ledgerdomain.Transaction
	for _, id := range f.ledger.order {
		txn = f.ledger.get(id)
	}
	require.NotNil(t, txn)
	require.Equal(t, ledgerdomain.TypeSubscription, txn.Type)
	require.Equal(t, ledgerdomain.StatusPending, txn.Status)
	require.Equal(t, res.OrderID, txn.OrderID)
	require.Equal(t, "sub_1", txn.Metadata["subscription_id"])
}

func TestPurchaseSubscriptionGatewayDown(t *testing.T) {
	f := newFixture()
	f.gateway.failOrders = true

	_, err := f.svc.PurchaseSubscription(context.Background(), "usr_1", "")
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	var txn *ledgerdomain.Transaction
	for _, id := range f.ledger.order {
		txn = f.ledger.get(id)
	}
	require.NotNil(t, txn)
	require.Equal(t, ledgerdomain.StatusFailed, txn.Status)
	require.Equal(t, "ORDER_CREATE_FAILED", txn.FailureCode)
}

func TestTripPayments(t *testing.T) {
	f := newFixture()
	trip := &booking.Trip{ID: "trip_1", DriverID: "drv_1", Status: booking.TripInProgress}
	trip.Payment = booking.TripPayment{
		TotalCollected:     inr(100000),
		PlatformCommission: inr(12000),
		DriverAdvance:      inr(61600),
		VaultAmount:        inr(26400),
		VaultStatus:        booking.VaultLocked,
	}
	f.bookings.addTrip(trip)
	f.ledger.seed(authorizedCollection(t, "txn_1", "bk_1", "usr_1", 56000))

	summary, err := f.svc.TripPayments(context.Background(), "trip_1")
	require.NoError(t, err)
	require.Equal(t, "trip_1", summary.TripID)
	require.Equal(t, booking.TripInProgress, summary.Status)
	require.Equal(t, int64(100000), summary.Payment.TotalCollected.AmountMinor)
	require.Len(t, summary.Transactions, 1)

	_, err = f.svc.TripPayments(context.Background(), "trip_x")
	require.True(t, database.IsNotFound(err))
}
