// Package payments orchestrates the passenger-facing money flows:
// payment initiation with optional wallet application, admin-driven
// refunds with cancellation policy math, and free-cancellation plan
// purchase. It composes the ledger, gateway, wallet, and booking
// stores and owns no storage of its own.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/booking"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/cancellation"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/events"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/metrics"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerdomain "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/subscription"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
)

var (
	// ErrNotPayable is returned when the booking has left the state
	// payment can be initiated from.
	ErrNotPayable = errors.New("booking is not payable")

	// ErrAlreadyRefunded is returned when a refund exists for the
	// booking.
	ErrAlreadyRefunded = errors.New("booking already refunded")

	// ErrZeroRefund is returned when the refund due comes to nothing.
	ErrZeroRefund = errors.New("refund amount is zero")

	// ErrNoCollectedPayment is returned when no collection backs the
	// requested refund.
	ErrNoCollectedPayment = errors.New("no collected payment for booking")

	// ErrNoFailedRefund is returned when a retry finds no failed refund.
	ErrNoFailedRefund = errors.New("no failed refund to retry")
)

// Config holds payment orchestration settings
type Config struct {
	// RefundPromoExpiryDays is the expiry applied to promo credit
	// restored by a refund; the original entry's expiry is not kept.
	RefundPromoExpiryDays int `envconfig:"REFUND_PROMO_EXPIRY_DAYS" default:"90"`
}

// Ledger is the slice of the transaction store the service drives.
type Ledger interface {
	Create(ctx context.Context, txn *ledgerdomain.Transaction) error
	ListByBookingID(ctx context.Context, bookingID string) ([]*ledgerdomain.Transaction, error)
	ListByTripID(ctx context.Context, tripID string) ([]*ledgerdomain.Transaction, error)
	GetLatestRefundByBookingID(ctx context.Context, bookingID string) (*ledgerdomain.Transaction, error)
	Transition(ctx context.Context, txn *ledgerdomain.Transaction, from ledgerdomain.Status) error
}

// Bookings is the slice of booking/trip storage the service mutates.
type Bookings interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	GetTrip(ctx context.Context, id string) (*booking.Trip, error)
	SetPaymentOrder(ctx context.Context, bookingID, orderID string, breakdown *fare.Breakdown, walletApplied money.Money, hasFreeCancellation bool) error
	ClearPaymentOrder(ctx context.Context, bookingID string) error
	ConfirmBooking(ctx context.Context, bookingID string) (bool, error)
	MarkPaid(ctx context.Context, bookingID string) (bool, error)
	MarkRefunded(ctx context.Context, bookingID string, c *booking.Cancellation) error
	CancelBooking(ctx context.Context, bookingID string, from booking.Status) error
}

// Gateway creates payment orders and refunds at the payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderSession, error)
	CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
}

// Wallet applies and restores passenger credit.
type Wallet interface {
	ApplyToFare(ctx context.Context, userID string, fareAmount money.Money) (*wallet.Deduction, error)
	CreditEarning(ctx context.Context, userID string, amount money.Money, source wallet.EntrySource, referenceID string, locked bool) (*wallet.Entry, error)
	AddPromoCredit(ctx context.Context, userID string, amount money.Money, source wallet.EntrySource, expiryDays int) (*wallet.Entry, error)
}

// Subscriptions sells the free-cancellation plan and answers bypass
// eligibility during refunds.
type Subscriptions interface {
	CreatePending(ctx context.Context, userID, orderID string) (*subscription.Subscription, error)
	HasBypass(ctx context.Context, userID string) (bool, error)
	ConsumeBypass(ctx context.Context, userID string) (bool, error)
}

// Service orchestrates payment collection and refunds.
type Service struct {
	ledger        Ledger
	bookings      Bookings
	gateway       Gateway
	wallet        Wallet
	subs          Subscriptions
	fares         *fare.Calculator
	cancellations *cancellation.Calculator
	publisher     events.Publisher
	cfg           Config
	logger        *slog.Logger
}

// NewService creates a payments service. The publisher may be nil.
func NewService(
	ledger Ledger,
	bookings Bookings,
	gw Gateway,
	w Wallet,
	subs Subscriptions,
	fares *fare.Calculator,
	cancellations *cancellation.Calculator,
	publisher events.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger:        ledger,
		bookings:      bookings,
		gateway:       gw,
		wallet:        w,
		subs:          subs,
		fares:         fares,
		cancellations: cancellations,
		publisher:     publisher,
		cfg:           cfg,
		logger:        logger,
	}
}

// InitiateRequest starts payment collection for a booking.
type InitiateRequest struct {
	BookingID           string
	HasFreeCancellation bool
	ApplyWallet         bool
	ReturnURL           string
}

// InitiateResult is the created payment order. PaymentSessionID is
// empty when the wallet covered the whole fare and no gateway order
// exists.
type InitiateResult struct {
	OrderID          string              `json:"order_id"`
	PaymentSessionID string              `json:"payment_session_id,omitempty"`
	Breakdown        fare.Breakdown      `json:"breakdown"`
	WalletApplied    money.Money         `json:"wallet_applied"`
	AmountDue        money.Money         `json:"amount_due"`
	Status           ledgerdomain.Status `json:"status"`
}

// InitiatePayment computes the fare, optionally applies wallet credit,
// and opens a gateway order holding the remainder. The booking's
// conditional update is the guard against a concurrent initiation; on
// any later failure the wallet credit is restored and the order
// reference cleared so the passenger can try again.
func (s *Service) InitiatePayment(ctx context.Context, userID string, req InitiateRequest) (*InitiateResult, error) {
	b, err := s.bookings.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, fmt.Errorf("booking %s for user %s: %w", req.BookingID, userID, database.ErrNotFound)
	}
	if b.Status != booking.StatusPending || b.PaymentStatus != booking.PaymentPending {
		return nil, fmt.Errorf("booking %s is %s/%s: %w", b.ID, b.Status, b.PaymentStatus, ErrNotPayable)
	}
	if b.Fare == nil || !b.Fare.BaseFare.IsPositive() {
		return nil, fmt.Errorf("booking %s has no base fare: %w", b.ID, ErrNotPayable)
	}

	discount := b.Fare.DiscountApplied
	if discount.Currency == "" {
		discount = money.Zero(b.Fare.BaseFare.Currency)
	}
	breakdown, err := s.fares.Breakdown(b.Fare.BaseFare, req.HasFreeCancellation, discount)
	if err != nil {
		return nil, fmt.Errorf("computing fare: %w", err)
	}

	walletApplied := money.Zero(breakdown.TotalAmount.Currency)
	var deduction *wallet.Deduction
	if req.ApplyWallet {
		deduction, err = s.wallet.ApplyToFare(ctx, userID, breakdown.TotalAmount)
		if err != nil {
			return nil, err
		}
		walletApplied = deduction.AmountApplied
	}
	amountDue := breakdown.TotalAmount.MustSub(walletApplied)

	orderID := "OD-" + ulid.Make().String()
	if err := s.bookings.SetPaymentOrder(ctx, b.ID, orderID, &breakdown, walletApplied, req.HasFreeCancellation); err != nil {
		s.restoreDeduction(ctx, userID, deduction, orderID)
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("booking %s: %w", b.ID, ErrNotPayable)
		}
		return nil, err
	}

	txn, err := ledgerdomain.NewTransaction(ulid.Make().String(), orderID, b.ID, b.TripID, userID, ledgerdomain.TypeCollection, amountDue)
	if err != nil {
		s.unwindInitiation(ctx, b.ID, userID, deduction, orderID)
		return nil, fmt.Errorf("building collection transaction: %w", err)
	}
	txn.Breakdown = &breakdown
	if deduction != nil && walletApplied.IsPositive() {
		promo, cash := splitDeduction(deduction)
		txn.Metadata["wallet_applied_minor"] = strconv.FormatInt(walletApplied.AmountMinor, 10)
		txn.Metadata["wallet_promo_minor"] = strconv.FormatInt(promo.AmountMinor, 10)
		txn.Metadata["wallet_cash_minor"] = strconv.FormatInt(cash.AmountMinor, 10)
	}
	if err := s.ledger.Create(ctx, txn); err != nil {
		s.unwindInitiation(ctx, b.ID, userID, deduction, orderID)
		return nil, fmt.Errorf("recording collection: %w", err)
	}

	if !amountDue.IsPositive() {
		return s.settleWalletCovered(ctx, b, txn, breakdown, walletApplied)
	}

	session, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		OrderID:   orderID,
		Amount:    amountDue,
		Customer:  gateway.Customer{ID: userID},
		ReturnURL: req.ReturnURL,
		Notes:     map[string]string{"booking_id": b.ID, "trip_id": b.TripID},
	})
	if err != nil {
		if markErr := txn.MarkFailed("ORDER_CREATE_FAILED", err.Error()); markErr == nil {
			if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
				s.logger.Error("failed order not recorded", "transaction_id", txn.ID, "error", trErr)
			}
		}
		s.unwindInitiation(ctx, b.ID, userID, deduction, orderID)
		return nil, fmt.Errorf("creating gateway order: %w", err)
	}

	s.publish(ctx, events.EventOrderCreated, userID, txn.ID, events.OrderCreatedData{
		OrderID:       orderID,
		BookingID:     b.ID,
		TripID:        b.TripID,
		Amount:        amountDue.AmountMinor,
		Currency:      string(amountDue.Currency),
		WalletApplied: walletApplied.AmountMinor,
	})
	s.logger.Info("payment initiated",
		"booking_id", b.ID,
		"order_id", orderID,
		"total", breakdown.TotalAmount,
		"wallet_applied", walletApplied,
		"amount_due", amountDue,
	)
	return &InitiateResult{
		OrderID:          orderID,
		PaymentSessionID: session.PaymentSessionID,
		Breakdown:        breakdown,
		WalletApplied:    walletApplied,
		AmountDue:        amountDue,
		Status:           txn.Status,
	}, nil
}

// settleWalletCovered closes out an initiation the wallet fully paid:
// no gateway order is opened, the collection completes on the spot,
// and the booking is confirmed and marked paid without a webhook.
func (s *Service) settleWalletCovered(ctx context.Context, b *booking.Booking, txn *ledgerdomain.Transaction, breakdown fare.Breakdown, walletApplied money.Money) (*InitiateResult, error) {
	if err := txn.MarkCompleted(); err != nil {
		return nil, err
	}
	if err := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); err != nil {
		return nil, fmt.Errorf("completing wallet-covered collection: %w", err)
	}
	if _, err := s.bookings.ConfirmBooking(ctx, b.ID); err != nil {
		s.logger.Error("confirming wallet-paid booking", "booking_id", b.ID, "error", err)
	}
	if _, err := s.bookings.MarkPaid(ctx, b.ID); err != nil {
		s.logger.Error("marking wallet-paid booking", "booking_id", b.ID, "error", err)
	}

	s.publish(ctx, events.EventOrderCreated, b.UserID, txn.ID, events.OrderCreatedData{
		OrderID:       txn.OrderID,
		BookingID:     b.ID,
		TripID:        b.TripID,
		Currency:      string(walletApplied.Currency),
		WalletApplied: walletApplied.AmountMinor,
	})
	s.logger.Info("fare fully covered by wallet",
		"booking_id", b.ID,
		"order_id", txn.OrderID,
		"wallet_applied", walletApplied,
	)
	return &InitiateResult{
		OrderID:       txn.OrderID,
		Breakdown:     breakdown,
		WalletApplied: walletApplied,
		AmountDue:     money.Zero(walletApplied.Currency),
		Status:        txn.Status,
	}, nil
}

// unwindInitiation rolls back the booking-side effects of a failed
// initiation so the passenger can start over.
func (s *Service) unwindInitiation(ctx context.Context, bookingID, userID string, d *wallet.Deduction, orderID string) {
	if err := s.bookings.ClearPaymentOrder(ctx, bookingID); err != nil {
		s.logger.Error("clearing order after failed initiation", "booking_id", bookingID, "error", err)
	}
	s.restoreDeduction(ctx, userID, d, orderID)
}

// restoreDeduction re-credits wallet funds consumed for an order that
// never happened, each part in its original form.
func (s *Service) restoreDeduction(ctx context.Context, userID string, d *wallet.Deduction, reference string) {
	if d == nil || !d.AmountApplied.IsPositive() {
		return
	}
	promo, cash := splitDeduction(d)
	s.recreditWallet(ctx, userID, promo, cash, reference)
}

// recreditWallet returns funds to a passenger wallet. Promo credit
// goes back as expiring promo so refunds cannot turn campaign credit
// into withdrawable cash. Failures are logged, not bubbled: the
// refund or unwind that triggered the re-credit already holds the
// authoritative record.
func (s *Service) recreditWallet(ctx context.Context, userID string, promo, cash money.Money, reference string) {
	if cash.IsPositive() {
		if _, err := s.wallet.CreditEarning(ctx, userID, cash, wallet.SourceRefund, reference, false); err != nil {
			s.logger.Error("wallet cash re-credit failed",
				"user_id", userID,
				"amount", cash,
				"reference", reference,
				"error", err,
			)
		}
	}
	if promo.IsPositive() {
		if _, err := s.wallet.AddPromoCredit(ctx, userID, promo, wallet.SourceRefund, s.cfg.RefundPromoExpiryDays); err != nil {
			s.logger.Error("wallet promo re-credit failed",
				"user_id", userID,
				"amount", promo,
				"reference", reference,
				"error", err,
			)
		}
	}
}

func splitDeduction(d *wallet.Deduction) (promo, cash money.Money) {
	promo = money.Zero(d.AmountApplied.Currency)
	for _, det := range d.Details {
		if det.Promo {
			promo = promo.MustAdd(det.Amount)
		}
	}
	return promo, d.AmountApplied.MustSub(promo)
}

// RefundRequest is an admin-initiated refund for a booking. Amount is
// ignored when UseCalculatedAmount asks for cancellation policy math.
type RefundRequest struct {
	BookingID           string
	Amount              money.Money
	Reason              string
	UseCalculatedAmount bool
}

// RefundResult reports a created or retried refund. GatewayAmount
// goes back through the payment gateway, WalletAmount reappears as
// wallet credit.
type RefundResult struct {
	TransactionID string               `json:"transaction_id"`
	RefundID      string               `json:"refund_id"`
	BookingID     string               `json:"booking_id"`
	Amount        money.Money          `json:"amount"`
	GatewayAmount money.Money          `json:"gateway_amount"`
	WalletAmount  money.Money          `json:"wallet_amount"`
	Status        ledgerdomain.Status  `json:"status"`
	CanRetry      bool                 `json:"can_retry,omitempty"`
	Cancellation  *cancellation.Result `json:"cancellation,omitempty"`
}

// CreateRefund refunds a booking's payment, splitting the amount
// between a gateway refund and a wallet re-credit in proportion to how
// the fare was paid. The booking's conditional update is the
// concurrency gate: the loser of a racing second request gets
// ErrAlreadyRefunded and no duplicate refund transaction is created.
// A failed gateway leg leaves a failed refund row behind and reports
// CanRetry; RetryRefund re-attempts it with the same refund id.
func (s *Service) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	b, err := s.bookings.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if b.PaymentStatus == booking.PaymentRefunded {
		return nil, fmt.Errorf("booking %s: %w", b.ID, ErrAlreadyRefunded)
	}
	collection, err := s.refundableCollection(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if b.Fare == nil {
		return nil, fmt.Errorf("booking %s has no fare recorded: %w", b.ID, ErrNoCollectedPayment)
	}

	now := time.Now().UTC()
	var (
		refundTotal money.Money
		calcResult  *cancellation.Result
		bypassUsed  bool
	)
	if req.UseCalculatedAmount {
		trip, err := s.bookings.GetTrip(ctx, b.TripID)
		if err != nil {
			return nil, fmt.Errorf("loading trip for cancellation: %w", err)
		}
		bypass, err := s.subs.HasBypass(ctx, b.UserID)
		if err != nil {
			s.logger.Error("free-cancellation lookup failed", "user_id", b.UserID, "error", err)
			bypass = false
		}
		bfare := *b.Fare
		if bfare.DiscountApplied.Currency == "" {
			bfare.DiscountApplied = money.Zero(bfare.BaseFare.Currency)
		}
		res := s.cancellations.Evaluate(cancellation.Input{
			BookingCreatedAt: b.CreatedAt,
			Now:              now,
			DepartureAt:      trip.DepartureAt,
			Fare:             bfare,
			SubscriberBypass: bypass,
		})
		calcResult = &res
		refundTotal = res.NetRefund
		bypassUsed = res.PolicyApplied == cancellation.PolicySubscriberFree
	} else {
		refundTotal = req.Amount
	}

	// Never refund more than was actually collected.
	refundTotal = refundTotal.Min(collection.Amount.MustAdd(b.WalletApplied))
	if !refundTotal.IsPositive() {
		return nil, fmt.Errorf("booking %s: %w", b.ID, ErrZeroRefund)
	}

	charge := money.Zero(refundTotal.Currency)
	policy := "manual"
	if calcResult != nil {
		charge = calcResult.CancellationCharge
		policy = calcResult.PolicyApplied
	}
	record := &booking.Cancellation{
		IsFree:        policy == cancellation.PolicyGracePeriod || policy == cancellation.PolicySubscriberFree,
		Charge:        charge,
		Reason:        req.Reason,
		PolicyApplied: policy,
		CancelledAt:   now,
	}
	if err := s.bookings.MarkRefunded(ctx, b.ID, record); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("booking %s: %w", b.ID, ErrAlreadyRefunded)
		}
		return nil, err
	}
	if b.Status == booking.StatusPending || b.Status == booking.StatusConfirmed {
		if err := s.bookings.CancelBooking(ctx, b.ID, b.Status); err != nil && !errors.Is(err, database.ErrConflict) {
			s.logger.Error("booking not cancelled with refund", "booking_id", b.ID, "error", err)
		}
	}
	if bypassUsed {
		if _, err := s.subs.ConsumeBypass(ctx, b.UserID); err != nil {
			s.logger.Error("free-cancellation bypass not consumed", "user_id", b.UserID, "error", err)
		}
	}

	gatewayShare := refundTotal.Min(collection.Amount)
	walletShare := refundTotal.MustSub(gatewayShare)
	promoRestore, cashRestore := splitWalletRestore(walletShare, collection.Metadata)

	refundID := "RF-" + ulid.Make().String()
	txn, err := ledgerdomain.NewTransaction(ulid.Make().String(), collection.OrderID, b.ID, b.TripID, b.UserID, ledgerdomain.TypeRefund, gatewayShare)
	if err != nil {
		return nil, fmt.Errorf("building refund transaction: %w", err)
	}
	txn.GatewayRefundID = refundID
	txn.Metadata["reason"] = req.Reason
	txn.Metadata["policy"] = policy
	txn.Metadata["refund_total_minor"] = strconv.FormatInt(refundTotal.AmountMinor, 10)
	if walletShare.IsPositive() {
		txn.Metadata["wallet_recredit_minor"] = strconv.FormatInt(walletShare.AmountMinor, 10)
	}
	if err := s.ledger.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("recording refund: %w", err)
	}
	metrics.RecordRefund("initiated")

	// The wallet leg settles locally before the gateway is involved;
	// a retry of the gateway leg never repeats it.
	if walletShare.IsPositive() {
		s.recreditWallet(ctx, b.UserID, promoRestore, cashRestore, refundID)
	}

	result := &RefundResult{
		TransactionID: txn.ID,
		RefundID:      refundID,
		BookingID:     b.ID,
		Amount:        refundTotal,
		GatewayAmount: gatewayShare,
		WalletAmount:  walletShare,
		Cancellation:  calcResult,
	}

	if !gatewayShare.IsPositive() {
		if markErr := txn.MarkCompleted(); markErr == nil {
			if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
				s.logger.Error("wallet-only refund not recorded", "transaction_id", txn.ID, "error", trErr)
			}
		}
		s.flipCollectionRefunded(ctx, collection)
		metrics.RecordRefund("completed")
		result.Status = txn.Status
		s.publishRefund(ctx, txn, refundTotal, req.Reason)
		s.logger.Info("refund settled from wallet",
			"booking_id", b.ID,
			"refund_id", refundID,
			"amount", refundTotal,
			"policy", policy,
		)
		return result, nil
	}

	if _, err := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
		OrderID:  collection.OrderID,
		RefundID: refundID,
		Amount:   gatewayShare,
		Reason:   req.Reason,
	}); err != nil {
		if markErr := txn.MarkFailed("REFUND_FAILED", err.Error()); markErr == nil {
			if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
				s.logger.Error("failed refund not recorded", "transaction_id", txn.ID, "error", trErr)
			}
		}
		metrics.RecordRefund("failed")
		result.Status = txn.Status
		result.CanRetry = true
		s.publishRefund(ctx, txn, refundTotal, req.Reason)
		s.logger.Warn("refund gateway leg failed",
			"booking_id", b.ID,
			"refund_id", refundID,
			"amount", gatewayShare,
			"error", err,
		)
		return result, nil
	}

	// The refund stays pending until the REFUND_STATUS webhook lands.
	result.Status = txn.Status
	s.publishRefund(ctx, txn, refundTotal, req.Reason)
	s.logger.Info("refund initiated",
		"booking_id", b.ID,
		"refund_id", refundID,
		"amount", refundTotal,
		"gateway_amount", gatewayShare,
		"wallet_amount", walletShare,
		"policy", policy,
	)
	return result, nil
}

// RetryRefund re-attempts the gateway leg of a failed refund with the
// same refund id, relying on the gateway's idempotency contract. The
// wallet leg is never repeated.
func (s *Service) RetryRefund(ctx context.Context, bookingID string) (*RefundResult, error) {
	txn, err := s.ledger.GetLatestRefundByBookingID(ctx, bookingID)
	if database.IsNotFound(err) {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrNoFailedRefund)
	}
	if err != nil {
		return nil, err
	}
	if txn.Status != ledgerdomain.StatusFailed {
		return nil, fmt.Errorf("refund %s is %s: %w", txn.ID, txn.Status, ErrNoFailedRefund)
	}
	if err := txn.MarkRetrying(); err != nil {
		return nil, err
	}
	if err := s.ledger.Transition(ctx, txn, ledgerdomain.StatusFailed); err != nil {
		if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
			return nil, fmt.Errorf("refund %s changed concurrently: %w", txn.ID, ErrNoFailedRefund)
		}
		return nil, err
	}

	walletShare := metaMoney(txn.Metadata, "wallet_recredit_minor", txn.Amount.Currency)
	result := &RefundResult{
		TransactionID: txn.ID,
		RefundID:      txn.GatewayRefundID,
		BookingID:     bookingID,
		Amount:        metaMoney(txn.Metadata, "refund_total_minor", txn.Amount.Currency),
		GatewayAmount: txn.Amount,
		WalletAmount:  walletShare,
	}

	if _, err := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
		OrderID:  txn.OrderID,
		RefundID: txn.GatewayRefundID,
		Amount:   txn.Amount,
		Reason:   txn.Metadata["reason"],
	}); err != nil {
		if markErr := txn.MarkFailed("REFUND_FAILED", err.Error()); markErr == nil {
			if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
				s.logger.Error("failed refund not recorded", "transaction_id", txn.ID, "error", trErr)
			}
		}
		metrics.RecordRefund("failed")
		result.Status = txn.Status
		result.CanRetry = true
		s.logger.Warn("refund retry failed",
			"transaction_id", txn.ID,
			"refund_id", txn.GatewayRefundID,
			"retry_count", txn.RetryCount,
			"error", err,
		)
		return result, nil
	}

	metrics.RecordRefund("retried")
	result.Status = txn.Status
	s.logger.Info("refund retried",
		"transaction_id", txn.ID,
		"refund_id", txn.GatewayRefundID,
		"retry_count", txn.RetryCount,
	)
	return result, nil
}

// refundableCollection finds the collection a refund draws on: the
// latest one whose funds the gateway holds or settled. Authorized
// holds count; the gateway voids them through the same refund call.
func (s *Service) refundableCollection(ctx context.Context, bookingID string) (*ledgerdomain.Transaction, error) {
	txns, err := s.ledger.ListByBookingID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("listing booking transactions: %w", err)
	}

	var found *ledgerdomain.Transaction
	for _, t := range txns {
		if t.Type != ledgerdomain.TypeCollection {
			continue
		}
		switch t.Status {
		case ledgerdomain.StatusAuthorized, ledgerdomain.StatusCaptured, ledgerdomain.StatusCompleted:
			found = t
		}
	}
	if found == nil {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrNoCollectedPayment)
	}
	return found, nil
}

// flipCollectionRefunded marks the originating collection refunded for
// a refund that settled without a gateway webhook. Completed
// collections have no further transitions; the refund row remains the
// record then.
func (s *Service) flipCollectionRefunded(ctx context.Context, src *ledgerdomain.Transaction) {
	from := src.Status
	if err := src.MarkRefunded(); err != nil {
		s.logger.Warn("collection not refundable",
			"transaction_id", src.ID,
			"status", from,
			"error", err,
		)
		return
	}
	if err := s.ledger.Transition(ctx, src, from); err != nil {
		s.logger.Error("marking collection refunded", "transaction_id", src.ID, "error", err)
	}
}

// splitWalletRestore divides a wallet re-credit between promo and cash
// using the split recorded when the fare was paid. The deduction
// applied promo first, so a partial refund walks back in reverse and
// restores cash first. Absent metadata restores everything as cash.
func splitWalletRestore(walletShare money.Money, meta map[string]string) (promo, cash money.Money) {
	promo = money.Zero(walletShare.Currency)
	cash = money.Zero(walletShare.Currency)
	if !walletShare.IsPositive() {
		return promo, cash
	}

	promoUsed := metaMoney(meta, "wallet_promo_minor", walletShare.Currency)
	cashUsed := metaMoney(meta, "wallet_cash_minor", walletShare.Currency)
	if !promoUsed.IsPositive() && !cashUsed.IsPositive() {
		return promo, walletShare
	}

	cash = walletShare.Min(cashUsed)
	promo = walletShare.MustSub(cash).Min(promoUsed)
	return promo, cash
}

// metaMoney reads a minor-unit amount stored in transaction metadata.
func metaMoney(meta map[string]string, key string, currency money.Currency) money.Money {
	v, err := strconv.ParseInt(meta[key], 10, 64)
	if err != nil {
		return money.Zero(currency)
	}
	return money.New(v, currency)
}

// SubscriptionOrder is a created free-cancellation plan purchase.
type SubscriptionOrder struct {
	SubscriptionID   string      `json:"subscription_id"`
	OrderID          string      `json:"order_id"`
	PaymentSessionID string      `json:"payment_session_id"`
	Amount           money.Money `json:"amount"`
}

// PurchaseSubscription creates a pending free-cancellation plan and a
// gateway order paying for it. The PAYMENT_SUCCESS webhook for the
// order activates the plan.
func (s *Service) PurchaseSubscription(ctx context.Context, userID, returnURL string) (*SubscriptionOrder, error) {
	orderID := "OD-" + ulid.Make().String()
	sub, err := s.subs.CreatePending(ctx, userID, orderID)
	if err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}

	txn, err := ledgerdomain.NewTransaction(ulid.Make().String(), orderID, "", "", userID, ledgerdomain.TypeSubscription, sub.Amount)
	if err != nil {
		return nil, fmt.Errorf("building subscription transaction: %w", err)
	}
	txn.Metadata["subscription_id"] = sub.ID
	if err := s.ledger.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("recording subscription order: %w", err)
	}

	session, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		OrderID:   orderID,
		Amount:    sub.Amount,
		Customer:  gateway.Customer{ID: userID},
		ReturnURL: returnURL,
		Notes:     map[string]string{"purpose": "free_cancellation_plan", "subscription_id": sub.ID},
	})
	if err != nil {
		if markErr := txn.MarkFailed("ORDER_CREATE_FAILED", err.Error()); markErr == nil {
			if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
				s.logger.Error("failed subscription order not recorded", "transaction_id", txn.ID, "error", trErr)
			}
		}
		return nil, fmt.Errorf("creating gateway order: %w", err)
	}

	s.publish(ctx, events.EventOrderCreated, userID, txn.ID, events.OrderCreatedData{
		OrderID:  orderID,
		Amount:   sub.Amount.AmountMinor,
		Currency: string(sub.Amount.Currency),
	})
	s.logger.Info("subscription purchase initiated",
		"user_id", userID,
		"subscription_id", sub.ID,
		"order_id", orderID,
		"amount", sub.Amount,
	)
	return &SubscriptionOrder{
		SubscriptionID:   sub.ID,
		OrderID:          orderID,
		PaymentSessionID: session.PaymentSessionID,
		Amount:           sub.Amount,
	}, nil
}

// TripPaymentSummary is the settlement view of one trip.
type TripPaymentSummary struct {
	TripID       string                      `json:"trip_id"`
	Status       booking.TripStatus          `json:"status"`
	Payment      booking.TripPayment         `json:"payment"`
	Transactions []*ledgerdomain.Transaction `json:"transactions"`
}

// TripPayments reads a trip's settlement aggregates and ledger rows.
func (s *Service) TripPayments(ctx context.Context, tripID string) (*TripPaymentSummary, error) {
	trip, err := s.bookings.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	txns, err := s.ledger.ListByTripID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return &TripPaymentSummary{
		TripID:       trip.ID,
		Status:       trip.Status,
		Payment:      trip.Payment,
		Transactions: txns,
	}, nil
}

func (s *Service) publishRefund(ctx context.Context, txn *ledgerdomain.Transaction, total money.Money, reason string) {
	s.publish(ctx, events.EventRefundCreated, txn.UserID, txn.ID, events.RefundData{
		BookingID: txn.BookingID,
		OrderID:   txn.OrderID,
		RefundID:  txn.GatewayRefundID,
		Amount:    total.AmountMinor,
		Currency:  string(total.Currency),
		Reason:    reason,
	})
}

// publish emits a domain event, best effort: failures are logged and
// never fail the money path.
func (s *Service) publish(ctx context.Context, eventType, userID, txnID string, data any) {
	if s.publisher == nil {
		return
	}
	ev, err := events.NewEvent(eventType, userID, "transaction", txnID, data)
	if err != nil {
		s.logger.Error("encoding domain event", "event_type", eventType, "transaction_id", txnID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("domain event publish failed", "event_type", eventType, "transaction_id", txnID, "error", err)
	}
}
