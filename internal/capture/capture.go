// Package capture gates fund capture on pickup verification. Money
// authorized at booking time is only pulled from the gateway once
// every passenger on the trip has proven they were picked up.
package capture

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/booking"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/events"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/metrics"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerdomain "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
)

var (
	// ErrInvalidOTP is returned when the presented pickup code does
	// not match the one issued for the booking.
	ErrInvalidOTP = errors.New("invalid pickup otp")

	// ErrNotAllVerified is returned when capture is requested before
	// every passenger on the trip has been verified.
	ErrNotAllVerified = errors.New("not all passengers verified")
)

// Config holds capture settings
type Config struct {
	// CashbackBps is the passenger cashback granted on a fully
	// captured fare, in basis points. Zero disables cashback.
	CashbackBps int64 `envconfig:"CAPTURE_CASHBACK_BPS" default:"100"`
}

// TransactionStore is the slice of the ledger the controller needs.
type TransactionStore interface {
	ListCollectionsByTripAndStatus(ctx context.Context, tripID string, status ledgerdomain.Status) ([]*ledgerdomain.Transaction, error)
	Transition(ctx context.Context, txn *ledgerdomain.Transaction, from ledgerdomain.Status) error
}

// BookingStore is the slice of booking/trip storage the controller needs.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	ListBookingsByTrip(ctx context.Context, tripID string) ([]*booking.Booking, error)
	MarkVerified(ctx context.Context, bookingID string, at time.Time) (bool, error)
	MarkPaid(ctx context.Context, bookingID string) (bool, error)
	GetTrip(ctx context.Context, id string) (*booking.Trip, error)
	StoreSplit(ctx context.Context, tripID string, p booking.TripPayment) (bool, error)
}

// CaptureGateway pulls authorized funds from the payment gateway.
type CaptureGateway interface {
	CapturePayment(ctx context.Context, req gateway.CaptureRequest) (*gateway.CaptureResult, error)
}

// Wallet credits driver earnings and passenger cashback.
type Wallet interface {
	CreditEarning(ctx context.Context, userID string, amount money.Money, source wallet.EntrySource, referenceID string, locked bool) (*wallet.Entry, error)
	CreditCashback(ctx context.Context, userID string, amount money.Money, referenceID string) (*wallet.Entry, error)
}

// Controller drives verification-gated capture.
type Controller struct {
	txns      TransactionStore
	bookings  BookingStore
	gateway   CaptureGateway
	wallet    Wallet
	fares     *fare.Calculator
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewController creates a capture controller. publisher may be nil.
func NewController(txns TransactionStore, bookings BookingStore, gw CaptureGateway, w Wallet, fares *fare.Calculator, publisher events.Publisher, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		txns:      txns,
		bookings:  bookings,
		gateway:   gw,
		wallet:    w,
		fares:     fares,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// TripReadiness reports how close a trip is to capture.
type TripReadiness struct {
	CanStart           bool `json:"can_start"`
	TotalPassengers    int  `json:"total_passengers"`
	VerifiedPassengers int  `json:"verified_passengers"`
}

// CanStartTrip reports whether every confirmed passenger on the trip
// has been verified at pickup. Cancelled bookings do not count.
func (c *Controller) CanStartTrip(ctx context.Context, tripID string) (TripReadiness, error) {
	bookings, err := c.bookings.ListBookingsByTrip(ctx, tripID)
	if err != nil {
		return TripReadiness{}, fmt.Errorf("listing trip bookings: %w", err)
	}

	var readiness TripReadiness
	for _, b := range bookings {
		if b.Status != booking.StatusConfirmed {
			continue
		}
		readiness.TotalPassengers++
		if b.IsVerified() {
			readiness.VerifiedPassengers++
		}
	}

	readiness.CanStart = readiness.TotalPassengers >= 1 &&
		readiness.VerifiedPassengers == readiness.TotalPassengers
	return readiness, nil
}

// VerificationResult reports the outcome of a pickup verification.
type VerificationResult struct {
	AllPassengersVerified bool           `json:"all_passengers_verified"`
	PaymentsCaptured      bool           `json:"payments_captured"`
	Capture               *CaptureResult `json:"capture,omitempty"`
}

// VerifyPickup checks the passenger's OTP, records the verification,
// and triggers capture when this verification completes the trip. A
// racing double-trigger is harmless: each transaction row is
// individually compare-and-set.
func (c *Controller) VerifyPickup(ctx context.Context, bookingID, otp string) (*VerificationResult, error) {
	b, err := c.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(otp))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(b.OTPHash)) != 1 {
		return nil, ErrInvalidOTP
	}

	newlyVerified, err := c.bookings.MarkVerified(ctx, bookingID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marking booking verified: %w", err)
	}
	if newlyVerified {
		c.logger.Info("passenger verified at pickup",
			"booking_id", bookingID,
			"trip_id", b.TripID,
		)
	}

	readiness, err := c.CanStartTrip(ctx, b.TripID)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{AllPassengersVerified: readiness.CanStart}
	if !readiness.CanStart || !newlyVerified {
		return result, nil
	}

	capture, err := c.CaptureAllHeldPayments(ctx, b.TripID)
	if err != nil {
		return nil, err
	}
	result.Capture = capture
	result.PaymentsCaptured = capture.Complete()
	return result, nil
}

// CaptureResult reports the per-transaction outcome of a capture run.
// A partial capture is reported, never swallowed.
type CaptureResult struct {
	TripID          string   `json:"trip_id"`
	Captured        []string `json:"captured,omitempty"`
	Failed          []string `json:"failed,omitempty"`
	AlreadyCaptured []string `json:"already_captured,omitempty"`
}

// Complete reports whether no capture is outstanding
func (r *CaptureResult) Complete() bool {
	return len(r.Failed) == 0
}

// CaptureAllHeldPayments captures every authorized collection for the
// trip. Each row is re-checked and compare-and-set individually, so a
// concurrent run captures each payment at most once; a row that fails
// at the gateway stays authorized for retry. On full collection the
// trip settlement is recorded and earnings are locked in the driver's
// wallet.
func (c *Controller) CaptureAllHeldPayments(ctx context.Context, tripID string) (*CaptureResult, error) {
	readiness, err := c.CanStartTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !readiness.CanStart {
		return nil, fmt.Errorf("%w: %d of %d verified", ErrNotAllVerified, readiness.VerifiedPassengers, readiness.TotalPassengers)
	}

	held, err := c.txns.ListCollectionsByTripAndStatus(ctx, tripID, ledgerdomain.StatusAuthorized)
	if err != nil {
		return nil, fmt.Errorf("listing held collections: %w", err)
	}

	result := &CaptureResult{TripID: tripID}
	collected := money.Zero(money.INR)
	for _, txn := range held {
		if err := c.captureOne(ctx, txn); err != nil {
			if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
				// A concurrent run won the compare-and-set.
				result.AlreadyCaptured = append(result.AlreadyCaptured, txn.ID)
				continue
			}
			c.logger.Error("capture failed, payment left authorized",
				"transaction_id", txn.ID,
				"booking_id", txn.BookingID,
				"error", err,
			)
			metrics.RecordPaymentCaptured("failed")
			result.Failed = append(result.Failed, txn.ID)
			continue
		}
		metrics.RecordPaymentCaptured("captured")
		result.Captured = append(result.Captured, txn.ID)

		total := txn.Amount
		if txn.Breakdown != nil {
			total = txn.Breakdown.TotalAmount
		}
		collected = collected.MustAdd(total)
	}

	if result.Complete() {
		if err := c.SettleTrip(ctx, tripID); err != nil {
			return nil, err
		}
	}

	if len(result.Captured) > 0 {
		c.publishCaptured(ctx, tripID, result, collected)
	}

	c.logger.Info("capture run finished",
		"trip_id", tripID,
		"captured", len(result.Captured),
		"failed", len(result.Failed),
		"already_captured", len(result.AlreadyCaptured),
	)
	return result, nil
}

func (c *Controller) publishCaptured(ctx context.Context, tripID string, result *CaptureResult, collected money.Money) {
	if c.publisher == nil {
		return
	}
	ev, err := events.NewEvent(events.EventPaymentCaptured, "", "trip", tripID, events.PaymentCapturedData{
		TripID:         tripID,
		Captured:       len(result.Captured),
		Failed:         len(result.Failed),
		TotalCollected: collected.AmountMinor,
		Currency:       string(collected.Currency),
	})
	if err != nil {
		c.logger.Error("encoding capture event", "trip_id", tripID, "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("capture event publish failed", "trip_id", tripID, "error", err)
	}
}

func (c *Controller) captureOne(ctx context.Context, txn *ledgerdomain.Transaction) error {
	if txn.Amount.IsPositive() {
		_, err := c.gateway.CapturePayment(ctx, gateway.CaptureRequest{
			OrderID:   txn.OrderID,
			PaymentID: txn.GatewayPaymentID,
			Amount:    txn.Amount,
		})
		if err != nil {
			return fmt.Errorf("gateway capture: %w", err)
		}
	}

	if err := txn.MarkCaptured(); err != nil {
		return err
	}
	if err := c.txns.Transition(ctx, txn, ledgerdomain.StatusAuthorized); err != nil {
		return err
	}

	if _, err := c.bookings.MarkPaid(ctx, txn.BookingID); err != nil {
		c.logger.Error("captured but booking not marked paid",
			"transaction_id", txn.ID,
			"booking_id", txn.BookingID,
			"error", err,
		)
	}
	return nil
}

// SettleTrip records the commission/advance/vault split once and locks
// the driver's earnings as wallet entries. Runs after the last capture
// succeeds, and again from the escrow scheduler for trips whose
// payments all settled through webhooks; losing the StoreSplit
// compare-and-set means another run already settled.
func (c *Controller) SettleTrip(ctx context.Context, tripID string) error {
	collected, err := c.collectedTotal(ctx, tripID)
	if err != nil {
		return err
	}
	if !collected.IsPositive() {
		return nil
	}

	split, err := c.fares.SplitCollectedFare(collected)
	if err != nil {
		return fmt.Errorf("splitting collected fare: %w", err)
	}

	stored, err := c.bookings.StoreSplit(ctx, tripID, booking.TripPayment{
		TotalCollected:     collected,
		PlatformCommission: split.PlatformCommission,
		DriverAdvance:      split.DriverAdvance,
		VaultAmount:        split.VaultAmount,
		VaultStatus:        booking.VaultLocked,
	})
	if err != nil {
		return fmt.Errorf("storing trip split: %w", err)
	}
	if !stored {
		return nil
	}

	trip, err := c.bookings.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}

	if split.DriverAdvance.IsPositive() {
		if _, err := c.wallet.CreditEarning(ctx, trip.DriverID, split.DriverAdvance, wallet.SourceTripAdvance, wallet.TripAdvanceRef(tripID), true); err != nil {
			return fmt.Errorf("locking driver advance: %w", err)
		}
	}
	if split.VaultAmount.IsPositive() {
		if _, err := c.wallet.CreditEarning(ctx, trip.DriverID, split.VaultAmount, wallet.SourceTripVault, wallet.TripVaultRef(tripID), true); err != nil {
			return fmt.Errorf("locking driver vault: %w", err)
		}
	}

	c.logger.Info("trip settled",
		"trip_id", tripID,
		"total_collected", collected,
		"commission", split.PlatformCommission,
		"advance", split.DriverAdvance,
		"vault", split.VaultAmount,
	)

	c.creditCashback(ctx, tripID)
	return nil
}

// collectedTotal sums the full fare of every settled collection. The
// fare breakdown total is used rather than the gateway amount so that
// wallet-funded portions still count toward the driver's earnings.
func (c *Controller) collectedTotal(ctx context.Context, tripID string) (money.Money, error) {
	total := money.Zero(money.INR)
	for _, status := range []ledgerdomain.Status{ledgerdomain.StatusCaptured, ledgerdomain.StatusCompleted} {
		txns, err := c.txns.ListCollectionsByTripAndStatus(ctx, tripID, status)
		if err != nil {
			return money.Money{}, fmt.Errorf("listing settled collections: %w", err)
		}
		for _, txn := range txns {
			amount := txn.Amount
			if txn.Breakdown != nil {
				amount = txn.Breakdown.TotalAmount
			}
			total = total.MustAdd(amount)
		}
	}
	return total, nil
}

func (c *Controller) creditCashback(ctx context.Context, tripID string) {
	if c.cfg.CashbackBps <= 0 {
		return
	}

	bookings, err := c.bookings.ListBookingsByTrip(ctx, tripID)
	if err != nil {
		c.logger.Error("cashback skipped, cannot list bookings", "trip_id", tripID, "error", err)
		return
	}

	for _, b := range bookings {
		if b.PaymentStatus != booking.PaymentPaid || b.Fare == nil {
			continue
		}
		cashback := b.Fare.TotalAmount.Percentage(c.cfg.CashbackBps)
		if !cashback.IsPositive() {
			continue
		}
		if _, err := c.wallet.CreditCashback(ctx, b.UserID, cashback, "booking:"+b.ID); err != nil {
			c.logger.Error("cashback credit failed",
				"booking_id", b.ID,
				"user_id", b.UserID,
				"error", err,
			)
		}
	}
}
