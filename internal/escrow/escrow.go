// Package escrow releases driver earnings in two stages tied to the
// trip lifecycle: the advance share when the trip starts, the withheld
// vault share when it completes. Every release is a gateway payout
// backed by a ledger transaction and an unlock of the matching wallet
// entry.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/booking"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/events"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/metrics"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerdomain "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
)

var (
	// ErrAdvanceNotYetPaid is returned when a trip completion is
	// requested before the driver's advance has been paid out.
	ErrAdvanceNotYetPaid = errors.New("driver advance not yet paid")

	// ErrCollectionIncomplete is returned when a trip start is
	// requested while fare collection is still outstanding.
	ErrCollectionIncomplete = errors.New("fare collection incomplete")
)

// Stage identifies an escrow release stage.
type Stage string

const (
	StageAdvance Stage = "advance"
	StageVault   Stage = "vault"
)

// TransactionStore is the slice of the ledger the scheduler needs.
type TransactionStore interface {
	Create(ctx context.Context, txn *ledgerdomain.Transaction) error
	Get(ctx context.Context, id string) (*ledgerdomain.Transaction, error)
	ListByTripID(ctx context.Context, tripID string) ([]*ledgerdomain.Transaction, error)
	ListCollectionsByTripAndStatus(ctx context.Context, tripID string, status ledgerdomain.Status) ([]*ledgerdomain.Transaction, error)
	GetAdvanceByTripID(ctx context.Context, tripID string) (*ledgerdomain.Transaction, error)
	Transition(ctx context.Context, txn *ledgerdomain.Transaction, from ledgerdomain.Status) error
}

// TripStore is the slice of trip storage the scheduler needs.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (*booking.Trip, error)
	TransitionTrip(ctx context.Context, tripID string, from, to booking.TripStatus) error
	SetAdvanceTransaction(ctx context.Context, tripID, txnID string) error
	ReleaseVault(ctx context.Context, tripID, txnID string) error
}

// PayoutGateway transfers funds out to the driver.
type PayoutGateway interface {
	CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error)
}

// Wallet unlocks the driver entries locked at settlement.
type Wallet interface {
	UnlockByReference(ctx context.Context, userID, referenceID string) (*wallet.Entry, error)
}

// Settler computes and stores the trip split when it is still absent,
// which happens when every payment settled through webhooks rather
// than a capture run.
type Settler interface {
	SettleTrip(ctx context.Context, tripID string) error
}

// Scheduler drives the two-stage escrow release.
type Scheduler struct {
	txns      TransactionStore
	trips     TripStore
	gateway   PayoutGateway
	wallet    Wallet
	settler   Settler
	publisher events.Publisher
	logger    *slog.Logger
}

// NewScheduler creates an escrow scheduler. The publisher may be nil.
func NewScheduler(txns TransactionStore, trips TripStore, gw PayoutGateway, w Wallet, settler Settler, publisher events.Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		txns:      txns,
		trips:     trips,
		gateway:   gw,
		wallet:    w,
		settler:   settler,
		publisher: publisher,
		logger:    logger,
	}
}

// StageResult reports one escrow release.
type StageResult struct {
	TripID        string              `json:"trip_id"`
	Stage         Stage               `json:"stage"`
	TransactionID string              `json:"transaction_id"`
	PayoutID      string              `json:"payout_id"`
	Amount        money.Money         `json:"amount"`
	Status        ledgerdomain.Status `json:"status"`
	UTR           string              `json:"utr,omitempty"`
}

// OnTripStart moves the trip to in_progress and pays the driver's
// advance share. Fare collection must be complete; the split is
// computed here if no capture run stored it yet. Repeat calls are
// idempotent, and a call after a failed payout retries with a fresh
// payout attempt.
func (s *Scheduler) OnTripStart(ctx context.Context, tripID string) (*StageResult, error) {
	trip, err := s.trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}

	switch trip.Status {
	case booking.TripScheduled:
		if err := s.requireCollectionComplete(ctx, tripID); err != nil {
			return nil, err
		}
		if !trip.Payment.HasSplit() {
			if err := s.settler.SettleTrip(ctx, tripID); err != nil {
				return nil, fmt.Errorf("settling trip before start: %w", err)
			}
			if trip, err = s.trips.GetTrip(ctx, tripID); err != nil {
				return nil, err
			}
		}
		if !trip.Payment.HasSplit() {
			return nil, fmt.Errorf("trip %s has no captured fare: %w", tripID, ErrCollectionIncomplete)
		}
		if err := s.trips.TransitionTrip(ctx, tripID, booking.TripScheduled, booking.TripInProgress); err != nil {
			return nil, err
		}

	case booking.TripInProgress:
		// An earlier start crashed or its payout failed.
		advance, err := s.txns.GetAdvanceByTripID(ctx, tripID)
		switch {
		case database.IsNotFound(err):
			// No attempt recorded, pay below.
		case err != nil:
			return nil, err
		case advance.Status == ledgerdomain.StatusFailed:
			// Last attempt failed at the gateway, pay below.
		default:
			// Completed, or pending with the gateway still settling.
			return stageResultFrom(advance, StageAdvance), nil
		}
		if !trip.Payment.HasSplit() {
			return nil, fmt.Errorf("trip %s has no stored split: %w", tripID, ErrCollectionIncomplete)
		}

	default:
		return nil, fmt.Errorf("trip %s is %s, not startable: %w", tripID, trip.Status, database.ErrConflict)
	}

	return s.payStage(ctx, trip, StageAdvance)
}

// OnTripComplete pays out the withheld vault share and moves the trip
// to completed. The advance must have been paid first; this is a hard
// precondition, not a recoverable ordering.
func (s *Scheduler) OnTripComplete(ctx context.Context, tripID string) (*StageResult, error) {
	trip, err := s.trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}

	advance, err := s.txns.GetAdvanceByTripID(ctx, tripID)
	if database.IsNotFound(err) {
		return nil, fmt.Errorf("trip %s has no advance transaction: %w", tripID, ErrAdvanceNotYetPaid)
	}
	if err != nil {
		return nil, err
	}
	if advance.Status != ledgerdomain.StatusCompleted {
		return nil, fmt.Errorf("advance %s is %s: %w", advance.ID, advance.Status, ErrAdvanceNotYetPaid)
	}

	switch trip.Status {
	case booking.TripInProgress:
		if err := s.trips.TransitionTrip(ctx, tripID, booking.TripInProgress, booking.TripCompleted); err != nil {
			return nil, err
		}

	case booking.TripCompleted:
		if trip.Payment.VaultStatus == booking.VaultReleased {
			if trip.Payment.VaultTransactionID == "" {
				return nil, fmt.Errorf("vault for trip %s already released: %w", tripID, database.ErrConflict)
			}
			txn, err := s.txns.Get(ctx, trip.Payment.VaultTransactionID)
			if err != nil {
				return nil, err
			}
			return stageResultFrom(txn, StageVault), nil
		}
		// Vault still locked after completion: an earlier payout
		// crashed or failed. A pending attempt may yet settle at the
		// gateway, so only a failed or missing one is retried.
		latest, err := s.latestVaultPayout(ctx, tripID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			switch latest.Status {
			case ledgerdomain.StatusFailed:
				// Pay again below.
			case ledgerdomain.StatusCompleted:
				// Paid, but the release crashed before it landed.
				s.finishStage(ctx, trip, StageVault, latest)
				return stageResultFrom(latest, StageVault), nil
			default:
				return stageResultFrom(latest, StageVault), nil
			}
		}

	default:
		return nil, fmt.Errorf("trip %s is %s, not completable: %w", tripID, trip.Status, database.ErrConflict)
	}

	return s.payStage(ctx, trip, StageVault)
}

// OnPayoutSettled applies the stage side effects for a payout that the
// gateway confirmed asynchronously. Called from webhook processing;
// wallet withdrawals carry no trip and are not escrow's concern.
func (s *Scheduler) OnPayoutSettled(ctx context.Context, txn *ledgerdomain.Transaction) error {
	if txn.TripID == "" {
		return nil
	}
	st := Stage(txn.Metadata["stage"])
	if st != StageAdvance && st != StageVault {
		return nil
	}

	trip, err := s.trips.GetTrip(ctx, txn.TripID)
	if err != nil {
		return err
	}
	s.finishStage(ctx, trip, st, txn)
	return nil
}

func (s *Scheduler) requireCollectionComplete(ctx context.Context, tripID string) error {
	for _, status := range []ledgerdomain.Status{ledgerdomain.StatusPending, ledgerdomain.StatusAuthorized} {
		open, err := s.txns.ListCollectionsByTripAndStatus(ctx, tripID, status)
		if err != nil {
			return fmt.Errorf("listing open collections: %w", err)
		}
		if len(open) > 0 {
			return fmt.Errorf("trip %s has %d %s collections: %w", tripID, len(open), status, ErrCollectionIncomplete)
		}
	}
	return nil
}

// payStage records a ledger transaction for the stage and pushes the
// money out. A zero-amount stage is recorded as completed without a
// gateway call, which happens for very small fares where the rounded
// vault share is nothing.
func (s *Scheduler) payStage(ctx context.Context, trip *booking.Trip, st Stage) (*StageResult, error) {
	amount := trip.Payment.DriverAdvance
	narration := "trip advance"
	txnType := ledgerdomain.TypeAdvance
	if st == StageVault {
		amount = trip.Payment.VaultAmount
		narration = "trip vault release"
		txnType = ledgerdomain.TypePayout
	}

	payoutID := "PO-" + ulid.Make().String()
	txn, err := ledgerdomain.NewTransaction(ulid.Make().String(), "", "", trip.ID, trip.DriverID, txnType, amount)
	if err != nil {
		return nil, fmt.Errorf("building %s transaction: %w", st, err)
	}
	txn.GatewayPayoutID = payoutID
	txn.Metadata["stage"] = string(st)

	if err := s.txns.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("recording %s transaction: %w", st, err)
	}
	if st == StageAdvance {
		if err := s.trips.SetAdvanceTransaction(ctx, trip.ID, txn.ID); err != nil {
			s.logger.Error("advance transaction not recorded on trip",
				"trip_id", trip.ID,
				"transaction_id", txn.ID,
				"error", err,
			)
		}
	}

	var utr string
	if amount.IsPositive() {
		res, err := s.gateway.CreatePayout(ctx, gateway.PayoutRequest{
			PayoutID:  payoutID,
			Account:   trip.DriverAccount,
			Amount:    amount,
			Narration: narration,
		})
		if err != nil {
			if markErr := txn.MarkFailed("PAYOUT_FAILED", err.Error()); markErr == nil {
				if terr := s.txns.Transition(ctx, txn, ledgerdomain.StatusPending); terr != nil {
					s.logger.Error("failed payout not recorded", "transaction_id", txn.ID, "error", terr)
				}
			}
			metrics.RecordPayout(string(st), "failed")
			return nil, fmt.Errorf("%s payout for trip %s: %w", st, trip.ID, err)
		}
		utr = res.UTR
		if utr != "" {
			txn.Metadata["utr"] = utr
		}
	}

	if err := txn.MarkCompleted(); err != nil {
		return nil, err
	}
	if err := s.txns.Transition(ctx, txn, ledgerdomain.StatusPending); err != nil {
		return nil, fmt.Errorf("completing %s transaction: %w", st, err)
	}
	metrics.RecordPayout(string(st), "completed")

	s.finishStage(ctx, trip, st, txn)

	s.logger.Info("escrow stage released",
		"trip_id", trip.ID,
		"stage", st,
		"transaction_id", txn.ID,
		"payout_id", payoutID,
		"amount", amount,
		"utr", utr,
	)

	return &StageResult{
		TripID:        trip.ID,
		Stage:         st,
		TransactionID: txn.ID,
		PayoutID:      payoutID,
		Amount:        amount,
		Status:        txn.Status,
		UTR:           utr,
	}, nil
}

// finishStage applies the post-payout side effects: the vault flag on
// the trip, the unlock of the driver's wallet entry, and the stage
// event. The money has already moved, so failures here are logged,
// never bubbled.
func (s *Scheduler) finishStage(ctx context.Context, trip *booking.Trip, st Stage, txn *ledgerdomain.Transaction) {
	ref := wallet.TripAdvanceRef(trip.ID)
	if st == StageVault {
		ref = wallet.TripVaultRef(trip.ID)
		if err := s.trips.ReleaseVault(ctx, trip.ID, txn.ID); err != nil && !errors.Is(err, database.ErrConflict) {
			s.logger.Error("vault not marked released", "trip_id", trip.ID, "error", err)
		}
	}

	if _, err := s.wallet.UnlockByReference(ctx, trip.DriverID, ref); err != nil && !database.IsNotFound(err) {
		// A missing entry is expected for zero-amount stages, which
		// never locked one.
		s.logger.Error("driver wallet entry not unlocked",
			"trip_id", trip.ID,
			"driver_id", trip.DriverID,
			"reference", ref,
			"error", err,
		)
	}

	s.publishStage(ctx, trip, st, txn)
}

func (s *Scheduler) publishStage(ctx context.Context, trip *booking.Trip, st Stage, txn *ledgerdomain.Transaction) {
	if s.publisher == nil {
		return
	}
	eventType := events.EventTripAdvancePaid
	if st == StageVault {
		eventType = events.EventTripVaultReleased
	}
	ev, err := events.NewEvent(eventType, trip.DriverID, "trip", trip.ID, events.TripSettlementData{
		TripID:        trip.ID,
		DriverID:      trip.DriverID,
		TransactionID: txn.ID,
		PayoutID:      txn.GatewayPayoutID,
		Amount:        txn.Amount.AmountMinor,
		Currency:      string(txn.Amount.Currency),
	})
	if err != nil {
		s.logger.Error("encoding escrow event", "trip_id", trip.ID, "stage", st, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("escrow event publish failed", "trip_id", trip.ID, "stage", st, "error", err)
	}
}

func (s *Scheduler) latestVaultPayout(ctx context.Context, tripID string) (*ledgerdomain.Transaction, error) {
	txns, err := s.txns.ListByTripID(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("listing trip transactions: %w", err)
	}

	var latest *ledgerdomain.Transaction
	for _, t := range txns {
		if t.Type == ledgerdomain.TypePayout {
			latest = t
		}
	}
	return latest, nil
}

func stageResultFrom(txn *ledgerdomain.Transaction, st Stage) *StageResult {
	return &StageResult{
		TripID:        txn.TripID,
		Stage:         st,
		TransactionID: txn.ID,
		PayoutID:      txn.GatewayPayoutID,
		Amount:        txn.Amount,
		Status:        txn.Status,
		UTR:           txn.Metadata["utr"],
	}
}
