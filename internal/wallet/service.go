package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/events"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/metrics"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerdomain "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
)

// Config holds wallet configuration
type Config struct {
	// PromoRedeemBps caps how much of a fare partial-redeem promo
	// credit may cover, in basis points.
	PromoRedeemBps     int64 `envconfig:"WALLET_PROMO_REDEEM_BPS" default:"5000"`
	CashbackExpiryDays int   `envconfig:"WALLET_CASHBACK_EXPIRY_DAYS" default:"90"`
	TxAttempts         int   `envconfig:"WALLET_TX_ATTEMPTS" default:"3"`
}

// TransactionRecorder records withdrawal payouts in the transaction
// ledger.
type TransactionRecorder interface {
	Create(ctx context.Context, txn *ledgerdomain.Transaction) error
	Transition(ctx context.Context, txn *ledgerdomain.Transaction, from ledgerdomain.Status) error
}

// PayoutGateway sends withdrawn funds to the user's account.
type PayoutGateway interface {
	CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error)
}

// Service coordinates wallet mutations. Every mutation runs in a
// serializable transaction that locks the user's live entries, checks
// the stored balance against them, applies the change, and writes the
// balance recomputed from the resulting entries.
type Service struct {
	db        *database.DB
	store     *Store
	ledger    TransactionRecorder
	gateway   PayoutGateway
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a wallet service. publisher may be nil when no
// broker is wired.
func NewService(db *database.DB, store *Store, ledger TransactionRecorder, gw PayoutGateway, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		store:     store,
		ledger:    ledger,
		gateway:   gw,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// publish emits a domain event, best effort: failures are logged and
// never fail the money path.
func (s *Service) publish(ctx context.Context, eventType, userID, aggregateID string, data any) {
	if s.publisher == nil {
		return
	}
	ev, err := events.NewEvent(eventType, userID, "wallet", aggregateID, data)
	if err != nil {
		s.logger.Error("encoding wallet event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("wallet event publish failed", "type", eventType, "event_id", ev.ID, "error", err)
	}
}

// mutate is the transaction harness shared by all wallet operations.
// fn receives the user's live entries, oldest first and already swept
// for expiry, and returns the final entry set the new balance is
// computed from.
func (s *Service) mutate(ctx context.Context, userID string, fn func(tx pgx.Tx, entries []*Entry, now time.Time) ([]*Entry, error)) (*Balance, error) {
	var balance *Balance

	err := database.Retry(ctx, s.cfg.TxAttempts, func() error {
		return s.db.WithTxOptions(ctx, database.SerializableTxOptions(), func(tx pgx.Tx) error {
			now := time.Now().UTC()

			entries, err := s.store.ListLiveEntriesForUpdateTx(ctx, tx, userID)
			if err != nil {
				return err
			}
			stored, err := s.store.GetBalanceForUpdateTx(ctx, tx, userID)
			if err != nil {
				return err
			}

			// The stored balance must match the entries as of its own
			// write time; a mismatch means the books are off and the
			// mutation must not proceed.
			if computed := ComputeBalance(userID, entries, stored.UpdatedAt); !computed.Matches(stored) {
				return fmt.Errorf("%w for user %s", ErrInvariantViolated, userID)
			}

			for _, e := range ExpireOverdue(entries, now) {
				if err := s.store.UpdateEntryTx(ctx, tx, e); err != nil {
					return err
				}
				s.logger.Info("promo credit expired",
					"entry_id", e.ID,
					"user_id", userID,
					"amount", e.Remaining,
				)
			}

			final, err := fn(tx, entries, now)
			if err != nil {
				return err
			}

			balance = ComputeBalance(userID, final, now)
			balance.UpdatedAt = now
			return s.store.SaveBalanceTx(ctx, tx, balance)
		})
	})
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// ApplyToFare deducts wallet credit from a fare, promo first, oldest
// entries first. It applies at most min(available balance, fare) and
// never fails for lack of funds; the caller collects the remaining
// fare through the payment gateway.
func (s *Service) ApplyToFare(ctx context.Context, userID string, fareAmount money.Money) (*Deduction, error) {
	if !fareAmount.IsPositive() {
		return nil, errors.New("fare amount must be positive")
	}

	var out *Deduction
	_, err := s.mutate(ctx, userID, func(tx pgx.Tx, entries []*Entry, now time.Time) ([]*Entry, error) {
		applied, details, err := Deduct(entries, fareAmount, s.cfg.PromoRedeemBps, now)
		if err != nil {
			return nil, err
		}

		byID := make(map[string]*Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		for _, d := range details {
			if err := s.store.UpdateEntryTx(ctx, tx, byID[d.EntryID]); err != nil {
				return nil, err
			}
		}

		out = &Deduction{
			UserID:        userID,
			AmountApplied: applied,
			RemainingFare: fareAmount.MustSub(applied),
			Details:       details,
		}
		return entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("applying wallet to fare: %w", err)
	}

	if out.AmountApplied.IsPositive() {
		s.publish(ctx, events.EventWalletDebited, userID, userID, events.WalletMovementData{
			UserID:   userID,
			Amount:   out.AmountApplied.AmountMinor,
			Currency: string(out.AmountApplied.Currency),
			Source:   "fare",
		})
	}

	s.logger.Info("wallet credit applied to fare",
		"user_id", userID,
		"fare", fareAmount,
		"applied", out.AmountApplied,
	)
	return out, nil
}

func (s *Service) credit(ctx context.Context, e *Entry) error {
	_, err := s.mutate(ctx, e.UserID, func(tx pgx.Tx, entries []*Entry, now time.Time) ([]*Entry, error) {
		if err := s.store.CreateEntryTx(ctx, tx, e); err != nil {
			return nil, err
		}
		return append(entries, e), nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.EventWalletCredited, e.UserID, e.ID, events.WalletMovementData{
		UserID:   e.UserID,
		EntryID:  e.ID,
		Amount:   e.Amount.AmountMinor,
		Currency: string(e.Amount.Currency),
		Source:   string(e.Source),
	})
	return nil
}

// CreditCashback grants a passenger expiring promo cashback
func (s *Service) CreditCashback(ctx context.Context, userID string, amount money.Money, referenceID string) (*Entry, error) {
	e, err := NewEntry(ulid.Make().String(), userID, amount, SourceCashback, EntryUnlocked, true)
	if err != nil {
		return nil, err
	}
	e.PartialRedeem = true
	e.ReferenceID = referenceID
	expiresAt := time.Now().UTC().AddDate(0, 0, s.cfg.CashbackExpiryDays)
	e.ExpiresAt = &expiresAt

	if err := s.credit(ctx, e); err != nil {
		return nil, fmt.Errorf("crediting cashback: %w", err)
	}

	s.logger.Info("cashback credited",
		"user_id", userID,
		"entry_id", e.ID,
		"amount", amount,
		"reference_id", referenceID,
	)
	return e, nil
}

// AddPromoCredit grants expiring promo credit from a campaign or
// goodwill source
func (s *Service) AddPromoCredit(ctx context.Context, userID string, amount money.Money, source EntrySource, expiryDays int) (*Entry, error) {
	e, err := NewEntry(ulid.Make().String(), userID, amount, source, EntryUnlocked, true)
	if err != nil {
		return nil, err
	}
	e.PartialRedeem = true
	if expiryDays > 0 {
		expiresAt := time.Now().UTC().AddDate(0, 0, expiryDays)
		e.ExpiresAt = &expiresAt
	}

	if err := s.credit(ctx, e); err != nil {
		return nil, fmt.Errorf("adding promo credit: %w", err)
	}

	s.logger.Info("promo credit added",
		"user_id", userID,
		"entry_id", e.ID,
		"amount", amount,
		"source", source,
	)
	return e, nil
}

// CreditEarning credits a driver's non-promo earning, locked until the
// escrow stage that releases it when locked is set.
func (s *Service) CreditEarning(ctx context.Context, userID string, amount money.Money, source EntrySource, referenceID string, locked bool) (*Entry, error) {
	status := EntryUnlocked
	if locked {
		status = EntryLocked
	}

	e, err := NewEntry(ulid.Make().String(), userID, amount, source, status, false)
	if err != nil {
		return nil, err
	}
	e.ReferenceID = referenceID

	if err := s.credit(ctx, e); err != nil {
		return nil, fmt.Errorf("crediting earning: %w", err)
	}

	s.logger.Info("earning credited",
		"user_id", userID,
		"entry_id", e.ID,
		"amount", amount,
		"source", source,
		"locked", locked,
	)
	return e, nil
}

// UnlockByReference releases the locked entry a reference points at,
// e.g. "trip:<id>:advance" when the trip starts.
func (s *Service) UnlockByReference(ctx context.Context, userID, referenceID string) (*Entry, error) {
	var unlocked *Entry
	_, err := s.mutate(ctx, userID, func(tx pgx.Tx, entries []*Entry, now time.Time) ([]*Entry, error) {
		for _, e := range entries {
			if e.ReferenceID != referenceID || e.Status != EntryLocked {
				continue
			}
			if err := e.Unlock(); err != nil {
				return nil, err
			}
			if err := s.store.UpdateEntryTx(ctx, tx, e); err != nil {
				return nil, err
			}
			unlocked = e
			return entries, nil
		}
		return nil, fmt.Errorf("locked wallet entry %q for user %s: %w", referenceID, userID, database.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet entry unlocked",
		"user_id", userID,
		"entry_id", unlocked.ID,
		"amount", unlocked.Remaining,
		"reference_id", referenceID,
	)
	return unlocked, nil
}

// WithdrawalResult reports a completed or failed withdrawal.
type WithdrawalResult struct {
	TransactionID string      `json:"transaction_id"`
	PayoutID      string      `json:"payout_id"`
	Amount        money.Money `json:"amount"`
	Status        string      `json:"status"`
	UTR           string      `json:"utr,omitempty"`
}

// Withdraw pays out unlocked non-promo credit to the user's account.
// The balance is deducted before the gateway call; a failed payout is
// compensated with a reversal entry so the funds reappear.
func (s *Service) Withdraw(ctx context.Context, userID string, amount money.Money, account gateway.PayoutAccount) (*WithdrawalResult, error) {
	if !amount.IsPositive() {
		return nil, errors.New("withdrawal amount must be positive")
	}

	_, err := s.mutate(ctx, userID, func(tx pgx.Tx, entries []*Entry, now time.Time) ([]*Entry, error) {
		details, err := ConsumeForWithdrawal(entries, amount, now)
		if err != nil {
			return nil, err
		}

		byID := make(map[string]*Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		for _, d := range details {
			if err := s.store.UpdateEntryTx(ctx, tx, byID[d.EntryID]); err != nil {
				return nil, err
			}
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	payoutID := fmt.Sprintf("PO-%s", ulid.Make().String())
	txn, err := ledgerdomain.NewTransaction(ulid.Make().String(), "", "", "", userID, ledgerdomain.TypePayout, amount)
	if err != nil {
		s.revertWithdrawal(ctx, userID, amount, payoutID)
		return nil, err
	}
	txn.GatewayPayoutID = payoutID
	txn.Metadata["kind"] = "wallet_withdrawal"

	if err := s.ledger.Create(ctx, txn); err != nil {
		s.revertWithdrawal(ctx, userID, amount, payoutID)
		return nil, fmt.Errorf("recording withdrawal: %w", err)
	}

	res, err := s.gateway.CreatePayout(ctx, gateway.PayoutRequest{
		PayoutID:  payoutID,
		Account:   account,
		Amount:    amount,
		Narration: "wallet withdrawal",
	})
	if err != nil {
		if markErr := txn.MarkFailed("PAYOUT_FAILED", err.Error()); markErr == nil {
			if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
				s.logger.Error("failed to record withdrawal failure",
					"transaction_id", txn.ID,
					"error", trErr,
				)
			}
		}
		s.revertWithdrawal(ctx, userID, amount, payoutID)
		metrics.RecordPayout("withdrawal", "failed")
		return nil, fmt.Errorf("creating withdrawal payout: %w", err)
	}

	if markErr := txn.MarkCompleted(); markErr == nil {
		if trErr := s.ledger.Transition(ctx, txn, ledgerdomain.StatusPending); trErr != nil {
			s.logger.Error("failed to record withdrawal completion",
				"transaction_id", txn.ID,
				"error", trErr,
			)
		}
	}
	metrics.RecordPayout("withdrawal", "completed")

	s.publish(ctx, events.EventWalletWithdrawal, userID, txn.ID, events.WithdrawalData{
		UserID:   userID,
		PayoutID: payoutID,
		Amount:   amount.AmountMinor,
		Currency: string(amount.Currency),
	})

	s.logger.Info("wallet withdrawal paid out",
		"user_id", userID,
		"amount", amount,
		"payout_id", payoutID,
		"utr", res.UTR,
	)
	return &WithdrawalResult{
		TransactionID: txn.ID,
		PayoutID:      payoutID,
		Amount:        amount,
		Status:        string(txn.Status),
		UTR:           res.UTR,
	}, nil
}

// RevertWithdrawal restores a consumed balance after the payout leg of
// a withdrawal failed, either synchronously or through a later gateway
// webhook. Callers flip the payout transaction to failed first; that
// compare-and-set is what keeps a replayed failure report from
// crediting twice.
func (s *Service) RevertWithdrawal(ctx context.Context, userID string, amount money.Money, payoutID string) error {
	e, err := NewEntry(ulid.Make().String(), userID, amount, SourceReversal, EntryUnlocked, false)
	if err != nil {
		return err
	}
	e.ReferenceID = payoutID
	if err := s.credit(ctx, e); err != nil {
		return fmt.Errorf("restoring withdrawn balance: %w", err)
	}

	s.logger.Warn("withdrawal reverted",
		"user_id", userID,
		"amount", amount,
		"payout_id", payoutID,
	)
	return nil
}

func (s *Service) revertWithdrawal(ctx context.Context, userID string, amount money.Money, payoutID string) {
	if err := s.RevertWithdrawal(ctx, userID, amount, payoutID); err != nil {
		s.logger.Error("failed to restore wallet balance after payout failure",
			"user_id", userID,
			"amount", amount,
			"payout_id", payoutID,
			"error", err,
		)
	}
}

// GetBalance returns the user's balance, expiring overdue promo
// credit first so the figures reflect only usable funds.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return s.mutate(ctx, userID, func(tx pgx.Tx, entries []*Entry, now time.Time) ([]*Entry, error) {
		return entries, nil
	})
}

// ListEntries lists a user's wallet entries, newest first
func (s *Service) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*Entry, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListEntries(ctx, userID, limit, offset)
}
