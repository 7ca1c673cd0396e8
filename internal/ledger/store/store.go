// Package store persists ledger transactions. Status changes go
// through compare-and-set updates so concurrent writers cannot clobber
// each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
)

const transactionColumns = `
	id, order_id, booking_id, trip_id, user_id, type, status,
	amount_minor, currency, breakdown, payment_method,
	gateway_payment_id, gateway_refund_id, gateway_payout_id,
	failure_code, failure_message, retry_count, metadata,
	authorized_at, captured_at, completed_at, failed_at, refunded_at,
	created_at, updated_at`

// Store provides transaction ledger data access
type Store struct {
	db *database.DB
}

// New creates a new transaction store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new transaction. A partial unique index guards the
// one-active-collection-per-order invariant.
func (s *Store) Create(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
	`

	breakdown, err := marshalBreakdown(txn.Breakdown)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, query,
		txn.ID, txn.OrderID, txn.BookingID, txn.TripID, txn.UserID,
		txn.Type, txn.Status, txn.Amount.AmountMinor, txn.Amount.Currency,
		breakdown, txn.PaymentMethod,
		txn.GatewayPaymentID, txn.GatewayRefundID, txn.GatewayPayoutID,
		txn.FailureCode, txn.FailureMessage, txn.RetryCount, txn.Metadata,
		txn.AuthorizedAt, txn.CapturedAt, txn.CompletedAt, txn.FailedAt, txn.RefundedAt,
		txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("active collection already exists for order %s: %w", txn.OrderID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating transaction: %w", err)
	}

	return nil
}

// Get retrieves a transaction by ID
func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return scanTransaction(row)
}

// GetByOrderID retrieves the most recent collection or subscription
// transaction for a gateway order.
func (s *Store) GetByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_id = $1 AND type IN ('collection', 'subscription')
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, orderID)
	return scanTransaction(row)
}

// GetByRefundID retrieves a refund transaction by its gateway refund
// reference.
func (s *Store) GetByRefundID(ctx context.Context, refundID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'refund' AND gateway_refund_id = $1
	`

	row := s.db.QueryRow(ctx, query, refundID)
	return scanTransaction(row)
}

// GetByPayoutID retrieves an advance or payout transaction by its
// gateway payout reference.
func (s *Store) GetByPayoutID(ctx context.Context, payoutID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type IN ('advance', 'payout') AND gateway_payout_id = $1
	`

	row := s.db.QueryRow(ctx, query, payoutID)
	return scanTransaction(row)
}

// ListByBookingID lists all transactions for a booking, oldest first
func (s *Store) ListByBookingID(ctx context.Context, bookingID string) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE booking_id = $1
		ORDER BY created_at ASC
	`

	return s.list(ctx, query, bookingID)
}

// ListByTripID lists all transactions for a trip, oldest first
func (s *Store) ListByTripID(ctx context.Context, tripID string) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE trip_id = $1
		ORDER BY created_at ASC
	`

	return s.list(ctx, query, tripID)
}

// ListCollectionsByTripAndStatus lists a trip's fare collections in the
// given status. The capture controller uses this to find held payments.
func (s *Store) ListCollectionsByTripAndStatus(ctx context.Context, tripID string, status domain.Status) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE trip_id = $1 AND type = 'collection' AND status = $2
		ORDER BY created_at ASC
	`

	return s.list(ctx, query, tripID, status)
}

// GetAdvanceByTripID retrieves the advance transaction for a trip
func (s *Store) GetAdvanceByTripID(ctx context.Context, tripID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE trip_id = $1 AND type = 'advance'
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, tripID)
	return scanTransaction(row)
}

// GetLatestRefundByBookingID retrieves the most recent refund
// transaction for a booking.
func (s *Store) GetLatestRefundByBookingID(ctx context.Context, bookingID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE booking_id = $1 AND type = 'refund'
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, bookingID)
	return scanTransaction(row)
}

// Transition persists a status change guarded on the expected prior
// status. The caller applies the domain transition first, then passes
// the status the row must still hold. If another writer got there
// first no row matches and ErrInvalidTransition is returned.
func (s *Store) Transition(ctx context.Context, txn *domain.Transaction, from domain.Status) error {
	query := `
		UPDATE transactions SET
			status = $3, payment_method = $4,
			gateway_payment_id = $5, gateway_refund_id = $6, gateway_payout_id = $7,
			failure_code = $8, failure_message = $9, retry_count = $10, metadata = $11,
			authorized_at = $12, captured_at = $13, completed_at = $14,
			failed_at = $15, refunded_at = $16, updated_at = $17
		WHERE id = $1 AND status = $2
	`

	tag, err := s.db.Exec(ctx, query,
		txn.ID, from,
		txn.Status, txn.PaymentMethod,
		txn.GatewayPaymentID, txn.GatewayRefundID, txn.GatewayPayoutID,
		txn.FailureCode, txn.FailureMessage, txn.RetryCount, txn.Metadata,
		txn.AuthorizedAt, txn.CapturedAt, txn.CompletedAt,
		txn.FailedAt, txn.RefundedAt, txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("transitioning transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is no longer %s", domain.ErrInvalidTransition, txn.ID, from)
	}

	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amountMinor int64
	var currency string
	var breakdown []byte

	err := row.Scan(
		&t.ID, &t.OrderID, &t.BookingID, &t.TripID, &t.UserID,
		&t.Type, &t.Status, &amountMinor, &currency, &breakdown, &t.PaymentMethod,
		&t.GatewayPaymentID, &t.GatewayRefundID, &t.GatewayPayoutID,
		&t.FailureCode, &t.FailureMessage, &t.RetryCount, &t.Metadata,
		&t.AuthorizedAt, &t.CapturedAt, &t.CompletedAt, &t.FailedAt, &t.RefundedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	t.Amount = money.New(amountMinor, money.Currency(currency))
	if len(breakdown) > 0 {
		var b fare.Breakdown
		if err := json.Unmarshal(breakdown, &b); err != nil {
			return nil, fmt.Errorf("decoding breakdown: %w", err)
		}
		t.Breakdown = &b
	}

	return &t, nil
}

func marshalBreakdown(b *fare.Breakdown) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding breakdown: %w", err)
	}
	return data, nil
}
