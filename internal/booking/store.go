package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
)

const bookingColumns = `
	id, trip_id, user_id, seats, status, payment_order_id, payment_status,
	fare, has_free_cancellation, wallet_applied_minor, otp_hash, verified_at,
	cancellation, created_at, updated_at`

const tripColumns = `
	id, driver_id, driver_account, status, departure_at,
	total_collected_minor, platform_commission_minor, driver_advance_minor,
	vault_amount_minor, currency, vault_status,
	advance_transaction_id, vault_transaction_id, created_at, updated_at`

// Store provides booking and trip data access
type Store struct {
	db *database.DB
}

// NewStore creates a booking store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateBooking inserts a booking row
func (s *Store) CreateBooking(ctx context.Context, b *Booking) error {
	query := `
		INSERT INTO bookings (` + bookingColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	var fareJSON, cancellationJSON []byte
	var err error
	if b.Fare != nil {
		if fareJSON, err = json.Marshal(b.Fare); err != nil {
			return fmt.Errorf("encoding booking fare: %w", err)
		}
	}
	if b.Cancellation != nil {
		if cancellationJSON, err = json.Marshal(b.Cancellation); err != nil {
			return fmt.Errorf("encoding booking cancellation: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, query,
		b.ID, b.TripID, b.UserID, b.Seats, b.Status, b.PaymentOrderID, b.PaymentStatus,
		fareJSON, b.HasFreeCancellation, b.WalletApplied.AmountMinor, b.OTPHash, b.VerifiedAt,
		cancellationJSON, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("booking %s already exists: %w", b.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating booking: %w", err)
	}
	return nil
}

// GetBooking retrieves a booking by ID
func (s *Store) GetBooking(ctx context.Context, id string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return scanBooking(row)
}

// GetBookingByOrderID retrieves the booking holding a gateway order
func (s *Store) GetBookingByOrderID(ctx context.Context, orderID string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE payment_order_id = $1`

	row := s.db.QueryRow(ctx, query, orderID)
	return scanBooking(row)
}

// ListBookingsByTrip lists all bookings on a trip, oldest first
func (s *Store) ListBookingsByTrip(ctx context.Context, tripID string) ([]*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE trip_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("listing bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// SetPaymentOrder attaches a gateway order, computed fare, and the
// wallet slice already applied to a pending booking. Fails with
// ErrConflict if the booking has left the payable state, which guards
// against a second initiate racing this one.
func (s *Store) SetPaymentOrder(ctx context.Context, bookingID, orderID string, breakdown *fare.Breakdown, walletApplied money.Money, hasFreeCancellation bool) error {
	query := `
		UPDATE bookings
		SET payment_order_id = $2, fare = $3, wallet_applied_minor = $4,
			has_free_cancellation = $5, updated_at = $6
		WHERE id = $1 AND status = 'pending' AND payment_status = 'pending'
	`

	var fareJSON []byte
	if breakdown != nil {
		var err error
		if fareJSON, err = json.Marshal(breakdown); err != nil {
			return fmt.Errorf("encoding booking fare: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, query, bookingID, orderID, fareJSON, walletApplied.AmountMinor, hasFreeCancellation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting payment order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s is not payable: %w", bookingID, database.ErrConflict)
	}
	return nil
}

// ClearPaymentOrder detaches a failed gateway order so the passenger
// can retry payment. The booking itself stays pending.
func (s *Store) ClearPaymentOrder(ctx context.Context, bookingID string) error {
	query := `
		UPDATE bookings
		SET payment_order_id = '', updated_at = $2
		WHERE id = $1 AND payment_status = 'pending'
	`

	if _, err := s.db.Exec(ctx, query, bookingID, time.Now().UTC()); err != nil {
		return fmt.Errorf("clearing payment order: %w", err)
	}
	return nil
}

// ConfirmBooking advances a pending booking to confirmed. Replayed
// webhooks make this a no-op, reported through the bool.
func (s *Store) ConfirmBooking(ctx context.Context, bookingID string) (bool, error) {
	query := `
		UPDATE bookings
		SET status = 'confirmed', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := s.db.Exec(ctx, query, bookingID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("confirming booking: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkVerified records pickup verification once. The first caller wins;
// repeat verifications report false.
func (s *Store) MarkVerified(ctx context.Context, bookingID string, at time.Time) (bool, error) {
	query := `
		UPDATE bookings
		SET verified_at = $2, updated_at = $2
		WHERE id = $1 AND verified_at IS NULL
	`

	tag, err := s.db.Exec(ctx, query, bookingID, at)
	if err != nil {
		return false, fmt.Errorf("marking booking verified: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPaid moves the booking's payment to paid after capture. A
// concurrent capture winner makes this a no-op.
func (s *Store) MarkPaid(ctx context.Context, bookingID string) (bool, error) {
	query := `
		UPDATE bookings
		SET payment_status = 'paid', updated_at = $2
		WHERE id = $1 AND payment_status = 'pending'
	`

	tag, err := s.db.Exec(ctx, query, bookingID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("marking booking paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRefunded records the refund outcome on the booking. The guard on
// payment_status rejects a second concurrent refund with ErrConflict.
func (s *Store) MarkRefunded(ctx context.Context, bookingID string, c *Cancellation) error {
	query := `
		UPDATE bookings
		SET payment_status = 'refunded', cancellation = $2, updated_at = $3
		WHERE id = $1 AND payment_status != 'refunded'
	`

	var cancellationJSON []byte
	if c != nil {
		var err error
		if cancellationJSON, err = json.Marshal(c); err != nil {
			return fmt.Errorf("encoding booking cancellation: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, query, bookingID, cancellationJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking booking refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s already refunded: %w", bookingID, database.ErrConflict)
	}
	return nil
}

// CancelBooking moves a booking to cancelled from the given status
func (s *Store) CancelBooking(ctx context.Context, bookingID string, from Status) error {
	query := `
		UPDATE bookings
		SET status = 'cancelled', updated_at = $3
		WHERE id = $1 AND status = $2
	`

	tag, err := s.db.Exec(ctx, query, bookingID, from, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancelling booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s is not %s: %w", bookingID, from, database.ErrConflict)
	}
	return nil
}

// CreateTrip inserts a trip row
func (s *Store) CreateTrip(ctx context.Context, t *Trip) error {
	query := `
		INSERT INTO trips (` + tripColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	currency := t.Payment.TotalCollected.Currency
	if currency == "" {
		currency = money.INR
	}

	accountJSON, err := json.Marshal(t.DriverAccount)
	if err != nil {
		return fmt.Errorf("encoding driver account: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		t.ID, t.DriverID, accountJSON, t.Status, t.DepartureAt,
		t.Payment.TotalCollected.AmountMinor, t.Payment.PlatformCommission.AmountMinor,
		t.Payment.DriverAdvance.AmountMinor, t.Payment.VaultAmount.AmountMinor,
		currency, t.Payment.VaultStatus,
		t.Payment.AdvanceTransactionID, t.Payment.VaultTransactionID,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("trip %s already exists: %w", t.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating trip: %w", err)
	}
	return nil
}

// GetTrip retrieves a trip by ID
func (s *Store) GetTrip(ctx context.Context, id string) (*Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return scanTrip(row)
}

// TransitionTrip moves a trip between lifecycle states with a
// compare-and-set guard.
func (s *Store) TransitionTrip(ctx context.Context, tripID string, from, to TripStatus) error {
	query := `
		UPDATE trips
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`

	tag, err := s.db.Exec(ctx, query, tripID, from, to, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("transitioning trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trip %s is not %s: %w", tripID, from, database.ErrConflict)
	}
	return nil
}

// StoreSplit records the fare split for a trip after full capture. Only
// the first writer succeeds; later callers report false.
func (s *Store) StoreSplit(ctx context.Context, tripID string, p TripPayment) (bool, error) {
	query := `
		UPDATE trips
		SET total_collected_minor = $2, platform_commission_minor = $3,
			driver_advance_minor = $4, vault_amount_minor = $5,
			currency = $6, vault_status = $7, updated_at = $8
		WHERE id = $1 AND total_collected_minor = 0
	`

	tag, err := s.db.Exec(ctx, query, tripID,
		p.TotalCollected.AmountMinor, p.PlatformCommission.AmountMinor,
		p.DriverAdvance.AmountMinor, p.VaultAmount.AmountMinor,
		p.TotalCollected.Currency, VaultLocked, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storing trip split: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetAdvanceTransaction points the trip at its advance ledger row. A
// retried advance overwrites the pointer with the latest attempt.
func (s *Store) SetAdvanceTransaction(ctx context.Context, tripID, txnID string) error {
	query := `
		UPDATE trips
		SET advance_transaction_id = $2, updated_at = $3
		WHERE id = $1
	`

	tag, err := s.db.Exec(ctx, query, tripID, txnID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording advance transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trip %s: %w", tripID, database.ErrNotFound)
	}
	return nil
}

// ReleaseVault marks the trip's withheld driver share as paid out and
// records the ledger row that paid it. Only the first release wins.
func (s *Store) ReleaseVault(ctx context.Context, tripID, txnID string) error {
	query := `
		UPDATE trips
		SET vault_status = 'released', vault_transaction_id = $2, updated_at = $3
		WHERE id = $1 AND vault_status = 'locked'
	`

	tag, err := s.db.Exec(ctx, query, tripID, txnID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("releasing vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vault for trip %s is not locked: %w", tripID, database.ErrConflict)
	}
	return nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var fareJSON, cancellationJSON []byte
	var walletMinor int64

	err := row.Scan(
		&b.ID, &b.TripID, &b.UserID, &b.Seats, &b.Status, &b.PaymentOrderID, &b.PaymentStatus,
		&fareJSON, &b.HasFreeCancellation, &walletMinor, &b.OTPHash, &b.VerifiedAt,
		&cancellationJSON, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning booking: %w", err)
	}

	if len(fareJSON) > 0 {
		var f fare.Breakdown
		if err := json.Unmarshal(fareJSON, &f); err != nil {
			return nil, fmt.Errorf("decoding booking fare: %w", err)
		}
		b.Fare = &f
	}
	if len(cancellationJSON) > 0 {
		var c Cancellation
		if err := json.Unmarshal(cancellationJSON, &c); err != nil {
			return nil, fmt.Errorf("decoding booking cancellation: %w", err)
		}
		b.Cancellation = &c
	}

	currency := money.INR
	if b.Fare != nil && b.Fare.TotalAmount.Currency != "" {
		currency = b.Fare.TotalAmount.Currency
	}
	b.WalletApplied = money.New(walletMinor, currency)

	return &b, nil
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var accountJSON []byte
	var collected, commission, advance, vault int64
	var currency string

	err := row.Scan(
		&t.ID, &t.DriverID, &accountJSON, &t.Status, &t.DepartureAt,
		&collected, &commission, &advance, &vault,
		&currency, &t.Payment.VaultStatus,
		&t.Payment.AdvanceTransactionID, &t.Payment.VaultTransactionID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning trip: %w", err)
	}

	if len(accountJSON) > 0 {
		if err := json.Unmarshal(accountJSON, &t.DriverAccount); err != nil {
			return nil, fmt.Errorf("decoding driver account: %w", err)
		}
	}

	c := money.Currency(currency)
	t.Payment.TotalCollected = money.New(collected, c)
	t.Payment.PlatformCommission = money.New(commission, c)
	t.Payment.DriverAdvance = money.New(advance, c)
	t.Payment.VaultAmount = money.New(vault, c)

	return &t, nil
}
