package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
)

// Store provides wallet data access
type Store struct {
	db *database.DB
}

// New creates a new wallet store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `
	id, user_id, amount_minor, remaining_minor, currency, source, status,
	promo, partial_redeem, reference_id, expires_at, created_at, updated_at`

// CreateEntryTx inserts a wallet entry within a transaction
func (s *Store) CreateEntryTx(ctx context.Context, tx pgx.Tx, e *Entry) error {
	query := `
		INSERT INTO wallet_entries (
			id, user_id, amount_minor, remaining_minor, currency, source, status,
			promo, partial_redeem, reference_id, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err := tx.Exec(ctx, query,
		e.ID,
		e.UserID,
		e.Amount.AmountMinor,
		e.Remaining.AmountMinor,
		e.Amount.Currency,
		e.Source,
		e.Status,
		e.Promo,
		e.PartialRedeem,
		e.ReferenceID,
		e.ExpiresAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("wallet entry %s already exists: %w", e.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting wallet entry: %w", err)
	}

	return nil
}

// UpdateEntryTx persists an entry's mutable fields within a transaction
func (s *Store) UpdateEntryTx(ctx context.Context, tx pgx.Tx, e *Entry) error {
	query := `
		UPDATE wallet_entries
		SET remaining_minor = $2, status = $3, updated_at = $4
		WHERE id = $1
	`

	tag, err := tx.Exec(ctx, query, e.ID, e.Remaining.AmountMinor, e.Status, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating wallet entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet entry %s: %w", e.ID, database.ErrNotFound)
	}

	return nil
}

// ListLiveEntriesForUpdateTx retrieves and locks every locked or
// unlocked entry for a user, oldest first. Deduction order and balance
// verification both depend on this ordering.
func (s *Store) ListLiveEntriesForUpdateTx(ctx context.Context, tx pgx.Tx, userID string) ([]*Entry, error) {
	query := `SELECT` + entryColumns + `
		FROM wallet_entries
		WHERE user_id = $1 AND status IN ('locked', 'unlocked')
		ORDER BY created_at, id
		FOR UPDATE`

	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing live wallet entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// ListEntries lists a user's wallet entries, newest first
func (s *Store) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*Entry, int64, error) {
	countQuery := `SELECT COUNT(*) FROM wallet_entries WHERE user_id = $1`

	var total int64
	if err := s.db.QueryRow(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting wallet entries: %w", err)
	}

	query := `SELECT` + entryColumns + `
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing wallet entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}

	return entries, total, nil
}

// GetBalanceForUpdateTx retrieves and locks a user's balance row.
// Returns a fresh zero balance when the user has none yet.
func (s *Store) GetBalanceForUpdateTx(ctx context.Context, tx pgx.Tx, userID string) (*Balance, error) {
	query := `
		SELECT user_id, promo_minor, non_promo_minor, locked_minor, available_minor,
			   currency, updated_at
		FROM wallet_balances
		WHERE user_id = $1
		FOR UPDATE
	`

	b, err := scanBalance(tx.QueryRow(ctx, query, userID))
	if errors.Is(err, database.ErrNotFound) {
		return NewBalance(userID), nil
	}
	return b, err
}

// SaveBalanceTx upserts a user's balance row within a transaction
func (s *Store) SaveBalanceTx(ctx context.Context, tx pgx.Tx, b *Balance) error {
	query := `
		INSERT INTO wallet_balances (
			user_id, promo_minor, non_promo_minor, locked_minor, available_minor,
			currency, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (user_id) DO UPDATE SET
			promo_minor = EXCLUDED.promo_minor,
			non_promo_minor = EXCLUDED.non_promo_minor,
			locked_minor = EXCLUDED.locked_minor,
			available_minor = EXCLUDED.available_minor,
			updated_at = EXCLUDED.updated_at
	`

	_, err := tx.Exec(ctx, query,
		b.UserID,
		b.PromoBalance.AmountMinor,
		b.NonPromoBalance.AmountMinor,
		b.LockedAmount.AmountMinor,
		b.AvailableAmount.AmountMinor,
		b.PromoBalance.Currency,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving wallet balance: %w", err)
	}

	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var amount, remaining int64
	var currency string

	err := row.Scan(
		&e.ID, &e.UserID, &amount, &remaining, &currency, &e.Source, &e.Status,
		&e.Promo, &e.PartialRedeem, &e.ReferenceID, &e.ExpiresAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning wallet entry: %w", err)
	}

	e.Amount = money.New(amount, money.Currency(currency))
	e.Remaining = money.New(remaining, money.Currency(currency))
	return &e, nil
}

func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
	var promo, nonPromo, locked, available int64
	var currency string

	err := row.Scan(
		&b.UserID, &promo, &nonPromo, &locked, &available, &currency, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning wallet balance: %w", err)
	}

	c := money.Currency(currency)
	b.PromoBalance = money.New(promo, c)
	b.NonPromoBalance = money.New(nonPromo, c)
	b.LockedAmount = money.New(locked, c)
	b.AvailableAmount = money.New(available, c)
	return &b, nil
}
