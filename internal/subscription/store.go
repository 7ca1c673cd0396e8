package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
)

const subscriptionColumns = `
	id, user_id, status, order_id, amount_minor, currency,
	period_start, period_end, free_cancellation_used_at,
	created_at, updated_at`

// Store provides subscription data access
type Store struct {
	db *database.DB
}

// NewStore creates a subscription store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a plan row
func (s *Store) Create(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.Exec(ctx, query,
		sub.ID, sub.UserID, sub.Status, sub.OrderID,
		sub.Amount.AmountMinor, sub.Amount.Currency,
		sub.PeriodStart, sub.PeriodEnd, sub.FreeCancellationUsedAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("subscription for order %s already exists: %w", sub.OrderID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating subscription: %w", err)
	}
	return nil
}

// GetByOrderID retrieves the plan tied to a gateway order
func (s *Store) GetByOrderID(ctx context.Context, orderID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE order_id = $1`

	row := s.db.QueryRow(ctx, query, orderID)
	return scanSubscription(row)
}

// GetActiveByUserID retrieves the plan covering the given instant
func (s *Store) GetActiveByUserID(ctx context.Context, userID string, now time.Time) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
			AND period_start <= $2 AND period_end > $2
		ORDER BY period_end DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, userID, now)
	return scanSubscription(row)
}

// Activate opens the plan period. Only a pending plan activates; a
// replayed webhook reports false.
func (s *Store) Activate(ctx context.Context, orderID string, periodStart, periodEnd time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = 'active', period_start = $2, period_end = $3, updated_at = $4
		WHERE order_id = $1 AND status = 'pending'
	`

	tag, err := s.db.Exec(ctx, query, orderID, periodStart, periodEnd, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("activating subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkBypassUsed stamps the free cancellation for the user's current
// period. The predicate repeats the bypass eligibility so concurrent
// cancellations cannot both take it.
func (s *Store) MarkBypassUsed(ctx context.Context, userID string, at time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET free_cancellation_used_at = $2, updated_at = $2
		WHERE user_id = $1 AND status = 'active'
			AND period_start <= $2 AND period_end > $2
			AND (free_cancellation_used_at IS NULL OR free_cancellation_used_at < period_start)
	`

	tag, err := s.db.Exec(ctx, query, userID, at)
	if err != nil {
		return false, fmt.Errorf("marking bypass used: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireOverdue flips the user's lapsed plans to expired
func (s *Store) ExpireOverdue(ctx context.Context, userID string, now time.Time) error {
	query := `
		UPDATE subscriptions
		SET status = 'expired', updated_at = $2
		WHERE user_id = $1 AND status = 'active' AND period_end <= $2
	`

	if _, err := s.db.Exec(ctx, query, userID, now); err != nil {
		return fmt.Errorf("expiring subscriptions: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var amountMinor int64
	var currency string

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Status, &sub.OrderID,
		&amountMinor, &currency,
		&sub.PeriodStart, &sub.PeriodEnd, &sub.FreeCancellationUsedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}

	sub.Amount = money.New(amountMinor, money.Currency(currency))
	return &sub, nil
}
