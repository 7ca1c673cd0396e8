// Package subscription manages the free-cancellation plan. A passenger
// buys a plan through a gateway order; once the payment webhook lands
// the plan opens a period during which one cancellation bypasses the
// tiered charge schedule.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/events"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Subscription is one purchased free-cancellation plan.
type Subscription struct {
	ID      string      `json:"id"`
	UserID  string      `json:"user_id"`
	Status  Status      `json:"status"`
	OrderID string      `json:"order_id"`
	Amount  money.Money `json:"amount"`

	// PeriodStart and PeriodEnd bound the active window. Both are zero
	// until the payment webhook activates the plan.
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	FreeCancellationUsedAt *time.Time `json:"free_cancellation_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a pending plan tied to a gateway order.
func New(id, userID, orderID string, amount money.Money) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:        id,
		UserID:    userID,
		Status:    StatusPending,
		OrderID:   orderID,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive reports whether the plan covers the given instant.
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == StatusActive && !now.Before(s.PeriodStart) && now.Before(s.PeriodEnd)
}

// CanBypassCancellation reports whether the plan still holds its one
// free cancellation for the current period. A use stamped before the
// period opened belongs to an earlier period and does not count.
func (s *Subscription) CanBypassCancellation(now time.Time) bool {
	if !s.IsActive(now) {
		return false
	}
	return s.FreeCancellationUsedAt == nil || s.FreeCancellationUsedAt.Before(s.PeriodStart)
}

// Config holds plan settings
type Config struct {
	PeriodDays int   `envconfig:"SUBSCRIPTION_PERIOD_DAYS" default:"30"`
	PriceMinor int64 `envconfig:"SUBSCRIPTION_PRICE_PAISE" default:"19900"`
}

// Price returns the configured plan price
func (c Config) Price() money.Money {
	return money.New(c.PriceMinor, money.INR)
}

// Service wraps plan purchase and bypass accounting.
type Service struct {
	store     *Store
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a subscription service. publisher may be nil.
func NewService(store *Store, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{store: store, publisher: publisher, cfg: cfg, logger: logger}
}

// CreatePending records a purchased-but-unpaid plan tied to the order.
func (s *Service) CreatePending(ctx context.Context, userID, orderID string) (*Subscription, error) {
	sub := New(ulid.Make().String(), userID, orderID, s.cfg.Price())
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ActivateByOrderID opens the plan period once the gateway confirms
// payment. Replayed webhooks report false.
func (s *Service) ActivateByOrderID(ctx context.Context, orderID string) (bool, error) {
	now := time.Now().UTC()
	activated, err := s.store.Activate(ctx, orderID, now, now.AddDate(0, 0, s.cfg.PeriodDays))
	if err != nil {
		return false, err
	}
	if activated {
		s.logger.Info("subscription activated", "order_id", orderID, "period_days", s.cfg.PeriodDays)
		s.publishActivated(ctx, orderID)
	}
	return activated, nil
}

func (s *Service) publishActivated(ctx context.Context, orderID string) {
	if s.publisher == nil {
		return
	}
	sub, err := s.store.GetByOrderID(ctx, orderID)
	if err != nil {
		s.logger.Error("loading activated subscription", "order_id", orderID, "error", err)
		return
	}
	ev, err := events.NewEvent(events.EventSubscriptionActivated, sub.UserID, "subscription", sub.ID, events.SubscriptionActivatedData{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PeriodStart:    sub.PeriodStart,
		PeriodEnd:      sub.PeriodEnd,
	})
	if err != nil {
		s.logger.Error("encoding subscription event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("subscription event publish failed", "event_id", ev.ID, "error", err)
	}
}

// HasBypass reports whether the user can take a free cancellation now.
// Plans whose period has lapsed are marked expired on the way.
func (s *Service) HasBypass(ctx context.Context, userID string) (bool, error) {
	now := time.Now().UTC()
	if err := s.store.ExpireOverdue(ctx, userID, now); err != nil {
		s.logger.Error("subscription expiry sweep failed", "user_id", userID, "error", err)
	}

	sub, err := s.store.GetActiveByUserID(ctx, userID, now)
	if database.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.CanBypassCancellation(now), nil
}

// ConsumeBypass stamps the one free cancellation for this period. The
// conditional update makes concurrent cancellations race safely: only
// one takes the bypass.
func (s *Service) ConsumeBypass(ctx context.Context, userID string) (bool, error) {
	return s.store.MarkBypassUsed(ctx, userID, time.Now().UTC())
}
