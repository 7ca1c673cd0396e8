package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, userID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		UserID:        userID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	// Payment lifecycle
	EventOrderCreated      = "payment.order.created"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentFailed     = "payment.failed"
	EventPaymentCaptured   = "payment.captured"

	// Refunds
	EventRefundCreated   = "payment.refund.created"
	EventRefundCompleted = "payment.refund.completed"
	EventRefundFailed    = "payment.refund.failed"

	// Trip settlement
	EventTripAdvancePaid   = "trip.advance.paid"
	EventTripVaultReleased = "trip.vault.released"

	// Wallet
	EventWalletCredited   = "wallet.credited"
	EventWalletDebited    = "wallet.debited"
	EventWalletWithdrawal = "wallet.withdrawal.created"

	// Subscriptions
	EventSubscriptionActivated = "subscription.activated"
)

// OrderCreatedData is the data for payment.order.created events
type OrderCreatedData struct {
	OrderID       string `json:"order_id"`
	BookingID     string `json:"booking_id,omitempty"`
	TripID        string `json:"trip_id,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	WalletApplied int64  `json:"wallet_applied,omitempty"`
}

// PaymentAuthorizedData is the data for payment.authorized events
type PaymentAuthorizedData struct {
	OrderID       string `json:"order_id"`
	BookingID     string `json:"booking_id,omitempty"`
	PaymentID     string `json:"payment_id"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	OrderID   string `json:"order_id"`
	BookingID string `json:"booking_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PaymentCapturedData is the data for payment.captured events
type PaymentCapturedData struct {
	TripID         string `json:"trip_id"`
	Captured       int    `json:"captured"`
	Failed         int    `json:"failed"`
	TotalCollected int64  `json:"total_collected"`
	Currency       string `json:"currency"`
}

// RefundData is the data for payment.refund.* events
type RefundData struct {
	BookingID string `json:"booking_id"`
	OrderID   string `json:"order_id"`
	RefundID  string `json:"refund_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

// TripSettlementData is the data for trip.advance.paid and trip.vault.released events
type TripSettlementData struct {
	TripID        string `json:"trip_id"`
	DriverID      string `json:"driver_id"`
	TransactionID string `json:"transaction_id"`
	PayoutID      string `json:"payout_id,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// WalletMovementData is the data for wallet.credited and wallet.debited events
type WalletMovementData struct {
	UserID   string `json:"user_id"`
	EntryID  string `json:"entry_id,omitempty"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Source   string `json:"source,omitempty"`
}

// WithdrawalData is the data for wallet.withdrawal.created events
type WithdrawalData struct {
	UserID   string `json:"user_id"`
	PayoutID string `json:"payout_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// SubscriptionActivatedData is the data for subscription.activated events
type SubscriptionActivatedData struct {
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}
