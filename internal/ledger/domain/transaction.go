// Package domain defines the transaction ledger model. Every monetary
// event (fare collection, driver advance, vault payout, refund,
// subscription purchase) is a Transaction row; rows are never deleted.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
)

// Type represents the kind of monetary event a transaction records.
type Type string

const (
	TypeCollection   Type = "collection"
	TypeAdvance      Type = "advance"
	TypePayout       Type = "payout"
	TypeRefund       Type = "refund"
	TypeSubscription Type = "subscription"
)

// Status represents the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// ErrInvalidTransition is returned when a status change violates the
// transaction lifecycle.
var ErrInvalidTransition = errors.New("invalid transaction status transition")

var transitions = map[Status][]Status{
	StatusPending:    {StatusAuthorized, StatusCompleted, StatusFailed},
	StatusAuthorized: {StatusCaptured, StatusRefunded, StatusFailed},
	StatusCaptured:   {StatusCompleted, StatusRefunded},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusRefunded:   {},
}

// Transaction is a single monetary event. Once a transaction reaches a
// terminal status it is immutable, except that a captured collection
// may still be refunded.
type Transaction struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id,omitempty"`
	BookingID string `json:"booking_id,omitempty"`
	TripID    string `json:"trip_id,omitempty"`
	UserID    string `json:"user_id"`

	Type   Type        `json:"type"`
	Status Status      `json:"status"`
	Amount money.Money `json:"amount"`

	// Breakdown is set on collection transactions only.
	Breakdown *fare.Breakdown `json:"breakdown,omitempty"`

	// Gateway references
	PaymentMethod    string `json:"payment_method,omitempty"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	GatewayRefundID  string `json:"gateway_refund_id,omitempty"`
	GatewayPayoutID  string `json:"gateway_payout_id,omitempty"`

	// Audit trail
	Metadata       map[string]string `json:"metadata,omitempty"`
	FailureCode    string            `json:"failure_code,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	RetryCount     int               `json:"retry_count"`

	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTransaction creates a pending transaction. Reference requirements
// vary by type: collections and subscriptions need a gateway order id,
// refunds a booking, advances and payouts a trip.
func NewTransaction(id, orderID, bookingID, tripID, userID string, txnType Type, amount money.Money) (*Transaction, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if amount.IsNegative() {
		return nil, errors.New("amount must not be negative")
	}

	switch txnType {
	case TypeCollection:
		if orderID == "" || bookingID == "" {
			return nil, errors.New("collection requires order_id and booking_id")
		}
	case TypeSubscription:
		if orderID == "" {
			return nil, errors.New("subscription requires order_id")
		}
	case TypeRefund:
		if bookingID == "" {
			return nil, errors.New("refund requires booking_id")
		}
	case TypeAdvance:
		if tripID == "" {
			return nil, errors.New("advance requires trip_id")
		}
	case TypePayout:
		// Trip payouts carry a trip id, wallet withdrawals do not.
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txnType)
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:        id,
		OrderID:   orderID,
		BookingID: bookingID,
		TripID:    tripID,
		UserID:    userID,
		Type:      txnType,
		Status:    StatusPending,
		Amount:    amount,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanTransitionTo reports whether the lifecycle permits moving to the
// given status from the current one.
func (t *Transaction) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[t.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (t *Transaction) transition(to Status) error {
	if !t.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkAuthorized records a successful gateway hold.
func (t *Transaction) MarkAuthorized(gatewayPaymentID, paymentMethod string) error {
	if err := t.transition(StatusAuthorized); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.GatewayPaymentID = gatewayPaymentID
	t.PaymentMethod = paymentMethod
	t.AuthorizedAt = &now
	return nil
}

// MarkCaptured records that held funds were debited.
func (t *Transaction) MarkCaptured() error {
	if err := t.transition(StatusCaptured); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CapturedAt = &now
	return nil
}

// MarkCompleted records final settlement of the transaction.
func (t *Transaction) MarkCompleted() error {
	if err := t.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
	return nil
}

// MarkFailed records a failure with the gateway's reason.
func (t *Transaction) MarkFailed(code, message string) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.FailureCode = code
	t.FailureMessage = message
	t.FailedAt = &now
	return nil
}

// MarkRefunded records that collected funds were returned.
func (t *Transaction) MarkRefunded() error {
	if err := t.transition(StatusRefunded); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.RefundedAt = &now
	return nil
}

// MarkRetrying resurrects a failed refund for another gateway attempt.
// Only refund transactions may leave the failed state.
func (t *Transaction) MarkRetrying() error {
	if t.Type != TypeRefund || t.Status != StatusFailed {
		return fmt.Errorf("%w: retry allowed only for failed refunds", ErrInvalidTransition)
	}
	t.Status = StatusPending
	t.FailureCode = ""
	t.FailureMessage = ""
	t.FailedAt = nil
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal returns true when no further transitions are possible.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusRefunded
}
