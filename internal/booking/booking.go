// Package booking holds the payment-facing view of bookings and trips.
// Seat inventory, search, and scheduling live upstream; this service
// reads bookings and mutates only their payment and verification state.
package booking

import (
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// PaymentStatus tracks how far fare collection has progressed.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Booking is one passenger's seat reservation on a trip.
type Booking struct {
	ID     string `json:"id"`
	TripID string `json:"trip_id"`
	UserID string `json:"user_id"`
	Seats  int    `json:"seats"`

	Status         Status        `json:"status"`
	PaymentOrderID string        `json:"payment_order_id,omitempty"`
	PaymentStatus  PaymentStatus `json:"payment_status"`

	Fare                *fare.Breakdown `json:"fare,omitempty"`
	HasFreeCancellation bool            `json:"has_free_cancellation"`

	// WalletApplied is the slice of the fare already covered from the
	// passenger's wallet when the payment order was created. The
	// gateway order, if any, is for Fare total minus this.
	WalletApplied money.Money `json:"wallet_applied"`

	// OTPHash is the SHA-256 hash of the pickup OTP issued to the
	// passenger. OTP generation and delivery happen upstream.
	OTPHash    string     `json:"-"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	Cancellation *Cancellation `json:"cancellation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cancellation records the outcome of a cancellation on the booking.
type Cancellation struct {
	IsFree        bool        `json:"is_free"`
	Charge        money.Money `json:"charge"`
	Reason        string      `json:"reason,omitempty"`
	PolicyApplied string      `json:"policy_applied,omitempty"`
	CancelledAt   time.Time   `json:"cancelled_at"`
}

// IsVerified reports whether pickup verification has happened
func (b *Booking) IsVerified() bool {
	return b.VerifiedAt != nil
}
