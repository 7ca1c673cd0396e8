package booking

import (
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
)

// TripStatus is the trip lifecycle state.
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// VaultStatus tracks whether the withheld driver share has been paid.
type VaultStatus string

const (
	VaultLocked   VaultStatus = "locked"
	VaultReleased VaultStatus = "released"
)

// Trip is the payment-facing view of a published trip.
type Trip struct {
	ID            string                `json:"id"`
	DriverID      string                `json:"driver_id"`
	DriverAccount gateway.PayoutAccount `json:"driver_account"`
	Status        TripStatus            `json:"status"`
	DepartureAt   time.Time             `json:"departure_at"`

	Payment TripPayment `json:"payment"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TripPayment is the settlement summary for a trip. Once fare
// collection completes, TotalCollected always equals the sum of
// commission, advance, and vault.
type TripPayment struct {
	TotalCollected     money.Money `json:"total_collected"`
	PlatformCommission money.Money `json:"platform_commission"`
	DriverAdvance      money.Money `json:"driver_advance"`
	VaultAmount        money.Money `json:"vault_amount"`
	VaultStatus        VaultStatus `json:"vault_status"`

	// AdvanceTransactionID and VaultTransactionID point at the ledger
	// rows for the two escrow release stages, once each has run.
	AdvanceTransactionID string `json:"advance_transaction_id,omitempty"`
	VaultTransactionID   string `json:"vault_transaction_id,omitempty"`
}

// HasSplit reports whether the collected fare has been divided yet
func (p TripPayment) HasSplit() bool {
	return !p.TotalCollected.IsZero()
}
