// Package fare computes booking fare breakdowns and splits collected
// fares into platform commission, driver advance, and vault portions.
package fare

import (
	"errors"
	"log/slog"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
)

var (
	ErrNegativeBaseFare    = errors.New("base fare must not be negative")
	ErrNegativeDiscount    = errors.New("discount must not be negative")
	ErrDiscountExceedsBase = errors.New("discount exceeds base fare")
	ErrNegativeTotalFare   = errors.New("total fare must not be negative")
)

// Config holds fare computation settings
type Config struct {
	// CommissionBps is the platform commission in basis points of the fare.
	CommissionBps int64 `envconfig:"FARE_COMMISSION_BPS" default:"1200"`

	// DriverAdvanceBps is the share of the driver total paid out at trip
	// start, in basis points. The remainder is held in the vault until
	// trip completion.
	DriverAdvanceBps int64 `envconfig:"FARE_DRIVER_ADVANCE_BPS" default:"7000"`

	// FreeCancellationFee is the flat opt-in fee in paise.
	FreeCancellationFee int64 `envconfig:"FARE_FREE_CANCELLATION_FEE" default:"2500"`
}

// Breakdown is the itemised fare a passenger is charged for a booking.
type Breakdown struct {
	BaseFare            money.Money `json:"base_fare"`
	PlatformFee         money.Money `json:"platform_fee"`
	FreeCancellationFee money.Money `json:"free_cancellation_fee"`
	DiscountApplied     money.Money `json:"discount_applied"`
	TotalAmount         money.Money `json:"total_amount"`
}

// Split divides a collected fare between the platform and the driver.
type Split struct {
	PlatformCommission money.Money `json:"platform_commission"`
	DriverAdvance      money.Money `json:"driver_advance"`
	VaultAmount        money.Money `json:"vault_amount"`
}

// Total returns the sum of the three split portions
func (s Split) Total() money.Money {
	return s.PlatformCommission.MustAdd(s.DriverAdvance).MustAdd(s.VaultAmount)
}

// Calculator computes fare breakdowns using configured rates
type Calculator struct {
	cfg    Config
	logger *slog.Logger
}

// NewCalculator creates a fare calculator
func NewCalculator(cfg Config, logger *slog.Logger) *Calculator {
	return &Calculator{cfg: cfg, logger: logger}
}

// Breakdown computes the full fare breakdown for a booking.
// The total is base fare plus platform fee plus the optional
// free-cancellation fee, minus any discount, and is never negative.
func (c *Calculator) Breakdown(baseFare money.Money, hasFreeCancellation bool, discount money.Money) (Breakdown, error) {
	if baseFare.IsNegative() {
		return Breakdown{}, ErrNegativeBaseFare
	}
	if discount.IsNegative() {
		return Breakdown{}, ErrNegativeDiscount
	}
	if discount.GreaterThan(baseFare) {
		return Breakdown{}, ErrDiscountExceedsBase
	}

	platformFee := baseFare.Percentage(c.cfg.CommissionBps)

	freeCancellationFee := money.Zero(baseFare.Currency)
	if hasFreeCancellation {
		freeCancellationFee = money.New(c.cfg.FreeCancellationFee, baseFare.Currency)
	}

	total := baseFare.MustAdd(platformFee).MustAdd(freeCancellationFee).MustSub(discount)
	if total.IsNegative() {
		c.logger.Warn("fare total clamped to zero",
			"base_fare", baseFare.AmountMinor,
			"platform_fee", platformFee.AmountMinor,
			"discount", discount.AmountMinor)
		total = total.ClampZero()
	}

	return Breakdown{
		BaseFare:            baseFare,
		PlatformFee:         platformFee,
		FreeCancellationFee: freeCancellationFee,
		DiscountApplied:     discount,
		TotalAmount:         total,
	}, nil
}

// SplitCollectedFare divides a fully collected fare into platform
// commission, driver advance, and vault. The advance is rounded to the
// nearest paisa and the vault takes the remainder, so the three parts
// always sum exactly to the collected fare.
func (c *Calculator) SplitCollectedFare(totalFare money.Money) (Split, error) {
	if totalFare.IsNegative() {
		return Split{}, ErrNegativeTotalFare
	}

	commission := totalFare.Percentage(c.cfg.CommissionBps)
	driverTotal := totalFare.MustSub(commission)
	advance := driverTotal.Percentage(c.cfg.DriverAdvanceBps)
	vault := driverTotal.MustSub(advance)

	return Split{
		PlatformCommission: commission,
		DriverAdvance:      advance,
		VaultAmount:        vault,
	}, nil
}
