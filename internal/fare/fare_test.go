package fare_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
)

func newCalculator(t *testing.T, cfg fare.Config) *fare.Calculator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fare.NewCalculator(cfg, logger)
}

func inr(paise int64) money.Money {
	return money.New(paise, money.INR)
}

func TestBreakdown(t *testing.T) {
	calc := newCalculator(t, fare.Config{
		CommissionBps:       1200,
		DriverAdvanceBps:    7000,
		FreeCancellationFee: 2500,
	})

	tests := []struct {
		name                string
		baseFare            int64
		hasFreeCancellation bool
		discount            int64
		wantPlatformFee     int64
		wantFreeCancelFee   int64
		wantTotal           int64
	}{
		{"plain fare", 50000, false, 0, 6000, 0, 56000},
		{"with free cancellation", 50000, true, 0, 6000, 2500, 58500},
		{"with discount", 50000, false, 10000, 6000, 0, 46000},
		{"discount equals base", 50000, false, 50000, 6000, 0, 6000},
		{"zero base", 0, false, 0, 0, 0, 0},
		{"odd paise rounds fee", 33333, false, 0, 4000, 0, 37333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Breakdown(inr(tt.baseFare), tt.hasFreeCancellation, inr(tt.discount))
			require.NoError(t, err)
			require.Equal(t, tt.baseFare, got.BaseFare.AmountMinor)
			require.Equal(t, tt.wantPlatformFee, got.PlatformFee.AmountMinor)
			require.Equal(t, tt.wantFreeCancelFee, got.FreeCancellationFee.AmountMinor)
			require.Equal(t, tt.discount, got.DiscountApplied.AmountMinor)
			require.Equal(t, tt.wantTotal, got.TotalAmount.AmountMinor)
		})
	}
}

func TestBreakdownValidation(t *testing.T) {
	calc := newCalculator(t, fare.Config{CommissionBps: 1200})

	_, err := calc.Breakdown(inr(-100), false, inr(0))
	require.ErrorIs(t, err, fare.ErrNegativeBaseFare)

	_, err = calc.Breakdown(inr(100), false, inr(-50))
	require.ErrorIs(t, err, fare.ErrNegativeDiscount)

	_, err = calc.Breakdown(inr(100), false, inr(200))
	require.ErrorIs(t, err, fare.ErrDiscountExceedsBase)
}

func TestSplitCollectedFare(t *testing.T) {
	calc := newCalculator(t, fare.Config{
		CommissionBps:    1200,
		DriverAdvanceBps: 7000,
	})

	// Rs 1000 at 12% commission: Rs 120 commission, Rs 616 advance,
	// Rs 264 vault.
	split, err := calc.SplitCollectedFare(inr(100000))
	require.NoError(t, err)
	require.Equal(t, int64(12000), split.PlatformCommission.AmountMinor)
	require.Equal(t, int64(61600), split.DriverAdvance.AmountMinor)
	require.Equal(t, int64(26400), split.VaultAmount.AmountMinor)
	require.Equal(t, int64(100000), split.Total().AmountMinor)
}

func TestSplitCollectedFareSumsExactly(t *testing.T) {
	calc := newCalculator(t, fare.Config{
		CommissionBps:    1200,
		DriverAdvanceBps: 7000,
	})

	// Awkward amounts must never leak or gain a paisa to rounding.
	amounts := []int64{1, 3, 7, 99, 101, 33333, 49999, 100000, 123457, 999999999}
	for _, amount := range amounts {
		split, err := calc.SplitCollectedFare(inr(amount))
		require.NoError(t, err)
		require.Equal(t, amount, split.Total().AmountMinor, "amount %d", amount)
		require.False(t, split.PlatformCommission.IsNegative())
		require.False(t, split.DriverAdvance.IsNegative())
		require.False(t, split.VaultAmount.IsNegative())
	}
}

func TestSplitCollectedFareNegative(t *testing.T) {
	calc := newCalculator(t, fare.Config{CommissionBps: 1200, DriverAdvanceBps: 7000})

	_, err := calc.SplitCollectedFare(inr(-1))
	require.ErrorIs(t, err, fare.ErrNegativeTotalFare)
}
