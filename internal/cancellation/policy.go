// Package cancellation evaluates booking cancellation requests against
// the grace period and the configured refund tier schedule.
package cancellation

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
)

const (
	PolicyGracePeriod    = "grace_period"
	PolicySubscriberFree = "subscriber_free_cancellation"
)

// Tier grants a refund percentage when the cancellation happens at
// least MinHours before departure.
type Tier struct {
	MinHours  float64 `json:"min_hours"`
	RefundBps int64   `json:"refund_bps"`
}

// Policy returns the label recorded for refunds under this tier
func (t Tier) Policy() string {
	return fmt.Sprintf("tier_%gh", t.MinHours)
}

// TierSchedule is an ordered set of refund tiers, most generous first.
// It decodes from an environment value of the form
// "24:9000,6:5000,0:0" (minHours:refundBps pairs).
type TierSchedule []Tier

// Decode implements envconfig.Decoder
func (ts *TierSchedule) Decode(value string) error {
	parts := strings.Split(value, ",")
	tiers := make([]Tier, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return fmt.Errorf("invalid cancellation tier %q", part)
		}
		minHours, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("invalid tier hours %q: %w", fields[0], err)
		}
		refundBps, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid tier refund bps %q: %w", fields[1], err)
		}
		if minHours < 0 || refundBps < 0 || refundBps > 10000 {
			return fmt.Errorf("cancellation tier %q out of range", part)
		}
		tiers = append(tiers, Tier{MinHours: minHours, RefundBps: refundBps})
	}
	if len(tiers) == 0 {
		return errors.New("cancellation tier schedule is empty")
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinHours > tiers[j].MinHours })
	*ts = tiers
	return nil
}

// Match returns the tier applying at the given hours before departure
func (ts TierSchedule) Match(hoursUntilDeparture float64) Tier {
	if hoursUntilDeparture < 0 {
		hoursUntilDeparture = 0
	}
	for _, tier := range ts {
		if hoursUntilDeparture >= tier.MinHours {
			return tier
		}
	}
	return ts[len(ts)-1]
}

// Config holds cancellation policy settings
type Config struct {
	GracePeriod time.Duration `envconfig:"CANCELLATION_GRACE_PERIOD" default:"180s"`
	Tiers       TierSchedule  `envconfig:"CANCELLATION_TIERS" default:"24:9000,6:5000,0:0"`
}

// Input describes a cancellation request to evaluate.
type Input struct {
	BookingCreatedAt time.Time
	Now              time.Time
	DepartureAt      time.Time
	Fare             fare.Breakdown

	// SubscriberBypass is true when the passenger holds an active
	// free-cancellation subscription with remaining allowance for the
	// current window. Allowance tracking is the caller's concern.
	SubscriberBypass bool
}

// Result is the evaluated cancellation outcome. The refundable amount
// is the base fare; platform and free-cancellation fees are retained.
type Result struct {
	RefundableAmount    money.Money `json:"refundable_amount"`
	CancellationCharge  money.Money `json:"cancellation_charge"`
	DiscountDeduction   money.Money `json:"discount_deduction"`
	NetRefund           money.Money `json:"net_refund"`
	PolicyApplied       string      `json:"policy_applied"`
	HoursUntilDeparture float64     `json:"hours_until_departure"`
	RefundBps           int64       `json:"refund_bps"`
}

// Calculator evaluates cancellations against the configured schedule
type Calculator struct {
	cfg Config
}

// NewCalculator creates a cancellation calculator
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Evaluate determines the refund due for a cancellation request.
// Within the grace period the full refundable amount is returned with
// no charge. Subscribers with remaining allowance bypass the tier
// schedule. Otherwise the tier matching the hours until departure
// decides the refund percentage, and the charge is the retained
// remainder. Any discount applied at purchase is deducted from the
// refund, and the net refund never goes negative.
func (c *Calculator) Evaluate(in Input) Result {
	refundable := in.Fare.BaseFare
	hoursUntilDeparture := in.DepartureAt.Sub(in.Now).Hours()

	var (
		policy    string
		refundBps int64
	)
	switch {
	case in.Now.Sub(in.BookingCreatedAt) <= c.cfg.GracePeriod:
		policy = PolicyGracePeriod
		refundBps = 10000
	case in.SubscriberBypass:
		policy = PolicySubscriberFree
		refundBps = 10000
	default:
		tier := c.cfg.Tiers.Match(hoursUntilDeparture)
		policy = tier.Policy()
		refundBps = tier.RefundBps
	}

	charge := refundable.Percentage(10000 - refundBps)
	deduction := in.Fare.DiscountApplied
	netRefund := refundable.MustSub(charge).MustSub(deduction).ClampZero()

	return Result{
		RefundableAmount:    refundable,
		CancellationCharge:  charge,
		DiscountDeduction:   deduction,
		NetRefund:           netRefund,
		PolicyApplied:       policy,
		HoursUntilDeparture: hoursUntilDeparture,
		RefundBps:           refundBps,
	}
}
