// Package wallet tracks per-user balances split into promo and
// non-promo credit. Every credit is an append-only entry; deduction
// consumes entries oldest first, and driver earnings pass through a
// locked state until the trip stage that releases them.
package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
)

var (
	// ErrInsufficientBalance is returned when a deduction or
	// withdrawal asks for more than the available amount.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// ErrInvariantViolated is returned when the denormalised balance
	// no longer matches the sum of live entries. Mutations run in a
	// transaction, so the violation rolls back.
	ErrInvariantViolated = errors.New("wallet balance invariant violated")
)

// EntrySource describes what credited an entry.
type EntrySource string

const (
	SourceCashback    EntrySource = "cashback"
	SourceTripAdvance EntrySource = "trip_advance"
	SourceTripVault   EntrySource = "trip_vault"
	SourcePromotion   EntrySource = "promotion"
	SourceReversal    EntrySource = "withdrawal_reversal"
	SourceRefund      EntrySource = "booking_refund"
)

// EntryStatus is the entry lifecycle state. The progression
// locked -> unlocked -> withdrawn is linear; expiry is the only other
// exit and applies to promo entries alone.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryLocked    EntryStatus = "locked"
	EntryUnlocked  EntryStatus = "unlocked"
	EntryWithdrawn EntryStatus = "withdrawn"
	EntryExpired   EntryStatus = "expired"
)

// Entry is a single wallet credit. Remaining tracks how much of the
// original amount has not yet been spent or withdrawn.
type Entry struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Amount    money.Money `json:"amount"`
	Remaining money.Money `json:"remaining"`

	Source EntrySource `json:"source"`
	Status EntryStatus `json:"status"`

	Promo bool `json:"promo"`

	// PartialRedeem limits how much of this promo entry can offset a
	// single fare (a configured share of the fare). Non-promo entries
	// are always fully redeemable.
	PartialRedeem bool `json:"partial_redeem"`

	// ReferenceID ties the entry to what created it, e.g. a trip or
	// transaction id.
	ReferenceID string `json:"reference_id,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TripAdvanceRef names the escrow stage a driver's advance earning is
// locked under until the trip starts.
func TripAdvanceRef(tripID string) string {
	return "trip:" + tripID + ":advance"
}

// TripVaultRef names the escrow stage a driver's vault earning is
// locked under until the trip completes.
func TripVaultRef(tripID string) string {
	return "trip:" + tripID + ":vault"
}

// NewEntry creates a wallet entry
func NewEntry(id, userID string, amount money.Money, source EntrySource, status EntryStatus, promo bool) (*Entry, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	switch status {
	case EntryPending, EntryLocked, EntryUnlocked:
	default:
		return nil, fmt.Errorf("entries cannot be created %s", status)
	}

	now := time.Now().UTC()
	return &Entry{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Remaining: amount,
		Source:    source,
		Status:    status,
		Promo:     promo,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsExpired reports whether a promo entry has passed its expiry
func (e *Entry) IsExpired(now time.Time) bool {
	return e.Promo && e.ExpiresAt != nil && now.After(*e.ExpiresAt) &&
		e.Status != EntryWithdrawn && e.Status != EntryExpired
}

// IsSpendable reports whether the entry can fund a deduction
func (e *Entry) IsSpendable(now time.Time) bool {
	return e.Status == EntryUnlocked && e.Remaining.IsPositive() && !e.IsExpired(now)
}

// Unlock releases a locked entry for spending or withdrawal
func (e *Entry) Unlock() error {
	if e.Status != EntryLocked {
		return fmt.Errorf("cannot unlock %s entry %s", e.Status, e.ID)
	}
	e.Status = EntryUnlocked
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Activate turns a pending entry into spendable credit
func (e *Entry) Activate() error {
	if e.Status != EntryPending {
		return fmt.Errorf("cannot activate %s entry %s", e.Status, e.ID)
	}
	e.Status = EntryUnlocked
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Consume spends up to want from the entry and returns the amount
// actually taken. When the entry empties it moves to withdrawn.
func (e *Entry) Consume(want money.Money) (money.Money, error) {
	if e.Status != EntryUnlocked {
		return money.Zero(want.Currency), fmt.Errorf("cannot consume %s entry %s", e.Status, e.ID)
	}
	if !want.IsPositive() {
		return money.Zero(want.Currency), nil
	}

	take := e.Remaining.Min(want)
	remaining, err := e.Remaining.Sub(take)
	if err != nil {
		return money.Zero(want.Currency), err
	}

	e.Remaining = remaining
	if e.Remaining.IsZero() {
		e.Status = EntryWithdrawn
	}
	e.UpdatedAt = time.Now().UTC()
	return take, nil
}

// MarkExpired retires a promo entry past its expiry
func (e *Entry) MarkExpired() error {
	if e.Status == EntryWithdrawn || e.Status == EntryExpired {
		return fmt.Errorf("cannot expire %s entry %s", e.Status, e.ID)
	}
	e.Status = EntryExpired
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Balance is the denormalised per-user wallet summary. At all times
// LockedAmount + AvailableAmount == PromoBalance + NonPromoBalance ==
// the remaining sum of live entries.
type Balance struct {
	UserID string `json:"user_id"`

	PromoBalance    money.Money `json:"promo_balance"`
	NonPromoBalance money.Money `json:"non_promo_balance"`
	LockedAmount    money.Money `json:"locked_amount"`
	AvailableAmount money.Money `json:"available_amount"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewBalance creates an empty balance for a user
func NewBalance(userID string) *Balance {
	return &Balance{
		UserID:          userID,
		PromoBalance:    money.Zero(money.INR),
		NonPromoBalance: money.Zero(money.INR),
		LockedAmount:    money.Zero(money.INR),
		AvailableAmount: money.Zero(money.INR),
		UpdatedAt:       time.Now().UTC(),
	}
}

// Total returns the full wallet value, locked included
func (b *Balance) Total() money.Money {
	return b.LockedAmount.MustAdd(b.AvailableAmount)
}

// ComputeBalance rebuilds a balance from entries. Used both to verify
// the stored balance and to repair it.
func ComputeBalance(userID string, entries []*Entry, now time.Time) *Balance {
	b := NewBalance(userID)
	for _, e := range entries {
		if e.UserID != userID || e.IsExpired(now) {
			continue
		}
		switch e.Status {
		case EntryLocked:
			b.LockedAmount = b.LockedAmount.MustAdd(e.Remaining)
		case EntryUnlocked:
			b.AvailableAmount = b.AvailableAmount.MustAdd(e.Remaining)
		default:
			continue
		}
		if e.Promo {
			b.PromoBalance = b.PromoBalance.MustAdd(e.Remaining)
		} else {
			b.NonPromoBalance = b.NonPromoBalance.MustAdd(e.Remaining)
		}
	}
	return b
}

// Matches reports whether two balances agree on every amount
func (b *Balance) Matches(other *Balance) bool {
	return b.PromoBalance.Equal(other.PromoBalance) &&
		b.NonPromoBalance.Equal(other.NonPromoBalance) &&
		b.LockedAmount.Equal(other.LockedAmount) &&
		b.AvailableAmount.Equal(other.AvailableAmount)
}

// DeductionDetail records one entry's contribution to a deduction.
type DeductionDetail struct {
	EntryID string      `json:"entry_id"`
	Amount  money.Money `json:"amount"`
	Promo   bool        `json:"promo"`
	Source  EntrySource `json:"source"`
}

// Deduction is the outcome of applying wallet credit to a fare.
type Deduction struct {
	UserID        string            `json:"user_id"`
	AmountApplied money.Money       `json:"amount_applied"`
	RemainingFare money.Money       `json:"remaining_fare"`
	Details       []DeductionDetail `json:"details,omitempty"`
}

// Deduct consumes credit from entries oldest-first, promo before
// non-promo, and reports what was taken. Partial-redeem promo entries
// collectively cover at most promoRedeemBps of the fare; the rest of
// the fare falls through to non-promo credit. Entries are mutated in
// place, so the caller persists the ones named in the details.
func Deduct(entries []*Entry, fare money.Money, promoRedeemBps int64, now time.Time) (money.Money, []DeductionDetail, error) {
	applied := money.Zero(fare.Currency)
	remaining := fare
	partialBudget := fare.Percentage(promoRedeemBps)
	var details []DeductionDetail

	take := func(e *Entry, want money.Money) (money.Money, error) {
		got, err := e.Consume(want)
		if err != nil {
			return got, err
		}
		if got.IsZero() {
			return got, nil
		}
		applied = applied.MustAdd(got)
		remaining = remaining.MustSub(got)
		details = append(details, DeductionDetail{
			EntryID: e.ID,
			Amount:  got,
			Promo:   e.Promo,
			Source:  e.Source,
		})
		return got, nil
	}

	for _, e := range entries {
		if remaining.IsZero() {
			break
		}
		if !e.Promo || !e.IsSpendable(now) {
			continue
		}
		want := remaining
		if e.PartialRedeem {
			want = want.Min(partialBudget)
		}
		got, err := take(e, want)
		if err != nil {
			return money.Money{}, nil, err
		}
		if e.PartialRedeem {
			partialBudget = partialBudget.MustSub(got)
		}
	}

	for _, e := range entries {
		if remaining.IsZero() {
			break
		}
		if e.Promo || !e.IsSpendable(now) {
			continue
		}
		if _, err := take(e, remaining); err != nil {
			return money.Money{}, nil, err
		}
	}

	return applied, details, nil
}

// ConsumeForWithdrawal takes amount out of unlocked non-promo entries
// oldest first. Promo credit is spendable on fares only, never paid
// out. Fails without touching any entry when the withdrawable balance
// is short.
func ConsumeForWithdrawal(entries []*Entry, amount money.Money, now time.Time) ([]DeductionDetail, error) {
	withdrawable := money.Zero(amount.Currency)
	for _, e := range entries {
		if !e.Promo && e.IsSpendable(now) {
			withdrawable = withdrawable.MustAdd(e.Remaining)
		}
	}
	if amount.GreaterThan(withdrawable) {
		return nil, fmt.Errorf("requested %s with %s withdrawable: %w", amount, withdrawable, ErrInsufficientBalance)
	}

	remaining := amount
	var details []DeductionDetail
	for _, e := range entries {
		if remaining.IsZero() {
			break
		}
		if e.Promo || !e.IsSpendable(now) {
			continue
		}
		got, err := e.Consume(remaining)
		if err != nil {
			return nil, err
		}
		remaining = remaining.MustSub(got)
		details = append(details, DeductionDetail{
			EntryID: e.ID,
			Amount:  got,
			Promo:   false,
			Source:  e.Source,
		})
	}

	return details, nil
}

// ExpireOverdue marks overdue promo entries expired and returns them
func ExpireOverdue(entries []*Entry, now time.Time) []*Entry {
	var expired []*Entry
	for _, e := range entries {
		if !e.IsExpired(now) {
			continue
		}
		_ = e.MarkExpired()
		expired = append(expired, e)
	}
	return expired
}
