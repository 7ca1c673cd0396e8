// Package webhook ingests payment gateway callbacks and turns them
// into ledger transitions. Each delivery is signature-verified before
// parsing, written to an audit table, and deduplicated there; gateway
// retries of an already-seen event collapse into a skip. Only a bad
// signature is surfaced as an error; every other failure is
// acknowledged with an outcome so the gateway stops redelivering.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/events"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/metrics"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/domain"
)

// Event types delivered by the gateway.
const (
	EventPaymentSuccess     = "PAYMENT_SUCCESS"
	EventPaymentFailed      = "PAYMENT_FAILED"
	EventPaymentUserDropped = "PAYMENT_USER_DROPPED"
	EventRefundStatus       = "REFUND_STATUS"
	EventPayoutStatus       = "PAYOUT_STATUS"
)

// Gateway terminal statuses carried by refund and payout events.
const (
	gatewayStatusSuccess = "SUCCESS"
	gatewayStatusFailed  = "FAILED"
)

// Event is the gateway's delivery envelope.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData is the union of fields the gateway sends across event
// types; each handler reads the ones its type defines.
type EventData struct {
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	PaymentMethod string `json:"payment_method"`
	RefundID      string `json:"refund_id"`
	PayoutID      string `json:"payout_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	UTR           string `json:"utr"`
}

// Outcome statuses recorded per delivery.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Outcome is the acknowledged result of one delivery.
type Outcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ErrBadSignature is the only processing failure surfaced as an error.
// The HTTP layer answers it with 401; everything else gets a 200.
var ErrBadSignature = errors.New("webhook signature mismatch")

// SignatureVerifier checks a delivery's HMAC before parsing.
type SignatureVerifier interface {
	VerifyWebhookSignature(rawBody []byte, signature, timestamp string) bool
}

// AuditStore persists one record per verified delivery and reports
// whether the delivery is new.
type AuditStore interface {
	Record(ctx context.Context, rec *EventRecord) (bool, error)
	UpdateOutcome(ctx context.Context, id, outcome, reason string) error
}

// TransactionStore is the slice of the ledger store webhooks drive.
type TransactionStore interface {
	GetByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error)
	GetByRefundID(ctx context.Context, refundID string) (*domain.Transaction, error)
	GetByPayoutID(ctx context.Context, payoutID string) (*domain.Transaction, error)
	Transition(ctx context.Context, txn *domain.Transaction, from domain.Status) error
}

// BookingStore covers the booking side effects of payment events.
type BookingStore interface {
	ConfirmBooking(ctx context.Context, bookingID string) (bool, error)
	ClearPaymentOrder(ctx context.Context, bookingID string) error
}

// Subscriptions activates a purchased plan once its payment settles.
type Subscriptions interface {
	ActivateByOrderID(ctx context.Context, orderID string) (bool, error)
}

// Escrow finishes a trip payout stage once the gateway confirms it.
type Escrow interface {
	OnPayoutSettled(ctx context.Context, txn *domain.Transaction) error
}

// Wallet restores balance consumed by a withdrawal the gateway later
// reported failed.
type Wallet interface {
	RevertWithdrawal(ctx context.Context, userID string, amount money.Money, payoutID string) error
}

// Processor handles gateway deliveries.
type Processor struct {
	verifier  SignatureVerifier
	audit     AuditStore
	txns      TransactionStore
	bookings  BookingStore
	subs      Subscriptions
	escrow    Escrow
	wallet    Wallet
	publisher events.Publisher
	logger    *slog.Logger
}

// NewProcessor creates a webhook processor. The publisher may be nil.
func NewProcessor(
	verifier SignatureVerifier,
	audit AuditStore,
	txns TransactionStore,
	bookings BookingStore,
	subs Subscriptions,
	escrow Escrow,
	wallet Wallet,
	publisher events.Publisher,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		verifier:  verifier,
		audit:     audit,
		txns:      txns,
		bookings:  bookings,
		subs:      subs,
		escrow:    escrow,
		wallet:    wallet,
		publisher: publisher,
		logger:    logger,
	}
}

// Process handles one raw delivery. A signature mismatch returns
// ErrBadSignature and nothing is touched; any other path returns an
// Outcome for the gateway to acknowledge.
func (p *Processor) Process(ctx context.Context, rawBody []byte, signature, timestamp string) (*Outcome, error) {
	if !p.verifier.VerifyWebhookSignature(rawBody, signature, timestamp) {
		metrics.RecordWebhookProcessed("unknown", "rejected")
		return nil, ErrBadSignature
	}

	var ev Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		p.logger.Error("webhook payload unreadable", "error", err)
		metrics.RecordWebhookProcessed("unknown", OutcomeFailed)
		return &Outcome{Status: OutcomeFailed, Reason: "malformed payload"}, nil
	}

	rec := &EventRecord{
		ID:         ulid.Make().String(),
		EventType:  ev.Type,
		OrderID:    ev.Data.OrderID,
		PaymentID:  eventReference(ev.Data),
		Status:     ev.Data.Status,
		Payload:    rawBody,
		ReceivedAt: time.Now().UTC(),
	}
	fresh, err := p.audit.Record(ctx, rec)
	if err != nil {
		// Keep processing on an audit write failure: the per-row
		// compare-and-sets below still hold against double handling.
		p.logger.Error("webhook audit write failed",
			"event_type", ev.Type,
			"order_id", ev.Data.OrderID,
			"error", err,
		)
		fresh = true
	}
	if !fresh {
		out := &Outcome{Status: OutcomeSkipped, Reason: "duplicate delivery"}
		metrics.RecordWebhookProcessed(ev.Type, out.Status)
		return out, nil
	}

	var out *Outcome
	switch ev.Type {
	case EventPaymentSuccess:
		out = p.handlePaymentSuccess(ctx, ev.Data)
	case EventPaymentFailed, EventPaymentUserDropped:
		out = p.handlePaymentFailure(ctx, ev.Type, ev.Data)
	case EventRefundStatus:
		out = p.handleRefundStatus(ctx, ev.Data)
	case EventPayoutStatus:
		out = p.handlePayoutStatus(ctx, ev.Data)
	default:
		out = &Outcome{Status: OutcomeSkipped, Reason: fmt.Sprintf("unhandled event type %q", ev.Type)}
	}

	if err := p.audit.UpdateOutcome(ctx, rec.ID, out.Status, out.Reason); err != nil {
		p.logger.Error("webhook audit outcome write failed", "event_id", rec.ID, "error", err)
	}
	if out.Status == OutcomeFailed {
		p.logger.Error("webhook processing failed",
			"event_type", ev.Type,
			"order_id", ev.Data.OrderID,
			"reason", out.Reason,
		)
	}
	metrics.RecordWebhookProcessed(ev.Type, out.Status)
	return out, nil
}

// eventReference picks the most specific gateway reference for the
// audit dedupe key, so payout and refund events keyed by the same
// order never collide.
func eventReference(data EventData) string {
	switch {
	case data.PaymentID != "":
		return data.PaymentID
	case data.RefundID != "":
		return data.RefundID
	case data.PayoutID != "":
		return data.PayoutID
	}
	return ""
}

func (p *Processor) handlePaymentSuccess(ctx context.Context, data EventData) *Outcome {
	if data.OrderID == "" {
		return failed("payment event without order id")
	}
	txn, err := p.txns.GetByOrderID(ctx, data.OrderID)
	if database.IsNotFound(err) {
		return failed(fmt.Sprintf("no transaction for order %s", data.OrderID))
	}
	if err != nil {
		return failed(err.Error())
	}

	switch txn.Status {
	case domain.StatusAuthorized, domain.StatusCaptured, domain.StatusCompleted:
		return skipped(fmt.Sprintf("transaction %s already %s", txn.ID, txn.Status))
	}

	if err := txn.MarkAuthorized(data.PaymentID, data.PaymentMethod); err != nil {
		return failed(err.Error())
	}
	if err := p.txns.Transition(ctx, txn, domain.StatusPending); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return skipped(fmt.Sprintf("transaction %s changed concurrently", txn.ID))
		}
		return failed(err.Error())
	}

	if txn.BookingID != "" {
		if _, err := p.bookings.ConfirmBooking(ctx, txn.BookingID); err != nil {
			p.logger.Error("confirming booking after payment",
				"booking_id", txn.BookingID,
				"error", err,
			)
		}
	}
	if txn.Type == domain.TypeSubscription {
		if _, err := p.subs.ActivateByOrderID(ctx, txn.OrderID); err != nil {
			p.logger.Error("activating subscription after payment",
				"order_id", txn.OrderID,
				"error", err,
			)
		}
	}

	p.publish(ctx, events.EventPaymentAuthorized, txn.UserID, txn.ID, events.PaymentAuthorizedData{
		OrderID:       txn.OrderID,
		BookingID:     txn.BookingID,
		PaymentID:     data.PaymentID,
		PaymentMethod: data.PaymentMethod,
		Amount:        txn.Amount.AmountMinor,
		Currency:      string(txn.Amount.Currency),
	})
	p.logger.Info("payment authorized",
		"transaction_id", txn.ID,
		"order_id", txn.OrderID,
		"payment_method", data.PaymentMethod,
	)
	return processed()
}

func (p *Processor) handlePaymentFailure(ctx context.Context, eventType string, data EventData) *Outcome {
	if data.OrderID == "" {
		return failed("payment event without order id")
	}
	txn, err := p.txns.GetByOrderID(ctx, data.OrderID)
	if database.IsNotFound(err) {
		return failed(fmt.Sprintf("no transaction for order %s", data.OrderID))
	}
	if err != nil {
		return failed(err.Error())
	}

	if txn.Status == domain.StatusFailed {
		return skipped(fmt.Sprintf("transaction %s already failed", txn.ID))
	}

	from := txn.Status
	reason := data.Reason
	if reason == "" {
		reason = "payment did not complete"
	}
	if err := txn.MarkFailed(eventType, reason); err != nil {
		return failed(err.Error())
	}
	if err := p.txns.Transition(ctx, txn, from); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return skipped(fmt.Sprintf("transaction %s changed concurrently", txn.ID))
		}
		return failed(err.Error())
	}

	// The booking survives a failed payment attempt; dropping the order
	// reference lets the passenger initiate a new one.
	if txn.BookingID != "" {
		if err := p.bookings.ClearPaymentOrder(ctx, txn.BookingID); err != nil {
			p.logger.Error("clearing booking payment order",
				"booking_id", txn.BookingID,
				"error", err,
			)
		}
	}

	p.publish(ctx, events.EventPaymentFailed, txn.UserID, txn.ID, events.PaymentFailedData{
		OrderID:   txn.OrderID,
		BookingID: txn.BookingID,
		Reason:    reason,
	})
	p.logger.Info("payment failed",
		"transaction_id", txn.ID,
		"order_id", txn.OrderID,
		"event_type", eventType,
		"reason", reason,
	)
	return processed()
}

func (p *Processor) handleRefundStatus(ctx context.Context, data EventData) *Outcome {
	if data.RefundID == "" {
		return failed("refund event without refund id")
	}
	txn, err := p.txns.GetByRefundID(ctx, data.RefundID)
	if database.IsNotFound(err) {
		return failed(fmt.Sprintf("no refund transaction for %s", data.RefundID))
	}
	if err != nil {
		return failed(err.Error())
	}

	switch data.Status {
	case gatewayStatusSuccess:
		if txn.Status == domain.StatusCompleted {
			return skipped(fmt.Sprintf("refund %s already completed", txn.ID))
		}
		from := txn.Status
		if err := txn.MarkCompleted(); err != nil {
			return failed(err.Error())
		}
		if err := p.txns.Transition(ctx, txn, from); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return skipped(fmt.Sprintf("refund %s changed concurrently", txn.ID))
			}
			return failed(err.Error())
		}
		p.markSourceRefunded(ctx, txn)
		metrics.RecordRefund("completed")
		p.publish(ctx, events.EventRefundCompleted, txn.UserID, txn.ID, events.RefundData{
			BookingID: txn.BookingID,
			OrderID:   txn.OrderID,
			RefundID:  data.RefundID,
			Amount:    txn.Amount.AmountMinor,
			Currency:  string(txn.Amount.Currency),
		})
		p.logger.Info("refund settled", "transaction_id", txn.ID, "refund_id", data.RefundID)
		return processed()

	case gatewayStatusFailed:
		if txn.Status == domain.StatusFailed {
			return skipped(fmt.Sprintf("refund %s already failed", txn.ID))
		}
		from := txn.Status
		reason := data.Reason
		if reason == "" {
			reason = "gateway reported refund failure"
		}
		if err := txn.MarkFailed("REFUND_FAILED", reason); err != nil {
			return failed(err.Error())
		}
		if err := p.txns.Transition(ctx, txn, from); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return skipped(fmt.Sprintf("refund %s changed concurrently", txn.ID))
			}
			return failed(err.Error())
		}
		metrics.RecordRefund("failed")
		p.publish(ctx, events.EventRefundFailed, txn.UserID, txn.ID, events.RefundData{
			BookingID: txn.BookingID,
			OrderID:   txn.OrderID,
			RefundID:  data.RefundID,
			Amount:    txn.Amount.AmountMinor,
			Currency:  string(txn.Amount.Currency),
			Reason:    reason,
		})
		p.logger.Warn("refund failed", "transaction_id", txn.ID, "refund_id", data.RefundID, "reason", reason)
		return processed()
	}

	return skipped(fmt.Sprintf("refund %s reported %s", data.RefundID, data.Status))
}

func (p *Processor) handlePayoutStatus(ctx context.Context, data EventData) *Outcome {
	if data.PayoutID == "" {
		return failed("payout event without payout id")
	}
	txn, err := p.txns.GetByPayoutID(ctx, data.PayoutID)
	if database.IsNotFound(err) {
		return failed(fmt.Sprintf("no payout transaction for %s", data.PayoutID))
	}
	if err != nil {
		return failed(err.Error())
	}

	switch data.Status {
	case gatewayStatusSuccess:
		if txn.Status == domain.StatusCompleted {
			return skipped(fmt.Sprintf("payout %s already completed", txn.ID))
		}
		from := txn.Status
		if data.UTR != "" {
			if txn.Metadata == nil {
				txn.Metadata = map[string]string{}
			}
			txn.Metadata["utr"] = data.UTR
		}
		if err := txn.MarkCompleted(); err != nil {
			return failed(err.Error())
		}
		if err := p.txns.Transition(ctx, txn, from); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return skipped(fmt.Sprintf("payout %s changed concurrently", txn.ID))
			}
			return failed(err.Error())
		}
		if err := p.escrow.OnPayoutSettled(ctx, txn); err != nil {
			p.logger.Error("finishing escrow stage after payout",
				"transaction_id", txn.ID,
				"payout_id", data.PayoutID,
				"error", err,
			)
		}
		p.logger.Info("payout settled", "transaction_id", txn.ID, "payout_id", data.PayoutID, "utr", data.UTR)
		return processed()

	case gatewayStatusFailed:
		if txn.Status == domain.StatusFailed {
			return skipped(fmt.Sprintf("payout %s already failed", txn.ID))
		}
		from := txn.Status
		reason := data.Reason
		if reason == "" {
			reason = "gateway reported payout failure"
		}
		if err := txn.MarkFailed("PAYOUT_FAILED", reason); err != nil {
			return failed(err.Error())
		}
		if err := p.txns.Transition(ctx, txn, from); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return skipped(fmt.Sprintf("payout %s changed concurrently", txn.ID))
			}
			return failed(err.Error())
		}
		// Winning the compare-and-set above means this delivery is the
		// one that reverts a wallet withdrawal; replays skip before it.
		if txn.Metadata["kind"] == "wallet_withdrawal" {
			if err := p.wallet.RevertWithdrawal(ctx, txn.UserID, txn.Amount, data.PayoutID); err != nil {
				p.logger.Error("reverting failed withdrawal",
					"transaction_id", txn.ID,
					"payout_id", data.PayoutID,
					"error", err,
				)
			}
		}
		p.logger.Warn("payout failed", "transaction_id", txn.ID, "payout_id", data.PayoutID, "reason", reason)
		return processed()
	}

	return skipped(fmt.Sprintf("payout %s reported %s", data.PayoutID, data.Status))
}

// markSourceRefunded flips the originating collection once its refund
// settles. Completed collections have no further transitions, so this
// is best effort; the refund row itself remains the record.
func (p *Processor) markSourceRefunded(ctx context.Context, refund *domain.Transaction) {
	if refund.OrderID == "" {
		return
	}
	src, err := p.txns.GetByOrderID(ctx, refund.OrderID)
	if err != nil {
		p.logger.Error("loading refunded collection", "order_id", refund.OrderID, "error", err)
		return
	}
	if src.Status == domain.StatusRefunded {
		return
	}
	from := src.Status
	if err := src.MarkRefunded(); err != nil {
		p.logger.Warn("collection not refundable",
			"transaction_id", src.ID,
			"status", from,
			"error", err,
		)
		return
	}
	if err := p.txns.Transition(ctx, src, from); err != nil {
		p.logger.Error("marking collection refunded", "transaction_id", src.ID, "error", err)
	}
}

// publish emits a domain event for downstream consumers. Best effort:
// failures are logged and never change the delivery outcome.
func (p *Processor) publish(ctx context.Context, eventType, userID, txnID string, data any) {
	if p.publisher == nil {
		return
	}
	ev, err := events.NewEvent(eventType, userID, "transaction", txnID, data)
	if err != nil {
		p.logger.Error("encoding domain event", "event_type", eventType, "transaction_id", txnID, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn("domain event publish failed", "event_type", eventType, "transaction_id", txnID, "error", err)
	}
}

func processed() *Outcome {
	return &Outcome{Status: OutcomeProcessed}
}

func skipped(reason string) *Outcome {
	return &Outcome{Status: OutcomeSkipped, Reason: reason}
}

func failed(reason string) *Outcome {
	return &Outcome{Status: OutcomeFailed, Reason: reason}
}
