package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
)

// EventRecord is one audited gateway delivery. The unique key
// (order_id, event_type, payment_id, status) makes replays detectable;
// status participates so a retried refund's SUCCESS after an earlier
// FAILED is not swallowed as a duplicate of it.
type EventRecord struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	OrderID    string    `json:"order_id,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store persists webhook delivery records in Postgres.
type Store struct {
	db *database.DB
}

// NewStore creates a webhook event store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Record inserts the delivery, reporting false when an identical one
// was already recorded.
func (s *Store) Record(ctx context.Context, rec *EventRecord) (bool, error) {
	query := `
		INSERT INTO webhook_events (id, event_type, order_id, payment_id, status, outcome, reason, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, event_type, payment_id, status) DO NOTHING
	`

	tag, err := s.db.Exec(ctx, query,
		rec.ID,
		rec.EventType,
		rec.OrderID,
		rec.PaymentID,
		rec.Status,
		rec.Outcome,
		rec.Reason,
		rec.Payload,
		rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("recording webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateOutcome stores how processing of a recorded delivery ended.
func (s *Store) UpdateOutcome(ctx context.Context, id, outcome, reason string) error {
	query := `UPDATE webhook_events SET outcome = $2, reason = $3 WHERE id = $1`

	if _, err := s.db.Exec(ctx, query, id, outcome, reason); err != nil {
		return fmt.Errorf("updating webhook event outcome: %w", err)
	}
	return nil
}
