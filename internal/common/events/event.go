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
	CorrelationID string          `json:"correlation_id,omitempty"`
	OwnerID       string          `json:"owner_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, ownerID, aggregateType, aggregateID string, occurredAt time.Time, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    occurredAt.UTC(),
		OwnerID:       ownerID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into v
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Subject returns the broker subject for the event
func (e *Event) Subject() string {
	return SubjectPrefix + e.Type
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// SubjectPrefix is prepended to event types to form broker subjects
const SubjectPrefix = "events."

// Payment intent event types
const (
	EventPaymentIntentCreated        = "payment.intent.created"
	EventPaymentIntentConfirmed      = "payment.intent.confirmed"
	EventPaymentIntentFailed         = "payment.intent.failed"
	EventPaymentIntentExpired        = "payment.intent.expired"
	EventPaymentIntentRefundRequired = "payment.intent.refund_required"
)

// PaymentIntentData is carried by every payment.intent.* event
type PaymentIntentData struct {
	IntentID        string     `json:"intent_id"`
	Kind            string     `json:"kind"`
	OrderID         string     `json:"order_id"`
	TargetAccountID string     `json:"target_account_id"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	Gateway         string     `json:"gateway"`
	Reason          string     `json:"reason,omitempty"`
	TransactionID   string     `json:"transaction_id,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// LedgerEffectData is attached to payment.intent.confirmed events
type LedgerEffectData struct {
	AccountID     string `json:"account_id"`
	Direction     string `json:"direction"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
}

// PaymentConfirmedData is the data for payment.intent.confirmed events
type PaymentConfirmedData struct {
	PaymentIntentData
	Effect LedgerEffectData `json:"effect"`
}
