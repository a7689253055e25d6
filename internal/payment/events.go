package payment

import (
	"context"

	"lendpay/internal/common/events"
	"lendpay/internal/common/middleware"
	"lendpay/internal/ledger"
)

const aggregateType = "payment_intent"

func intentData(in *Intent) events.PaymentIntentData {
	return events.PaymentIntentData{
		IntentID:        in.ID,
		Kind:            string(in.Kind),
		OrderID:         in.OrderID,
		TargetAccountID: in.TargetAccountID,
		Amount:          in.Amount,
		Currency:        string(in.Currency),
		Status:          string(in.Status),
		Gateway:         in.Gateway,
		Reason:          string(in.FailureReason),
		TransactionID:   in.TransactionID,
		ConfirmedAt:     in.ConfirmedAt,
	}
}

func confirmedData(in *Intent, effect *ledger.Effect) events.PaymentConfirmedData {
	return events.PaymentConfirmedData{
		PaymentIntentData: intentData(in),
		Effect: events.LedgerEffectData{
			AccountID:     effect.AccountID,
			Direction:     string(effect.Direction),
			BalanceBefore: effect.BalanceBefore,
			BalanceAfter:  effect.BalanceAfter,
		},
	}
}

// publish is best effort: the intent is already committed
func (m *Manager) publish(ctx context.Context, eventType string, in *Intent, data any) {
	if m.publisher == nil {
		return
	}

	event, err := events.NewEvent(eventType, in.OwnerID, aggregateType, in.ID, m.clock.Now(), data)
	if err != nil {
		m.logger.Error("failed to build event", "type", eventType, "intent_id", in.ID, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Error("failed to publish event",
			"type", eventType,
			"intent_id", in.ID,
			"error", err,
		)
	}
}

// publishTransition emits the event for a status the intent just entered
func (m *Manager) publishTransition(ctx context.Context, in *Intent) {
	switch in.Status {
	case StatusAwaitingUserAction:
		m.publish(ctx, events.EventPaymentIntentCreated, in, intentData(in))
	case StatusFailed:
		m.publish(ctx, events.EventPaymentIntentFailed, in, intentData(in))
	case StatusExpired:
		m.publish(ctx, events.EventPaymentIntentExpired, in, intentData(in))
	}
}

// requestRefund tells operations a capture must be reversed at the gateway
func (m *Manager) requestRefund(ctx context.Context, in *Intent) {
	m.logger.Warn("gateway capture needs refund",
		"intent_id", in.ID,
		"order_id", in.OrderID,
		"status", in.Status,
		"reason", in.FailureReason,
	)
	m.publish(ctx, events.EventPaymentIntentRefundRequired, in, intentData(in))
}
