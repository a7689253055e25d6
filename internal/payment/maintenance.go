package payment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"lendpay/internal/gateway"
)

// Expire moves intents past their TTL out of the awaiting states.
// AWAITING_USER_ACTION and CONFIRMING become EXPIRED; CREATED intents
// whose initiation never finished become FAILED.
func (m *Manager) Expire(ctx context.Context) (int, error) {
	now := m.clock.Now()

	expired, err := m.sweep(ctx, []Status{StatusAwaitingUserAction, StatusConfirming}, now, StatusExpired, ReasonTTLElapsed)
	if err != nil {
		return expired, err
	}
	abandoned, err := m.sweep(ctx, []Status{StatusCreated}, now, StatusFailed, ReasonInitiationAbandoned)
	return expired + abandoned, err
}

func (m *Manager) sweep(ctx context.Context, from []Status, now time.Time, to Status, reason Reason) (int, error) {
	total := 0
	for {
		batch, err := m.store.ListDue(ctx, from, now, m.cfg.SweepBatch)
		if err != nil {
			return total, err
		}

		moved := 0
		for _, intent := range batch {
			if err := ctx.Err(); err != nil {
				return total + moved, err
			}
			if err := m.transition(ctx, intent, to, reason); err != nil {
				if !errors.Is(err, ErrStaleStatus) {
					m.logger.Error("failed to expire intent", "intent_id", intent.ID, "error", err)
				}
				continue
			}
			moved++
		}
		total += moved

		if len(batch) < m.cfg.SweepBatch || moved == 0 {
			return total, nil
		}
	}
}

// ResolvePending settles CONFIRMING intents whose confirmation call
// ended inconclusively, using the gateway's view of the order.
func (m *Manager) ResolvePending(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.cfg.PendingGrace)
	batch, err := m.store.ListStale(ctx, StatusConfirming, cutoff, m.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, intent := range batch {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if m.resolve(ctx, intent) {
			resolved++
		}
	}
	return resolved, nil
}

func (m *Manager) resolve(ctx context.Context, intent *Intent) bool {
	log := m.logger.With("intent_id", intent.ID, "order_id", intent.OrderID)

	gw, err := m.gateways.Get(intent.Gateway)
	if err != nil {
		log.Error("intent gateway not configured", "gateway", intent.Gateway)
		return false
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
	start := time.Now()
	status, err := gw.QueryStatus(qctx, intent.OrderID)
	cancel()
	m.metrics.GatewayCall(gw.Name(), "status", outcome(err), time.Since(start))
	if err != nil {
		log.Warn("gateway status query failed", "error", err)
		return false
	}

	req := ConfirmRequest{Ref: intent.ID, PaymentKey: intent.PaymentKey, Amount: intent.Amount}

	switch {
	case status.Status == gateway.StatusDone && status.Amount == intent.Amount:
		_, err := m.finalize(ctx, intent.ID, "", req)
		if err != nil && errors.Is(err, ErrConfirmationPending) {
			return false
		}
		log.Info("pending confirmation resolved", "error", err)
		return true

	case status.Status == gateway.StatusDone:
		log.Warn("gateway settled a different amount", "gateway_amount", status.Amount, "amount", intent.Amount)
		if err := m.transition(ctx, intent, StatusFailed, ReasonAmountMismatch); err != nil {
			return false
		}
		m.requestRefund(ctx, intent)
		return true

	case status.Status.Failed():
		if err := m.transition(ctx, intent, StatusFailed, ReasonGatewayRejected); err != nil {
			return false
		}
		return true
	}

	return false
}
