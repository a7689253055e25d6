package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"lendpay/internal/gateway"
)

// StatusView is what a client sees while polling an intent
type StatusView struct {
	IntentID    string     `json:"intentId"`
	OrderID     string     `json:"externalOrderId"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Amount      int64      `json:"amount"`
	Message     string     `json:"message"`
	Reason      Reason     `json:"reason,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Poller answers status queries. It never changes an intent.
type Poller struct {
	store    Store
	gateways *gateway.Registry
	enrich   bool
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPoller creates a status poller. gateways may be nil when enrichment is off.
func NewPoller(store Store, gateways *gateway.Registry, cfg Config, logger *slog.Logger) *Poller {
	return &Poller{
		store:    store,
		gateways: gateways,
		enrich:   cfg.EnrichFromGateway && gateways != nil,
		timeout:  cfg.ConfirmTimeout,
		logger:   logger,
	}
}

// GetStatus returns the status of the intent ref (intent id or order id)
// owned by ownerID. Intents of other owners are reported as not found.
func (p *Poller) GetStatus(ctx context.Context, ref, ownerID string) (*StatusView, error) {
	intent, err := p.Get(ctx, ref, ownerID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		IntentID:    intent.ID,
		OrderID:     intent.OrderID,
		Kind:        intent.Kind,
		Status:      intent.Status,
		Amount:      intent.Amount,
		Message:     statusMessage(intent),
		Reason:      intent.FailureReason,
		ConfirmedAt: intent.ConfirmedAt,
		ExpiresAt:   intent.ExpiresAt,
	}
	if intent.Status == StatusConfirming && p.enrich {
		if msg := p.gatewayMessage(ctx, intent); msg != "" {
			view.Message = msg
		}
	}
	return view, nil
}

// Get returns the full intent if ownerID owns it
func (p *Poller) Get(ctx context.Context, ref, ownerID string) (*Intent, error) {
	if ref == "" {
		return nil, validationError("intent id or order id is required")
	}

	intent, err := p.store.GetIntent(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		intent, err = p.store.GetIntentByOrderID(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrNotFound, "payment not found", "intent %s not found", ref)
		}
		return nil, err
	}
	if intent.OwnerID != ownerID {
		return nil, newError(ErrNotFound, "payment not found", "intent %s not owned by %s", ref, ownerID)
	}
	return intent, nil
}

func (p *Poller) gatewayMessage(ctx context.Context, intent *Intent) string {
	gw, err := p.gateways.Get(intent.Gateway)
	if err != nil {
		return ""
	}

	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := gw.QueryStatus(qctx, intent.OrderID)
	if err != nil {
		p.logger.Debug("status enrichment failed", "intent_id", intent.ID, "error", err)
		return ""
	}
	switch {
	case status.Status == gateway.StatusDone:
		return "payment received by the provider, applying to your account"
	case status.Status == gateway.StatusWaitingForDeposit:
		return "waiting for your bank transfer"
	case status.Status.Failed():
		return "the provider reports the payment did not complete"
	}
	return ""
}

func statusMessage(in *Intent) string {
	switch in.Status {
	case StatusCreated:
		return "payment is being prepared"
	case StatusAwaitingUserAction:
		return "waiting for you to complete checkout"
	case StatusConfirming:
		return "payment is being confirmed, poll again"
	case StatusConfirmed:
		return "payment confirmed"
	case StatusExpired:
		if in.FailureReason == ReasonConfirmedAfterExpiry {
			return "the payment arrived after the window closed and will be refunded"
		}
		return "the payment window has closed"
	case StatusFailed:
		switch in.FailureReason {
		case ReasonAmountMismatch:
			return "paid amount did not match the requested amount"
		case ReasonGatewayRejected:
			return "the payment was declined"
		case ReasonGatewayUnavailable:
			return "the payment provider was unavailable"
		case ReasonLedgerRejected:
			return "the payment could not be applied and will be refunded"
		case ReasonInitiationAbandoned:
			return "the payment could not be started"
		}
		return "payment failed"
	}
	return string(in.Status)
}
