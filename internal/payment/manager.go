package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"lendpay/internal/common/clock"
	"lendpay/internal/common/events"
	"lendpay/internal/common/metrics"
	"lendpay/internal/common/money"
	"lendpay/internal/gateway"
	"lendpay/internal/ledger"
)

const orderIDAttempts = 3

// Deps are the Manager's collaborators
type Deps struct {
	Store      Store
	Gateways   *gateway.Registry
	Reconciler *ledger.Reconciler
	Clock      clock.Clock
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Manager owns every intent status transition
type Manager struct {
	store      Store
	gateways   *gateway.Registry
	reconciler *ledger.Reconciler
	clock      clock.Clock
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config

	confirms singleflight.Group
}

// NewManager creates a new intent manager
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reconciler == nil {
		deps.Reconciler = ledger.NewReconciler(deps.Clock, deps.Metrics, deps.Logger)
	}
	if cfg.InitiateAttempts < 1 {
		cfg.InitiateAttempts = 1
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Manager{
		store:      deps.Store,
		gateways:   deps.Gateways,
		reconciler: deps.Reconciler,
		clock:      deps.Clock,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
	}
}

// CreateIntentRequest is the input to CreateIntent
type CreateIntentRequest struct {
	Kind            Kind
	OwnerID         string
	TargetAccountID string
	Amount          int64
	Currency        money.Currency
	Description     string
	// Gateway selects an adapter by name; empty uses the default
	Gateway string
	Method  gateway.Method
	Payer   gateway.Payer
}

// CreateIntent persists a new intent and initiates it at the gateway.
// On success the intent is AWAITING_USER_ACTION and carries the checkout URL.
func (m *Manager) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	if err := m.validateCreate(ctx, req); err != nil {
		return nil, err
	}

	gw, err := m.gateways.Get(req.Gateway)
	if err != nil {
		return nil, validationError("unknown payment gateway " + req.Gateway)
	}

	intent, err := m.insertIntent(ctx, req, gw.Name())
	if err != nil {
		return nil, err
	}

	m.logger.Info("payment intent created",
		"intent_id", intent.ID,
		"order_id", intent.OrderID,
		"kind", intent.Kind,
		"amount", intent.Amount,
		"gateway", intent.Gateway,
	)
	m.metrics.Transition(string(intent.Kind), string(intent.Status))

	// The intent must land in a settled state even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	result, err := m.initiate(ctx, gw, intent, req)
	if err != nil {
		reason := ReasonGatewayRejected
		if errors.Is(err, gateway.ErrUnavailable) {
			reason = ReasonGatewayUnavailable
		}
		if terr := m.transition(ctx, intent, StatusFailed, reason); terr != nil {
			m.logger.Error("failed to record initiation failure", "intent_id", intent.ID, "error", terr)
		}
		return intent, err
	}

	next := intent.with(StatusAwaitingUserAction, ReasonNone, m.clock.Now())
	next.PaymentKey = result.PaymentKey
	next.CheckoutURL = result.CheckoutURL
	if err := m.store.UpdateIntent(ctx, next, StatusCreated); err != nil {
		return nil, fmt.Errorf("recording initiation: %w", err)
	}
	intent = next
	m.metrics.Transition(string(intent.Kind), string(intent.Status))
	m.publishTransition(ctx, intent)

	if result.RequiresUserAction {
		return intent, nil
	}

	// Saved-method charges need no checkout; confirm straight away.
	res, err := m.Confirm(ctx, ConfirmRequest{Ref: intent.ID, PaymentKey: intent.PaymentKey, Amount: intent.Amount})
	if err != nil {
		if errors.Is(err, ErrConfirmationPending) {
			return m.reload(ctx, intent), nil
		}
		return m.reload(ctx, intent), err
	}
	return res.Intent, nil
}

func (m *Manager) validateCreate(ctx context.Context, req CreateIntentRequest) error {
	if !req.Kind.Valid() {
		return validationError("unknown payment kind " + string(req.Kind))
	}
	if req.OwnerID == "" {
		return validationError("owner is required")
	}
	if req.TargetAccountID == "" {
		return validationError("target account is required")
	}
	if req.Amount <= 0 {
		return validationError("amount must be positive")
	}
	lo, hi := m.cfg.Bounds(req.Kind)
	if req.Amount < lo || req.Amount > hi {
		if lo == hi {
			return validationError(fmt.Sprintf("amount must be exactly %d", lo))
		}
		return validationError(fmt.Sprintf("amount must be between %d and %d", lo, hi))
	}
	if req.Currency != "" && !req.Currency.Supported() {
		return validationError("unsupported currency " + string(req.Currency))
	}

	account, err := m.store.GetAccount(ctx, req.TargetAccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return newError(ErrNotFound, "target account not found", "account %s not found", req.TargetAccountID)
		}
		return fmt.Errorf("loading target account: %w", err)
	}

	rule := req.Kind.Rule()
	switch {
	case account.OwnerID != req.OwnerID:
		return validationError("target account does not belong to the caller")
	case account.Kind != rule.AccountKind:
		return validationError(fmt.Sprintf("%s requires a %s account", req.Kind, rule.AccountKind))
	case account.Status != rule.RequireStatus:
		return validationError(fmt.Sprintf("%s requires a %s account", req.Kind, rule.RequireStatus))
	case rule.Direction == ledger.DirectionDebit && req.Amount > account.Balance:
		return validationError(fmt.Sprintf("amount exceeds the outstanding balance of %d", account.Balance))
	}
	return nil
}

func (m *Manager) insertIntent(ctx context.Context, req CreateIntentRequest, gatewayName string) (*Intent, error) {
	now := m.clock.Now()
	currency := req.Currency
	if currency == "" {
		currency = money.KRW
	}

	intent := &Intent{
		ID:              "pi_" + ulid.Make().String(),
		Kind:            req.Kind,
		OwnerID:         req.OwnerID,
		TargetAccountID: req.TargetAccountID,
		Amount:          req.Amount,
		Currency:        currency,
		Description:     req.Description,
		Gateway:         gatewayName,
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.TTL(req.Kind)),
	}

	for attempt := 1; ; attempt++ {
		intent.OrderID = "ord_" + ulid.Make().String()
		err := m.store.CreateIntent(ctx, intent)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, ErrDuplicateOrderID) || attempt == orderIDAttempts {
			return nil, fmt.Errorf("creating intent: %w", err)
		}
		m.logger.Warn("order id collision, regenerating", "order_id", intent.OrderID, "attempt", attempt)
	}
}

// initiate calls the gateway, retrying only while it is unavailable
func (m *Manager) initiate(ctx context.Context, gw gateway.Gateway, intent *Intent, req CreateIntentRequest) (*gateway.InitiateResult, error) {
	greq := gateway.InitiateRequest{
		OrderID:     intent.OrderID,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Method:      req.Method,
		Payer:       req.Payer,
		Description: intent.Description,
		SuccessURL:  m.cfg.SuccessURL(),
		FailURL:     m.cfg.FailURL(),
	}
	if greq.Description == "" {
		greq.Description = string(intent.Kind)
	}

	var result *gateway.InitiateResult
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, m.cfg.InitiateTimeout)
		defer cancel()

		start := time.Now()
		res, err := gw.Initiate(actx, greq)
		m.metrics.GatewayCall(gw.Name(), "initiate", outcome(err), time.Since(start))
		if err != nil {
			if errors.Is(err, gateway.ErrUnavailable) {
				m.logger.Warn("gateway initiate unavailable", "order_id", intent.OrderID, "error", err)
				return err
			}
			if actx.Err() != nil {
				return gateway.Unavailable(actx.Err(), "initiate")
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitiateBackoff
	b.MaxInterval = 10 * m.cfg.InitiateBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.InitiateAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		m.logger.Warn("gateway initiate failed",
			"intent_id", intent.ID,
			"order_id", intent.OrderID,
			"code", gateway.RejectionCode(err),
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

// ConfirmRequest identifies the confirmation being asked for.
// Ref is an intent id or an external order id.
type ConfirmRequest struct {
	Ref        string
	PaymentKey string
	Amount     int64
}

// ConfirmResult is the outcome of a successful confirmation
type ConfirmResult struct {
	Intent *Intent
	Effect *ledger.Effect
	// AlreadyConfirmed is set when this call found the work already done
	AlreadyConfirmed bool
}

// Confirm settles an intent after the user returns from checkout.
// Repeating a confirmation returns the stored outcome without touching
// the gateway or the ledger.
func (m *Manager) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if req.Ref == "" || req.PaymentKey == "" {
		return nil, validationError("order and payment key are required")
	}
	if req.Amount <= 0 {
		return nil, validationError("amount must be positive")
	}

	key := req.Ref + "|" + req.PaymentKey + "|" + strconv.FormatInt(req.Amount, 10)
	ran := false
	v, err, _ := m.confirms.Do(key, func() (any, error) {
		ran = true
		return m.confirm(ctx, req)
	})
	res, _ := v.(*ConfirmResult)
	if res != nil && !ran {
		shared := *res
		shared.AlreadyConfirmed = true
		res = &shared
	}
	return res, err
}

func (m *Manager) confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	intent, err := m.lookup(ctx, req.Ref)
	if err != nil {
		return nil, err
	}

	for retried := false; ; retried = true {
		if res, err, done := m.precheck(ctx, intent, req); done {
			return res, err
		}

		next := intent.with(StatusConfirming, ReasonNone, m.clock.Now())
		next.Fingerprint = Fingerprint(intent.OrderID, req.PaymentKey, req.Amount)
		err := m.store.UpdateIntent(ctx, next, StatusAwaitingUserAction)
		if err == nil {
			intent = next
			break
		}
		if !errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("entering confirmation: %w", err)
		}
		if retried {
			return nil, newError(ErrConfirmationPending, "payment is being confirmed", "intent %s changed twice during confirmation", intent.ID)
		}
		if intent, err = m.store.GetIntent(ctx, intent.ID); err != nil {
			return nil, err
		}
	}
	m.metrics.Transition(string(intent.Kind), string(intent.Status))

	// Past this point the gateway may capture; finish regardless of the caller.
	return m.capture(context.WithoutCancel(ctx), intent, req)
}

// precheck resolves every case that does not start a new confirmation
func (m *Manager) precheck(ctx context.Context, intent *Intent, req ConfirmRequest) (*ConfirmResult, error, bool) {
	if res, err, done := m.settled(ctx, intent, req); done {
		return res, err, true
	}

	expired := intent.Expired(m.clock.Now())

	if intent.Status == StatusCreated {
		if !expired {
			return nil, validationError("initiation not finished"), true
		}
		// CREATED cannot become EXPIRED; an initiation that never finished fails.
		if err := m.transition(ctx, intent, StatusFailed, ReasonInitiationAbandoned); err != nil && !errors.Is(err, ErrStaleStatus) {
			return nil, err, true
		}
		return nil, newError(ErrExpired, "the payment window has closed", "intent %s abandoned during initiation", intent.ID), true
	}

	if expired {
		if err := m.transition(ctx, intent, StatusExpired, ReasonTTLElapsed); err != nil && !errors.Is(err, ErrStaleStatus) {
			return nil, err, true
		}
		return nil, newError(ErrExpired, "the payment window has closed", "intent %s expired", intent.ID), true
	}

	// The caller is untrusted: a wrong key must not fail someone else's intent.
	if req.PaymentKey != intent.PaymentKey {
		return nil, validationError("payment key does not match the order"), true
	}

	if req.Amount != intent.Amount {
		mismatch := newError(ErrAmountMismatch, "paid amount does not match the requested amount",
			"intent %s: amount %d, requested %d", intent.ID, req.Amount, intent.Amount)
		if intent.Status == StatusAwaitingUserAction {
			if err := m.transition(ctx, intent, StatusFailed, ReasonAmountMismatch); err != nil && !errors.Is(err, ErrStaleStatus) {
				return nil, err, true
			}
		}
		return nil, mismatch, true
	}

	if intent.Status == StatusConfirming {
		res, err := m.awaitConfirmation(ctx, intent.ID, req)
		return res, err, true
	}

	return nil, nil, false
}

// settled answers for an intent that is already terminal
func (m *Manager) settled(ctx context.Context, intent *Intent, req ConfirmRequest) (*ConfirmResult, error, bool) {
	switch intent.Status {
	case StatusConfirmed:
		if Fingerprint(intent.OrderID, req.PaymentKey, req.Amount) != intent.Fingerprint {
			if req.Amount != intent.Amount {
				return nil, newError(ErrAmountMismatch, "paid amount does not match the requested amount",
					"intent %s confirmed for %d, got %d", intent.ID, intent.Amount, req.Amount), true
			}
			return nil, validationError("payment key does not match the order"), true
		}
		effect, err := m.store.GetEffect(ctx, intent.ID)
		if err != nil {
			return nil, fmt.Errorf("loading effect: %w", err), true
		}
		return &ConfirmResult{Intent: intent, Effect: effect, AlreadyConfirmed: true}, nil, true
	case StatusFailed, StatusExpired:
		return nil, errorForReason(intent), true
	}
	return nil, nil, false
}

var errStillConfirming = errors.New("still confirming")

// awaitConfirmation waits for another caller's confirmation to settle
func (m *Manager) awaitConfirmation(ctx context.Context, id string, req ConfirmRequest) (*ConfirmResult, error) {
	var (
		res    *ConfirmResult
		resErr error
	)
	op := func() error {
		intent, err := m.store.GetIntent(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, rerr, done := m.settled(ctx, intent, req)
		if !done {
			return errStillConfirming
		}
		res, resErr = r, rerr
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = m.cfg.ConfirmWait

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errStillConfirming) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(ErrConfirmationPending, "payment is being confirmed, check its status shortly", "intent %s still confirming", id)
		}
		return nil, err
	}
	return res, resErr
}

// capture asks the gateway to settle a CONFIRMING intent
func (m *Manager) capture(ctx context.Context, intent *Intent, req ConfirmRequest) (*ConfirmResult, error) {
	gw, err := m.gateways.Get(intent.Gateway)
	if err != nil {
		m.logger.Error("intent gateway not configured", "intent_id", intent.ID, "gateway", intent.Gateway)
		return nil, newError(ErrConfirmationPending, "payment is being confirmed", "gateway %s not configured", intent.Gateway)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
	start := time.Now()
	result, err := gw.Confirm(cctx, gateway.ConfirmRequest{
		PaymentKey: intent.PaymentKey,
		OrderID:    intent.OrderID,
		Amount:     intent.Amount,
	})
	cancel()
	m.metrics.GatewayCall(gw.Name(), "confirm", outcome(err), time.Since(start))

	switch {
	case err == nil && result.Status == gateway.ConfirmSuccess:
		return m.finalize(ctx, intent.ID, result.TransactionID, req)

	case err == nil, errors.Is(err, gateway.ErrRejected):
		if err == nil {
			err = gateway.Rejected("confirm", result.ErrorCode, result.ErrorMessage)
		}
		m.logger.Warn("gateway declined confirmation",
			"intent_id", intent.ID,
			"order_id", intent.OrderID,
			"code", gateway.RejectionCode(err),
		)
		if terr := m.transition(ctx, intent, StatusFailed, ReasonGatewayRejected); terr != nil {
			m.logger.Error("failed to record gateway rejection", "intent_id", intent.ID, "error", terr)
		}
		return nil, err

	default:
		// Never retried here; ResolvePending or Expire settles it.
		m.logger.Warn("gateway confirm inconclusive, leaving intent confirming",
			"intent_id", intent.ID,
			"order_id", intent.OrderID,
			"error", err,
		)
		return nil, errors.Mark(errors.WithHint(errors.Wrapf(err, "confirming intent %s", intent.ID),
			"payment is being confirmed, check its status shortly"), ErrConfirmationPending)
	}
}

var errNotConfirming = errors.New("intent left CONFIRMING")

// finalize applies the ledger effect and marks the intent CONFIRMED in
// one transaction. An intent past its TTL ends EXPIRED instead.
func (m *Manager) finalize(ctx context.Context, id, transactionID string, req ConfirmRequest) (*ConfirmResult, error) {
	var (
		final  *Intent
		effect *ledger.Effect
	)
	err := m.store.InTx(ctx, func(tx Tx) error {
		intent, err := tx.LockIntent(ctx, id)
		if err != nil {
			return err
		}
		if intent.Status != StatusConfirming {
			return errNotConfirming
		}

		now := m.clock.Now()
		if intent.Expired(now) {
			next := intent.with(StatusExpired, ReasonConfirmedAfterExpiry, now)
			next.TransactionID = transactionID
			if err := tx.UpdateIntent(ctx, next, StatusConfirming); err != nil {
				return err
			}
			final = next
			return nil
		}

		applied, err := m.reconciler.Apply(ctx, tx, ledger.ApplyInput{
			IntentID:  intent.ID,
			AccountID: intent.TargetAccountID,
			Amount:    intent.Amount,
			Rule:      intent.Kind.Rule(),
		})
		if err != nil {
			return err
		}

		next := intent.with(StatusConfirmed, ReasonNone, now)
		next.TransactionID = transactionID
		next.ConfirmedAt = &now
		if err := tx.UpdateIntent(ctx, next, StatusConfirming); err != nil {
			return err
		}
		final, effect = next, applied
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, errNotConfirming):
		return m.afterLostFinalize(ctx, id, req)
	case isLedgerRejection(err):
		return nil, m.rejectLedger(ctx, id, transactionID, err)
	default:
		m.logger.Error("finalize failed, intent stays confirming", "intent_id", id, "error", err)
		return nil, errors.Mark(errors.WithHint(errors.Wrapf(err, "finalizing intent %s", id),
			"payment is being confirmed, check its status shortly"), ErrConfirmationPending)
	}

	m.metrics.Transition(string(final.Kind), string(final.Status))

	if final.Status == StatusExpired {
		m.publishTransition(ctx, final)
		m.requestRefund(ctx, final)
		return nil, newError(ErrExpired, "the payment window closed before confirmation; the payment will be refunded",
			"intent %s confirmed after expiry", final.ID)
	}

	m.logger.Info("payment intent confirmed",
		"intent_id", final.ID,
		"order_id", final.OrderID,
		"amount", final.Amount,
		"transaction_id", final.TransactionID,
	)
	m.publish(ctx, events.EventPaymentIntentConfirmed, final, confirmedData(final, effect))
	return &ConfirmResult{Intent: final, Effect: effect}, nil
}

// afterLostFinalize handles a capture that succeeded after someone else
// settled the intent
func (m *Manager) afterLostFinalize(ctx context.Context, id string, req ConfirmRequest) (*ConfirmResult, error) {
	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status == StatusFailed || intent.Status == StatusExpired {
		m.requestRefund(ctx, intent)
	}
	if res, err, done := m.settled(ctx, intent, req); done {
		return res, err
	}
	return nil, newError(ErrConfirmationPending, "payment is being confirmed", "intent %s is %s", id, intent.Status)
}

// rejectLedger fails an intent whose captured funds the ledger refused
func (m *Manager) rejectLedger(ctx context.Context, id, transactionID string, cause error) error {
	m.logger.Warn("ledger rejected effect", "intent_id", id, "error", cause)

	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	intent.TransactionID = transactionID
	if err := m.transition(ctx, intent, StatusFailed, ReasonLedgerRejected); err != nil {
		m.logger.Error("failed to record ledger rejection", "intent_id", id, "error", err)
	}
	m.requestRefund(ctx, intent)

	return errors.Mark(errors.Wrapf(cause, "intent %s", id), ErrLedgerRejected)
}

// transition moves intent to status with a compare-and-set on its current status
func (m *Manager) transition(ctx context.Context, intent *Intent, to Status, reason Reason) error {
	from := intent.Status
	if !CanTransition(from, to) {
		return errors.Newf("intent %s: illegal transition %s -> %s", intent.ID, from, to)
	}

	next := intent.with(to, reason, m.clock.Now())
	if err := m.store.UpdateIntent(ctx, next, from); err != nil {
		return err
	}
	*intent = *next

	m.logger.Info("payment intent transitioned",
		"intent_id", intent.ID,
		"from", from,
		"status", to,
		"reason", reason,
	)
	m.metrics.Transition(string(intent.Kind), string(to))
	m.publishTransition(ctx, intent)
	return nil
}

// lookup resolves ref as an intent id, then as an order id
func (m *Manager) lookup(ctx context.Context, ref string) (*Intent, error) {
	intent, err := m.store.GetIntent(ctx, ref)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	intent, err = m.store.GetIntentByOrderID(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrNotFound, "payment not found", "intent %s not found", ref)
		}
		return nil, err
	}
	return intent, nil
}

func (m *Manager) reload(ctx context.Context, intent *Intent) *Intent {
	fresh, err := m.store.GetIntent(ctx, intent.ID)
	if err != nil {
		return intent
	}
	return fresh
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gateway.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, gateway.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
