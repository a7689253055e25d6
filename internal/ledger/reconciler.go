package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"

	"lendpay/internal/common/clock"
	"lendpay/internal/common/metrics"
)

// Tx is the transactional view the reconciler writes through.
// LockAccount must hold the account exclusively until the transaction ends.
type Tx interface {
	LockAccount(ctx context.Context, accountID string) (*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error
	InsertEffect(ctx context.Context, effect *Effect) error
	GetEffect(ctx context.Context, intentID string) (*Effect, error)
}

// Rule describes which account an intent may touch and how
type Rule struct {
	AccountKind   AccountKind
	Direction     Direction
	RequireStatus AccountStatus
	// Activate flips the account to ACTIVE as part of the effect
	Activate bool
}

// ApplyInput identifies the effect to apply
type ApplyInput struct {
	IntentID  string
	AccountID string
	Amount    int64
	Rule      Rule
}

// Reconciler applies the ledger effect of a confirmed intent
type Reconciler struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{clock: clk, metrics: m, logger: logger}
}

// Apply writes exactly one effect for in.IntentID inside tx.
// A second call for the same intent returns ErrAlreadyApplied and leaves balances alone.
func (r *Reconciler) Apply(ctx context.Context, tx Tx, in ApplyInput) (*Effect, error) {
	if in.IntentID == "" || in.AccountID == "" {
		return nil, newValidation("intent and account are required")
	}

	existing, err := tx.GetEffect(ctx, in.IntentID)
	switch {
	case err == nil:
		return existing, errors.Mark(errors.Newf("intent %s already has an effect", in.IntentID), ErrAlreadyApplied)
	case !errors.Is(err, ErrEffectNotFound):
		return nil, fmt.Errorf("checking effect: %w", err)
	}

	account, err := tx.LockAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	if account.Kind != in.Rule.AccountKind {
		err := errors.Newf("account %s is %s, need %s", account.ID, account.Kind, in.Rule.AccountKind)
		return nil, errors.Mark(errors.WithHint(err, "target account cannot receive this payment"), ErrAccountKind)
	}
	if account.Status != in.Rule.RequireStatus {
		err := errors.Newf("account %s is %s, need %s", account.ID, account.Status, in.Rule.RequireStatus)
		return nil, errors.Mark(errors.WithHint(err, "target account is not available for this payment"), ErrAccountInactive)
	}

	before, after, err := account.Post(in.Rule.Direction, in.Amount)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	account.Balance = after
	account.UpdatedAt = now
	if in.Rule.Activate {
		account.Status = AccountStatusActive
	}
	if err := tx.UpdateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("updating account: %w", err)
	}

	effect := &Effect{
		IntentID:      in.IntentID,
		AccountID:     account.ID,
		Direction:     in.Rule.Direction,
		Amount:        in.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		AppliedAt:     now,
	}
	if err := tx.InsertEffect(ctx, effect); err != nil {
		// ErrAlreadyApplied from the unique index also lands here; the
		// caller's transaction rolls back the balance write.
		return nil, err
	}

	r.metrics.LedgerEffect(string(effect.Direction))
	r.logger.Info("ledger effect applied",
		"intent_id", effect.IntentID,
		"account_id", effect.AccountID,
		"direction", effect.Direction,
		"amount", effect.Amount,
		"balance_after", effect.BalanceAfter,
	)

	return effect, nil
}
