package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/common/clock"
	"lendpay/internal/ledger"
)

// fakeTx is a single-goroutine ledger.Tx
type fakeTx struct {
	accounts map[string]*ledger.Account
	effects  map[string]*ledger.Effect
	// hideEffects makes GetEffect miss so the unique index path is exercised
	hideEffects bool
}

func newFakeTx(accounts ...*ledger.Account) *fakeTx {
	tx := &fakeTx{
		accounts: make(map[string]*ledger.Account),
		effects:  make(map[string]*ledger.Effect),
	}
	for _, a := range accounts {
		tx.accounts[a.ID] = a
	}
	return tx
}

func (f *fakeTx) LockAccount(_ context.Context, id string) (*ledger.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeTx) UpdateAccount(_ context.Context, a *ledger.Account) error {
	cp := *a
	f.accounts[a.ID] = &cp
	return nil
}

func (f *fakeTx) InsertEffect(_ context.Context, e *ledger.Effect) error {
	if _, ok := f.effects[e.IntentID]; ok {
		return errors.Wrap(ledger.ErrAlreadyApplied, "unique violation")
	}
	f.effects[e.IntentID] = e
	return nil
}

func (f *fakeTx) GetEffect(_ context.Context, intentID string) (*ledger.Effect, error) {
	e, ok := f.effects[intentID]
	if !ok || f.hideEffects {
		return nil, ledger.ErrEffectNotFound
	}
	return e, nil
}

var (
	depositRule    = ledger.Rule{AccountKind: ledger.AccountKindVirtual, Direction: ledger.DirectionCredit, RequireStatus: ledger.AccountStatusActive}
	repaymentRule  = ledger.Rule{AccountKind: ledger.AccountKindLoan, Direction: ledger.DirectionDebit, RequireStatus: ledger.AccountStatusActive}
	activationRule = ledger.Rule{AccountKind: ledger.AccountKindVirtual, Direction: ledger.DirectionCredit, RequireStatus: ledger.AccountStatusPendingActivation, Activate: true}
)

func account(id string, kind ledger.AccountKind, status ledger.AccountStatus, balance int64) *ledger.Account {
	return &ledger.Account{ID: id, OwnerID: "user-1", Kind: kind, Status: status, Balance: balance, Currency: "KRW"}
}

func newReconciler() (*ledger.Reconciler, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return ledger.NewReconciler(clk, nil, nil), clk
}

func TestApplyDeposit(t *testing.T) {
	r, clk := newReconciler()
	tx := newFakeTx(account("va", ledger.AccountKindVirtual, ledger.AccountStatusActive, 500000))

	effect, err := r.Apply(context.Background(), tx, ledger.ApplyInput{
		IntentID: "pi_1", AccountID: "va", Amount: 1000000, Rule: depositRule,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(500000), effect.BalanceBefore)
	assert.Equal(t, int64(1500000), effect.BalanceAfter)
	assert.Equal(t, ledger.DirectionCredit, effect.Direction)
	assert.Equal(t, clk.Now(), effect.AppliedAt)
	assert.Equal(t, int64(1500000), tx.accounts["va"].Balance)
}

func TestApplyRepayment(t *testing.T) {
	r, _ := newReconciler()
	tx := newFakeTx(account("loan", ledger.AccountKindLoan, ledger.AccountStatusActive, 10000000))

	effect, err := r.Apply(context.Background(), tx, ledger.ApplyInput{
		IntentID: "pi_1", AccountID: "loan", Amount: 2850000, Rule: repaymentRule,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(10000000), effect.BalanceBefore)
	assert.Equal(t, int64(7150000), effect.BalanceAfter)
	assert.Equal(t, int64(7150000), tx.accounts["loan"].Balance)
}

func TestApplyOverpayment(t *testing.T) {
	r, _ := newReconciler()
	tx := newFakeTx(account("loan", ledger.AccountKindLoan, ledger.AccountStatusActive, 100000))

	_, err := r.Apply(context.Background(), tx, ledger.ApplyInput{
		IntentID: "pi_1", AccountID: "loan", Amount: 200000, Rule: repaymentRule,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrOverpayment))
	assert.NotEmpty(t, errors.FlattenHints(err))
	assert.Equal(t, int64(100000), tx.accounts["loan"].Balance)
	assert.Empty(t, tx.effects)
}

func TestApplyActivation(t *testing.T) {
	r, _ := newReconciler()
	tx := newFakeTx(account("va", ledger.AccountKindVirtual, ledger.AccountStatusPendingActivation, 0))

	_, err := r.Apply(context.Background(), tx, ledger.ApplyInput{
		IntentID: "pi_1", AccountID: "va", Amount: 1000, Rule: activationRule,
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.AccountStatusActive, tx.accounts["va"].Status)
	assert.Equal(t, int64(1000), tx.accounts["va"].Balance)

	// an active account no longer accepts an activation payment
	_, err = r.Apply(context.Background(), tx, ledger.ApplyInput{
		IntentID: "pi_2", AccountID: "va", Amount: 1000, Rule: activationRule,
	})
	assert.True(t, errors.Is(err, ledger.ErrAccountInactive))
}

func TestApplyRejectsWrongAccount(t *testing.T) {
	r, _ := newReconciler()
	tx := newFakeTx(
		account("va", ledger.AccountKindVirtual, ledger.AccountStatusActive, 0),
		account("closed", ledger.AccountKindVirtual, ledger.AccountStatusClosed, 0),
	)
	ctx := context.Background()

	_, err := r.Apply(ctx, tx, ledger.ApplyInput{IntentID: "pi_1", AccountID: "va", Amount: 1000, Rule: repaymentRule})
	assert.True(t, errors.Is(err, ledger.ErrAccountKind))

	_, err = r.Apply(ctx, tx, ledger.ApplyInput{IntentID: "pi_2", AccountID: "closed", Amount: 1000, Rule: depositRule})
	assert.True(t, errors.Is(err, ledger.ErrAccountInactive))

	_, err = r.Apply(ctx, tx, ledger.ApplyInput{IntentID: "pi_3", AccountID: "missing", Amount: 1000, Rule: depositRule})
	assert.True(t, errors.Is(err, ledger.ErrAccountNotFound))
}

func TestApplyTwiceIsRejected(t *testing.T) {
	r, _ := newReconciler()
	tx := newFakeTx(account("va", ledger.AccountKindVirtual, ledger.AccountStatusActive, 0))
	in := ledger.ApplyInput{IntentID: "pi_1", AccountID: "va", Amount: 5000, Rule: depositRule}

	first, err := r.Apply(context.Background(), tx, in)
	require.NoError(t, err)

	existing, err := r.Apply(context.Background(), tx, in)
	assert.True(t, errors.Is(err, ledger.ErrAlreadyApplied))
	assert.Equal(t, first, existing)
	assert.Equal(t, int64(5000), tx.accounts["va"].Balance)
}

func TestApplyUniqueIndexBackstop(t *testing.T) {
	r, _ := newReconciler()
	tx := newFakeTx(account("va", ledger.AccountKindVirtual, ledger.AccountStatusActive, 0))
	in := ledger.ApplyInput{IntentID: "pi_1", AccountID: "va", Amount: 5000, Rule: depositRule}

	_, err := r.Apply(context.Background(), tx, in)
	require.NoError(t, err)

	tx.hideEffects = true
	_, err = r.Apply(context.Background(), tx, in)
	assert.True(t, errors.Is(err, ledger.ErrAlreadyApplied))
}
