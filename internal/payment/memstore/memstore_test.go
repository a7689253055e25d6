package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/ledger"
	"lendpay/internal/payment"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id string, status payment.Status, expiresIn time.Duration) *payment.Intent {
	t.Helper()
	in := &payment.Intent{
		ID:        id,
		OrderID:   "ord_" + id,
		Status:    status,
		Amount:    1000,
		CreatedAt: t0,
		UpdatedAt: t0,
		ExpiresAt: t0.Add(expiresIn),
	}
	require.NoError(t, s.CreateIntent(context.Background(), in))
	return in
}

func TestCreateIntentRejectsDuplicateOrder(t *testing.T) {
	s := New()
	in := seed(t, s, "pi_1", payment.StatusCreated, time.Minute)

	dup := *in
	dup.ID = "pi_2"
	err := s.CreateIntent(context.Background(), &dup)
	assert.True(t, errors.Is(err, payment.ErrDuplicateOrderID))

	got, err := s.GetIntentByOrderID(context.Background(), "ord_pi_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got.ID)
}

func TestUpdateIntentCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := seed(t, s, "pi_1", payment.StatusAwaitingUserAction, time.Minute)

	next := *in
	next.Status = payment.StatusConfirming
	require.NoError(t, s.UpdateIntent(ctx, &next, payment.StatusAwaitingUserAction))

	again := *in
	again.Status = payment.StatusFailed
	err := s.UpdateIntent(ctx, &again, payment.StatusAwaitingUserAction)
	assert.True(t, errors.Is(err, payment.ErrStaleStatus))

	got, err := s.GetIntent(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirming, got.Status)

	_, err = s.GetIntent(ctx, "pi_missing")
	assert.True(t, errors.Is(err, payment.ErrNotFound))
}

func TestListDueAndStale(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "pi_late", payment.StatusAwaitingUserAction, 2*time.Minute)
	seed(t, s, "pi_early", payment.StatusAwaitingUserAction, time.Minute)
	seed(t, s, "pi_future", payment.StatusAwaitingUserAction, time.Hour)
	seed(t, s, "pi_done", payment.StatusConfirmed, time.Minute)

	due, err := s.ListDue(ctx, []payment.Status{payment.StatusAwaitingUserAction}, t0.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "pi_early", due[0].ID)
	assert.Equal(t, "pi_late", due[1].ID)

	due, err = s.ListDue(ctx, []payment.Status{payment.StatusAwaitingUserAction}, t0.Add(5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	stale, err := s.ListStale(ctx, payment.StatusConfirmed, t0.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "pi_done", stale[0].ID)
}

func TestInTxCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "pi_1", payment.StatusConfirming, time.Minute)
	require.NoError(t, s.CreateAccount(ctx, &ledger.Account{ID: "acc_1", Balance: 100}))

	err := s.InTx(ctx, func(tx payment.Tx) error {
		in, err := tx.LockIntent(ctx, "pi_1")
		require.NoError(t, err)
		acct, err := tx.LockAccount(ctx, "acc_1")
		require.NoError(t, err)

		acct.Balance = 600
		require.NoError(t, tx.UpdateAccount(ctx, acct))
		require.NoError(t, tx.InsertEffect(ctx, &ledger.Effect{IntentID: "pi_1", AccountID: "acc_1", Amount: 500}))

		in.Status = payment.StatusConfirmed
		require.NoError(t, tx.UpdateIntent(ctx, in, payment.StatusConfirming))

		// reads inside the transaction see its own writes
		staged, err := tx.LockIntent(ctx, "pi_1")
		require.NoError(t, err)
		assert.Equal(t, payment.StatusConfirmed, staged.Status)
		_, err = tx.GetEffect(ctx, "pi_1")
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	acct, err := s.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), acct.Balance)
	_, err = s.GetEffect(ctx, "pi_1")
	assert.NoError(t, err)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "pi_1", payment.StatusConfirming, time.Minute)
	require.NoError(t, s.CreateAccount(ctx, &ledger.Account{ID: "acc_1", Balance: 100}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx payment.Tx) error {
		acct, err := tx.LockAccount(ctx, "acc_1")
		require.NoError(t, err)
		acct.Balance = 0
		require.NoError(t, tx.UpdateAccount(ctx, acct))
		require.NoError(t, tx.InsertEffect(ctx, &ledger.Effect{IntentID: "pi_1", AccountID: "acc_1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := s.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	_, err = s.GetEffect(ctx, "pi_1")
	assert.True(t, errors.Is(err, ledger.ErrEffectNotFound))
}

func TestInTxLosesToOutsideWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := seed(t, s, "pi_1", payment.StatusConfirming, time.Minute)

	err := s.InTx(ctx, func(tx payment.Tx) error {
		locked, err := tx.LockIntent(ctx, "pi_1")
		require.NoError(t, err)

		// the sweeper expires the intent while the transaction is open
		expired := *in
		expired.Status = payment.StatusExpired
		require.NoError(t, s.UpdateIntent(ctx, &expired, payment.StatusConfirming))

		locked.Status = payment.StatusConfirmed
		return tx.UpdateIntent(ctx, locked, payment.StatusConfirming)
	})
	assert.True(t, errors.Is(err, payment.ErrStaleStatus))

	got, err := s.GetIntent(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusExpired, got.Status)
}

func TestInsertEffectOncePerIntent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateAccount(ctx, &ledger.Account{ID: "acc_1"}))

	insert := func() error {
		return s.InTx(ctx, func(tx payment.Tx) error {
			return tx.InsertEffect(ctx, &ledger.Effect{IntentID: "pi_1", AccountID: "acc_1"})
		})
	}
	require.NoError(t, insert())
	assert.True(t, errors.Is(insert(), ledger.ErrAlreadyApplied))

	effects, err := s.ListEffects(ctx, "acc_1", 0)
	require.NoError(t, err)
	assert.Len(t, effects, 1)
}
