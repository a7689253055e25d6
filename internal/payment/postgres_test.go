package payment_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/common/clock"
	"lendpay/internal/common/database"
	"lendpay/internal/gateway"
	"lendpay/internal/gateway/sandbox"
	"lendpay/internal/ledger"
	"lendpay/internal/payment"
)

// newPostgresStore connects to TEST_DATABASE_URL and migrates it
func newPostgresStore(t *testing.T) *payment.PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, database.MigrateUp(url, logger))
	db, err := database.New(context.Background(), database.Config{URL: url, MaxConns: 4, MinConns: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return payment.NewPostgresStore(db)
}

func TestPostgresConfirmFlow(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Microsecond))
	sbx := sandbox.New(sandbox.Config{}, nil)
	registry, err := gateway.NewRegistry("sandbox", sbx)
	require.NoError(t, err)

	cfg := payment.DefaultConfig()
	cfg.InitiateBackoff = time.Millisecond
	m := payment.NewManager(payment.Deps{Store: store, Gateways: registry, Clock: clk}, cfg)

	loanID := "acc_" + ulid.Make().String()
	require.NoError(t, store.CreateAccount(ctx, &ledger.Account{
		ID: loanID, OwnerID: "user-1", Kind: ledger.AccountKindLoan, Status: ledger.AccountStatusActive,
		Balance: 10000000, Currency: "KRW", CreatedAt: clk.Now(), UpdatedAt: clk.Now(),
	}))

	intent, err := m.CreateIntent(ctx, payment.CreateIntentRequest{
		Kind: payment.KindRepayment, OwnerID: "user-1", TargetAccountID: loanID, Amount: 2850000,
	})
	require.NoError(t, err)

	req := payment.ConfirmRequest{Ref: intent.OrderID, PaymentKey: intent.PaymentKey, Amount: 2850000}
	res, err := m.Confirm(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, res.Intent.Status)
	assert.Equal(t, int64(7150000), res.Effect.BalanceAfter)

	again, err := m.Confirm(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.AlreadyConfirmed)

	acct, err := store.GetAccount(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, int64(7150000), acct.Balance)

	effects, err := store.ListEffects(ctx, loanID, 10)
	require.NoError(t, err)
	assert.Len(t, effects, 1)
}

func TestPostgresStaleUpdate(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	accountID := "acc_" + ulid.Make().String()
	require.NoError(t, store.CreateAccount(ctx, &ledger.Account{
		ID: accountID, OwnerID: "user-1", Kind: ledger.AccountKindVirtual, Status: ledger.AccountStatusActive,
		Currency: "KRW", CreatedAt: now, UpdatedAt: now,
	}))

	in := &payment.Intent{
		ID: "pi_" + ulid.Make().String(), Kind: payment.KindDeposit, OwnerID: "user-1", TargetAccountID: accountID,
		Amount: 5000, Currency: "KRW", OrderID: "ord_" + ulid.Make().String(), Gateway: "sandbox",
		Status: payment.StatusCreated, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, store.CreateIntent(ctx, in))

	dup := *in
	dup.ID = "pi_" + ulid.Make().String()
	assert.True(t, errors.Is(store.CreateIntent(ctx, &dup), payment.ErrDuplicateOrderID))

	next := *in
	next.Status = payment.StatusAwaitingUserAction
	next.PaymentKey = "pk_1"
	require.NoError(t, store.UpdateIntent(ctx, &next, payment.StatusCreated))
	assert.True(t, errors.Is(store.UpdateIntent(ctx, &next, payment.StatusCreated), payment.ErrStaleStatus))

	got, err := store.GetIntentByOrderID(ctx, in.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "pk_1", got.PaymentKey)
	assert.Empty(t, got.TransactionID)
}
