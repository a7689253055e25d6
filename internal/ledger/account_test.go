package ledger

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/common/money"
)

func TestPost(t *testing.T) {
	tests := []struct {
		name      string
		balance   int64
		direction Direction
		amount    int64
		after     int64
		kind      error
	}{
		{"deposit credit", 500000, DirectionCredit, 1000000, 1500000, nil},
		{"repayment debit", 10000000, DirectionDebit, 2850000, 7150000, nil},
		{"debit to zero", 1000, DirectionDebit, 1000, 0, nil},
		{"overpayment", 1000, DirectionDebit, 1001, 0, ErrOverpayment},
		{"zero amount", 1000, DirectionCredit, 0, 0, ErrValidation},
		{"bad direction", 1000, Direction("SIDEWAYS"), 10, 0, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := &Account{ID: "acc", Balance: tt.balance}
			before, after, err := acct.Post(tt.direction, tt.amount)
			if tt.kind != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.kind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.balance, before)
			assert.Equal(t, tt.after, after)
			assert.Equal(t, tt.balance, acct.Balance, "Post does not mutate")
		})
	}
}

func TestNewAccount(t *testing.T) {
	now := time.Now()
	acct, err := NewAccount("acc_1", "user-1", AccountKindLoan, AccountStatusActive, "", now)
	require.NoError(t, err)
	assert.Equal(t, money.KRW, acct.Currency)
	assert.Zero(t, acct.Balance)

	_, err = NewAccount("acc_2", "user-1", AccountKind("SAVINGS"), AccountStatusActive, money.KRW, now)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = NewAccount("acc_3", "", AccountKindVirtual, AccountStatusActive, money.KRW, now)
	assert.True(t, errors.Is(err, ErrValidation))
}
