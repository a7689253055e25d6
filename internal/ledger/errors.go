package ledger

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Ledger error kinds
var (
	ErrValidation      = errors.New("ledger validation failed")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountInactive = errors.New("account not in required status")
	ErrAccountKind     = errors.New("account kind does not match")
	ErrOverpayment     = errors.New("debit exceeds balance")
	ErrAlreadyApplied  = errors.New("ledger effect already applied")
	ErrEffectNotFound  = errors.New("ledger effect not found")
	ErrAccountExists   = errors.New("account already exists")
)

func newValidation(msg string) error {
	return errors.Mark(errors.WithHint(errors.New(msg), msg), ErrValidation)
}

func overpayment(accountID string, amount, balance int64) error {
	err := errors.Newf("debit of %d on account %s exceeds balance %d", amount, accountID, balance)
	err = errors.WithHint(err, fmt.Sprintf("amount exceeds the outstanding balance of %d", balance))
	return errors.Mark(err, ErrOverpayment)
}
