package ledger

import (
	"time"

	"lendpay/internal/common/money"
)

// AccountKind distinguishes what an account's balance means
type AccountKind string

const (
	// AccountKindVirtual holds the user's available funds
	AccountKindVirtual AccountKind = "VIRTUAL"
	// AccountKindLoan holds a loan's outstanding principal
	AccountKindLoan AccountKind = "LOAN"
)

// AccountStatus is the lifecycle state of an account
type AccountStatus string

const (
	AccountStatusPendingActivation AccountStatus = "PENDING_ACTIVATION"
	AccountStatusActive            AccountStatus = "ACTIVE"
	AccountStatusClosed            AccountStatus = "CLOSED"
)

// Account is a balance-carrying account targeted by payment intents
type Account struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Kind      AccountKind    `json:"kind"`
	Status    AccountStatus  `json:"status"`
	Balance   int64          `json:"balance"`
	Currency  money.Currency `json:"currency"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NewAccount creates an account with a zero balance
func NewAccount(id, ownerID string, kind AccountKind, status AccountStatus, currency money.Currency, now time.Time) (*Account, error) {
	if id == "" {
		return nil, newValidation("id is required")
	}
	if ownerID == "" {
		return nil, newValidation("owner_id is required")
	}
	if kind != AccountKindVirtual && kind != AccountKindLoan {
		return nil, newValidation("unknown account kind " + string(kind))
	}
	if currency == "" {
		currency = money.KRW
	}
	return &Account{
		ID:        id,
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    status,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Direction is the sign of a ledger effect
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Effect is the single balance change applied for a confirmed intent.
// It is written once and never updated.
type Effect struct {
	IntentID      string    `json:"intentId"`
	AccountID     string    `json:"accountId"`
	Direction     Direction `json:"direction"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	AppliedAt     time.Time `json:"appliedAt"`
}

// Post computes the balance after moving amount in direction.
// Debits may not take the balance below zero.
func (a *Account) Post(direction Direction, amount int64) (before, after int64, err error) {
	if amount <= 0 {
		return 0, 0, newValidation("amount must be positive")
	}

	before = a.Balance
	switch direction {
	case DirectionCredit:
		after = before + amount
	case DirectionDebit:
		if amount > before {
			return 0, 0, overpayment(a.ID, amount, before)
		}
		after = before - amount
	default:
		return 0, 0, newValidation("unknown direction " + string(direction))
	}
	return before, after, nil
}
