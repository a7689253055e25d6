// Package payment runs the payment-intent lifecycle: creating an intent,
// sending the user to a gateway, confirming the result and applying the
// ledger effect exactly once.
package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"lendpay/internal/common/money"
	"lendpay/internal/ledger"
)

// Kind is what an intent pays for
type Kind string

const (
	KindDeposit           Kind = "DEPOSIT"
	KindRepayment         Kind = "REPAYMENT"
	KindAccountActivation Kind = "ACCOUNT_ACTIVATION"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kindRules[k]
	return ok
}

// kindRules maps each kind to the account it may touch
var kindRules = map[Kind]ledger.Rule{
	KindDeposit: {
		AccountKind:   ledger.AccountKindVirtual,
		Direction:     ledger.DirectionCredit,
		RequireStatus: ledger.AccountStatusActive,
	},
	KindRepayment: {
		AccountKind:   ledger.AccountKindLoan,
		Direction:     ledger.DirectionDebit,
		RequireStatus: ledger.AccountStatusActive,
	},
	KindAccountActivation: {
		AccountKind:   ledger.AccountKindVirtual,
		Direction:     ledger.DirectionCredit,
		RequireStatus: ledger.AccountStatusPendingActivation,
		Activate:      true,
	},
}

// Rule returns the ledger rule for k
func (k Kind) Rule() ledger.Rule {
	return kindRules[k]
}

// Status is the lifecycle state of an intent
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusAwaitingUserAction Status = "AWAITING_USER_ACTION"
	StatusConfirming         Status = "CONFIRMING"
	StatusConfirmed          Status = "CONFIRMED"
	StatusFailed             Status = "FAILED"
	StatusExpired            Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusCreated:            {StatusAwaitingUserAction, StatusFailed},
	StatusAwaitingUserAction: {StatusConfirming, StatusFailed, StatusExpired},
	StatusConfirming:         {StatusConfirmed, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason explains why an intent ended FAILED or EXPIRED
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonAmountMismatch       Reason = "AMOUNT_MISMATCH"
	ReasonGatewayRejected      Reason = "GATEWAY_REJECTED"
	ReasonGatewayUnavailable   Reason = "GATEWAY_UNAVAILABLE"
	ReasonLedgerRejected       Reason = "LEDGER_REJECTED"
	ReasonTTLElapsed           Reason = "TTL_ELAPSED"
	ReasonConfirmedAfterExpiry Reason = "CONFIRMED_AFTER_EXPIRY"
	ReasonInitiationAbandoned  Reason = "INITIATION_ABANDONED"
)

// Intent is one request to move money through a gateway
type Intent struct {
	ID              string         `json:"id"`
	Kind            Kind           `json:"kind"`
	OwnerID         string         `json:"ownerId"`
	TargetAccountID string         `json:"targetAccountId"`
	Amount          int64          `json:"amount"`
	Currency        money.Currency `json:"currency"`
	Description     string         `json:"description,omitempty"`
	OrderID         string         `json:"externalOrderId"`
	PaymentKey      string         `json:"externalPaymentKey,omitempty"`
	CheckoutURL     string         `json:"checkoutUrl,omitempty"`
	Gateway         string         `json:"gateway"`
	Status          Status         `json:"status"`
	FailureReason   Reason         `json:"failureReason,omitempty"`
	TransactionID   string         `json:"transactionId,omitempty"`
	Fingerprint     string         `json:"-"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ConfirmedAt     *time.Time     `json:"confirmedAt,omitempty"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

// Expired reports whether the intent's TTL has elapsed at now
func (i *Intent) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Money returns the intent amount with its currency
func (i *Intent) Money() money.Money {
	return money.New(i.Amount, i.Currency)
}

// with returns a copy moved to status
func (i *Intent) with(status Status, reason Reason, now time.Time) *Intent {
	next := *i
	next.Status = status
	next.FailureReason = reason
	next.UpdatedAt = now
	return &next
}

// Fingerprint identifies a confirmation attempt.
// Two confirmations with the same fingerprint are the same request.
func Fingerprint(orderID, paymentKey string, amount int64) string {
	sum := sha256.Sum256([]byte(orderID + "|" + paymentKey + "|" + strconv.FormatInt(amount, 10)))
	return hex.EncodeToString(sum[:])
}
