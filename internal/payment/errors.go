package payment

import (
	"github.com/cockroachdb/errors"

	"lendpay/internal/gateway"
	"lendpay/internal/ledger"
)

// Error kinds returned by the Manager and Poller. Test with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("payment intent not found")
	ErrAmountMismatch      = errors.New("amount mismatch")
	ErrExpired             = errors.New("payment intent expired")
	ErrConfirmationPending = errors.New("confirmation pending")
	ErrLedgerRejected      = errors.New("ledger rejected effect")

	ErrGatewayUnavailable = gateway.ErrUnavailable
	ErrGatewayRejected    = gateway.ErrRejected
)

// Store-level errors
var (
	// ErrStaleStatus means a compare-and-set lost to a concurrent writer
	ErrStaleStatus = errors.New("intent status changed concurrently")
	// ErrDuplicateOrderID means the order id is already taken
	ErrDuplicateOrderID = errors.New("order id already exists")
)

// newError marks a hinted error with kind. The hint is shown to users.
func newError(kind error, hint, format string, args ...any) error {
	return errors.Mark(errors.WithHint(errors.Newf(format, args...), hint), kind)
}

func validationError(hint string) error {
	return newError(ErrValidation, hint, "%s", hint)
}

// errorForReason rebuilds the error kind a terminal intent ended with
func errorForReason(in *Intent) error {
	switch in.FailureReason {
	case ReasonAmountMismatch:
		return newError(ErrAmountMismatch, "paid amount does not match the requested amount", "intent %s failed: amount mismatch", in.ID)
	case ReasonGatewayRejected:
		return newError(ErrGatewayRejected, "the payment was declined", "intent %s failed: gateway rejected", in.ID)
	case ReasonGatewayUnavailable:
		return newError(ErrGatewayUnavailable, "the payment provider is unavailable, try again later", "intent %s failed: gateway unavailable", in.ID)
	case ReasonLedgerRejected:
		return newError(ErrLedgerRejected, "the payment could not be applied to the account and will be refunded", "intent %s failed: ledger rejected", in.ID)
	case ReasonTTLElapsed, ReasonConfirmedAfterExpiry, ReasonInitiationAbandoned:
		return newError(ErrExpired, "the payment window has closed", "intent %s %s: %s", in.ID, in.Status, in.FailureReason)
	}
	if in.Status == StatusExpired {
		return newError(ErrExpired, "the payment window has closed", "intent %s expired", in.ID)
	}
	return errors.Newf("intent %s failed", in.ID)
}

func isLedgerRejection(err error) bool {
	return errors.IsAny(err,
		ledger.ErrOverpayment,
		ledger.ErrAccountInactive,
		ledger.ErrAccountKind,
		ledger.ErrAccountNotFound,
	)
}

// Code returns the machine-readable reason code for err
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfirmationPending):
		return "CONFIRMATION_PENDING"
	case errors.Is(err, ErrAmountMismatch):
		return "AMOUNT_MISMATCH"
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrLedgerRejected), isLedgerRejection(err):
		return "LEDGER_REJECTED"
	case errors.Is(err, ErrGatewayRejected):
		return "GATEWAY_REJECTED"
	case errors.Is(err, ErrGatewayUnavailable):
		return "GATEWAY_UNAVAILABLE"
	case errors.Is(err, ErrValidation):
		return "INVALID_PARAMETER"
	default:
		return "INTERNAL"
	}
}
