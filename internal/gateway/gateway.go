// Package gateway defines the contract the payment core consumes from an
// external payment provider. Adapters live in subpackages and never retry;
// retry policy belongs to the caller.
package gateway

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"lendpay/internal/common/money"
)

// Gateway is an external payment provider
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error)
	QueryStatus(ctx context.Context, orderID string) (*StatusResult, error)
}

// InitiateRequest asks the gateway to open a checkout for an order
type InitiateRequest struct {
	OrderID     string
	Amount      int64
	Currency    money.Currency
	Method      Method
	Payer       Payer
	Description string
	SuccessURL  string
	FailURL     string
}

// Method is the payment instrument offered at checkout
type Method string

const (
	MethodCard           Method = "CARD"
	MethodVirtualAccount Method = "VIRTUAL_ACCOUNT"
)

// Payer identifies who pays
type Payer struct {
	ID    string
	Name  string
	Email string
}

// InitiateResult is returned by a successful initiation
type InitiateResult struct {
	PaymentKey         string
	CheckoutURL        string
	Status             PaymentStatus
	RequiresUserAction bool
}

// ConfirmRequest finalizes a payment the user has completed at checkout
type ConfirmRequest struct {
	PaymentKey string
	OrderID    string
	Amount     int64
}

// ConfirmOutcome is the binary result of a confirmation
type ConfirmOutcome string

const (
	ConfirmSuccess ConfirmOutcome = "SUCCESS"
	ConfirmFailure ConfirmOutcome = "FAILURE"
)

// ConfirmResult is the gateway's answer to a confirmation
type ConfirmResult struct {
	Status        ConfirmOutcome
	TransactionID string
	ErrorCode     string
	ErrorMessage  string
}

// PaymentStatus is the gateway-side status of an order
type PaymentStatus string

const (
	StatusReady             PaymentStatus = "READY"
	StatusInProgress        PaymentStatus = "IN_PROGRESS"
	StatusWaitingForDeposit PaymentStatus = "WAITING_FOR_DEPOSIT"
	StatusDone              PaymentStatus = "DONE"
	StatusCanceled          PaymentStatus = "CANCELED"
	StatusAborted           PaymentStatus = "ABORTED"
	StatusExpired           PaymentStatus = "EXPIRED"
	StatusUnknown           PaymentStatus = "UNKNOWN"
)

// Failed reports whether the gateway considers the order finished without payment
func (s PaymentStatus) Failed() bool {
	return s == StatusCanceled || s == StatusAborted || s == StatusExpired
}

// StatusResult is the authoritative gateway view of an order
type StatusResult struct {
	Status     PaymentStatus
	Amount     int64
	PaymentKey string
}

// Error kinds returned by adapters. Callers test them with errors.Is.
var (
	// ErrUnavailable covers network failures, timeouts and provider 5xx
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected means the provider explicitly refused the request
	ErrRejected = errors.New("gateway rejected")
)

// Unavailable wraps cause as an ErrUnavailable
func Unavailable(cause error, op string) error {
	return errors.Mark(errors.Wrapf(cause, "%s", op), ErrUnavailable)
}

// Rejected builds an ErrRejected carrying the provider's code and message
func Rejected(op, code, message string) error {
	err := errors.Newf("%s: %s: %s", op, code, message)
	err = errors.WithHint(err, message)
	return errors.Mark(&RejectionError{Code: code, err: err}, ErrRejected)
}

// RejectionError exposes the provider's error code
type RejectionError struct {
	Code string
	err  error
}

func (e *RejectionError) Error() string { return e.err.Error() }
func (e *RejectionError) Unwrap() error { return e.err }

// RejectionCode extracts the provider error code from err, if any
func RejectionCode(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}

// Registry resolves adapters by name
type Registry struct {
	gateways map[string]Gateway
	fallback string
}

// ErrUnknownGateway is returned for names no adapter is registered under
var ErrUnknownGateway = errors.New("unknown gateway")

// NewRegistry creates a registry whose default is the first gateway
// unless defaultName names another registered one.
func NewRegistry(defaultName string, gateways ...Gateway) (*Registry, error) {
	if len(gateways) == 0 {
		return nil, errors.New("at least one gateway is required")
	}
	r := &Registry{gateways: lo.KeyBy(gateways, Gateway.Name), fallback: gateways[0].Name()}
	if defaultName != "" {
		if _, ok := r.gateways[defaultName]; !ok {
			return nil, errors.Wrapf(ErrUnknownGateway, "default %q", defaultName)
		}
		r.fallback = defaultName
	}
	return r, nil
}

// Get returns the named gateway, or the default for an empty name
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.fallback
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGateway, "%q", name)
	}
	return g, nil
}

// Default returns the name of the default gateway
func (r *Registry) Default() string {
	return r.fallback
}

// Names lists the registered gateways
func (r *Registry) Names() []string {
	names := lo.Keys(r.gateways)
	sort.Strings(names)
	return names
}
