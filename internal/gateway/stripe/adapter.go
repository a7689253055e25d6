// Package stripe adapts Stripe Checkout to the gateway contract. The
// checkout session ID serves as the payment key; payment is captured when
// the user completes the session, so Confirm verifies rather than captures.
package stripe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v82"

	"lendpay/internal/common/money"
	"lendpay/internal/gateway"
)

// Config holds adapter configuration
type Config struct {
	Name      string `envconfig:"STRIPE_NAME" default:"stripe"`
	SecretKey string `envconfig:"STRIPE_SECRET_KEY"`
}

// Enabled reports whether a key is configured
func (c Config) Enabled() bool {
	return c.SecretKey != ""
}

// Adapter implements gateway.Gateway on Stripe Checkout
type Adapter struct {
	name   string
	client *stripe.Client
	logger *slog.Logger
}

var _ gateway.Gateway = (*Adapter)(nil)

const orderMetadataKey = "order_id"

// NewAdapter creates a new Stripe adapter
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "stripe"
	}
	return &Adapter{
		name:   name,
		client: stripe.NewClient(cfg.SecretKey, nil),
		logger: logger,
	}
}

// Name returns the adapter name
func (a *Adapter) Name() string {
	return a.name
}

// Initiate creates a one-line-item checkout session for the order
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = money.KRW
	}
	metadata := map[string]string{orderMetadataKey: req.OrderID}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String("payment"),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.FailURL),
		Metadata:          metadata,
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(currency.Lower()),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
					UnitAmount: stripe.Int64(req.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if req.Payer.Email != "" {
		params.CustomerEmail = stripe.String(req.Payer.Email)
	}

	session, err := a.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, mapError(err, "initiate")
	}

	a.logger.Info("stripe checkout session created",
		"order_id", req.OrderID,
		"session_id", session.ID,
	)

	return &gateway.InitiateResult{
		PaymentKey:         session.ID,
		CheckoutURL:        session.URL,
		Status:             gateway.StatusReady,
		RequiresUserAction: true,
	}, nil
}

// Confirm checks that the session was completed and paid for the amount
func (a *Adapter) Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.ConfirmResult, error) {
	session, err := a.client.V1CheckoutSessions.Retrieve(ctx, req.PaymentKey, &stripe.CheckoutSessionRetrieveParams{
		Expand: []*string{stripe.String("payment_intent")},
	})
	if err != nil {
		return nil, mapError(err, "confirm")
	}
	if session.ClientReferenceID != req.OrderID {
		return nil, gateway.Rejected("confirm", "ORDER_MISMATCH", "checkout session belongs to another order")
	}

	view := sessionView{
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		AmountTotal:   session.AmountTotal,
	}
	if session.PaymentIntent != nil {
		view.PaymentIntentID = session.PaymentIntent.ID
	}
	return view.outcome(req.Amount)
}

// QueryStatus finds the payment intent tagged with the order ID
func (a *Adapter) QueryStatus(ctx context.Context, orderID string) (*gateway.StatusResult, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", orderMetadataKey, orderID)
	params.Limit = stripe.Int64(1)

	for pi, err := range a.client.V1PaymentIntents.Search(ctx, params) {
		if err != nil {
			return nil, mapError(err, "status")
		}
		return &gateway.StatusResult{
			Status: intentStatus(string(pi.Status)),
			Amount: pi.Amount,
		}, nil
	}

	// no payment intent exists until the user submits the checkout form
	return &gateway.StatusResult{Status: gateway.StatusReady}, nil
}

// sessionView is the part of a checkout session Confirm decides on
type sessionView struct {
	Status          string
	PaymentStatus   string
	AmountTotal     int64
	PaymentIntentID string
}

func (v sessionView) outcome(amount int64) (*gateway.ConfirmResult, error) {
	switch {
	case v.Status == "complete" && v.PaymentStatus == "paid":
		if v.AmountTotal != amount {
			return &gateway.ConfirmResult{
				Status:       gateway.ConfirmFailure,
				ErrorCode:    "AMOUNT_MISMATCH",
				ErrorMessage: fmt.Sprintf("session total %d differs from %d", v.AmountTotal, amount),
			}, nil
		}
		return &gateway.ConfirmResult{Status: gateway.ConfirmSuccess, TransactionID: v.PaymentIntentID}, nil
	case v.Status == "expired":
		return &gateway.ConfirmResult{Status: gateway.ConfirmFailure, ErrorCode: "SESSION_EXPIRED", ErrorMessage: "checkout session expired"}, nil
	case v.Status == "complete":
		// completed but funds not captured yet (delayed payment methods)
		return nil, gateway.Unavailable(fmt.Errorf("payment status %s", v.PaymentStatus), "confirm")
	default:
		return nil, gateway.Rejected("confirm", "SESSION_OPEN", "checkout has not been completed")
	}
}

func intentStatus(s string) gateway.PaymentStatus {
	switch s {
	case "succeeded":
		return gateway.StatusDone
	case "canceled":
		return gateway.StatusCanceled
	case "processing", "requires_capture":
		return gateway.StatusInProgress
	case "requires_payment_method", "requires_confirmation", "requires_action":
		return gateway.StatusReady
	default:
		return gateway.StatusUnknown
	}
}

func mapError(err error, op string) error {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		return gateway.Unavailable(err, op)
	}
	return classify(stripeErr.HTTPStatusCode, string(stripeErr.Code), stripeErr.Msg, err, op)
}

func classify(httpStatus int, code, message string, err error, op string) error {
	if httpStatus == 0 || httpStatus == http.StatusTooManyRequests || httpStatus >= 500 {
		return gateway.Unavailable(err, op)
	}
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", httpStatus)
	}
	return gateway.Rejected(op, code, message)
}
