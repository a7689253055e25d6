// Package sandbox is an in-process gateway for development and tests.
// It records orders in memory and lets callers inject faults.
package sandbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"lendpay/internal/gateway"
)

// Config holds sandbox configuration
type Config struct {
	Name string `envconfig:"SANDBOX_NAME" default:"sandbox"`
	// CheckoutBaseURL is where Initiate points the user; Routes serves it
	CheckoutBaseURL string `envconfig:"SANDBOX_CHECKOUT_URL" default:"http://localhost:8086/sandbox/checkout"`
	// SigningSecret, when set, signs the redirect back to the success URL
	SigningSecret string `envconfig:"CALLBACK_SIGNING_SECRET"`
	// Direct makes Initiate report RequiresUserAction=false
	Direct bool `envconfig:"SANDBOX_DIRECT" default:"false"`
}

// Fault is an injected failure
type Fault int

const (
	FaultNone Fault = iota
	FaultUnavailable
	FaultRejected
)

type order struct {
	paymentKey    string
	amount        int64
	status        gateway.PaymentStatus
	successURL    string
	failURL       string
	transactionID string
}

// Gateway is the sandbox adapter
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	orders         map[string]*order
	initiateFaults []Fault
	confirmFaults  map[string]Fault
	confirmDelay   time.Duration
	calls          map[string]int
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a sandbox gateway
func New(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "sandbox"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		cfg:           cfg,
		logger:        logger,
		orders:        make(map[string]*order),
		confirmFaults: make(map[string]Fault),
		calls:         make(map[string]int),
	}
}

// Name returns the adapter name
func (g *Gateway) Name() string {
	return g.cfg.Name
}

// Initiate registers the order and returns a checkout URL
func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["initiate"]++

	if len(g.initiateFaults) > 0 {
		fault := g.initiateFaults[0]
		g.initiateFaults = g.initiateFaults[1:]
		if err := faultError(fault, "initiate"); err != nil {
			return nil, err
		}
	}

	if existing, ok := g.orders[req.OrderID]; ok {
		return nil, gateway.Rejected("initiate", "DUPLICATED_ORDER_ID", "order "+req.OrderID+" already exists with key "+existing.paymentKey)
	}

	o := &order{
		paymentKey: "sbx_" + ulid.Make().String(),
		amount:     req.Amount,
		status:     gateway.StatusReady,
		successURL: req.SuccessURL,
		failURL:    req.FailURL,
	}
	if g.cfg.Direct {
		o.status = gateway.StatusInProgress
	}
	g.orders[req.OrderID] = o

	return &gateway.InitiateResult{
		PaymentKey:         o.paymentKey,
		CheckoutURL:        g.cfg.CheckoutBaseURL + "/" + url.PathEscape(req.OrderID),
		Status:             o.status,
		RequiresUserAction: !g.cfg.Direct,
	}, nil
}

// Confirm captures an order the user has completed
func (g *Gateway) Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.ConfirmResult, error) {
	g.mu.Lock()
	g.calls["confirm"]++
	delay := g.confirmDelay
	fault := g.confirmFaults[req.OrderID]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, gateway.Unavailable(ctx.Err(), "confirm")
		case <-time.After(delay):
		}
	}
	if err := faultError(fault, "confirm"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[req.OrderID]
	if !ok {
		return nil, gateway.Rejected("confirm", "NOT_FOUND_PAYMENT", "no such order")
	}
	if o.paymentKey != req.PaymentKey {
		return nil, gateway.Rejected("confirm", "INVALID_PAYMENT_KEY", "payment key does not match order")
	}
	if o.amount != req.Amount {
		return &gateway.ConfirmResult{
			Status:       gateway.ConfirmFailure,
			ErrorCode:    "INVALID_AMOUNT",
			ErrorMessage: "amount does not match order",
		}, nil
	}

	switch o.status {
	case gateway.StatusDone:
		return &gateway.ConfirmResult{Status: gateway.ConfirmSuccess, TransactionID: o.transactionID}, nil
	case gateway.StatusReady, gateway.StatusInProgress:
		o.status = gateway.StatusDone
		o.transactionID = "sbx_tx_" + ulid.Make().String()
		return &gateway.ConfirmResult{Status: gateway.ConfirmSuccess, TransactionID: o.transactionID}, nil
	default:
		return &gateway.ConfirmResult{
			Status:       gateway.ConfirmFailure,
			ErrorCode:    "NOT_CONFIRMABLE",
			ErrorMessage: "order is " + string(o.status),
		}, nil
	}
}

// QueryStatus reports the recorded order status
func (g *Gateway) QueryStatus(ctx context.Context, orderID string) (*gateway.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["status"]++

	o, ok := g.orders[orderID]
	if !ok {
		return nil, gateway.Rejected("status", "NOT_FOUND_PAYMENT", "no such order")
	}
	return &gateway.StatusResult{Status: o.status, Amount: o.amount, PaymentKey: o.paymentKey}, nil
}

// FailInitiate queues faults for the next Initiate calls, in order
func (g *Gateway) FailInitiate(faults ...Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiateFaults = append(g.initiateFaults, faults...)
}

// FailConfirm makes every Confirm for orderID fail with fault
func (g *Gateway) FailConfirm(orderID string, fault Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmFaults[orderID] = fault
}

// SetConfirmDelay delays every Confirm by d
func (g *Gateway) SetConfirmDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmDelay = d
}

// Settle marks an order as paid on the gateway side, as if a
// confirmation went through but its response was lost
func (g *Gateway) Settle(orderID string) {
	g.setStatus(orderID, gateway.StatusDone)
}

// Cancel marks an order as canceled on the gateway side
func (g *Gateway) Cancel(orderID string) {
	g.setStatus(orderID, gateway.StatusCanceled)
}

func (g *Gateway) setStatus(orderID string, status gateway.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok {
		o.status = status
		if status == gateway.StatusDone && o.transactionID == "" {
			o.transactionID = "sbx_tx_" + ulid.Make().String()
		}
	}
}

// PaymentKey returns the key issued for orderID
func (g *Gateway) PaymentKey(orderID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok {
		return o.paymentKey
	}
	return ""
}

// Calls returns how many times op ("initiate", "confirm", "status") ran
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Routes serves the fake checkout page. Visiting it completes the
// checkout and redirects to the success URL the way a real gateway does;
// ?cancel=1 redirects to the fail URL instead.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{orderID}", g.checkout)
	return r
}

func (g *Gateway) checkout(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	g.mu.Lock()
	o, ok := g.orders[orderID]
	var target string
	if ok {
		if r.URL.Query().Get("cancel") != "" {
			o.status = gateway.StatusCanceled
			q := url.Values{"code": {"PAY_PROCESS_CANCELED"}, "message": {"user canceled"}, "orderId": {orderID}}
			target = appendQuery(o.failURL, q)
		} else {
			o.status = gateway.StatusInProgress
			q := url.Values{
				"paymentKey": {o.paymentKey},
				"orderId":    {orderID},
				"amount":     {strconv.FormatInt(o.amount, 10)},
			}
			if g.cfg.SigningSecret != "" {
				q.Set("signature", gateway.SignCallback(g.cfg.SigningSecret, orderID, o.paymentKey, o.amount))
			}
			target = appendQuery(o.successURL, q)
		}
	}
	g.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	g.logger.Info("sandbox checkout completed", "order_id", orderID, "redirect", target)
	http.Redirect(w, r, target, http.StatusFound)
}

func appendQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	existing := u.Query()
	for k, vs := range q {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String()
}

func faultError(f Fault, op string) error {
	switch f {
	case FaultUnavailable:
		return gateway.Unavailable(errSimulatedOutage, op)
	case FaultRejected:
		return gateway.Rejected(op, "SIMULATED_REJECTION", "rejected by sandbox")
	default:
		return nil
	}
}

var errSimulatedOutage = simulatedError("simulated outage")

type simulatedError string

func (e simulatedError) Error() string { return string(e) }
