// Package toss adapts a Toss Payments style REST gateway: checkout is
// created server-side, the user pays on the hosted page, and the
// merchant confirms with the payment key the gateway redirects back with.
package toss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"lendpay/internal/gateway"
)

// Config holds adapter configuration
type Config struct {
	Name      string        `envconfig:"TOSS_NAME" default:"toss"`
	BaseURL   string        `envconfig:"TOSS_BASE_URL" default:"https://api.tosspayments.com"`
	SecretKey string        `envconfig:"TOSS_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"TOSS_TIMEOUT" default:"15s"`
}

// Adapter implements gateway.Gateway over HTTP
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ gateway.Gateway = (*Adapter)(nil)

// NewAdapter creates a new adapter
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "toss"
	}
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Name returns the adapter name
func (a *Adapter) Name() string {
	return a.config.Name
}

type createPaymentRequest struct {
	Method       string `json:"method"`
	Amount       int64  `json:"amount"`
	OrderID      string `json:"orderId"`
	OrderName    string `json:"orderName"`
	SuccessURL   string `json:"successUrl"`
	FailURL      string `json:"failUrl"`
	CustomerName string `json:"customerName,omitempty"`
	CustomerKey  string `json:"customerKey,omitempty"`
}

type confirmRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

// payment is the subset of the gateway's Payment object we read
type payment struct {
	PaymentKey         string `json:"paymentKey"`
	OrderID            string `json:"orderId"`
	Status             string `json:"status"`
	TotalAmount        int64  `json:"totalAmount"`
	LastTransactionKey string `json:"lastTransactionKey"`
	Checkout           *struct {
		URL string `json:"url"`
	} `json:"checkout"`
	Failure *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Initiate creates a payment and returns the hosted checkout URL
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	method := req.Method
	if method == "" {
		method = gateway.MethodCard
	}

	body := createPaymentRequest{
		Method:       methodName(method),
		Amount:       req.Amount,
		OrderID:      req.OrderID,
		OrderName:    req.Description,
		SuccessURL:   req.SuccessURL,
		FailURL:      req.FailURL,
		CustomerName: req.Payer.Name,
		CustomerKey:  req.Payer.ID,
	}

	var p payment
	if err := a.do(ctx, "initiate", http.MethodPost, "/v1/payments", body, &p); err != nil {
		return nil, err
	}
	if p.Checkout == nil || p.Checkout.URL == "" {
		return nil, gateway.Rejected("initiate", "NO_CHECKOUT_URL", "gateway returned no checkout url")
	}

	a.logger.Info("toss payment initiated",
		"order_id", req.OrderID,
		"status", p.Status,
	)

	return &gateway.InitiateResult{
		PaymentKey:         p.PaymentKey,
		CheckoutURL:        p.Checkout.URL,
		Status:             gateway.PaymentStatus(p.Status),
		RequiresUserAction: true,
	}, nil
}

// Confirm approves a payment the user completed at checkout. A payment
// that is accepted but not yet settled (for example a virtual account
// awaiting deposit) is reported as unavailable so the caller keeps
// polling instead of treating it as final.
func (a *Adapter) Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.ConfirmResult, error) {
	var p payment
	err := a.do(ctx, "confirm", http.MethodPost, "/v1/payments/confirm", confirmRequest{
		PaymentKey: req.PaymentKey,
		OrderID:    req.OrderID,
		Amount:     req.Amount,
	}, &p)
	if err != nil {
		return nil, err
	}

	status := gateway.PaymentStatus(p.Status)
	switch {
	case status == gateway.StatusDone:
		return &gateway.ConfirmResult{Status: gateway.ConfirmSuccess, TransactionID: p.LastTransactionKey}, nil
	case status.Failed():
		res := &gateway.ConfirmResult{Status: gateway.ConfirmFailure, ErrorCode: p.Status}
		if p.Failure != nil {
			res.ErrorCode = p.Failure.Code
			res.ErrorMessage = p.Failure.Message
		}
		return res, nil
	default:
		return nil, gateway.Unavailable(fmt.Errorf("payment not settled: %s", p.Status), "confirm")
	}
}

// QueryStatus fetches the payment for an order
func (a *Adapter) QueryStatus(ctx context.Context, orderID string) (*gateway.StatusResult, error) {
	var p payment
	if err := a.do(ctx, "status", http.MethodGet, "/v1/payments/orders/"+url.PathEscape(orderID), nil, &p); err != nil {
		return nil, err
	}

	status := gateway.PaymentStatus(p.Status)
	if status == "" {
		status = gateway.StatusUnknown
	}
	return &gateway.StatusResult{Status: status, Amount: p.TotalAmount, PaymentKey: p.PaymentKey}, nil
}

// do sends a JSON request and decodes a 2xx response into out.
// Transport failures and 5xx map to gateway.ErrUnavailable, 4xx to
// gateway.ErrRejected with the provider's error code.
func (a *Adapter) do(ctx context.Context, op, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.config.SecretKey+":")))
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return gateway.Unavailable(err, op)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return gateway.Unavailable(err, op)
	}

	if httpResp.StatusCode >= 500 {
		return gateway.Unavailable(fmt.Errorf("status=%d body=%s", httpResp.StatusCode, truncate(respBody)), op)
	}
	if httpResp.StatusCode >= 400 {
		var e errorBody
		_ = json.Unmarshal(respBody, &e)
		if e.Code == "" {
			e.Code = fmt.Sprintf("HTTP_%d", httpResp.StatusCode)
		}
		a.logger.Warn("toss request rejected",
			"op", op,
			"status", httpResp.StatusCode,
			"code", e.Code,
		)
		return gateway.Rejected(op, e.Code, e.Message)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return gateway.Unavailable(fmt.Errorf("unmarshal response: %w", err), op)
	}
	return nil
}

func methodName(m gateway.Method) string {
	switch m {
	case gateway.MethodVirtualAccount:
		return "VIRTUAL_ACCOUNT"
	default:
		return "CARD"
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
