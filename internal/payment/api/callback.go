package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"lendpay/internal/common/api"
	"lendpay/internal/common/metrics"
	"lendpay/internal/common/middleware"
	"lendpay/internal/gateway"
	"lendpay/internal/payment"
)

// Reason codes carried on callback redirects
const (
	ReasonMissingParameter    = "MISSING_PARAMETER"
	ReasonInvalidParameter    = "INVALID_PARAMETER"
	ReasonInvalidSignature    = "INVALID_SIGNATURE"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonUserCanceled        = "USER_CANCELED"
	ReasonConfirmationPending = "CONFIRMATION_PENDING"
	ReasonInternal            = "INTERNAL"
)

const maxWebhookBody = 64 << 10

var gatewayCode = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)

// CallbackConfig holds redirect targets and signing secrets
type CallbackConfig struct {
	SuccessURL string `envconfig:"CALLBACK_SUCCESS_URL" default:"http://localhost:3000/payments/success"`
	FailureURL string `envconfig:"CALLBACK_FAILURE_URL" default:"http://localhost:3000/payments/failure"`
	PendingURL string `envconfig:"CALLBACK_PENDING_URL" default:"http://localhost:3000/payments/pending"`

	// SigningSecret verifies return callbacks; empty accepts unsigned ones
	SigningSecret string `envconfig:"CALLBACK_SIGNING_SECRET"`
	// WebhookSecret verifies X-Gateway-Signature on webhooks
	WebhookSecret string `envconfig:"WEBHOOK_SIGNING_SECRET"`

	RatePerSecond float64 `envconfig:"CALLBACK_RATE_PER_SECOND" default:"5"`
	RateBurst     int     `envconfig:"CALLBACK_RATE_BURST" default:"20"`
}

// Confirmer settles an intent
type Confirmer interface {
	Confirm(ctx context.Context, req payment.ConfirmRequest) (*payment.ConfirmResult, error)
}

// CallbackHandler receives users returning from checkout and gateway
// webhooks. It never fails a request with an error page: every outcome
// becomes a redirect.
type CallbackHandler struct {
	confirmer Confirmer
	cfg       CallbackConfig
	limiter   middleware.RateLimiter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	successURL *url.URL
	failureURL *url.URL
	pendingURL *url.URL
}

// NewCallbackHandler creates a callback handler. limiter may be nil.
// The redirect targets must be absolute URLs or absolute paths.
func NewCallbackHandler(confirmer Confirmer, cfg CallbackConfig, limiter middleware.RateLimiter, m *metrics.Metrics, logger *slog.Logger) (*CallbackHandler, error) {
	h := &CallbackHandler{
		confirmer: confirmer,
		cfg:       cfg,
		limiter:   limiter,
		metrics:   m,
		logger:    logger,
	}
	for _, target := range []struct {
		name string
		raw  string
		dst  **url.URL
	}{
		{"CALLBACK_SUCCESS_URL", cfg.SuccessURL, &h.successURL},
		{"CALLBACK_FAILURE_URL", cfg.FailureURL, &h.failureURL},
		{"CALLBACK_PENDING_URL", cfg.PendingURL, &h.pendingURL},
	} {
		u, err := parseRedirectTarget(target.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", target.name)
		}
		*target.dst = u
	}

	if cfg.SigningSecret == "" {
		logger.Warn("callback signing secret not set, accepting unsigned callbacks")
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook signing secret not set, accepting unsigned webhooks")
	}
	return h, nil
}

func parseRedirectTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redirect target %q", raw)
	}
	if (u.IsAbs() && u.Host == "") || (!u.IsAbs() && !strings.HasPrefix(u.Path, "/")) {
		return nil, errors.Newf("redirect target %q must be an absolute URL or path", raw)
	}
	return u, nil
}

// Routes returns the unauthenticated callback routes
func (h *CallbackHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(middleware.RateLimit(h.limiter, middleware.ClientIP, h.rateLimited))
		}
		r.Get("/callback/success", h.Success)
		r.Get("/callback/fail", h.Fail)
	})
	r.Post("/webhook", h.Webhook)

	return r
}

// Success handles the user's return after completing checkout
func (h *CallbackHandler) Success(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := q.Get("orderId")

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("callback panic", "order_id", orderID, "panic", p)
			h.fail(w, r, "success", orderID, ReasonInternal)
		}
	}()

	paymentKey := q.Get("paymentKey")
	rawAmount := q.Get("amount")
	if orderID == "" || paymentKey == "" || rawAmount == "" {
		h.fail(w, r, "success", orderID, ReasonMissingParameter)
		return
	}

	amount, err := strconv.ParseInt(rawAmount, 10, 64)
	if err != nil || amount <= 0 {
		h.fail(w, r, "success", orderID, ReasonInvalidParameter)
		return
	}

	if h.cfg.SigningSecret != "" {
		payload := gateway.CallbackPayload(orderID, paymentKey, amount)
		if !gateway.Verify(h.cfg.SigningSecret, []byte(payload), q.Get("signature")) {
			h.logger.Warn("callback signature mismatch", "order_id", orderID, "remote", middleware.ClientIP(r))
			h.fail(w, r, "success", orderID, ReasonInvalidSignature)
			return
		}
	}

	res, err := h.confirmer.Confirm(r.Context(), payment.ConfirmRequest{
		Ref:        orderID,
		PaymentKey: paymentKey,
		Amount:     amount,
	})
	switch {
	case err == nil:
		h.metrics.Callback("success", "CONFIRMED")
		h.logger.Info("callback confirmed",
			"order_id", orderID,
			"intent_id", res.Intent.ID,
			"already_confirmed", res.AlreadyConfirmed,
		)
		redirect(w, r, h.successURL, url.Values{
			"orderId": {orderID},
			"amount":  {strconv.FormatInt(amount, 10)},
		})
	case errors.Is(err, payment.ErrConfirmationPending):
		h.metrics.Callback("success", ReasonConfirmationPending)
		redirect(w, r, h.pendingURL, url.Values{
			"orderId": {orderID},
			"reason":  {ReasonConfirmationPending},
		})
	default:
		reason := payment.Code(err)
		if reason == ReasonInternal {
			h.logger.Error("callback confirmation failed", "order_id", orderID, "error", err)
		} else {
			h.logger.Info("callback rejected", "order_id", orderID, "reason", reason, "error", err)
		}
		h.fail(w, r, "success", orderID, reason)
	}
}

// Fail handles a user sent back after cancelling or failing checkout.
// The intent is left for the sweeper to expire.
func (h *CallbackHandler) Fail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if !gatewayCode.MatchString(code) {
		code = ReasonUserCanceled
	}

	h.logger.Info("checkout abandoned", "order_id", q.Get("orderId"), "code", code)
	h.fail(w, r, "fail", q.Get("orderId"), code)
}

// WebhookRequest is an asynchronous gateway notification
type WebhookRequest struct {
	EventType string      `json:"eventType"`
	Data      WebhookData `json:"data"`
}

// WebhookData identifies the payment a webhook is about
type WebhookData struct {
	PaymentKey string                `json:"paymentKey"`
	OrderID    string                `json:"orderId"`
	Amount     int64                 `json:"amount"`
	Status     gateway.PaymentStatus `json:"status"`
}

// Webhook handles POST /webhook. Business outcomes are acknowledged
// with 200; only unverifiable or unreadable requests are refused.
func (h *CallbackHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	if h.cfg.WebhookSecret != "" {
		if !gateway.Verify(h.cfg.WebhookSecret, body, r.Header.Get("X-Gateway-Signature")) {
			h.metrics.Callback("webhook", ReasonInvalidSignature)
			h.logger.Warn("webhook signature mismatch", "remote", middleware.ClientIP(r))
			api.Unauthorized(w, "invalid signature")
			return
		}
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.BadRequest(w, "invalid JSON")
		return
	}
	d := req.Data
	if d.OrderID == "" || d.PaymentKey == "" || d.Amount <= 0 {
		api.BadRequest(w, "paymentKey, orderId and amount are required")
		return
	}

	if d.Status != gateway.StatusDone {
		h.metrics.Callback("webhook", string(d.Status))
		h.logger.Info("webhook acknowledged", "order_id", d.OrderID, "event_type", req.EventType, "status", d.Status)
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	_, err = h.confirmer.Confirm(r.Context(), payment.ConfirmRequest{
		Ref:        d.OrderID,
		PaymentKey: d.PaymentKey,
		Amount:     d.Amount,
	})
	reason := "CONFIRMED"
	if err != nil {
		reason = payment.Code(err)
	}
	h.metrics.Callback("webhook", reason)
	h.logger.Info("webhook processed", "order_id", d.OrderID, "event_type", req.EventType, "outcome", reason)

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CallbackHandler) rateLimited(w http.ResponseWriter, r *http.Request) {
	h.fail(w, r, "limit", r.URL.Query().Get("orderId"), ReasonRateLimited)
}

func (h *CallbackHandler) fail(w http.ResponseWriter, r *http.Request, route, orderID, reason string) {
	h.metrics.Callback(route, reason)

	q := url.Values{"reason": {reason}}
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	redirect(w, r, h.failureURL, q)
}

func redirect(w http.ResponseWriter, r *http.Request, base *url.URL, q url.Values) {
	target := *base
	merged := target.Query()
	for k, v := range q {
		merged[k] = v
	}
	target.RawQuery = merged.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}
