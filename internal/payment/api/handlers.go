package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"lendpay/internal/common/api"
	"lendpay/internal/common/middleware"
	"lendpay/internal/common/money"
	"lendpay/internal/gateway"
	"lendpay/internal/payment"
)

// IntentCreator starts payment intents
type IntentCreator interface {
	CreateIntent(ctx context.Context, req payment.CreateIntentRequest) (*payment.Intent, error)
}

// StatusReader answers owner-scoped intent queries
type StatusReader interface {
	GetStatus(ctx context.Context, ref, ownerID string) (*payment.StatusView, error)
	Get(ctx context.Context, ref, ownerID string) (*payment.Intent, error)
}

// Handler handles client-facing payment requests
type Handler struct {
	creator IntentCreator
	status  StatusReader
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(creator IntentCreator, status StatusReader, logger *slog.Logger) *Handler {
	return &Handler{creator: creator, status: status, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/intents", h.CreateIntent)
	r.Get("/intents/{id}", h.GetIntent)
	r.Get("/intents/{id}/status", h.GetIntentStatus)
	r.Get("/status", h.GetStatusByOrder)

	return r
}

// CreateIntentRequest is the API request for starting a payment
type CreateIntentRequest struct {
	Kind            string `json:"kind" validate:"required,oneof=DEPOSIT REPAYMENT ACCOUNT_ACTIVATION"`
	TargetAccountID string `json:"targetAccountId" validate:"required,max=64"`
	Amount          int64  `json:"amount" validate:"required,gt=0"`
	Currency        string `json:"currency" validate:"omitempty,len=3"`
	Description     string `json:"description" validate:"max=200"`
	Gateway         string `json:"gateway" validate:"omitempty,max=32"`
	Method          string `json:"method" validate:"omitempty,oneof=CARD VIRTUAL_ACCOUNT"`
	Payer           *Payer `json:"payer"`
}

// Payer is optional payer detail forwarded to the gateway
type Payer struct {
	Name  string `json:"name" validate:"max=100"`
	Email string `json:"email" validate:"omitempty,email"`
}

// CreateIntentResponse is returned when an intent is ready for checkout
type CreateIntentResponse struct {
	IntentID        string         `json:"intentId"`
	CheckoutURL     string         `json:"checkoutUrl"`
	ExternalOrderID string         `json:"externalOrderId"`
	Amount          int64          `json:"amount"`
	Currency        money.Currency `json:"currency"`
	Status          payment.Status `json:"status"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

// CreateIntent handles POST /intents
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner required")
		return
	}

	var req CreateIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		if errors.Is(err, api.ErrMalformedBody) {
			api.BadRequest(w, "invalid request body")
			return
		}
		api.ValidationError(w, err)
		return
	}

	svcReq := payment.CreateIntentRequest{
		Kind:            payment.Kind(req.Kind),
		OwnerID:         ownerID,
		TargetAccountID: req.TargetAccountID,
		Amount:          req.Amount,
		Currency:        money.Currency(req.Currency),
		Description:     req.Description,
		Gateway:         req.Gateway,
		Method:          gateway.Method(req.Method),
		Payer:           gateway.Payer{ID: ownerID},
	}
	if req.Payer != nil {
		svcReq.Payer.Name = req.Payer.Name
		svcReq.Payer.Email = req.Payer.Email
	}

	intent, err := h.creator.CreateIntent(r.Context(), svcReq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, CreateIntentResponse{
		IntentID:        intent.ID,
		CheckoutURL:     intent.CheckoutURL,
		ExternalOrderID: intent.OrderID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		Status:          intent.Status,
		ExpiresAt:       intent.ExpiresAt,
	})
}

// GetIntent handles GET /intents/{id}
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.status.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetOwnerID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, intent)
}

// GetIntentStatus handles GET /intents/{id}/status
func (h *Handler) GetIntentStatus(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r, chi.URLParam(r, "id"))
}

// GetStatusByOrder handles GET /status?orderId=
func (h *Handler) GetStatusByOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "orderId is required")
		return
	}
	h.writeStatus(w, r, orderID)
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, ref string) {
	view, err := h.status.GetStatus(r.Context(), ref, middleware.GetOwnerID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// writeError maps payment error kinds onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("payment request failed",
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"error", err,
		)
	}
	api.WriteHinted(w, status, code, err, http.StatusText(status))
}

// StatusFor returns the HTTP status and error code for a payment error
func StatusFor(err error) (int, string) {
	code := payment.Code(err)
	switch code {
	case "INVALID_PARAMETER":
		return http.StatusUnprocessableEntity, api.ErrCodeValidation
	case "NOT_FOUND":
		return http.StatusNotFound, api.ErrCodeNotFound
	case "AMOUNT_MISMATCH", "LEDGER_REJECTED":
		return http.StatusConflict, code
	case "EXPIRED":
		return http.StatusGone, code
	case "GATEWAY_REJECTED":
		return http.StatusPaymentRequired, code
	case "GATEWAY_UNAVAILABLE":
		return http.StatusServiceUnavailable, code
	case "CONFIRMATION_PENDING":
		return http.StatusAccepted, code
	default:
		return http.StatusInternalServerError, api.ErrCodeInternalError
	}
}
