package api

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"lendpay/internal/common/api"
	"lendpay/internal/common/middleware"
	"lendpay/internal/common/money"
	"lendpay/internal/ledger"
)

// Handler handles account HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new account handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the account routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/accounts", h.OpenAccount)
	r.Get("/accounts/{id}", h.GetAccount)
	r.Get("/accounts/{id}/effects", h.ListEffects)

	return r
}

// OpenAccountRequest is the API request for opening a virtual account
type OpenAccountRequest struct {
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

// OpenAccount handles POST /accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner required")
		return
	}

	var req OpenAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		if errors.Is(err, api.ErrMalformedBody) {
			api.BadRequest(w, "invalid request body")
			return
		}
		api.ValidationError(w, err)
		return
	}

	account, err := h.service.OpenVirtualAccount(r.Context(), ownerID, money.Currency(req.Currency))
	if err != nil {
		writeError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, account)
}

// GetAccount handles GET /accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	account, err := h.service.GetAccount(r.Context(), ownerID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, account)
}

// ListEffects handles GET /accounts/{id}/effects
func (h *Handler) ListEffects(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	effects, err := h.service.ListEffects(r.Context(), ownerID, id, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, effects)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		api.NotFound(w, "account not found")
	case errors.Is(err, ledger.ErrValidation):
		api.WriteHinted(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err, "invalid account")
	case errors.Is(err, ledger.ErrAccountExists):
		api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, "account already exists")
	default:
		api.InternalError(w, "failed to process account request")
	}
}
