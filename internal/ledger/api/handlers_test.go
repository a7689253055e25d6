package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonapi "lendpay/internal/common/api"
	"lendpay/internal/common/clock"
	"lendpay/internal/common/middleware"
	"lendpay/internal/ledger"
	"lendpay/internal/payment/memstore"
)

func newTestHandler(t *testing.T) (*Handler, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	svc := ledger.NewService(store, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewHandler(svc), store
}

func do(h *Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if owner != "" {
		req = req.WithContext(middleware.WithOwnerID(req.Context(), owner))
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestOpenAccount(t *testing.T) {
	h, store := newTestHandler(t)

	rec := do(h, http.MethodPost, "/accounts", "user-1", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp commonapi.Response[ledger.Account]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, strings.HasPrefix(resp.Data.ID, "acc_"))
	assert.Equal(t, ledger.AccountKindVirtual, resp.Data.Kind)
	assert.Equal(t, ledger.AccountStatusPendingActivation, resp.Data.Status)
	assert.EqualValues(t, "KRW", resp.Data.Currency)

	stored, err := store.GetAccount(context.Background(), resp.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.OwnerID)
}

func TestOpenAccountErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/accounts", "", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/accounts", "user-1", `{`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(h, http.MethodPost, "/accounts", "user-1", `{"currency":"WON!"}`).Code)
}

func TestAccountsAreOwnerScoped(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, &ledger.Account{
		ID: "acc_1", OwnerID: "user-1", Kind: ledger.AccountKindLoan, Status: ledger.AccountStatusActive, Balance: 7150000,
	}))

	tests := []struct {
		name   string
		path   string
		owner  string
		status int
	}{
		{"own account", "/accounts/acc_1", "user-1", http.StatusOK},
		{"other owner", "/accounts/acc_1", "user-2", http.StatusNotFound},
		{"missing", "/accounts/acc_2", "user-1", http.StatusNotFound},
		{"effects", "/accounts/acc_1/effects?limit=10", "user-1", http.StatusOK},
		{"effects of other owner", "/accounts/acc_1/effects", "user-2", http.StatusNotFound},
		{"bad limit", "/accounts/acc_1/effects?limit=abc", "user-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(h, http.MethodGet, tt.path, tt.owner, "").Code)
		})
	}
}
