package toss

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/gateway"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAdapter(Config{BaseURL: srv.URL, SecretKey: "test_sk", Timeout: 2 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInitiate(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payments", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "test_sk", user)
		assert.Empty(t, pass)

		var body createPaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "VIRTUAL_ACCOUNT", body.Method)
		assert.Equal(t, int64(2850000), body.Amount)
		assert.Equal(t, "ord_1", body.OrderID)

		_, _ = w.Write([]byte(`{"paymentKey":"pk_1","orderId":"ord_1","status":"READY","checkout":{"url":"https://pay.example/c/pk_1"}}`))
	})

	res, err := a.Initiate(context.Background(), gateway.InitiateRequest{
		OrderID: "ord_1", Amount: 2850000, Method: gateway.MethodVirtualAccount, Description: "loan repayment",
	})
	require.NoError(t, err)
	assert.Equal(t, "pk_1", res.PaymentKey)
	assert.Equal(t, "https://pay.example/c/pk_1", res.CheckoutURL)
	assert.True(t, res.RequiresUserAction)
}

func TestConfirmOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome gateway.ConfirmOutcome
		kind    error
		code    string
	}{
		{"done", 200, `{"status":"DONE","lastTransactionKey":"tx_9"}`, gateway.ConfirmSuccess, nil, ""},
		{"aborted", 200, `{"status":"ABORTED","failure":{"code":"REJECT_CARD_COMPANY","message":"declined"}}`, gateway.ConfirmFailure, nil, "REJECT_CARD_COMPANY"},
		{"awaiting deposit", 200, `{"status":"WAITING_FOR_DEPOSIT"}`, "", gateway.ErrUnavailable, ""},
		{"4xx", 400, `{"code":"ALREADY_PROCESSED_PAYMENT","message":"already processed"}`, "", gateway.ErrRejected, "ALREADY_PROCESSED_PAYMENT"},
		{"4xx no body", 404, ``, "", gateway.ErrRejected, "HTTP_404"},
		{"5xx", 502, `bad gateway`, "", gateway.ErrUnavailable, ""},
		{"garbage 2xx", 200, `{`, "", gateway.ErrUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payments/confirm", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			res, err := a.Confirm(context.Background(), gateway.ConfirmRequest{PaymentKey: "pk", OrderID: "ord", Amount: 1000})
			if tt.kind != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.kind))
				if tt.code != "" {
					assert.Equal(t, tt.code, gateway.RejectionCode(err))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Status)
			if tt.code != "" {
				assert.Equal(t, tt.code, res.ErrorCode)
			}
		})
	}
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	// runs before the server is closed
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Confirm(ctx, gateway.ConfirmRequest{PaymentKey: "pk", OrderID: "ord", Amount: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrUnavailable))
}

func TestQueryStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/orders/ord_7", r.URL.Path)
		_, _ = w.Write([]byte(`{"paymentKey":"pk_7","status":"DONE","totalAmount":1000000}`))
	})

	st, err := a.QueryStatus(context.Background(), "ord_7")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusDone, st.Status)
	assert.Equal(t, int64(1000000), st.Amount)
	assert.Equal(t, "pk_7", st.PaymentKey)
}
