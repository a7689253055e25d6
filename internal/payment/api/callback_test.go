package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/common/cache"
	"lendpay/internal/common/middleware"
	"lendpay/internal/gateway"
	"lendpay/internal/payment"
)

type fakeConfirmer struct {
	mu    sync.Mutex
	calls []payment.ConfirmRequest
	err   error
}

func (f *fakeConfirmer) Confirm(_ context.Context, req payment.ConfirmRequest) (*payment.ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.ConfirmResult{Intent: &payment.Intent{ID: "pi_1", OrderID: req.Ref}}, nil
}

func (f *fakeConfirmer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var testCallbackConfig = CallbackConfig{
	SuccessURL: "https://app.test/done",
	FailureURL: "https://app.test/failed?src=pay",
	PendingURL: "https://app.test/pending",
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCallbackHandler(t *testing.T, confirmer Confirmer, cfg CallbackConfig, limiter middleware.RateLimiter) *CallbackHandler {
	t.Helper()
	h, err := NewCallbackHandler(confirmer, cfg, limiter, nil, discardLogger())
	require.NoError(t, err)
	return h
}

func serve(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, *url.URL) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		return rec, nil
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return rec, loc
}

func successRequest(q url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/callback/success?"+q.Encode(), nil)
}

func TestSuccessCallback(t *testing.T) {
	valid := url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"50000"}}

	tests := []struct {
		name    string
		query   url.Values
		err     error
		path    string
		reason  string
		confirm int
	}{
		{"confirmed", valid, nil, "/done", "", 1},
		{"missing amount", url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}}, nil, "/failed", ReasonMissingParameter, 0},
		{"missing key", url.Values{"orderId": {"ord_1"}, "amount": {"50000"}}, nil, "/failed", ReasonMissingParameter, 0},
		{"bad amount", url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"5e4"}}, nil, "/failed", ReasonInvalidParameter, 0},
		{"negative amount", url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"-1"}}, nil, "/failed", ReasonInvalidParameter, 0},
		{"mismatch", valid, payment.ErrAmountMismatch, "/failed", "AMOUNT_MISMATCH", 1},
		{"expired", valid, payment.ErrExpired, "/failed", "EXPIRED", 1},
		{"pending", valid, payment.ErrConfirmationPending, "/pending", ReasonConfirmationPending, 1},
		{"internal", valid, io.ErrUnexpectedEOF, "/failed", ReasonInternal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := &fakeConfirmer{err: tt.err}
			h := newCallbackHandler(t, confirmer, testCallbackConfig, nil)

			_, loc := serve(t, h.Routes(), successRequest(tt.query))
			require.NotNil(t, loc)

			assert.Equal(t, tt.path, loc.Path)
			assert.Equal(t, tt.reason, loc.Query().Get("reason"))
			assert.Equal(t, tt.confirm, confirmer.count())
			if tt.path == "/failed" {
				assert.Equal(t, "pay", loc.Query().Get("src"))
			}
		})
	}
}

func TestSuccessCallbackForwardsParameters(t *testing.T) {
	confirmer := &fakeConfirmer{}
	h := newCallbackHandler(t, confirmer, testCallbackConfig, nil)

	q := url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"2850000"}}
	_, loc := serve(t, h.Routes(), successRequest(q))
	require.NotNil(t, loc)

	assert.Equal(t, "ord_1", loc.Query().Get("orderId"))
	assert.Equal(t, "2850000", loc.Query().Get("amount"))
	require.Len(t, confirmer.calls, 1)
	assert.Equal(t, payment.ConfirmRequest{Ref: "ord_1", PaymentKey: "pk_1", Amount: 2850000}, confirmer.calls[0])
}

func TestSuccessCallbackSignature(t *testing.T) {
	cfg := testCallbackConfig
	cfg.SigningSecret = "s3cret"

	signed := url.Values{
		"paymentKey": {"pk_1"},
		"orderId":    {"ord_1"},
		"amount":     {"50000"},
		"signature":  {gateway.SignCallback("s3cret", "ord_1", "pk_1", 50000)},
	}
	tampered := url.Values{
		"paymentKey": {"pk_1"},
		"orderId":    {"ord_1"},
		"amount":     {"1000"},
		"signature":  {signed.Get("signature")},
	}

	t.Run("valid", func(t *testing.T) {
		confirmer := &fakeConfirmer{}
		h := newCallbackHandler(t, confirmer, cfg, nil)
		_, loc := serve(t, h.Routes(), successRequest(signed))
		require.NotNil(t, loc)
		assert.Equal(t, "/done", loc.Path)
		assert.Equal(t, 1, confirmer.count())
	})

	for name, q := range map[string]url.Values{
		"tampered": tampered,
		"unsigned": {"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"50000"}},
	} {
		t.Run(name, func(t *testing.T) {
			confirmer := &fakeConfirmer{}
			h := newCallbackHandler(t, confirmer, cfg, nil)
			_, loc := serve(t, h.Routes(), successRequest(q))
			require.NotNil(t, loc)
			assert.Equal(t, ReasonInvalidSignature, loc.Query().Get("reason"))
			assert.Zero(t, confirmer.count())
		})
	}
}

func TestFailCallback(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		reason string
	}{
		{"gateway code", "PAY_PROCESS_CANCELED", "PAY_PROCESS_CANCELED"},
		{"no code", "", ReasonUserCanceled},
		{"junk code", "<script>", ReasonUserCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := &fakeConfirmer{}
			h := newCallbackHandler(t, confirmer, testCallbackConfig, nil)

			q := url.Values{"orderId": {"ord_1"}, "code": {tt.code}}
			req := httptest.NewRequest(http.MethodGet, "/callback/fail?"+q.Encode(), nil)
			_, loc := serve(t, h.Routes(), req)
			require.NotNil(t, loc)

			assert.Equal(t, "/failed", loc.Path)
			assert.Equal(t, tt.reason, loc.Query().Get("reason"))
			assert.Equal(t, "ord_1", loc.Query().Get("orderId"))
			assert.Zero(t, confirmer.count())
		})
	}
}

func TestCallbackRateLimit(t *testing.T) {
	confirmer := &fakeConfirmer{}
	h := newCallbackHandler(t, confirmer, testCallbackConfig, cache.NewKeyedLimiter(0.001, 1))
	q := url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"50000"}}

	_, loc := serve(t, h.Routes(), successRequest(q))
	require.NotNil(t, loc)
	assert.Equal(t, "/done", loc.Path)

	_, loc = serve(t, h.Routes(), successRequest(q))
	require.NotNil(t, loc)
	assert.Equal(t, ReasonRateLimited, loc.Query().Get("reason"))
	assert.Equal(t, 1, confirmer.count())
}

func TestWebhook(t *testing.T) {
	const secret = "whsec"
	done := `{"eventType":"PAYMENT_STATUS_CHANGED","data":{"paymentKey":"pk_1","orderId":"ord_1","amount":50000,"status":"DONE"}}`
	canceled := `{"eventType":"PAYMENT_STATUS_CHANGED","data":{"paymentKey":"pk_1","orderId":"ord_1","amount":50000,"status":"CANCELED"}}`

	tests := []struct {
		name      string
		body      string
		signature string
		err       error
		status    int
		confirm   int
	}{
		{"done", done, gateway.Sign(secret, []byte(done)), nil, http.StatusOK, 1},
		{"business failure is acknowledged", done, gateway.Sign(secret, []byte(done)), payment.ErrAmountMismatch, http.StatusOK, 1},
		{"other status", canceled, gateway.Sign(secret, []byte(canceled)), nil, http.StatusOK, 0},
		{"bad signature", done, gateway.Sign("other", []byte(done)), nil, http.StatusUnauthorized, 0},
		{"missing signature", done, "", nil, http.StatusUnauthorized, 0},
		{"bad json", "{", gateway.Sign(secret, []byte("{")), nil, http.StatusBadRequest, 0},
		{"missing fields", `{"data":{}}`, gateway.Sign(secret, []byte(`{"data":{}}`)), nil, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := &fakeConfirmer{err: tt.err}
			cfg := testCallbackConfig
			cfg.WebhookSecret = secret
			h := newCallbackHandler(t, confirmer, cfg, nil)

			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body))
			if tt.signature != "" {
				req.Header.Set("X-Gateway-Signature", tt.signature)
			}
			rec, _ := serve(t, h.Routes(), req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.confirm, confirmer.count())
		})
	}
}

func TestNewCallbackHandlerRedirectTargets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CallbackConfig)
		errMsg string
	}{
		{"relative path", func(c *CallbackConfig) { c.SuccessURL = "/done" }, ""},
		{"no leading slash", func(c *CallbackConfig) { c.FailureURL = "failed" }, "CALLBACK_FAILURE_URL"},
		{"no host", func(c *CallbackConfig) { c.SuccessURL = "http://" }, "CALLBACK_SUCCESS_URL"},
		{"unparsable", func(c *CallbackConfig) { c.PendingURL = "://bad" }, "CALLBACK_PENDING_URL"},
		{"empty", func(c *CallbackConfig) { c.PendingURL = "" }, "CALLBACK_PENDING_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCallbackConfig
			tt.mutate(&cfg)
			h, err := NewCallbackHandler(&fakeConfirmer{}, cfg, nil, nil, discardLogger())
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, h)
				return
			}
			require.NoError(t, err)

			q := url.Values{"paymentKey": {"pk_1"}, "orderId": {"ord_1"}, "amount": {"50000"}}
			rec, loc := serve(t, h.Routes(), successRequest(q))
			assert.Equal(t, http.StatusSeeOther, rec.Code)
			require.NotNil(t, loc)
			assert.Equal(t, "/done", loc.Path)
			assert.Equal(t, "ord_1", loc.Query().Get("orderId"))
		})
	}
}

func TestNewCallbackHandlerWarnsOnMissingSecrets(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := testCallbackConfig
	cfg.SigningSecret = "s3cret"
	_, err := NewCallbackHandler(&fakeConfirmer{}, cfg, nil, nil, logger)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "webhook signing secret not set")
	assert.NotContains(t, buf.String(), "callback signing secret not set")

	buf.Reset()
	cfg.WebhookSecret = "whsec"
	_, err = NewCallbackHandler(&fakeConfirmer{}, cfg, nil, nil, logger)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}
