package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendpay/internal/common/middleware"
)

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()

	_, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	resp := &middleware.CachedResponse{Status: 201, Body: []byte(`{"data":{}}`)}
	require.NoError(t, store.Set(ctx, "k1", resp, time.Minute))

	got, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 201, got.Status)
	assert.Equal(t, resp.Body, got.Body)
}

func TestIdempotencyReservation(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()

	ok, err := store.Reserve(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = store.Reserve(ctx, "k1", time.Minute)
	assert.False(t, ok, "already claimed")
	_, found, _ := store.Get(ctx, "k1")
	assert.False(t, found, "a claim is not a response")

	require.NoError(t, store.Release(ctx, "k1"))
	ok, _ = store.Reserve(ctx, "k1", time.Minute)
	assert.True(t, ok, "released claims can be taken again")

	require.NoError(t, store.Set(ctx, "k1", &middleware.CachedResponse{Status: 201}, time.Minute))
	require.NoError(t, store.Release(ctx, "k1"))
	_, found, _ = store.Get(ctx, "k1")
	assert.True(t, found, "release keeps stored responses")
	ok, _ = store.Reserve(ctx, "k1", time.Minute)
	assert.False(t, ok)
}

func TestIdempotencyMiddlewareConcurrentRetries(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h := middleware.Idempotency(NewIdempotencyStore(), time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"pi_1"}}`))
	}))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/intents", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "k1")
		req = req.WithContext(middleware.WithOwnerID(req.Context(), "user-1"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	var first *httptest.ResponseRecorder
	done := make(chan struct{})
	go func() {
		defer close(done)
		first = post()
	}()
	<-started

	const n = 5
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = post().Code
		}(i)
	}
	wg.Wait()
	close(release)
	<-done

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusCreated, first.Code)
	for _, code := range codes {
		assert.Equal(t, http.StatusConflict, code)
	}

	replayed := post()
	assert.Equal(t, http.StatusCreated, replayed.Code)
	assert.Equal(t, "true", replayed.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeyedLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := NewKeyedLimiter(0.001, 2)

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, _ := limiter.Allow(ctx, "10.0.0.1")
	assert.False(t, ok, "burst exhausted")

	ok, _ = limiter.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "keys are independent")
}
