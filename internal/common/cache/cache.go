// Package cache holds the in-process TTL stores used by the HTTP middleware.
package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"lendpay/internal/common/middleware"
)

const (
	// DefaultCleanupInterval is how often expired items are removed
	DefaultCleanupInterval = 10 * time.Minute

	limiterIdleTTL = 15 * time.Minute
)

// IdempotencyStore keeps replayable responses keyed by idempotency key
type IdempotencyStore struct {
	cache *gocache.Cache
}

var _ middleware.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates an in-memory idempotency store
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{cache: gocache.New(gocache.NoExpiration, DefaultCleanupInterval)}
}

// Get returns the cached response for key
func (s *IdempotencyStore) Get(_ context.Context, key string) (*middleware.CachedResponse, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	resp, ok := v.(*middleware.CachedResponse)
	return resp, ok, nil
}

// Set stores a response for ttl
func (s *IdempotencyStore) Set(_ context.Context, key string, resp *middleware.CachedResponse, ttl time.Duration) error {
	s.cache.Set(key, resp, ttl)
	return nil
}

type inFlight struct{}

// Reserve claims key until it is Set or Released. It fails if key is
// claimed or already holds a response.
func (s *IdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.cache.Add(key, inFlight{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Release drops an unanswered claim on key
func (s *IdempotencyStore) Release(_ context.Context, key string) error {
	if v, ok := s.cache.Get(key); ok {
		if _, pending := v.(inFlight); pending {
			s.cache.Delete(key)
		}
	}
	return nil
}

// KeyedLimiter is a token-bucket rate limiter per key.
// Idle limiters are evicted after a quiet period.
type KeyedLimiter struct {
	mu    sync.Mutex
	cache *gocache.Cache
	limit rate.Limit
	burst int
}

var _ middleware.RateLimiter = (*KeyedLimiter)(nil)

// NewKeyedLimiter allows perSecond events with the given burst per key
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		cache: gocache.New(limiterIdleTTL, DefaultCleanupInterval),
		limit: rate.Limit(perSecond),
		burst: burst,
	}
}

// Allow reports whether an event for key may happen now
func (l *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var limiter *rate.Limiter
	if v, ok := l.cache.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	l.cache.SetDefault(key, limiter)

	return limiter.Allow(), nil
}
