package restapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"ontime.transitscore.org/internal/clock"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddlewareAllowsWithinLimit(t *testing.T) {
	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimitMiddleware(5, time.Second, nil, mockClock)
	defer rl.Stop()

	handler := rl.Handler()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-API-Key", "key_a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestRateLimitMiddlewareBlocksBeyondBurst(t *testing.T) {
	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimitMiddleware(1, time.Second, nil, mockClock)
	defer rl.Stop()

	handler := rl.Handler()(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestRateLimitMiddlewareKeysAreIndependent(t *testing.T) {
	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimitMiddleware(1, time.Second, nil, mockClock)
	defer rl.Stop()

	handler := rl.Handler()(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/health", nil)
	reqA.Header.Set("X-API-Key", "key_a")
	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, reqA)
	assert.Equal(t, http.StatusOK, recA.Code)

	reqB := httptest.NewRequest(http.MethodGet, "/health", nil)
	reqB.Header.Set("X-API-Key", "key_b")
	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, reqB)
	assert.Equal(t, http.StatusOK, recB.Code)
}

func TestRateLimitMiddlewareExemptKeysBypass(t *testing.T) {
	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimitMiddleware(0, time.Second, []string{"vip"}, mockClock)
	defer rl.Stop()

	handler := rl.Handler()(okHandler())

	// Zero rate means nobody else gets through.
	blocked := httptest.NewRecorder()
	handler.ServeHTTP(blocked, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-API-Key", "vip")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitMiddlewareNegativeRateIsUnlimited(t *testing.T) {
	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimitMiddleware(-1, time.Second, nil, mockClock)
	defer rl.Stop()

	handler := rl.Handler()(okHandler())

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitMiddlewareCleanupEvictsIdleClients(t *testing.T) {
	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimitMiddleware(10, time.Second, nil, mockClock)
	defer rl.Stop()

	handler := rl.Handler()(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-API-Key", "idle_key")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rl.mu.RLock()
	_, present := rl.limiters["idle_key"]
	rl.mu.RUnlock()
	assert.True(t, present)

	mockClock.Advance(11 * time.Minute)
	rl.cleanupOnce()

	rl.mu.RLock()
	_, present = rl.limiters["idle_key"]
	rl.mu.RUnlock()
	assert.False(t, present)
}
