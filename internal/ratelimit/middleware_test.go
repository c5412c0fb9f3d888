package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newGatedHandler(t *testing.T, capacity int, opts ...MiddlewareOption) http.Handler {
	t.Helper()
	c, err := NewController(Config{Name: "text_generation", Capacity: capacity, Window: time.Minute})
	require.NoError(t, err)
	opts = append([]MiddlewareOption{WithMiddlewareClock(ClockFunc(func() time.Time { return t0 }))}, opts...)
	return Middleware(c, opts...)(http.HandlerFunc(okHandler))
}

func serve(h http.Handler, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/coach/generate", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_AllowedRequest(t *testing.T) {
	handler := newGatedHandler(t, 10)

	rr := serve(handler, "203.0.113.50")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(t0.Add(time.Minute).UnixMilli(), 10), rr.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rr.Header().Get("Retry-After"))
}

func TestMiddleware_DeniedRequest(t *testing.T) {
	handler := newGatedHandler(t, 2)

	for i := 0; i < 2; i++ {
		rr := serve(handler, "203.0.113.50")
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	rr := serve(handler, "203.0.113.50")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	var body RejectionBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, ErrorCodeRateLimited, body.Error)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), body.ResetTime)
}

func TestMiddleware_HandlerNotCalledWhenDenied(t *testing.T) {
	c, err := NewController(Config{Name: "session_token", Capacity: 1, Window: time.Minute})
	require.NoError(t, err)

	calls := 0
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	serve(handler, "1.2.3.4")
	serve(handler, "1.2.3.4")
	assert.Equal(t, 1, calls)
}

func TestMiddleware_ForwardedClientsAreSeparate(t *testing.T) {
	handler := newGatedHandler(t, 1)

	assert.Equal(t, http.StatusOK, serve(handler, "203.0.113.50, 70.41.3.18").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "203.0.113.50").Code)
	assert.Equal(t, http.StatusOK, serve(handler, "198.51.100.7, 70.41.3.18").Code)
}

func TestMiddleware_RecordsStats(t *testing.T) {
	stats := NewMemoryStatsRecorder()
	handler := newGatedHandler(t, 2, WithStats(stats), WithRejectLogInterval(0))

	for i := 0; i < 5; i++ {
		serve(handler, "203.0.113.50")
	}

	totals, err := stats.Totals(context.Background(), "text_generation")
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Admitted)
	assert.Equal(t, int64(3), totals.Rejected)
}
