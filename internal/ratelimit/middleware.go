package ratelimit

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type middlewareOptions struct {
	clock    Clock
	stats    StatsRecorder
	logger   *slog.Logger
	logEvery time.Duration
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareOptions)

// WithMiddlewareClock sets the clock used to timestamp checks.
func WithMiddlewareClock(c Clock) MiddlewareOption {
	return func(o *middlewareOptions) { o.clock = c }
}

// WithStats records every decision to s. s is called on the request path;
// wrap network backends in an AsyncStatsRecorder.
func WithStats(s StatsRecorder) MiddlewareOption {
	return func(o *middlewareOptions) { o.stats = s }
}

// WithMiddlewareLogger sets the logger for rejections.
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(o *middlewareOptions) { o.logger = l }
}

// WithRejectLogInterval limits rejection warnings to one per interval. A
// non-positive interval logs every rejection.
func WithRejectLogInterval(d time.Duration) MiddlewareOption {
	return func(o *middlewareOptions) { o.logEvery = d }
}

// Middleware returns HTTP middleware that gates the wrapped handler behind
// checker. Quota headers are set on every response; refused requests get the
// 429 artifact from Reject and never reach the handler.
func Middleware(checker Checker, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := middlewareOptions{
		clock:    SystemClock,
		logEvery: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	// Shared across requests so one abusive client cannot flood the log.
	rejectLog := &rate.Sometimes{Interval: o.logEvery}
	if o.logEvery <= 0 {
		rejectLog = &rate.Sometimes{Every: 1}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := o.clock.Now()
			result := checker.CheckLimit(MetaFromRequest(r), now)

			if o.stats != nil {
				ev := StatsEvent{Capability: checker.Name(), Key: result.Key, Admitted: result.Admitted, At: now}
				if err := o.stats.Record(r.Context(), ev); err != nil {
					o.logger.Debug("Failed to record rate limit stats", "capability", checker.Name(), "error", err)
				}
			}

			if rejection := Reject(result, now); rejection != nil {
				rejectLog.Do(func() {
					o.logger.Warn("Rate limit exceeded",
						"capability", checker.Name(),
						"key", result.Key,
						"limit", result.Limit,
						"retry_after", rejection.RetryAfterSeconds,
					)
				})
				if err := rejection.Write(w); err != nil {
					o.logger.Debug("Failed to write rate limit response", "error", err)
				}
				return
			}

			for name, value := range Headers(result) {
				w.Header().Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
