// Package ratelimit provides per-client admission control for the cost-bearing
// coach endpoints. Each Controller keeps one token bucket per client key and
// refills it linearly over its window. A Registry holds one Controller per
// protected capability and owns the background sweep that evicts stale buckets.
package ratelimit

import "time"

// Checker defines the admission contract consulted by HTTP handlers.
// Implementations must be safe for concurrent use and must not block.
type Checker interface {
	// CheckLimit decides whether the request described by meta may proceed at now.
	// Being over the limit is a normal outcome reported through Result.Admitted.
	CheckLimit(meta RequestMeta, now time.Time) Result

	// Name returns the capability the checker guards, used for logs and metrics.
	Name() string
}

// Result is the outcome of a single admission check.
type Result struct {
	Admitted  bool      // Whether the request may proceed
	Key       string    // Client key the decision was made for
	Limit     int       // Bucket capacity
	Remaining int       // Tokens left after this check
	ResetAt   time.Time // End of the current accounting window
}

// Clock supplies the current time. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
