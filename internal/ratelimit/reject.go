package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const (
	// ErrorCodeRateLimited is the machine-readable code of a rejection.
	ErrorCodeRateLimited = "RATE_LIMIT_EXCEEDED"

	rejectMessage = "Too many requests. Please try again later."
)

// Header names written on rate limited routes.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// RejectionBody is the JSON body of a 429 response.
type RejectionBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ResetTime int64  `json:"resetTime"` // Epoch milliseconds
}

// Rejection is everything a handler needs to turn a refused admission into a
// response, independent of any HTTP stack.
type Rejection struct {
	Status            int
	Body              RejectionBody
	Headers           map[string]string
	RetryAfterSeconds int64
}

// Headers renders the quota headers for result. ResetAt is in epoch milliseconds.
func Headers(result Result) map[string]string {
	return map[string]string{
		HeaderLimit:     strconv.Itoa(result.Limit),
		HeaderRemaining: strconv.Itoa(result.Remaining),
		HeaderReset:     strconv.FormatInt(result.ResetAt.UnixMilli(), 10),
	}
}

// Reject converts a refused result into a Rejection. It returns nil when the
// result was admitted.
func Reject(result Result, now time.Time) *Rejection {
	if result.Admitted {
		return nil
	}

	retryAfter := retryAfterSeconds(result.ResetAt, now)
	headers := Headers(result)
	headers[HeaderRetryAfter] = strconv.FormatInt(retryAfter, 10)

	return &Rejection{
		Status: http.StatusTooManyRequests,
		Body: RejectionBody{
			Error:     ErrorCodeRateLimited,
			Message:   rejectMessage,
			ResetTime: result.ResetAt.UnixMilli(),
		},
		Headers:           headers,
		RetryAfterSeconds: retryAfter,
	}
}

// retryAfterSeconds is ceil((resetAt-now)/1s), never negative.
func retryAfterSeconds(resetAt, now time.Time) int64 {
	ms := resetAt.Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

// Write sends the rejection as a JSON response.
func (rj *Rejection) Write(w http.ResponseWriter) error {
	for name, value := range rj.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rj.Status)
	return json.NewEncoder(w).Encode(rj.Body)
}
