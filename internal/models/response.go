// Package models holds the gateway configuration tree and every JSON body the
// gateway produces itself. Bodies proxied from upstream AI services pass
// through untouched.
package models

import (
	"time"

	"chorecoach/internal/ratelimit"
)

// ErrorResponse provides structured error information.
//
// Rate limit rejections are the one exception: they use the compact
// {error, message, resetTime} body from the ratelimit package so browser
// clients can read the reset time directly.
type ErrorResponse struct {
	Error     string    `json:"error"` // always "error"
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// HealthCheckResponse is served on /health. The gateway reports degraded
// rather than failing the health check when an optional dependency is missing.
type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// LimitsResponse lists the quota of every protected capability together with
// live bucket counts.
type LimitsResponse struct {
	Enabled  bool        `json:"enabled"`
	Limiters []LimitInfo `json:"limiters"`
}

type LimitInfo struct {
	Capability      string `json:"capability"`
	Capacity        int    `json:"capacity"`
	WindowSeconds   int64  `json:"window_seconds"`
	UpstreamEnabled bool   `json:"upstream_enabled"`
	ActiveBuckets   int    `json:"active_buckets"`
	EvictedBuckets  int64  `json:"evicted_buckets"`

	Decisions *ratelimit.Counters `json:"decisions,omitempty"` // Set when a stats recorder is configured
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy" // reported per component only
)

// Error codes carried in ErrorResponse.Code.
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400/405: Invalid request
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeBadGateway         = "BAD_GATEWAY"         // 502: Upstream failed
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Capability not configured
	ErrorCodeGatewayTimeout     = "GATEWAY_TIMEOUT"     // 504: Upstream timed out
)

func NewErrorResponse(message, code string) *ErrorResponse {
	return &ErrorResponse{Error: "error", Message: message, Code: code, Timestamp: time.Now()}
}

// WithRequestID sets the request identifier and returns the response.
func (e *ErrorResponse) WithRequestID(id string) *ErrorResponse {
	e.RequestID = id
	return e
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{Status: status, Message: message, CheckedAt: time.Now()}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) { h.Metrics[name] = value }
