package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chorecoach/internal/models"
	"chorecoach/internal/proxy"
	"chorecoach/internal/ratelimit"
	"chorecoach/internal/version"
)

// Pinger is implemented by backends whose reachability is part of health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the gateway's own endpoints and assembles the guarded coach
// routes from the limiter registry and the configured upstreams.
type Handlers struct {
	registry  *ratelimit.Registry
	checkers  map[ratelimit.Capability]ratelimit.Checker
	upstreams map[ratelimit.Capability]http.Handler
	stats     ratelimit.StatsRecorder
	reader    ratelimit.StatsReader
	pinger    Pinger
	version   version.Info
	started   time.Time
	logger    *slog.Logger
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithUpstream routes admitted requests for capability to h.
func WithUpstream(capability ratelimit.Capability, h http.Handler) HandlerOption {
	return func(hs *Handlers) { hs.upstreams[capability] = h }
}

// WithChecker replaces the registry controller for capability, typically
// with an instrumented wrapper around it.
func WithChecker(capability ratelimit.Capability, c ratelimit.Checker) HandlerOption {
	return func(hs *Handlers) { hs.checkers[capability] = c }
}

// WithStatsRecorder records every admission decision. If the recorder, or the
// backend it wraps, implements ratelimit.StatsReader its totals are reported
// by ListLimits, and if it implements Pinger it becomes a health component.
func WithStatsRecorder(rec ratelimit.StatsRecorder) HandlerOption {
	return func(hs *Handlers) {
		hs.stats = rec
		backend := rec
		if u, ok := rec.(interface{ Unwrap() ratelimit.StatsRecorder }); ok {
			backend = u.Unwrap()
		}
		if r, ok := backend.(ratelimit.StatsReader); ok {
			hs.reader = r
		}
		if p, ok := backend.(Pinger); ok {
			hs.pinger = p
		}
	}
}

// WithVersion sets the build info reported by HealthCheck.
func WithVersion(v version.Info) HandlerOption {
	return func(hs *Handlers) { hs.version = v }
}

// WithLogger sets the request and rejection logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(hs *Handlers) { hs.logger = l }
}

// NewHandlers creates handlers backed by registry. A nil registry means rate
// limiting is disabled.
func NewHandlers(registry *ratelimit.Registry, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		registry:  registry,
		checkers:  make(map[ratelimit.Capability]ratelimit.Checker),
		upstreams: make(map[ratelimit.Capability]http.Handler),
		version:   version.Info{Version: version.Version},
		started:   time.Now(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// checker returns the admission checker for capability, or nil when none exists.
func (h *Handlers) checker(capability ratelimit.Capability) ratelimit.Checker {
	if c, ok := h.checkers[capability]; ok {
		return c
	}
	if h.registry == nil {
		return nil
	}
	c, err := h.registry.Get(capability)
	if err != nil {
		return nil
	}
	return c
}

func (h *Handlers) upstream(capability ratelimit.Capability) http.Handler {
	if up, ok := h.upstreams[capability]; ok {
		return up
	}
	return proxy.Unavailable(string(capability))
}

// coachHandler wraps the capability's upstream in its admission middleware.
// With rate limiting enabled but no checker for the capability the route is
// closed rather than left unguarded.
func (h *Handlers) coachHandler(capability ratelimit.Capability, rateLimited bool) http.Handler {
	next := h.upstream(capability)
	if !rateLimited {
		return next
	}

	checker := h.checker(capability)
	if checker == nil {
		h.logger.Error("No rate limiter for capability, closing route", "capability", capability)
		return proxy.Unavailable(string(capability))
	}

	opts := []ratelimit.MiddlewareOption{ratelimit.WithMiddlewareLogger(h.logger)}
	if h.stats != nil {
		opts = append(opts, ratelimit.WithStats(h.stats))
	}
	return ratelimit.Middleware(checker, opts...)(next)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version.Version
	response.Uptime = time.Since(h.started).Round(time.Second).String()

	if h.registry == nil {
		response.AddComponent("rate_limiter", models.StatusDegraded, "Rate limiting is disabled")
		response.Status = models.StatusDegraded
	} else {
		var active int
		for _, st := range h.registry.Stats() {
			active += st.Active
		}
		response.AddComponent("rate_limiter", models.StatusHealthy,
			fmt.Sprintf("%d limiters operational", len(h.registry.Policies())))
		response.AddMetric("active_buckets", active)
	}

	configured := 0
	for _, p := range h.capabilities() {
		if _, ok := h.upstreams[p]; ok {
			configured++
		}
	}
	switch {
	case configured == 0:
		response.AddComponent("upstreams", models.StatusDegraded, "No upstream services configured")
		response.Status = models.StatusDegraded
	case configured < len(h.capabilities()):
		response.AddComponent("upstreams", models.StatusHealthy,
			fmt.Sprintf("%d of %d capabilities configured", configured, len(h.capabilities())))
	default:
		response.AddComponent("upstreams", models.StatusHealthy, "All capabilities configured")
	}

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			response.AddComponent("stats", models.StatusUnhealthy, err.Error())
			response.Status = models.StatusDegraded
		} else {
			response.AddComponent("stats", models.StatusHealthy, "Stats backend reachable")
		}
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// ListLimits reports each capability's quota and live bucket counts
// GET /api/v1/limits
func (h *Handlers) ListLimits(w http.ResponseWriter, r *http.Request) {
	response := models.LimitsResponse{
		Enabled:  h.registry != nil,
		Limiters: []models.LimitInfo{},
	}
	if h.registry == nil {
		h.writeJSONResponse(w, http.StatusOK, response)
		return
	}

	stats := h.registry.Stats()
	reader := h.reader

	for _, p := range h.registry.Policies() {
		_, upstream := h.upstreams[p.Capability]
		info := models.LimitInfo{
			Capability:      string(p.Capability),
			Capacity:        p.Capacity,
			WindowSeconds:   int64(p.Window / time.Second),
			UpstreamEnabled: upstream,
			ActiveBuckets:   stats[p.Capability].Active,
			EvictedBuckets:  stats[p.Capability].Evicted,
		}
		if reader != nil {
			totals, err := reader.Totals(r.Context(), string(p.Capability))
			if err != nil {
				h.logger.Debug("Failed to read rate limit stats", "capability", p.Capability, "error", err)
			} else {
				info.Decisions = &totals
			}
		}
		response.Limiters = append(response.Limiters, info)
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

func (h *Handlers) capabilities() []ratelimit.Capability {
	out := make([]ratelimit.Capability, 0, 4)
	for _, name := range models.KnownCapabilities() {
		out = append(out, ratelimit.Capability(name))
	}
	return out
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response carrying the request ID.
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode).WithRequestID(requestID(r))
	h.writeJSONResponse(w, statusCode, errorResp)
}
