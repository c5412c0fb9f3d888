// Package proxy forwards admitted coach requests to the AI service configured
// for their capability.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"chorecoach/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the gateway's request identifier to upstreams and
// back to clients.
const RequestIDHeader = "X-Request-ID"

// ErrNoTarget is returned by New when the target URL is empty.
var ErrNoTarget = errors.New("no upstream target configured")

// Upstream forwards requests to a single target URL. The incoming path is
// replaced by the target's path; the query string is preserved.
type Upstream struct {
	name    string
	target  *url.URL
	timeout time.Duration
	proxy   *httputil.ReverseProxy
	logger  *slog.Logger
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithTransport replaces the default transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(u *Upstream) { u.proxy.Transport = rt }
}

// WithLogger sets the logger for upstream failures.
func WithLogger(l *slog.Logger) Option {
	return func(u *Upstream) { u.logger = l }
}

// New builds an Upstream for the capability name. A non-positive timeout
// disables the per-request deadline.
func New(name, target string, timeout time.Duration, opts ...Option) (*Upstream, error) {
	if target == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNoTarget)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL for %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL for %s must be http or https, got %q", name, u.Scheme)
	}

	up := &Upstream{
		name:    name,
		target:  u,
		timeout: timeout,
		logger:  slog.Default(),
	}
	up.proxy = &httputil.ReverseProxy{
		Rewrite:      up.rewrite,
		ErrorHandler: up.handleError,
	}
	for _, opt := range opts {
		opt(up)
	}
	return up, nil
}

// Name returns the capability this upstream serves.
func (u *Upstream) Name() string { return u.name }

// Target returns the upstream URL.
func (u *Upstream) Target() string { return u.target.String() }

func (u *Upstream) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Scheme = u.target.Scheme
	pr.Out.URL.Host = u.target.Host
	pr.Out.URL.Path = u.target.Path
	pr.Out.URL.RawPath = u.target.RawPath
	if u.target.RawQuery != "" {
		if pr.Out.URL.RawQuery == "" {
			pr.Out.URL.RawQuery = u.target.RawQuery
		} else {
			pr.Out.URL.RawQuery = u.target.RawQuery + "&" + pr.Out.URL.RawQuery
		}
	}
	pr.Out.Host = u.target.Host
	pr.SetXForwarded()
	if id := pr.In.Header.Get(RequestIDHeader); id != "" {
		pr.Out.Header.Set(RequestIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
}

// ServeHTTP forwards r, bounding the whole exchange by the configured timeout.
func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), u.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	u.proxy.ServeHTTP(w, r)
}

func (u *Upstream) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := http.StatusBadGateway, models.ErrorCodeBadGateway, "Upstream service unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		status, code, message = http.StatusGatewayTimeout, models.ErrorCodeGatewayTimeout, "Upstream service timed out"
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody is left to read a response.
		u.logger.Debug("Client canceled upstream request", "capability", u.name)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.RecordError(err, trace.WithAttributes(attribute.String("upstream.capability", u.name)))
	span.SetStatus(codes.Error, message)

	u.logger.Warn("Upstream request failed",
		"capability", u.name,
		"status", status,
		"error", err,
	)
	writeError(w, status, models.NewErrorResponse(message, code).WithRequestID(r.Header.Get(RequestIDHeader)))
}

// Unavailable answers every request with 503 for a capability that has no
// upstream configured.
func Unavailable(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := models.NewErrorResponse(
			fmt.Sprintf("The %s service is not configured", name),
			models.ErrorCodeServiceUnavailable,
		).WithRequestID(r.Header.Get(RequestIDHeader))
		writeError(w, http.StatusServiceUnavailable, resp)
	})
}

func writeError(w http.ResponseWriter, status int, resp *models.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
