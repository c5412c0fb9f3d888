package api

import (
	"encoding/json"
	"net/http"

	"chorecoach/internal/models"
	"chorecoach/internal/ratelimit"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// coachRoute binds an AI-backed endpoint to the capability guarding it.
type coachRoute struct {
	path       string
	capability ratelimit.Capability
}

var coachRoutes = []coachRoute{
	{path: "/session-token", capability: ratelimit.CapabilitySessionToken},
	{path: "/coach/generate", capability: ratelimit.CapabilityTextGeneration},
	{path: "/coach/speech", capability: ratelimit.CapabilitySpeechSynthesis},
	{path: "/coach/transcribe", capability: ratelimit.CapabilityTranscription},
}

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/api/v1/health"
			}),
		))
	}
}

// SetupRoutes configures the HTTP routes for the gateway
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	// Outermost first: IDs exist before anything logs, and panics are caught
	// inside the logger so the 500 is recorded.
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(handlers.logger))
	router.Use(recoveryMiddleware(handlers.logger))

	for _, opt := range opts {
		opt(router)
	}

	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	api.HandleFunc("/limits", handlers.ListLimits).Methods("GET")

	for _, route := range coachRoutes {
		api.Handle(route.path, handlers.coachHandler(route.capability, config.RateLimit.Enabled)).Methods("POST")
		// Registered so CORS preflights match a route instead of 405.
		api.Handle(route.path, http.HandlerFunc(preflightHandler)).Methods("OPTIONS")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.writeErrorResponse(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Resource not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)

	return router
}

func preflightHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	errorResp := models.NewErrorResponse("Method not allowed", models.ErrorCodeInvalidRequest).WithRequestID(requestID(r))
	json.NewEncoder(w).Encode(errorResp)
}
