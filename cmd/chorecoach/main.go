package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chorecoach/internal/api"
	"chorecoach/internal/config"
	"chorecoach/internal/logger"
	"chorecoach/internal/models"
	"chorecoach/internal/observability"
	"chorecoach/internal/proxy"
	"chorecoach/internal/ratelimit"
	"chorecoach/internal/storage"
	"chorecoach/internal/version"

	"github.com/redis/go-redis/v9"
)

var (
	configFile   = flag.String("config", "", "Path to configuration file")
	writeExample = flag.String("write-example", "", "Write an example configuration to this path and exit")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *writeExample)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	handlerOpts := []api.HandlerOption{api.WithVersion(ver), api.WithLogger(log)}

	// Admission control
	registry, err := newRegistry(cfg.RateLimit, log)
	if err != nil {
		slog.Error("Failed to initialize rate limiters", "error", err)
		os.Exit(1)
	}
	if registry != nil {
		if err := registry.Start(context.Background()); err != nil {
			slog.Error("Failed to start rate limit sweeper", "error", err)
			os.Exit(1)
		}
		defer registry.Stop()

		if otelProvider.MetricsEnabled() {
			opts, err := instrumentCheckers(registry)
			if err != nil {
				slog.Error("Failed to instrument rate limiters", "error", err)
				os.Exit(1)
			}
			handlerOpts = append(handlerOpts, opts...)
		}
	}

	// Decision stats
	recorder, statsCloser, err := newStatsRecorder(cfg.Stats)
	if err != nil {
		slog.Error("Failed to initialize stats recorder", "error", err)
		os.Exit(1)
	}
	if statsCloser != nil {
		defer statsCloser.Close()
	}
	if recorder != nil {
		async := ratelimit.NewAsyncStatsRecorder(recorder,
			ratelimit.WithStatsBuffer(cfg.Stats.BufferSize),
			ratelimit.WithStatsWriteTimeout(cfg.Stats.WriteTimeout),
			ratelimit.WithStatsLogger(log),
		)
		if err := async.Start(context.Background()); err != nil {
			slog.Error("Failed to start stats writer", "error", err)
			os.Exit(1)
		}
		// Runs before statsCloser so buffered events reach the backend.
		defer async.Stop()
		handlerOpts = append(handlerOpts, api.WithStatsRecorder(async))
	}

	// Upstream AI services
	upstreamOpts, err := newUpstreams(cfg.Upstreams, log)
	if err != nil {
		slog.Error("Failed to initialize upstreams", "error", err)
		os.Exit(1)
	}
	handlerOpts = append(handlerOpts, upstreamOpts...)

	handlers := api.NewHandlers(registry, handlerOpts...)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled, "rate_limit", cfg.RateLimit.Enabled)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("Shutting down server", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("Server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// newRegistry builds the per-capability controllers. It returns nil when rate
// limiting is disabled.
func newRegistry(cfg models.RateLimitConfig, log *slog.Logger) (*ratelimit.Registry, error) {
	if !cfg.Enabled {
		slog.Warn("Rate limiting is disabled; coach routes are unguarded")
		return nil, nil
	}

	opts := []ratelimit.RegistryOption{
		ratelimit.WithLogger(log),
		ratelimit.WithScaledGrace(cfg.ScaleGrace),
	}
	if cfg.CleanupInterval > 0 {
		opts = append(opts, ratelimit.WithSweepInterval(cfg.CleanupInterval))
	}
	if cfg.EvictionGrace > 0 {
		opts = append(opts, ratelimit.WithEvictionGrace(cfg.EvictionGrace))
	}
	if !cfg.TrustProxyHeaders {
		opts = append(opts, ratelimit.WithKeyFunc(ratelimit.RemoteAddrKey))
	}

	return ratelimit.NewRegistry(cfg.Policies(), opts...)
}

// instrumentCheckers wraps every controller in the registry with decision
// metrics and exports bucket gauges.
func instrumentCheckers(registry *ratelimit.Registry) ([]api.HandlerOption, error) {
	if _, err := observability.RegisterBucketGauges(registry); err != nil {
		return nil, fmt.Errorf("register bucket gauges: %w", err)
	}

	var opts []api.HandlerOption
	for _, p := range registry.Policies() {
		ctrl, err := registry.Get(p.Capability)
		if err != nil {
			return nil, err
		}
		checker, err := observability.NewInstrumentedChecker(ctrl)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", p.Capability, err)
		}
		opts = append(opts, api.WithChecker(p.Capability, checker))
	}
	return opts, nil
}

// newStatsRecorder returns nil when stats are disabled. The Closer is set only
// for recorders owning a connection.
func newStatsRecorder(cfg models.StatsConfig) (ratelimit.StatsRecorder, io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Type {
	case models.StatsTypeMemory:
		return ratelimit.NewMemoryStatsRecorder(), nil, nil
	case models.StatsTypeRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Stats are best effort; keep serving and let health report it.
			slog.Warn("Redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
		rec := ratelimit.NewRedisStatsRecorder(rdb,
			ratelimit.WithStatsPrefix(cfg.Redis.Prefix),
			ratelimit.WithStatsTTL(cfg.Redis.TTL),
		)
		return rec, rdb, nil
	case models.StatsTypePostgres, models.StatsTypeSQLite:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := storage.Open(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s stats store: %w", cfg.Type, err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported stats type: %s", cfg.Type)
	}
}

// newUpstreams builds a reverse proxy for every configured capability.
func newUpstreams(cfg models.UpstreamsConfig, log *slog.Logger) ([]api.HandlerOption, error) {
	var opts []api.HandlerOption
	for _, name := range models.KnownCapabilities() {
		target, ok := cfg.Targets[name]
		if !ok || target == "" {
			slog.Warn("No upstream configured; route will answer 503", "capability", name)
			continue
		}
		up, err := proxy.New(name, target, cfg.Timeout, proxy.WithLogger(log))
		if err != nil {
			return nil, err
		}
		slog.Info("Upstream configured", "capability", name, "target", up.Target())
		opts = append(opts, api.WithUpstream(ratelimit.Capability(name), up))
	}
	return opts, nil
}
