// Package models - Service configuration.
// This file defines the configuration tree for the coach gateway: the HTTP
// server, per-capability rate limit policies, upstream targets, decision
// stats, logging, metrics and tracing.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"chorecoach/internal/ratelimit"
)

// Stats recorder types
const (
	StatsTypeMemory   = "memory"
	StatsTypeRedis    = "redis"
	StatsTypePostgres = "postgres"
	StatsTypeSQLite   = "sqlite"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`       // Admission control per capability
	Upstreams     UpstreamsConfig     `yaml:"upstreams" json:"upstreams"`         // AI service targets
	Stats         StatsConfig         `yaml:"stats" json:"stats"`                 // Decision counters
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Prometheus endpoint
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

// CORSConfig lets browser clients call the coach routes directly. Quota
// headers are always exposed so the client can pace itself.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

// RateLimitConfig controls the admission controllers guarding the coach routes.
//
// Limiters is keyed by capability name (session_token, text_generation,
// speech_synthesis, transcription). Entries replace the shipped defaults and
// must set both capacity and window.
type RateLimitConfig struct {
	Enabled           bool                     `yaml:"enabled" json:"enabled"`
	TrustProxyHeaders bool                     `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
	CleanupInterval   time.Duration            `yaml:"cleanup_interval" json:"cleanup_interval"`
	EvictionGrace     time.Duration            `yaml:"eviction_grace" json:"eviction_grace"`
	ScaleGrace        bool                     `yaml:"scale_grace" json:"scale_grace"`
	Limiters          map[string]LimiterConfig `yaml:"limiters" json:"limiters"`
}

type LimiterConfig struct {
	Capacity int           `yaml:"capacity" json:"capacity"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// UpstreamsConfig maps each capability to the URL requests are forwarded to
// once admitted. A capability without a target answers 503.
type UpstreamsConfig struct {
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	Targets map[string]string `yaml:"targets" json:"targets"`
}

// StatsConfig selects the decision counter backend. Events are queued in a
// buffer of BufferSize and written in the background, each write bounded by
// WriteTimeout; a full buffer drops events rather than slowing admission.
type StatsConfig struct {
	Enabled      bool           `yaml:"enabled" json:"enabled"`
	Type         string         `yaml:"type" json:"type"`
	BufferSize   int            `yaml:"buffer_size" json:"buffer_size"`
	WriteTimeout time.Duration  `yaml:"write_timeout" json:"write_timeout"`
	Redis        RedisConfig    `yaml:"redis" json:"redis"`
	Database     DatabaseConfig `yaml:"database" json:"database"`
}

// DatabaseConfig is used by the postgres and sqlite stats types. For sqlite the
// DSN is a file path.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	PoolSize int           `yaml:"pool_size" json:"pool_size"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
// Rate limiting is on with the shipped per-capability quotas; no upstream is
// configured, so coach routes answer 503 until targets are set.
func NewDefaultConfig() *Config {
	limiters := make(map[string]LimiterConfig)
	for _, p := range ratelimit.DefaultPolicies() {
		limiters[string(p.Capability)] = LimiterConfig{Capacity: p.Capacity, Window: p.Window}
	}

	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
				MaxAge:         86400,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			TrustProxyHeaders: true,
			CleanupInterval:   ratelimit.DefaultSweepInterval,
			EvictionGrace:     ratelimit.DefaultEvictionGrace,
			Limiters:          limiters,
		},
		Upstreams: UpstreamsConfig{
			Timeout: 45 * time.Second,
			Targets: make(map[string]string),
		},
		Stats: StatsConfig{
			Enabled:      false,
			Type:         StatsTypeMemory,
			BufferSize:   1024,
			WriteTimeout: 2 * time.Second,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "chorecoach:ratelimit",
				TTL:      24 * time.Hour,
			},
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "chorecoach",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Upstreams.Validate(); err != nil {
		return fmt.Errorf("invalid upstreams config: %w", err)
	}

	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("invalid stats config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	if sc.CORS.Enabled && len(sc.CORS.AllowedOrigins) == 0 {
		return errors.New("CORS requires at least one allowed origin")
	}
	if sc.CORS.MaxAge < 0 {
		return errors.New("CORS max age cannot be negative")
	}

	return nil
}

// KnownCapabilities lists the capability names the gateway serves.
func KnownCapabilities() []string {
	names := make([]string, 0, 4)
	for _, p := range ratelimit.DefaultPolicies() {
		names = append(names, string(p.Capability))
	}
	return names
}

func isKnownCapability(name string) bool {
	for _, known := range KnownCapabilities() {
		if name == known {
			return true
		}
	}
	return false
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}

	if rc.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}

	if rc.EvictionGrace < 0 {
		return errors.New("eviction grace cannot be negative")
	}

	for _, name := range KnownCapabilities() {
		if _, ok := rc.Limiters[name]; !ok {
			return fmt.Errorf("missing limiter for capability %s", name)
		}
	}

	for name, lc := range rc.Limiters {
		if !isKnownCapability(name) {
			return fmt.Errorf("unknown capability: %s", name)
		}
		if lc.Capacity <= 0 {
			return fmt.Errorf("limiter %s: capacity must be positive", name)
		}
		if lc.Window <= 0 {
			return fmt.Errorf("limiter %s: window must be positive", name)
		}
	}

	// Issuance opens a billed realtime session, so it must never be looser
	// than transcription. Rates are compared as capacity/window.
	issue, transcribe := rc.Limiters["session_token"], rc.Limiters["transcription"]
	if int64(issue.Capacity)*int64(transcribe.Window) > int64(transcribe.Capacity)*int64(issue.Window) {
		return fmt.Errorf("limiter session_token (%d per %s) must not be looser than transcription (%d per %s)",
			issue.Capacity, issue.Window, transcribe.Capacity, transcribe.Window)
	}

	return nil
}

// Policies converts the limiter table into registry policies, ordered from
// the tightest capacity to the loosest.
func (rc *RateLimitConfig) Policies() []ratelimit.Policy {
	policies := make([]ratelimit.Policy, 0, len(rc.Limiters))
	for name, lc := range rc.Limiters {
		policies = append(policies, ratelimit.Policy{
			Capability: ratelimit.Capability(name),
			Capacity:   lc.Capacity,
			Window:     lc.Window,
		})
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Capacity != policies[j].Capacity {
			return policies[i].Capacity < policies[j].Capacity
		}
		return policies[i].Capability < policies[j].Capability
	})
	return policies
}

func (uc *UpstreamsConfig) Validate() error {
	if uc.Timeout < 0 {
		return errors.New("upstream timeout cannot be negative")
	}

	for name, target := range uc.Targets {
		if !isKnownCapability(name) {
			return fmt.Errorf("unknown capability: %s", name)
		}
		if target == "" {
			continue
		}
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream %s: invalid URL %q", name, target)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream %s: unsupported scheme %s", name, u.Scheme)
		}
	}

	return nil
}

func (sc *StatsConfig) Validate() error {
	if !sc.Enabled {
		return nil
	}

	if sc.BufferSize <= 0 {
		return errors.New("stats buffer size must be positive")
	}
	if sc.WriteTimeout <= 0 {
		return errors.New("stats write timeout must be positive")
	}

	switch sc.Type {
	case StatsTypeMemory:
		return nil
	case StatsTypeRedis:
		if sc.Redis.Addr == "" {
			return errors.New("Redis address is required when stats type is redis")
		}
		if sc.Redis.TTL < 0 {
			return errors.New("Redis TTL cannot be negative")
		}
		return nil
	case StatsTypePostgres, StatsTypeSQLite:
		if sc.Database.DSN == "" {
			return fmt.Errorf("database DSN is required when stats type is %s", sc.Type)
		}
		if sc.Database.MaxOpenConns < 0 {
			return errors.New("max open connections cannot be negative")
		}
		return nil
	default:
		return fmt.Errorf("invalid stats type: %s", sc.Type)
	}
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty when tracing is enabled")
	}

	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required when exporter is otlp")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}
