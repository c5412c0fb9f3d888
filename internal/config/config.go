package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chorecoach/internal/models"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "CHORECOACH_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	loadFromEnvironment(config)

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)
	envBool("CORS_ENABLED", &config.Server.CORS.Enabled)
	if origins := os.Getenv(EnvPrefix + "CORS_ALLOWED_ORIGINS"); origins != "" {
		config.Server.CORS.AllowedOrigins = splitList(origins)
	}

	// Rate limit configuration
	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envBool("TRUST_PROXY_HEADERS", &config.RateLimit.TrustProxyHeaders)
	envDuration("RATE_LIMIT_CLEANUP_INTERVAL", &config.RateLimit.CleanupInterval)
	envDuration("RATE_LIMIT_EVICTION_GRACE", &config.RateLimit.EvictionGrace)
	envBool("RATE_LIMIT_SCALE_GRACE", &config.RateLimit.ScaleGrace)

	if config.RateLimit.Limiters == nil {
		config.RateLimit.Limiters = make(map[string]models.LimiterConfig)
	}
	if config.Upstreams.Targets == nil {
		config.Upstreams.Targets = make(map[string]string)
	}

	// Per-capability quotas and upstreams, e.g. CHORECOACH_LIMIT_TEXT_GENERATION_CAPACITY
	for _, name := range models.KnownCapabilities() {
		suffix := strings.ToUpper(name)

		lc, exists := config.RateLimit.Limiters[name]
		changed := envInt("LIMIT_"+suffix+"_CAPACITY", &lc.Capacity)
		changed = envDuration("LIMIT_"+suffix+"_WINDOW", &lc.Window) || changed
		if exists || changed {
			config.RateLimit.Limiters[name] = lc
		}

		target := config.Upstreams.Targets[name]
		if envString("UPSTREAM_"+suffix, &target) {
			config.Upstreams.Targets[name] = target
		}
	}
	envDuration("UPSTREAM_TIMEOUT", &config.Upstreams.Timeout)

	// Stats configuration
	envBool("STATS_ENABLED", &config.Stats.Enabled)
	envString("STATS_TYPE", &config.Stats.Type)
	envInt("STATS_BUFFER_SIZE", &config.Stats.BufferSize)
	envDuration("STATS_WRITE_TIMEOUT", &config.Stats.WriteTimeout)
	envString("REDIS_ADDR", &config.Stats.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Stats.Redis.Password)
	envInt("REDIS_DB", &config.Stats.Redis.DB)
	envInt("REDIS_POOL_SIZE", &config.Stats.Redis.PoolSize)
	envString("REDIS_PREFIX", &config.Stats.Redis.Prefix)
	envDuration("REDIS_TTL", &config.Stats.Redis.TTL)
	envString("STATS_DATABASE_DSN", &config.Stats.Database.DSN)
	envInt("STATS_DATABASE_MAX_OPEN_CONNS", &config.Stats.Database.MaxOpenConns)

	// Logging configuration
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)

	// Tracing configuration
	envString("SERVICE_NAME", &config.Observability.ServiceName)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	if rate := os.Getenv(EnvPrefix + "TRACING_SAMPLE_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			config.Observability.Tracing.SampleRate = r
		}
	}
}

// envString sets *dst from the prefixed variable when it is non-empty.
func envString(name string, dst *string) bool {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
		return true
	}
	return false
}

// envInt sets *dst when the variable parses as an integer. Bad values are
// logged and ignored so Validate reports the effective configuration.
func envInt(name string, dst *int) bool {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer environment variable", "name", EnvPrefix+name, "value", v)
		return false
	}
	*dst = n
	return true
}

func envDuration(name string, dst *time.Duration) bool {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring invalid duration environment variable", "name", EnvPrefix+name, "value", v)
		return false
	}
	*dst = d
	return true
}

func envBool(name string, dst *bool) bool {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return false
	}
	*dst = strings.ToLower(v) == "true"
	return true
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Example upstream targets
	config.Upstreams.Targets = map[string]string{
		"session_token":    "https://voice.example.internal/v1/sessions",
		"text_generation":  "https://llm.example.internal/v1/chat",
		"speech_synthesis": "https://voice.example.internal/v1/speech",
		"transcription":    "https://voice.example.internal/v1/transcriptions",
	}

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// splitList parses a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
