package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chorecoach/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithValidConfigFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
server:
  port: 8081
  host: "localhost"
  read_timeout: 10s
  write_timeout: 90s

rate_limit:
  enabled: true
  trust_proxy_headers: false
  cleanup_interval: 2m
  eviction_grace: 30s
  scale_grace: true
  limiters:
    text_generation:
      capacity: 15
      window: 2m

upstreams:
  timeout: 20s
  targets:
    text_generation: "http://llm.internal:9000/generate"

stats:
  enabled: true
  type: "redis"
  write_timeout: 500ms
  redis:
    addr: "redis:6379"
    db: 2
    prefix: "coach:rl"
    ttl: 1h

logging:
  level: "debug"
  format: "text"
  output: "stderr"

metrics:
  enabled: false

observability:
  service_name: "coach-gateway"
  tracing:
    enabled: true
    exporter: "stdout"
    sample_rate: 0.25
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	config, err := Load(configFile)
	require.NoError(t, err)

	// Verify server config
	assert.Equal(t, 8081, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, 10*time.Second, config.Server.ReadTimeout)
	assert.Equal(t, 90*time.Second, config.Server.WriteTimeout)

	// Verify rate limit config; limiters not named in the file keep their defaults
	assert.False(t, config.RateLimit.TrustProxyHeaders)
	assert.Equal(t, 2*time.Minute, config.RateLimit.CleanupInterval)
	assert.Equal(t, 30*time.Second, config.RateLimit.EvictionGrace)
	assert.True(t, config.RateLimit.ScaleGrace)
	assert.Equal(t, models.LimiterConfig{Capacity: 15, Window: 2 * time.Minute}, config.RateLimit.Limiters["text_generation"])
	assert.Equal(t, models.LimiterConfig{Capacity: 5, Window: time.Minute}, config.RateLimit.Limiters["session_token"])
	assert.Len(t, config.RateLimit.Limiters, 4)

	// Verify upstreams
	assert.Equal(t, 20*time.Second, config.Upstreams.Timeout)
	assert.Equal(t, "http://llm.internal:9000/generate", config.Upstreams.Targets["text_generation"])

	// Verify stats
	assert.True(t, config.Stats.Enabled)
	assert.Equal(t, models.StatsTypeRedis, config.Stats.Type)
	assert.Equal(t, "redis:6379", config.Stats.Redis.Addr)
	assert.Equal(t, 2, config.Stats.Redis.DB)
	assert.Equal(t, "coach:rl", config.Stats.Redis.Prefix)
	assert.Equal(t, time.Hour, config.Stats.Redis.TTL)
	assert.Equal(t, 500*time.Millisecond, config.Stats.WriteTimeout)
	assert.Equal(t, 1024, config.Stats.BufferSize)

	// Verify logging, metrics and tracing
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.Equal(t, "stderr", config.Logging.Output)
	assert.False(t, config.Metrics.Enabled)
	assert.Equal(t, "coach-gateway", config.Observability.ServiceName)
	assert.True(t, config.Observability.Tracing.Enabled)
	assert.Equal(t, 0.25, config.Observability.Tracing.SampleRate)
}

func TestLoad_NoConfigFile(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, models.NewDefaultConfig(), config)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server: [unclosed"), 0644))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestLoad_InvalidLimiter(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "limits.yaml")
	configContent := `
rate_limit:
  limiters:
    session_token:
      capacity: 0
      window: 1m
`
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0644))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "session_token")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CHORECOACH_PORT", "9999")
	t.Setenv("CHORECOACH_HOST", "127.0.0.1")
	t.Setenv("CHORECOACH_READ_TIMEOUT", "5s")
	t.Setenv("CHORECOACH_TRUST_PROXY_HEADERS", "false")
	t.Setenv("CHORECOACH_RATE_LIMIT_CLEANUP_INTERVAL", "1m")
	t.Setenv("CHORECOACH_RATE_LIMIT_SCALE_GRACE", "TRUE")
	t.Setenv("CHORECOACH_LIMIT_SESSION_TOKEN_CAPACITY", "3")
	t.Setenv("CHORECOACH_LIMIT_TRANSCRIPTION_WINDOW", "30s")
	t.Setenv("CHORECOACH_UPSTREAM_TRANSCRIPTION", "https://stt.internal/v1")
	t.Setenv("CHORECOACH_UPSTREAM_TIMEOUT", "15s")
	t.Setenv("CHORECOACH_STATS_ENABLED", "true")
	t.Setenv("CHORECOACH_REDIS_ADDR", "cache:6379")
	t.Setenv("CHORECOACH_STATS_DATABASE_DSN", "postgres://coach@db/stats")
	t.Setenv("CHORECOACH_LOG_LEVEL", "warn")
	t.Setenv("CHORECOACH_METRICS_PORT", "9191")
	t.Setenv("CHORECOACH_TRACING_SAMPLE_RATE", "0.5")
	t.Setenv("CHORECOACH_CORS_ENABLED", "true")
	t.Setenv("CHORECOACH_CORS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 5*time.Second, config.Server.ReadTimeout)
	assert.False(t, config.RateLimit.TrustProxyHeaders)
	assert.Equal(t, time.Minute, config.RateLimit.CleanupInterval)
	assert.True(t, config.RateLimit.ScaleGrace)
	assert.Equal(t, models.LimiterConfig{Capacity: 3, Window: time.Minute}, config.RateLimit.Limiters["session_token"])
	assert.Equal(t, models.LimiterConfig{Capacity: 30, Window: 30 * time.Second}, config.RateLimit.Limiters["transcription"])
	assert.Equal(t, "https://stt.internal/v1", config.Upstreams.Targets["transcription"])
	assert.Equal(t, 15*time.Second, config.Upstreams.Timeout)
	assert.True(t, config.Stats.Enabled)
	assert.Equal(t, "cache:6379", config.Stats.Redis.Addr)
	assert.Equal(t, "postgres://coach@db/stats", config.Stats.Database.DSN)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.Equal(t, 9191, config.Metrics.Port)
	assert.Equal(t, 0.5, config.Observability.Tracing.SampleRate)
	assert.True(t, config.Server.CORS.Enabled)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, config.Server.CORS.AllowedOrigins)
}

func TestLoad_EnvironmentInvalidValuesIgnored(t *testing.T) {
	t.Setenv("CHORECOACH_PORT", "not-a-number")
	t.Setenv("CHORECOACH_LIMIT_TEXT_GENERATION_WINDOW", "soon")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, time.Minute, config.RateLimit.Limiters["text_generation"].Window)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 7000\n"), 0644))
	t.Setenv("CHORECOACH_PORT", "7001")

	config, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, 7001, config.Server.Port)
}

func TestSaveExample(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "nested", "example.yaml")

	require.NoError(t, SaveExample(filePath))

	config, err := Load(filePath)
	require.NoError(t, err)
	assert.Len(t, config.Upstreams.Targets, 4)
	assert.Equal(t, models.NewDefaultConfig().RateLimit.Limiters, config.RateLimit.Limiters)
}
