package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chorecoach/internal/models"
	"chorecoach/internal/ratelimit"
	"chorecoach/internal/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
)

func TestSetup_MetricsCarryServiceResource(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	obs := models.ObservabilityConfig{ServiceName: "chorecoach-test"}

	provider, err := Setup(metrics, obs, version.Info{Version: "1.4.2", InstanceID: "pod-7"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	assert.True(t, provider.MetricsEnabled())
	assert.Nil(t, provider.tracerProvider)

	// Instruments created without options bind to the provider Setup installed.
	inner, err := ratelimit.NewController(ratelimit.Config{Name: "transcription", Capacity: 2, Window: time.Minute})
	require.NoError(t, err)
	checker, err := NewInstrumentedChecker(inner)
	require.NoError(t, err)
	checker.CheckLimit(ratelimit.RequestMeta{ForwardedFor: "198.51.100.20"}, time.Now())

	families, err := provider.Gatherer().Gather()
	require.NoError(t, err)

	decisions := findFamily(families, "ratelimit_decisions")
	require.NotNil(t, decisions)
	require.Len(t, decisions.GetMetric(), 1)
	assert.Equal(t, "transcription", labelValue(decisions.GetMetric()[0], "capability"))
	assert.Equal(t, "admitted", labelValue(decisions.GetMetric()[0], "outcome"))

	target := findFamily(families, "target_info")
	require.NotNil(t, target, "resource attributes should be exported as target_info")
	require.NotEmpty(t, target.GetMetric())
	assert.Equal(t, "chorecoach-test", labelValue(target.GetMetric()[0], "service_name"))
	assert.Equal(t, "1.4.2", labelValue(target.GetMetric()[0], "service_version"))
	assert.Equal(t, "pod-7", labelValue(target.GetMetric()[0], "service_instance_id"))
}

func TestSetup_TracingInstallsPropagator(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: false}
	obs := models.ObservabilityConfig{
		ServiceName: "chorecoach-test",
		Tracing: models.TracingConfig{
			Enabled:    true,
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}

	provider, err := Setup(metrics, obs, version.Info{})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	assert.NotNil(t, provider.tracerProvider)
	assert.Nil(t, provider.Gatherer())

	member, err := baggage.NewMember("capability", "session_token")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	ctx := baggage.ContextWithBaggage(context.Background(), bag)
	ctx, span := otel.Tracer("test").Start(ctx, "coach.session_token")
	defer span.End()
	assert.True(t, span.SpanContext().IsSampled())

	// The upstream proxy relies on the global propagator to forward both.
	carrier := propagation.HeaderCarrier(http.Header{})
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
	assert.Equal(t, "capability=session_token", carrier.Get("baggage"))
}

func TestSetup_RepeatedSetupUsesPrivateRegistries(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	obs := models.ObservabilityConfig{ServiceName: "chorecoach-test"}

	first, err := Setup(metrics, obs, version.Info{})
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	second, err := Setup(metrics, obs, version.Info{})
	require.NoError(t, err, "a second Setup must not collide on collector registration")
	defer second.Shutdown(context.Background())

	inner, err := ratelimit.NewController(ratelimit.Config{Name: "text_generation", Capacity: 1, Window: time.Minute})
	require.NoError(t, err)
	checker, err := NewInstrumentedChecker(inner)
	require.NoError(t, err)
	checker.CheckLimit(ratelimit.RequestMeta{ForwardedFor: "192.0.2.1"}, time.Now())

	firstFamilies, err := first.Gatherer().Gather()
	require.NoError(t, err)
	secondFamilies, err := second.Gatherer().Gather()
	require.NoError(t, err)

	assert.Nil(t, findFamily(firstFamilies, "ratelimit_decisions"))
	assert.NotNil(t, findFamily(secondFamilies, "ratelimit_decisions"))
	assert.NotNil(t, findFamily(firstFamilies, "go_goroutines"))
	assert.NotNil(t, findFamily(secondFamilies, "go_goroutines"))
}

func TestSetup_DisabledServesNoMetrics(t *testing.T) {
	provider, err := Setup(models.MetricsConfig{Enabled: false}, models.ObservabilityConfig{}, version.Info{})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	assert.False(t, provider.MetricsEnabled())
	assert.Nil(t, provider.Gatherer())
	assert.Nil(t, provider.tracerProvider)

	ms := NewMetricsServer(0, "/metrics", provider)
	rec := httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetup_InvalidExporter(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: false}
	obs := models.ObservabilityConfig{
		ServiceName: "chorecoach-test",
		Tracing: models.TracingConfig{
			Enabled:    true,
			Exporter:   "invalid",
			SampleRate: 1.0,
		},
	}

	provider, err := Setup(metrics, obs, version.Info{})
	assert.Error(t, err)
	assert.Nil(t, provider)
	assert.Contains(t, err.Error(), "unsupported trace exporter")
}

func TestSetup_SamplerConfigurations(t *testing.T) {
	tests := []struct {
		name        string
		sampleRate  float64
		wantSampled bool
	}{
		{"always sample", 1.0, true},
		{"never sample", 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := models.MetricsConfig{Enabled: false}
			obs := models.ObservabilityConfig{
				ServiceName: "test",
				Tracing: models.TracingConfig{
					Enabled:    true,
					Exporter:   "stdout",
					SampleRate: tt.sampleRate,
				},
			}

			provider, err := Setup(metrics, obs, version.Info{})
			require.NoError(t, err)
			require.NotNil(t, provider)

			_, span := provider.tracerProvider.Tracer("test").Start(context.Background(), "coach.generate")
			assert.Equal(t, tt.wantSampled, span.SpanContext().IsSampled())
			span.End()

			err = provider.Shutdown(context.Background())
			assert.NoError(t, err)
		})
	}
}

func TestProvider_ShutdownNilProviders(t *testing.T) {
	p := &Provider{}
	err := p.Shutdown(context.Background())
	assert.NoError(t, err)
}

func TestProvider_MetricsEnabled(t *testing.T) {
	var nilProvider *Provider
	assert.False(t, nilProvider.MetricsEnabled())
	assert.False(t, (&Provider{}).MetricsEnabled())
}

func TestSamplerFor(t *testing.T) {
	assert.Contains(t, samplerFor(1.5).Description(), "AlwaysOn")
	assert.Contains(t, samplerFor(-1).Description(), "AlwaysOff")
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased")
}

func TestDeploymentEnvironment(t *testing.T) {
	t.Setenv("CHORECOACH_ENVIRONMENT", "")
	t.Setenv("ENVIRONMENT", "")
	assert.Equal(t, "development", deploymentEnvironment())

	t.Setenv("ENVIRONMENT", "staging")
	assert.Equal(t, "staging", deploymentEnvironment())

	t.Setenv("CHORECOACH_ENVIRONMENT", "production")
	assert.Equal(t, "production", deploymentEnvironment())
}
