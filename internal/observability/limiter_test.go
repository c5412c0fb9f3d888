package observability

import (
	"context"
	"testing"
	"time"

	"chorecoach/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newManualProvider(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })
	return mp, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func attrString(set attribute.Set, key string) string {
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return v.AsString()
}

func newController(t *testing.T, name string, capacity int) *ratelimit.Controller {
	t.Helper()
	c, err := ratelimit.NewController(ratelimit.Config{Name: name, Capacity: capacity, Window: time.Minute})
	require.NoError(t, err)
	return c
}

func TestInstrumentedChecker_RecordsDecisions(t *testing.T) {
	mp, reader := newManualProvider(t)
	inner := newController(t, "session_token", 2)

	checker, err := NewInstrumentedChecker(inner, WithMeterProvider(mp))
	require.NoError(t, err)
	assert.Equal(t, "session_token", checker.Name())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	meta := ratelimit.RequestMeta{ForwardedFor: "203.0.113.7"}
	for i := 0; i < 3; i++ {
		checker.CheckLimit(meta, now)
	}

	data := collect(t, reader)

	sum, ok := data["ratelimit.decisions"].(metricdata.Sum[int64])
	require.True(t, ok, "decisions should be an int64 sum")
	assert.True(t, sum.IsMonotonic)

	byOutcome := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		assert.Equal(t, "session_token", attrString(dp.Attributes, "capability"))
		byOutcome[attrString(dp.Attributes, "outcome")] = dp.Value
	}
	assert.Equal(t, map[string]int64{"admitted": 2, "rejected": 1}, byOutcome)

	hist, ok := data["ratelimit.check.duration"].(metricdata.Histogram[float64])
	require.True(t, ok, "duration should be a float64 histogram")
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(3), hist.DataPoints[0].Count)
}

func TestInstrumentedChecker_PassesResultThrough(t *testing.T) {
	mp, _ := newManualProvider(t)
	inner := newController(t, "transcription", 1)

	checker, err := NewInstrumentedChecker(inner, WithMeterProvider(mp))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	meta := ratelimit.RequestMeta{RealIP: "198.51.100.2"}

	first := checker.CheckLimit(meta, now)
	assert.True(t, first.Admitted)
	assert.Equal(t, "198.51.100.2", first.Key)
	assert.Equal(t, 0, first.Remaining)

	second := checker.CheckLimit(meta, now)
	assert.False(t, second.Admitted)
	assert.Equal(t, now.Add(time.Minute), second.ResetAt)
}

func TestRegisterBucketGauges(t *testing.T) {
	mp, reader := newManualProvider(t)

	registry, err := ratelimit.NewRegistry(ratelimit.DefaultPolicies())
	require.NoError(t, err)

	reg, err := RegisterBucketGauges(registry, WithMeterProvider(mp))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Unregister() })

	ctrl, err := registry.Get(ratelimit.CapabilityTextGeneration)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctrl.CheckLimit(ratelimit.RequestMeta{ForwardedFor: "10.0.0.1"}, now)
	ctrl.CheckLimit(ratelimit.RequestMeta{ForwardedFor: "10.0.0.2"}, now)

	data := collect(t, reader)

	gauge, ok := data["ratelimit.buckets.active"].(metricdata.Gauge[int64])
	require.True(t, ok, "active buckets should be an int64 gauge")

	active := make(map[string]int64)
	for _, dp := range gauge.DataPoints {
		active[attrString(dp.Attributes, "capability")] = dp.Value
	}
	assert.Len(t, active, 4)
	assert.Equal(t, int64(2), active[string(ratelimit.CapabilityTextGeneration)])
	assert.Equal(t, int64(0), active[string(ratelimit.CapabilitySessionToken)])

	_, ok = data["ratelimit.buckets.evicted"].(metricdata.Sum[int64])
	assert.True(t, ok, "evicted buckets should be an int64 sum")
}
