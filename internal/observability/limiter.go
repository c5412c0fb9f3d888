package observability

import (
	"context"
	"time"

	"chorecoach/internal/ratelimit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "chorecoach/ratelimit"

// InstrumentedChecker wraps a ratelimit.Checker and records one decision
// counter increment and one latency sample per check.
type InstrumentedChecker struct {
	inner     ratelimit.Checker
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
	attrs     attribute.KeyValue
}

// InstrumentOption configures the meter used by the instruments in this file.
type InstrumentOption func(*instrumentOptions)

type instrumentOptions struct {
	provider metric.MeterProvider
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) InstrumentOption {
	return func(o *instrumentOptions) { o.provider = mp }
}

func meterFor(opts []InstrumentOption) metric.Meter {
	o := instrumentOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	return o.provider.Meter(instrumentationName)
}

// NewInstrumentedChecker creates a Checker that reports to the
// ratelimit.decisions counter and the ratelimit.check.duration histogram.
func NewInstrumentedChecker(inner ratelimit.Checker, opts ...InstrumentOption) (*InstrumentedChecker, error) {
	meter := meterFor(opts)

	decisions, err := meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by capability and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"ratelimit.check.duration",
		metric.WithDescription("Time spent deciding whether to admit a request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedChecker{
		inner:     inner,
		decisions: decisions,
		duration:  duration,
		attrs:     attribute.String("capability", inner.Name()),
	}, nil
}

// Name returns the wrapped checker's name.
func (c *InstrumentedChecker) Name() string { return c.inner.Name() }

// CheckLimit delegates to the wrapped checker and records the outcome.
func (c *InstrumentedChecker) CheckLimit(meta ratelimit.RequestMeta, now time.Time) ratelimit.Result {
	start := time.Now()
	result := c.inner.CheckLimit(meta, now)
	elapsed := time.Since(start).Seconds()

	outcome := "admitted"
	if !result.Admitted {
		outcome = "rejected"
	}

	ctx := context.Background()
	c.duration.Record(ctx, elapsed, metric.WithAttributes(c.attrs))
	c.decisions.Add(ctx, 1, metric.WithAttributes(c.attrs, attribute.String("outcome", outcome)))
	return result
}

// StatsSource reports per-capability bucket occupancy.
type StatsSource interface {
	Stats() map[ratelimit.Capability]ratelimit.StoreStats
}

// RegisterBucketGauges exports the active bucket count of every limiter in
// src as the ratelimit.buckets.active gauge, and evictions as a cumulative
// counter. The returned registration should be unregistered on shutdown.
func RegisterBucketGauges(src StatsSource, opts ...InstrumentOption) (metric.Registration, error) {
	meter := meterFor(opts)

	active, err := meter.Int64ObservableGauge(
		"ratelimit.buckets.active",
		metric.WithDescription("Client buckets currently held in memory"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64ObservableCounter(
		"ratelimit.buckets.evicted",
		metric.WithDescription("Client buckets removed by the sweeper"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for capability, st := range src.Stats() {
			attrs := metric.WithAttributes(attribute.String("capability", string(capability)))
			o.ObserveInt64(active, int64(st.Active), attrs)
			o.ObserveInt64(evicted, st.Evicted, attrs)
		}
		return nil
	}, active, evicted)
}
