package builder

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments for build/push operations.
type Metrics struct {
	buildDuration metric.Float64Histogram
	pushDuration  metric.Float64Histogram
	cacheHits     metric.Int64Counter
}

// NewMetrics creates and registers the builder's metrics instruments against
// meter (typically otel.Provider.MeterFor("builder")).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"ocibuild_build_duration_seconds",
		metric.WithDescription("Time to build an image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pushDuration, err := meter.Float64Histogram(
		"ocibuild_push_duration_seconds",
		metric.WithDescription("Time to push an image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"ocibuild_layer_cache_lookups_total",
		metric.WithDescription("Layer cache lookups, by hit or miss"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		pushDuration:  pushDuration,
		cacheHits:     cacheHits,
	}, nil
}

func (m *Metrics) recordBuild(ctx context.Context, start time.Time, status string) {
	if m == nil {
		return
	}
	m.buildDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) recordPush(ctx context.Context, start time.Time, status string) {
	if m == nil {
		return
	}
	m.pushDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) recordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	status := "miss"
	if hit {
		status = "hit"
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
