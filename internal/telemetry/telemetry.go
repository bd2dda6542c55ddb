// Package telemetry wires the optional OpenTelemetry metrics pipeline.
// When disabled (the default) every instrument is a no-op and the
// execute path pays nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/sqlit/sqlit"

// Metrics holds the engine's instruments.
type Metrics struct {
	queries  metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram

	provider *sdkmetric.MeterProvider
}

// Init sets up the metrics pipeline. Disabled returns a no-op Metrics
// backed by the global (no-op) provider.
func Init(ctx context.Context, nodeID string, enabled bool) (*Metrics, error) {
	m := &Metrics{}

	if enabled {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName("sqlitd"),
				attribute.String("node.id", nodeID),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("building resource: %w", err)
		}
		m.provider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(time.Minute))),
		)
		otel.SetMeterProvider(m.provider)
	}

	meter := otel.Meter(scopeName)
	var err error
	if m.queries, err = meter.Int64Counter("sqlit.queries",
		metric.WithDescription("Statements executed")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("sqlit.query.errors",
		metric.WithDescription("Statements that failed")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("sqlit.query.duration",
		metric.WithDescription("Statement latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordQuery counts one statement and its latency.
func (m *Metrics) RecordQuery(ctx context.Context, databaseID string, readOnly bool, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("database", databaseID),
		attribute.Bool("read_only", readOnly),
	)
	m.queries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// Shutdown flushes the pipeline.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
