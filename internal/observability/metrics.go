// Package observability provides OpenTelemetry instrumentation for tracing
// and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics
// endpoint and a shutdown function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics holds the orchestrator's instruments. A nil *Metrics is valid and
// records nothing, so the scheduler never has to branch on observability
// being configured.
type Metrics struct {
	active    metric.Int64UpDownCounter
	started   metric.Int64Counter
	finished  metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
}

// NewMetrics registers the furnace instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("furnace")

	active, err := meter.Int64UpDownCounter("furnace.instances.active",
		metric.WithDescription("Number of currently active eval instances"))
	if err != nil {
		return nil, err
	}
	started, err := meter.Int64Counter("furnace.instances.started",
		metric.WithDescription("Total eval instances started"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("furnace.instances.finished",
		metric.WithDescription("Total eval instances finished"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("furnace.instances.failed",
		metric.WithDescription("Total eval instances that failed to provision"))
	if err != nil {
		return nil, err
	}
	cancelled, err := meter.Int64Counter("furnace.instances.cancelled",
		metric.WithDescription("Total eval instances force-stopped by cancellation"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		active:    active,
		started:   started,
		finished:  finished,
		failed:    failed,
		cancelled: cancelled,
	}, nil
}

func (m *Metrics) InstanceStarted(ctx context.Context, index int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("instance", index))
	m.started.Add(ctx, 1, attrs)
	m.active.Add(ctx, 1)
}

func (m *Metrics) InstanceFinished(ctx context.Context, index int) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.Int("instance", index)))
	m.active.Add(ctx, -1)
}

func (m *Metrics) InstanceFailed(ctx context.Context, index int) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.Int("instance", index)))
}

func (m *Metrics) InstanceCancelled(ctx context.Context, index int) {
	if m == nil {
		return
	}
	m.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.Int("instance", index)))
	m.active.Add(ctx, -1)
}
