// Package observability provides the OpenTelemetry instruments for the
// command runtime. Export wiring is the host's concern; tests use an
// sdk manual reader.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "credstate.core"

// Metrics holds the runtime's instruments.
type Metrics struct {
	commandsApplied  metric.Int64Counter
	commandsRejected metric.Int64Counter
	itemsExpired     metric.Int64Counter
	oraclePublished  metric.Int64Counter
	bridgeIngested   metric.Int64Counter
	sweepDuration    metric.Float64Histogram
}

// NewMetrics builds the instrument set on the given provider; a nil
// provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.commandsApplied, err = meter.Int64Counter("credstate.commands.applied",
		metric.WithDescription("Commands committed to state")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.commandsRejected, err = meter.Int64Counter("credstate.commands.rejected",
		metric.WithDescription("Commands rejected before any mutation")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.itemsExpired, err = meter.Int64Counter("credstate.items.expired",
		metric.WithDescription("Verification items expired by the tick sweep")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.oraclePublished, err = meter.Int64Counter("credstate.oracle.published",
		metric.WithDescription("External data points accepted")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.bridgeIngested, err = meter.Int64Counter("credstate.bridge.ingested",
		metric.WithDescription("Cross-ledger records ingested")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.sweepDuration, err = meter.Float64Histogram("credstate.sweep.duration",
		metric.WithDescription("Tick sweep duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return m, nil
}

// CommandApplied records a committed command.
func (m *Metrics) CommandApplied(ctx context.Context, op string) {
	m.commandsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// CommandRejected records a rejected command with its error class.
func (m *Metrics) CommandRejected(ctx context.Context, op, class string) {
	m.commandsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("class", class),
	))
}

// ItemsExpired records sweep expirations for one item kind.
func (m *Metrics) ItemsExpired(ctx context.Context, kind string, n int64) {
	if n == 0 {
		return
	}
	m.itemsExpired.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// OraclePublished records an accepted external data point.
func (m *Metrics) OraclePublished(ctx context.Context, dataType string) {
	m.oraclePublished.Add(ctx, 1, metric.WithAttributes(attribute.String("data_type", dataType)))
}

// BridgeIngested records an accepted cross-ledger record.
func (m *Metrics) BridgeIngested(ctx context.Context, kind, origin string) {
	m.bridgeIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("origin", origin),
	))
}

// SweepObserved records one tick sweep's duration in milliseconds.
func (m *Metrics) SweepObserved(ctx context.Context, millis float64) {
	m.sweepDuration.Record(ctx, millis)
}
