package usecase

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "witness"

type metrics struct {
	messages metric.Int64Counter
	receipts metric.Int64Counter
	failures metric.Int64Counter
}

// newMetrics registers counters on the global meter provider. Without a configured
// provider they are no-ops.
func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return &metrics{
		messages: counter("witness.messages.total", "Messages decoded from published streams", "{message}"),
		receipts: counter("witness.receipts.issued", "Receipts signed by this witness", "{receipt}"),
		failures: counter("witness.processing.errors", "Messages rejected during processing", "{error}"),
	}
}

func (m *metrics) message(ctx context.Context, kind string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) receipt(ctx context.Context) {
	m.receipts.Add(ctx, 1)
}

func (m *metrics) failure(ctx context.Context, kind string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
