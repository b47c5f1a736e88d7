package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/governor"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/dispatch"

type metrics struct {
	jobs     metric.Int64Counter
	chunks   metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(gov *governor.Governor) (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	jobs, err := meter.Int64Counter("narrator.jobs",
		metric.WithDescription("Finished narration jobs by final state"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("narrator.chunks.synthesized",
		metric.WithDescription("Chunks synthesized and spooled"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("narrator.job.duration",
		metric.WithDescription("Wall time of narration jobs"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("narrator.governor.in_flight",
		metric.WithDescription("Synthesis calls currently holding a global slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(gov.InFlight())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{jobs: jobs, chunks: chunks, duration: duration}, nil
}

func (m *metrics) finished(ctx context.Context, state State, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("state", string(state)))
	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}
