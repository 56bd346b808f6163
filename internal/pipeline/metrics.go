package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the pipeline's OTel instruments. A nil *metrics is a
// valid no-op so tests can run without a meter provider.
type metrics struct {
	chunks      metric.Int64Counter
	chunkErrors metric.Int64Counter
	inference   metric.Float64Histogram
	firstAudio  metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/voxflow-labs/voxflow-core/internal/pipeline")
	m := &metrics{}

	var err error
	if m.chunks, err = meter.Int64Counter("voxflow.chunks.synthesized",
		metric.WithDescription("Chunks synthesized, by outcome")); err != nil {
		return nil
	}
	if m.chunkErrors, err = meter.Int64Counter("voxflow.chunks.failed",
		metric.WithDescription("Chunks whose inference call failed")); err != nil {
		return nil
	}
	if m.inference, err = meter.Float64Histogram("voxflow.inference.duration",
		metric.WithDescription("Per-chunk inference duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil
	}
	if m.firstAudio, err = meter.Float64Histogram("voxflow.request.time_to_first_audio",
		metric.WithDescription("Latency from submit to first emitted audio in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil
	}

	return m
}

// registerWorkerGauge exposes the pool's busy-slot count as an
// observable gauge.
func (m *metrics) registerWorkerGauge(pool *Pool) {
	if m == nil || pool == nil {
		return
	}
	meter := otel.Meter("github.com/voxflow-labs/voxflow-core/internal/pipeline")
	busy, err := meter.Int64ObservableGauge("voxflow.workers.busy",
		metric.WithDescription("Worker slots currently running inference"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(busy, int64(pool.BusyWorkers()))
		return nil
	}, busy)
}

func (m *metrics) observeInference(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.inference.Record(ctx, d.Seconds())
	m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
	if !ok {
		m.chunkErrors.Add(ctx, 1)
	}
}

func (m *metrics) observeFirstAudio(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.firstAudio.Record(ctx, d.Seconds())
}
