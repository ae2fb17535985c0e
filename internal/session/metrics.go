package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// runMetrics records per-run outcomes. Registration failures are logged
// and the affected instrument stays nil; recording is nil-safe so a
// broken meter never blocks generation.
type runMetrics struct {
	processed  metric.Int64Counter
	failed     metric.Int64Counter
	runSeconds metric.Float64Histogram
}

func newRunMetrics(log *slog.Logger) *runMetrics {
	meter := otel.Meter("github.com/narratolabs/narrato-core/session")
	m := &runMetrics{}

	var err error
	m.processed, err = meter.Int64Counter("narrato.session.segments.processed",
		metric.WithDescription("Segments synthesized successfully"))
	if err != nil {
		log.Warn("metric registration failed", slog.String("error", err.Error()))
	}
	m.failed, err = meter.Int64Counter("narrato.session.segments.failed",
		metric.WithDescription("Segments that failed synthesis or persistence"))
	if err != nil {
		log.Warn("metric registration failed", slog.String("error", err.Error()))
	}
	m.runSeconds, err = meter.Float64Histogram("narrato.session.run.duration_seconds",
		metric.WithDescription("Wall-clock duration of chapter generation runs"))
	if err != nil {
		log.Warn("metric registration failed", slog.String("error", err.Error()))
	}
	return m
}

func (m *runMetrics) observeRun(ctx context.Context, processed, failed int, seconds float64) {
	if m.processed != nil {
		m.processed.Add(ctx, int64(processed))
	}
	if m.failed != nil {
		m.failed.Add(ctx, int64(failed))
	}
	if m.runSeconds != nil {
		m.runSeconds.Record(ctx, seconds)
	}
}
