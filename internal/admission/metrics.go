package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	datasource string
	executions metric.Int64Counter
	duration   metric.Int64Histogram
}

func newCoordinatorMetrics(logger pslog.Logger, datasource string) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/sqlgate/admission")
	if datasource == "" {
		datasource = "unknown"
	}
	m := &coordinatorMetrics{datasource: datasource}
	var err error

	m.executions, err = meter.Int64Counter(
		"sqlgate.execute.total",
		metric.WithDescription("Operations passed through admission control by outcome"),
	)
	logMetricInitError(logger, "sqlgate.execute.total", err)

	m.duration, err = meter.Int64Histogram(
		"sqlgate.execute.duration_ms",
		metric.WithDescription("Backend execution time of admitted operations"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "sqlgate.execute.duration_ms", err)

	return m
}

func (m *coordinatorMetrics) record(ctx context.Context, d Decision) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("sqlgate.datasource", m.datasource),
		attribute.String("sqlgate.outcome", string(d.Outcome)),
		attribute.String("sqlgate.lane", d.Lane.String()),
		attribute.Bool("sqlgate.borrowed", d.Borrowed),
	}
	if m.executions != nil {
		m.executions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil && (d.Outcome == OutcomeSuccess || d.Outcome == OutcomeBackendError) {
		m.duration.Record(ctx, d.Duration.Milliseconds(), metric.WithAttributes(attrs[:3]...))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
