package latency

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type latencyMetrics struct {
	samples metric.Float64Histogram
	overall metric.Float64ObservableGauge
}

func newLatencyMetrics(logger pslog.Logger, ledger *Ledger) *latencyMetrics {
	meter := otel.Meter("pkt.systems/sqlgate/latency")
	m := &latencyMetrics{}
	var err error

	m.samples, err = meter.Float64Histogram(
		"sqlgate.latency.execution",
		metric.WithDescription("Backend execution time per operation"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "sqlgate.latency.execution", err)

	m.overall, err = meter.Float64ObservableGauge(
		"sqlgate.latency.overall_average",
		metric.WithDescription("Mean of per-operation moving averages"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "sqlgate.latency.overall_average", err)

	if m.overall != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if ledger == nil {
				return nil
			}
			o.ObserveFloat64(m.overall, ledger.OverallAverage(), metric.WithAttributes(datasourceAttr(ledger.datasource)))
			return nil
		}, m.overall); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "sqlgate.latency.overall_average", "error", err)
		}
	}
	return m
}

func (m *latencyMetrics) recordSample(ms float64, datasource string) {
	if m == nil || m.samples == nil {
		return
	}
	m.samples.Record(context.Background(), ms, metric.WithAttributes(datasourceAttr(datasource)))
}

func datasourceAttr(name string) attribute.KeyValue {
	if name == "" {
		name = "unknown"
	}
	return attribute.String("sqlgate.datasource", name)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
