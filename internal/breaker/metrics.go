package breaker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type breakerMetrics struct {
	engaged  metric.Int64Counter
	rejected metric.Int64Counter
	open     metric.Int64ObservableGauge
}

func newBreakerMetrics(logger pslog.Logger, ledger *Ledger) *breakerMetrics {
	meter := otel.Meter("pkt.systems/sqlgate/breaker")
	m := &breakerMetrics{}
	var err error

	m.engaged, err = meter.Int64Counter(
		"sqlgate.breaker.engaged",
		metric.WithDescription("Breakers opened after reaching the failure threshold"),
	)
	logMetricInitError(logger, "sqlgate.breaker.engaged", err)

	m.rejected, err = meter.Int64Counter(
		"sqlgate.breaker.rejected",
		metric.WithDescription("Operations failed fast by an open breaker"),
	)
	logMetricInitError(logger, "sqlgate.breaker.rejected", err)

	m.open, err = meter.Int64ObservableGauge(
		"sqlgate.breaker.open",
		metric.WithDescription("Fingerprints whose breaker is currently open"),
	)
	logMetricInitError(logger, "sqlgate.breaker.open", err)

	if m.open != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if ledger == nil {
				return nil
			}
			snap := ledger.Snapshot()
			o.ObserveInt64(m.open, int64(snap.Open), metric.WithAttributes(datasourceAttr(ledger.cfg.Datasource)))
			return nil
		}, m.open); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "sqlgate.breaker.open", "error", err)
		}
	}
	return m
}

func (m *breakerMetrics) recordEngaged(ctx context.Context, datasource string) {
	if m == nil || m.engaged == nil {
		return
	}
	m.engaged.Add(ctx, 1, metric.WithAttributes(datasourceAttr(datasource)))
}

func (m *breakerMetrics) recordRejected(ctx context.Context, datasource string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(datasourceAttr(datasource)))
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
