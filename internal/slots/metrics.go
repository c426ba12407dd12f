package slots

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	datasource string
	acquired   metric.Int64Counter
	rejected   metric.Int64Counter
	active     metric.Int64ObservableGauge
	borrowed   metric.Int64ObservableGauge
}

func newPoolMetrics(logger pslog.Logger, pool *Pool) *poolMetrics {
	meter := otel.Meter("pkt.systems/sqlgate/slots")
	m := &poolMetrics{datasource: pool.cfg.Datasource}
	var err error

	m.acquired, err = meter.Int64Counter(
		"sqlgate.slots.acquired",
		metric.WithDescription("Slots granted per lane"),
	)
	logMetricInitError(logger, "sqlgate.slots.acquired", err)

	m.rejected, err = meter.Int64Counter(
		"sqlgate.slots.rejected",
		metric.WithDescription("Slot requests that failed per lane and reason"),
	)
	logMetricInitError(logger, "sqlgate.slots.rejected", err)

	m.active, err = meter.Int64ObservableGauge(
		"sqlgate.slots.active",
		metric.WithDescription("Operations currently holding a slot per lane"),
	)
	logMetricInitError(logger, "sqlgate.slots.active", err)

	m.borrowed, err = meter.Int64ObservableGauge(
		"sqlgate.slots.borrowed",
		metric.WithDescription("Permits currently on loan between lanes"),
	)
	logMetricInitError(logger, "sqlgate.slots.borrowed", err)

	if m.active != nil && m.borrowed != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			snap := pool.Snapshot()
			if !snap.Enabled {
				return nil
			}
			ds := m.datasource
			o.ObserveInt64(m.active, int64(snap.Slow.Active), metric.WithAttributes(laneAttrs(ds, LaneSlow)...))
			o.ObserveInt64(m.active, int64(snap.Fast.Active), metric.WithAttributes(laneAttrs(ds, LaneFast)...))
			o.ObserveInt64(m.borrowed, int64(snap.SlowBorrowedToFast), metric.WithAttributes(laneAttrs(ds, LaneFast)...))
			o.ObserveInt64(m.borrowed, int64(snap.FastBorrowedToSlow), metric.WithAttributes(laneAttrs(ds, LaneSlow)...))
			return nil
		}, m.active, m.borrowed); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "sqlgate.slots", "error", err)
		}
	}
	return m
}

func (m *poolMetrics) recordAcquired(ctx context.Context, kind Lane, borrowed bool) {
	if m == nil || m.acquired == nil {
		return
	}
	attrs := append(laneAttrs(m.datasource, kind), attribute.Bool("sqlgate.borrowed", borrowed))
	m.acquired.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *poolMetrics) recordRejected(ctx context.Context, kind Lane, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	attrs := append(laneAttrs(m.datasource, kind), attribute.String("sqlgate.reason", reason))
	m.rejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func laneAttrs(datasource string, kind Lane) []attribute.KeyValue {
	if datasource == "" {
		datasource = "unknown"
	}
	return []attribute.KeyValue{
		attribute.String("sqlgate.datasource", datasource),
		attribute.String("sqlgate.lane", kind.String()),
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
