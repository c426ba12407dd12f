package xalimit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type limiterMetrics struct {
	datasource string
	acquired   metric.Int64Counter
	rejected   metric.Int64Counter
	active     metric.Int64ObservableGauge
}

func newLimiterMetrics(logger pslog.Logger, limiter *Limiter) *limiterMetrics {
	meter := otel.Meter("pkt.systems/sqlgate/xalimit")
	m := &limiterMetrics{datasource: limiter.cfg.Datasource}
	var err error

	m.acquired, err = meter.Int64Counter(
		"sqlgate.xa.acquired",
		metric.WithDescription("Transaction branch permits granted"),
	)
	logMetricInitError(logger, "sqlgate.xa.acquired", err)

	m.rejected, err = meter.Int64Counter(
		"sqlgate.xa.rejected",
		metric.WithDescription("Transaction branch permits refused"),
	)
	logMetricInitError(logger, "sqlgate.xa.rejected", err)

	m.active, err = meter.Int64ObservableGauge(
		"sqlgate.xa.active",
		metric.WithDescription("Currently open transaction branches"),
	)
	logMetricInitError(logger, "sqlgate.xa.active", err)

	if m.active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.active, int64(limiter.Active()), metric.WithAttributes(m.attrs()...))
			return nil
		}, m.active); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "sqlgate.xa.active", "error", err)
		}
	}
	return m
}

func (m *limiterMetrics) attrs() []attribute.KeyValue {
	name := m.datasource
	if name == "" {
		name = "unknown"
	}
	return []attribute.KeyValue{attribute.String("sqlgate.datasource", name)}
}

func (m *limiterMetrics) recordAcquired(ctx context.Context) {
	if m == nil || m.acquired == nil {
		return
	}
	m.acquired.Add(metricContext(ctx), 1, metric.WithAttributes(m.attrs()...))
}

func (m *limiterMetrics) recordRejected(ctx context.Context, interrupted bool) {
	if m == nil || m.rejected == nil {
		return
	}
	attrs := append(m.attrs(), attribute.Bool("sqlgate.interrupted", interrupted))
	m.rejected.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
