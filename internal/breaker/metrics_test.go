package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestBreakerMetricsRecordEngagedAndOpen(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	l, _ := newTestLedger(1, time.Minute)
	l.OnFailure("fp", errors.New("boom"))
	if err := l.PreCheck("fp"); err == nil {
		t.Fatalf("expected open breaker")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					got[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					got[m.Name] += dp.Value
				}
			}
		}
	}
	for _, name := range []string{"sqlgate.breaker.engaged", "sqlgate.breaker.rejected", "sqlgate.breaker.open"} {
		if got[name] != 1 {
			t.Fatalf("%s = %d, want 1 (all: %v)", name, got[name], got)
		}
	}
}
