package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupMetrics(t *testing.T) (*VMMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewVMMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// collect returns every data point sum or gauge value by metric name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					state, _ := dp.Attributes.Value("state")
					out[m.Name+"."+state.AsString()] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out
}

func TestVMMetricsRecord(t *testing.T) {
	m, reader := setupMetrics(t)
	ctx := context.Background()

	m.RecordFault(ctx, "resolved")
	m.RecordFault(ctx, "violation")
	m.RecordSwapOut(ctx, 8)
	m.RecordSwapIn(ctx)
	m.RecordSwapFailure(ctx, "out")
	m.RecordEviction(ctx, 5)
	m.RecordIO(ctx, "write", 3*time.Millisecond)
	m.ProcessStarted(ctx)
	m.ProcessStarted(ctx)
	m.ProcessExited(ctx)

	got := collect(t, reader)
	require.Equal(t, int64(2), got["rootd.vm.faults_total"])
	require.Equal(t, int64(8), got["rootd.vm.swap_out_pages_total"])
	require.Equal(t, int64(1), got["rootd.vm.swap_in_pages_total"])
	require.Equal(t, int64(1), got["rootd.vm.swap_failures_total"])
	require.Equal(t, int64(5), got["rootd.vm.eviction_candidates_total"])
	require.Equal(t, int64(1), got["rootd.vm.backing_store.duration"])
	require.Equal(t, int64(1), got["rootd.process.live"])
}

func TestVMMetricsGauges(t *testing.T) {
	m, reader := setupMetrics(t)
	require.NoError(t, m.RegisterGauges(
		func() (int64, int64) { return 3, 16 },
		func() (int64, int64) { return 1, 4 },
	))

	got := collect(t, reader)
	require.Equal(t, int64(3), got["rootd.vm.frames.used"])
	require.Equal(t, int64(16), got["rootd.vm.frames.total"])
	require.Equal(t, int64(1), got["rootd.vm.swap_slots.used"])
	require.Equal(t, int64(4), got["rootd.vm.swap_slots.total"])

	require.NoError(t, m.Unregister())
	got = collect(t, reader)
	require.NotContains(t, got, "rootd.vm.frames.used")
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *VMMetrics
	ctx := context.Background()
	require.NotPanics(t, func() {
		m.RecordFault(ctx, "oom")
		m.RecordSwapOut(ctx, 1)
		m.RecordIO(ctx, "read", time.Millisecond)
		m.ProcessExited(ctx)
	})
	require.NoError(t, m.RegisterGauges(nil, nil))
	require.NoError(t, m.Unregister())
}
