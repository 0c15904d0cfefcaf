package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// VMMetrics holds all the metric instruments for the virtual memory
// subsystem. A nil *VMMetrics records nothing.
type VMMetrics struct {
	FaultsCounter     metric.Int64Counter
	SwapOutCounter    metric.Int64Counter
	SwapInCounter     metric.Int64Counter
	SwapFailCounter   metric.Int64Counter
	EvictionCounter   metric.Int64Counter
	IOLatency         metric.Float64Histogram
	ProcessesUpDown   metric.Int64UpDownCounter
	meter             metric.Meter
	gaugeRegistration metric.Registration
}

// NewVMMetrics creates and registers all the metrics for the VM subsystem.
func NewVMMetrics(meter metric.Meter) (*VMMetrics, error) {
	faults, err := meter.Int64Counter(
		"rootd.vm.faults_total",
		metric.WithDescription("Page faults handled, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	swapOuts, err := meter.Int64Counter(
		"rootd.vm.swap_out_pages_total",
		metric.WithDescription("Pages written to the backing store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	swapIns, err := meter.Int64Counter(
		"rootd.vm.swap_in_pages_total",
		metric.WithDescription("Pages read back from the backing store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	swapFails, err := meter.Int64Counter(
		"rootd.vm.swap_failures_total",
		metric.WithDescription("Swap operations that failed and were rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"rootd.vm.eviction_candidates_total",
		metric.WithDescription("Frames selected by the clock scan."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	ioLatency, err := meter.Float64Histogram(
		"rootd.vm.backing_store.duration",
		metric.WithDescription("Latency of backing store transfers."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	processes, err := meter.Int64UpDownCounter(
		"rootd.process.live",
		metric.WithDescription("Number of live (non-zombie) processes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &VMMetrics{
		FaultsCounter:   faults,
		SwapOutCounter:  swapOuts,
		SwapInCounter:   swapIns,
		SwapFailCounter: swapFails,
		EvictionCounter: evictions,
		IOLatency:       ioLatency,
		ProcessesUpDown: processes,
		meter:           meter,
	}, nil
}

// Usage reports used and total units for an observable gauge.
type Usage func() (used, total int64)

// RegisterGauges exposes frame and swap slot occupancy. The callbacks run on
// the metric reader's goroutine and must only read atomics.
func (m *VMMetrics) RegisterGauges(frames, slots Usage) error {
	if m == nil {
		return nil
	}
	framesUsed, err := m.meter.Int64ObservableGauge(
		"rootd.vm.frames",
		metric.WithDescription("Physical frames by state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	slotsUsed, err := m.meter.Int64ObservableGauge(
		"rootd.vm.swap_slots",
		metric.WithDescription("Swap slots by state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	used := metric.WithAttributes(attribute.String("state", "used"))
	total := metric.WithAttributes(attribute.String("state", "total"))
	m.gaugeRegistration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if frames != nil {
			u, t := frames()
			o.ObserveInt64(framesUsed, u, used)
			o.ObserveInt64(framesUsed, t, total)
		}
		if slots != nil {
			u, t := slots()
			o.ObserveInt64(slotsUsed, u, used)
			o.ObserveInt64(slotsUsed, t, total)
		}
		return nil
	}, framesUsed, slotsUsed)
	return err
}

// Unregister drops the gauge callback.
func (m *VMMetrics) Unregister() error {
	if m == nil || m.gaugeRegistration == nil {
		return nil
	}
	return m.gaugeRegistration.Unregister()
}

func (m *VMMetrics) RecordFault(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.FaultsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *VMMetrics) RecordSwapOut(ctx context.Context, pages int) {
	if m == nil {
		return
	}
	m.SwapOutCounter.Add(ctx, int64(pages))
}

func (m *VMMetrics) RecordSwapIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.SwapInCounter.Add(ctx, 1)
}

func (m *VMMetrics) RecordSwapFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.SwapFailCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *VMMetrics) RecordEviction(ctx context.Context, frames int) {
	if m == nil {
		return
	}
	m.EvictionCounter.Add(ctx, int64(frames))
}

func (m *VMMetrics) RecordIO(ctx context.Context, op string, took time.Duration) {
	if m == nil {
		return
	}
	m.IOLatency.Record(ctx, float64(took.Microseconds())/1000, metric.WithAttributes(attribute.String("op", op)))
}

func (m *VMMetrics) ProcessStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProcessesUpDown.Add(ctx, 1)
}

func (m *VMMetrics) ProcessExited(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProcessesUpDown.Add(ctx, -1)
}
