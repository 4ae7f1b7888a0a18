package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-locality-runner/core"
)

// TestMetricsExporter_RecordMethods verifies every core.Metrics hook lands in a collector
// Given: An exporter on a fresh registry
// When: Each Record method is called once
// Then: The matching counter, gauge or histogram reflects it
func TestMetricsExporter_RecordMethods(t *testing.T) {
	// Arrange
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("", reg, ExporterOptions{})
	require.NoError(t, err)

	// Act
	exporter.RecordTick("d/loc-0", core.TickWait, 250*time.Microsecond)
	exporter.RecordTick("d/loc-0", core.TickWait, time.Millisecond)
	exporter.RecordTaskPanic("d/loc-0", "panic")
	exporter.RecordQueueDepth("d/loc-0", 7)
	exporter.RecordTaskRejected("d/loc-0", "domain stopping")
	exporter.RecordBlockingSection("d/loc-1", 20*time.Millisecond)
	exporter.RecordWorkerSpawned("d/loc-1")

	// Assert
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.taskPanicTotal.WithLabelValues("d/loc-0")))
	assert.Equal(t, float64(7), testutil.ToFloat64(exporter.queueDepth.WithLabelValues("d/loc-0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("d/loc-0", "domain stopping")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.workersSpawnedTotal.WithLabelValues("d/loc-1")))

	ticks, err := histogramSampleCount(exporter.tickSeconds.WithLabelValues("d/loc-0", "wait"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ticks)

	blocking, err := histogramSampleCount(exporter.blockingSeconds.WithLabelValues("d/loc-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), blocking)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "localityrunner_tick_duration_seconds")
	assert.Contains(t, names, "localityrunner_workers_spawned_total")
}

func TestMetricsExporter_EmptyLabels(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("test", reg, ExporterOptions{})
	require.NoError(t, err)

	exporter.RecordTaskRejected("", "")

	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("unknown", "unknown")))
}

func TestMetricsExporter_NilReceiver(t *testing.T) {
	var exporter *MetricsExporter
	assert.NotPanics(t, func() {
		exporter.RecordTick("x", core.TickAgain, time.Millisecond)
		exporter.RecordTaskPanic("x", nil)
		exporter.RecordQueueDepth("x", 1)
		exporter.RecordTaskRejected("x", "y")
		exporter.RecordBlockingSection("x", time.Millisecond)
		exporter.RecordWorkerSpawned("x")
	})
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("localityrunner", reg, ExporterOptions{})
	require.NoError(t, err)
	second, err := NewMetricsExporter("localityrunner", reg, ExporterOptions{})
	require.NoError(t, err)

	first.RecordTaskPanic("d/loc-0", nil)
	second.RecordTaskPanic("d/loc-0", nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(first.taskPanicTotal.WithLabelValues("d/loc-0")),
		"both exporters share the registered counter")
}

// TestMetricsExporter_DomainIntegration verifies a running domain feeds the exporter
// Given: A domain configured with the exporter as its Metrics
// When: A task ticks three times and terminates
// Then: The tick histogram counts two "again" ticks and one "terminal" tick
func TestMetricsExporter_DomainIntegration(t *testing.T) {
	// Arrange
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("", reg, ExporterOptions{})
	require.NoError(t, err)

	cfg := core.DefaultDomainConfig()
	cfg.Name = "metrics"
	cfg.Localities = 1
	cfg.Metrics = exporter
	cfg.Logger = core.NewNoOpLogger()
	d := core.NewDomain(cfg)
	d.Start(t.Context())
	defer d.Stop()

	done := core.MustDescriptor("once", []core.StateDescriptor{
		{Name: "RUN", Flags: core.StateInitial, Allowed: core.States(1)},
		{Name: "DONE", Flags: core.StateTerminal},
	})
	finalized := make(chan struct{})

	// Act
	task, err := d.NewTask(core.TaskFuncs{
		TickFunc: func(_ context.Context, tk *core.Task) core.TickResult {
			if tk.Ticks() < 3 {
				return core.TickAgain
			}
			tk.Phase.Set(1)
			return core.TickTerminal
		},
		FinalizeFunc: func(*core.Task) { close(finalized) },
	}, nil, done)
	require.NoError(t, err)
	task.Queue()

	// Assert
	select {
	case <-finalized:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	require.Eventually(t, func() bool {
		n, err := histogramSampleCount(exporter.tickSeconds.WithLabelValues("metrics/loc-0", "terminal"))
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
	again, err := histogramSampleCount(exporter.tickSeconds.WithLabelValues("metrics/loc-0", "again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again)
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
