package prometheus

import (
	"time"

	"github.com/cockroachdb/errors"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-locality-runner/core"
)

// DefaultNamespace prefixes every metric unless ExporterOptions say otherwise.
const DefaultNamespace = "localityrunner"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	TickBuckets     []float64
	BlockingBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	tickSeconds         *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	blockingSeconds     *prom.HistogramVec
	workersSpawnedTotal *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	tickBuckets := opts.TickBuckets
	if len(tickBuckets) == 0 {
		// Ticks are short; start at 10µs.
		tickBuckets = prom.ExponentialBuckets(1e-5, 4, 10)
	}
	blockingBuckets := opts.BlockingBuckets
	if len(blockingBuckets) == 0 {
		blockingBuckets = prom.DefBuckets
	}

	tickVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Tick duration in seconds by outcome.",
		Buckets:   tickBuckets,
	}, []string{"locality", "result"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of ticks that panicked.",
	}, []string{"locality"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected queue requests.",
	}, []string{"locality", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Run-queue depth at the last push.",
	}, []string{"locality"})
	blockingVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "blocking_section_seconds",
		Help:      "Time spent inside blocking sections.",
		Buckets:   blockingBuckets,
	}, []string{"locality"})
	spawnedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "workers_spawned_total",
		Help:      "Total number of auxiliary workers recruited.",
	}, []string{"locality"})

	var err error
	if tickVec, err = registerCollector(reg, tickVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if blockingVec, err = registerCollector(reg, blockingVec); err != nil {
		return nil, err
	}
	if spawnedVec, err = registerCollector(reg, spawnedVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		tickSeconds:         tickVec,
		taskPanicTotal:      panicVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
		blockingSeconds:     blockingVec,
		workersSpawnedTotal: spawnedVec,
	}, nil
}

// RecordTick records tick duration by result.
func (m *MetricsExporter) RecordTick(locality string, result core.TickResult, duration time.Duration) {
	if m == nil {
		return
	}
	m.tickSeconds.WithLabelValues(normalizeLabel(locality, "unknown"), result.String()).Observe(duration.Seconds())
}

// RecordTaskPanic records tick panic events.
func (m *MetricsExporter) RecordTaskPanic(locality string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(locality, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(locality string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(locality, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(locality string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(locality, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordBlockingSection records the length of a blocking section.
func (m *MetricsExporter) RecordBlockingSection(locality string, duration time.Duration) {
	if m == nil {
		return
	}
	m.blockingSeconds.WithLabelValues(normalizeLabel(locality, "unknown")).Observe(duration.Seconds())
}

// RecordWorkerSpawned counts auxiliary worker recruitment.
func (m *MetricsExporter) RecordWorkerSpawned(locality string) {
	if m == nil {
		return
	}
	m.workersSpawnedTotal.WithLabelValues(normalizeLabel(locality, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, errors.Newf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, errors.Wrap(err, "register collector")
}
