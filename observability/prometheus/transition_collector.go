package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-locality-runner/core"
	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// TransitionSource lists stats tables by machine name. *core.Registry
// implements it.
type TransitionSource interface {
	Names() []string
	Stats(name string) (*core.TransitionStats, bool)
}

// TransitionCollector exports state machine transition counts and dwell time
// at scrape time. It reads the lock-free counters directly, so nothing has to
// be polled.
type TransitionCollector struct {
	source TransitionSource

	mu     syncutil.RWMutex
	tables []*core.TransitionStats

	count   *prom.Desc
	seconds *prom.Desc
}

var _ prom.Collector = (*TransitionCollector)(nil)

// NewTransitionCollector builds a collector over source, which may be nil
// when only tables added with AddTable are exported.
func NewTransitionCollector(namespace string, source TransitionSource) *TransitionCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := []string{"machine", "from", "to"}
	return &TransitionCollector{
		source: source,
		count: prom.NewDesc(
			prom.BuildFQName(namespace, "", "transitions_total"),
			"Number of state transitions per edge.",
			labels, nil,
		),
		seconds: prom.NewDesc(
			prom.BuildFQName(namespace, "", "transition_dwell_seconds_total"),
			"Time spent in the source state summed over the edge's transitions.",
			labels, nil,
		),
	}
}

// AddTable exports a table that is not part of the source, such as a
// domain's lifecycle stats.
func (c *TransitionCollector) AddTable(stats *core.TransitionStats) {
	if stats == nil {
		return
	}
	c.mu.Lock()
	c.tables = append(c.tables, stats)
	c.mu.Unlock()
}

// Register registers c with reg.
func (c *TransitionCollector) Register(reg prom.Registerer) (*TransitionCollector, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	return registerCollector(reg, c)
}

// Describe implements prom.Collector.
func (c *TransitionCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.count
	ch <- c.seconds
}

// Collect implements prom.Collector.
func (c *TransitionCollector) Collect(ch chan<- prom.Metric) {
	if c.source != nil {
		for _, name := range c.source.Names() {
			if stats, ok := c.source.Stats(name); ok {
				c.collectTable(ch, stats)
			}
		}
	}

	c.mu.RLock()
	tables := append([]*core.TransitionStats(nil), c.tables...)
	c.mu.RUnlock()
	for _, stats := range tables {
		c.collectTable(ch, stats)
	}
}

func (c *TransitionCollector) collectTable(ch chan<- prom.Metric, stats *core.TransitionStats) {
	machine := stats.Descriptor().Name()
	for _, rec := range stats.Snapshot() {
		ch <- prom.MustNewConstMetric(c.count, prom.CounterValue, float64(rec.Count), machine, rec.FromName, rec.ToName)
		ch <- prom.MustNewConstMetric(c.seconds, prom.CounterValue, rec.Total.Seconds(), machine, rec.FromName, rec.ToName)
	}
}
