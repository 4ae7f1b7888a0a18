package prometheus

import (
	"context"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-locality-runner/core"
	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// DomainSnapshotProvider provides current domain stats snapshots.
type DomainSnapshotProvider interface {
	Stats() core.DomainStats
}

// SnapshotPoller periodically exports domain Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	domainsMu syncutil.RWMutex
	domains   map[string]DomainSnapshotProvider

	domainLive    *prom.GaugeVec
	domainTimers  *prom.GaugeVec
	domainRunning *prom.GaugeVec

	localityQueued  *prom.GaugeVec
	localityHomed   *prom.GaugeVec
	localityWorkers *prom.GaugeVec
	localityIdle    *prom.GaugeVec
	localityBlocked *prom.GaugeVec
	localityTicks   *prom.GaugeVec

	stateMu syncutil.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors
// under DefaultNamespace.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	domainGauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: DefaultNamespace,
			Name:      name,
			Help:      help,
		}, []string{"domain"})
	}
	localityGauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: DefaultNamespace,
			Subsystem: "locality",
			Name:      name,
			Help:      help,
		}, []string{"domain", "locality", "index"})
	}

	p := &SnapshotPoller{
		interval: interval,
		domains:  make(map[string]DomainSnapshotProvider),

		domainLive:    domainGauge("domain_live_tasks", "Live tasks per domain."),
		domainTimers:  domainGauge("domain_timers", "Pending wakeup timers per domain."),
		domainRunning: domainGauge("domain_running", "Domain running state (1=running, 0=stopped)."),

		localityQueued:  localityGauge("queued", "Runnable tasks queued on the locality."),
		localityHomed:   localityGauge("homed", "Live tasks homed to the locality."),
		localityWorkers: localityGauge("workers", "Worker goroutines serving the locality."),
		localityIdle:    localityGauge("idle", "Workers parked on the locality."),
		localityBlocked: localityGauge("blocked", "Tasks inside a blocking section."),
		localityTicks:   localityGauge("ticks", "Ticks completed by the locality snapshot."),
	}

	for _, g := range []**prom.GaugeVec{
		&p.domainLive, &p.domainTimers, &p.domainRunning,
		&p.localityQueued, &p.localityHomed, &p.localityWorkers,
		&p.localityIdle, &p.localityBlocked, &p.localityTicks,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddDomain adds or replaces a domain snapshot provider by name.
func (p *SnapshotPoller) AddDomain(name string, provider DomainSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "domain")
	p.domainsMu.Lock()
	p.domains[name] = provider
	p.domainsMu.Unlock()
}

// RemoveDomain stops exporting a domain. Gauges already set are deleted.
func (p *SnapshotPoller) RemoveDomain(name string) {
	if p == nil {
		return
	}
	name = normalizeLabel(name, "domain")
	p.domainsMu.Lock()
	delete(p.domains, name)
	p.domainsMu.Unlock()

	match := prom.Labels{"domain": name}
	for _, g := range []*prom.GaugeVec{
		p.domainLive, p.domainTimers, p.domainRunning,
		p.localityQueued, p.localityHomed, p.localityWorkers,
		p.localityIdle, p.localityBlocked, p.localityTicks,
	} {
		g.DeletePartialMatch(match)
	}
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.domainsMu.RLock()
	defer p.domainsMu.RUnlock()

	for name, provider := range p.domains {
		stats := provider.Stats()
		p.domainLive.WithLabelValues(name).Set(float64(stats.LiveTasks))
		p.domainTimers.WithLabelValues(name).Set(float64(stats.Timers))
		p.domainRunning.WithLabelValues(name).Set(boolGauge(stats.Running))

		for _, ls := range stats.Localities {
			labels := []string{name, normalizeLabel(ls.Name, "unknown"), strconv.Itoa(ls.Index)}
			p.localityQueued.WithLabelValues(labels...).Set(float64(ls.Queued))
			p.localityHomed.WithLabelValues(labels...).Set(float64(ls.Homed))
			p.localityWorkers.WithLabelValues(labels...).Set(float64(ls.Workers))
			p.localityIdle.WithLabelValues(labels...).Set(float64(ls.Idle))
			p.localityBlocked.WithLabelValues(labels...).Set(float64(ls.Blocked))
			p.localityTicks.WithLabelValues(labels...).Set(float64(ls.Ticks))
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
