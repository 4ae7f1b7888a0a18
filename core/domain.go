package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// Domain is a set of localities sharing a task limit, a timer wheel and the
// ambient handlers of a DomainConfig.
type Domain struct {
	cfg        DomainConfig
	localities []*Locality
	delays     *DelayManager
	lifeStats  *TransitionStats
	history    *executionHistory
	home       HomeLocalityFunc

	live     atomic.Int64
	stopping atomic.Bool

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	running   bool
	runningMu syncutil.RWMutex
}

// NewDomain creates a domain. Tasks may be created and queued right away;
// nothing ticks until Start.
func NewDomain(cfg *DomainConfig) *Domain {
	c := cfg.withDefaults()
	d := &Domain{
		cfg:       c,
		delays:    NewDelayManager(),
		lifeStats: NewTransitionStats(TaskLifecycle),
		history:   newExecutionHistory(c.HistoryCapacity),
		home:      RoundRobin(),
	}
	d.localities = make([]*Locality, c.Localities)
	for i := range d.localities {
		d.localities[i] = newLocality(d, i)
	}
	return d
}

func (d *Domain) Name() string             { return d.cfg.Name }
func (d *Domain) LocalityCount() int       { return len(d.localities) }
func (d *Domain) Logger() Logger           { return d.cfg.Logger }
func (d *Domain) Registry() *Registry      { return d.cfg.Registry }
func (d *Domain) Locality(i int) *Locality { return d.localities[i] }

// LiveTasks returns the number of tasks created and not yet terminated.
func (d *Domain) LiveTasks() int64 { return d.live.Load() }

// LifecycleStats returns the transition counts of the scheduler-side task
// lifecycle, aggregated over every task of the domain.
func (d *Domain) LifecycleStats() *TransitionStats { return d.lifeStats }

// Start launches one worker per locality.
func (d *Domain) Start(ctx context.Context) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running || d.stopping.Load() {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	for _, l := range d.localities {
		l.start(ctx)
	}
	d.cfg.Logger.Info("domain started",
		F("domain", d.cfg.Name), F("localities", len(d.localities)))
}

// IsRunning reports whether Start was called and Stop was not.
func (d *Domain) IsRunning() bool {
	d.runningMu.RLock()
	defer d.runningMu.RUnlock()
	return d.running
}

// Stop stops every worker once its current tick returns. Queued tasks are
// dropped without being finalized, and pending timers are discarded.
func (d *Domain) Stop() {
	d.stopping.Store(true)

	d.runningMu.Lock()
	cancel := d.cancel
	wasRunning := d.running
	d.running = false
	d.runningMu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.delays.Stop()

	dropped := 0
	for _, l := range d.localities {
		for _, t := range l.queue.Drain() {
			l.releaseTask(t)
			dropped++
		}
	}
	if wasRunning {
		d.cfg.Logger.Info("domain stopped",
			F("domain", d.cfg.Name), F("dropped", dropped), F("live", d.live.Load()))
	}
}

// StopGraceful refuses new tasks, waits for live tasks to terminate and then
// stops. After timeout it stops anyway and returns an error.
func (d *Domain) StopGraceful(timeout time.Duration) error {
	d.stopping.Store(true)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for d.live.Load() > 0 {
		select {
		case <-deadline:
			live := d.live.Load()
			d.Stop()
			return errors.Newf("graceful stop timed out after %v with %d live tasks", timeout, live)
		case <-ticker.C:
		}
	}
	d.Stop()
	return nil
}

// NewTask creates a task running ops with its phase machine in desc's initial
// state. home picks its locality; nil means round robin. If desc is registered
// with the domain's registry the phase machine reports into the shared stats.
func (d *Domain) NewTask(ops TaskOps, home HomeLocalityFunc, desc *Descriptor) (*Task, error) {
	assertf(ops != nil, "NewTask with nil ops")
	assertf(desc != nil, "NewTask with nil descriptor")

	if d.stopping.Load() {
		return nil, ErrDomainStopped
	}
	if limit := int64(d.cfg.MaxTasks); limit > 0 {
		for {
			cur := d.live.Load()
			if cur >= limit {
				return nil, errors.Wrapf(ErrTaskLimit, "%d live tasks", cur)
			}
			if d.live.CompareAndSwap(cur, cur+1) {
				break
			}
		}
	} else {
		d.live.Add(1)
	}

	t := &Task{id: GenerateTaskID(), ops: ops, dom: d}
	t.Phase.Init(desc, desc.Initial())
	if d.cfg.Registry != nil {
		t.Phase.SetStats(d.cfg.Registry.statsFor(desc))
	}
	t.life.Init(TaskLifecycle, TaskQueued)
	t.life.SetStats(d.lifeStats)

	if home == nil {
		home = d.home
	}
	idx := home(t, len(d.localities))
	if idx < 0 || idx >= len(d.localities) {
		d.live.Add(-1)
		panic(assertionf("home locality %d out of range [0, %d)", idx, len(d.localities)))
	}
	t.locIdx = idx
	d.localities[idx].homed.Add(1)
	return t, nil
}

// Queue makes a new task runnable on its home locality. Each task is queued
// once; afterwards it is driven by its tick results and wakeups. Once the
// domain is stopping the task is rejected and dropped without finalization.
func (d *Domain) Queue(t *Task) {
	assertf(t.dom == d, "task %s queued on a foreign domain", t.id)
	l := t.Locality()

	t.mu.Lock()
	if t.submitted {
		t.mu.Unlock()
		panic(assertionf("task %s queued twice", t.id))
	}
	t.submitted = true
	if d.stopping.Load() {
		t.mu.Unlock()
		d.cfg.RejectedTaskHandler.HandleRejectedTask(l.name, t.id, "domain stopping")
		d.cfg.Metrics.RecordTaskRejected(l.name, "domain stopping")
		l.releaseTask(t)
		return
	}
	l.push(t)
	t.mu.Unlock()
}

// Wakeup is t.Wakeup.
func (d *Domain) Wakeup(t *Task) { t.Wakeup() }

// PostAST runs fn on locality i. See Locality.Post.
func (d *Domain) PostAST(i int, fn func(ctx context.Context)) {
	d.localities[i].Post(fn)
}

// AddChore runs fn on every locality, first as soon as possible and then
// every interval. An interval of zero runs it whenever a locality's worker
// looks for work.
func (d *Domain) AddChore(name string, interval time.Duration, fn func(ctx context.Context, l *Locality)) *Chore {
	c := &Chore{name: name, interval: interval, fn: fn}
	for _, l := range d.localities {
		l.addChore(c)
	}
	return c
}

// After runs fn once after delay on the domain's timer goroutine. fn must not
// block.
func (d *Domain) After(delay time.Duration, fn func()) *Timer {
	return d.delays.After(delay, fn)
}

// RecentTicks returns up to n recent ticks, newest first.
func (d *Domain) RecentTicks(n int) []TickRecord {
	return d.history.Recent(n)
}

// LastTick returns the most recent tick.
func (d *Domain) LastTick() (TickRecord, bool) {
	return d.history.Last()
}

// Stats returns a snapshot of the domain and all its localities.
func (d *Domain) Stats() DomainStats {
	s := DomainStats{
		Name:       d.cfg.Name,
		Running:    d.IsRunning(),
		LiveTasks:  d.live.Load(),
		Timers:     d.delays.Pending(),
		Localities: make([]LocalityStats, len(d.localities)),
	}
	for i, l := range d.localities {
		s.Localities[i] = l.Stats()
	}
	return s
}
