package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/Swind/go-locality-runner/internal/affinity"
	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// auxIdleTimeout is how long an auxiliary worker stays parked before it exits.
const auxIdleTimeout = 500 * time.Millisecond

// Locality is one scheduling partition of a domain. It owns a FIFO run-queue
// and a single run token: whichever worker holds the token is the only one
// ticking tasks, running ASTs or running chores on the locality. Normally one
// worker exists; a blocking section hands the token to another worker,
// recruiting one if none is idle.
type Locality struct {
	idx   int
	name  string
	dom   *Domain
	queue *RunQueue
	token chan struct{}
	ctx   context.Context

	// runrun parks idle workers.
	runrun Channel

	mu      syncutil.Mutex // guards the fields below
	workers int
	idle    int
	blocked int
	asts    []func(ctx context.Context)
	chores  []*choreRun
	// newChores is set by addChore until runChores picks the chore up.
	newChores bool

	homed atomic.Int64
	ticks atomic.Int64
	cpu   atomic.Int64
}

func newLocality(d *Domain, idx int) *Locality {
	l := &Locality{
		idx:   idx,
		name:  fmt.Sprintf("%s/loc-%d", d.cfg.Name, idx),
		dom:   d,
		queue: NewRunQueue(),
		token: make(chan struct{}, 1),
	}
	l.cpu.Store(-1)
	return l
}

func (l *Locality) Index() int      { return l.idx }
func (l *Locality) Name() string    { return l.name }
func (l *Locality) Domain() *Domain { return l.dom }

// CPU returns the CPU the primary worker is pinned to, or -1.
func (l *Locality) CPU() int { return int(l.cpu.Load()) }

// QueueLen returns the number of runnable tasks.
func (l *Locality) QueueLen() int { return l.queue.Len() }

// Post schedules fn to run on the locality, outside of any tick, while the
// locality's run token is held. Posts run in FIFO order.
func (l *Locality) Post(fn func(ctx context.Context)) {
	l.mu.Lock()
	l.asts = append(l.asts, fn)
	l.mu.Unlock()
	l.runrun.Signal()
}

// Stats returns a snapshot of the locality's counters.
func (l *Locality) Stats() LocalityStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LocalityStats{
		Index:   l.idx,
		Name:    l.name,
		Queued:  l.queue.Len(),
		Homed:   l.homed.Load(),
		Workers: l.workers,
		Idle:    l.idle,
		Blocked: l.blocked,
		Ticks:   l.ticks.Load(),
		Chores:  len(l.chores),
	}
}

// push makes t runnable. Callers hold t.mu.
func (l *Locality) push(t *Task) {
	l.queue.Push(t)
	l.dom.cfg.Metrics.RecordQueueDepth(l.name, l.queue.Len())
	l.runrun.Signal()
}

func (l *Locality) start(ctx context.Context) {
	l.ctx = context.WithValue(ctx, localityKey, l)
	l.spawn(true)
}

func (l *Locality) spawn(primary bool) {
	l.mu.Lock()
	l.workers++
	l.mu.Unlock()
	l.dom.wg.Add(1)
	go l.workerLoop(primary)
}

// =============================================================================
// Run token
// =============================================================================

func (l *Locality) acquire() bool {
	select {
	case l.token <- struct{}{}:
	case <-l.ctx.Done():
		return false
	}
	if l.ctx.Err() != nil {
		l.release()
		return false
	}
	return true
}

func (l *Locality) release() { <-l.token }

// =============================================================================
// Workers
// =============================================================================

func (l *Locality) workerLoop(primary bool) {
	defer l.dom.wg.Done()
	retired := false
	defer func() {
		if retired {
			return
		}
		l.mu.Lock()
		l.workers--
		l.mu.Unlock()
	}()

	if l.dom.cfg.PinLocalities {
		restore, _ := affinity.Allowed()
		cpu, err := affinity.Pin(l.idx)
		if err != nil {
			l.dom.cfg.Logger.Warn("locality pinning failed", F("locality", l.name), F("error", err))
		} else {
			defer affinity.Unpin(restore)
			if primary {
				l.cpu.Store(int64(cpu))
			}
		}
	}

	cl := NewClink(nil)
	for {
		if !l.acquire() {
			return
		}
		l.runASTs()
		wait, timed := l.runChores(time.Now())
		if t, ok := l.queue.Pop(); ok {
			l.runTick(t)
			l.release()
			continue
		}
		l.release()

		var ok bool
		if ok, retired = l.park(cl, primary, wait, timed); !ok {
			return
		}
	}
}

// park sleeps until something is queued, an AST is posted, a chore is due or
// the locality stops. ok is false when the worker should exit; retired is
// true when park already dropped it from the worker count.
func (l *Locality) park(cl *Clink, primary bool, choreWait time.Duration, timed bool) (ok, retired bool) {
	l.mu.Lock()
	if !primary && l.idle > 0 {
		// Another worker is idle and not blocked, so this one is surplus.
		l.workers--
		l.mu.Unlock()
		return false, true
	}
	l.idle++
	l.mu.Unlock()

	l.runrun.Add(cl)
	timedOut := l.sleep(cl, primary, choreWait, timed)
	l.runrun.Del(cl)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.idle--
	switch {
	case l.ctx.Err() != nil:
		return false, false
	case !timedOut:
		return true, false
	}
	// A signal that raced with the timeout still has to be served, and the
	// last worker outside a blocking section must stay.
	if cl.TryWait() || l.workers-l.blocked <= 1 || !l.queue.IsEmpty() || len(l.asts) > 0 {
		return true, false
	}
	l.workers--
	return false, true
}

// sleep waits on cl, which is registered on runrun. It reports whether an
// auxiliary worker's idle timeout expired.
func (l *Locality) sleep(cl *Clink, primary bool, choreWait time.Duration, timed bool) bool {
	if !l.queue.IsEmpty() || l.hasPendingWork() {
		return false
	}

	var timeout time.Duration
	idleExit := false
	if !primary {
		timeout, idleExit = auxIdleTimeout, true
	}
	if timed && (timeout == 0 || choreWait < timeout) {
		timeout, idleExit = choreWait, false
	}

	ctx := l.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := cl.Wait(ctx)
	return err != nil && idleExit && l.ctx.Err() == nil
}

// blockEnter hands the run token to another worker on behalf of a tick that
// is about to block.
func (l *Locality) blockEnter() {
	l.mu.Lock()
	l.blocked++
	recruit := l.idle == 0 && l.ctx.Err() == nil
	l.mu.Unlock()

	l.release()
	if recruit {
		l.spawn(false)
		l.dom.cfg.Metrics.RecordWorkerSpawned(l.name)
		l.dom.cfg.Logger.Debug("locality recruited worker", F("locality", l.name))
		return
	}
	l.runrun.Signal()
}

// blockLeave takes the run token back. It waits even if the locality is
// stopping, so the tick can finish.
func (l *Locality) blockLeave() {
	l.token <- struct{}{}
	l.mu.Lock()
	l.blocked--
	l.mu.Unlock()
}

// =============================================================================
// ASTs and chores
// =============================================================================

// hasPendingWork reports posted ASTs or chores that have not had a first run.
func (l *Locality) hasPendingWork() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.asts) > 0 || l.newChores
}

func (l *Locality) runASTs() {
	l.mu.Lock()
	asts := l.asts
	l.asts = nil
	l.mu.Unlock()

	for _, fn := range asts {
		fn(l.ctx)
	}
}

// Chore is a callback run periodically on every locality of a domain.
type Chore struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context, l *Locality)
	stopped  atomic.Bool
}

func (c *Chore) Name() string { return c.name }

// Stop prevents further runs. A run in progress is not interrupted.
func (c *Chore) Stop() { c.stopped.Store(true) }

type choreRun struct {
	c    *Chore
	last time.Time
}

func (l *Locality) addChore(c *Chore) {
	l.mu.Lock()
	l.chores = append(l.chores, &choreRun{c: c})
	l.newChores = true
	l.mu.Unlock()
	l.runrun.Signal()
}

// runChores runs every due chore and returns how long until the next one is
// due. timed is false when no chore has an interval.
func (l *Locality) runChores(now time.Time) (wait time.Duration, timed bool) {
	l.mu.Lock()
	l.newChores = false
	live := l.chores[:0]
	for _, r := range l.chores {
		if !r.c.stopped.Load() {
			live = append(live, r)
		}
	}
	for i := len(live); i < len(l.chores); i++ {
		l.chores[i] = nil
	}
	l.chores = live
	runs := append([]*choreRun(nil), live...)
	l.mu.Unlock()

	for _, r := range runs {
		if r.last.IsZero() || now.Sub(r.last) >= r.c.interval {
			r.c.fn(l.ctx, l)
			r.last = now
		}
		if r.c.interval <= 0 {
			continue
		}
		left := max(r.c.interval-time.Since(r.last), time.Millisecond)
		if !timed || left < wait {
			wait, timed = left, true
		}
	}
	return wait, timed
}

// =============================================================================
// Ticks
// =============================================================================

func (l *Locality) runTick(t *Task) {
	d := l.dom

	t.mu.Lock()
	t.life.Set(TaskRunning)
	t.pendingWake = false
	t.mu.Unlock()

	n := t.ticking.Add(1)
	defer t.ticking.Add(-1)
	assertf(n == 1, "task %s: ticked concurrently", t.id)

	t.ticks.Add(1)
	l.ticks.Add(1)
	t.external = false
	t.pruneTimers()

	ctx := context.WithValue(l.ctx, taskKey, t)
	rec := TickRecord{
		TaskID:    t.id,
		Locality:  l.name,
		Phase:     t.Phase.StateName(),
		StartedAt: time.Now(),
	}

	res, panicInfo, stack := l.invoke(ctx, t)

	rec.FinishedAt = time.Now()
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	rec.Result = res

	if panicInfo == nil {
		d.history.Add(rec)
		d.cfg.Metrics.RecordTick(l.name, res, rec.Duration)
		return
	}

	rec.Panicked = true
	d.history.Add(rec)
	d.cfg.Metrics.RecordTaskPanic(l.name, panicInfo)
	d.cfg.PanicHandler.HandlePanic(ctx, l.name, t.id, panicInfo, stack)
	if !d.cfg.AbandonOnPanic {
		panic(panicInfo)
	}
	l.abandon(t)
}

// invoke runs one tick and applies its result.
func (l *Locality) invoke(ctx context.Context, t *Task) (res TickResult, panicInfo any, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			panicInfo, stack = r, debug.Stack()
			if t.blockDepth != 0 {
				l.blockLeave()
				t.blockDepth = 0
			}
		}
	}()

	res = t.ops.Tick(ctx, t)
	if t.blockDepth != 0 {
		panic(assertionf("task %s: tick returned inside a blocking section", t.id))
	}
	l.complete(t, res)
	return res, nil, nil
}

func (l *Locality) complete(t *Task, res TickResult) {
	switch res {
	case TickAgain:
		t.mu.Lock()
		defer t.mu.Unlock()
		t.life.Set(TaskQueued)
		l.push(t)

	case TickWait:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.pendingWake {
			t.pendingWake = false
			t.life.Set(TaskQueued)
			l.push(t)
			return
		}
		assertf(t.hasWaitPoint(), "task %s: TickWait with no wait point armed", t.id)
		t.life.Set(TaskWaiting)

	case TickTerminal:
		assertf(t.Phase.IsTerminal(), "task %s: TickTerminal in non-terminal phase %q",
			t.id, t.Phase.StateName())
		t.disarm()
		t.mu.Lock()
		t.life.Set(TaskTerminal)
		t.mu.Unlock()
		t.Phase.Fini()
		t.ops.Finalize(t)
		l.releaseTask(t)

	default:
		panic(assertionf("task %s: unknown tick result %d", t.id, int(res)))
	}
}

// abandon drops a task whose tick panicked.
func (l *Locality) abandon(t *Task) {
	t.disarm()
	t.mu.Lock()
	if t.life.Get() == TaskRunning {
		t.life.Set(TaskTerminal)
	}
	t.mu.Unlock()
	l.releaseTask(t)
	l.dom.cfg.Logger.Warn("task abandoned after panic", F("locality", l.name), F("task", t.id))
}

// releaseTask drops the task from the domain's live counts, once.
func (l *Locality) releaseTask(t *Task) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	t.mu.Unlock()
	l.homed.Add(-1)
	l.dom.live.Add(-1)
}
