package core

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// =============================================================================
// TickResult / TaskOps
// =============================================================================

// TickResult tells the locality what to do with a task after a tick.
type TickResult int

const (
	// TickAgain puts the task back at the tail of its locality's run-queue.
	TickAgain TickResult = iota

	// TickWait parks the task until something wakes it. The task must have
	// armed a wait point (WaitOn, WakeupAfter or AwaitExternal) first.
	TickWait

	// TickTerminal ends the task. Its phase must be terminal.
	TickTerminal
)

func (r TickResult) String() string {
	switch r {
	case TickAgain:
		return "again"
	case TickWait:
		return "wait"
	case TickTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// TaskOps is the body of a task.
type TaskOps interface {
	// Tick runs one step of the task on its home locality. It never runs
	// concurrently with another Tick of the same task.
	Tick(ctx context.Context, t *Task) TickResult

	// Finalize runs once, on the home locality, after a tick returned
	// TickTerminal.
	Finalize(t *Task)
}

// TaskFuncs adapts plain functions to TaskOps. FinalizeFunc may be nil.
type TaskFuncs struct {
	TickFunc     func(ctx context.Context, t *Task) TickResult
	FinalizeFunc func(t *Task)
}

func (f TaskFuncs) Tick(ctx context.Context, t *Task) TickResult { return f.TickFunc(ctx, t) }

func (f TaskFuncs) Finalize(t *Task) {
	if f.FinalizeFunc != nil {
		f.FinalizeFunc(t)
	}
}

// =============================================================================
// Home locality selection
// =============================================================================

// HomeLocalityFunc picks the locality, in [0, nr), a task is pinned to. It is
// called once, from NewTask.
type HomeLocalityFunc func(t *Task, nr int) int

// RoundRobin spreads tasks over localities in creation order.
func RoundRobin() HomeLocalityFunc {
	var next atomic.Uint64
	return func(t *Task, nr int) int {
		return int((next.Add(1) - 1) % uint64(nr))
	}
}

// HashKey homes every task created with the same key on the same locality.
func HashKey(key []byte) HomeLocalityFunc {
	h := fnv.New32a()
	_, _ = h.Write(key)
	sum := h.Sum32()
	return func(t *Task, nr int) int {
		return int(sum % uint32(nr))
	}
}

// Fixed homes tasks on locality i.
func Fixed(i int) HomeLocalityFunc {
	return func(t *Task, nr int) int { return i }
}

// =============================================================================
// TaskID
// =============================================================================

// TaskID identifies a task. IDs are UUIDv7, so they sort by creation time.
type TaskID uuid.UUID

// GenerateTaskID returns a new time-ordered TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.Must(uuid.NewV7()))
}

func (id TaskID) String() string { return uuid.UUID(id).String() }

// =============================================================================
// Task lifecycle
// =============================================================================

// Task lifecycle states, as seen by the scheduler.
const (
	TaskQueued = iota
	TaskRunning
	TaskWaiting
	TaskTerminal
)

// TaskLifecycle is the descriptor of the scheduler-side task state.
var TaskLifecycle = MustDescriptor("task-lifecycle", []StateDescriptor{
	TaskQueued: {
		Name:    "QUEUED",
		Flags:   StateInitial,
		Allowed: States(TaskRunning),
	},
	TaskRunning: {
		Name:    "RUNNING",
		Allowed: States(TaskQueued, TaskWaiting, TaskTerminal),
	},
	TaskWaiting: {
		Name:    "WAITING",
		Allowed: States(TaskQueued),
	},
	TaskTerminal: {
		Name:  "TERMINAL",
		Flags: StateTerminal,
	},
})

// =============================================================================
// Task
// =============================================================================

// Task is a unit of cooperative work. Its body runs tick by tick on one
// locality, chosen at creation and never changed.
type Task struct {
	id     TaskID
	ops    TaskOps
	dom    *Domain
	locIdx int

	// Phase is the task's own state machine. Only the task's ticks may
	// change it.
	Phase Machine

	// Value is free for the task's owner.
	Value any

	mu          syncutil.Mutex // guards life, submitted, pendingWake, released
	life        Machine
	submitted   bool
	pendingWake bool
	released    bool

	ticking atomic.Int32
	ticks   atomic.Int64

	// Owned by the running tick.
	waits      []*Clink
	timers     []*Timer
	external   bool
	blockDepth int
	blockStart time.Time
}

func (t *Task) ID() TaskID         { return t.id }
func (t *Task) Domain() *Domain    { return t.dom }
func (t *Task) LocalityIndex() int { return t.locIdx }

// Locality returns the task's home locality.
func (t *Task) Locality() *Locality { return t.dom.localities[t.locIdx] }

// Ticks returns how many ticks have started.
func (t *Task) Ticks() int64 { return t.ticks.Load() }

// State returns the scheduler-side lifecycle state (TaskQueued, ...).
func (t *Task) State() int { return t.life.Get() }

// Queue submits the task to its locality. See Domain.Queue.
func (t *Task) Queue() { t.dom.Queue(t) }

// Wakeup makes a waiting task runnable again. It may be called from any
// goroutine, including other tasks' ticks and timer callbacks, and needs no
// locks held.
//
// A wakeup that arrives while the task is running is remembered: if that tick
// returns TickWait the task is queued again right away. Wakeups of a task
// that is already queued or has terminated are dropped. A woken task must
// re-check whatever it was waiting for.
func (t *Task) Wakeup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.life.Get() {
	case TaskWaiting:
		t.life.Set(TaskQueued)
		t.Locality().push(t)
	case TaskRunning:
		t.pendingWake = true
	}
}

// WaitOn arms a wait point on ch: any Signal or Broadcast that picks it wakes
// the task. The wait point stays armed until StopWaiting or termination.
// Must be called from the task's tick.
func (t *Task) WaitOn(ch *Channel) {
	t.assertTicking("WaitOn")
	for _, cl := range t.waits {
		if cl.Channel() == ch {
			return
		}
	}
	cl := NewClink(func(*Clink) { t.Wakeup() })
	cl.Value = t
	ch.Add(cl)
	t.waits = append(t.waits, cl)
}

// WakeupAfter arms a timer that wakes the task after d. Must be called from
// the task's tick.
func (t *Task) WakeupAfter(d time.Duration) *Timer {
	t.assertTicking("WakeupAfter")
	tm := t.dom.delays.After(d, t.Wakeup)
	t.timers = append(t.timers, tm)
	return tm
}

// AwaitExternal declares that code outside the engine holds the task and will
// call Wakeup. It covers the next TickWait only.
func (t *Task) AwaitExternal() {
	t.assertTicking("AwaitExternal")
	t.external = true
}

// StopWaiting disarms every wait point. Must be called from the task's tick.
func (t *Task) StopWaiting() {
	t.assertTicking("StopWaiting")
	t.disarm()
}

func (t *Task) disarm() {
	for _, cl := range t.waits {
		if ch := cl.Channel(); ch != nil {
			ch.Del(cl)
		}
	}
	t.waits = nil
	for _, tm := range t.timers {
		tm.Cancel()
	}
	t.timers = nil
	t.external = false
}

// hasWaitPoint reports whether anything can still wake the task.
func (t *Task) hasWaitPoint() bool {
	if t.external {
		return true
	}
	for _, cl := range t.waits {
		if cl.IsArmed() {
			return true
		}
	}
	for _, tm := range t.timers {
		if tm.Pending() {
			return true
		}
	}
	return false
}

// pruneTimers forgets timers that already fired.
func (t *Task) pruneTimers() {
	live := t.timers[:0]
	for _, tm := range t.timers {
		if tm.Pending() {
			live = append(live, tm)
		}
	}
	for i := len(live); i < len(t.timers); i++ {
		t.timers[i] = nil
	}
	t.timers = live
}

// BlockEnter marks the start of code in the current tick that may block its
// goroutine. The locality keeps ticking its other tasks meanwhile, recruiting
// another worker if none is idle. Must be paired with BlockLeave in the same
// tick.
func (t *Task) BlockEnter() {
	t.assertTicking("BlockEnter")
	assertf(t.blockDepth == 0, "task %s: nested BlockEnter", t.id)
	t.blockDepth = 1
	t.blockStart = time.Now()
	t.Locality().blockEnter()
}

// BlockLeave ends a blocking section. It waits until the locality is free to
// run this tick again.
func (t *Task) BlockLeave() {
	t.assertTicking("BlockLeave")
	assertf(t.blockDepth == 1, "task %s: BlockLeave without BlockEnter", t.id)
	l := t.Locality()
	l.blockLeave()
	t.blockDepth = 0
	t.dom.cfg.Metrics.RecordBlockingSection(l.name, time.Since(t.blockStart))
}

// InBlockingSection reports whether the current tick is between BlockEnter
// and BlockLeave.
func (t *Task) InBlockingSection() bool { return t.blockDepth != 0 }

func (t *Task) assertTicking(op string) {
	assertf(t.ticking.Load() == 1, "task %s: %s outside of a tick", t.id, op)
}

// =============================================================================
// Context Helper
// =============================================================================

type taskKeyType struct{}
type localityKeyType struct{}

var (
	taskKey     taskKeyType
	localityKey localityKeyType
)

// CurrentTask returns the task whose tick ctx belongs to, or nil.
func CurrentTask(ctx context.Context) *Task {
	if v := ctx.Value(taskKey); v != nil {
		return v.(*Task)
	}
	return nil
}

// CurrentLocality returns the locality running ctx, or nil.
func CurrentLocality(ctx context.Context) *Locality {
	if v := ctx.Value(localityKey); v != nil {
		return v.(*Locality)
	}
	return nil
}
