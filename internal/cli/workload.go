package cli

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Swind/go-locality-runner/core"
)

const (
	workloadInit = iota
	workloadRun
	workloadDone
)

// WorkloadPhases is the phase machine of every synthetic workload task.
var WorkloadPhases = core.MustDescriptor("workload", []core.StateDescriptor{
	workloadInit: {Name: "INIT", Flags: core.StateInitial, Allowed: core.States(workloadRun)},
	workloadRun:  {Name: "RUN", Allowed: core.States(workloadRun, workloadDone)},
	workloadDone: {Name: "DONE", Flags: core.StateTerminal},
})

// workload ticks a fixed number of tasks a fixed number of times each,
// optionally parking them on a timer or inside a blocking section.
type workload struct {
	cfg RunSection

	remaining atomic.Int64
	done      chan struct{}
	homed     []int
}

func newWorkload(cfg RunSection, localities int) *workload {
	return &workload{
		cfg:   cfg,
		done:  make(chan struct{}),
		homed: make([]int, localities),
	}
}

func (w *workload) Tick(ctx context.Context, t *core.Task) core.TickResult {
	n := t.Ticks()
	if n >= int64(w.cfg.Ticks) {
		if t.Phase.Get() == workloadInit {
			t.Phase.Set(workloadRun)
		}
		t.Phase.Set(workloadDone)
		return core.TickTerminal
	}
	t.Phase.Set(workloadRun)
	if w.cfg.BlockEvery > 0 && n%int64(w.cfg.BlockEvery) == 0 {
		t.BlockEnter()
		time.Sleep(w.cfg.BlockFor)
		t.BlockLeave()
	}
	if w.cfg.WaitEvery > 0 && n%int64(w.cfg.WaitEvery) == 0 {
		t.WakeupAfter(time.Millisecond)
		return core.TickWait
	}
	return core.TickAgain
}

func (w *workload) Finalize(*core.Task) {
	if w.remaining.Add(-1) == 0 {
		close(w.done)
	}
}

// start creates and queues every task. The domain may already be running.
func (w *workload) start(d *core.Domain) error {
	if w.cfg.Tasks == 0 {
		close(w.done)
		return nil
	}
	w.remaining.Store(int64(w.cfg.Tasks))
	tasks := make([]*core.Task, 0, w.cfg.Tasks)
	for i := 0; i < w.cfg.Tasks; i++ {
		t, err := d.NewTask(w, nil, WorkloadPhases)
		if err != nil {
			return errors.Wrapf(err, "create task %d", i)
		}
		w.homed[t.LocalityIndex()]++
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		t.Queue()
	}
	return nil
}

// wait blocks until every task finalized, ctx ends or timeout passes.
func (w *workload) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Newf("workload timed out after %v with %d tasks left", timeout, w.remaining.Load())
	}
}
