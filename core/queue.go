package core

import "github.com/Swind/go-locality-runner/internal/syncutil"

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// RunQueue is the FIFO of runnable tasks of one locality.
type RunQueue struct {
	mu    syncutil.Mutex
	tasks []*Task
}

func NewRunQueue() *RunQueue {
	return &RunQueue{
		tasks: make([]*Task, 0, defaultQueueCap),
	}
}

// Push appends t at the tail.
func (q *RunQueue) Push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

// Pop removes the task at the head.
func (q *RunQueue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Clear the slot so the backing array does not pin finished tasks
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()

	return t, true
}

func (q *RunQueue) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*Task, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*Task, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *RunQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Drain removes and returns every queued task.
func (q *RunQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = make([]*Task, 0, defaultQueueCap)
	return out
}
