package core

import (
	"container/heap"
	"context"
	"time"

	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// Timer is a pending callback scheduled on a DelayManager.
type Timer struct {
	RunAt time.Time
	fn    func()
	dm    *DelayManager
	index int // for heap interface, -1 once popped or cancelled

	// firing is set while fn runs; guarded by dm.mu.
	firing bool
}

// Cancel removes the timer if it has not fired yet. It reports whether the
// callback was prevented from running.
func (t *Timer) Cancel() bool {
	dm := t.dm
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&dm.pq, t.index)
	return true
}

// Pending reports whether the timer is still waiting to fire or its callback
// has not returned yet.
func (t *Timer) Pending() bool {
	t.dm.mu.Lock()
	defer t.dm.mu.Unlock()
	return t.index >= 0 || t.firing
}

// timerHeap implements heap.Interface
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].RunAt.Before(h[j].RunAt) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	n := len(*h)
	item := x.(*Timer)
	item.index = n
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *timerHeap) Peek() *Timer {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// DelayManager runs callbacks at given times from one goroutine. The domain
// uses it for timed task wakeups; timeouts are built on top of it rather than
// inside the scheduler.
type DelayManager struct {
	pq     timerHeap
	mu     syncutil.Mutex
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDelayManager() *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		pq:     make(timerHeap, 0),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	heap.Init(&dm.pq)
	go dm.loop()
	return dm
}

// Schedule arranges for fn to run at or after at. fn runs on the manager's
// goroutine and must not block.
func (dm *DelayManager) Schedule(at time.Time, fn func()) *Timer {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := &Timer{RunAt: at, fn: fn, dm: dm}
	heap.Push(&dm.pq, item)

	if item.index == 0 {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
	return item
}

// After is Schedule relative to now.
func (dm *DelayManager) After(d time.Duration, fn func()) *Timer {
	return dm.Schedule(time.Now().Add(d), fn)
}

func (dm *DelayManager) loop() {
	defer close(dm.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		next, ok := dm.nextRun()
		if !ok {
			// No timers, wait for a new one
			next = 1000 * time.Hour
		}

		timer.Reset(next)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.fireExpired()
		case <-dm.wakeup:
			// New earliest timer, recalculate
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// nextRun returns how long to wait for the earliest timer; zero if it is
// already due. ok is false when no timer is pending.
func (dm *DelayManager) nextRun() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.Peek()
	if item == nil {
		return 0, false
	}
	return max(time.Until(item.RunAt), 0), true
}

// fireExpired runs every due timer. Callbacks run outside the lock so they
// may schedule or cancel other timers.
func (dm *DelayManager) fireExpired() {
	dm.mu.Lock()

	now := time.Now()
	var expired []*Timer
	for dm.pq.Len() > 0 {
		item := dm.pq.Peek()
		if item.RunAt.After(now) {
			break
		}
		heap.Pop(&dm.pq)
		item.firing = true
		expired = append(expired, item)
	}

	dm.mu.Unlock()

	for _, item := range expired {
		item.fn()
		dm.mu.Lock()
		item.firing = false
		dm.mu.Unlock()
	}
}

// Stop ends the manager's goroutine and drops pending timers without running them.
func (dm *DelayManager) Stop() {
	dm.cancel()
	<-dm.done

	dm.mu.Lock()
	for _, t := range dm.pq {
		t.index = -1
	}
	dm.pq = make(timerHeap, 0)
	dm.mu.Unlock()
}

// Pending returns the number of timers that have not fired.
func (dm *DelayManager) Pending() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
