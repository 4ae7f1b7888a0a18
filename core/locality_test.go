package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleLocality returns locality 0 of an unstarted domain with a live context,
// so park can be driven directly from the test goroutine.
func idleLocality(t *testing.T) *Locality {
	t.Helper()
	d := newTestDomain(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := d.Locality(0)
	l.ctx = ctx
	return l
}

func setCounts(l *Locality, workers, idle, blocked int) {
	l.mu.Lock()
	l.workers, l.idle, l.blocked = workers, idle, blocked
	l.mu.Unlock()
}

// TestLocality_ParkRetire verifies when a parked auxiliary worker may exit
// Given: An auxiliary worker parking with different worker and blocked counts
// When: park returns
// Then: It retires only when another worker outside a blocking section remains
func TestLocality_ParkRetire(t *testing.T) {
	tests := []struct {
		name                  string
		workers, idle, blocks int
		wantOK, wantRetired   bool
		wantWorkers           int
	}{
		{
			name:    "surplus while another worker is idle",
			workers: 2, idle: 1, blocks: 0,
			wantOK: false, wantRetired: true, wantWorkers: 1,
		},
		{
			name:    "last worker outside a blocking section stays",
			workers: 2, idle: 0, blocks: 1,
			wantOK: true, wantRetired: false, wantWorkers: 2,
		},
		{
			name:    "idle timeout with a spare worker",
			workers: 3, idle: 0, blocks: 1,
			wantOK: false, wantRetired: true, wantWorkers: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			l := idleLocality(t)
			setCounts(l, tt.workers, tt.idle, tt.blocks)

			// Act
			ok, retired := l.park(NewClink(nil), false, 0, false)

			// Assert
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantRetired, retired)
			ls := l.Stats()
			assert.Equal(t, tt.wantWorkers, ls.Workers)
			assert.Equal(t, tt.idle, ls.Idle)
			assert.Zero(t, l.runrun.Waiters())
		})
	}
}

// TestLocality_ParkStaysForQueuedWork verifies a spare worker does not leave
// queued tasks behind
// Given: An auxiliary worker that could retire and a task already queued
// When: It parks
// Then: It keeps running so the queue is served
func TestLocality_ParkStaysForQueuedWork(t *testing.T) {
	l := idleLocality(t)
	setCounts(l, 3, 0, 1)

	task, err := l.Domain().NewTask(steps(1, nil), Fixed(0), newPhaseDescriptor(t))
	require.NoError(t, err)
	l.queue.Push(task)

	ok, retired := l.park(NewClink(nil), false, 0, false)
	assert.True(t, ok)
	assert.False(t, retired)
	assert.Equal(t, 3, l.Stats().Workers)
}

// TestLocality_ChoreAddedBeforeParkRunsPromptly verifies a new chore wakes a parking worker
// Given: A chore added after the worker ran its chores but before it registered on runrun
// When: The primary worker goes to sleep
// Then: It returns at once instead of waiting for an unrelated wakeup
func TestLocality_ChoreAddedBeforeParkRunsPromptly(t *testing.T) {
	// Arrange
	l := idleLocality(t)
	l.addChore(&Chore{name: "late", fn: func(context.Context, *Locality) {}})

	cl := NewClink(nil)
	l.runrun.Add(cl)
	defer l.runrun.Del(cl)

	// Act
	returned := make(chan bool, 1)
	go func() { returned <- l.sleep(cl, true, 0, false) }()

	// Assert
	select {
	case timedOut := <-returned:
		assert.False(t, timedOut)
	case <-time.After(5 * time.Second):
		l.runrun.Signal()
		t.Fatal("worker slept through a new chore")
	}

	_, _ = l.runChores(time.Now())
	assert.False(t, l.hasPendingWork())
}
