package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChannel_SignalWakesAtMostOne verifies signal selection
// Given: Three blocking clinks registered in order
// When: Signal is called four times
// Then: Each clink is woken exactly once, oldest first, and the fourth signal wakes nobody
func TestChannel_SignalWakesAtMostOne(t *testing.T) {
	// Arrange
	ch := NewChannel()
	clinks := []*Clink{NewClink(nil), NewClink(nil), NewClink(nil)}
	for _, cl := range clinks {
		ch.Add(cl)
	}

	// Act and Assert
	ch.Signal()
	assert.True(t, clinks[0].pending())
	assert.False(t, clinks[1].pending())
	assert.False(t, clinks[2].pending())

	ch.Signal()
	ch.Signal()
	ch.Signal()

	for i, cl := range clinks {
		assert.True(t, cl.TryWait(), "clink %d should have been signaled", i)
		assert.False(t, cl.TryWait(), "clink %d signaled more than once", i)
	}
}

func TestChannel_SignalRoundRobin(t *testing.T) {
	ch := NewChannel()
	var hits [3]atomic.Int32
	for i := range hits {
		ch.Add(NewClink(func(*Clink) { hits[i].Add(1) }))
	}

	for range 9 {
		ch.Signal()
	}

	for i := range hits {
		assert.Equal(t, int32(3), hits[i].Load(), "callback %d", i)
	}
}

// TestChannel_BroadcastIsNotRetroactive verifies broadcast only reaches current clinks
// Given: An empty channel
// When: Broadcast is called and a clink is registered afterwards
// Then: The late clink is not woken
func TestChannel_BroadcastIsNotRetroactive(t *testing.T) {
	ch := NewChannel()
	ch.Broadcast()

	late := NewClink(nil)
	ch.Add(late)
	assert.False(t, late.TryWait())
	assert.False(t, late.WaitTimeout(10*time.Millisecond))
}

func TestChannel_BroadcastWakesAll(t *testing.T) {
	ch := NewChannel()
	var fired atomic.Int32
	for range 5 {
		ch.Add(NewClink(func(*Clink) { fired.Add(1) }))
	}
	waiter := NewClink(nil)
	ch.Add(waiter)

	ch.Broadcast()

	assert.Equal(t, int32(5), fired.Load())
	assert.True(t, waiter.TryWait())
	assert.Equal(t, 6, ch.Waiters())
}

func TestClink_SignalBeforeWaitIsKept(t *testing.T) {
	ch := NewChannel()
	cl := NewClink(nil)
	ch.Add(cl)
	ch.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cl.Wait(ctx))
}

func TestClink_StaleSignalDroppedOnAdd(t *testing.T) {
	ch := NewChannel()
	cl := NewClink(nil)
	ch.Add(cl)
	ch.Signal()
	ch.Del(cl)

	ch.Add(cl)
	assert.False(t, cl.TryWait())
}

func TestClink_WaitAcrossGoroutines(t *testing.T) {
	ch := NewChannel()
	cl := NewClink(nil)
	ch.Add(cl)

	done := make(chan error, 1)
	go func() {
		done <- cl.Wait(context.Background())
	}()
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.blocked == 1
	}, time.Second, time.Millisecond)

	ch.Signal()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

// TestChannel_FiniWaitsForInflightBroadcast verifies fini drains callbacks
// Given: A broadcast whose callback is slow and already running
// When: Fini is called concurrently
// Then: Fini returns only after the callback finished
func TestChannel_FiniWaitsForInflightBroadcast(t *testing.T) {
	// Arrange
	ch := NewChannel()
	started := make(chan struct{})
	var finished atomic.Bool
	ch.Add(NewClink(func(*Clink) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	}))
	go ch.Broadcast()
	<-started

	// Act
	ch.Fini()

	// Assert
	assert.True(t, finished.Load(), "Fini returned while a callback was still running")
}

func TestChannel_UseAfterFiniPanics(t *testing.T) {
	ch := NewChannel()
	cb := NewClink(func(*Clink) {})
	ch.Add(cb)
	ch.Fini()

	assert.False(t, cb.IsArmed(), "Fini detaches callback clinks")
	ch.Del(cb)

	requireAssertion(t, ch.Signal)
	requireAssertion(t, ch.Broadcast)
	requireAssertion(t, func() { ch.Add(NewClink(nil)) })
	requireAssertion(t, ch.Fini)
}

func TestChannel_FiniWithBlockedWaiterPanics(t *testing.T) {
	ch := NewChannel()
	cl := NewClink(nil)
	ch.Add(cl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cl.Wait(ctx) }()
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.blocked == 1
	}, time.Second, time.Millisecond)

	requireAssertion(t, ch.Fini)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// TestChannel_DelFromCallbackPanics verifies callbacks cannot deregister
// Given: A callback clink that tries to delete itself
// When: The channel is signaled
// Then: The signal panics with an assertion and the channel stays usable
func TestChannel_DelFromCallbackPanics(t *testing.T) {
	ch := NewChannel()
	cl := NewClink(func(cl *Clink) { ch.Del(cl) })
	ch.Add(cl)

	requireAssertion(t, ch.Signal)

	assert.True(t, cl.IsArmed())
	ch.Del(cl)
	assert.Zero(t, ch.Waiters())
	ch.Fini()
}

func TestChannel_AddFromCallbackPanics(t *testing.T) {
	ch := NewChannel()
	ch.Add(NewClink(func(*Clink) { ch.Add(NewClink(nil)) }))
	requireAssertion(t, ch.Broadcast)
}

func TestChannel_ClinkMisuse(t *testing.T) {
	a, b := NewChannel(), NewChannel()
	cl := NewClink(nil)

	requireAssertion(t, func() { _ = cl.Wait(context.Background()) })
	requireAssertion(t, func() { a.Del(cl) })

	a.Add(cl)
	assert.Same(t, a, cl.Channel())
	requireAssertion(t, func() { a.Add(cl) })
	requireAssertion(t, func() { b.Add(cl) })
	requireAssertion(t, func() { b.Del(cl) })

	cb := NewClink(func(*Clink) {})
	a.Add(cb)
	requireAssertion(t, func() { _ = cb.Wait(context.Background()) })
	requireAssertion(t, func() { cb.TryWait() })
}
