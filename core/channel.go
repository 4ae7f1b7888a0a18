package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// =============================================================================
// Clink: a single registered wait point
// =============================================================================

// Clink is one wait point registered on a Channel. A clink either has a
// callback, which the signaling goroutine runs under the channel's guard, or
// it has a one-slot latch that Wait blocks on.
//
// A clink belongs to the goroutine that registered it. The only code that
// touches it concurrently is the channel while it signals.
type Clink struct {
	cb    func(cl *Clink)
	ch    atomic.Pointer[Channel]
	latch chan struct{}

	// Value is free for the owner, e.g. to find its task from a callback.
	Value any
}

// NewClink returns an idle clink. With a nil callback the clink is woken by
// Wait; otherwise cb runs on every wakeup.
func NewClink(cb func(cl *Clink)) *Clink {
	cl := &Clink{cb: cb}
	if cb == nil {
		cl.latch = make(chan struct{}, 1)
	}
	return cl
}

// IsArmed reports whether the clink is registered on a channel.
func (cl *Clink) IsArmed() bool { return cl.ch.Load() != nil }

// Channel returns the channel the clink is registered on, or nil.
func (cl *Clink) Channel() *Channel { return cl.ch.Load() }

// Wait blocks until the clink is signaled or ctx is done. A signal delivered
// after registration but before Wait is not lost.
func (cl *Clink) Wait(ctx context.Context) error {
	assertf(cl.cb == nil, "Wait on a callback clink")
	ch := cl.ch.Load()
	assertf(ch != nil, "Wait on an idle clink")

	ch.mu.Lock()
	ch.blocked++
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		ch.blocked--
		ch.mu.Unlock()
	}()

	select {
	case <-cl.latch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait with a relative deadline. It reports whether the clink
// was signaled.
func (cl *Clink) WaitTimeout(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return cl.Wait(ctx) == nil
}

// TryWait consumes a pending signal without blocking.
func (cl *Clink) TryWait() bool {
	assertf(cl.cb == nil, "TryWait on a callback clink")
	select {
	case <-cl.latch:
		return true
	default:
		return false
	}
}

func (cl *Clink) pending() bool {
	return cl.latch != nil && len(cl.latch) > 0
}

// =============================================================================
// Channel: multi-waiter signal/broadcast
// =============================================================================

// Channel wakes clinks registered on it. The zero value is ready to use.
//
// Signal picks waiters round robin, starting with the oldest registration: it
// wakes the first clink without a pending signal and moves it to the tail.
// Broadcast wakes every clink registered when it takes the guard.
//
// Callbacks run under the guard; a callback must not register, deregister or
// signal on the channel it was called from.
type Channel struct {
	mu      syncutil.Mutex
	clinks  []*Clink
	blocked int

	// cbOwner is the goroutine id currently running callbacks, or 0.
	cbOwner atomic.Int64

	gate      syncutil.Mutex
	drained   sync.Cond
	inflight  int
	finalized bool
}

// NewChannel returns an empty channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Signal wakes at most one registered clink.
func (c *Channel) Signal() {
	c.enter("Signal")
	defer c.leave()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cl := range c.clinks {
		if cl.pending() {
			continue
		}
		copy(c.clinks[i:], c.clinks[i+1:])
		c.clinks[len(c.clinks)-1] = cl
		c.fireLocked(cl)
		return
	}
}

// Broadcast wakes every clink registered at the time of the call.
func (c *Channel) Broadcast() {
	c.enter("Broadcast")
	defer c.leave()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clinks {
		c.fireLocked(cl)
	}
}

func (c *Channel) fireLocked(cl *Clink) {
	c.mu.AssertHeld()
	if cl.cb == nil {
		select {
		case cl.latch <- struct{}{}:
		default:
		}
		return
	}
	prev := c.cbOwner.Swap(goid.Get())
	defer c.cbOwner.Store(prev)
	cl.cb(cl)
}

// Add registers an idle clink. Any stale signal left on the clink from an
// earlier registration is dropped.
func (c *Channel) Add(cl *Clink) {
	assertf(!c.isFinalized(), "Add on a finalized channel")
	assertf(c.cbOwner.Load() != goid.Get(), "Add from a callback of the same channel")

	c.mu.Lock()
	defer c.mu.Unlock()
	if !cl.ch.CompareAndSwap(nil, c) {
		panic(assertionf("Add of a clink that is already armed"))
	}
	if cl.latch != nil {
		select {
		case <-cl.latch:
		default:
		}
	}
	c.clinks = append(c.clinks, cl)
}

// Del deregisters cl. Only the clink's owner may call it, and never from
// inside the clink's own callback. Deleting a clink that a finalized channel
// already detached is a no-op.
func (c *Channel) Del(cl *Clink) {
	assertf(c.cbOwner.Load() != goid.Get(), "Del from a callback of the same channel")

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl.ch.Load() == nil && c.isFinalized() {
		return
	}
	assertf(cl.ch.Load() == c, "Del of a clink not armed on this channel")
	for i, x := range c.clinks {
		if x == cl {
			c.clinks = append(c.clinks[:i], c.clinks[i+1:]...)
			break
		}
	}
	cl.ch.Store(nil)
}

// Waiters returns the number of registered clinks.
func (c *Channel) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clinks)
}

// Fini finalizes the channel. It returns only after every Signal and
// Broadcast that started before it have finished running their callbacks.
// No goroutine may still be blocked in Wait on the channel. Callback clinks
// that are still registered are detached.
func (c *Channel) Fini() {
	assertf(c.cbOwner.Load() != goid.Get(), "Fini from a callback of the same channel")

	c.gate.Lock()
	if c.finalized {
		c.gate.Unlock()
		panic(assertionf("double Fini of a channel"))
	}
	c.finalized = true
	c.condLocked()
	for c.inflight > 0 {
		c.drained.Wait()
	}
	c.gate.Unlock()

	c.mu.Lock()
	blocked := c.blocked
	for _, cl := range c.clinks {
		cl.ch.Store(nil)
	}
	c.clinks = nil
	c.mu.Unlock()

	assertf(blocked == 0, "Fini with %d goroutines blocked in Wait", blocked)
}

func (c *Channel) enter(op string) {
	c.gate.Lock()
	if c.finalized {
		c.gate.Unlock()
		panic(assertionf("%s on a finalized channel", op))
	}
	c.inflight++
	c.gate.Unlock()
}

func (c *Channel) leave() {
	c.gate.Lock()
	c.inflight--
	if c.inflight == 0 {
		c.condLocked()
		c.drained.Broadcast()
	}
	c.gate.Unlock()
}

func (c *Channel) condLocked() {
	if c.drained.L == nil {
		c.drained.L = &c.gate
	}
}

func (c *Channel) isFinalized() bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.finalized
}
