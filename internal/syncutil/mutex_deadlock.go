//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute
}

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = true

// A Mutex is a mutual exclusion lock backed by the deadlock detector.
type Mutex struct {
	deadlock.Mutex
}

// AssertHeld may panic if the mutex is not locked (but it is not required to
// do so).
func (m *Mutex) AssertHeld() {
}

// An RWMutex is a reader/writer mutual exclusion lock backed by the deadlock
// detector.
type RWMutex struct {
	deadlock.RWMutex
}

// AssertHeld may panic if the mutex is not locked for writing (but it is not
// required to do so).
func (rw *RWMutex) AssertHeld() {
}

// AssertRHeld may panic if the mutex is not locked for reading (but it is not
// required to do so). If the mutex is locked for writing, it is also considered
// to be locked for reading.
func (rw *RWMutex) AssertRHeld() {
}
