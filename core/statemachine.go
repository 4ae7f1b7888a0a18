package core

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// MaxStates is the largest number of states a Descriptor may declare.
const MaxStates = 64

// =============================================================================
// StateFlags / StateSet
// =============================================================================

// StateFlags marks special states of a descriptor.
type StateFlags uint32

const (
	// StateInitial marks the state a machine starts in. A descriptor has exactly one.
	StateInitial StateFlags = 1 << iota

	// StateTerminal marks a state in which a machine may be finalized.
	StateTerminal

	// StateFailure marks a state reached through Machine.Fail.
	StateFailure
)

func (f StateFlags) String() string {
	var parts []string
	if f&StateInitial != 0 {
		parts = append(parts, "initial")
	}
	if f&StateTerminal != 0 {
		parts = append(parts, "terminal")
	}
	if f&StateFailure != 0 {
		parts = append(parts, "failure")
	}
	return strings.Join(parts, "|")
}

// StateSet is a bitset of state indices.
type StateSet uint64

// States returns the set holding the given state indices.
func States(ids ...int) StateSet {
	var s StateSet
	for _, id := range ids {
		s = s.Add(id)
	}
	return s
}

// AllStates returns the set of the first n states.
func AllStates(n int) StateSet {
	if n >= MaxStates {
		return ^StateSet(0)
	}
	return StateSet(1)<<uint(n) - 1
}

// Has reports whether id is in the set.
func (s StateSet) Has(id int) bool {
	return id >= 0 && id < MaxStates && s&(1<<uint(id)) != 0
}

// Add returns s with id added.
func (s StateSet) Add(id int) StateSet {
	if id < 0 || id >= MaxStates {
		panic(errors.AssertionFailedf("state %d out of range", id))
	}
	return s | 1<<uint(id)
}

// Len returns the number of states in the set.
func (s StateSet) Len() int { return bits.OnesCount64(uint64(s)) }

// Each calls fn for each member in ascending order.
func (s StateSet) Each(fn func(id int)) {
	for s != 0 {
		id := bits.TrailingZeros64(uint64(s))
		fn(id)
		s &^= 1 << uint(id)
	}
}

// =============================================================================
// Descriptor
// =============================================================================

// StateDescriptor describes one state of a machine.
type StateDescriptor struct {
	Name    string
	Flags   StateFlags
	Allowed StateSet

	// OnEnter runs after the machine moved into this state.
	OnEnter func(m *Machine)
	// OnExit runs before the machine leaves this state.
	OnExit func(m *Machine)
	// Invariant, when set, must hold whenever the machine is in this state.
	Invariant func(m *Machine) bool
}

// Descriptor is the immutable table of states and legal transitions shared by
// all machines of one kind.
type Descriptor struct {
	name    string
	states  []StateDescriptor
	initial int
}

// NewDescriptor validates states and builds a Descriptor. The slice is copied.
func NewDescriptor(name string, states []StateDescriptor) (*Descriptor, error) {
	if len(states) == 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: no states", name)
	}
	if len(states) > MaxStates {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: %d states, at most %d allowed",
			name, len(states), MaxStates)
	}

	initial := -1
	terminals := 0
	valid := AllStates(len(states))
	for i, sd := range states {
		if sd.Name == "" {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: state %d has no name", name, i)
		}
		if sd.Flags&StateInitial != 0 {
			if initial >= 0 {
				return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: states %q and %q are both initial",
					name, states[initial].Name, sd.Name)
			}
			initial = i
		}
		if sd.Flags&StateTerminal != 0 {
			terminals++
		}
		if extra := sd.Allowed &^ valid; extra != 0 {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: state %q allows unknown states %#x",
				name, sd.Name, uint64(extra))
		}
	}
	if initial < 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: no initial state", name)
	}
	if terminals == 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: no terminal state", name)
	}

	return &Descriptor{
		name:    name,
		states:  append([]StateDescriptor(nil), states...),
		initial: initial,
	}, nil
}

// MustDescriptor is like NewDescriptor but panics on an invalid table.
func MustDescriptor(name string, states []StateDescriptor) *Descriptor {
	d, err := NewDescriptor(name, states)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) Name() string   { return d.name }
func (d *Descriptor) NumStates() int { return len(d.states) }

// Initial returns the index of the initial state.
func (d *Descriptor) Initial() int { return d.initial }

// State returns the descriptor of state id.
func (d *Descriptor) State(id int) StateDescriptor {
	d.checkState(id)
	return d.states[id]
}

// StateName returns the name of state id, or a placeholder for an unknown id.
func (d *Descriptor) StateName(id int) string {
	if id < 0 || id >= len(d.states) {
		return fmt.Sprintf("state(%d)", id)
	}
	return d.states[id].Name
}

// Lookup returns the index of the state called name.
func (d *Descriptor) Lookup(name string) (int, bool) {
	for i, sd := range d.states {
		if sd.Name == name {
			return i, true
		}
	}
	return -1, false
}

// CanTransition reports whether from -> to is a legal transition.
func (d *Descriptor) CanTransition(from, to int) bool {
	if from < 0 || from >= len(d.states) {
		return false
	}
	return d.states[from].Allowed.Has(to) && to < len(d.states)
}

// IsTerminal reports whether state id is flagged terminal.
func (d *Descriptor) IsTerminal(id int) bool {
	return id >= 0 && id < len(d.states) && d.states[id].Flags&StateTerminal != 0
}

func (d *Descriptor) checkState(id int) {
	assertf(id >= 0 && id < len(d.states), "%s: state %d out of range [0,%d)", d.name, id, len(d.states))
}

// =============================================================================
// Machine
// =============================================================================

// Machine is one instance of a Descriptor. A machine is owned by a single
// goroutine at a time; Get, Err and WaitState may be called from any
// goroutine.
type Machine struct {
	desc      *Descriptor
	state     atomic.Int32
	enteredAt time.Time
	stats     *TransitionStats
	ch        *Channel
	err       atomic.Pointer[error]
	finalized bool
}

// NewMachine returns a machine of desc in state initial.
func NewMachine(desc *Descriptor, initial int) *Machine {
	m := &Machine{}
	m.Init(desc, initial)
	return m
}

// Init puts m into state initial, which must be flagged StateInitial.
func (m *Machine) Init(desc *Descriptor, initial int) {
	assertf(desc != nil, "machine init with nil descriptor")
	desc.checkState(initial)
	assertf(desc.states[initial].Flags&StateInitial != 0,
		"%s: state %q is not initial", desc.name, desc.states[initial].Name)

	m.desc = desc
	m.state.Store(int32(initial))
	m.enteredAt = time.Now()
	m.err.Store(nil)
	m.finalized = false
	m.checkInvariant()
}

// Descriptor returns the machine's descriptor.
func (m *Machine) Descriptor() *Descriptor { return m.desc }

// Get returns the current state.
func (m *Machine) Get() int { return int(m.state.Load()) }

// StateName returns the name of the current state.
func (m *Machine) StateName() string { return m.desc.StateName(m.Get()) }

// IsTerminal reports whether the current state is terminal.
func (m *Machine) IsTerminal() bool { return m.desc.IsTerminal(m.Get()) }

// Err returns the error recorded by Fail, if any.
func (m *Machine) Err() error {
	if p := m.err.Load(); p != nil {
		return *p
	}
	return nil
}

// EnteredAt returns when the machine entered its current state.
func (m *Machine) EnteredAt() time.Time { return m.enteredAt }

// SetStats attaches transition instrumentation. Several machines of the same
// descriptor may share one TransitionStats.
func (m *Machine) SetStats(s *TransitionStats) {
	if s != nil {
		assertf(s.n == m.desc.NumStates(), "%s: stats sized for %d states", m.desc.name, s.n)
	}
	m.stats = s
}

// Stats returns the attached instrumentation, or nil.
func (m *Machine) Stats() *TransitionStats { return m.stats }

// AttachChannel makes every transition broadcast on ch. WaitState needs it.
func (m *Machine) AttachChannel(ch *Channel) { m.ch = ch }

// Channel returns the attached channel, or nil.
func (m *Machine) Channel() *Channel { return m.ch }

// Set moves the machine to next. A transition not allowed by the descriptor
// is a programming error and panics.
func (m *Machine) Set(next int) {
	assertf(!m.finalized, "%s: transition on finalized machine", m.desc.name)
	cur := m.Get()
	if !m.desc.CanTransition(cur, next) {
		panic(errors.AssertionFailedf("%s: illegal transition %s -> %s",
			m.desc.name, m.desc.StateName(cur), m.desc.StateName(next)))
	}

	if exit := m.desc.states[cur].OnExit; exit != nil {
		exit(m)
	}

	now := time.Now()
	if m.stats != nil {
		m.stats.Record(cur, next, now.Sub(m.enteredAt))
	}
	m.enteredAt = now
	m.state.Store(int32(next))

	if enter := m.desc.states[next].OnEnter; enter != nil {
		enter(m)
	}
	m.checkInvariant()

	if m.ch != nil {
		m.ch.Broadcast()
	}
}

// Fail records err and moves the machine to next, which must be a failure
// or terminal state.
func (m *Machine) Fail(next int, err error) {
	m.desc.checkState(next)
	assertf(m.desc.states[next].Flags&(StateFailure|StateTerminal) != 0,
		"%s: Fail into %q, which is neither failure nor terminal", m.desc.name, m.desc.StateName(next))
	assertf(err != nil, "%s: Fail with nil error", m.desc.name)
	m.err.Store(&err)
	m.Set(next)
}

// Fini ends the machine's life. The machine must be in a terminal state.
func (m *Machine) Fini() {
	assertf(!m.finalized, "%s: double fini", m.desc.name)
	assertf(m.IsTerminal(), "%s: fini in non-terminal state %q", m.desc.name, m.StateName())
	m.finalized = true
}

// WaitState blocks until the machine's state is in mask or ctx is done. It
// needs a channel attached with AttachChannel.
func (m *Machine) WaitState(ctx context.Context, mask StateSet) error {
	assertf(m.ch != nil, "%s: WaitState without an attached channel", m.desc.name)

	cl := NewClink(nil)
	m.ch.Add(cl)
	defer m.ch.Del(cl)

	for {
		if mask.Has(m.Get()) {
			return nil
		}
		if err := cl.Wait(ctx); err != nil {
			return err
		}
	}
}

func (m *Machine) checkInvariant() {
	sd := &m.desc.states[m.Get()]
	if sd.Invariant != nil && !sd.Invariant(m) {
		panic(errors.AssertionFailedf("%s: invariant of state %q violated", m.desc.name, sd.Name))
	}
}
