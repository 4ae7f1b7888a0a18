package localityrunner

import "github.com/Swind/go-locality-runner/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the localityrunner package for most use cases.

// Task is a unit of cooperative work homed to one locality.
type Task = core.Task

// TaskOps is what a task does on each tick and when it is finalized.
type TaskOps = core.TaskOps

// TaskFuncs adapts plain functions to TaskOps.
type TaskFuncs = core.TaskFuncs

// TaskID identifies a task.
type TaskID = core.TaskID

// TickResult is the outcome of one tick.
type TickResult = core.TickResult

// Tick results
const (
	TickAgain    TickResult = core.TickAgain
	TickWait     TickResult = core.TickWait
	TickTerminal TickResult = core.TickTerminal
)

// Domain is a set of localities sharing a task limit and timers.
type Domain = core.Domain

// DomainConfig configures a Domain.
type DomainConfig = core.DomainConfig

// Locality is one run queue and its workers.
type Locality = core.Locality

// HomeLocalityFunc picks the locality of a new task.
type HomeLocalityFunc = core.HomeLocalityFunc

// Channel and Clink are the wait primitive.
type (
	Channel = core.Channel
	Clink   = core.Clink
)

// Descriptor, StateDescriptor and Machine make up the state machine engine.
type (
	Descriptor      = core.Descriptor
	StateDescriptor = core.StateDescriptor
	StateFlags      = core.StateFlags
	StateSet        = core.StateSet
	Machine         = core.Machine
	Registry        = core.Registry
)

// State flags
const (
	StateInitial  StateFlags = core.StateInitial
	StateTerminal StateFlags = core.StateTerminal
	StateFailure  StateFlags = core.StateFailure
)

// Sentinel errors
var (
	ErrTaskLimit         = core.ErrTaskLimit
	ErrDomainStopped     = core.ErrDomainStopped
	ErrInvalidDescriptor = core.ErrInvalidDescriptor
)

// Constructors and helpers
var (
	NewDomain           = core.NewDomain
	DefaultDomainConfig = core.DefaultDomainConfig
	NewDescriptor       = core.NewDescriptor
	MustDescriptor      = core.MustDescriptor
	NewMachine          = core.NewMachine
	NewRegistry         = core.NewRegistry
	States              = core.States
	NewChannel          = core.NewChannel
	NewClink            = core.NewClink
	RoundRobin          = core.RoundRobin
	HashKey             = core.HashKey
	Fixed               = core.Fixed
	CurrentTask         = core.CurrentTask
	CurrentLocality     = core.CurrentLocality
)
