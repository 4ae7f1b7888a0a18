// Package localityrunner is a cooperative, phase-based task scheduler.
//
// Work is expressed as tasks that a Domain ticks on one of its localities.
// A tick runs a bounded step and reports whether the task wants to run
// again, wait for an event, or is finished. Every task carries a phase
// machine whose legal transitions are declared once in a Descriptor and
// checked on every Set.
//
// # Quick Start
//
// Initialize the global domain at application startup:
//
//	localityrunner.InitGlobalDomain(4) // 4 localities
//	defer localityrunner.ShutdownGlobalDomain()
//
// Spawn a task:
//
//	phases := localityrunner.MustDescriptor("job", []localityrunner.StateDescriptor{
//		{Name: "RUN", Flags: localityrunner.StateInitial, Allowed: localityrunner.States(1)},
//		{Name: "DONE", Flags: localityrunner.StateTerminal},
//	})
//	localityrunner.Spawn(localityrunner.TaskFuncs{
//		TickFunc: func(ctx context.Context, t *localityrunner.Task) localityrunner.TickResult {
//			t.Phase.Set(1)
//			return localityrunner.TickTerminal
//		},
//	}, phases)
//
// # Key Concepts
//
// Locality: a run queue with one worker token. At most one task of a
// locality ticks at a time, and a task never leaves its home locality.
//
// Channel and Clink: the wait primitive. A task arms a wait point with
// Task.WaitOn or Task.WakeupAfter and returns TickWait; Task.Wakeup puts it
// back on its run queue exactly once.
//
// Blocking section: Task.BlockEnter hands the locality's token to another
// worker so a tick can block without stalling its locality. BlockLeave
// takes it back.
//
// # Contract Violations
//
// Returning TickWait without a wait point, queueing a task twice or leaving
// a tick inside a blocking section panics with an assertion failure from
// github.com/cockroachdb/errors. Set DomainConfig.AbandonOnPanic to drop the
// offending task and keep the worker alive instead.
package localityrunner
