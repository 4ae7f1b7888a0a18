package core

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling tick panics
// =============================================================================

// PanicHandler is called when a tick panics, including when the engine
// detects a contract violation on behalf of a task.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a tick panics.
	//
	// Parameters:
	// - ctx: The tick context (CurrentTask and CurrentLocality work on it)
	// - locality: The name of the locality the task is homed to
	// - taskID: The task that was being ticked
	// - panicInfo: The recovered panic value
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, locality string, taskID TaskID, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler writes panic information to stderr.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stderr.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, locality string, taskID TaskID, panicInfo any, stackTrace []byte) {
	fmt.Fprintf(os.Stderr, "[%s] task %s panic: %v\nStack trace:\n%s",
		locality, taskID, panicInfo, stackTrace)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting scheduler metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they run on locality workers.
type Metrics interface {
	// RecordTick records one tick and its outcome.
	RecordTick(locality string, result TickResult, duration time.Duration)

	// RecordTaskPanic records that a tick panicked.
	RecordTaskPanic(locality string, panicInfo any)

	// RecordQueueDepth records the run-queue depth of a locality.
	RecordQueueDepth(locality string, depth int)

	// RecordTaskRejected records that a queue request was rejected (e.g., during shutdown).
	RecordTaskRejected(locality string, reason string)

	// RecordBlockingSection records how long a task spent between BlockEnter and BlockLeave.
	RecordBlockingSection(locality string, duration time.Duration)

	// RecordWorkerSpawned records that a locality recruited an auxiliary worker.
	RecordWorkerSpawned(locality string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTick(locality string, result TickResult, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(locality string, panicInfo any)                        {}
func (m *NilMetrics) RecordQueueDepth(locality string, depth int)                           {}
func (m *NilMetrics) RecordTaskRejected(locality string, reason string)                     {}
func (m *NilMetrics) RecordBlockingSection(locality string, duration time.Duration)         {}
func (m *NilMetrics) RecordWorkerSpawned(locality string)                                   {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when the domain refuses to queue a task,
// which happens once it is shutting down.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(locality string, taskID TaskID, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks through the domain logger.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(locality string, taskID TaskID, reason string) {
	l := h.Logger
	if l == nil {
		l = NewDefaultLogger()
	}
	l.Warn("task rejected", F("locality", locality), F("task", taskID), F("reason", reason))
}

// =============================================================================
// DomainConfig: Configuration for Domain
// =============================================================================

// DomainConfig holds configuration options for a Domain.
// All handlers are optional; if not provided, default implementations will be used.
type DomainConfig struct {
	// Name prefixes locality names. Defaults to "domain".
	Name string

	// Localities is the number of localities. Defaults to runtime.NumCPU().
	Localities int

	// MaxTasks caps the number of live tasks; NewTask fails with ErrTaskLimit
	// beyond it. Zero means no cap.
	MaxTasks int

	// PinLocalities locks each locality's primary worker to an OS thread
	// bound to one CPU.
	PinLocalities bool

	// AbandonOnPanic makes a worker drop a task whose tick panicked and keep
	// running. By default the panic is re-raised after reporting, which
	// terminates the process.
	AbandonOnPanic bool

	// HistoryCapacity is the number of recent ticks kept for RecentTicks.
	HistoryCapacity int

	// Registry supplies shared phase stats for registered descriptors.
	Registry *Registry

	// PanicHandler is called when a tick panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record scheduler metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger receives lifecycle events. Defaults to DefaultLogger.
	Logger Logger
}

// DefaultDomainConfig returns a config with default handlers.
func DefaultDomainConfig() *DomainConfig {
	logger := NewDefaultLogger()
	return &DomainConfig{
		Name:                "domain",
		Localities:          runtime.NumCPU(),
		HistoryCapacity:     defaultTaskHistoryCapacity,
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	}
}

// withDefaults returns a copy of cfg with empty fields filled in.
func (cfg *DomainConfig) withDefaults() DomainConfig {
	def := DefaultDomainConfig()
	if cfg == nil {
		return *def
	}
	out := *cfg
	if out.Name == "" {
		out.Name = def.Name
	}
	if out.Localities <= 0 {
		out.Localities = def.Localities
	}
	if out.HistoryCapacity <= 0 {
		out.HistoryCapacity = def.HistoryCapacity
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.PanicHandler == nil {
		out.PanicHandler = def.PanicHandler
	}
	if out.Metrics == nil {
		out.Metrics = def.Metrics
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: out.Logger}
	}
	return out
}
