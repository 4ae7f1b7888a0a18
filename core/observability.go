package core

import "time"

// TickRecord captures one completed tick.
type TickRecord struct {
	TaskID     TaskID
	Locality   string
	Phase      string
	Result     TickResult
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
}

// LocalityStats represents runtime observability state for a locality.
type LocalityStats struct {
	Index   int
	Name    string
	Queued  int
	Homed   int64
	Workers int
	Idle    int
	Blocked int
	Ticks   int64
	Chores  int
}

// DomainStats represents runtime observability state for a domain.
type DomainStats struct {
	Name       string
	Running    bool
	LiveTasks  int64
	Timers     int
	Localities []LocalityStats
}
