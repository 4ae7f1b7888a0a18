package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// TransitionRecord is the accumulated timing of one (from, to) edge.
type TransitionRecord struct {
	From     int
	To       int
	FromName string
	ToName   string
	Count    uint64
	// Total is the time spent in From summed over every From -> To transition.
	Total time.Duration
}

// Mean returns the average time spent in From before moving to To.
func (r TransitionRecord) Mean() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Count)
}

// TransitionSink receives transition records, e.g. for persistence or export.
type TransitionSink interface {
	WriteTransitions(ctx context.Context, machine string, records []TransitionRecord) error
}

type edgeCounter struct {
	count atomic.Uint64
	nanos atomic.Int64
}

// TransitionStats accumulates per-edge transition counts and elapsed time for
// machines of one descriptor. All methods are safe for concurrent use.
type TransitionStats struct {
	desc  *Descriptor
	n     int
	edges []edgeCounter
}

// NewTransitionStats returns an empty table for machines of desc.
func NewTransitionStats(desc *Descriptor) *TransitionStats {
	n := desc.NumStates()
	return &TransitionStats{
		desc:  desc,
		n:     n,
		edges: make([]edgeCounter, n*n),
	}
}

// Descriptor returns the descriptor the table was built for.
func (s *TransitionStats) Descriptor() *Descriptor { return s.desc }

// Record adds one from -> to transition that happened after elapsed time in from.
func (s *TransitionStats) Record(from, to int, elapsed time.Duration) {
	if from < 0 || from >= s.n || to < 0 || to >= s.n {
		return
	}
	e := &s.edges[from*s.n+to]
	e.count.Add(1)
	e.nanos.Add(int64(elapsed))
}

// Add merges a stored record into the table, e.g. one read back from a sink.
// Records naming states outside the table are ignored.
func (s *TransitionStats) Add(rec TransitionRecord) {
	if rec.From < 0 || rec.From >= s.n || rec.To < 0 || rec.To >= s.n {
		return
	}
	e := &s.edges[rec.From*s.n+rec.To]
	e.count.Add(rec.Count)
	e.nanos.Add(int64(rec.Total))
}

// Reset clears every counter.
func (s *TransitionStats) Reset() {
	for i := range s.edges {
		s.edges[i].count.Store(0)
		s.edges[i].nanos.Store(0)
	}
}

// Count returns the number of recorded from -> to transitions.
func (s *TransitionStats) Count(from, to int) uint64 {
	if from < 0 || from >= s.n || to < 0 || to >= s.n {
		return 0
	}
	return s.edges[from*s.n+to].count.Load()
}

// Snapshot returns the non-empty edges ordered by (from, to).
func (s *TransitionStats) Snapshot() []TransitionRecord {
	var out []TransitionRecord
	for from := 0; from < s.n; from++ {
		for to := 0; to < s.n; to++ {
			e := &s.edges[from*s.n+to]
			c := e.count.Load()
			if c == 0 {
				continue
			}
			out = append(out, TransitionRecord{
				From:     from,
				To:       to,
				FromName: s.desc.StateName(from),
				ToName:   s.desc.StateName(to),
				Count:    c,
				Total:    time.Duration(e.nanos.Load()),
			})
		}
	}
	return out
}

// Flush writes the current snapshot to sink. Empty tables are skipped.
func (s *TransitionStats) Flush(ctx context.Context, sink TransitionSink) error {
	recs := s.Snapshot()
	if len(recs) == 0 {
		return nil
	}
	if err := sink.WriteTransitions(ctx, s.desc.Name(), recs); err != nil {
		return errors.Wrapf(err, "flush transitions of %s", s.desc.Name())
	}
	return nil
}
