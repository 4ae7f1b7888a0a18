package sqlite

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Swind/go-locality-runner/core"
)

// Flush describes one WriteTransitions call.
type Flush struct {
	ID        int64
	Machine   string
	FlushedAt time.Time
	Edges     int
}

// Machines returns the names of every machine with stored transitions.
func (s *Store) Machines(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT machine FROM transitions ORDER BY machine`)
	if err != nil {
		return nil, errors.Wrap(err, "query machines")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan machine")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "query machines")
}

// Transitions returns the latest stored counters of machine ordered by
// (from, to).
func (s *Store) Transitions(ctx context.Context, machine string) ([]core.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, from_state, to_state, count, total_ns
		FROM transitions
		WHERE machine = ?
		ORDER BY from_id, to_id
	`, machine)
	if err != nil {
		return nil, errors.Wrapf(err, "query transitions of %s", machine)
	}
	defer rows.Close()

	var recs []core.TransitionRecord
	for rows.Next() {
		var r core.TransitionRecord
		var count, total int64
		if err := rows.Scan(&r.From, &r.To, &r.FromName, &r.ToName, &count, &total); err != nil {
			return nil, errors.Wrapf(err, "scan transition of %s", machine)
		}
		r.Count = uint64(count)
		r.Total = time.Duration(total)
		recs = append(recs, r)
	}
	return recs, errors.Wrapf(rows.Err(), "query transitions of %s", machine)
}

// Flushes returns the flush log of machine, newest first, at most limit
// entries. A limit of zero or less returns all of them.
func (s *Store) Flushes(ctx context.Context, machine string, limit int) ([]Flush, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine, flushed_at, edges
		FROM flushes
		WHERE machine = ?
		ORDER BY id DESC
		LIMIT ?
	`, machine, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "query flushes of %s", machine)
	}
	defer rows.Close()

	var out []Flush
	for rows.Next() {
		var f Flush
		var at int64
		if err := rows.Scan(&f.ID, &f.Machine, &at, &f.Edges); err != nil {
			return nil, errors.Wrapf(err, "scan flush of %s", machine)
		}
		f.FlushedAt = time.Unix(0, at)
		out = append(out, f)
	}
	return out, errors.Wrapf(rows.Err(), "query flushes of %s", machine)
}
