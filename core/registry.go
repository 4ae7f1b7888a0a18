package core

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// Registry holds the descriptors known to a process together with their
// shared transition stats. It is created at startup and passed to whatever
// needs it; there is no package-level registry.
type Registry struct {
	mu      syncutil.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	desc  *Descriptor
	stats *TransitionStats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds desc and returns its stats table. Registering the same
// descriptor again returns the existing table; registering a different
// descriptor under a taken name fails.
func (r *Registry) Register(desc *Descriptor) (*TransitionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[desc.Name()]; ok {
		if e.desc != desc {
			return nil, errors.Newf("descriptor %q already registered", desc.Name())
		}
		return e.stats, nil
	}
	e := &registryEntry{desc: desc, stats: NewTransitionStats(desc)}
	r.entries[desc.Name()] = e
	return e.stats, nil
}

// MustRegister is like Register but panics on a name clash.
func (r *Registry) MustRegister(desc *Descriptor) *TransitionStats {
	s, err := r.Register(desc)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// Stats returns the stats table of the descriptor registered under name.
func (r *Registry) Stats(name string) (*TransitionStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.stats, true
}

// statsFor returns the table for desc if desc itself is registered.
func (r *Registry) statsFor(desc *Descriptor) *TransitionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[desc.Name()]; ok && e.desc == desc {
		return e.stats
	}
	return nil
}

// Names returns the registered descriptor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Flush writes every non-empty stats table to sink.
func (r *Registry) Flush(ctx context.Context, sink TransitionSink) error {
	for _, name := range r.Names() {
		stats, ok := r.Stats(name)
		if !ok {
			continue
		}
		if err := stats.Flush(ctx, sink); err != nil {
			return err
		}
	}
	return nil
}
