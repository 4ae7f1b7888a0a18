package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-locality-runner/core"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newLinkDescriptor() *core.Descriptor {
	return core.MustDescriptor("link", []core.StateDescriptor{
		{Name: "DOWN", Flags: core.StateInitial, Allowed: core.States(1, 2)},
		{Name: "UP", Allowed: core.States(0, 2)},
		{Name: "CLOSED", Flags: core.StateTerminal},
	})
}

func TestOpen_CreatesDatabase(t *testing.T) {
	_, path := openTestStore(t)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	for range 3 {
		s, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := openTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	s, path := openTestStore(t)
	_, err := s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

// TestStore_FlushRoundTrip verifies stats survive a flush and read back
// Given: A stats table with two used edges
// When: It is flushed twice with more transitions in between
// Then: Transitions holds the latest cumulative counts and Flushes logs both flushes
func TestStore_FlushRoundTrip(t *testing.T) {
	// Arrange
	s, _ := openTestStore(t)
	ctx := context.Background()
	desc := newLinkDescriptor()
	stats := core.NewTransitionStats(desc)
	stats.Record(0, 1, 10*time.Millisecond)
	stats.Record(1, 0, 30*time.Millisecond)

	// Act
	require.NoError(t, stats.Flush(ctx, s))
	stats.Record(0, 1, 20*time.Millisecond)
	require.NoError(t, stats.Flush(ctx, s))

	// Assert
	recs, err := s.Transitions(ctx, "link")
	require.NoError(t, err)
	assert.Equal(t, stats.Snapshot(), recs)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[0].Count)
	assert.Equal(t, 30*time.Millisecond, recs[0].Total)
	assert.Equal(t, "DOWN", recs[0].FromName)
	assert.Equal(t, "UP", recs[0].ToName)

	flushes, err := s.Flushes(ctx, "link", 0)
	require.NoError(t, err)
	require.Len(t, flushes, 2)
	assert.Greater(t, flushes[0].ID, flushes[1].ID, "newest first")
	assert.Equal(t, 2, flushes[0].Edges)

	last, err := s.Flushes(ctx, "link", 1)
	require.NoError(t, err)
	assert.Len(t, last, 1)
}

func TestStore_EmptyTableIsNotFlushed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, core.NewTransitionStats(newLinkDescriptor()).Flush(ctx, s))

	machines, err := s.Machines(ctx)
	require.NoError(t, err)
	assert.Empty(t, machines)
}

// TestStore_RegistryFlush verifies a registry flushes every used table
// Given: A registry with two descriptors and a domain lifecycle table
// When: Registry.Flush targets the store
// Then: Machines lists both used machines in name order
func TestStore_RegistryFlush(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	reg := core.NewRegistry()
	link := newLinkDescriptor()
	linkStats := reg.MustRegister(link)
	reg.MustRegister(core.MustDescriptor("idle", []core.StateDescriptor{
		{Name: "A", Flags: core.StateInitial | core.StateTerminal},
	}))

	m := core.NewMachine(link, link.Initial())
	m.SetStats(linkStats)
	m.Set(1)
	m.Set(2)

	require.NoError(t, reg.Flush(ctx, s))

	lifecycle := core.NewTransitionStats(core.TaskLifecycle)
	lifecycle.Record(core.TaskQueued, core.TaskRunning, time.Millisecond)
	require.NoError(t, lifecycle.Flush(ctx, s))

	machines, err := s.Machines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"link", "task-lifecycle"}, machines)

	recs, err := s.Transitions(ctx, "link")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestStore_CanceledContext(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WriteTransitions(ctx, "link", []core.TransitionRecord{{From: 0, To: 1, Count: 1}})
	assert.Error(t, err)
}

func TestStore_CloseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
