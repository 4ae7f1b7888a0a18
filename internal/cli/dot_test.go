package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDOT_Stdout(t *testing.T) {
	out, err := execute(t, "dot", "testdata/phase.yaml")
	require.NoError(t, err)

	assert.Contains(t, out, `digraph "phase" {`)
	assert.Contains(t, out, `"INIT" -> "RUN";`)
	assert.Contains(t, out, `"FAILED" [peripheries=2, color=red];`)
}

func TestDOT_OutputFileAndActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phase.dot")

	out, err := execute(t, "dot", "-o", path, "--active", "RUN", "testdata/phase.yaml")
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"RUN" [style="rounded,filled", fillcolor=orange];`)
}

func TestDOT_UnknownActiveState(t *testing.T) {
	_, err := execute(t, "dot", "--active", "NOPE", "testdata/phase.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `has no state "NOPE"`)
}

func TestDOT_InvalidFile(t *testing.T) {
	_, err := execute(t, "dot", "testdata/broken.yaml")
	require.Error(t, err)
}

// TestDOT_StatsOverlay verifies edges are labelled from a stats database
// Given: A stats database written by a run of 6 tasks
// When: dot renders the workload descriptor with --stats-db
// Then: Used edges carry their counts and unused edges are labelled 0
func TestDOT_StatsOverlay(t *testing.T) {
	// Arrange
	db := filepath.Join(t.TempDir(), "stats.db")
	_, err := execute(t, "run", "-l", "1", "-n", "6", "--ticks", "2", "--stats-db", db)
	require.NoError(t, err)

	// Act
	out, err := execute(t, "dot", "--stats-db", db, "testdata/workload.yaml")

	// Assert
	require.NoError(t, err)
	assert.Contains(t, out, `"INIT" -> "RUN" [label="6"];`)
	assert.Contains(t, out, `"RUN" -> "DONE" [label="6"];`)
	assert.Contains(t, out, `"RUN" -> "RUN" [label="0"];`)
}
