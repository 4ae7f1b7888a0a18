package prometheus

import (
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-locality-runner/core"
)

func newJobDescriptor() *core.Descriptor {
	return core.MustDescriptor("job", []core.StateDescriptor{
		{Name: "PENDING", Flags: core.StateInitial, Allowed: core.States(1)},
		{Name: "ACTIVE", Allowed: core.States(1, 2)},
		{Name: "DONE", Flags: core.StateTerminal},
	})
}

// TestTransitionCollector_ExportsRegistry verifies edge counts from a registry
// Given: A registry with one descriptor whose machines moved PENDING -> ACTIVE -> ACTIVE -> DONE
// When: The collector is scraped
// Then: Each used edge is exported once with its count
func TestTransitionCollector_ExportsRegistry(t *testing.T) {
	// Arrange
	reg := core.NewRegistry()
	desc := newJobDescriptor()
	stats := reg.MustRegister(desc)

	for range 2 {
		m := core.NewMachine(desc, desc.Initial())
		m.SetStats(stats)
		m.Set(1)
		m.Set(1)
		m.Set(2)
	}

	// Act
	c := NewTransitionCollector("", reg)

	// Assert
	expected := `
# HELP localityrunner_transitions_total Number of state transitions per edge.
# TYPE localityrunner_transitions_total counter
localityrunner_transitions_total{from="ACTIVE",machine="job",to="ACTIVE"} 2
localityrunner_transitions_total{from="ACTIVE",machine="job",to="DONE"} 2
localityrunner_transitions_total{from="PENDING",machine="job",to="ACTIVE"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "localityrunner_transitions_total"))
	assert.Equal(t, 6, testutil.CollectAndCount(c), "three edges, two series each")
}

func TestTransitionCollector_AddTable(t *testing.T) {
	desc := newJobDescriptor()
	stats := core.NewTransitionStats(desc)
	stats.Record(0, 1, 0)

	c := NewTransitionCollector("x", nil)
	c.AddTable(stats)
	c.AddTable(nil)

	assert.Equal(t, 2, testutil.CollectAndCount(c, "x_transitions_total", "x_transition_dwell_seconds_total"))
}

func TestTransitionCollector_Register(t *testing.T) {
	reg := prom.NewRegistry()
	c := NewTransitionCollector("", nil)

	got, err := c.Register(reg)
	require.NoError(t, err)
	assert.Same(t, c, got)

	again, err := c.Register(reg)
	require.NoError(t, err)
	assert.Same(t, c, again, "re-registering returns the existing collector")
}
