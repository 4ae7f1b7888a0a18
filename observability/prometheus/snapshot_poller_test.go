package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-locality-runner/core"
)

type domainStub struct {
	stats core.DomainStats
}

func (s domainStub) Stats() core.DomainStats { return s.stats }

// TestSnapshotPoller_CollectsDomainStats verifies domain and locality gauges
// Given: A poller with one stub domain of two localities
// When: The poller runs
// Then: Domain gauges and per-locality gauges mirror the snapshot
func TestSnapshotPoller_CollectsDomainStats(t *testing.T) {
	// Arrange
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 10*time.Millisecond)
	require.NoError(t, err)

	poller.AddDomain("d", domainStub{stats: core.DomainStats{
		Name:      "d",
		Running:   true,
		LiveTasks: 5,
		Timers:    2,
		Localities: []core.LocalityStats{
			{Index: 0, Name: "d/loc-0", Queued: 3, Homed: 4, Workers: 1, Ticks: 40},
			{Index: 1, Name: "d/loc-1", Queued: 0, Homed: 1, Workers: 2, Idle: 1, Blocked: 1, Ticks: 9},
		},
	}})

	// Act
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	// Assert
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(poller.domainLive.WithLabelValues("d")) == 5
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(poller.domainTimers.WithLabelValues("d")))
	assert.Equal(t, float64(1), testutil.ToFloat64(poller.domainRunning.WithLabelValues("d")))
	assert.Equal(t, float64(3), testutil.ToFloat64(poller.localityQueued.WithLabelValues("d", "d/loc-0", "0")))
	assert.Equal(t, float64(40), testutil.ToFloat64(poller.localityTicks.WithLabelValues("d", "d/loc-0", "0")))
	assert.Equal(t, float64(2), testutil.ToFloat64(poller.localityWorkers.WithLabelValues("d", "d/loc-1", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(poller.localityBlocked.WithLabelValues("d", "d/loc-1", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(poller.localityIdle.WithLabelValues("d", "d/loc-1", "1")))
}

func TestSnapshotPoller_RemoveDomain(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, time.Hour)
	require.NoError(t, err)

	poller.AddDomain("d", domainStub{stats: core.DomainStats{
		Localities: []core.LocalityStats{{Name: "d/loc-0"}},
	}})
	poller.collectOnce()
	require.Equal(t, 1, testutil.CollectAndCount(poller.localityQueued))

	poller.RemoveDomain("d")

	assert.Zero(t, testutil.CollectAndCount(poller.localityQueued))
	assert.Zero(t, testutil.CollectAndCount(poller.domainLive))
}

// TestSnapshotPoller_LiveDomain verifies polling a real domain
// Given: A started domain with three localities
// When: The poller collects once
// Then: One running gauge and three locality series exist
func TestSnapshotPoller_LiveDomain(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, time.Hour)
	require.NoError(t, err)

	d := core.NewDomain(&core.DomainConfig{Name: "live", Localities: 3, Logger: core.NewNoOpLogger()})
	d.Start(context.Background())
	defer d.Stop()

	poller.AddDomain(d.Name(), d)
	poller.collectOnce()

	assert.Equal(t, float64(1), testutil.ToFloat64(poller.domainRunning.WithLabelValues("live")))
	assert.Equal(t, 3, testutil.CollectAndCount(poller.localityWorkers))
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()

	poller.Start(ctx)
	poller.Stop()
}

func TestSnapshotPoller_SharedRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewSnapshotPoller(reg, time.Second)
	require.NoError(t, err)
	second, err := NewSnapshotPoller(reg, time.Second)
	require.NoError(t, err)

	assert.Same(t, first.domainLive, second.domainLive)
}
