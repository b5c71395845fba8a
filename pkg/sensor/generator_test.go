package sensor

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func fixedWall(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestTrack_Deterministic(t *testing.T) {
	a := NewTrack(3)
	b := NewTrack(3)
	assert.Equal(t, a, b)
	assert.NotEqual(t, NewTrack(3), NewTrack(4))

	lat1, lon1 := a.PositionAt(1_700_000_123)
	lat2, lon2 := b.PositionAt(1_700_000_123)
	assert.Equal(t, lat1, lat2)
	assert.Equal(t, lon1, lon2)

	later, _ := a.PositionAt(1_700_000_124)
	assert.NotEqual(t, lat1, later, "drones move")

	wrapped, _ := a.PositionAt(1_700_000_123 + trackPeriod)
	assert.Equal(t, lat1, wrapped)
}

func TestPlotGenerator_Observe(t *testing.T) {
	store := plot.NewStore()
	gen := NewPlotGenerator(2, store, func() int64 { return 42 }, time.Second, 3, quietEntry())
	gen.wall = fixedWall(1_700_000_000)

	assert.Equal(t, 3, gen.Observe())

	snap := store.Snapshot()
	require.Len(t, snap, 3)
	for i, rec := range snap {
		assert.Equal(t, plot.DroneID(i+1), rec.DroneID)
		assert.Equal(t, plot.NodeID(2), rec.NodeID)
		assert.Equal(t, int64(42), rec.Timestamp)
		assert.True(t, rec.IsSet(plot.FlagNew))
	}
	assert.Equal(t, int64(3), gen.GetStats()["generated"])
}

func TestPlotGenerator_SkewedNodesCoincide(t *testing.T) {
	store := plot.NewStore()
	leader := NewPlotGenerator(1, store, func() int64 { return 100 }, time.Second, 1, quietEntry())
	skewed := NewPlotGenerator(2, store, func() int64 { return 80 }, time.Second, 1, quietEntry())
	leader.wall = fixedWall(1_700_000_500)
	skewed.wall = fixedWall(1_700_000_500)

	leader.Observe()
	skewed.Observe()

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].Coincides(&snap[1]))
	assert.Equal(t, int64(20), snap[0].Timestamp-snap[1].Timestamp)
}

func TestPlotGenerator_StartStop(t *testing.T) {
	store := plot.NewStore()
	gen := NewPlotGenerator(1, store, func() int64 { return 0 }, 10*time.Millisecond, 2, quietEntry())

	gen.Start()
	gen.Start()
	assert.Equal(t, true, gen.GetStats()["running"])

	require.Eventually(t, func() bool { return store.Len() >= 4 }, 2*time.Second, 5*time.Millisecond)

	gen.Stop()
	gen.Stop()
	assert.Equal(t, false, gen.GetStats()["running"])

	n := store.Len()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, store.Len(), "no plots after Stop")
}
