package replication

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/plotrepl/logging"
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

type inboundFrame struct {
	peer    string
	payload []byte
}

type fakeTransport struct {
	mutex     sync.Mutex
	order     []plot.NodeID
	inbound   []inboundFrame
	sent      [][]byte
	pumps     int
	pumpErr   error
	sendErr   error
	listenErr error
	listened  string
	stall     bool // Broadcast waits for ctx
}

func (f *fakeTransport) Listen(bindAddr string, port int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.listened = bindAddr
	return f.listenErr
}

func (f *fakeTransport) Pump() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.pumps++
	return f.pumpErr
}

func (f *fakeTransport) TryReceive() (string, []byte, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.inbound) == 0 {
		return "", nil, false
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next.peer, next.payload, true
}

func (f *fakeTransport) Broadcast(ctx context.Context, payload []byte) error {
	f.mutex.Lock()
	f.sent = append(f.sent, payload)
	stall, err := f.stall, f.sendErr
	f.mutex.Unlock()

	if stall {
		<-ctx.Done()
		return &TransportError{Op: "broadcast", Err: ctx.Err()}
	}
	return err
}

func (f *fakeTransport) LeaderOrder() []plot.NodeID {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]plot.NodeID(nil), f.order...)
}

func (f *fakeTransport) push(peer string, payload []byte) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.inbound = append(f.inbound, inboundFrame{peer: peer, payload: payload})
}

func (f *fakeTransport) sentCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.sent)
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	c.mutex.Unlock()
}

func quietLogger() *logging.ReplLogger {
	return logging.NewReplLogger("test", logging.New(io.Discard, logrus.PanicLevel))
}

func newTestEngine(t *testing.T, order ...plot.NodeID) (*Engine, *plot.Store, *fakeTransport, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.NodeName = "test"
	cfg.Now = clock.Now
	cfg.CycleYield = 0

	store := plot.NewStore()
	transport := &fakeTransport{order: order}
	return NewEngine(cfg, store, transport, quietLogger()), store, transport, clock
}

func TestEngine_AdjustedTime(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.TimeMultiplier = 2.0
	cfg.ClockOffset = -5 * time.Second

	engine := NewEngine(cfg, plot.NewStore(), &fakeTransport{}, quietLogger())

	assert.Equal(t, 10*time.Second, engine.AdjustedTime(), "negative offset makes the local clock run ahead")
	clock.Advance(3 * time.Second)
	assert.Equal(t, int64(16), engine.AdjustedSeconds())
}

func TestRunCycle_BroadcastCadence(t *testing.T) {
	engine, store, transport, clock := newTestEngine(t, 1)
	store.Insert(1, 1, 5, 10, 20)

	require.NoError(t, engine.RunCycle())
	assert.Equal(t, 0, transport.sentCount(), "no broadcast before the interval elapses")

	clock.Advance(21 * time.Second)
	require.NoError(t, engine.RunCycle())
	assert.Equal(t, 1, transport.sentCount())

	store.Insert(1, 1, 6, 11, 21)
	clock.Advance(time.Second)
	require.NoError(t, engine.RunCycle())
	assert.Equal(t, 1, transport.sentCount(), "interval restarts after each broadcast")

	clock.Advance(21 * time.Second)
	require.NoError(t, engine.RunCycle())
	assert.Equal(t, 2, transport.sentCount())
}

func TestRunCycle_TimeMultiplier(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.TimeMultiplier = 10
	store := plot.NewStore()
	transport := &fakeTransport{order: []plot.NodeID{1}}
	engine := NewEngine(cfg, store, transport, quietLogger())
	store.Insert(1, 1, 5, 10, 20)

	clock.Advance(3 * time.Second)
	require.NoError(t, engine.RunCycle())

	assert.Equal(t, 1, transport.sentCount())
}

func TestRunCycle_MalformedPayloadIsRecoverable(t *testing.T) {
	engine, store, transport, _ := newTestEngine(t, 1, 2)

	valid, err := EncodeFrame([]*plot.Record{{DroneID: 4, NodeID: 2, Timestamp: 10, Latitude: 1, Longitude: 1}})
	require.NoError(t, err)
	transport.push("ds2", []byte{1, 2, 3})
	transport.push("ds2", valid)

	require.NoError(t, engine.RunCycle())

	assert.Equal(t, 1, store.Len())
	stats := engine.GetStats()
	assert.Equal(t, int64(1), stats["malformed_payloads"])
	assert.Equal(t, int64(1), stats["plots_ingested"])
}

func TestRunCycle_TransientTransportErrorContinues(t *testing.T) {
	engine, store, transport, clock := newTestEngine(t, 1)
	transport.pumpErr = &TransportError{Op: "pump", Err: errors.New("peer reset")}
	transport.sendErr = &TransportError{Op: "broadcast", Err: errors.New("timeout")}
	store.Insert(1, 1, 5, 10, 20)

	clock.Advance(21 * time.Second)
	require.NoError(t, engine.RunCycle())

	assert.Equal(t, int64(2), engine.GetStats()["transport_errors"])
}

func TestRunCycle_ReconcilesIngestedPlots(t *testing.T) {
	engine, store, transport, _ := newTestEngine(t, 1, 2)

	store.Insert(9, 1, 100, 45.0, -73.0)
	frame, err := EncodeFrame([]*plot.Record{
		{DroneID: 9, NodeID: 2, Timestamp: 80, Latitude: 45.0, Longitude: -73.0},
	})
	require.NoError(t, err)
	transport.push("ds2", frame)

	require.NoError(t, engine.RunCycle())

	snap := store.Snapshot()
	require.Len(t, snap, 1, "corrected peer plot duplicates the leader plot")
	assert.Equal(t, plot.NodeID(1), snap[0].NodeID)
	assert.Equal(t, int64(100), snap[0].Timestamp)
	assert.Equal(t, int64(20), engine.SkewTable()[2].Offset)
}

func TestRun_StopsOnShutdownRequest(t *testing.T) {
	engine, _, transport, _ := newTestEngine(t, 1)

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		transport.mutex.Lock()
		defer transport.mutex.Unlock()
		return transport.pumps > 0
	}, time.Second, time.Millisecond)

	engine.RequestShutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after RequestShutdown")
	}
	assert.Equal(t, StateShuttingDown, engine.State())
}

func TestRun_ShutdownAbandonsStalledBroadcast(t *testing.T) {
	engine, store, transport, _ := newTestEngine(t, 1)
	engine.cfg.ReplInterval = -1
	transport.stall = true
	store.Insert(1, 1, 10, 1, 1)

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return transport.sentCount() > 0 }, time.Second, time.Millisecond)

	start := time.Now()
	engine.RequestShutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("Run stayed blocked in Broadcast")
	}
	assert.Equal(t, int64(1), engine.GetStats()["transport_errors"])
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_FatalTransportErrorStops(t *testing.T) {
	engine, _, transport, _ := newTestEngine(t, 1)
	transport.pumpErr = &TransportError{Op: "pump", Fatal: true, Err: errors.New("listener closed")}

	err := engine.Run(context.Background())

	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	assert.True(t, trErr.Fatal)
}

func TestStart_ListenAndSingleUse(t *testing.T) {
	engine, _, transport, _ := newTestEngine(t, 1)
	engine.RequestShutdown()

	require.NoError(t, engine.Start("127.0.0.1", 9999))
	assert.Equal(t, "127.0.0.1", transport.listened)

	assert.ErrorIs(t, engine.Start("127.0.0.1", 9999), ErrAlreadyStarted)
	assert.ErrorIs(t, engine.Run(context.Background()), ErrAlreadyStarted)
}

func TestStart_ListenFailureIsFatal(t *testing.T) {
	engine, _, transport, _ := newTestEngine(t, 1)
	transport.listenErr = errors.New("address in use")

	err := engine.Start("127.0.0.1", 9999)

	assert.True(t, IsFatal(err))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(&MalformedPayloadError{Peer: "ds2"}))
	assert.False(t, IsFatal(&TransportError{Op: "broadcast", Err: io.EOF}))
	assert.True(t, IsFatal(&TransportError{Op: "pump", Fatal: true, Err: io.EOF}))
	assert.True(t, IsFatal(&EncodingInvariantError{Length: 33, RecordSize: 32}))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
}

func TestRunCycle_Metrics(t *testing.T) {
	engine, _, transport, _ := newTestEngine(t, 1)
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	engine.metrics = NewMetrics(sink)

	frame, err := EncodeFrame([]*plot.Record{{DroneID: 1, NodeID: 2}, {DroneID: 2, NodeID: 2, Timestamp: 1}})
	require.NoError(t, err)
	transport.push("ds2", frame)
	transport.push("ds3", []byte{1})

	require.NoError(t, engine.RunCycle())

	data := sink.Data()
	require.NotEmpty(t, data)
	current := data[len(data)-1]

	ingested, ok := current.Counters["plotrepl.replication.plots_ingested"]
	require.True(t, ok)
	assert.Equal(t, float64(2), ingested.Sum)
	assert.Contains(t, current.Counters, "plotrepl.replication.malformed")
	assert.Equal(t, float32(2), current.Gauges["plotrepl.replication.plots"].Value)
}
