package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decibellabs/flume/telemetry/pkg/model"
)

type emitted struct {
	event string
	args  []any
}

// fakeConn satisfies Conn and records everything emitted to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	emits  []emitted
	rooms  map[string]bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, rooms: make(map[string]bool)}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Emit(event string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, args: args})
}

func (f *fakeConn) Join(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room] = true
}

func (f *fakeConn) Leave(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, room)
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) events(name string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeQueue records appended batches and can fail on demand.
type fakeQueue struct {
	mu      sync.Mutex
	batches map[string][][]model.Reading
	err     error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{batches: make(map[string][][]model.Reading)}
}

func (f *fakeQueue) Append(_ context.Context, nodeID string, readings []model.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]model.Reading, len(readings))
	copy(batch, readings)
	f.batches[nodeID] = append(f.batches[nodeID], batch)
	return nil
}

func (f *fakeQueue) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeQueue) total(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches[nodeID] {
		n += len(b)
	}
	return n
}

func (f *fakeQueue) batchCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches[nodeID])
}

type hubFixture struct {
	hub   *Hub
	queue *fakeQueue
	clock *clockwork.FakeClock
}

func newHubFixture(t *testing.T, bufferSize int) *hubFixture {
	t.Helper()
	q := newFakeQueue()
	clock := clockwork.NewFakeClock()
	h, err := New(Config{
		Logger:     slog.Default(),
		Clock:      clock,
		Queue:      q,
		BufferSize: bufferSize,
	})
	require.NoError(t, err)
	return &hubFixture{hub: h, queue: q, clock: clock}
}

func saveFrame(deviceID string, current float64) map[string]any {
	frame := map[string]any{"min": 10.0, "max": 20.0, "avg": 15.0, "current": current}
	if deviceID != "" {
		frame["deviceId"] = deviceID
	}
	return frame
}

func TestIdentifyRegistersNodeAndAnnounces(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleIdentify(dev, map[string]any{
		"type":     "node",
		"nodeId":   "ESP32_A",
		"metadata": map[string]any{"fw": "1.2.0"},
	})

	connected := dash.events("node:connected")
	require.Len(t, connected, 1)
	payload := connected[0].args[0].(map[string]any)
	assert.Equal(t, "ESP32_A", payload["nodeId"])

	snap := fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "ESP32_A", snap[0].NodeID)
	assert.Equal(t, "1.2.0", snap[0].Metadata["fw"])
	assert.False(t, snap[0].AutoIdentified)
}

func TestIdentifyClientReceivesSnapshot(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleIdentify(dev, map[string]any{"type": "node", "nodeId": "ESP32_A"})

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	lists := dash.events("nodes:list")
	require.Len(t, lists, 1)
	nodes := lists[0].args[0].([]Node)
	require.Len(t, nodes, 1)
	assert.Equal(t, "ESP32_A", nodes[0].NodeID)
}

func TestIdentifyWithoutUsableIDDisconnects(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleIdentify(dev, map[string]any{"type": "node"})

	assert.True(t, dev.isClosed())
	assert.Empty(t, fx.hub.Snapshot())
}

func TestAutoIdentifyOnSave(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)
	ctx := context.Background()

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", 17))
	fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", 18))

	// One announcement despite two frames.
	require.Len(t, dash.events("node:connected"), 1)

	snap := fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "ESP32_A", snap[0].NodeID)
	assert.True(t, snap[0].AutoIdentified)
	assert.Equal(t, 2, snap[0].BufferLength)

	// The live frame carries the reading with deviceId lifted into meta.
	live := dash.events("data:live")
	require.Len(t, live, 2)
	reading := live[0].args[0].(model.Reading)
	assert.Equal(t, "ESP32_A", reading.NodeID)
	assert.Equal(t, "ESP32_A", reading.Meta.RawDeviceID)
	assert.Equal(t, model.SourceESP32, reading.Meta.Source)
	assert.NotContains(t, reading.Payload, "deviceId")
}

func TestAutoIdentifySynthesizesNodeID(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("abcdef1234567890")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleSave(context.Background(), dev, saveFrame("", 17))

	snap := fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "ESP32_abcdef12", snap[0].NodeID)
}

func TestIdentifyTimeoutKeepsSocketPromotable(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)

	fx.clock.Advance(DefaultIdentifyTimeout + time.Second)

	assert.False(t, dev.isClosed())
	fx.hub.HandleSave(context.Background(), dev, saveFrame("ESP32_A", 17))
	require.Len(t, fx.hub.Snapshot(), 1)
}

func TestBufferFlushesAtThreshold(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 5)
	ctx := context.Background()

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	for i := 0; i < 4; i++ {
		fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", float64(i)))
	}
	assert.Zero(t, fx.queue.total("ESP32_A"), "below threshold must not flush")

	fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", 4))

	assert.Equal(t, 5, fx.queue.total("ESP32_A"))
	assert.Equal(t, 1, fx.queue.batchCount("ESP32_A"))
	snap := fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].BufferLength)
}

func TestFlushFailureRetainsBuffer(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 5)
	ctx := context.Background()
	fx.queue.setErr(errors.New("redis down"))

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	for i := 0; i < 5; i++ {
		fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", float64(i)))
	}

	snap := fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 5, snap[0].BufferLength, "failed flush keeps the buffer")

	fx.queue.setErr(nil)
	fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", 5))

	assert.Equal(t, 6, fx.queue.total("ESP32_A"))
	snap = fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].BufferLength)
}

func TestDisconnectFlushesAndAnnounces(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)
	ctx := context.Background()

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	for i := 0; i < 7; i++ {
		fx.hub.HandleSave(ctx, dev, saveFrame("ESP32_A", float64(i)))
	}

	fx.hub.HandleDisconnect(ctx, dev, "transport close")

	assert.Equal(t, 7, fx.queue.total("ESP32_A"))
	assert.Empty(t, fx.hub.Snapshot())
	gone := dash.events("node:disconnected")
	require.Len(t, gone, 1)
	assert.Equal(t, map[string]any{"nodeId": "ESP32_A"}, gone[0].args[0])
}

func TestLegacyDataFrames(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)
	ctx := context.Background()

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleIdentify(dev, map[string]any{"type": "node", "nodeId": "ESP32_A"})

	fx.hub.HandleData(ctx, dev, map[string]any{"current": 1.0})
	fx.hub.HandleBulkData(ctx, dev, []any{
		map[string]any{"current": 2.0},
		map[string]any{"current": 3.0},
	})

	snap := fx.hub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 3, snap[0].BufferLength)

	live := dash.events("data:live")
	require.Len(t, live, 3)
	assert.Equal(t, model.SourceSocketIO, live[0].args[0].(model.Reading).Meta.Source)
}

func TestDataFromUnidentifiedSocketIgnored(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleData(context.Background(), dev, map[string]any{"current": 1.0})

	assert.Empty(t, fx.hub.Snapshot())
}

func TestSendCommand(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleIdentify(dev, map[string]any{"type": "node", "nodeId": "ESP32_A"})

	data := map[string]any{"threshold": 80.0}
	require.NoError(t, fx.hub.SendCommand("ESP32_A", "setThreshold", data))

	frames := dev.events("/threshold/set")
	require.Len(t, frames, 1)
	assert.Equal(t, data, frames[0].args[0])

	assert.ErrorIs(t, fx.hub.SendCommand("ESP32_A", "selfDestruct", nil), ErrUnknownCommand)
	assert.ErrorIs(t, fx.hub.SendCommand("ESP32_B", "stop", nil), ErrUnknownNode)

	fx.hub.HandleDisconnect(context.Background(), dev, "transport close")
	assert.ErrorIs(t, fx.hub.SendCommand("ESP32_A", "stop", nil), ErrUnknownNode)
}

func TestSubscribeJoinsRoom(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	fx.hub.HandleSubscribe(dash, "ESP32_A")
	assert.True(t, dash.rooms["node:ESP32_A"])

	fx.hub.HandleUnsubscribe(dash, "ESP32_A")
	assert.False(t, dash.rooms["node:ESP32_A"])
}

func TestDrainAllFlushesEveryBuffer(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)
	ctx := context.Background()

	for _, id := range []string{"ESP32_A", "ESP32_B"} {
		dev := newFakeConn("sock-" + id)
		fx.hub.HandleConnect(dev)
		fx.hub.HandleIdentify(dev, map[string]any{"type": "node", "nodeId": id})
		for i := 0; i < 3; i++ {
			fx.hub.HandleSave(ctx, dev, saveFrame(id, float64(i)))
		}
	}

	require.NoError(t, fx.hub.DrainAll(ctx))
	assert.Equal(t, 3, fx.queue.total("ESP32_A"))
	assert.Equal(t, 3, fx.queue.total("ESP32_B"))
}

func TestCounts(t *testing.T) {
	t.Parallel()
	fx := newHubFixture(t, 100)

	dev := newFakeConn("sock-1")
	fx.hub.HandleConnect(dev)
	fx.hub.HandleIdentify(dev, map[string]any{"type": "node", "nodeId": "ESP32_A"})

	dash := newFakeConn("dash-1")
	fx.hub.HandleConnect(dash)
	fx.hub.HandleIdentify(dash, map[string]any{"type": "client"})

	nodes, clients := fx.hub.Counts()
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, clients)
}
