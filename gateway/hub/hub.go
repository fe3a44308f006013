// Package hub owns the socket side of the gateway: device identification,
// per-device buffering, dashboard fan-out, and command dispatch. The REST
// handlers reach into it only through Snapshot, Counts and SendCommand.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/decibellabs/flume/gateway/metrics"
	"github.com/decibellabs/flume/telemetry/pkg/model"
	"github.com/decibellabs/flume/utils/pkg/notify"
)

const (
	// DefaultBufferSize is the per-device flush threshold.
	DefaultBufferSize = 100
	// DefaultIdentifyTimeout is how long a fresh socket may stay
	// unidentified before it is flagged. Expiry does not disconnect; the
	// next /save still promotes the socket to a node.
	DefaultIdentifyTimeout = 3 * time.Second
)

var (
	ErrUnknownNode    = errors.New("node not connected")
	ErrUnknownCommand = errors.New("unknown command")
)

// Conn is the slice of the socket connection the hub needs. It is satisfied
// by socketio.Conn and by the fakes in the tests.
type Conn interface {
	ID() string
	Emit(event string, args ...interface{})
	Join(room string)
	Leave(room string)
	RemoteAddr() net.Addr
	Close() error
}

// QueueAppender is the durable-queue surface the hub flushes into.
type QueueAppender interface {
	Append(ctx context.Context, nodeID string, readings []model.Reading) error
}

// GeoResolver annotates node metadata from the socket remote address.
// Nil result means no enrichment.
type GeoResolver interface {
	Locate(addr net.Addr) map[string]any
}

// Node is the registry snapshot entry served to dashboards and /api/nodes.
type Node struct {
	NodeID         string         `json:"nodeId"`
	SocketID       string         `json:"socketId"`
	ConnectedAt    int64          `json:"connectedAt"`
	LastDataAt     int64          `json:"lastDataAt,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	BufferLength   int            `json:"bufferLength"`
	AutoIdentified bool           `json:"autoIdentified,omitempty"`
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Queue    QueueAppender
	Geo      GeoResolver
	Notifier notify.Notifier

	BufferSize      int
	IdentifyTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Queue == nil {
		return errors.New("queue appender is required")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop{}
	}
	return nil
}

type deviceState struct {
	conn           Conn
	nodeID         string
	connectedAt    time.Time
	lastDataAt     time.Time
	metadata       map[string]any
	autoIdentified bool

	buffer []model.Reading
	// flushing serializes handoff per device; a flush request arriving
	// while one is in flight sets pendingFlush instead of stacking.
	flushing     bool
	pendingFlush bool
}

type pendingSocket struct {
	conn  Conn
	timer clockwork.Timer
}

type Hub struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config

	mu      sync.Mutex
	pending map[string]*pendingSocket // socket id -> unidentified socket
	nodes   map[string]*deviceState   // node id -> device
	bySock  map[string]string         // socket id -> node id
	clients map[string]Conn           // socket id -> dashboard
}

func New(cfg Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Hub{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		cfg:     cfg,
		pending: make(map[string]*pendingSocket),
		nodes:   make(map[string]*deviceState),
		bySock:  make(map[string]string),
		clients: make(map[string]Conn),
	}, nil
}

// HandleConnect registers a fresh socket and arms the identification timer.
func (h *Hub) HandleConnect(c Conn) {
	id := c.ID()
	h.mu.Lock()
	defer h.mu.Unlock()

	timer := h.clock.AfterFunc(h.cfg.IdentifyTimeout, func() {
		h.onIdentifyTimeout(id)
	})
	h.pending[id] = &pendingSocket{conn: c, timer: timer}
	h.log.Debug("hub: socket connected", "socket", id)
}

func (h *Hub) onIdentifyTimeout(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[socketID]; ok {
		// Stay connected; a later /save can still claim the socket.
		h.log.Debug("hub: socket unidentified after timeout", "socket", socketID)
	}
}

// HandleIdentify processes an explicit identify frame. Clients get the
// current node snapshot; nodes are registered and announced. An identify
// with no usable id disconnects the socket.
func (h *Hub) HandleIdentify(c Conn, msg map[string]any) {
	kind, _ := msg["type"].(string)
	if kind == "client" {
		h.registerClient(c)
		return
	}

	nodeID, _ := msg["nodeId"].(string)
	if nodeID == "" {
		nodeID, _ = msg["deviceId"].(string)
	}
	if nodeID == "" {
		h.log.Warn("hub: identify without usable id, disconnecting", "socket", c.ID())
		h.forget(c.ID())
		_ = c.Close()
		return
	}

	metadata, _ := msg["metadata"].(map[string]any)
	h.registerNode(c, nodeID, metadata, false)
}

func (h *Hub) registerClient(c Conn) {
	h.mu.Lock()
	h.stopPending(c.ID())
	h.clients[c.ID()] = c
	metrics.ConnectedClients.Set(float64(len(h.clients)))
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	c.Emit("nodes:list", snapshot)
	h.log.Info("hub: dashboard connected", "socket", c.ID())
}

// registerNode claims a socket for a node id. Reconnects and duplicate
// identify frames overwrite the registry entry; the stale entry's buffer
// moves to the new one so nothing queued in memory is lost.
func (h *Hub) registerNode(c Conn, nodeID string, metadata map[string]any, auto bool) {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if h.cfg.Geo != nil {
		if loc := h.cfg.Geo.Locate(c.RemoteAddr()); loc != nil {
			for k, v := range loc {
				metadata[k] = v
			}
		}
	}

	h.mu.Lock()
	h.stopPending(c.ID())

	if prev, ok := h.nodes[nodeID]; ok {
		if prev.conn.ID() == c.ID() {
			// Repeated identify from the same socket is idempotent.
			prev.metadata = metadata
			h.mu.Unlock()
			return
		}
		delete(h.bySock, prev.conn.ID())
		state := prev
		state.conn = c
		state.metadata = metadata
		state.autoIdentified = auto
		h.bySock[c.ID()] = nodeID
		h.mu.Unlock()
		h.log.Info("hub: node reconnected", "node", nodeID, "socket", c.ID())
		h.broadcast("node:connected", map[string]any{"nodeId": nodeID, "metadata": metadata})
		return
	}

	h.nodes[nodeID] = &deviceState{
		conn:           c,
		nodeID:         nodeID,
		connectedAt:    h.clock.Now(),
		metadata:       metadata,
		autoIdentified: auto,
		buffer:         make([]model.Reading, 0, h.cfg.BufferSize),
	}
	h.bySock[c.ID()] = nodeID
	metrics.ConnectedNodes.Set(float64(len(h.nodes)))
	h.mu.Unlock()

	h.log.Info("hub: node connected", "node", nodeID, "socket", c.ID(), "auto_identified", auto)
	h.broadcast("node:connected", map[string]any{"nodeId": nodeID, "metadata": metadata})
}

// HandleSave processes a /save frame. An unidentified socket is promoted to
// a node first: deviceId from the frame when present, otherwise a synthetic
// id derived from the socket id.
func (h *Hub) HandleSave(ctx context.Context, c Conn, raw any) {
	payload, err := model.DecodeSavePayload(raw)
	if err != nil {
		h.log.Warn("hub: dropping undecodable /save frame", "socket", c.ID(), "error", err)
		return
	}
	deviceID := model.ExtractDeviceID(payload)

	h.mu.Lock()
	nodeID, identified := h.bySock[c.ID()]
	h.mu.Unlock()

	if !identified {
		auto := true
		nodeID = deviceID
		if nodeID == "" {
			nodeID = model.SynthesizeNodeID(c.ID())
		}
		h.registerNode(c, nodeID, nil, auto)
	}

	h.accept(ctx, nodeID, model.Reading{
		NodeID:  nodeID,
		TS:      h.clock.Now().UnixMilli(),
		Payload: payload,
		Meta: model.Meta{
			Source:         model.SourceESP32,
			RawDeviceID:    deviceID,
			AutoIdentified: !identified,
		},
	})
}

// HandleData processes a legacy single-reading frame from an identified node.
func (h *Hub) HandleData(ctx context.Context, c Conn, raw any) {
	h.mu.Lock()
	nodeID, ok := h.bySock[c.ID()]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("hub: data frame from unidentified socket", "socket", c.ID())
		return
	}

	payload, err := model.DecodeSavePayload(raw)
	if err != nil {
		h.log.Warn("hub: dropping undecodable data frame", "node", nodeID, "error", err)
		return
	}
	h.accept(ctx, nodeID, model.Reading{
		NodeID:  nodeID,
		TS:      h.clock.Now().UnixMilli(),
		Payload: payload,
		Meta:    model.Meta{Source: model.SourceSocketIO},
	})
}

// HandleBulkData processes a legacy batch frame, element by element.
func (h *Hub) HandleBulkData(ctx context.Context, c Conn, raw any) {
	items, ok := raw.([]any)
	if !ok {
		h.log.Warn("hub: dropping non-array bulk:data frame", "socket", c.ID())
		return
	}
	for _, item := range items {
		h.HandleData(ctx, c, item)
	}
}

// accept runs the reading pipeline: state update, buffer append, live
// broadcast, size-triggered flush.
func (h *Hub) accept(ctx context.Context, nodeID string, reading model.Reading) {
	h.mu.Lock()
	state, ok := h.nodes[nodeID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.lastDataAt = h.clock.Now()
	state.buffer = append(state.buffer, reading)
	full := len(state.buffer) >= h.cfg.BufferSize
	h.mu.Unlock()

	metrics.ReadingsReceived.WithLabelValues(reading.Meta.Source).Inc()
	h.broadcast("data:live", reading)
	metrics.LiveBroadcasts.Inc()

	if full {
		h.requestFlush(ctx, nodeID)
	}
}

// requestFlush hands the device's buffered readings to the durable queue as
// one ordered batch. At most one flush per device is in flight; overlapping
// requests coalesce into a follow-up pass. A failed append keeps the buffer
// for the next trigger.
func (h *Hub) requestFlush(ctx context.Context, nodeID string) {
	for {
		h.mu.Lock()
		state, ok := h.nodes[nodeID]
		if !ok || len(state.buffer) == 0 {
			h.mu.Unlock()
			return
		}
		if state.flushing {
			state.pendingFlush = true
			h.mu.Unlock()
			return
		}
		state.flushing = true
		batch := make([]model.Reading, len(state.buffer))
		copy(batch, state.buffer)
		h.mu.Unlock()

		err := h.cfg.Queue.Append(ctx, nodeID, batch)

		h.mu.Lock()
		state.flushing = false
		again := state.pendingFlush
		state.pendingFlush = false
		if err == nil {
			// Readings accepted during the append stay buffered.
			state.buffer = state.buffer[len(batch):]
			again = again || len(state.buffer) >= h.cfg.BufferSize
		}
		h.mu.Unlock()

		if err != nil {
			metrics.BufferFlushErrors.Inc()
			h.log.Error("hub: buffer flush failed, retaining buffer", "node", nodeID, "count", len(batch), "error", err)
			h.cfg.Notifier.Notify(ctx, fmt.Sprintf("flume gateway: queue append failed for node %s, %d readings retained in memory", nodeID, len(batch)))
			return
		}
		metrics.BufferFlushes.Inc()
		metrics.FlushedReadings.Add(float64(len(batch)))
		h.log.Debug("hub: buffer flushed", "node", nodeID, "count", len(batch))
		if !again {
			return
		}
	}
}

// HandleSubscribe joins a dashboard to a per-node room. Rooms are reserved
// for selective fan-out; data:live broadcast remains global.
func (h *Hub) HandleSubscribe(c Conn, nodeID string) {
	h.mu.Lock()
	_, isClient := h.clients[c.ID()]
	h.mu.Unlock()
	if !isClient || nodeID == "" {
		return
	}
	c.Join("node:" + nodeID)
}

func (h *Hub) HandleUnsubscribe(c Conn, nodeID string) {
	if nodeID == "" {
		return
	}
	c.Leave("node:" + nodeID)
}

// HandleDisconnect tears down whatever role the socket held. Node buffers
// get a best-effort flush before the registry entry goes away.
func (h *Hub) HandleDisconnect(ctx context.Context, c Conn, reason string) {
	id := c.ID()

	h.mu.Lock()
	h.stopPending(id)
	if _, ok := h.clients[id]; ok {
		delete(h.clients, id)
		metrics.ConnectedClients.Set(float64(len(h.clients)))
		h.mu.Unlock()
		h.log.Info("hub: dashboard disconnected", "socket", id, "reason", reason)
		return
	}
	nodeID, ok := h.bySock[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	h.requestFlush(ctx, nodeID)

	h.mu.Lock()
	state, live := h.nodes[nodeID]
	// A reconnect may have claimed the node id on a newer socket while the
	// flush ran; only the owning socket removes the entry.
	if live && state.conn.ID() == id {
		if n := len(state.buffer); n > 0 {
			h.log.Warn("hub: discarding unflushed readings on disconnect", "node", nodeID, "count", n)
		}
		delete(h.nodes, nodeID)
		metrics.ConnectedNodes.Set(float64(len(h.nodes)))
	}
	delete(h.bySock, id)
	h.mu.Unlock()

	h.log.Info("hub: node disconnected", "node", nodeID, "reason", reason)
	h.broadcast("node:disconnected", map[string]any{"nodeId": nodeID})
}

// SendCommand forwards a REST-issued command to the device socket using the
// fixed command-to-event mapping.
func (h *Hub) SendCommand(nodeID, command string, data any) error {
	event, ok := commandEvents[command]
	if !ok {
		return ErrUnknownCommand
	}

	h.mu.Lock()
	state, ok := h.nodes[nodeID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownNode
	}

	state.conn.Emit(event, data)
	h.log.Info("hub: command dispatched", "node", nodeID, "command", command, "event", event)
	return nil
}

// Snapshot returns the connected-node registry for dashboards and /api/nodes.
func (h *Hub) Snapshot() []Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []Node {
	out := make([]Node, 0, len(h.nodes))
	for _, s := range h.nodes {
		n := Node{
			NodeID:         s.nodeID,
			SocketID:       s.conn.ID(),
			ConnectedAt:    s.connectedAt.UnixMilli(),
			Metadata:       s.metadata,
			BufferLength:   len(s.buffer),
			AutoIdentified: s.autoIdentified,
		}
		if !s.lastDataAt.IsZero() {
			n.LastDataAt = s.lastDataAt.UnixMilli()
		}
		out = append(out, n)
	}
	return out
}

// Counts reports connected node and dashboard totals for /health.
func (h *Hub) Counts() (nodes, clients int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes), len(h.clients)
}

// DrainAll flushes every device buffer. Called on shutdown.
func (h *Hub) DrainAll(ctx context.Context) error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, nodeID := range ids {
		g.Go(func() error {
			h.requestFlush(ctx, nodeID)
			h.mu.Lock()
			state, ok := h.nodes[nodeID]
			left := 0
			if ok {
				left = len(state.buffer)
			}
			h.mu.Unlock()
			if left > 0 {
				return errors.New("buffer not drained for node " + nodeID)
			}
			return nil
		})
	}
	return g.Wait()
}

// broadcast emits an event to every connected dashboard.
func (h *Hub) broadcast(event string, payload any) {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Emit(event, payload)
	}
}

// forget drops any pending registration for a socket id.
func (h *Hub) forget(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopPending(socketID)
}

// stopPending must be called with h.mu held.
func (h *Hub) stopPending(socketID string) {
	if p, ok := h.pending[socketID]; ok {
		p.timer.Stop()
		delete(h.pending, socketID)
	}
}
