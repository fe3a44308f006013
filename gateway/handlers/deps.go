// Package handlers implements the gateway's REST surface. Dependencies are
// package globals injected once from main, mirroring how the socket hub and
// storage clients are shared across the route tree.
package handlers

import (
	"context"

	"github.com/decibellabs/flume/gateway/hub"
	"github.com/decibellabs/flume/telemetry/pkg/model"
	"github.com/decibellabs/flume/telemetry/pkg/queue"
	"github.com/decibellabs/flume/telemetry/pkg/timeseries"
)

// SeriesStore is the time-series read surface.
type SeriesStore interface {
	Range(ctx context.Context, nodeID string, q timeseries.RangeQuery) ([]model.Record, error)
	Latest(ctx context.Context, nodeID string) (*model.Record, error)
	Since(ctx context.Context, nodeID string, lastSeq int64, limit int64) ([]model.Record, error)
	Ping(ctx context.Context) error
}

// QueueMetrics is the per-node operational metrics surface.
type QueueMetrics interface {
	Metrics(ctx context.Context, nodeID string) (queue.NodeMetrics, error)
	DeadLetters(ctx context.Context, nodeID string) (int64, error)
	Ping(ctx context.Context) error
}

// NodeRegistry is the live connection surface the REST layer reads and
// commands through. Satisfied by *hub.Hub.
type NodeRegistry interface {
	Snapshot() []hub.Node
	Counts() (nodes, clients int)
	SendCommand(nodeID, command string, data any) error
}

var (
	Store    SeriesStore
	Queue    QueueMetrics
	Registry NodeRegistry
)
