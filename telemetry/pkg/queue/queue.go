// Package queue implements the durable per-node handoff between the gateway
// and the ingester: FIFO lists in Redis keyed by node, plus the per-node
// flush metrics hashes and the dead-letter lists.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/decibellabs/flume/telemetry/pkg/model"
)

const (
	// DefaultPrefix is the key prefix for per-node queue lists.
	DefaultPrefix = "queue:node:"

	metricsPrefix    = "metrics:"
	deadLetterPrefix = "dlq:node:"

	// metricsTTL bounds the lifetime of the per-node metrics hashes.
	metricsTTL = 24 * time.Hour

	dialTimeout = 5 * time.Second
)

// Config holds the Redis connection and key layout configuration.
type Config struct {
	Logger   *slog.Logger
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return nil
}

// Queue is the durable queue client. The gateway only appends; the ingester
// only consumes, one loop per node.
type Queue struct {
	log    *slog.Logger
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	cfg.Logger.Info("queue: redis connected", "addr", rdb.Options().Addr, "prefix", cfg.Prefix)
	return &Queue{log: cfg.Logger, rdb: rdb, prefix: cfg.Prefix}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(rdb *redis.Client, prefix string, log *slog.Logger) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Queue{log: log, rdb: rdb, prefix: prefix}
}

// Key returns the queue list key for a node.
func (q *Queue) Key(nodeID string) string {
	return q.prefix + nodeID
}

// Append pushes the readings, in order, onto the tail of the node's queue
// as a single command. Either all entries land or none do.
func (q *Queue) Append(ctx context.Context, nodeID string, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	vals := make([]any, 0, len(readings))
	for i := range readings {
		b, err := json.Marshal(readings[i])
		if err != nil {
			return fmt.Errorf("failed to serialize reading for node %s: %w", nodeID, err)
		}
		vals = append(vals, b)
	}
	if err := q.rdb.RPush(ctx, q.Key(nodeID), vals...).Err(); err != nil {
		return fmt.Errorf("failed to append %d readings for node %s: %w", len(readings), nodeID, err)
	}
	return nil
}

// Len reports the queue depth for a node.
func (q *Queue) Len(ctx context.Context, nodeID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.Key(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length for node %s: %w", nodeID, err)
	}
	return n, nil
}

// Pop removes and returns up to n entries from the head of the node's
// queue, in FIFO order.
func (q *Queue) Pop(ctx context.Context, nodeID string, n int64) ([]string, error) {
	entries, err := q.rdb.LPopCount(ctx, q.Key(nodeID), int(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop %d entries for node %s: %w", n, nodeID, err)
	}
	return entries, nil
}

// Nodes lists the node ids that currently have a queue key, via SCAN.
func (q *Queue) Nodes(ctx context.Context) ([]string, error) {
	var nodes []string
	iter := q.rdb.Scan(ctx, 0, q.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		nodes = append(nodes, strings.TrimPrefix(iter.Val(), q.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan queue keys: %w", err)
	}
	return nodes, nil
}

// NodeMetrics is the per-node flush metrics hash.
type NodeMetrics struct {
	TotalRecords int64 `json:"totalRecords"`
	LastFlush    int64 `json:"lastFlush"` // unix ms
}

// RecordFlush updates the node's metrics hash after a successful batch
// write and refreshes its TTL.
func (q *Queue) RecordFlush(ctx context.Context, nodeID string, count int64, now time.Time) error {
	key := metricsPrefix + nodeID
	pipe := q.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "totalRecords", count)
	pipe.HSet(ctx, key, "lastFlush", now.UnixMilli())
	pipe.Expire(ctx, key, metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update metrics for node %s: %w", nodeID, err)
	}
	return nil
}

// Metrics returns the node's metrics hash. Nodes that have never flushed
// (or whose hash has expired) report zeroes.
func (q *Queue) Metrics(ctx context.Context, nodeID string) (NodeMetrics, error) {
	fields, err := q.rdb.HGetAll(ctx, metricsPrefix+nodeID).Result()
	if err != nil {
		return NodeMetrics{}, fmt.Errorf("failed to read metrics for node %s: %w", nodeID, err)
	}
	var m NodeMetrics
	if v, ok := fields["totalRecords"]; ok {
		m.TotalRecords, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["lastFlush"]; ok {
		m.LastFlush, _ = strconv.ParseInt(v, 10, 64)
	}
	return m, nil
}

// deadLetterEntry wraps a failed batch for later replay.
type deadLetterEntry struct {
	ID       string         `json:"id"`
	Reason   string         `json:"reason"`
	FailedAt int64          `json:"failedAt"` // unix ms
	Records  []model.Record `json:"records"`
}

// DeadLetter appends a failed batch to the node's dead-letter list so an
// operator can replay it.
func (q *Queue) DeadLetter(ctx context.Context, nodeID, reason string, records []model.Record) error {
	entry := deadLetterEntry{
		ID:       uuid.NewString(),
		Reason:   reason,
		FailedAt: time.Now().UnixMilli(),
		Records:  records,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize dead-letter entry for node %s: %w", nodeID, err)
	}
	if err := q.rdb.RPush(ctx, deadLetterPrefix+nodeID, b).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter %d records for node %s: %w", len(records), nodeID, err)
	}
	q.log.Warn("queue: batch dead-lettered", "node", nodeID, "records", len(records), "reason", reason, "entry", entry.ID)
	return nil
}

// DeadLetters reports the dead-letter list depth for a node.
func (q *Queue) DeadLetters(ctx context.Context, nodeID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, deadLetterPrefix+nodeID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead-letter length for node %s: %w", nodeID, err)
	}
	return n, nil
}

// Ping checks connectivity, for health reporting.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}
