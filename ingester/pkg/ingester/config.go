package ingester

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/decibellabs/flume/telemetry/pkg/model"
	"github.com/decibellabs/flume/utils/pkg/notify"
)

const (
	// DefaultBatchSize is the per-flush batch target.
	DefaultBatchSize = 150
	// DefaultFlushInterval is the time-based flush deadline for queues
	// that sit below the batch target.
	DefaultFlushInterval = 2000 * time.Millisecond
	// DefaultPollInterval is how often a node loop rechecks its queue.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultDiscoverInterval is how often the discovery scan runs.
	DefaultDiscoverInterval = time.Second
)

// QueueClient is the durable queue surface the ingester consumes.
type QueueClient interface {
	Nodes(ctx context.Context) ([]string, error)
	Len(ctx context.Context, nodeID string) (int64, error)
	Pop(ctx context.Context, nodeID string, n int64) ([]string, error)
	RecordFlush(ctx context.Context, nodeID string, count int64, now time.Time) error
	DeadLetter(ctx context.Context, nodeID, reason string, records []model.Record) error
}

// RecordStore is the time-series store surface the ingester writes to.
type RecordStore interface {
	AllocateSeq(ctx context.Context, nodeID string, n int64) (int64, error)
	InsertRecords(ctx context.Context, records []model.Record) (int, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Queue    QueueClient
	Store    RecordStore
	Notifier notify.Notifier

	BatchSize        int
	FlushInterval    time.Duration
	PollInterval     time.Duration
	DiscoverInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Queue == nil {
		return errors.New("queue client is required")
	}
	if c.Store == nil {
		return errors.New("record store is required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DiscoverInterval <= 0 {
		c.DiscoverInterval = DefaultDiscoverInterval
	}

	// Optional with defaults
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop{}
	}
	return nil
}
