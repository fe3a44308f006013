// Package ingester drains the durable per-node queues, assigns gap-free
// monotonic sequence numbers, and writes batches to the time-series store.
package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/decibellabs/flume/ingester/pkg/metrics"
	"github.com/decibellabs/flume/telemetry/pkg/model"
)

type Ingester struct {
	log *slog.Logger
	cfg Config

	// active guards per-node exclusivity: at most one processing loop per
	// node within this process.
	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingester{
		log:    cfg.Logger,
		cfg:    cfg,
		active: make(map[string]struct{}),
	}, nil
}

// Run scans for queue keys every DiscoverInterval and starts an exclusive
// processing loop for each node found. It blocks until ctx is cancelled and
// all loops have drained.
func (i *Ingester) Run(ctx context.Context) error {
	i.log.Info("ingester: starting discovery",
		"batch_size", i.cfg.BatchSize,
		"flush_interval", i.cfg.FlushInterval,
		"discover_interval", i.cfg.DiscoverInterval)

	i.scan(ctx)

	ticker := i.cfg.Clock.NewTicker(i.cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			i.log.Info("ingester: waiting for node loops to stop")
			i.wg.Wait()
			return nil
		case <-ticker.Chan():
			i.scan(ctx)
		}
	}
}

// scan lists the queued nodes and claims any that are not already being
// processed.
func (i *Ingester) scan(ctx context.Context) {
	nodes, err := i.cfg.Queue.Nodes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			i.log.Error("ingester: queue discovery failed", "error", err)
		}
		return
	}
	for _, node := range nodes {
		if i.claim(node) {
			i.wg.Add(1)
			go i.processNode(ctx, node)
		}
	}
}

func (i *Ingester) claim(node string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.active[node]; ok {
		return false
	}
	i.active[node] = struct{}{}
	metrics.ActiveNodes.Set(float64(len(i.active)))
	return true
}

func (i *Ingester) release(node string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.active, node)
	metrics.ActiveNodes.Set(float64(len(i.active)))
}

// processNode owns one node's queue until it is observed empty. A queue at
// or above BatchSize flushes immediately; a smaller backlog flushes when
// the one-shot deadline (FlushInterval after the backlog appeared) expires.
// The deadline is cleared by any flush and by loop termination.
func (i *Ingester) processNode(ctx context.Context, node string) {
	defer i.wg.Done()
	defer i.release(node)

	i.log.Debug("ingester: node loop started", "node", node)

	var deadline time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		length, err := i.cfg.Queue.Len(ctx, node)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.log.Error("ingester: queue length check failed", "node", node, "error", err)
			if !i.sleep(ctx) {
				return
			}
			continue
		}
		if length == 0 {
			i.log.Debug("ingester: queue drained, releasing node", "node", node)
			return
		}

		now := i.cfg.Clock.Now()
		if length >= int64(i.cfg.BatchSize) || (!deadline.IsZero() && !now.Before(deadline)) {
			if err := i.flush(ctx, node, length); err != nil && ctx.Err() == nil {
				i.log.Error("ingester: flush failed", "node", node, "error", err)
			}
			deadline = time.Time{}
			continue
		}
		if deadline.IsZero() {
			deadline = now.Add(i.cfg.FlushInterval)
		}
		if !i.sleep(ctx) {
			return
		}
	}
}

func (i *Ingester) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-i.cfg.Clock.After(i.cfg.PollInterval):
		return true
	}
}

// flush pops up to BatchSize entries, allocates a dense sequence range for
// the ones that parse, and bulk-inserts the resulting records. Malformed
// entries are dropped and logged. An insert failure replays the batch to
// the dead-letter list and alerts the operator channel; the sequence range
// stays consumed so later batches keep their ordering.
func (i *Ingester) flush(ctx context.Context, node string, length int64) error {
	take := int64(i.cfg.BatchSize)
	if length < take {
		take = length
	}
	entries, err := i.cfg.Queue.Pop(ctx, node, take)
	if err != nil {
		return fmt.Errorf("failed to pop batch: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	readings := make([]model.Reading, 0, len(entries))
	for _, entry := range entries {
		var r model.Reading
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			metrics.ParseFailures.Inc()
			i.log.Error("ingester: dropping malformed queue entry", "node", node, "error", err)
			continue
		}
		readings = append(readings, r)
	}
	if len(readings) == 0 {
		return nil
	}

	seqBase, err := i.cfg.Store.AllocateSeq(ctx, node, int64(len(readings)))
	if err != nil {
		// The entries are already popped; without sequences they cannot be
		// inserted, so they go straight to the dead-letter list.
		i.deadLetter(ctx, node, "sequence allocation failed: "+err.Error(), buildRecords(node, readings, 0))
		return fmt.Errorf("failed to allocate sequence range: %w", err)
	}

	records := buildRecords(node, readings, seqBase)
	inserted, err := i.cfg.Store.InsertRecords(ctx, records)
	if err != nil {
		metrics.InsertFailures.Inc()
		i.deadLetter(ctx, node, "bulk insert failed: "+err.Error(), records)
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	if err := i.cfg.Queue.RecordFlush(ctx, node, int64(inserted), i.cfg.Clock.Now()); err != nil {
		i.log.Error("ingester: metrics update failed", "node", node, "error", err)
	}

	metrics.BatchesFlushed.Inc()
	metrics.RecordsWritten.Add(float64(inserted))
	i.log.Debug("ingester: batch flushed",
		"node", node, "records", inserted, "seq_base", seqBase, "seq_top", seqBase+int64(len(records))-1)
	return nil
}

// buildRecords assigns consecutive sequence numbers in pop order. A seqBase
// of 0 leaves sequences unassigned (dead-letter path only).
func buildRecords(node string, readings []model.Reading, seqBase int64) []model.Record {
	records := make([]model.Record, len(readings))
	for idx, r := range readings {
		var seq int64
		if seqBase > 0 {
			seq = seqBase + int64(idx)
		}
		records[idx] = model.Record{
			NodeID:  node,
			Seq:     seq,
			TS:      r.TS,
			Payload: r.Payload,
			Meta:    r.Meta,
		}
	}
	return records
}

func (i *Ingester) deadLetter(ctx context.Context, node, reason string, records []model.Record) {
	if err := i.cfg.Queue.DeadLetter(ctx, node, reason, records); err != nil {
		i.log.Error("ingester: dead-letter write failed", "node", node, "error", err)
	} else {
		metrics.DeadLettered.Add(float64(len(records)))
	}
	i.cfg.Notifier.Notify(ctx, fmt.Sprintf("flume ingester: %d records for node %s dead-lettered (%s)", len(records), node, reason))
}
