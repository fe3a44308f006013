package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decibellabs/flume/telemetry/pkg/model"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, "", slog.Default()), mr
}

func reading(node string, ts int64, current float64) model.Reading {
	return model.Reading{
		NodeID: node,
		TS:     ts,
		Payload: map[string]any{
			"min": 10.0, "max": 20.0, "avg": 15.0, "current": current,
		},
		Meta: model.Meta{Source: model.SourceESP32},
	}
}

func TestAppendAndPopPreserveOrder(t *testing.T) {
	t.Parallel()
	q, _ := testQueue(t)
	ctx := context.Background()

	batch := []model.Reading{
		reading("ESP32_A", 1, 1),
		reading("ESP32_A", 2, 2),
		reading("ESP32_A", 3, 3),
	}
	require.NoError(t, q.Append(ctx, "ESP32_A", batch))

	n, err := q.Len(ctx, "ESP32_A")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	entries, err := q.Pop(ctx, "ESP32_A", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var first model.Reading
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &first))
	assert.Equal(t, int64(1), first.TS)
	assert.Equal(t, 1.0, first.Payload["current"])

	// Remaining entry is the last appended.
	entries, err = q.Pop(ctx, "ESP32_A", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var last model.Reading
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &last))
	assert.Equal(t, int64(3), last.TS)
}

func TestPopEmptyQueue(t *testing.T) {
	t.Parallel()
	q, _ := testQueue(t)

	entries, err := q.Pop(context.Background(), "ESP32_A", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, "ESP32_A", nil))
	n, err := q.Len(ctx, "ESP32_A")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNodesDiscovery(t *testing.T) {
	t.Parallel()
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, "ESP32_A", []model.Reading{reading("ESP32_A", 1, 1)}))
	require.NoError(t, q.Append(ctx, "ESP32_B", []model.Reading{reading("ESP32_B", 1, 1)}))

	nodes, err := q.Nodes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ESP32_A", "ESP32_B"}, nodes)
}

func TestNodesIgnoresOtherKeys(t *testing.T) {
	t.Parallel()
	q, mr := testQueue(t)
	ctx := context.Background()

	mr.Set("unrelated", "x")
	require.NoError(t, q.Append(ctx, "ESP32_A", []model.Reading{reading("ESP32_A", 1, 1)}))

	nodes, err := q.Nodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ESP32_A"}, nodes)
}

func TestRecordFlushAccumulatesAndExpires(t *testing.T) {
	t.Parallel()
	q, mr := testQueue(t)
	ctx := context.Background()

	now := time.UnixMilli(1700000000000)
	require.NoError(t, q.RecordFlush(ctx, "ESP32_A", 150, now))
	require.NoError(t, q.RecordFlush(ctx, "ESP32_A", 7, now.Add(time.Second)))

	m, err := q.Metrics(ctx, "ESP32_A")
	require.NoError(t, err)
	assert.Equal(t, int64(157), m.TotalRecords)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), m.LastFlush)

	ttl := mr.TTL("metrics:ESP32_A")
	assert.Greater(t, ttl, 23*time.Hour)
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}

func TestMetricsUnknownNode(t *testing.T) {
	t.Parallel()
	q, _ := testQueue(t)

	m, err := q.Metrics(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, m.TotalRecords)
	assert.Zero(t, m.LastFlush)
}

func TestDeadLetter(t *testing.T) {
	t.Parallel()
	q, _ := testQueue(t)
	ctx := context.Background()

	records := []model.Record{
		{NodeID: "ESP32_A", Seq: 1, TS: 1, Payload: map[string]any{"current": 1.0}},
		{NodeID: "ESP32_A", Seq: 2, TS: 2, Payload: map[string]any{"current": 2.0}},
	}
	require.NoError(t, q.DeadLetter(ctx, "ESP32_A", "insert failed", records))

	n, err := q.DeadLetters(ctx, "ESP32_A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
