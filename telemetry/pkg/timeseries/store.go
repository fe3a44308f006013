// Package timeseries implements the durable record store: a MongoDB
// collection with a unique (nodeId, seq) index, unordered bulk inserts,
// and atomic per-node sequence allocation through a counters collection.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/decibellabs/flume/telemetry/pkg/model"
)

const (
	// DefaultLimit caps range and sync queries when the caller does not
	// supply a limit.
	DefaultLimit = 1000

	recordsCollection  = "timeseries"
	countersCollection = "counters"

	connectTimeout = 10 * time.Second
)

// duplicateKeyCode is Mongo's E11000 duplicate key error code.
const duplicateKeyCode = 11000

// Config holds the store configuration.
type Config struct {
	Logger   *slog.Logger
	URI      string
	Database string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "telemetry"
	}
	return nil
}

// Store is the time-series store client.
type Store struct {
	log      *slog.Logger
	client   *mongo.Client
	records  *mongo.Collection
	counters *mongo.Collection
}

// New connects to MongoDB, verifies the connection, and ensures the
// timeseries indexes exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		log:      cfg.Logger,
		client:   client,
		records:  db.Collection(recordsCollection),
		counters: db.Collection(countersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	cfg.Logger.Info("timeseries: mongo connected", "database", cfg.Database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "nodeId", Value: 1}, {Key: "ts", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "nodeId", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create timeseries indexes: %w", err)
	}
	return nil
}

// AllocateSeq atomically reserves n consecutive sequence numbers for a node
// and returns the first of the range. The counter document is upserted on
// the node's first batch, so the first allocation starts at 1.
func (s *Store) AllocateSeq(ctx context.Context, nodeID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid allocation count %d for node %s", n, nodeID)
	}
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": nodeID},
		bson.M{"$inc": bson.M{"seq": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %d sequences for node %s: %w", n, nodeID, err)
	}
	return doc.Seq - n + 1, nil
}

// CurrentSeq returns the highest sequence ever allocated for a node, or 0
// if the node has never flushed.
func (s *Store) CurrentSeq(ctx context.Context, nodeID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOne(ctx, bson.M{"_id": nodeID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter for node %s: %w", nodeID, err)
	}
	return doc.Seq, nil
}

// InsertRecords bulk-inserts records with unordered semantics: a duplicate
// key on one record does not abort its siblings. It returns the number of
// records actually written. Duplicate-key failures are logged and counted
// as skipped; any other failure is returned.
func (s *Store) InsertRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	docs := make([]any, len(records))
	for i := range records {
		docs[i] = records[i]
	}

	res, err := s.records.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	inserted := 0
	if res != nil {
		inserted = len(res.InsertedIDs)
	}
	if err == nil {
		return inserted, nil
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		dups := 0
		for _, we := range bulkErr.WriteErrors {
			if we.Code != duplicateKeyCode {
				return inserted, fmt.Errorf("failed to bulk-insert records: %w", err)
			}
			dups++
		}
		// With unordered inserts the non-failing documents were written.
		inserted = len(records) - dups
		s.log.Warn("timeseries: skipped duplicate records during bulk insert",
			"node", records[0].NodeID, "duplicates", dups, "inserted", inserted)
		return inserted, nil
	}
	return inserted, fmt.Errorf("failed to bulk-insert records: %w", err)
}

// RangeQuery selects a window of records for one node. Time bounds and
// sequence bounds are mutually exclusive; all bounds are inclusive.
type RangeQuery struct {
	FromTS  *int64
	ToTS    *int64
	FromSeq *int64
	ToSeq   *int64
	Limit   int64
}

// Range returns records matching the query, ordered by seq ascending.
func (s *Store) Range(ctx context.Context, nodeID string, q RangeQuery) ([]model.Record, error) {
	filter := bson.M{"nodeId": nodeID}
	if q.FromTS != nil || q.ToTS != nil {
		ts := bson.M{}
		if q.FromTS != nil {
			ts["$gte"] = *q.FromTS
		}
		if q.ToTS != nil {
			ts["$lte"] = *q.ToTS
		}
		filter["ts"] = ts
	}
	if q.FromSeq != nil || q.ToSeq != nil {
		seq := bson.M{}
		if q.FromSeq != nil {
			seq["$gte"] = *q.FromSeq
		}
		if q.ToSeq != nil {
			seq["$lte"] = *q.ToSeq
		}
		filter["seq"] = seq
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.find(ctx, filter, limit)
}

// Since returns all records with seq strictly greater than lastSeq, ordered
// by seq ascending. A limit of 0 or less means no cap; the sync contract
// must return the whole gap.
func (s *Store) Since(ctx context.Context, nodeID string, lastSeq, limit int64) ([]model.Record, error) {
	filter := bson.M{"nodeId": nodeID, "seq": bson.M{"$gt": lastSeq}}
	return s.find(ctx, filter, limit)
}

func (s *Store) find(ctx context.Context, filter bson.M, limit int64) ([]model.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := s.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return out, nil
}

// Latest returns the record with the highest seq for a node, or nil if the
// node has no records.
func (s *Store) Latest(ctx context.Context, nodeID string) (*model.Record, error) {
	var rec model.Record
	err := s.records.FindOne(ctx,
		bson.M{"nodeId": nodeID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest record for node %s: %w", nodeID, err)
	}
	return &rec, nil
}

// Count returns the number of records persisted for a node.
func (s *Store) Count(ctx context.Context, nodeID string) (int64, error) {
	n, err := s.records.CountDocuments(ctx, bson.M{"nodeId": nodeID})
	if err != nil {
		return 0, fmt.Errorf("failed to count records for node %s: %w", nodeID, err)
	}
	return n, nil
}

// Ping checks connectivity, for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
