// Package metrics exposes the ingester's prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set once at startup from the linker-injected version.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flume_ingester_build_info",
		Help: "Build information for the ingester",
	}, []string{"version", "commit", "date"})

	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_ingester_batches_flushed_total",
		Help: "Number of batches written to the time-series store",
	})

	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_ingester_records_written_total",
		Help: "Number of records written to the time-series store",
	})

	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_ingester_parse_failures_total",
		Help: "Number of malformed queue entries dropped",
	})

	InsertFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_ingester_insert_failures_total",
		Help: "Number of failed bulk inserts",
	})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_ingester_dead_lettered_total",
		Help: "Number of records replayed to a dead-letter list",
	})

	ActiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flume_ingester_active_nodes",
		Help: "Number of per-node processing loops currently running",
	})
)
