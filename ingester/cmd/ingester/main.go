package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "net/http/pprof"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/decibellabs/flume/ingester/pkg/ingester"
	"github.com/decibellabs/flume/ingester/pkg/metrics"
	"github.com/decibellabs/flume/telemetry/pkg/queue"
	"github.com/decibellabs/flume/telemetry/pkg/timeseries"
	"github.com/decibellabs/flume/utils/pkg/logger"
	"github.com/decibellabs/flume/utils/pkg/notify"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")

	// Redis configuration
	redisHostFlag := flag.String("redis-host", "localhost", "Redis host (or set REDIS_HOST env var)")
	redisPortFlag := flag.Int("redis-port", 6379, "Redis port (or set REDIS_PORT env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	redisDBFlag := flag.Int("redis-db", 0, "Redis database number (or set REDIS_DB env var)")
	queuePrefixFlag := flag.String("queue-prefix", "", "Queue key prefix (or set QUEUE_PREFIX env var)")

	// MongoDB configuration
	mongoURIFlag := flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI (or set MONGO_URI env var)")
	mongoDatabaseFlag := flag.String("mongo-database", "telemetry", "MongoDB database name (or set MONGO_DATABASE env var)")

	// Slack configuration (optional)
	slackTokenFlag := flag.String("slack-bot-token", "", "Slack bot token for operator alerts (or set SLACK_BOT_TOKEN env var)")
	slackChannelFlag := flag.String("slack-alert-channel", "", "Slack channel for operator alerts (or set SLACK_ALERT_CHANNEL env var)")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if v := os.Getenv("REDIS_HOST"); v != "" {
		*redisHostFlag = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			*redisPortFlag = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		*redisPasswordFlag = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			*redisDBFlag = db
		}
	}
	if v := os.Getenv("QUEUE_PREFIX"); v != "" {
		*queuePrefixFlag = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		*mongoURIFlag = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		*mongoDatabaseFlag = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		*slackTokenFlag = v
	}
	if v := os.Getenv("SLACK_ALERT_CHANNEL"); v != "" {
		*slackChannelFlag = v
	}

	log := logger.New(*verboseFlag)
	log.Info("ingester starting",
		"version", version,
		"commit", commit,
		"redis_host", *redisHostFlag,
		"mongo_database", *mongoDatabaseFlag,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("ingester: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	q, err := queue.New(ctx, queue.Config{
		Logger:   log,
		Host:     *redisHostFlag,
		Port:     *redisPortFlag,
		Password: *redisPasswordFlag,
		DB:       *redisDBFlag,
		Prefix:   *queuePrefixFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue client: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Error("failed to close queue client", "error", err)
		}
	}()

	store, err := timeseries.New(ctx, timeseries.Config{
		Logger:   log,
		URI:      *mongoURIFlag,
		Database: *mongoDatabaseFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create time-series store client: %w", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Error("failed to close store client", "error", err)
		}
	}()

	var notifier notify.Notifier = notify.Noop{}
	if s := notify.NewSlack(*slackTokenFlag, *slackChannelFlag, log); s != nil {
		notifier = s
		log.Info("ingester: slack alerts enabled", "channel", *slackChannelFlag)
	}

	ing, err := ingester.New(ingester.Config{
		Logger:   log,
		Clock:    clockwork.NewRealClock(),
		Queue:    q,
		Store:    store,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingester: %w", err)
	}

	ingesterErrCh := make(chan error, 1)
	go func() {
		if err := ing.Run(ctx); err != nil {
			ingesterErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("ingester: shutting down", "reason", ctx.Err())
		return nil
	case err := <-ingesterErrCh:
		log.Error("ingester: run error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("ingester: metrics server error causing shutdown", "error", err)
		return err
	}
}
