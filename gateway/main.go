package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/decibellabs/flume/gateway/config"
	"github.com/decibellabs/flume/gateway/handlers"
	"github.com/decibellabs/flume/gateway/hub"
	"github.com/decibellabs/flume/gateway/metrics"
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
	drainTimeout       = 10 * time.Second
)

func main() {
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	flag.Parse()

	logg := logger.New(*verboseFlag)
	logg.Info("gateway starting", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	// Load .env files if they exist. godotenv doesn't override existing
	// env vars, so process env takes precedence.
	_ = godotenv.Load()
	_ = godotenv.Load("gateway/.env")

	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.Get()

	// Sentry is optional; without a DSN everything below no-ops.
	if cfg.SentryDSN != "" {
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: release,
		}); err != nil {
			logg.Warn("gateway: sentry initialization failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	q, err := queue.New(serverCtx, queue.Config{
		Logger:   logg,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.QueuePrefix,
	})
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logg.Error("gateway: failed to close queue client", "error", err)
		}
	}()

	store, err := timeseries.New(serverCtx, timeseries.Config{
		Logger:   logg,
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		log.Fatalf("Failed to connect to time-series store: %v", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logg.Error("gateway: failed to close store client", "error", err)
		}
	}()

	var notifier notify.Notifier = notify.Noop{}
	if s := notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannel, logg); s != nil {
		notifier = s
		logg.Info("gateway: slack alerts enabled", "channel", cfg.SlackChannel)
	}

	var geo hub.GeoResolver
	if cfg.GeoIPCityDBPath != "" {
		g, err := hub.NewGeoIP(cfg.GeoIPCityDBPath, logg)
		if err != nil {
			logg.Warn("gateway: geoip disabled", "error", err)
		} else {
			geo = g
			defer func() { _ = g.Close() }()
		}
	}

	h, err := hub.New(hub.Config{
		Logger:     logg,
		Queue:      q,
		Geo:        geo,
		Notifier:   notifier,
		BufferSize: cfg.BufferSize,
	})
	if err != nil {
		log.Fatalf("Failed to create hub: %v", err)
	}

	handlers.Store = store
	handlers.Queue = q
	handlers.Registry = h

	// Metrics server
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			logg.Error("gateway: failed to start prometheus metrics listener", "error", err)
		} else {
			logg.Info("gateway: prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					logg.Error("gateway: metrics server error", "error", err)
				}
			}()
		}
	}

	// Socket transport
	sock := hub.NewSocketServer()
	hub.Attach(serverCtx, sock, h, logg)
	go func() {
		if err := sock.Serve(); err != nil {
			logg.Error("gateway: socket server error", "error", err)
		}
	}()
	defer sock.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	if cfg.SentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/socket.io/", sock)

	r.Get("/health", handlers.GetHealth)
	r.Get("/api/version", handlers.GetVersion)
	r.Get("/api/series/{nodeId}", handlers.GetSeries)
	r.Get("/api/latest/{nodeId}", handlers.GetLatest)
	r.Get("/api/sync/{nodeId}", handlers.GetSync)
	r.Get("/api/nodes", handlers.GetNodes)
	r.Get("/api/metrics/{nodeId}", handlers.GetNodeMetrics)
	r.Post("/api/command/{nodeId}", handlers.PostCommand)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // socket.io long-polling holds responses open
		IdleTimeout:  60 * time.Second,
	}
	server.BaseContext = func(_ net.Listener) context.Context {
		return serverCtx
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logg.Info("gateway: listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := <-shutdown
	logg.Info("gateway: received signal, shutting down", "signal", sig.String())

	// Flush every device buffer before the queue client goes away.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := h.DrainAll(drainCtx); err != nil {
		logg.Error("gateway: buffer drain incomplete", "error", err)
	}
	drainCancel()

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logg.Error("gateway: graceful shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logg.Error("gateway: metrics server shutdown error", "error", err)
		}
	}
	logg.Info("gateway: stopped")
}
