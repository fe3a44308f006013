// Package metrics exposes the gateway's prometheus metrics and the HTTP
// instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set once at startup from the linker-injected version.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flume_gateway_build_info",
		Help: "Build information for the gateway",
	}, []string{"version", "commit", "date"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flume_gateway_http_requests_total",
		Help: "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flume_gateway_http_request_duration_seconds",
		Help:    "HTTP request duration by route and method",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	ReadingsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flume_gateway_readings_received_total",
		Help: "Readings accepted from devices, by source",
	}, []string{"source"})

	LiveBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_gateway_live_broadcasts_total",
		Help: "data:live frames fanned out to dashboards",
	})

	BufferFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_gateway_buffer_flushes_total",
		Help: "Successful buffer flushes to the durable queue",
	})

	BufferFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_gateway_buffer_flush_errors_total",
		Help: "Failed buffer flushes (buffer retained)",
	})

	FlushedReadings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flume_gateway_flushed_readings_total",
		Help: "Readings handed off to the durable queue",
	})

	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flume_gateway_connected_nodes",
		Help: "Currently connected device nodes",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flume_gateway_connected_clients",
		Help: "Currently connected dashboard clients",
	})
)

// Middleware records request counts and latencies keyed by the chi route
// pattern, so /api/series/{nodeId} stays one series regardless of node id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
