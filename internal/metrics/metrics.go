// Package metrics provides Prometheus metrics for the restfs server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Engine metrics
	importBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restfs_import_batches_total",
			Help: "Import batches by result",
		},
		[]string{"result"},
	)

	importItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "restfs_import_items_total",
			Help: "Nodes created or replaced by committed imports",
		},
	)

	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restfs_deletions_total",
			Help: "Delete requests by result",
		},
		[]string{"result"},
	)

	nodesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "restfs_nodes_removed_total",
			Help: "Nodes removed by cascading deletes",
		},
	)

	touchedFolders = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restfs_touched_folders",
			Help:    "Folders whose size or state changed per operation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"operation"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restfs_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "restfs_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Cache metrics
	nodeCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restfs_node_cache_requests_total",
			Help: "Node cache lookups by result",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "restfs_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restfs_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordImport records the outcome of an import batch.
func RecordImport(result string, items, touched int) {
	importBatchesTotal.WithLabelValues(result).Inc()
	if result == "success" {
		importItemsTotal.Add(float64(items))
		touchedFolders.WithLabelValues("import").Observe(float64(touched))
	}
}

// RecordDelete records the outcome of a delete request.
func RecordDelete(result string, removed, touched int) {
	deletionsTotal.WithLabelValues(result).Inc()
	if result == "success" {
		nodesRemovedTotal.Add(float64(removed))
		touchedFolders.WithLabelValues("delete").Observe(float64(touched))
	}
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordNodeCache records a node cache lookup.
func RecordNodeCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	nodeCacheTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// routeLabel collapses ids out of the path so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/nodes/"):
		return "/nodes/{id}"
	case strings.HasPrefix(path, "/delete/"):
		return "/delete/{id}"
	case strings.HasPrefix(path, "/node/") && strings.HasSuffix(path, "/history"):
		return "/node/{id}/history"
	case path == "/imports", path == "/updates", path == "/health", path == "/events":
		return path
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}
