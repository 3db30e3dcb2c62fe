package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ispinfo_build_info",
			Help: "Build information of ispinfo",
		},
		[]string{"version", "commit", "date"},
	)

	ImportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_import_rows_total",
			Help: "Total number of source rows processed by the importer, by outcome",
		},
		[]string{"table", "action"},
	)

	ImportBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_import_batches_total",
			Help: "Total number of batches written by the importer",
		},
		[]string{"table"},
	)

	ImportBatchShrinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_import_batch_shrinks_total",
			Help: "Total number of times the importer halved its batch size",
		},
		[]string{"table"},
	)

	ImportBatchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ispinfo_import_batch_size",
			Help: "Current batch size of the importer",
		},
		[]string{"table"},
	)

	ImportFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_import_files_total",
			Help: "Total number of source files processed, by outcome",
		},
		[]string{"kind", "status"},
	)

	StoreWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ispinfo_store_write_duration_seconds",
			Help:    "Duration of bulk writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	StoreWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_store_write_errors_total",
			Help: "Total number of failed bulk writes",
		},
		[]string{"table", "reason"},
	)

	LookupResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_lookup_resolutions_total",
			Help: "Total number of lookup resolutions, by resolution and status",
		},
		[]string{"resolution", "status"},
	)

	LookupCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_lookup_cache_total",
			Help: "Total number of lookup cache accesses",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispinfo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ispinfo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ispinfo_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps per-address paths out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
