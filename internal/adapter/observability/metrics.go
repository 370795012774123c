// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts requests to the admin HTTP surface by route/method/status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records admin HTTP request durations.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// BatchesClaimedTotal counts claim-phase batches by peer.
	BatchesClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batches_claimed_total", Help: "Total number of claimed batches"},
		[]string{"peer"},
	)
	// RecordsClaimedTotal counts source records claimed.
	RecordsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "records_claimed_total", Help: "Total number of source records claimed"},
		[]string{"peer"},
	)
	// RecordsUpsertedTotal counts contact rows upserted.
	RecordsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "records_upserted_total", Help: "Total number of contact rows upserted"},
		[]string{"peer"},
	)
	// RecordsFailedTotal counts per-record failures by outcome.
	RecordsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "records_failed_total", Help: "Total number of per-record failures"},
		[]string{"peer", "outcome"},
	)

	// FetchDuration records fetch latency per origin and path (direct/browser).
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Fetch duration in seconds by origin and path",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"origin", "path", "outcome"},
	)

	// BrowserPoolInFlight is a gauge of in-flight browser fetch requests.
	BrowserPoolInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "browser_pool_in_flight", Help: "In-flight browser pool requests"},
	)
	// ConnPoolIdle is a gauge of idle pooled connections per host.
	ConnPoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "conn_pool_idle", Help: "Idle pooled connections per host"},
		[]string{"host"},
	)
	// SchedulerStealsTotal counts successful work-steals by thief worker.
	SchedulerStealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_steals_total", Help: "Total successful work-steal operations"},
		[]string{"worker"},
	)
	// OriginTokensWaitSeconds records time spent waiting on the per-origin token bucket.
	OriginTokensWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "origin_token_wait_seconds",
			Help:    "Time spent waiting for origin rate-limit tokens",
			Buckets: []float64{0, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"origin"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BatchesClaimedTotal,
		RecordsClaimedTotal,
		RecordsUpsertedTotal,
		RecordsFailedTotal,
		FetchDuration,
		BrowserPoolInFlight,
		ConnPoolIdle,
		SchedulerStealsTotal,
		OriginTokensWaitSeconds,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each admin HTTP request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
