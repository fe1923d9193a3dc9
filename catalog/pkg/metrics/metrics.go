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
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "retail_catalog_build_info",
		Help: "Build information of the catalog service",
	}, []string{"version", "commit", "date"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retail_catalog_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retail_catalog_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// TransitionsTotal counts version writer outcomes.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retail_catalog_product_transitions_total",
		Help: "Total number of product version transitions by outcome",
	}, []string{"outcome"})

	StatementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retail_catalog_warehouse_statement_duration_seconds",
		Help:    "Duration of warehouse statements issued by the version engine",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"statement", "status"})

	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retail_catalog_invariant_violations_total",
		Help: "Total number of detected dimension invariant violations",
	})

	ResolverLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retail_catalog_resolver_lookups_total",
		Help: "Total number of entity id lookups by source and result",
	}, []string{"source", "result"})
)

// Middleware records request counts and latencies labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
