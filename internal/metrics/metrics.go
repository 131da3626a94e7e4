package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weekplan_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weekplan_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weekplan_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weekplan_sync_passes_total",
		Help: "Total number of sync passes by outcome.",
	}, []string{"outcome"})

	syncPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weekplan_sync_pass_duration_seconds",
		Help:    "Histogram of sync pass durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	syncConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weekplan_sync_conflicts_total",
		Help: "Total number of data conflicts resolved during sync, by strategy.",
	}, []string{"strategy"})

	optimisticRollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weekplan_optimistic_rollbacks_total",
		Help: "Total number of optimistic mutations rolled back, by entity kind.",
	}, []string{"kind"})

	overlapChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weekplan_overlap_checks_total",
		Help: "Total number of collision checks, by result.",
	}, []string{"result"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveSyncPass records one finished sync pass.
func ObserveSyncPass(outcome string, duration time.Duration) {
	syncPassesTotal.WithLabelValues(outcome).Inc()
	syncPassDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ConflictResolved counts one resolved data conflict.
func ConflictResolved(strategy string) {
	syncConflictsTotal.WithLabelValues(strategy).Inc()
}

// OptimisticRollback counts one rolled-back optimistic mutation.
func OptimisticRollback(kind string) {
	optimisticRollbacksTotal.WithLabelValues(kind).Inc()
}

// OverlapCheck counts one collision check; result is "clear" or "collision".
func OverlapCheck(collision bool) {
	result := "clear"
	if collision {
		result = "collision"
	}
	overlapChecksTotal.WithLabelValues(result).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
