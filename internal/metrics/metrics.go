// Package metrics holds the Prometheus collectors of the tag service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auto-save outcomes
const (
	OutcomeSaved   = "saved"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped_corruption"
	OutcomePartial = "partial"
)

var (
	// Confirmed mutations partitioned by operation
	TagCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_tags_commits_total",
			Help: "Tag mutations confirmed by storage",
		},
		[]string{"operation"},
	)

	// Optimistic mutations undone, partitioned by operation and reason
	TagRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_tags_rollbacks_total",
			Help: "Optimistic tag mutations rolled back",
		},
		[]string{"operation", "reason"},
	)

	// Auto-save timer firings partitioned by outcome
	AutoSaveRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_tags_autosave_runs_total",
			Help: "Auto-save runs by outcome",
		},
		[]string{"outcome"},
	)

	// Records currently quarantined per project
	QuarantinedRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cohort_tags_quarantined_records",
			Help: "Persisted tag records excluded from the working set",
		},
		[]string{"project_id"},
	)

	// Projects checked by the revalidation worker partitioned by result
	Revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_tags_revalidations_total",
			Help: "Project revalidations by result",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_tags_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cohort_tags_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Reason labels for rollbacks
const (
	ReasonValidation = "validation"
	ReasonConflict   = "conflict"
	ReasonStorage    = "storage"
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies. The route label is the mux
// path template so ids do not inflate cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
