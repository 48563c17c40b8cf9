/*
Package metrics exposes the Prometheus counters and histograms the wallet
ledger engine emits. Purely observational: nothing in internal/journal,
internal/coordinator, internal/walletops, internal/balance, or
internal/pipeline ever reads these values back to make a decision.

Grounded on replay-api-replay-api's pkg/infra/metrics/prometheus.go:
package-level promauto vars plus a thin http.Handler exposition and an
http.Handler-wrapping Middleware, rather than a struct threaded through
every call site.

METRICS:
  journal_entries_appended_total{type,status}   - internal/store/{sqlite,postgres} appends
  group_transitions_total{to_status}            - internal/store/{sqlite,postgres} terminal transitions
  pipeline_snapshot_duration_seconds            - internal/pipeline
  pipeline_archive_duration_seconds             - internal/pipeline
  pipeline_integrity_errors_total{op}           - internal/pipeline
  http_requests_total{method,path,status}       - api middleware
  http_request_duration_seconds{method,path}    - api middleware
*/
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/ledger-engine/internal/walletcore"
)

var (
	journalEntriesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_entries_appended_total",
			Help: "Total number of transaction entries appended to the journal.",
		},
		[]string{"type", "status"},
	)

	groupTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_transitions_total",
			Help: "Total number of transaction group terminal transitions.",
		},
		[]string{"to_status"},
	)

	pipelineSnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_snapshot_duration_seconds",
			Help:    "Duration of a single wallet's active-to-snapshot migration.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	pipelineArchiveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_archive_duration_seconds",
			Help:    "Duration of a single wallet's snapshot-to-archive consolidation.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	pipelineIntegrityErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_integrity_errors_total",
			Help: "Total number of pipeline runs that aborted on an integrity check.",
		},
		[]string{"op"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served by the API layer.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// RecordAppend increments the append counter for an entry's type and status.
func RecordAppend(entryType, status string) {
	journalEntriesAppended.WithLabelValues(entryType, status).Inc()
}

// RecordGroupTransition increments the transition counter for a group's
// terminal status.
func RecordGroupTransition(toStatus string) {
	groupTransitions.WithLabelValues(toStatus).Inc()
}

// ObservePipelineRun records the duration of a pipeline op ("snapshot" or
// "archive") and, on a walletcore.IntegrityError, increments the integrity
// error counter for that op.
func ObservePipelineRun(op string, d time.Duration, err error) {
	switch op {
	case "snapshot":
		pipelineSnapshotDuration.Observe(d.Seconds())
	case "archive":
		pipelineArchiveDuration.Observe(d.Seconds())
	}
	if err != nil && errors.Is(err, walletcore.ErrIntegrity) {
		pipelineIntegrityErrors.WithLabelValues(op).Inc()
	}
}

// Handler serves the Prometheus exposition format at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler, recording request count and latency per
// (method, path, status). The /metrics endpoint itself is excluded so
// scraping doesn't inflate its own counters.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
