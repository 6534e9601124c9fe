package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every endpoint.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger metrics. Invariant violations and audit failures must be loud: they
// are the operator's signal that money arithmetic or the audit trail broke.
var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations appended, by type and status.",
		},
		[]string{"type", "status"},
	)

	idempotentReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotent_replays_total",
		Help: "Operations returned from an idempotency-key replay.",
	})

	insufficientBalanceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_insufficient_balance_total",
		Help: "Fund movements rejected by a balance guard.",
	})

	invariantViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_invariant_violations_total",
		Help: "Double-entry invariant violations detected post-write.",
	})

	auditFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit sink writes that failed after a successful ledger commit.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			operationsTotal, idempotentReplaysTotal, insufficientBalanceTotal,
			invariantViolationsTotal, auditFailuresTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation counts an appended ledger operation.
func ObserveOperation(opType, status string) {
	operationsTotal.WithLabelValues(opType, status).Inc()
}

// IncIdempotentReplay counts an idempotency-key replay.
func IncIdempotentReplay() { idempotentReplaysTotal.Inc() }

// IncInsufficientBalance counts a rejected balance guard.
func IncInsufficientBalance() { insufficientBalanceTotal.Inc() }

// IncInvariantViolation counts a post-write double-entry violation.
func IncInvariantViolation() { invariantViolationsTotal.Inc() }

// IncAuditFailure counts a best-effort audit write failure.
func IncAuditFailure() { auditFailuresTotal.Inc() }

// Instrument wraps a handler with in-flight, RPS and latency measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	rewrite := func(prefix []string, at int, suffix []string) bool {
		if len(parts) != at+1+len(suffix) {
			return false
		}
		for i, p := range prefix {
			if parts[i] != p {
				return false
			}
		}
		for i, p := range suffix {
			if parts[at+1+i] != p {
				return false
			}
		}
		parts[at] = ":id"
		return true
	}
	switch {
	case rewrite([]string{"", "v1", "users"}, 3, []string{"wallet"}):
	case rewrite([]string{"", "v1", "transactions"}, 3, nil):
	case rewrite([]string{"", "v1", "admin", "transactions"}, 4, []string{"release"}):
	case rewrite([]string{"", "v1", "admin", "transactions"}, 4, []string{"reject"}):
	case rewrite([]string{"", "v1", "investments"}, 3, []string{"unlock"}):
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
