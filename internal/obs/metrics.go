package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Billing and approval domain metrics.
var (
	creditsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_credits_consumed_total",
			Help: "Credits debited from accounts, by operation.",
		},
		[]string{"operation"},
	)

	creditsAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_credits_added_total",
			Help: "Credits granted to accounts, by source.",
		},
		[]string{"source"},
	)

	consumeDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_consume_denied_total",
			Help: "Rejected debit attempts, by reason.",
		},
		[]string{"reason"},
	)

	approvalDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Approval state transitions, by resulting status.",
		},
		[]string{"status"},
	)

	approvalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "approval_pending",
		Help: "Approval requests currently pending.",
	})

	sweepExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "approval_sweep_expired_total",
		Help: "Pending approvals expired by the periodic sweep.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		creditsConsumed, creditsAdded, consumeDenied,
		approvalDecisions, approvalsPending, sweepExpirations,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// ObserveConsume records a successful debit.
func ObserveConsume(operation string, amount int64) {
	creditsConsumed.WithLabelValues(operation).Add(float64(amount))
}

// ObserveCredit records a successful grant.
func ObserveCredit(source string, amount int64) {
	creditsAdded.WithLabelValues(source).Add(float64(amount))
}

// ObserveConsumeDenied records a rejected debit.
func ObserveConsumeDenied(reason string) {
	consumeDenied.WithLabelValues(reason).Inc()
}

// ObserveApprovalDecision records an approval state transition.
func ObserveApprovalDecision(status string) {
	approvalDecisions.WithLabelValues(status).Inc()
}

// SetApprovalsPending tracks the size of the pending working set.
func SetApprovalsPending(n int) {
	approvalsPending.Set(float64(n))
}

// ObserveSweepExpirations counts approvals finalized by the sweep.
func ObserveSweepExpirations(n int) {
	if n > 0 {
		sweepExpirations.Add(float64(n))
	}
}

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "accounts":
			if len(parts) == 3 {
				return "/v1/accounts/:id"
			}
			if len(parts) == 4 && parts[3] == "balance" {
				return "/v1/accounts/:id/balance"
			}
		case "approvals":
			if parts[2] == "stats" || parts[2] == "events" || parts[2] == "feed" {
				break
			}
			if len(parts) == 3 {
				return "/v1/approvals/:id"
			}
			if len(parts) == 4 && (parts[3] == "approve" || parts[3] == "deny") {
				return "/v1/approvals/:id/" + parts[3]
			}
		case "billing":
			if len(parts) == 4 && parts[2] == "summary" {
				return "/v1/billing/summary/:id"
			}
		}
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses (SSE) working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
