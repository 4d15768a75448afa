package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsAdmittedTotal counts jobs admitted by Admission, labeled by model.
	JobsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_admitted_total",
			Help: "Total number of jobs admitted",
		},
		[]string{"model"},
	)
	// JobsRunningGauge reflects the instancer's last backend snapshot of
	// live managed workers.
	JobsRunningGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of live managed workers as last observed by the instancer",
		},
	)
	// JobsFinalizedTotal counts jobs that reached a terminal state, labeled
	// by the terminal status (succeeded/failed).
	JobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finalized_total",
			Help: "Total number of jobs finalized",
		},
		[]string{"status"},
	)
	// ReaperActionsTotal counts terminal transitions taken by the reaper,
	// labeled by reason (crashed/timeout/lost/queue gap).
	ReaperActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_actions_total",
			Help: "Total number of reaper-driven job failures",
		},
		[]string{"reason"},
	)
	// QueueDepthGauge tracks the broker's job queue depth as last observed
	// by the instancer, labeled by queue name.
	QueueDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Observed depth of the job broker queue",
		},
		[]string{"queue"},
	)
	// SecretBundleReadsTotal counts Secret Store GETs, labeled by outcome
	// (served/not_found/invalid_ref/error).
	SecretBundleReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secret_bundle_reads_total",
			Help: "Total number of secret bundle reads by outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsRunningGauge)
	prometheus.MustRegister(JobsFinalizedTotal)
	prometheus.MustRegister(ReaperActionsTotal)
	prometheus.MustRegister(QueueDepthGauge)
	prometheus.MustRegister(SecretBundleReadsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
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
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordAdmitted increments the admitted-jobs counter for model.
func RecordAdmitted(model string) {
	JobsAdmittedTotal.WithLabelValues(model).Inc()
}

// RecordRunningWorkers sets the running-workers gauge from a backend
// snapshot.
func RecordRunningWorkers(n int) {
	JobsRunningGauge.Set(float64(n))
}

// RecordFinalized increments the finalized-jobs counter for the given
// terminal status.
func RecordFinalized(status string) {
	JobsFinalizedTotal.WithLabelValues(status).Inc()
}

// RecordReaperAction increments the reaper-actions counter for reason.
func RecordReaperAction(reason string) {
	ReaperActionsTotal.WithLabelValues(reason).Inc()
}

// RecordQueueDepth sets the observed queue depth gauge for queue.
func RecordQueueDepth(queue string, depth float64) {
	QueueDepthGauge.WithLabelValues(queue).Set(depth)
}

// RecordSecretBundleRead increments the secret-bundle-reads counter for
// outcome.
func RecordSecretBundleRead(outcome string) {
	SecretBundleReadsTotal.WithLabelValues(outcome).Inc()
}
