package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SourceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_requests_total",
			Help: "Total number of source connector requests by connector and outcome",
		},
		[]string{"connector", "outcome"},
	)
	SourceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_request_duration_seconds",
			Help:    "Source connector request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"connector"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_tasks_total",
			Help: "Total number of worker tasks by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validation_task_duration_seconds",
			Help:    "Worker task duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	FusionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fusion_duration_seconds",
			Help:    "Per-provider fusion duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_reports_total",
			Help: "Total number of validation reports by status",
		},
		[]string{"status"},
	)
	ReportOverallHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "validation_report_overall_confidence",
			Help:    "Distribution of report overall confidence ([0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter admissions and denials by connector",
		},
		[]string{"connector", "decision"},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by connector and new state",
		},
		[]string{"connector", "state"},
	)
	RobotsBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robots_blocked_total",
			Help: "Fetches suppressed by robots directives, by connector",
		},
		[]string{"connector"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_pending_tasks",
			Help: "Pending tasks per logical queue",
		},
		[]string{"queue"},
	)
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of validation jobs accepted",
		},
		[]string{"priority"},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of validation jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of validation jobs failed",
		},
	)
	JobsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of validation jobs cancelled",
		},
	)
)

// InitMetrics registers every collector. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SourceRequestsTotal)
	prometheus.MustRegister(SourceRequestDuration)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(FusionDuration)
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(ReportOverallHistogram)
	prometheus.MustRegister(RateLimitDecisionsTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(RobotsBlockedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
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

// ObserveSourceRequest records one connector call.
func ObserveSourceRequest(connector string, dur time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	SourceRequestsTotal.WithLabelValues(connector, outcome).Inc()
	SourceRequestDuration.WithLabelValues(connector).Observe(dur.Seconds())
}

// ObserveTask records one terminal worker task.
func ObserveTask(taskType string, dur time.Duration, success bool) {
	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	TasksTotal.WithLabelValues(taskType, outcome).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(dur.Seconds())
}

// ObserveReport records a fused report.
func ObserveReport(status string, overall float64, fusionDur time.Duration) {
	ReportsTotal.WithLabelValues(status).Inc()
	if overall >= 0 && overall <= 1 {
		ReportOverallHistogram.Observe(overall)
	}
	FusionDuration.Observe(fusionDur.Seconds())
}

// RateLimitDecision records a limiter outcome: allowed, denied or fail_open.
func RateLimitDecision(connector, decision string) {
	RateLimitDecisionsTotal.WithLabelValues(connector, decision).Inc()
}

// BreakerTransition records a breaker entering a new state.
func BreakerTransition(connector, state string) {
	BreakerTransitionsTotal.WithLabelValues(connector, state).Inc()
}

// RobotsBlocked records a fetch suppressed by a robots directive.
func RobotsBlocked(connector string) {
	RobotsBlockedTotal.WithLabelValues(connector).Inc()
}

// SetQueueDepth publishes the pending-task gauge for a queue.
func SetQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
