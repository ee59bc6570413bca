package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the campaign engine
type Metrics struct {
	// Dispatch
	DispatchBatchesTotal *prometheus.CounterVec
	MessagesTotal        *prometheus.CounterVec
	QuotaDeniedTotal     *prometheus.CounterVec

	// Experiments and send-time learning
	TestsEvaluatedTotal   *prometheus.CounterVec
	OptimizerUpdatesTotal *prometheus.CounterVec

	// Engagement ingestion
	WebhookEventsTotal *prometheus.CounterVec

	// Jobs
	JobRunsTotal       *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// State gauges
	PendingMessages prometheus.Gauge
	RunningTests    prometheus.Gauge
	UptimeSeconds   prometheus.Gauge
	Goroutines      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DispatchBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_dispatch_batches_total",
				Help: "Total number of provider batch calls by result",
			},
			[]string{"result"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_messages_total",
				Help: "Total number of dispatched messages by outcome",
			},
			[]string{"status"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_quota_denied_total",
				Help: "Total number of batches held back by the provider quota",
			},
			[]string{"scope"},
		),

		TestsEvaluatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_tests_evaluated_total",
				Help: "Total number of test evaluations by outcome",
			},
			[]string{"outcome"},
		),
		OptimizerUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_optimizer_updates_total",
				Help: "Total number of recipient send-time recomputations by result",
			},
			[]string{"result"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_webhook_events_total",
				Help: "Total number of engagement events received",
			},
			[]string{"type"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_job_runs_total",
				Help: "Total number of periodic job runs by result",
			},
			[]string{"job", "result"},
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "centinela_job_duration_seconds",
				Help:    "Periodic job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "centinela_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "centinela_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		PendingMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "centinela_pending_messages",
				Help: "Number of scheduled messages not yet handed to the provider",
			},
		),
		RunningTests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "centinela_running_tests",
				Help: "Number of A/B tests still running",
			},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "centinela_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "centinela_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DispatchBatchesTotal,
		m.MessagesTotal,
		m.QuotaDeniedTotal,
		m.TestsEvaluatedTotal,
		m.OptimizerUpdatesTotal,
		m.WebhookEventsTotal,
		m.JobRunsTotal,
		m.JobDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.PendingMessages,
		m.RunningTests,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncDispatchBatch counts a provider batch call ("scheduled" or "failed")
func IncDispatchBatch(result string) {
	if m := Global(); m != nil {
		m.DispatchBatchesTotal.WithLabelValues(result).Inc()
	}
}

// AddMessages adds n messages with the given dispatch outcome
func AddMessages(status string, n int) {
	if n <= 0 {
		return
	}
	if m := Global(); m != nil {
		m.MessagesTotal.WithLabelValues(status).Add(float64(n))
	}
}

// IncQuotaDenied counts a batch held back by the quota
func IncQuotaDenied(scope string) {
	if m := Global(); m != nil {
		m.QuotaDeniedTotal.WithLabelValues(scope).Inc()
	}
}

// IncTestsEvaluated counts one test evaluation
func IncTestsEvaluated(outcome string) {
	if m := Global(); m != nil {
		m.TestsEvaluatedTotal.WithLabelValues(outcome).Inc()
	}
}

// AddOptimizerUpdates counts recipient recomputations
func AddOptimizerUpdates(updated, errors int) {
	m := Global()
	if m == nil {
		return
	}
	if updated > 0 {
		m.OptimizerUpdatesTotal.WithLabelValues("updated").Add(float64(updated))
	}
	if errors > 0 {
		m.OptimizerUpdatesTotal.WithLabelValues("error").Add(float64(errors))
	}
}

// IncWebhookEvents counts a received engagement event
func IncWebhookEvents(eventType string) {
	if m := Global(); m != nil {
		m.WebhookEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveJob records a periodic job run
func ObserveJob(job, result string, seconds float64) {
	if m := Global(); m != nil {
		m.JobRunsTotal.WithLabelValues(job, result).Inc()
		m.JobDurationSeconds.WithLabelValues(job).Observe(seconds)
	}
}
