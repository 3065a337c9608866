package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the broker. Every
// helper method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline metrics.
	PipelineRunsTotal       *prometheus.CounterVec
	PipelineDuration        *prometheus.HistogramVec
	PipelineRejectionsTotal *prometheus.CounterVec
	ChargedCreditTotal      *prometheus.CounterVec

	// Compensation and reconciliation.
	CompensationsTotal     *prometheus.CounterVec
	CompensatedCreditTotal *prometheus.CounterVec
	ReconcileRunsTotal     *prometheus.CounterVec
	ReconcileRecordsTotal  *prometheus.CounterVec

	// Vendor calls.
	RemoteCallsTotal   *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec

	// Rate limiting.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Low-balance notifications.
	NotificationsTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_pipeline_runs_total",
			Help: "Total number of pipeline executions by final record status.",
		}, []string{"service_id", "status"}),

		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_pipeline_duration_seconds",
			Help:    "Pipeline execution duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 90},
		}, []string{"service_id"}),

		PipelineRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_pipeline_rejections_total",
			Help: "Total number of requests rejected before any side effect.",
		}, []string{"service_id", "reason"}),

		ChargedCreditTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_charged_credit_total",
			Help: "Total credit debited by the pipeline.",
		}, []string{"service_id"}),

		CompensationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_compensations_total",
			Help: "Total number of failed records whose charge was reversed.",
		}, []string{"service_id", "source"}),

		CompensatedCreditTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_compensated_credit_total",
			Help: "Total credit returned by compensations.",
		}, []string{"service_id"}),

		ReconcileRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_reconcile_runs_total",
			Help: "Total number of reconciliation passes.",
		}, []string{"status"}),

		ReconcileRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_reconcile_records_total",
			Help: "Total number of records handled by reconciliation, by result.",
		}, []string{"result"}),

		RemoteCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_remote_calls_total",
			Help: "Total number of vendor calls.",
		}, []string{"service_id", "op", "outcome"}),

		RemoteCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_remote_call_duration_seconds",
			Help:    "Vendor call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service_id", "op"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_notifications_total",
			Help: "Total number of low-balance notifications by delivery status.",
		}, []string{"status"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PipelineRunsTotal,
		m.PipelineDuration,
		m.PipelineRejectionsTotal,
		m.ChargedCreditTotal,
		m.CompensationsTotal,
		m.CompensatedCreditTotal,
		m.ReconcileRunsTotal,
		m.ReconcileRecordsTotal,
		m.RemoteCallsTotal,
		m.RemoteCallDuration,
		m.RateLimitRejectionsTotal,
		m.NotificationsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// ObservePipeline records a pipeline run that created a record.
func (m *Metrics) ObservePipeline(serviceID, status string, charged int64, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(serviceID, status).Inc()
	m.PipelineDuration.WithLabelValues(serviceID).Observe(seconds)
	if charged > 0 {
		m.ChargedCreditTotal.WithLabelValues(serviceID).Add(float64(charged))
	}
}

// IncPipelineRejection counts a request refused before any side effect.
func (m *Metrics) IncPipelineRejection(serviceID, reason string) {
	if m == nil {
		return
	}
	m.PipelineRejectionsTotal.WithLabelValues(serviceID, reason).Inc()
}

// IncCompensation counts one reversed charge. source is the component that
// failed the record: pipeline, dispatch or reconcile.
func (m *Metrics) IncCompensation(serviceID, source string, amount int64) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(serviceID, source).Inc()
	m.CompensatedCreditTotal.WithLabelValues(serviceID).Add(float64(amount))
}

// IncReconcileRun counts a reconciliation pass by status (ok or error).
func (m *Metrics) IncReconcileRun(status string) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
}

// AddReconcileRecords adds n records handled with the given result.
func (m *Metrics) AddReconcileRecords(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconcileRecordsTotal.WithLabelValues(result).Add(float64(n))
}

// ObserveRemoteCall records one vendor call.
func (m *Metrics) ObserveRemoteCall(serviceID, op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(serviceID, op, outcome).Inc()
	m.RemoteCallDuration.WithLabelValues(serviceID, op).Observe(seconds)
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncNotification counts a low-balance notification attempt.
func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	if m == nil {
		return
	}
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
