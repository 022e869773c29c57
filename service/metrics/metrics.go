package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec

	// Upstream HTTP Metrics (aggregator, oracle, relay)
	upstreamRateLimitHits *prometheus.CounterVec
	upstreamRetries       *prometheus.CounterVec
	upstreamCallDuration  *prometheus.HistogramVec

	// Pipeline Metrics
	pipelineStageDuration *prometheus.HistogramVec
	pipelineOutcomesTotal *prometheus.CounterVec
	confirmationPolls     *prometheus.CounterVec
	signerRequestsTotal   *prometheus.CounterVec
	swapQuotesTotal       *prometheus.CounterVec

	// Workflow Metrics
	watchWorkflowsTotal  *prometheus.CounterVec
	watchActivityLatency *prometheus.HistogramVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),

		upstreamRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_upstream_rate_limit_hits_total",
				Help: "Total number of 429 responses from upstream HTTP services",
			},
			[]string{"upstream"},
		),
		upstreamRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_upstream_retries_total",
				Help: "Total number of upstream HTTP retry attempts",
			},
			[]string{"upstream", "reason"},
		),
		upstreamCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_upstream_call_duration_seconds",
				Help:    "Duration of upstream HTTP calls including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"upstream", "status"},
		),

		pipelineStageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"flow", "stage"},
		),
		pipelineOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_outcomes_total",
				Help: "Total number of pipeline runs by terminal stage and error kind",
			},
			[]string{"flow", "stage", "error_kind"},
		),
		confirmationPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confirmation_polls_total",
				Help: "Total number of signature status polls by observed status",
			},
			[]string{"status"},
		),
		signerRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signer_requests_total",
				Help: "Total number of signer requests by operation and result",
			},
			[]string{"operation", "result"},
		),
		swapQuotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_quotes_total",
				Help: "Total number of swap quotes by result",
			},
			[]string{"result"},
		),

		watchWorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watch_workflows_total",
				Help: "Total number of signature watch workflows by final status",
			},
			[]string{"status"},
		),
		watchActivityLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watch_activity_duration_seconds",
				Help:    "Duration of watch workflow activities in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"activity"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// Upstream HTTP metric helpers

// RecordRateLimitHit records a 429 from an upstream service.
func (m *Metrics) RecordRateLimitHit(upstream string) {
	m.upstreamRateLimitHits.WithLabelValues(upstream).Inc()
}

// RecordUpstreamRetry records a retry attempt against an upstream service.
func (m *Metrics) RecordUpstreamRetry(upstream, reason string) {
	m.upstreamRetries.WithLabelValues(upstream, reason).Inc()
}

// RecordUpstreamCall records the total duration of a retried upstream call.
func (m *Metrics) RecordUpstreamCall(upstream, status string, duration float64) {
	m.upstreamCallDuration.WithLabelValues(upstream, status).Observe(duration)
}

// Pipeline metric helpers

// RecordStage records how long a pipeline stage took.
func (m *Metrics) RecordStage(flow, stage string, duration float64) {
	m.pipelineStageDuration.WithLabelValues(flow, stage).Observe(duration)
}

// RecordOutcome records the terminal stage of a pipeline run.
func (m *Metrics) RecordOutcome(flow, stage, errorKind string) {
	m.pipelineOutcomesTotal.WithLabelValues(flow, stage, errorKind).Inc()
}

// RecordConfirmationPoll records one signature status poll.
func (m *Metrics) RecordConfirmationPoll(status string) {
	m.confirmationPolls.WithLabelValues(status).Inc()
}

// RecordSignerRequest records a signer call.
func (m *Metrics) RecordSignerRequest(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.signerRequestsTotal.WithLabelValues(operation, result).Inc()
}

// RecordSwapQuote records a quote fetch result ("success", "invalid", "error", "expired").
func (m *Metrics) RecordSwapQuote(result string) {
	m.swapQuotesTotal.WithLabelValues(result).Inc()
}

// Workflow metric helpers

// RecordWatchWorkflow records the final status of a watch workflow.
func (m *Metrics) RecordWatchWorkflow(status string) {
	m.watchWorkflowsTotal.WithLabelValues(status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.watchActivityLatency.WithLabelValues(activity).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
