package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for turns, model calls, tools,
// persistence and HTTP. All methods are safe on a nil *Metrics.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: finish_reason (stop|max-steps|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures a turn from start to finish event, in seconds.
	TurnDuration prometheus.Histogram

	// TurnSteps observes model invocations per turn.
	TurnSteps prometheus.Histogram

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRetries counts model calls retried after a transport error.
	// Labels: provider
	LLMRetries *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PersistenceAttempts counts persistence operations by outcome.
	// Labels: operation, outcome (success|failure)
	PersistenceAttempts *prometheus.CounterVec

	// PersistenceGaps counts writes that exhausted their retries.
	// Labels: operation
	PersistenceGaps *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_turns_total",
			Help: "Total number of finished turns by finish reason",
		}, []string{"finish_reason"}),

		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatturn_turn_duration_seconds",
			Help:    "Duration of turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		TurnSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatturn_turn_steps",
			Help:    "Model invocations per turn",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatturn_llm_request_duration_seconds",
			Help:    "Duration of LLM API requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_llm_requests_total",
			Help: "Total number of LLM requests by provider, model, and status",
		}, []string{"provider", "model", "status"}),

		LLMRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_llm_retries_total",
			Help: "Total number of retried LLM requests by provider",
		}, []string{"provider"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_llm_tokens_total",
			Help: "Total number of tokens used by provider, model, and type",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatturn_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		PersistenceAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_persistence_operations_total",
			Help: "Total number of persistence operations by operation and outcome",
		}, []string{"operation", "outcome"}),

		PersistenceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatturn_persistence_gaps_total",
			Help: "Total number of writes that failed after all retries",
		}, []string{"operation"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatturn_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "path", "status_code"}),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(finishReason string, steps int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(finishReason).Inc()
	m.TurnSteps.Observe(float64(steps))
	m.TurnDuration.Observe(durationSeconds)
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMRetry counts a retried model call.
func (m *Metrics) RecordLLMRetry(provider string) {
	if m == nil {
		return
	}
	m.LLMRetries.WithLabelValues(provider).Inc()
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordPersistence records the outcome of a persistence operation.
func (m *Metrics) RecordPersistence(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.PersistenceAttempts.WithLabelValues(operation, outcome).Inc()
}

// RecordPersistenceGap counts a write that exhausted its retries.
func (m *Metrics) RecordPersistenceGap(operation string) {
	if m == nil {
		return
	}
	m.PersistenceGaps.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
