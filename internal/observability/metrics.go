package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects agentd runtime metrics: inference latency, tool execution
// patterns, loop outcomes, and background job activity.
type Metrics struct {
	// InferenceRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	InferenceRequestDuration *prometheus.HistogramVec

	// InferenceRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	InferenceRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// RunOutcomeCounter counts loop runs by terminal outcome.
	// Labels: outcome (completed|budget_exhausted|cancelled|failed)
	RunOutcomeCounter *prometheus.CounterVec

	// RunIterations observes iterations consumed per run.
	RunIterations prometheus.Histogram

	// OverflowRecordCounter counts tool results offloaded to durable storage.
	// Labels: tool
	OverflowRecordCounter *prometheus.CounterVec

	// ActiveJobs is a gauge of jobs currently in the running state.
	ActiveJobs prometheus.Gauge

	// JobStateCounter counts job state transitions.
	// Labels: state (pending|running|completed|failed|cancelled)
	JobStateCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InferenceRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_inference_request_duration_seconds",
			Help:    "Model API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		InferenceRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_inference_requests_total",
			Help: "Model API calls by result.",
		}, []string{"provider", "model", "status"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_executions_total",
			Help: "Tool invocations by result.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		RunOutcomeCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_run_outcomes_total",
			Help: "Agent loop runs by terminal outcome.",
		}, []string{"outcome"}),
		RunIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentd_run_iterations",
			Help:    "Iterations consumed per run.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		OverflowRecordCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_overflow_records_total",
			Help: "Tool results offloaded to durable storage by the compactor.",
		}, []string{"tool"}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_active_jobs",
			Help: "Jobs currently running.",
		}),
		JobStateCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_job_states_total",
			Help: "Job state transitions.",
		}, []string{"state"}),
	}
}
