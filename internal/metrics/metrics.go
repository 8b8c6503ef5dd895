package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_started_total",
			Help: "Total number of runs started",
		},
		[]string{"subgraph"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_completed_total",
			Help: "Total number of runs completed",
		},
		[]string{"subgraph", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"subgraph"},
	)

	RunsInterrupted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_runs_interrupted_total",
			Help: "Total number of runs suspended awaiting user input",
		},
	)

	RunsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_runs_resumed_total",
			Help: "Total number of interrupted runs resumed",
		},
	)

	// Node metrics
	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_node_executions_total",
			Help: "Total number of graph node executions",
		},
		[]string{"graph", "node", "status"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_node_duration_seconds",
			Help:    "Graph node execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"graph", "node"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_sessions_active",
			Help: "Number of active sessions",
		},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sessions_swept_total",
			Help: "Total number of idle sessions destroyed by the sweeper",
		},
	)

	SessionTokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_session_tokens_total",
			Help: "Total tokens used across all sessions",
		},
	)

	// Stream metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_events_emitted_total",
			Help: "Total number of events sent to clients",
		},
		[]string{"event"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_events_deduplicated_total",
			Help: "Total number of outbound messages dropped by the dedup gate",
		},
	)

	EmitBackpressure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_emit_backpressure_total",
			Help: "Total number of emits that blocked on a full session channel",
		},
	)

	// Model metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_model_calls_total",
			Help: "Total number of model invocations",
		},
		[]string{"provider", "stream", "status"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_model_call_duration_seconds",
			Help:    "Model invocation duration in seconds",
			Buckets: []float64{0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ModelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_model_tokens_total",
			Help: "Total tokens consumed, split by direction",
		},
		[]string{"provider", "direction"},
	)

	// Tool metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tool_invocations_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_tool_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"tool"},
	)

	// Sandbox metrics
	SandboxesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sandboxes_created_total",
			Help: "Total number of sandboxes provisioned",
		},
	)

	SandboxesDestroyed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sandboxes_destroyed_total",
			Help: "Total number of sandboxes destroyed",
		},
	)

	SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_sandboxes_active",
			Help: "Number of live sandbox bindings",
		},
	)

	SandboxOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_sandbox_ops_total",
			Help: "Total number of sandbox operations",
		},
		[]string{"op", "status"},
	)

	// File metrics
	FilesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_files_uploaded_total",
			Help: "Total number of files uploaded",
		},
		[]string{"mime"},
	)

	FilesIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_files_indexed_total",
			Help: "Total number of PDF files indexed",
		},
	)

	VectorOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_vector_ops_total",
			Help: "Vector store operations by op and outcome",
		},
		[]string{"op", "status"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_embedding_requests_total",
			Help: "Embedding calls by model and outcome",
		},
		[]string{"model", "status"},
	)

	// Export metrics
	ExportsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_exports_requested_total",
			Help: "Total number of export bundles requested",
		},
	)

	ExportsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_exports_completed_total",
			Help: "Total number of export bundles finished",
		},
		[]string{"status"},
	)

	// Archive metrics
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_archive_writes_total",
			Help: "Total number of archive write operations",
		},
		[]string{"type", "status"},
	)

	ArchiveQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_archive_queue_depth",
			Help: "Pending writes in the archive queue",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)
)

// RecordRunCompleted records metrics for a finished run.
func RecordRunCompleted(subgraph, status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(subgraph, status).Inc()
	RunDuration.WithLabelValues(subgraph).Observe(durationSeconds)
}

// RecordNodeExecution records one graph node execution.
func RecordNodeExecution(graph, node, status string, durationSeconds float64) {
	NodeExecutions.WithLabelValues(graph, node, status).Inc()
	NodeDuration.WithLabelValues(graph, node).Observe(durationSeconds)
}

// RecordModelCall records one model invocation.
func RecordModelCall(provider, stream, status string, durationSeconds float64, promptTokens, completionTokens int) {
	ModelCalls.WithLabelValues(provider, stream, status).Inc()
	ModelCallDuration.WithLabelValues(provider).Observe(durationSeconds)
	if promptTokens > 0 {
		ModelTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		ModelTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordToolInvocation records one tool invocation.
func RecordToolInvocation(tool, status string, durationSeconds float64) {
	ToolInvocations.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordSessionTokens increments the cross-session token counter.
func RecordSessionTokens(tokens int) {
	if tokens > 0 {
		SessionTokensTotal.Add(float64(tokens))
	}
}
