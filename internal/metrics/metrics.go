package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestration metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_runs_started_total",
			Help: "Total number of orchestration runs started",
		},
		[]string{"tenant"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_runs_completed_total",
			Help: "Total number of orchestration runs completed",
		},
		[]string{"tenant", "mode"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "normlens_run_duration_seconds",
			Help:    "Orchestration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Backend resolver metrics
	BackendProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_backend_probes_total",
			Help: "Total number of backend health probes",
		},
		[]string{"backend", "status"},
	)

	BackendFailovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_backend_failovers_total",
			Help: "Total number of call-time backend failover retries",
		},
	)

	BackendUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_backend_unavailable_total",
			Help: "Total number of runs failed because both backends were unreachable",
		},
	)

	// Profile resolver metrics
	ProfileResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_profile_resolutions_total",
			Help: "Total number of profile resolutions by cascade source",
		},
		[]string{"source"},
	)

	ProfileCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_profile_cache_total",
			Help: "Profile cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	ProfileValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_profile_validation_failures_total",
			Help: "Total number of profile documents rejected by schema validation",
		},
	)

	// Retrieval metrics
	RetrievalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_retrieval_calls_total",
			Help: "Total number of retrieval sub-query calls",
		},
		[]string{"endpoint", "outcome"},
	)

	RetrievalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "normlens_retrieval_call_duration_seconds",
			Help:    "Retrieval call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	DispatchFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "normlens_dispatch_fanout",
			Help:    "Number of sub-queries dispatched per iteration",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		},
	)

	// Reflection metrics
	ReflectionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "normlens_reflection_iterations",
			Help:    "Reflection iterations consumed per run",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	ReflectionNoProgress = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_reflection_no_progress_total",
			Help: "Total number of reflection loops stopped by no-progress detection",
		},
	)

	// Synthesis metrics
	CitationValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_citation_validation_failures_total",
			Help: "Total number of citation validation failures",
		},
	)

	SynthesisRegenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_synthesis_regenerations_total",
			Help: "Total number of synthesis regeneration attempts",
		},
	)

	// LLM provider metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_llm_calls_total",
			Help: "Total number of language-model provider calls",
		},
		[]string{"task", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "normlens_llm_call_duration_seconds",
			Help:    "Language-model call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"task"},
	)

	// Observability sink metrics
	SinkEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_sink_events_total",
			Help: "Trace events emitted to the observability sink",
		},
		[]string{"stage"},
	)

	SinkEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "normlens_sink_events_dropped_total",
			Help: "Trace events dropped because the sink buffer was full",
		},
	)

	// Session metrics
	SessionReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_session_reads_total",
			Help: "Session context reads by outcome",
		},
		[]string{"outcome"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "normlens_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)

	// Scope authorization metrics
	ScopeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normlens_scope_decisions_total",
			Help: "Scope authorization decisions",
		},
		[]string{"decision"},
	)
)
