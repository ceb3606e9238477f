package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_requests_total",
			Help: "Inference requests by model and result code",
		},
		[]string{"model", "code"}, // code: ok or an error code
	)

	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_dispatch_outcomes_total",
			Help: "Worker dispatch outcomes by failure kind",
		},
		[]string{"model", "worker_id", "success", "failure_kind"},
	)

	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_worker_state_transitions_total",
			Help: "Worker lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_health_probes_total",
			Help: "Health probes by result",
		},
		[]string{"success"},
	)

	ScalingIntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_scaling_intents_total",
			Help: "Scaling intents by direction and final status",
		},
		[]string{"model", "direction", "status"},
	)

	TokensUsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_tokens_used_total",
			Help: "Worker-reported tokens used",
		},
		[]string{"model"},
	)

	ContextFullTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_context_full_total",
			Help: "Responses where the worker reported a full context window",
		},
		[]string{"model"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dio_job_runs_total",
			Help: "Background job runs by result",
		},
		[]string{"job", "result"}, // result: ok, error, panic
	)

	// Gauges
	WorkersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dio_workers",
			Help: "Registered workers by lifecycle state",
		},
		[]string{"state"},
	)

	AdmittedCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dio_admitted_cost",
			Help: "Cost currently admitted per model",
		},
		[]string{"model"},
	)

	ScalingLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dio_scaling_load",
			Help: "Smoothed in-flight requests per eligible worker",
		},
		[]string{"model"},
	)

	// Buckets: 5ms to ~82s
	DispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dio_dispatch_duration_seconds",
			Help:    "Worker dispatch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		},
		[]string{"model"},
	)
)

// RecordRequest counts a finished request; code is "ok" on success
func RecordRequest(modelID, code string) {
	RequestsTotal.WithLabelValues(modelID, code).Inc()
}

// RecordDispatch records a dispatch outcome and its duration
func RecordDispatch(modelID, workerID string, success bool, failureKind string, d time.Duration) {
	DispatchOutcomesTotal.WithLabelValues(modelID, workerID, strconv.FormatBool(success), failureKind).Inc()
	DispatchDurationSeconds.WithLabelValues(modelID).Observe(d.Seconds())
}

// RecordTransition records a lifecycle transition
func RecordTransition(from, to string) {
	StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetWorkerCounts replaces the per-state worker gauge. States missing from
// counts are reported as zero.
func SetWorkerCounts(states []string, counts map[string]int) {
	for _, st := range states {
		WorkersByState.WithLabelValues(st).Set(float64(counts[st]))
	}
}

// RecordProbe records a health probe result
func RecordProbe(success bool) {
	ProbesTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordIntent records an intent status change
func RecordIntent(modelID, direction, status string) {
	ScalingIntentsTotal.WithLabelValues(modelID, direction, status).Inc()
}

// RecordUsage records worker-reported usage
func RecordUsage(modelID string, tokensUsed int64, contextFull bool) {
	if tokensUsed > 0 {
		TokensUsedTotal.WithLabelValues(modelID).Add(float64(tokensUsed))
	}
	if contextFull {
		ContextFullTotal.WithLabelValues(modelID).Inc()
	}
}

// RecordJobRun counts one background job execution
func RecordJobRun(job, result string) {
	JobRunsTotal.WithLabelValues(job, result).Inc()
}
