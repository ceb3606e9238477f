package model

import (
	"fmt"
	"time"
)

// FailureKind classifies a failed dispatch
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureTimeout     FailureKind = "timeout"      // Dispatch deadline exceeded
	FailureTransport   FailureKind = "transport"    // Connection refused, reset, DNS
	FailureWorkerError FailureKind = "worker_error" // Worker answered with an error
)

// InferenceRequest request to run one inference
type InferenceRequest struct {
	RequestID     string
	ModelID       string
	Payload       []byte
	EstimatedCost int64     // 0 = ask the estimator
	Deadline      time.Time // zero = only the dispatch timeout applies
}

// InferenceResult successful inference result
type InferenceResult struct {
	RequestID       string `json:"request_id"`
	WorkerID        string `json:"worker_id"`
	Output          []byte `json:"output"`
	LatencyMs       int64  `json:"latency_ms"`        // measured by the orchestrator around the dispatch
	WorkerLatencyMs int64  `json:"worker_latency_ms"` // reported by the worker
	TokensUsed      int64  `json:"tokens_used"`
	ContextFull     bool   `json:"context_full"`
}

// InferenceOutcome observation fed back into the tracker after every dispatch
type InferenceOutcome struct {
	WorkerID    string
	Incarnation uint64 // instance of WorkerID the request was dispatched to
	ModelID     string
	Latency     time.Duration
	Success     bool
	FailureKind FailureKind
}

// PredictRequest body sent to a worker
type PredictRequest struct {
	ModelID string `json:"model_id"`
	Payload []byte `json:"payload"`
}

// PredictResponse body returned by a worker
type PredictResponse struct {
	Output      []byte `json:"output"`
	LatencyMs   int64  `json:"latency_ms"`
	TokensUsed  int64  `json:"tokens_used,omitempty"`
	ContextFull bool   `json:"context_full,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WorkerError the worker answered but reported a failure
type WorkerError struct {
	Address    string
	StatusCode int
	Message    string
}

func (e *WorkerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("worker %s returned status %d: %s", e.Address, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("worker %s: %s", e.Address, e.Message)
}
