package interfaces

import (
	"context"

	"dio/internal/model"
)

// WorkerClient outbound calls to an inference worker
type WorkerClient interface {
	// Predict runs one inference on the worker at address
	Predict(ctx context.Context, address string, req *model.PredictRequest) (*model.PredictResponse, error)

	// CheckHealth returns nil when the worker answers its health endpoint with 2xx
	CheckHealth(ctx context.Context, address string) error
}

// CostEstimator estimates the admission cost of a payload when the client supplied none
type CostEstimator interface {
	Estimate(modelID string, payload []byte) int64
}
