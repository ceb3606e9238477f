package costing

import (
	"bytes"
	"unicode/utf8"
)

// bytesPerToken rough byte count of one token for latin text
const bytesPerToken = 4

// TokenEstimator approximates the token count of a payload: the larger of the
// whitespace word count and the byte length divided by four. Non-UTF-8
// payloads are priced by size only.
type TokenEstimator struct {
	// per-model multiplier applied to the estimate, 1 when absent
	weights map[string]float64
}

// NewTokenEstimator creates an estimator. weights may be nil.
func NewTokenEstimator(weights map[string]float64) *TokenEstimator {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		if v > 0 {
			w[k] = v
		}
	}
	return &TokenEstimator{weights: w}
}

// Estimate returns the cost of payload for modelID. Empty payloads cost 1.
func (e *TokenEstimator) Estimate(modelID string, payload []byte) int64 {
	if len(payload) == 0 {
		return 1
	}

	bySize := int64((len(payload) + bytesPerToken - 1) / bytesPerToken)
	tokens := bySize
	if utf8.Valid(payload) {
		if words := int64(len(bytes.Fields(payload))); words > tokens {
			tokens = words
		}
	}

	if w, ok := e.weights[modelID]; ok {
		tokens = int64(float64(tokens)*w + 0.5)
	}
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
