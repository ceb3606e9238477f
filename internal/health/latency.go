package health

import (
	"sort"

	"dio/internal/model"
)

// median returns the median of values; ok is false for an empty slice
func median(values []float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2], true
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, true
}

// poolMedian is the median EWMA for modelID over sampled workers, skipping excludeID.
// Draining and unreachable workers are not part of the reference pool.
func poolMedian(workers []*model.WorkerRecord, modelID, excludeID string) (float64, bool) {
	values := make([]float64, 0, len(workers))
	for _, w := range workers {
		if w.ID == excludeID || !w.State.Schedulable() {
			continue
		}
		if ewma, ok := w.EWMA(modelID); ok {
			values = append(values, ewma)
		}
	}
	return median(values)
}
