package scheduler

import (
	"math"

	"dio/internal/model"
)

const weightEpsilon = 1e-9

// WorkerWeight selection probability of one candidate
type WorkerWeight struct {
	WorkerID string               `json:"worker_id"`
	State    model.LifecycleState `json:"state"`
	EWMAMs   float64              `json:"ewma_ms"`
	Sampled  bool                 `json:"sampled"`
	InFlight int                  `json:"in_flight"`
	Weight   float64              `json:"weight"`
}

// computeWeights assigns a probability to every candidate. Candidates must be
// schedulable, ordered by id. With at least one HEALTHY candidate the HEALTHY
// ones share the mass by inverse EWMA and every DEGRADED one gets exactly the
// floor. Without HEALTHY candidates the DEGRADED ones are weighted by latency.
func computeWeights(candidates []*model.WorkerRecord, modelID string, floor float64) []WorkerWeight {
	n := len(candidates)
	out := make([]WorkerWeight, n)
	if n == 0 {
		return out
	}

	floor = effectiveFloor(floor, n)

	var weighted, probation []int
	for i, w := range candidates {
		ewma, sampled := w.EWMA(modelID)
		out[i] = WorkerWeight{WorkerID: w.ID, State: w.State, EWMAMs: ewma, Sampled: sampled, InFlight: w.InFlight}
		if w.State == model.StateHealthy {
			weighted = append(weighted, i)
		} else {
			probation = append(probation, i)
		}
	}
	if len(weighted) == 0 {
		weighted, probation = probation, nil
	}

	mass := 1 - floor*float64(len(probation))
	for _, i := range probation {
		out[i].Weight = floor
	}

	shares := inverseLatencyShares(out, weighted)
	for k, i := range weighted {
		out[i].Weight = shares[k] * mass
	}
	waterFill(out, weighted, floor, mass)
	return out
}

// effectiveFloor caps the floor so that floored candidates never take more
// than half of the total mass
func effectiveFloor(floor float64, n int) float64 {
	return math.Min(floor, 0.5/float64(n))
}

// inverseLatencyShares returns 1/EWMA shares normalised to 1 over idx.
// Unsampled candidates use the mean EWMA of the sampled ones; with no samples
// at all the shares are equal.
func inverseLatencyShares(ws []WorkerWeight, idx []int) []float64 {
	shares := make([]float64, len(idx))
	var sum float64
	var sampled int
	for _, i := range idx {
		if ws[i].Sampled && ws[i].EWMAMs > 0 {
			sum += ws[i].EWMAMs
			sampled++
		}
	}
	if sampled == 0 {
		for k := range shares {
			shares[k] = 1 / float64(len(idx))
		}
		return shares
	}
	mean := sum / float64(sampled)

	var total float64
	for k, i := range idx {
		ewma := mean
		if ws[i].Sampled && ws[i].EWMAMs > 0 {
			ewma = ws[i].EWMAMs
		}
		shares[k] = 1 / ewma
		total += shares[k]
	}
	for k := range shares {
		shares[k] /= total
	}
	return shares
}

// waterFill raises every weight in idx below floor to floor, taking the
// difference proportionally from the others, until none is below floor.
// The weights in idx keep summing to mass.
func waterFill(ws []WorkerWeight, idx []int, floor, mass float64) {
	fixed := make(map[int]bool, len(idx))
	for {
		changed := false
		for _, i := range idx {
			if !fixed[i] && ws[i].Weight < floor-weightEpsilon {
				ws[i].Weight = floor
				fixed[i] = true
				changed = true
			}
		}
		if !changed {
			return
		}

		remaining := mass - floor*float64(len(fixed))
		var free float64
		for _, i := range idx {
			if !fixed[i] {
				free += ws[i].Weight
			}
		}
		if free <= 0 {
			return
		}
		scale := remaining / free
		for _, i := range idx {
			if !fixed[i] {
				ws[i].Weight *= scale
			}
		}
	}
}

// allEqual reports whether every weight is the same, in which case selection
// falls back to round-robin
func allEqual(ws []WorkerWeight) bool {
	for _, w := range ws[1:] {
		if math.Abs(w.Weight-ws[0].Weight) > weightEpsilon {
			return false
		}
	}
	return true
}
