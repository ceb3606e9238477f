package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"dio/internal/model"
	"dio/internal/registry"
	"dio/pkg/config"
	"dio/pkg/logger"
)

// Scheduler picks a worker for each request: inverse-latency weighted choice
// among HEALTHY workers, probation traffic at the floor weight for DEGRADED ones.
type Scheduler struct {
	registry *registry.Registry
	floor    float64

	mu  sync.Mutex
	rng *rand.Rand
	rr  map[string]int
}

// New creates a scheduler. A nil src seeds from cfg.Seed, or from the clock when Seed is 0.
func New(reg *registry.Registry, cfg config.SchedulerConfig, src rand.Source) *Scheduler {
	if src == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		src = rand.NewSource(seed)
	}
	floor := cfg.FloorWeight
	if floor <= 0 || floor >= 1 {
		floor = config.DefaultFloorWeight
	}
	return &Scheduler{
		registry: reg,
		floor:    floor,
		rng:      rand.New(src),
		rr:       make(map[string]int),
	}
}

// Weights returns the current selection distribution for modelID
func (s *Scheduler) Weights(modelID string) []WorkerWeight {
	return computeWeights(s.candidates(modelID, nil), modelID, s.floor)
}

// Select picks a worker id for modelID without reserving capacity
func (s *Scheduler) Select(modelID string) (string, error) {
	w, err := s.pick(modelID, nil)
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// Reserve selects a worker and takes one of its concurrency slots. A candidate
// that filled up between selection and acquisition is excluded and selection
// runs again.
func (s *Scheduler) Reserve(modelID string) (*Reservation, error) {
	excluded := make(map[string]bool)
	for {
		w, err := s.pick(modelID, excluded)
		if err != nil {
			return nil, err
		}
		if s.registry.TryAcquire(w.ID, w.Incarnation) {
			return &Reservation{
				WorkerID:    w.ID,
				Incarnation: w.Incarnation,
				Address:     w.Address,
				ModelID:     modelID,
				registry:    s.registry,
			}, nil
		}
		logger.Debugf("worker %s saturated or left the pool during selection for %s, reselecting", w.ID, modelID)
		excluded[w.ID] = true
	}
}

func (s *Scheduler) candidates(modelID string, excluded map[string]bool) []*model.WorkerRecord {
	all := s.registry.ListHealthyFor(modelID)
	out := all[:0]
	for _, w := range all {
		if excluded[w.ID] || !w.HasCapacity() {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (s *Scheduler) pick(modelID string, excluded map[string]bool) (*model.WorkerRecord, error) {
	cands := s.candidates(modelID, excluded)
	if len(cands) == 0 {
		return nil, model.NoCapacityError(modelID)
	}
	weights := computeWeights(cands, modelID, s.floor)

	s.mu.Lock()
	defer s.mu.Unlock()

	if allEqual(weights) {
		i := s.rr[modelID] % len(cands)
		s.rr[modelID] = i + 1
		return cands[i], nil
	}

	r := s.rng.Float64()
	var acc float64
	for i, w := range weights {
		acc += w.Weight
		if r < acc {
			return cands[i], nil
		}
	}
	return cands[len(cands)-1], nil
}

// Reservation holds one concurrency slot on a worker until released
type Reservation struct {
	WorkerID    string
	Incarnation uint64 // the slot belongs to this instance of WorkerID
	Address     string
	ModelID     string

	registry *registry.Registry
	once     sync.Once
}

// Release returns the slot. Safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.registry.Release(r.WorkerID, r.Incarnation)
	})
}
