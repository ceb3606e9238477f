package model

import (
	"sort"
	"strings"
	"time"
)

// LifecycleState worker lifecycle state
type LifecycleState string

const (
	StateRegistering LifecycleState = "REGISTERING" // Registered, waiting for first successful probe
	StateHealthy     LifecycleState = "HEALTHY"     // Normal operation
	StateDegraded    LifecycleState = "DEGRADED"    // Straggling or recovering, probation traffic only
	StateUnreachable LifecycleState = "UNREACHABLE" // Failed probes or dispatches, no traffic
	StateDraining    LifecycleState = "DRAINING"    // Finishing in-flight work, no new traffic
	StateRemoved     LifecycleState = "REMOVED"     // Terminal
)

func (s LifecycleState) String() string {
	return string(s)
}

// Schedulable reports whether the scheduler may route new work to a worker in this state
func (s LifecycleState) Schedulable() bool {
	return s == StateHealthy || s == StateDegraded
}

// WorkerSpec registration request for a worker
type WorkerSpec struct {
	ID             string   `json:"worker_id" binding:"required"`
	Address        string   `json:"address" binding:"required"`
	Models         []string `json:"models" binding:"required"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"` // 0 = unlimited
	Version        string   `json:"version,omitempty"`
}

// LatencyStats per-model latency statistics for one worker
type LatencyStats struct {
	EWMAMs       float64   `json:"ewma_ms"`
	Samples      int64     `json:"samples"`
	Window       []float64 `json:"window,omitempty"` // ring buffer of the most recent samples
	WindowNext   int       `json:"-"`
	LastSampleAt time.Time `json:"last_sample_at"`
}

// Sampled reports whether at least one observation was folded in
func (s *LatencyStats) Sampled() bool {
	return s != nil && s.Samples > 0
}

// Observe folds a sample into the EWMA and pushes it into the window.
// The first sample initialises the average.
func (s *LatencyStats) Observe(ms float64, alpha float64, windowSize int, at time.Time) {
	if s.Samples == 0 {
		s.EWMAMs = ms
	} else {
		s.EWMAMs = alpha*ms + (1-alpha)*s.EWMAMs
	}
	s.Samples++
	s.LastSampleAt = at

	if windowSize <= 0 {
		return
	}
	if len(s.Window) < windowSize {
		s.Window = append(s.Window, ms)
		s.WindowNext = len(s.Window) % windowSize
		return
	}
	s.Window[s.WindowNext] = ms
	s.WindowNext = (s.WindowNext + 1) % windowSize
}

// Recent returns window samples ordered oldest first
func (s *LatencyStats) Recent() []float64 {
	n := len(s.Window)
	out := make([]float64, 0, n)
	if n == 0 {
		return out
	}
	// WindowNext equals len while filling and points at the oldest slot once full
	start := s.WindowNext % n
	for i := 0; i < n; i++ {
		out = append(out, s.Window[(start+i)%n])
	}
	return out
}

func (s LatencyStats) clone() LatencyStats {
	c := s
	if s.Window != nil {
		c.Window = append(make([]float64, 0, cap(s.Window)), s.Window...)
	}
	return c
}

// WorkerRecord registry entry for a worker
type WorkerRecord struct {
	ID                  string                   `json:"id"`
	Incarnation         uint64                   `json:"incarnation"` // bumped on every registration of ID
	Address             string                   `json:"address"`
	Models              []string                 `json:"models"`
	State               LifecycleState           `json:"state"`
	MaxConcurrency      int                      `json:"max_concurrency"` // 0 = unlimited
	InFlight            int                      `json:"in_flight"`
	Latency             map[string]*LatencyStats `json:"latency"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	RecoveryStreak      int                      `json:"recovery_streak"`
	Version             string                   `json:"version,omitempty"`
	LastSeen            time.Time                `json:"last_seen"`
	RegisteredAt        time.Time                `json:"registered_at"`
	StateChangedAt      time.Time                `json:"state_changed_at"`
}

// NewWorkerRecord builds a fresh record in REGISTERING with empty statistics
func NewWorkerRecord(spec WorkerSpec, now time.Time) *WorkerRecord {
	return &WorkerRecord{
		ID:             spec.ID,
		Address:        spec.Address,
		Models:         NormalizeModels(spec.Models),
		State:          StateRegistering,
		MaxConcurrency: spec.MaxConcurrency,
		Latency:        make(map[string]*LatencyStats),
		Version:        spec.Version,
		RegisteredAt:   now,
		StateChangedAt: now,
	}
}

// Serves reports whether the worker serves modelID
func (w *WorkerRecord) Serves(modelID string) bool {
	i := sort.SearchStrings(w.Models, modelID)
	return i < len(w.Models) && w.Models[i] == modelID
}

// HasCapacity reports whether another request fits under MaxConcurrency
func (w *WorkerRecord) HasCapacity() bool {
	return w.MaxConcurrency <= 0 || w.InFlight < w.MaxConcurrency
}

// Stats returns the latency stats for modelID, creating them if missing
func (w *WorkerRecord) Stats(modelID string) *LatencyStats {
	if w.Latency == nil {
		w.Latency = make(map[string]*LatencyStats)
	}
	s, ok := w.Latency[modelID]
	if !ok {
		s = &LatencyStats{}
		w.Latency[modelID] = s
	}
	return s
}

// EWMA returns the latency average for modelID and whether it has samples
func (w *WorkerRecord) EWMA(modelID string) (float64, bool) {
	s, ok := w.Latency[modelID]
	if !ok || !s.Sampled() {
		return 0, false
	}
	return s.EWMAMs, true
}

// Clone returns a deep copy safe to hand out of the registry lock
func (w *WorkerRecord) Clone() *WorkerRecord {
	c := *w
	c.Models = append([]string(nil), w.Models...)
	c.Latency = make(map[string]*LatencyStats, len(w.Latency))
	for k, v := range w.Latency {
		s := v.clone()
		c.Latency[k] = &s
	}
	return &c
}

// NormalizeModels returns a sorted, de-duplicated copy with empty names dropped
func NormalizeModels(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
