package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dio/internal/model"
	"dio/internal/registry"
	"dio/pkg/config"
	"dio/pkg/interfaces"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

// Tracker probes workers and folds dispatch outcomes into latency statistics.
// It never writes State directly; every change goes through Registry.Mutate.
type Tracker struct {
	registry *registry.Registry
	client   interfaces.WorkerClient
	cfg      config.HealthConfig
	now      func() time.Time
}

// NewTracker creates a tracker
func NewTracker(reg *registry.Registry, client interfaces.WorkerClient, cfg config.HealthConfig) *Tracker {
	return &Tracker{registry: reg, client: client, cfg: cfg, now: time.Now}
}

// SetClock overrides time.Now, used by tests
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Name implements jobs.Job
func (t *Tracker) Name() string {
	return "health-probe"
}

// Interval implements jobs.Job
func (t *Tracker) Interval() time.Duration {
	return t.cfg.ProbeInterval
}

// Run implements jobs.Job by probing every worker once
func (t *Tracker) Run(ctx context.Context) error {
	return t.ProbeAll(ctx)
}

// ProbeAll probes every non-draining worker concurrently, bounded by
// ProbeConcurrency. Failures are recorded, never retried within the cycle.
func (t *Tracker) ProbeAll(ctx context.Context) error {
	workers := t.registry.List()
	sem := make(chan struct{}, max(t.cfg.ProbeConcurrency, 1))
	var wg sync.WaitGroup

	for _, w := range workers {
		if w.State == model.StateDraining {
			continue
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(w *model.WorkerRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			t.probe(ctx, w.ID, w.Incarnation, w.Address)
		}(w)
	}
	wg.Wait()
	return nil
}

// ProbeNow probes the current instance of a worker immediately, used right after registration
func (t *Tracker) ProbeNow(ctx context.Context, id string) error {
	w, err := t.registry.Get(id)
	if err != nil {
		return err
	}
	if !t.probe(ctx, w.ID, w.Incarnation, w.Address) {
		return fmt.Errorf("worker %s failed its health probe", id)
	}
	return nil
}

// probe checks one instance. The result is dropped if the worker re-registered
// while the probe was in flight.
func (t *Tracker) probe(ctx context.Context, id string, incarnation uint64, address string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	err := t.client.CheckHealth(probeCtx, address)
	cancel()

	metrics.RecordProbe(err == nil)
	if err != nil {
		logger.DebugCtx(ctx, "probe %s (%s) failed: %v", id, address, err)
		t.recordProbeFailure(id, incarnation, err)
		return false
	}
	t.recordProbeSuccess(id, incarnation)
	return true
}

func (t *Tracker) recordProbeSuccess(id string, incarnation uint64) {
	now := t.now()
	err := t.registry.Mutate(id, incarnation, "probe ok", func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		w.ConsecutiveFailures = 0
		w.LastSeen = now
		switch w.State {
		case model.StateRegistering:
			return model.StateHealthy, true
		case model.StateUnreachable:
			// back on probation, HEALTHY must be earned through the recovery streak
			w.RecoveryStreak = 0
			return model.StateDegraded, true
		}
		return "", false
	})
	t.logMutateError(id, err)
}

func (t *Tracker) recordProbeFailure(id string, incarnation uint64, cause error) {
	reason := fmt.Sprintf("probe failed: %v", cause)
	err := t.registry.Mutate(id, incarnation, reason, func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		return t.countFailure(w)
	})
	t.logMutateError(id, err)
}

// countFailure bumps the failure counter and escalates to UNREACHABLE at the threshold
func (t *Tracker) countFailure(w *model.WorkerRecord) (model.LifecycleState, bool) {
	w.ConsecutiveFailures++
	w.RecoveryStreak = 0
	if w.ConsecutiveFailures < t.cfg.FailureThreshold {
		return "", false
	}
	switch w.State {
	case model.StateRegistering, model.StateHealthy, model.StateDegraded:
		return model.StateUnreachable, true
	}
	return "", false
}

// RecordOutcome folds a dispatch outcome into the worker's statistics and
// applies straggler detection and recovery. Outcomes of a replaced instance
// are dropped.
func (t *Tracker) RecordOutcome(o model.InferenceOutcome) {
	latencyMs := float64(o.Latency) / float64(time.Millisecond)
	poolMedian, haveMedian := t.PoolMedianExcluding(o.ModelID, o.WorkerID)
	now := t.now()

	reason := "outcome ok"
	if !o.Success {
		reason = fmt.Sprintf("dispatch failed: %s", o.FailureKind)
	}

	err := t.registry.Mutate(o.WorkerID, o.Incarnation, reason, func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		// timeouts carry a real latency signal, transport and worker errors do not
		timedOut := !o.Success && o.FailureKind == model.FailureTimeout
		if o.Success || timedOut {
			w.Stats(o.ModelID).Observe(latencyMs, t.cfg.EWMAAlpha, t.cfg.WindowSize, now)
		}
		if !o.Success {
			if to, ok := t.countFailure(w); ok {
				return to, ok
			}
			// below the failure threshold a timeout is still a straggler signal
			if timedOut && w.State == model.StateHealthy && t.straggling(latencyMs, poolMedian, haveMedian) {
				return model.StateDegraded, true
			}
			return "", false
		}

		w.ConsecutiveFailures = 0
		w.LastSeen = now
		return t.applyStraggler(w, latencyMs, poolMedian, haveMedian)
	})
	if err != nil && model.CodeOf(err) != model.CodeNotFound {
		t.logMutateError(o.WorkerID, err)
	}
}

func (t *Tracker) straggling(latencyMs, poolMedian float64, haveMedian bool) bool {
	return haveMedian && latencyMs > t.cfg.StragglerMultiplier*poolMedian
}

func (t *Tracker) applyStraggler(w *model.WorkerRecord, latencyMs, poolMedian float64, haveMedian bool) (model.LifecycleState, bool) {
	switch w.State {
	case model.StateHealthy:
		if t.straggling(latencyMs, poolMedian, haveMedian) {
			w.RecoveryStreak = 0
			return model.StateDegraded, true
		}
	case model.StateDegraded:
		if !haveMedian || latencyMs <= poolMedian {
			w.RecoveryStreak++
		} else {
			w.RecoveryStreak = 0
		}
		if w.RecoveryStreak >= t.cfg.RecoveryStreak {
			w.RecoveryStreak = 0
			return model.StateHealthy, true
		}
	}
	return "", false
}

// PoolMedian is the median EWMA latency in milliseconds of schedulable workers serving modelID
func (t *Tracker) PoolMedian(modelID string) (float64, bool) {
	return t.PoolMedianExcluding(modelID, "")
}

// PoolMedianExcluding is PoolMedian computed without workerID
func (t *Tracker) PoolMedianExcluding(modelID, workerID string) (float64, bool) {
	return poolMedian(t.registry.ListByModel(modelID), modelID, workerID)
}

func (t *Tracker) logMutateError(id string, err error) {
	if err == nil {
		return
	}
	if model.CodeOf(err) == model.CodeStateTransition {
		logger.Errorf("tracker produced an illegal transition for %s: %v", id, err)
		return
	}
	logger.Debugf("tracker update for %s skipped: %v", id, err)
}
