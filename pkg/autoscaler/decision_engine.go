package autoscaler

import (
	"fmt"
	"sync"
	"time"

	"dio/internal/model"
)

// modelState hysteresis state of one model
type modelState struct {
	load        float64
	initialized bool
	aboveSince  time.Time
	belowSince  time.Time
}

// DecisionEngine turns pool samples into scaling decisions. A breach must hold
// continuously for the policy dwell before a decision is made, and the dwell
// restarts after every decision.
type DecisionEngine struct {
	config *Config

	mu     sync.Mutex
	states map[string]*modelState
}

// NewDecisionEngine creates decision engine
func NewDecisionEngine(config *Config) *DecisionEngine {
	return &DecisionEngine{
		config: config,
		states: make(map[string]*modelState),
	}
}

// Evaluate folds s into the model's smoothed load and decides. While an intent
// is pending the timers keep running but no decision is returned.
func (e *DecisionEngine) Evaluate(s Sample, pending bool, now time.Time) Decision {
	policy := e.config.PolicyFor(s.ModelID)

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[s.ModelID]
	if !ok {
		st = &modelState{}
		e.states[s.ModelID] = st
	}

	raw := float64(s.InFlight)
	if s.Ready > 0 {
		raw = float64(s.InFlight) / float64(s.Ready)
	}
	if !st.initialized {
		st.load = raw
		st.initialized = true
	} else {
		st.load = e.config.LoadAlpha*raw + (1-e.config.LoadAlpha)*st.load
	}

	unhealthyFrac := 0.0
	if s.Total > 0 {
		unhealthyFrac = float64(s.Unhealthy) / float64(s.Total)
	}
	high := st.load > policy.ScaleOutThreshold || (s.Total > 0 && unhealthyFrac >= policy.UnhealthyFraction)
	low := !high && st.load < policy.ScaleInThreshold

	if high {
		if st.aboveSince.IsZero() {
			st.aboveSince = now
		}
	} else {
		st.aboveSince = time.Time{}
	}
	if low {
		if st.belowSince.IsZero() {
			st.belowSince = now
		}
	} else {
		st.belowSince = time.Time{}
	}

	d := Decision{ModelID: s.ModelID, Load: st.load, From: s.Active, Target: s.Active}
	if pending {
		return d
	}

	// below the minimum pool size the dwell does not apply
	if s.Active < policy.MinWorkers {
		return e.scaleOut(d, st, policy, s, policy.MinWorkers-s.Active,
			fmt.Sprintf("pool size %d below minimum %d", s.Active, policy.MinWorkers), now)
	}

	if high && now.Sub(st.aboveSince) >= policy.ScaleOutDwell {
		reason := fmt.Sprintf("load %.2f above %.2f for %s", st.load, policy.ScaleOutThreshold, now.Sub(st.aboveSince).Round(time.Second))
		if st.load <= policy.ScaleOutThreshold {
			reason = fmt.Sprintf("unhealthy fraction %.2f reached %.2f for %s", unhealthyFrac, policy.UnhealthyFraction, now.Sub(st.aboveSince).Round(time.Second))
		}
		return e.scaleOut(d, st, policy, s, policy.ScaleOutStep, reason, now)
	}

	if low && now.Sub(st.belowSince) >= policy.ScaleInDwell {
		if s.Ready-1 < policy.MinWorkers || s.Ready == 0 {
			return d
		}
		d.Direction = model.ScaleIn
		d.Magnitude = 1
		d.Target = s.Active - 1
		d.Reason = fmt.Sprintf("load %.2f below %.2f for %s", st.load, policy.ScaleInThreshold, now.Sub(st.belowSince).Round(time.Second))
		st.belowSince = now
		return d
	}
	return d
}

func (e *DecisionEngine) scaleOut(d Decision, st *modelState, policy Policy, s Sample, magnitude int, reason string, now time.Time) Decision {
	if policy.MaxWorkers > 0 {
		magnitude = min(magnitude, policy.MaxWorkers-s.Total)
	}
	if magnitude <= 0 {
		return d
	}
	d.Direction = model.ScaleOut
	d.Magnitude = magnitude
	d.Target = s.Active + magnitude
	d.Reason = reason
	if !st.aboveSince.IsZero() {
		st.aboveSince = now
	}
	return d
}

// State returns the smoothed load and dwell timers of modelID
func (e *DecisionEngine) State(modelID string) (load float64, aboveSince, belowSince time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[modelID]; ok {
		return st.load, st.aboveSince, st.belowSince
	}
	return 0, time.Time{}, time.Time{}
}

// Forget drops the state of models that are no longer observed
func (e *DecisionEngine) Forget(modelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, modelID)
}

// Tracked lists the models holding hysteresis state
func (e *DecisionEngine) Tracked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.states))
	for m := range e.states {
		out = append(out, m)
	}
	return out
}
