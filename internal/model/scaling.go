package model

import (
	"time"
)

// ScalingDirection scaling direction
type ScalingDirection string

const (
	ScaleOut ScalingDirection = "scale_out"
	ScaleIn  ScalingDirection = "scale_in"
)

// IntentStatus scaling intent status
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentExpired   IntentStatus = "expired"
)

// Terminal reports whether the intent no longer blocks new decisions
func (s IntentStatus) Terminal() bool {
	return s != IntentPending
}

// ScalingIntent request to grow or shrink a model's pool
type ScalingIntent struct {
	ID            string           `json:"id"`
	Direction     ScalingDirection `json:"direction"`
	ModelID       string           `json:"model_id"`
	Magnitude     int              `json:"magnitude"`
	Reason        string           `json:"reason"`
	WorkerIDs     []string         `json:"worker_ids,omitempty"` // scale-in victims
	FromWorkers   int              `json:"from_workers"`
	TargetWorkers int              `json:"target_workers"`
	Status        IntentStatus     `json:"status"`
	Message       string           `json:"message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// Clone returns a copy safe to hand out of the autoscaler lock
func (i *ScalingIntent) Clone() *ScalingIntent {
	c := *i
	c.WorkerIDs = append([]string(nil), i.WorkerIDs...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
