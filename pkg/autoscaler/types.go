package autoscaler

import (
	"time"

	"dio/internal/model"
	"dio/pkg/config"
)

// Config autoscaler configuration
type Config struct {
	Enabled       bool
	Interval      time.Duration
	IntentTimeout time.Duration
	LoadAlpha     float64
	Default       Policy
	Models        map[string]Policy
}

// Policy per-model scaling policy
type Policy = config.ScalingPolicyConfig

// ConfigFrom converts the loaded configuration section
func ConfigFrom(c config.AutoScalerConfig) *Config {
	models := make(map[string]Policy, len(c.Models))
	for k, v := range c.Models {
		models[k] = v
	}
	return &Config{
		Enabled:       c.Enabled,
		Interval:      c.Interval,
		IntentTimeout: c.IntentTimeout,
		LoadAlpha:     c.LoadAlpha,
		Default:       c.Default,
		Models:        models,
	}
}

// PolicyFor returns the policy of modelID, falling back to the default
func (c *Config) PolicyFor(modelID string) Policy {
	if p, ok := c.Models[modelID]; ok {
		return p
	}
	return c.Default
}

// Sample pool observation for one model at one tick
type Sample struct {
	ModelID   string
	Ready     int // HEALTHY + DEGRADED
	Active    int // Ready + REGISTERING
	Total     int // every non-draining worker, unreachable included
	Unhealthy int // DEGRADED + UNREACHABLE
	Draining  int
	InFlight  int
}

// Decision outcome of evaluating one sample
type Decision struct {
	ModelID   string
	Direction model.ScalingDirection // empty when nothing should happen
	Magnitude int
	Reason    string
	Load      float64 // smoothed in-flight per ready worker
	From      int
	Target    int
}

// Scale reports whether the decision asks for an intent
func (d Decision) Scale() bool {
	return d.Direction != "" && d.Magnitude > 0
}

// ModelStatus autoscaler view of one model
type ModelStatus struct {
	ModelID       string               `json:"model_id"`
	Policy        Policy               `json:"policy"`
	Ready         int                  `json:"ready"`
	Active        int                  `json:"active"`
	Total         int                  `json:"total"`
	Unhealthy     int                  `json:"unhealthy"`
	Draining      int                  `json:"draining"`
	InFlight      int                  `json:"in_flight"`
	Load          float64              `json:"load"`
	AboveSince    *time.Time           `json:"above_since,omitempty"`
	BelowSince    *time.Time           `json:"below_since,omitempty"`
	PendingIntent *model.ScalingIntent `json:"pending_intent,omitempty"`
}

// AutoScalerStatus autoscaler status
type AutoScalerStatus struct {
	Enabled     bool          `json:"enabled"`
	Running     bool          `json:"running"`
	Provisioner string        `json:"provisioner"`
	Interval    string        `json:"interval"`
	LastRunTime time.Time     `json:"last_run_time"`
	Models      []ModelStatus `json:"models"`
}
