package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPort = 8080

	DefaultProbeInterval       = 5 * time.Second
	DefaultProbeTimeout        = 2 * time.Second
	DefaultProbeConcurrency    = 16
	DefaultFailureThreshold    = 3
	DefaultEWMAAlpha           = 0.2
	DefaultWindowSize          = 32
	DefaultStragglerMultiplier = 3.0
	DefaultRecoveryStreak      = 5

	DefaultFloorWeight = 0.05

	DefaultAutoScalerInterval = 15 * time.Second
	DefaultIntentTimeout      = 5 * time.Minute
	DefaultLoadAlpha          = 0.5
	DefaultScaleOutThreshold  = 4.0
	DefaultScaleInThreshold   = 0.5
	DefaultScaleOutDwell      = 30 * time.Second
	DefaultScaleInDwell       = 5 * time.Minute
	DefaultScaleOutStep       = 1
	DefaultUnhealthyFraction  = 0.5

	DefaultDispatchTimeout = 30 * time.Second
	DefaultMaxPayloadBytes = 8 << 20

	DefaultEventBuffer   = 64
	DefaultRetentionDays = 30

	DefaultQueueName     = "scaling"
	DefaultQueueMaxRetry = 3
	DefaultQueueTimeout  = 10 * time.Minute
)

// validateAndApplyDefaults replaces missing or out-of-range values with defaults.
// Every replacement of a value the operator actually set is recorded in cfg.Warnings.
func validateAndApplyDefaults(cfg *Config) {
	warn := func(format string, args ...interface{}) {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.MySQL.Port == 0 {
		cfg.MySQL.Port = 3306
	}
	if cfg.MySQL.RetentionDays <= 0 {
		cfg.MySQL.RetentionDays = DefaultRetentionDays
	}

	if cfg.Queue.Name == "" {
		cfg.Queue.Name = DefaultQueueName
	}
	if cfg.Queue.MaxRetry <= 0 {
		cfg.Queue.MaxRetry = DefaultQueueMaxRetry
	}
	if cfg.Queue.Timeout <= 0 {
		cfg.Queue.Timeout = DefaultQueueTimeout
	}

	if cfg.Registry.DefaultMaxConcurrency < 0 {
		warn("registry.default_max_concurrency %d is negative, using unlimited", cfg.Registry.DefaultMaxConcurrency)
		cfg.Registry.DefaultMaxConcurrency = 0
	}
	if cfg.Registry.EventBuffer <= 0 {
		cfg.Registry.EventBuffer = DefaultEventBuffer
	}

	h := &cfg.Health
	h.ProbeInterval = durationOrDefault(h.ProbeInterval, DefaultProbeInterval, "health.probe_interval", warn)
	h.ProbeTimeout = durationOrDefault(h.ProbeTimeout, DefaultProbeTimeout, "health.probe_timeout", warn)
	if h.ProbeConcurrency <= 0 {
		h.ProbeConcurrency = DefaultProbeConcurrency
	}
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = DefaultFailureThreshold
	}
	if h.EWMAAlpha == 0 {
		h.EWMAAlpha = DefaultEWMAAlpha
	} else if h.EWMAAlpha < 0 || h.EWMAAlpha > 1 {
		warn("health.ewma_alpha %v outside (0,1], using %v", h.EWMAAlpha, DefaultEWMAAlpha)
		h.EWMAAlpha = DefaultEWMAAlpha
	}
	if h.WindowSize <= 0 {
		h.WindowSize = DefaultWindowSize
	}
	if h.StragglerMultiplier == 0 {
		h.StragglerMultiplier = DefaultStragglerMultiplier
	} else if h.StragglerMultiplier <= 1 {
		warn("health.straggler_multiplier %v must exceed 1, using %v", h.StragglerMultiplier, DefaultStragglerMultiplier)
		h.StragglerMultiplier = DefaultStragglerMultiplier
	}
	if h.RecoveryStreak <= 0 {
		h.RecoveryStreak = DefaultRecoveryStreak
	}

	if cfg.Scheduler.FloorWeight == 0 {
		cfg.Scheduler.FloorWeight = DefaultFloorWeight
	} else if cfg.Scheduler.FloorWeight < 0 || cfg.Scheduler.FloorWeight >= 1 {
		warn("scheduler.floor_weight %v outside (0,1), using %v", cfg.Scheduler.FloorWeight, DefaultFloorWeight)
		cfg.Scheduler.FloorWeight = DefaultFloorWeight
	}

	clampBudget := func(name string, b *BudgetConfig) {
		if b.MaxRequestCost < 0 {
			warn("%s.max_request_cost %d is negative, using unlimited", name, b.MaxRequestCost)
			b.MaxRequestCost = 0
		}
		if b.MaxInFlightCost < 0 {
			warn("%s.max_inflight_cost %d is negative, using unlimited", name, b.MaxInFlightCost)
			b.MaxInFlightCost = 0
		}
	}
	clampBudget("admission.default", &cfg.Admission.Default)
	for model, b := range cfg.Admission.Models {
		clampBudget("admission.models."+model, &b)
		cfg.Admission.Models[model] = b
	}

	as := &cfg.AutoScaler
	as.Interval = durationOrDefault(as.Interval, DefaultAutoScalerInterval, "autoscaler.interval", warn)
	as.IntentTimeout = durationOrDefault(as.IntentTimeout, DefaultIntentTimeout, "autoscaler.intent_timeout", warn)
	if as.LoadAlpha <= 0 || as.LoadAlpha > 1 {
		if as.LoadAlpha != 0 {
			warn("autoscaler.load_alpha %v outside (0,1], using %v", as.LoadAlpha, DefaultLoadAlpha)
		}
		as.LoadAlpha = DefaultLoadAlpha
	}
	applyPolicyDefaults("autoscaler.default", &as.Default, nil, warn)
	for model, p := range as.Models {
		applyPolicyDefaults("autoscaler.models."+model, &p, &as.Default, warn)
		as.Models[model] = p
	}

	cfg.Gateway.DispatchTimeout = durationOrDefault(cfg.Gateway.DispatchTimeout, DefaultDispatchTimeout, "gateway.dispatch_timeout", warn)
	if cfg.Gateway.MaxPayloadBytes <= 0 {
		cfg.Gateway.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	if cfg.Provisioner.Type == "" {
		cfg.Provisioner.Type = "log"
	}
	if cfg.K8s.Namespace == "" {
		cfg.K8s.Namespace = "default"
	}
}

// applyPolicyDefaults fills unset policy fields from base, or from package defaults when base is nil
func applyPolicyDefaults(name string, p *ScalingPolicyConfig, base *ScalingPolicyConfig, warn func(string, ...interface{})) {
	fallback := ScalingPolicyConfig{
		ScaleOutThreshold: DefaultScaleOutThreshold,
		ScaleInThreshold:  DefaultScaleInThreshold,
		ScaleOutDwell:     DefaultScaleOutDwell,
		ScaleInDwell:      DefaultScaleInDwell,
		ScaleOutStep:      DefaultScaleOutStep,
		UnhealthyFraction: DefaultUnhealthyFraction,
	}
	if base != nil {
		fallback = *base
	}

	if p.ScaleOutThreshold <= 0 {
		p.ScaleOutThreshold = fallback.ScaleOutThreshold
	}
	if p.ScaleInThreshold <= 0 {
		p.ScaleInThreshold = fallback.ScaleInThreshold
	}
	p.ScaleOutDwell = durationOrDefault(p.ScaleOutDwell, fallback.ScaleOutDwell, name+".scale_out_dwell", warn)
	p.ScaleInDwell = durationOrDefault(p.ScaleInDwell, fallback.ScaleInDwell, name+".scale_in_dwell", warn)
	if p.ScaleOutStep <= 0 {
		p.ScaleOutStep = fallback.ScaleOutStep
	}
	if p.MinWorkers < 0 {
		warn("%s.min_workers %d is negative, using 0", name, p.MinWorkers)
		p.MinWorkers = 0
	}
	if p.MaxWorkers < 0 {
		warn("%s.max_workers %d is negative, using unbounded", name, p.MaxWorkers)
		p.MaxWorkers = 0
	}
	if base != nil && p.MinWorkers == 0 && p.MaxWorkers == 0 {
		p.MinWorkers = base.MinWorkers
		p.MaxWorkers = base.MaxWorkers
	}
	if p.UnhealthyFraction <= 0 || p.UnhealthyFraction > 1 {
		if p.UnhealthyFraction != 0 {
			warn("%s.unhealthy_fraction %v outside (0,1], using %v", name, p.UnhealthyFraction, fallback.UnhealthyFraction)
		}
		p.UnhealthyFraction = fallback.UnhealthyFraction
	}
}

func durationOrDefault(v, def time.Duration, name string, warn func(string, ...interface{})) time.Duration {
	if v == 0 {
		return def
	}
	if v < 0 {
		warn("%s %v is negative, using %v", name, v, def)
		return def
	}
	return v
}

// Validate checks invariants that cannot be repaired with defaults
func (c *Config) Validate() error {
	var errs []error
	if err := c.AutoScaler.Default.validate("autoscaler.default"); err != nil {
		errs = append(errs, err)
	}
	for model, p := range c.AutoScaler.Models {
		if err := p.validate("autoscaler.models." + model); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Provisioner.Type {
	case "log", "k8s", "asynq":
	default:
		errs = append(errs, fmt.Errorf("provisioner.type %q is not one of log, k8s, asynq", c.Provisioner.Type))
	}
	if c.Provisioner.Type == "asynq" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("provisioner.type asynq requires redis.addr"))
	}
	return errors.Join(errs...)
}

func (p ScalingPolicyConfig) validate(name string) error {
	if p.ScaleInThreshold >= p.ScaleOutThreshold {
		return fmt.Errorf("%s: scale_in_threshold %v must be below scale_out_threshold %v",
			name, p.ScaleInThreshold, p.ScaleOutThreshold)
	}
	if p.ScaleInDwell <= p.ScaleOutDwell {
		return fmt.Errorf("%s: scale_in_dwell %v must exceed scale_out_dwell %v",
			name, p.ScaleInDwell, p.ScaleOutDwell)
	}
	if p.MaxWorkers > 0 && p.MinWorkers > p.MaxWorkers {
		return fmt.Errorf("%s: min_workers %d exceeds max_workers %d", name, p.MinWorkers, p.MaxWorkers)
	}
	return nil
}
