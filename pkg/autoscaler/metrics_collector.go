package autoscaler

import (
	"sort"

	"dio/internal/model"
	"dio/internal/registry"
)

// MetricsCollector samples the registry for the control loop
type MetricsCollector struct {
	registry *registry.Registry
	config   *Config
}

// NewMetricsCollector creates a collector
func NewMetricsCollector(reg *registry.Registry, config *Config) *MetricsCollector {
	return &MetricsCollector{registry: reg, config: config}
}

// Models returns every model that has workers or an explicit policy, sorted
func (c *MetricsCollector) Models() []string {
	set := make(map[string]struct{})
	for _, m := range c.registry.Models() {
		set[m] = struct{}{}
	}
	for m := range c.config.Models {
		set[m] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Collect builds the sample for modelID
func (c *MetricsCollector) Collect(modelID string) Sample {
	s := Sample{ModelID: modelID}
	for _, w := range c.registry.ListByModel(modelID) {
		s.InFlight += w.InFlight
		switch w.State {
		case model.StateDraining:
			s.Draining++
			continue
		case model.StateHealthy:
			s.Ready++
			s.Active++
		case model.StateDegraded:
			s.Ready++
			s.Active++
			s.Unhealthy++
		case model.StateRegistering:
			s.Active++
		case model.StateUnreachable:
			s.Unhealthy++
		}
		s.Total++
	}
	return s
}

// selectVictims picks count workers to drain: idle ones first, then the
// slowest, preferring workers that serve fewer other models
func selectVictims(workers []*model.WorkerRecord, modelID string, count int) []*model.WorkerRecord {
	cands := make([]*model.WorkerRecord, 0, len(workers))
	for _, w := range workers {
		if w.State.Schedulable() {
			cands = append(cands, w)
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if (a.InFlight == 0) != (b.InFlight == 0) {
			return a.InFlight == 0
		}
		ea, _ := a.EWMA(modelID)
		eb, _ := b.EWMA(modelID)
		if ea != eb {
			return ea > eb
		}
		if len(a.Models) != len(b.Models) {
			return len(a.Models) < len(b.Models)
		}
		return a.ID < b.ID
	})

	if count > len(cands) {
		count = len(cands)
	}
	return cands[:count]
}
