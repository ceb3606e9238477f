package admission

import (
	"sort"
	"sync"

	"dio/internal/model"
	"dio/pkg/config"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

// Budget per-model cost limits, 0 means unlimited
type Budget struct {
	MaxRequestCost  int64 `json:"max_request_cost"`
	MaxInFlightCost int64 `json:"max_inflight_cost"`
}

// Usage worker-reported usage aggregated per model
type Usage struct {
	Requests        int64 `json:"requests"`
	TokensUsed      int64 `json:"tokens_used"`
	ContextFullHits int64 `json:"context_full_hits"`
}

// ModelStatus admission status of one model
type ModelStatus struct {
	ModelID  string `json:"model_id"`
	Budget   Budget `json:"budget"`
	InFlight int64  `json:"inflight_cost"`
	Usage    Usage  `json:"usage"`
}

// Controller enforces per-model budgets before any dispatch happens
type Controller struct {
	mu            sync.Mutex
	defaultBudget Budget
	budgets       map[string]Budget
	inFlight      map[string]int64
	usage         map[string]*Usage
}

// NewController creates a controller from configuration
func NewController(cfg config.AdmissionConfig) *Controller {
	c := &Controller{
		defaultBudget: Budget(cfg.Default),
		budgets:       make(map[string]Budget, len(cfg.Models)),
		inFlight:      make(map[string]int64),
		usage:         make(map[string]*Usage),
	}
	for m, b := range cfg.Models {
		c.budgets[m] = Budget(b)
	}
	return c
}

// Admit checks cost against the model budget and reserves it. The per-request
// limit is checked first; the in-flight limit second.
func (c *Controller) Admit(modelID string, cost int64) (*Ticket, error) {
	if cost < 0 {
		cost = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.budgetLocked(modelID)
	if b.MaxRequestCost > 0 && cost > b.MaxRequestCost {
		return nil, model.BudgetExceededError(modelID, cost, b.MaxRequestCost)
	}
	current := c.inFlight[modelID]
	if b.MaxInFlightCost > 0 && current+cost > b.MaxInFlightCost {
		return nil, model.CapacityExceededError(modelID, current, cost, b.MaxInFlightCost)
	}

	c.inFlight[modelID] = current + cost
	metrics.AdmittedCost.WithLabelValues(modelID).Set(float64(current + cost))
	return &Ticket{ModelID: modelID, Cost: cost, controller: c}, nil
}

func (c *Controller) release(modelID string, cost int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.inFlight[modelID] - cost
	if v < 0 {
		logger.Errorf("admission in-flight cost for %s went negative (%d), clamping", modelID, v)
		v = 0
	}
	c.inFlight[modelID] = v
	metrics.AdmittedCost.WithLabelValues(modelID).Set(float64(v))
}

// ObserveUsage records usage reported by a worker for a completed request
func (c *Controller) ObserveUsage(modelID string, tokensUsed int64, contextFull bool) {
	c.mu.Lock()
	u, ok := c.usage[modelID]
	if !ok {
		u = &Usage{}
		c.usage[modelID] = u
	}
	u.Requests++
	u.TokensUsed += tokensUsed
	if contextFull {
		u.ContextFullHits++
	}
	c.mu.Unlock()

	metrics.RecordUsage(modelID, tokensUsed, contextFull)
	if contextFull {
		logger.Warnf("worker reported a full context window for model %s (tokens_used=%d)", modelID, tokensUsed)
	}
}

// SetBudget replaces the budget of modelID. Already admitted cost is kept.
func (c *Controller) SetBudget(modelID string, b Budget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgets[modelID] = b
}

// Budget returns the effective budget of modelID
func (c *Controller) Budget(modelID string) Budget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgetLocked(modelID)
}

func (c *Controller) budgetLocked(modelID string) Budget {
	if b, ok := c.budgets[modelID]; ok {
		return b
	}
	return c.defaultBudget
}

// InFlight returns the admitted, not yet released cost of modelID
func (c *Controller) InFlight(modelID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[modelID]
}

// Status returns admission state for every model with a budget, usage or in-flight cost
func (c *Controller) Status() []ModelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	for m := range c.budgets {
		seen[m] = struct{}{}
	}
	for m := range c.inFlight {
		seen[m] = struct{}{}
	}
	for m := range c.usage {
		seen[m] = struct{}{}
	}

	out := make([]ModelStatus, 0, len(seen))
	for m := range seen {
		st := ModelStatus{ModelID: m, Budget: c.budgetLocked(m), InFlight: c.inFlight[m]}
		if u, ok := c.usage[m]; ok {
			st.Usage = *u
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Ticket admitted cost held until the request finishes
type Ticket struct {
	ModelID string
	Cost    int64

	controller *Controller
	once       sync.Once
}

// Release returns the cost to the budget. Safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.controller.release(t.ModelID, t.Cost)
	})
}
