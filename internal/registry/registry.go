package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"dio/internal/events"
	"dio/internal/model"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

// MutateFunc edits a record under the registry lock. Returning (state, true)
// requests a transition, validated against the same edge table as UpdateState.
type MutateFunc func(w *model.WorkerRecord) (model.LifecycleState, bool)

// Registry authoritative in-memory worker roster. It is the only writer of
// WorkerRecord.State; readers always receive deep copies.
type Registry struct {
	mu          sync.RWMutex
	workers     map[string]*model.WorkerRecord
	incarnation uint64

	publisher             events.Publisher
	defaultMaxConcurrency int
	now                   func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithPublisher publishes registry events to p
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithDefaultMaxConcurrency applies limit to workers that register without one
func WithDefaultMaxConcurrency(limit int) Option {
	return func(r *Registry) { r.defaultMaxConcurrency = limit }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string]*model.WorkerRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or replaces a worker. A replaced record starts over in
// REGISTERING with empty latency statistics and a new incarnation, so slots,
// outcomes and probes taken against the old instance no longer apply.
func (r *Registry) Register(spec model.WorkerSpec) (*model.WorkerRecord, error) {
	if spec.ID == "" {
		return nil, model.NewError(model.CodeRegistration, "worker_id is required")
	}
	if spec.Address == "" {
		return nil, model.NewError(model.CodeRegistration, "worker %s: address is required", spec.ID)
	}
	rec := model.NewWorkerRecord(spec, r.now())
	if len(rec.Models) == 0 {
		return nil, model.NewError(model.CodeRegistration, "worker %s: at least one model is required", spec.ID)
	}
	if spec.MaxConcurrency < 0 {
		return nil, model.NewError(model.CodeRegistration, "worker %s: max_concurrency must not be negative", spec.ID)
	}
	if rec.MaxConcurrency == 0 {
		rec.MaxConcurrency = r.defaultMaxConcurrency
	}

	r.mu.Lock()
	r.incarnation++
	rec.Incarnation = r.incarnation
	prev, replaced := r.workers[spec.ID]
	r.workers[spec.ID] = rec
	out := rec.Clone()
	r.mu.Unlock()

	if replaced {
		logger.Infof("worker %s re-registered at %s, previous state %s discarded", spec.ID, spec.Address, prev.State)
		metrics.RecordTransition(string(prev.State), string(model.StateRemoved))
	} else {
		logger.Infof("worker %s registered at %s, models=%v", spec.ID, spec.Address, rec.Models)
	}
	metrics.RecordTransition("", string(model.StateRegistering))
	r.publish(events.Event{
		Type:     events.EventWorkerRegistered,
		WorkerID: spec.ID,
		To:       string(model.StateRegistering),
		Data:     map[string]string{"address": spec.Address, events.DataModels: strings.Join(rec.Models, ",")},
	})
	return out, nil
}

// Get returns a copy of the worker record
func (r *Registry) Get(id string) (*model.WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, model.NewError(model.CodeNotFound, "worker %s not found", id)
	}
	return w.Clone(), nil
}

// List returns copies of all records ordered by id
func (r *Registry) List() []*model.WorkerRecord {
	return r.collect(func(*model.WorkerRecord) bool { return true })
}

// ListByModel returns copies of every record serving modelID, in any state
func (r *Registry) ListByModel(modelID string) []*model.WorkerRecord {
	return r.collect(func(w *model.WorkerRecord) bool { return w.Serves(modelID) })
}

// ListHealthyFor returns copies of HEALTHY and DEGRADED records serving modelID, ordered by id
func (r *Registry) ListHealthyFor(modelID string) []*model.WorkerRecord {
	return r.collect(func(w *model.WorkerRecord) bool {
		return w.State.Schedulable() && w.Serves(modelID)
	})
}

func (r *Registry) collect(keep func(*model.WorkerRecord) bool) []*model.WorkerRecord {
	r.mu.RLock()
	out := make([]*model.WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		if keep(w) {
			out = append(out, w.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Models returns every model served by at least one registered worker, sorted
func (r *Registry) Models() []string {
	r.mu.RLock()
	set := make(map[string]struct{})
	for _, w := range r.workers {
		for _, m := range w.Models {
			set[m] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// UpdateState moves a worker along a legal edge. Illegal transitions leave the
// record untouched and return a STATE_TRANSITION error.
func (r *Registry) UpdateState(id string, to model.LifecycleState, reason string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return model.NewError(model.CodeNotFound, "worker %s not found", id)
	}
	from := w.State
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return model.StateTransitionError(id, from, to)
	}
	models := w.Models
	r.applyLocked(w, to)
	r.mu.Unlock()

	r.emitTransition(id, models, from, to, reason)
	return nil
}

// Mutate runs fn on the live record under the write lock. It is a NOT_FOUND
// no-op when id was re-registered since incarnation was observed.
func (r *Registry) Mutate(id string, incarnation uint64, reason string, fn MutateFunc) error {
	r.mu.Lock()
	w, err := r.instanceLocked(id, incarnation)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	from := w.State
	to, wantTransition := fn(w)
	// callbacks may not write State directly
	w.State = from
	if !wantTransition || to == from {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return model.StateTransitionError(id, from, to)
	}
	models := w.Models
	r.applyLocked(w, to)
	r.mu.Unlock()

	r.emitTransition(id, models, from, to, reason)
	return nil
}

func (r *Registry) instanceLocked(id string, incarnation uint64) (*model.WorkerRecord, error) {
	w, ok := r.workers[id]
	if !ok {
		return nil, model.NewError(model.CodeNotFound, "worker %s not found", id)
	}
	if w.Incarnation != incarnation {
		return nil, model.NewError(model.CodeNotFound, "worker %s instance %d was replaced by %d", id, incarnation, w.Incarnation)
	}
	return w, nil
}

func (r *Registry) applyLocked(w *model.WorkerRecord, to model.LifecycleState) {
	w.State = to
	w.StateChangedAt = r.now()
	if to == model.StateRemoved {
		delete(r.workers, w.ID)
	}
}

// Remove transitions a worker to REMOVED and purges it. Requests already
// dispatched to it complete normally.
func (r *Registry) Remove(id string, reason string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return model.NewError(model.CodeNotFound, "worker %s not found", id)
	}
	from, models := w.State, w.Models
	w.State = model.StateRemoved
	delete(r.workers, id)
	r.mu.Unlock()

	r.emitTransition(id, models, from, model.StateRemoved, reason)
	return nil
}

// TryAcquire reserves one concurrency slot on the given instance of a worker.
// It fails when the worker is gone or replaced, no longer schedulable or
// already at MaxConcurrency.
func (r *Registry) TryAcquire(id string, incarnation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, err := r.instanceLocked(id, incarnation)
	if err != nil || !w.State.Schedulable() || !w.HasCapacity() {
		return false
	}
	w.InFlight++
	return true
}

// Release returns a slot taken by TryAcquire. Releasing against a removed or
// replaced instance is a no-op.
func (r *Registry) Release(id string, incarnation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, err := r.instanceLocked(id, incarnation); err == nil && w.InFlight > 0 {
		w.InFlight--
	}
}

// InFlightByModel sums in-flight requests over workers serving modelID
func (r *Registry) InFlightByModel(modelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, w := range r.workers {
		if w.Serves(modelID) {
			total += w.InFlight
		}
	}
	return total
}

// CountByState returns the number of workers in each lifecycle state
func (r *Registry) CountByState() map[model.LifecycleState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.LifecycleState]int)
	for _, w := range r.workers {
		out[w.State]++
	}
	return out
}

// Count returns the number of registered workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *Registry) emitTransition(id string, models []string, from, to model.LifecycleState, reason string) {
	metrics.RecordTransition(string(from), string(to))
	ctx := context.Background()
	if to == model.StateUnreachable || to == model.StateDegraded {
		logger.WarnCtx(ctx, "worker %s: %s -> %s (%s)", id, from, to, reason)
	} else {
		logger.InfoCtx(ctx, "worker %s: %s -> %s (%s)", id, from, to, reason)
	}

	typ := events.EventWorkerState
	if to == model.StateRemoved {
		typ = events.EventWorkerRemoved
	}
	r.publish(events.Event{
		Type:     typ,
		WorkerID: id,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		Data:     map[string]string{events.DataModels: strings.Join(models, ",")},
	})
}

func (r *Registry) publish(e events.Event) {
	if r.publisher != nil {
		r.publisher.Publish(e)
	}
}
