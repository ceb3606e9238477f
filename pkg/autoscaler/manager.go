package autoscaler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"dio/internal/model"
	"dio/internal/registry"
	"dio/pkg/interfaces"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

const (
	configKey       = "dio:autoscaler:config"
	maxRecentIntent = 200
)

// persistedConfig state shared by all replicas through redis
type persistedConfig struct {
	Enabled bool `json:"enabled"`
}

// Manager autoscaler control loop. One replica evaluates per tick, guarded by
// the distributed lock; every model has at most one pending intent.
type Manager struct {
	config      *Config
	registry    *registry.Registry
	collector   *MetricsCollector
	engine      *DecisionEngine
	executor    *Executor
	provisioner interfaces.Provisioner
	history     HistoryStore
	redisClient *redis.Client
	lock        DistributedLock
	now         func() time.Time

	// opMu serializes evaluation runs and intent resolution
	opMu sync.Mutex

	mu          sync.RWMutex
	enabled     bool
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastRunTime time.Time
	pending     map[string]*model.ScalingIntent // model id -> pending intent
	recent      []*model.ScalingIntent
}

// NewManager creates the autoscaler. history, notifier and redisClient may be nil.
func NewManager(
	config *Config,
	reg *registry.Registry,
	provisioner interfaces.Provisioner,
	executor *Executor,
	history HistoryStore,
	redisClient *redis.Client,
) *Manager {
	m := &Manager{
		config:      config,
		registry:    reg,
		collector:   NewMetricsCollector(reg, config),
		engine:      NewDecisionEngine(config),
		executor:    executor,
		provisioner: provisioner,
		history:     history,
		redisClient: redisClient,
		lock:        NewRedisDistributedLock(redisClient, autoscalerLockKey),
		now:         time.Now,
		enabled:     config.Enabled,
		pending:     make(map[string]*model.ScalingIntent),
	}
	m.loadPersistedConfig(context.Background())
	return m
}

// SetClock overrides time.Now, used by tests
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the control loop
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("autoscaler is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	logger.InfoCtx(ctx, "starting autoscaler, interval: %s, enabled: %v", m.config.Interval, m.IsEnabled())
	go m.controlLoop(ctx, m.stopCh, m.doneCh)
	return nil
}

// Stop stops the control loop and waits for an in-progress run to finish
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("autoscaler is not running")
	}
	close(m.stopCh)
	done := m.doneCh
	m.running = false
	m.mu.Unlock()

	<-done
	logger.Infof("autoscaler stopped")
	return nil
}

func (m *Manager) controlLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.IsEnabled() {
				continue
			}
			if err := m.RunOnce(ctx); err != nil {
				logger.ErrorCtx(ctx, "autoscaler run failed: %v", err)
			}
		}
	}
}

// RunOnce evaluates every model once
func (m *Manager) RunOnce(ctx context.Context) error {
	acquired, err := m.lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire distributed lock: %w", err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "autoscaler lock held by another instance, skipping this run")
		return nil
	}
	defer func() {
		if err := m.lock.Unlock(ctx); err != nil {
			logger.ErrorCtx(ctx, "failed to release distributed lock: %v", err)
		}
	}()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.now()
	m.mu.Lock()
	m.lastRunTime = now
	m.mu.Unlock()

	m.resolvePending(ctx, now)

	observed := m.collector.Models()
	m.forgetUnobserved(observed)

	for _, modelID := range observed {
		sample := m.collector.Collect(modelID)
		pending := m.pendingFor(modelID) != nil

		decision := m.engine.Evaluate(sample, pending, now)
		metrics.ScalingLoad.WithLabelValues(modelID).Set(decision.Load)

		if !decision.Scale() {
			continue
		}
		m.createIntent(ctx, decision, now)
	}
	return nil
}

// forgetUnobserved drops the hysteresis state of models that lost their last
// worker and have no policy, so a returning model starts from a fresh load.
func (m *Manager) forgetUnobserved(observed []string) {
	keep := make(map[string]struct{}, len(observed))
	for _, modelID := range observed {
		keep[modelID] = struct{}{}
	}
	for _, modelID := range m.engine.Tracked() {
		if _, ok := keep[modelID]; ok {
			continue
		}
		m.engine.Forget(modelID)
		metrics.ScalingLoad.DeleteLabelValues(modelID)
	}
}

func (m *Manager) createIntent(ctx context.Context, d Decision, now time.Time) {
	intent := &model.ScalingIntent{
		ID:            uuid.New().String(),
		Direction:     d.Direction,
		ModelID:       d.ModelID,
		Magnitude:     d.Magnitude,
		Reason:        d.Reason,
		FromWorkers:   d.From,
		TargetWorkers: d.Target,
		Status:        model.IntentPending,
		CreatedAt:     now,
	}

	if d.Direction == model.ScaleIn {
		victims := selectVictims(m.registry.ListHealthyFor(d.ModelID), d.ModelID, d.Magnitude)
		for _, v := range victims {
			if err := m.registry.UpdateState(v.ID, model.StateDraining, "scale-in intent "+intent.ID); err != nil {
				logger.WarnCtx(ctx, "failed to drain scale-in victim %s: %v", v.ID, err)
				continue
			}
			intent.WorkerIDs = append(intent.WorkerIDs, v.ID)
		}
		if len(intent.WorkerIDs) == 0 {
			logger.WarnCtx(ctx, "no scale-in victim available for %s, skipping intent", d.ModelID)
			return
		}
		intent.Magnitude = len(intent.WorkerIDs)
		intent.TargetWorkers = intent.FromWorkers - intent.Magnitude
	}

	m.mu.Lock()
	m.pending[intent.ModelID] = intent
	m.appendRecentLocked(intent)
	m.mu.Unlock()

	if err := m.executor.Submit(ctx, intent.Clone()); err != nil {
		m.finalize(ctx, intent, model.IntentFailed, fmt.Sprintf("provisioner rejected intent: %v", err))
	}
}

// resolvePending settles intents whose effect is observable or whose time ran out
func (m *Manager) resolvePending(ctx context.Context, now time.Time) {
	for _, intent := range m.PendingIntents() {
		switch {
		case m.observedDone(intent):
			m.finalize(ctx, m.pendingFor(intent.ModelID), model.IntentSucceeded, "target observed")
		case m.config.IntentTimeout > 0 && now.Sub(intent.CreatedAt) >= m.config.IntentTimeout:
			m.finalize(ctx, m.pendingFor(intent.ModelID), model.IntentExpired,
				fmt.Sprintf("not fulfilled within %s", m.config.IntentTimeout))
		}
	}
}

// observedDone reports whether the pool already reflects the intent: enough
// ready workers for a scale-out, every victim drained or gone for a scale-in
func (m *Manager) observedDone(intent *model.ScalingIntent) bool {
	if intent.Direction == model.ScaleOut {
		return m.collector.Collect(intent.ModelID).Ready >= intent.TargetWorkers
	}
	for _, id := range intent.WorkerIDs {
		w, err := m.registry.Get(id)
		if err != nil {
			continue
		}
		if w.State == model.StateDraining && w.InFlight > 0 {
			return false
		}
	}
	return true
}

// finalize marks intent terminal, removes scale-in victims and records the result
func (m *Manager) finalize(ctx context.Context, intent *model.ScalingIntent, status model.IntentStatus, message string) {
	if intent == nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	intent.Status = status
	intent.Message = message
	intent.ResolvedAt = &now
	if cur, ok := m.pending[intent.ModelID]; ok && cur.ID == intent.ID {
		delete(m.pending, intent.ModelID)
	}
	snapshot := intent.Clone()
	m.mu.Unlock()

	// DRAINING has no way back, so victims leave the registry whatever the outcome
	for _, id := range snapshot.WorkerIDs {
		w, err := m.registry.Get(id)
		if err != nil || w.State != model.StateDraining {
			continue
		}
		if err := m.registry.Remove(id, fmt.Sprintf("scale-in intent %s %s", snapshot.ID, status)); err != nil {
			logger.WarnCtx(ctx, "failed to remove drained worker %s: %v", id, err)
		}
	}

	m.executor.Finalize(ctx, snapshot)
}

// Resolve reports the outcome of a pending intent, typically called by the provisioner
func (m *Manager) Resolve(ctx context.Context, intentID string, success bool, message string) (*model.ScalingIntent, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var intent *model.ScalingIntent
	m.mu.RLock()
	for _, p := range m.pending {
		if p.ID == intentID {
			intent = p
			break
		}
	}
	m.mu.RUnlock()
	if intent == nil {
		return nil, model.NewError(model.CodeNotFound, "no pending intent %s", intentID)
	}

	status := model.IntentFailed
	if success {
		status = model.IntentSucceeded
	}
	m.finalize(ctx, intent, status, message)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return intent.Clone(), nil
}

func (m *Manager) pendingFor(modelID string) *model.ScalingIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending[modelID]
}

// PendingIntents returns copies of all pending intents
func (m *Manager) PendingIntents() []*model.ScalingIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ScalingIntent, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.Clone())
	}
	return out
}

// RecentIntents returns up to limit intents, newest first
func (m *Manager) RecentIntents(limit int) []*model.ScalingIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]*model.ScalingIntent, 0, limit)
	for i := len(m.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.recent[i].Clone())
	}
	return out
}

func (m *Manager) appendRecentLocked(intent *model.ScalingIntent) {
	m.recent = append(m.recent, intent)
	if len(m.recent) > maxRecentIntent {
		m.recent = m.recent[len(m.recent)-maxRecentIntent:]
	}
}

// GetScalingHistory returns persisted history, or the in-memory ring without a store
func (m *Manager) GetScalingHistory(ctx context.Context, modelID string, limit int) ([]*model.ScalingIntent, error) {
	if m.history != nil {
		return m.history.ListIntents(ctx, modelID, limit)
	}
	all := m.RecentIntents(0)
	out := make([]*model.ScalingIntent, 0, len(all))
	for _, in := range all {
		if modelID != "" && in.ModelID != modelID {
			continue
		}
		out = append(out, in)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetStatus returns the autoscaler status
func (m *Manager) GetStatus() *AutoScalerStatus {
	enabled := m.IsEnabled()
	m.mu.RLock()
	status := &AutoScalerStatus{
		Enabled:     enabled,
		Running:     m.running,
		Interval:    m.config.Interval.String(),
		LastRunTime: m.lastRunTime,
	}
	m.mu.RUnlock()
	if m.provisioner != nil {
		status.Provisioner = m.provisioner.Name()
	}

	for _, modelID := range m.collector.Models() {
		s := m.collector.Collect(modelID)
		load, above, below := m.engine.State(modelID)
		ms := ModelStatus{
			ModelID:   modelID,
			Policy:    m.config.PolicyFor(modelID),
			Ready:     s.Ready,
			Active:    s.Active,
			Total:     s.Total,
			Unhealthy: s.Unhealthy,
			Draining:  s.Draining,
			InFlight:  s.InFlight,
			Load:      load,
		}
		if !above.IsZero() {
			ms.AboveSince = &above
		}
		if !below.IsZero() {
			ms.BelowSince = &below
		}
		if p := m.pendingFor(modelID); p != nil {
			ms.PendingIntent = p.Clone()
		}
		status.Models = append(status.Models, ms)
	}
	return status
}

// Enable turns the autoscaler on for every replica
func (m *Manager) Enable(ctx context.Context) {
	m.setEnabled(ctx, true)
	logger.InfoCtx(ctx, "autoscaler enabled")
}

// Disable turns the autoscaler off for every replica
func (m *Manager) Disable(ctx context.Context) {
	m.setEnabled(ctx, false)
	logger.InfoCtx(ctx, "autoscaler disabled")
}

func (m *Manager) setEnabled(ctx context.Context, enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.config.Enabled = enabled
	m.mu.Unlock()
	m.persistConfig(ctx)
}

// IsEnabled reports whether evaluation runs on each tick. Replicas pick up a
// change made elsewhere through redis.
func (m *Manager) IsEnabled() bool {
	m.loadPersistedConfig(context.Background())
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// IsRunning reports whether the control loop is running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) loadPersistedConfig(ctx context.Context) {
	if m.redisClient == nil {
		return
	}
	data, err := m.redisClient.Get(ctx, configKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.WarnCtx(ctx, "failed to load autoscaler config from redis: %v", err)
		}
		return
	}
	var persisted persistedConfig
	if err := json.Unmarshal(data, &persisted); err != nil {
		logger.WarnCtx(ctx, "failed to decode autoscaler config from redis: %v", err)
		return
	}
	m.mu.Lock()
	m.enabled = persisted.Enabled
	m.config.Enabled = persisted.Enabled
	m.mu.Unlock()
}

func (m *Manager) persistConfig(ctx context.Context) {
	if m.redisClient == nil {
		return
	}
	m.mu.RLock()
	data, err := json.Marshal(persistedConfig{Enabled: m.enabled})
	m.mu.RUnlock()
	if err != nil {
		logger.WarnCtx(ctx, "failed to encode autoscaler config: %v", err)
		return
	}
	if err := m.redisClient.Set(ctx, configKey, data, 0).Err(); err != nil {
		logger.WarnCtx(ctx, "failed to persist autoscaler config to redis: %v", err)
	}
}
