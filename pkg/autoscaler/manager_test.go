package autoscaler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dio/internal/events"
	"dio/internal/model"
	"dio/internal/registry"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	intents []*model.ScalingIntent
	err     error
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) Provision(ctx context.Context, intent *model.ScalingIntent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents = append(p.intents, intent)
	return p.err
}

func (p *fakeProvisioner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.intents)
}

type managerFixture struct {
	reg   *registry.Registry
	prov  *fakeProvisioner
	bus   *events.Broadcaster
	mgr   *Manager
	clock time.Time
}

func newManagerFixture(t *testing.T, cfg *Config) *managerFixture {
	t.Helper()
	f := &managerFixture{
		bus:   events.NewBroadcaster(64),
		prov:  &fakeProvisioner{},
		clock: time.Unix(10000, 0),
	}
	f.reg = registry.New(registry.WithPublisher(f.bus))
	f.mgr = NewManager(cfg, f.reg, f.prov, NewExecutor(f.prov, nil, nil, f.bus), nil, nil)
	f.mgr.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *managerFixture) addHealthy(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.reg.Register(model.WorkerSpec{ID: id, Address: "http://" + id, Models: []string{"m"}, MaxConcurrency: 100})
		require.NoError(t, err)
		require.NoError(t, f.reg.UpdateState(id, model.StateHealthy, "probe"))
	}
}

func (f *managerFixture) load(t *testing.T, id string, n int) {
	t.Helper()
	inc := f.incarnation(t, id)
	for i := 0; i < n; i++ {
		require.True(t, f.reg.TryAcquire(id, inc))
	}
}

func (f *managerFixture) incarnation(t *testing.T, id string) uint64 {
	t.Helper()
	w, err := f.reg.Get(id)
	require.NoError(t, err)
	return w.Incarnation
}

func (f *managerFixture) run(t *testing.T, at time.Duration) {
	t.Helper()
	f.clock = time.Unix(10000, 0).Add(at)
	require.NoError(t, f.mgr.RunOnce(context.Background()))
}

func TestManager_ScaleOutOncePerBreach(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1", "w2")
	f.load(t, "w1", 10)
	f.load(t, "w2", 10)

	f.run(t, 0)
	assert.Zero(t, f.prov.calls())

	f.run(t, 30*time.Second)
	require.Equal(t, 1, f.prov.calls())
	pending := f.mgr.PendingIntents()
	require.Len(t, pending, 1)
	assert.Equal(t, model.ScaleOut, pending[0].Direction)
	assert.Equal(t, 3, pending[0].TargetWorkers)

	// one pending intent per model
	f.run(t, 90*time.Second)
	assert.Equal(t, 1, f.prov.calls())
}

func TestManager_ResolvePendingIntent(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1")
	f.load(t, "w1", 10)
	f.run(t, 0)
	f.run(t, 30*time.Second)

	pending := f.mgr.PendingIntents()
	require.Len(t, pending, 1)

	resolved, err := f.mgr.Resolve(context.Background(), pending[0].ID, true, "node ready")
	require.NoError(t, err)
	assert.Equal(t, model.IntentSucceeded, resolved.Status)
	assert.Equal(t, "node ready", resolved.Message)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Empty(t, f.mgr.PendingIntents())

	_, err = f.mgr.Resolve(context.Background(), pending[0].ID, true, "again")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestManager_ScaleOutObservedSucceeds(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1", "w2")
	f.load(t, "w1", 10)
	f.load(t, "w2", 10)
	f.run(t, 0)
	f.run(t, 30*time.Second)
	require.Len(t, f.mgr.PendingIntents(), 1)

	f.addHealthy(t, "w3")
	f.run(t, 40*time.Second)

	assert.Empty(t, f.mgr.PendingIntents())
	recent := f.mgr.RecentIntents(1)
	require.Len(t, recent, 1)
	assert.Equal(t, model.IntentSucceeded, recent[0].Status)
	assert.Equal(t, 1, f.prov.calls(), "dwell restarted after the decision")
}

func TestManager_IntentExpires(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1")
	f.load(t, "w1", 10)
	f.run(t, 0)
	f.run(t, 30*time.Second)
	first := f.mgr.PendingIntents()[0].ID

	f.run(t, 30*time.Second+5*time.Minute)

	history, err := f.mgr.GetScalingHistory(context.Background(), "m", 0)
	require.NoError(t, err)
	var found bool
	for _, in := range history {
		if in.ID == first {
			found = true
			assert.Equal(t, model.IntentExpired, in.Status)
		}
	}
	assert.True(t, found)
}

func TestManager_ScaleInDrainsAndRemovesVictim(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1", "w2", "w3")
	f.load(t, "w1", 1)

	f.run(t, 0)
	f.run(t, 5*time.Minute)

	pending := f.mgr.PendingIntents()
	require.Len(t, pending, 1)
	in := pending[0]
	assert.Equal(t, model.ScaleIn, in.Direction)
	// idle workers go first, ties broken by id
	require.Equal(t, []string{"w2"}, in.WorkerIDs)

	w, err := f.reg.Get("w2")
	require.NoError(t, err)
	assert.Equal(t, model.StateDraining, w.State)

	f.run(t, 5*time.Minute+time.Second)
	assert.Empty(t, f.mgr.PendingIntents())
	_, err = f.reg.Get("w2")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestManager_ScaleInWaitsForInFlight(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1", "w2")

	f.run(t, 0)
	f.run(t, 5*time.Minute)
	in := f.mgr.PendingIntents()[0]
	require.Equal(t, []string{"w1"}, in.WorkerIDs)

	// a request admitted just before draining keeps the victim around
	require.NoError(t, f.reg.Mutate("w1", f.incarnation(t, "w1"), "test", func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		w.InFlight = 1
		return "", false
	}))
	f.run(t, 5*time.Minute+time.Second)
	assert.Len(t, f.mgr.PendingIntents(), 1)

	f.reg.Release("w1", f.incarnation(t, "w1"))
	f.run(t, 5*time.Minute+2*time.Second)
	assert.Empty(t, f.mgr.PendingIntents())
}

func TestManager_ForgetsModelWithoutWorkers(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1")
	f.load(t, "w1", 2)

	f.run(t, 0)
	load, _, _ := f.mgr.engine.State("m")
	require.InDelta(t, 2.0, load, 1e-9)

	require.NoError(t, f.reg.Remove("w1", "gone"))
	f.run(t, time.Second)
	load, _, _ = f.mgr.engine.State("m")
	assert.Zero(t, load)
	assert.Empty(t, f.mgr.engine.Tracked())
}

func TestManager_BelowMinimumScalesImmediately(t *testing.T) {
	cfg := testConfig()
	p := testPolicy()
	p.MinWorkers = 2
	cfg.Models["m"] = p
	f := newManagerFixture(t, cfg)

	f.run(t, 0)
	pending := f.mgr.PendingIntents()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Magnitude)
	assert.Equal(t, "m", pending[0].ModelID)
}

func TestManager_ProvisionerErrorFailsIntent(t *testing.T) {
	cfg := testConfig()
	p := testPolicy()
	p.MinWorkers = 1
	cfg.Models["m"] = p
	f := newManagerFixture(t, cfg)
	f.prov.err = errors.New("quota exhausted")
	sub := f.bus.Subscribe()
	defer sub.Close()

	f.run(t, 0)

	assert.Empty(t, f.mgr.PendingIntents())
	recent := f.mgr.RecentIntents(0)
	require.Len(t, recent, 1)
	assert.Equal(t, model.IntentFailed, recent[0].Status)
	assert.Contains(t, recent[0].Message, "quota exhausted")

	created := <-sub.C
	assert.Equal(t, events.EventIntentCreated, created.Type)
	resolved := <-sub.C
	assert.Equal(t, events.EventIntentResolved, resolved.Type)
	assert.Equal(t, "failed", resolved.Data["status"])
}

func TestManager_SkipsRunWhenLockHeldElsewhere(t *testing.T) {
	mr, client := newMiniRedis(t)
	cfg := testConfig()
	p := testPolicy()
	p.MinWorkers = 1
	cfg.Models["m"] = p
	prov := &fakeProvisioner{}
	mgr := NewManager(cfg, registry.New(), prov, NewExecutor(prov, nil, nil, nil), nil, client)

	require.NoError(t, mr.Set(autoscalerLockKey, "other-replica"))
	require.NoError(t, mgr.RunOnce(context.Background()))
	assert.Zero(t, prov.calls())

	mr.Del(autoscalerLockKey)
	require.NoError(t, mgr.RunOnce(context.Background()))
	assert.Equal(t, 1, prov.calls())
}

func TestManager_EnabledFlagSharedThroughRedis(t *testing.T) {
	_, client := newMiniRedis(t)
	ctx := context.Background()
	prov := &fakeProvisioner{}

	cfg1 := testConfig()
	m1 := NewManager(cfg1, registry.New(), prov, NewExecutor(prov, nil, nil, nil), nil, client)
	assert.False(t, m1.IsEnabled())

	m1.Enable(ctx)
	cfg2 := testConfig()
	m2 := NewManager(cfg2, registry.New(), prov, NewExecutor(prov, nil, nil, nil), nil, client)
	assert.True(t, m2.IsEnabled())

	m1.Disable(ctx)
	assert.False(t, m2.IsEnabled())
}

func TestManager_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	f := newManagerFixture(t, cfg)

	require.NoError(t, f.mgr.Start(context.Background()))
	assert.True(t, f.mgr.IsRunning())
	assert.Error(t, f.mgr.Start(context.Background()))

	require.NoError(t, f.mgr.Stop())
	assert.False(t, f.mgr.IsRunning())
	assert.Error(t, f.mgr.Stop())
}

func TestManager_Status(t *testing.T) {
	f := newManagerFixture(t, testConfig())
	f.addHealthy(t, "w1")
	f.load(t, "w1", 10)
	f.run(t, 0)

	status := f.mgr.GetStatus()
	assert.Equal(t, "fake", status.Provisioner)
	require.Len(t, status.Models, 1)
	ms := status.Models[0]
	assert.Equal(t, "m", ms.ModelID)
	assert.Equal(t, 1, ms.Ready)
	assert.Equal(t, 10, ms.InFlight)
	assert.InDelta(t, 10.0, ms.Load, 1e-9)
	require.NotNil(t, ms.AboveSince)
	assert.Nil(t, ms.PendingIntent)
}
