package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dio/internal/model"
	"dio/internal/registry"
	"dio/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	healthy map[string]bool
	delay   map[string]time.Duration
	calls   map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{healthy: map[string]bool{}, delay: map[string]time.Duration{}, calls: map[string]int{}}
}

func (f *fakeClient) set(addr string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy[addr] = ok
}

func (f *fakeClient) Predict(ctx context.Context, address string, req *model.PredictRequest) (*model.PredictResponse, error) {
	return &model.PredictResponse{}, nil
}

func (f *fakeClient) CheckHealth(ctx context.Context, address string) error {
	f.mu.Lock()
	f.calls[address]++
	ok := f.healthy[address]
	d := f.delay[address]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !ok {
		return errors.New("connection refused")
	}
	return nil
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		ProbeInterval:       time.Second,
		ProbeTimeout:        50 * time.Millisecond,
		ProbeConcurrency:    4,
		FailureThreshold:    3,
		EWMAAlpha:           0.2,
		WindowSize:          8,
		StragglerMultiplier: 3,
		RecoveryStreak:      5,
	}
}

func setup(t *testing.T, ids ...string) (*registry.Registry, *fakeClient, *Tracker) {
	t.Helper()
	reg := registry.New()
	client := newFakeClient()
	for _, id := range ids {
		_, err := reg.Register(model.WorkerSpec{ID: id, Address: "http://" + id, Models: []string{"m"}})
		require.NoError(t, err)
		client.set("http://"+id, true)
	}
	return reg, client, NewTracker(reg, client, testConfig())
}

func state(t *testing.T, reg *registry.Registry, id string) model.LifecycleState {
	t.Helper()
	w, err := reg.Get(id)
	require.NoError(t, err)
	return w.State
}

// outcome builds a dispatch outcome against the worker's current instance
func outcome(tr *Tracker, id string, latency time.Duration, kind model.FailureKind) model.InferenceOutcome {
	o := model.InferenceOutcome{WorkerID: id, ModelID: "m", Latency: latency, Success: kind == "", FailureKind: kind}
	if w, err := tr.registry.Get(id); err == nil {
		o.Incarnation = w.Incarnation
	}
	return o
}

func success(tr *Tracker, id string, ms int) model.InferenceOutcome {
	return outcome(tr, id, time.Duration(ms)*time.Millisecond, "")
}

func TestProbeAll_PromotesRegistering(t *testing.T) {
	reg, client, tr := setup(t, "a", "b")
	client.set("http://b", false)

	require.NoError(t, tr.ProbeAll(context.Background()))
	assert.Equal(t, model.StateHealthy, state(t, reg, "a"))
	assert.Equal(t, model.StateRegistering, state(t, reg, "b"))

	w, _ := reg.Get("b")
	assert.Equal(t, 1, w.ConsecutiveFailures)
}

func TestProbe_UnreachableAtThresholdThenDegradedOnRecovery(t *testing.T) {
	reg, client, tr := setup(t, "a")
	ctx := context.Background()
	require.NoError(t, tr.ProbeNow(ctx, "a"))
	require.Equal(t, model.StateHealthy, state(t, reg, "a"))

	client.set("http://a", false)
	for i := 0; i < 2; i++ {
		assert.Error(t, tr.ProbeNow(ctx, "a"))
		assert.Equal(t, model.StateHealthy, state(t, reg, "a"))
	}
	assert.Error(t, tr.ProbeNow(ctx, "a"))
	assert.Equal(t, model.StateUnreachable, state(t, reg, "a"), "third consecutive failure escalates immediately")

	client.set("http://a", true)
	require.NoError(t, tr.ProbeNow(ctx, "a"))
	assert.Equal(t, model.StateDegraded, state(t, reg, "a"))
}

func TestProbe_TimeoutCountsAsFailure(t *testing.T) {
	reg, client, tr := setup(t, "a")
	client.mu.Lock()
	client.delay["http://a"] = time.Second
	client.mu.Unlock()

	start := time.Now()
	assert.Error(t, tr.ProbeNow(context.Background(), "a"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	w, _ := reg.Get("a")
	assert.Equal(t, 1, w.ConsecutiveFailures)
}

func TestProbeAll_SkipsDraining(t *testing.T) {
	reg, client, tr := setup(t, "a")
	require.NoError(t, reg.UpdateState("a", model.StateDraining, "test"))

	require.NoError(t, tr.ProbeAll(context.Background()))
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Zero(t, client.calls["http://a"])
}

func TestRecordOutcome_StragglerAndRecovery(t *testing.T) {
	reg, _, tr := setup(t, "a", "b", "c")
	require.NoError(t, tr.ProbeAll(context.Background()))

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(success(tr, "a", 100))
		tr.RecordOutcome(success(tr, "b", 100))
		tr.RecordOutcome(success(tr, "c", 100))
	}
	median, ok := tr.PoolMedian("m")
	require.True(t, ok)
	assert.InDelta(t, 100, median, 1e-9)

	tr.RecordOutcome(success(tr, "c", 250))
	assert.Equal(t, model.StateHealthy, state(t, reg, "c"), "2.5x the median is not a straggler")

	tr.RecordOutcome(success(tr, "c", 1000))
	assert.Equal(t, model.StateDegraded, state(t, reg, "c"))

	for i := 0; i < 4; i++ {
		tr.RecordOutcome(success(tr, "c", 90))
		assert.Equal(t, model.StateDegraded, state(t, reg, "c"))
	}
	tr.RecordOutcome(success(tr, "c", 400))
	w, _ := reg.Get("c")
	assert.Zero(t, w.RecoveryStreak, "an above-median outcome resets the streak")

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(success(tr, "c", 90))
	}
	assert.Equal(t, model.StateHealthy, state(t, reg, "c"))
}

func TestRecordOutcome_FailuresEscalate(t *testing.T) {
	reg, _, tr := setup(t, "a")
	require.NoError(t, tr.ProbeAll(context.Background()))

	fail := outcome(tr, "a", time.Millisecond, model.FailureTransport)
	tr.RecordOutcome(fail)
	tr.RecordOutcome(fail)
	assert.Equal(t, model.StateHealthy, state(t, reg, "a"))
	tr.RecordOutcome(fail)
	assert.Equal(t, model.StateUnreachable, state(t, reg, "a"))

	w, _ := reg.Get("a")
	_, sampled := w.EWMA("m")
	assert.False(t, sampled, "transport failures carry no latency signal")
}

func TestRecordOutcome_SuccessResetsFailures(t *testing.T) {
	reg, _, tr := setup(t, "a")
	require.NoError(t, tr.ProbeAll(context.Background()))

	tr.RecordOutcome(outcome(tr, "a", time.Second, model.FailureTimeout))
	tr.RecordOutcome(outcome(tr, "a", time.Second, model.FailureTimeout))
	tr.RecordOutcome(success(tr, "a", 20))

	w, _ := reg.Get("a")
	assert.Zero(t, w.ConsecutiveFailures)
	assert.EqualValues(t, 3, w.Latency["m"].Samples)
	assert.Equal(t, model.StateHealthy, w.State)
}

func TestRecordOutcome_DegradedWithoutPeersRecovers(t *testing.T) {
	reg, _, tr := setup(t, "a")
	require.NoError(t, tr.ProbeAll(context.Background()))
	require.NoError(t, reg.UpdateState("a", model.StateDegraded, "test"))

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(success(tr, "a", 5000))
	}
	assert.Equal(t, model.StateHealthy, state(t, reg, "a"))
}

func TestRecordOutcome_TimeoutStraggler(t *testing.T) {
	reg, _, tr := setup(t, "a", "b", "c")
	require.NoError(t, tr.ProbeAll(context.Background()))
	for i := 0; i < 5; i++ {
		tr.RecordOutcome(success(tr, "a", 100))
		tr.RecordOutcome(success(tr, "b", 100))
		tr.RecordOutcome(success(tr, "c", 100))
	}

	tr.RecordOutcome(outcome(tr, "c", 30*time.Second, model.FailureTimeout))
	w, _ := reg.Get("c")
	assert.Equal(t, model.StateDegraded, w.State, "a timeout far above the pool median is a straggler")
	assert.Equal(t, 1, w.ConsecutiveFailures)

	// transport errors carry no latency, so they never degrade on their own
	tr.RecordOutcome(outcome(tr, "b", 30*time.Second, model.FailureTransport))
	assert.Equal(t, model.StateHealthy, state(t, reg, "b"))
}

func TestRecordOutcome_TimeoutAtThresholdIsUnreachable(t *testing.T) {
	reg, _, tr := setup(t, "a", "b", "c")
	require.NoError(t, tr.ProbeAll(context.Background()))
	for i := 0; i < 5; i++ {
		tr.RecordOutcome(success(tr, "a", 100))
		tr.RecordOutcome(success(tr, "b", 100))
	}

	for i := 0; i < 2; i++ {
		tr.RecordOutcome(outcome(tr, "c", 30*time.Second, model.FailureTimeout))
	}
	assert.Equal(t, model.StateDegraded, state(t, reg, "c"))
	tr.RecordOutcome(outcome(tr, "c", 30*time.Second, model.FailureTimeout))
	assert.Equal(t, model.StateUnreachable, state(t, reg, "c"))
}

func TestRecordOutcome_ReplacedInstanceIgnored(t *testing.T) {
	reg, _, tr := setup(t, "a", "b")
	require.NoError(t, tr.ProbeAll(context.Background()))
	for i := 0; i < 5; i++ {
		tr.RecordOutcome(success(tr, "a", 100))
	}
	stale := success(tr, "b", 900)

	_, err := reg.Register(model.WorkerSpec{ID: "b", Address: "http://b", Models: []string{"m"}, MaxConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, tr.ProbeNow(context.Background(), "b"))

	tr.RecordOutcome(stale)
	w, _ := reg.Get("b")
	_, sampled := w.EWMA("m")
	assert.False(t, sampled, "outcomes of the previous instance are dropped")
	assert.Equal(t, model.StateHealthy, w.State)
}

func TestProbe_ReplacedInstanceIgnored(t *testing.T) {
	reg, _, tr := setup(t, "a")
	old, _ := reg.Get("a")

	_, err := reg.Register(model.WorkerSpec{ID: "a", Address: "http://a2", Models: []string{"m"}})
	require.NoError(t, err)

	// a probe that started against the old address lands after the replacement
	assert.True(t, tr.probe(context.Background(), "a", old.Incarnation, old.Address))
	assert.Equal(t, model.StateRegistering, state(t, reg, "a"))

	tr.recordProbeFailure("a", old.Incarnation, errors.New("connection refused"))
	w, _ := reg.Get("a")
	assert.Zero(t, w.ConsecutiveFailures)
}

func TestRecordOutcome_UnknownWorkerIgnored(t *testing.T) {
	_, _, tr := setup(t)
	assert.NotPanics(t, func() { tr.RecordOutcome(success(tr, "gone", 10)) })
}

func TestMedian(t *testing.T) {
	_, ok := median(nil)
	assert.False(t, ok)
	m, _ := median([]float64{3, 1, 2})
	assert.Equal(t, 2.0, m)
	m, _ = median([]float64{4, 1, 3, 2})
	assert.Equal(t, 2.5, m)
}
