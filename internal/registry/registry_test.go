package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dio/internal/events"
	"dio/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spec(id string, models ...string) model.WorkerSpec {
	return model.WorkerSpec{ID: id, Address: "http://" + id, Models: models}
}

func TestRegister_StartsInRegistering(t *testing.T) {
	r := New()
	rec, err := r.Register(spec("w1", "llama", "llama"))
	require.NoError(t, err)

	assert.Equal(t, model.StateRegistering, rec.State)
	assert.Equal(t, []string{"llama"}, rec.Models)
	assert.Empty(t, r.ListHealthyFor("llama"), "not schedulable before a probe succeeds")
	assert.False(t, r.TryAcquire("w1", rec.Incarnation))
}

func TestRegister_Validation(t *testing.T) {
	r := New()
	tests := []struct {
		name string
		spec model.WorkerSpec
	}{
		{"missing id", model.WorkerSpec{Address: "http://a", Models: []string{"m"}}},
		{"missing address", model.WorkerSpec{ID: "w", Models: []string{"m"}}},
		{"no models", model.WorkerSpec{ID: "w", Address: "http://a", Models: []string{""}}},
		{"negative concurrency", model.WorkerSpec{ID: "w", Address: "http://a", Models: []string{"m"}, MaxConcurrency: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.spec)
			assert.True(t, errors.Is(err, model.ErrRegistration))
		})
	}
	assert.Zero(t, r.Count())
}

func TestRegister_ReplaceDiscardsStats(t *testing.T) {
	r := New()
	old, err := r.Register(spec("w1", "m"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("w1", model.StateHealthy, "probe"))
	require.NoError(t, r.Mutate("w1", old.Incarnation, "outcome", func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		w.Stats("m").Observe(50, 0.2, 8, time.Now())
		return "", false
	}))

	rec, err := r.Register(model.WorkerSpec{ID: "w1", Address: "http://new", Models: []string{"m", "n"}})
	require.NoError(t, err)
	assert.Equal(t, model.StateRegistering, rec.State)
	assert.Equal(t, "http://new", rec.Address)
	_, sampled := rec.EWMA("m")
	assert.False(t, sampled)
	assert.Equal(t, 1, r.Count())
	assert.Greater(t, rec.Incarnation, old.Incarnation)
}

func TestReregister_StaleInstanceIsIgnored(t *testing.T) {
	r := New()
	_, err := r.Register(spec("w2", "m"))
	require.NoError(t, err)
	old, err := r.Register(spec("w1", "m"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("w1", model.StateHealthy, "probe"))
	require.True(t, r.TryAcquire("w1", old.Incarnation))

	cur, err := r.Register(model.WorkerSpec{ID: "w1", Address: "http://w1", Models: []string{"m"}, MaxConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("w1", model.StateHealthy, "probe"))
	require.True(t, r.TryAcquire("w1", cur.Incarnation))

	// the old instance's bookkeeping must not reach the new record
	assert.False(t, r.TryAcquire("w1", old.Incarnation))
	r.Release("w1", old.Incarnation)
	err = r.Mutate("w1", old.Incarnation, "outcome", func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		w.Stats("m").Observe(900, 0.2, 8, time.Now())
		return model.StateDegraded, true
	})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	rec, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.InFlight)
	assert.Equal(t, model.StateHealthy, rec.State)
	_, sampled := rec.EWMA("m")
	assert.False(t, sampled)

	r.Release("w1", cur.Incarnation)
	rec, _ = r.Get("w1")
	assert.Equal(t, 0, rec.InFlight)
}

func TestUpdateState_EdgeTable(t *testing.T) {
	all := []model.LifecycleState{
		model.StateRegistering, model.StateHealthy, model.StateDegraded,
		model.StateUnreachable, model.StateDraining,
	}
	legal := map[[2]model.LifecycleState]bool{
		{model.StateRegistering, model.StateHealthy}:     true,
		{model.StateRegistering, model.StateUnreachable}: true,
		{model.StateRegistering, model.StateDraining}:    true,
		{model.StateHealthy, model.StateDegraded}:        true,
		{model.StateHealthy, model.StateUnreachable}:     true,
		{model.StateHealthy, model.StateDraining}:        true,
		{model.StateDegraded, model.StateHealthy}:        true,
		{model.StateDegraded, model.StateUnreachable}:    true,
		{model.StateDegraded, model.StateDraining}:       true,
		{model.StateUnreachable, model.StateDegraded}:    true,
		{model.StateUnreachable, model.StateDraining}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			assert.Equal(t, legal[[2]model.LifecycleState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, CanTransition(model.StateDraining, model.StateRemoved))
	assert.False(t, CanTransition(model.StateHealthy, model.StateRemoved))
}

func TestUpdateState_IllegalIsNoop(t *testing.T) {
	r := New()
	_, err := r.Register(spec("w1", "m"))
	require.NoError(t, err)

	err = r.UpdateState("w1", model.StateDegraded, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStateTransition))

	rec, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRegistering, rec.State)

	assert.True(t, errors.Is(r.UpdateState("nope", model.StateHealthy, "test"), model.ErrNotFound))
}

func TestMutate_CannotWriteStateDirectly(t *testing.T) {
	r := New()
	reg, err := r.Register(spec("w1", "m"))
	require.NoError(t, err)

	require.NoError(t, r.Mutate("w1", reg.Incarnation, "test", func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		w.State = model.StateHealthy
		w.ConsecutiveFailures = 2
		return "", false
	}))
	rec, _ := r.Get("w1")
	assert.Equal(t, model.StateRegistering, rec.State)
	assert.Equal(t, 2, rec.ConsecutiveFailures)

	err = r.Mutate("w1", reg.Incarnation, "test", func(w *model.WorkerRecord) (model.LifecycleState, bool) {
		return model.StateDegraded, true
	})
	assert.True(t, errors.Is(err, model.ErrStateTransition))
}

func TestDrainThenRemove(t *testing.T) {
	b := events.NewBroadcaster(16)
	sub := b.Subscribe()
	defer sub.Close()

	r := New(WithPublisher(b))
	reg, err := r.Register(spec("w1", "m"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("w1", model.StateHealthy, "probe"))
	require.True(t, r.TryAcquire("w1", reg.Incarnation))

	require.NoError(t, r.UpdateState("w1", model.StateDraining, "scale in"))
	assert.False(t, r.TryAcquire("w1", reg.Incarnation), "draining workers take no new work")
	assert.Equal(t, 1, r.InFlightByModel("m"))

	require.NoError(t, r.Remove("w1", "drained"))
	r.Release("w1", reg.Incarnation)
	_, err = r.Get("w1")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	var types []events.EventType
	for len(sub.C) > 0 {
		e := <-sub.C
		types = append(types, e.Type)
		assert.True(t, e.Concerns("m"), "%s event should name the worker's models", e.Type)
	}
	assert.Equal(t, []events.EventType{
		events.EventWorkerRegistered, events.EventWorkerState, events.EventWorkerState, events.EventWorkerRemoved,
	}, types)
}

func TestTryAcquire_RespectsConcurrency(t *testing.T) {
	r := New(WithDefaultMaxConcurrency(2))
	reg, err := r.Register(spec("w1", "m"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("w1", model.StateHealthy, "probe"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire("w1", reg.Incarnation) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, acquired)

	r.Release("w1", reg.Incarnation)
	r.Release("w1", reg.Incarnation)
	r.Release("w1", reg.Incarnation)
	rec, _ := r.Get("w1")
	assert.Equal(t, 0, rec.InFlight)
}

func TestListHealthyForAndModels(t *testing.T) {
	r := New()
	for _, s := range []model.WorkerSpec{spec("c", "m"), spec("a", "m", "x"), spec("b", "x")} {
		_, err := r.Register(s)
		require.NoError(t, err)
	}
	require.NoError(t, r.UpdateState("a", model.StateHealthy, "probe"))
	require.NoError(t, r.UpdateState("c", model.StateHealthy, "probe"))
	require.NoError(t, r.UpdateState("c", model.StateDegraded, "straggler"))

	var ids []string
	for _, w := range r.ListHealthyFor("m") {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.Len(t, r.ListByModel("x"), 2)
	assert.Equal(t, []string{"m", "x"}, r.Models())
}
