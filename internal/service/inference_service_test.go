package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dio/internal/admission"
	"dio/internal/health"
	"dio/internal/model"
	"dio/internal/registry"
	"dio/internal/scheduler"
	"dio/pkg/config"
	"dio/pkg/costing"
)

// scriptedWorker answers Predict according to per-address behaviour
type scriptedWorker struct {
	mu    sync.Mutex
	calls int
	resp  *model.PredictResponse
	err   error
	gate  chan struct{} // when set, Predict waits for it or for ctx
}

func (w *scriptedWorker) Predict(ctx context.Context, address string, req *model.PredictRequest) (*model.PredictResponse, error) {
	w.mu.Lock()
	w.calls++
	gate, resp, err := w.gate, w.resp, w.err
	w.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &model.PredictResponse{Output: []byte("ok")}
	}
	return resp, nil
}

func (w *scriptedWorker) CheckHealth(ctx context.Context, address string) error {
	return nil
}

func (w *scriptedWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type inferenceFixture struct {
	reg     *registry.Registry
	adm     *admission.Controller
	worker  *scriptedWorker
	service *InferenceService
}

func newInferenceFixture(t *testing.T, budget config.BudgetConfig, dispatchTimeout time.Duration, workers ...string) *inferenceFixture {
	t.Helper()
	reg := registry.New()
	for _, id := range workers {
		_, err := reg.Register(model.WorkerSpec{ID: id, Address: "http://" + id, Models: []string{"llama"}})
		require.NoError(t, err)
		require.NoError(t, reg.UpdateState(id, model.StateHealthy, "test"))
	}

	worker := &scriptedWorker{}
	adm := admission.NewController(config.AdmissionConfig{Default: budget})
	tracker := health.NewTracker(reg, worker, config.Default().Health)
	sched := scheduler.New(reg, config.SchedulerConfig{FloorWeight: 0.05}, rand.NewSource(1))

	return &inferenceFixture{
		reg:     reg,
		adm:     adm,
		worker:  worker,
		service: NewInferenceService(adm, sched, tracker, worker, costing.NewTokenEstimator(nil), dispatchTimeout),
	}
}

func (f *inferenceFixture) worker1(t *testing.T) *model.WorkerRecord {
	t.Helper()
	w, err := f.reg.Get("w1")
	require.NoError(t, err)
	return w
}

func TestExecute_Success(t *testing.T) {
	f := newInferenceFixture(t, config.BudgetConfig{}, time.Second, "w1")
	f.worker.resp = &model.PredictResponse{Output: []byte("hi"), LatencyMs: 7, TokensUsed: 12, ContextFull: true}

	res, err := f.service.Execute(context.Background(), &model.InferenceRequest{
		ModelID: "llama", Payload: []byte("Hello world"), EstimatedCost: 5,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "w1", res.WorkerID)
	assert.Equal(t, []byte("hi"), res.Output)
	assert.Equal(t, int64(7), res.WorkerLatencyMs)
	assert.Equal(t, int64(12), res.TokensUsed)
	assert.True(t, res.ContextFull)

	w := f.worker1(t)
	assert.Equal(t, 0, w.InFlight)
	assert.True(t, w.Latency["llama"].Sampled())
	assert.Equal(t, int64(0), f.adm.InFlight("llama"))

	status := f.adm.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(1), status[0].Usage.ContextFullHits)
	assert.Equal(t, int64(12), status[0].Usage.TokensUsed)
}

func TestExecute_KeepsCallerRequestID(t *testing.T) {
	f := newInferenceFixture(t, config.BudgetConfig{}, time.Second, "w1")
	res, err := f.service.Execute(context.Background(), &model.InferenceRequest{RequestID: "req-42", ModelID: "llama"})
	require.NoError(t, err)
	assert.Equal(t, "req-42", res.RequestID)
}

func TestExecute_RejectedBeforeDispatch(t *testing.T) {
	tests := []struct {
		name    string
		budget  config.BudgetConfig
		workers []string
		req     *model.InferenceRequest
		code    model.ErrorCode
	}{
		{
			name: "missing model",
			req:  &model.InferenceRequest{},
			code: model.CodeInvalidRequest,
		},
		{
			name:    "explicit cost over budget",
			budget:  config.BudgetConfig{MaxRequestCost: 100},
			workers: []string{"w1"},
			req:     &model.InferenceRequest{ModelID: "llama", EstimatedCost: 101},
			code:    model.CodeBudgetExceeded,
		},
		{
			name:    "estimated cost over budget",
			budget:  config.BudgetConfig{MaxRequestCost: 2},
			workers: []string{"w1"},
			req:     &model.InferenceRequest{ModelID: "llama", Payload: []byte("Hello world there friend")},
			code:    model.CodeBudgetExceeded,
		},
		{
			name: "no workers",
			req:  &model.InferenceRequest{ModelID: "llama", EstimatedCost: 1},
			code: model.CodeNoCapacity,
		},
		{
			name:    "deadline already passed",
			workers: []string{"w1"},
			req:     &model.InferenceRequest{ModelID: "llama", EstimatedCost: 1, Deadline: time.Now().Add(-time.Second)},
			code:    model.CodeWorkerTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newInferenceFixture(t, tt.budget, time.Second, tt.workers...)
			_, err := f.service.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, model.CodeOf(err))
			assert.Equal(t, 0, f.worker.callCount())
			assert.Equal(t, int64(0), f.adm.InFlight("llama"))
			for _, w := range f.reg.List() {
				assert.Equal(t, 0, w.InFlight)
			}
		})
	}
}

func TestExecute_WorkerErrorMapsToTimeout(t *testing.T) {
	f := newInferenceFixture(t, config.BudgetConfig{}, time.Second, "w1")
	f.worker.err = &model.WorkerError{Address: "http://w1", StatusCode: 500, Message: "oom"}

	_, err := f.service.Execute(context.Background(), &model.InferenceRequest{ModelID: "llama", EstimatedCost: 1})
	require.Error(t, err)
	assert.Equal(t, model.CodeWorkerTimeout, model.CodeOf(err))
	assert.True(t, errors.Is(err, model.ErrWorkerTimeout))

	w := f.worker1(t)
	assert.Equal(t, 1, w.ConsecutiveFailures)
	assert.Equal(t, 0, w.InFlight)
	// worker errors carry no latency signal
	assert.False(t, w.Latency["llama"].Sampled())
}

func TestExecute_DispatchTimeout(t *testing.T) {
	f := newInferenceFixture(t, config.BudgetConfig{}, 20*time.Millisecond, "w1")
	f.worker.gate = make(chan struct{})

	start := time.Now()
	_, err := f.service.Execute(context.Background(), &model.InferenceRequest{ModelID: "llama", EstimatedCost: 1})
	require.Error(t, err)
	assert.Equal(t, model.CodeWorkerTimeout, model.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)

	w := f.worker1(t)
	assert.Equal(t, 1, w.ConsecutiveFailures)
	assert.True(t, w.Latency["llama"].Sampled())
	assert.Equal(t, 0, w.InFlight)
}

func TestExecute_DeadlineShortensTimeout(t *testing.T) {
	f := newInferenceFixture(t, config.BudgetConfig{}, time.Minute, "w1")
	f.worker.gate = make(chan struct{})

	start := time.Now()
	_, err := f.service.Execute(context.Background(), &model.InferenceRequest{
		ModelID: "llama", EstimatedCost: 1, Deadline: time.Now().Add(30 * time.Millisecond),
	})
	require.Error(t, err)
	assert.Equal(t, model.CodeWorkerTimeout, model.CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecute_ClientCancelStillRecordsOutcome(t *testing.T) {
	f := newInferenceFixture(t, config.BudgetConfig{MaxInFlightCost: 10}, time.Second, "w1")
	gate := make(chan struct{})
	f.worker.gate = gate

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.service.Execute(ctx, &model.InferenceRequest{ModelID: "llama", EstimatedCost: 4})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return f.worker.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(4), f.adm.InFlight("llama"))

	cancel()
	err := <-errCh
	assert.Equal(t, model.CodeCancelled, model.CodeOf(err))

	// the worker call keeps its slot until it finishes
	assert.Equal(t, 1, f.worker1(t).InFlight)

	close(gate)
	require.Eventually(t, func() bool {
		w := f.worker1(t)
		return w.InFlight == 0 && w.Latency["llama"].Sampled()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), f.adm.InFlight("llama"))
	assert.Equal(t, 0, f.worker1(t).ConsecutiveFailures)
}

func TestClassifyFailure(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want model.FailureKind
	}{
		{"success", context.Background(), nil, model.FailureNone},
		{"deadline", context.Background(), context.DeadlineExceeded, model.FailureTimeout},
		{"expired context", expired, errors.New("read tcp: i/o timeout"), model.FailureTimeout},
		{"worker error", context.Background(), &model.WorkerError{Message: "boom"}, model.FailureWorkerError},
		{"transport", context.Background(), errors.New("connection refused"), model.FailureTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFailure(tt.ctx, tt.err))
		})
	}
}
