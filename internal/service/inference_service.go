package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dio/internal/admission"
	"dio/internal/health"
	"dio/internal/model"
	"dio/internal/scheduler"
	"dio/pkg/interfaces"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

// InferenceService runs the request path: estimate, admit, reserve, dispatch, record
type InferenceService struct {
	admission       *admission.Controller
	scheduler       *scheduler.Scheduler
	tracker         *health.Tracker
	client          interfaces.WorkerClient
	estimator       interfaces.CostEstimator
	dispatchTimeout time.Duration
	now             func() time.Time
}

// NewInferenceService creates a new inference service
func NewInferenceService(
	adm *admission.Controller,
	sched *scheduler.Scheduler,
	tracker *health.Tracker,
	client interfaces.WorkerClient,
	estimator interfaces.CostEstimator,
	dispatchTimeout time.Duration,
) *InferenceService {
	return &InferenceService{
		admission:       adm,
		scheduler:       sched,
		tracker:         tracker,
		client:          client,
		estimator:       estimator,
		dispatchTimeout: dispatchTimeout,
		now:             time.Now,
	}
}

type dispatchResult struct {
	resp    *model.PredictResponse
	latency time.Duration
	err     error
}

// Execute runs one inference. Errors are *model.Error values; every failure of
// the worker call itself surfaces as WORKER_TIMEOUT.
func (s *InferenceService) Execute(ctx context.Context, req *model.InferenceRequest) (*model.InferenceResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	ctx = logger.WithTraceID(ctx, req.RequestID)

	result, err := s.execute(ctx, req)
	code := "ok"
	if err != nil {
		code = string(model.CodeOf(err))
	}
	metrics.RecordRequest(req.ModelID, code)
	return result, err
}

func (s *InferenceService) execute(ctx context.Context, req *model.InferenceRequest) (*model.InferenceResult, error) {
	if req.ModelID == "" {
		return nil, model.NewError(model.CodeInvalidRequest, "model_id is required")
	}

	cost := req.EstimatedCost
	if cost <= 0 && s.estimator != nil {
		cost = s.estimator.Estimate(req.ModelID, req.Payload)
	}

	ticket, err := s.admission.Admit(req.ModelID, cost)
	if err != nil {
		logger.InfoCtx(ctx, "request rejected by admission, model: %s, cost: %d, reason: %v", req.ModelID, cost, err)
		return nil, err
	}

	reservation, err := s.scheduler.Reserve(req.ModelID)
	if err != nil {
		ticket.Release()
		logger.WarnCtx(ctx, "no worker available for model %s: %v", req.ModelID, err)
		return nil, err
	}

	timeout := s.dispatchTimeout
	if !req.Deadline.IsZero() {
		remaining := req.Deadline.Sub(s.now())
		if remaining <= 0 {
			reservation.Release()
			ticket.Release()
			return nil, model.NewError(model.CodeWorkerTimeout, "deadline passed before dispatch")
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	done := make(chan dispatchResult, 1)
	go s.dispatch(ctx, req, reservation, ticket, timeout, done)

	select {
	case r := <-done:
		if r.err != nil {
			return nil, model.WrapError(model.CodeWorkerTimeout, r.err, "dispatch to worker %s failed", reservation.WorkerID)
		}
		return &model.InferenceResult{
			RequestID:       req.RequestID,
			WorkerID:        reservation.WorkerID,
			Output:          r.resp.Output,
			LatencyMs:       r.latency.Milliseconds(),
			WorkerLatencyMs: r.resp.LatencyMs,
			TokensUsed:      r.resp.TokensUsed,
			ContextFull:     r.resp.ContextFull,
		}, nil
	case <-ctx.Done():
		logger.InfoCtx(ctx, "client went away while worker %s was running, result will be discarded", reservation.WorkerID)
		return nil, model.WrapError(model.CodeCancelled, ctx.Err(), "request cancelled by client")
	}
}

// dispatch calls the worker detached from client cancellation. The slot and the
// admitted cost are released and the outcome recorded before the result is handed back.
func (s *InferenceService) dispatch(ctx context.Context, req *model.InferenceRequest, reservation *scheduler.Reservation, ticket *admission.Ticket, timeout time.Duration, done chan<- dispatchResult) {
	callCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}

	start := s.now()
	resp, err := s.client.Predict(callCtx, reservation.Address, &model.PredictRequest{
		ModelID: req.ModelID,
		Payload: req.Payload,
	})
	latency := s.now().Sub(start)
	reservation.Release()
	ticket.Release()

	kind := classifyFailure(callCtx, err)
	s.tracker.RecordOutcome(model.InferenceOutcome{
		WorkerID:    reservation.WorkerID,
		Incarnation: reservation.Incarnation,
		ModelID:     req.ModelID,
		Latency:     latency,
		Success:     err == nil,
		FailureKind: kind,
	})
	metrics.RecordDispatch(req.ModelID, reservation.WorkerID, err == nil, string(kind), latency)

	if err != nil {
		logger.WarnCtx(ctx, "dispatch to worker %s failed (%s) after %v: %v", reservation.WorkerID, kind, latency, err)
	} else {
		s.admission.ObserveUsage(req.ModelID, resp.TokensUsed, resp.ContextFull)
		logger.DebugCtx(ctx, "worker %s answered in %v", reservation.WorkerID, latency)
	}

	done <- dispatchResult{resp: resp, latency: latency, err: err}
}

func classifyFailure(callCtx context.Context, err error) model.FailureKind {
	if err == nil {
		return model.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	var we *model.WorkerError
	if errors.As(err, &we) {
		return model.FailureWorkerError
	}
	return model.FailureTransport
}
