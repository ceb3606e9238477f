package service

import (
	"context"
	"net/url"
	"strings"

	"dio/internal/health"
	"dio/internal/model"
	"dio/internal/registry"
	"dio/pkg/logger"
)

// WorkerService Worker service
type WorkerService struct {
	registry *registry.Registry
	tracker  *health.Tracker
}

// NewWorkerService creates a new Worker service
func NewWorkerService(reg *registry.Registry, tracker *health.Tracker) *WorkerService {
	return &WorkerService{registry: reg, tracker: tracker}
}

// Register validates a registration and admits the worker in REGISTERING.
// The first health probe runs in the background; the caller is not kept
// waiting on it.
func (s *WorkerService) Register(ctx context.Context, spec model.WorkerSpec) (*model.WorkerRecord, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Address = strings.TrimSpace(spec.Address)
	if err := validateAddress(spec.Address); err != nil {
		return nil, err
	}

	rec, err := s.registry.Register(spec)
	if err != nil {
		logger.WarnCtx(ctx, "worker registration rejected: %v", err)
		return nil, err
	}

	if s.tracker != nil {
		probeCtx := context.WithoutCancel(ctx)
		go func() {
			if err := s.tracker.ProbeNow(probeCtx, rec.ID); err != nil {
				logger.WarnCtx(probeCtx, "first probe of worker %s failed: %v", rec.ID, err)
			}
		}()
	}

	logger.InfoCtx(ctx, "worker registered, worker_id: %s, address: %s, models: %v, max_concurrency: %d",
		rec.ID, rec.Address, rec.Models, rec.MaxConcurrency)
	return rec, nil
}

// Deregister removes a worker immediately. Requests already running on it finish normally.
func (s *WorkerService) Deregister(ctx context.Context, workerID string) error {
	if err := s.registry.Remove(workerID, "deregistered"); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "worker deregistered, worker_id: %s", workerID)
	return nil
}

// Drain stops new traffic to a worker; it stays registered until removed
func (s *WorkerService) Drain(ctx context.Context, workerID string) (*model.WorkerRecord, error) {
	if err := s.registry.UpdateState(workerID, model.StateDraining, "drain requested"); err != nil {
		if model.CodeOf(err) == model.CodeStateTransition {
			logger.ErrorCtx(ctx, "drain of worker %s rejected: %v", workerID, err)
		}
		return nil, err
	}
	return s.registry.Get(workerID)
}

// GetWorker returns one worker
func (s *WorkerService) GetWorker(ctx context.Context, workerID string) (*model.WorkerRecord, error) {
	return s.registry.Get(workerID)
}

// ListWorkers lists workers, optionally only those serving modelID
func (s *WorkerService) ListWorkers(ctx context.Context, modelID string) []*model.WorkerRecord {
	if modelID != "" {
		return s.registry.ListByModel(modelID)
	}
	return s.registry.List()
}

// ModelSummary per-model pool view
type ModelSummary struct {
	ModelID  string `json:"model_id"`
	Workers  int    `json:"workers"`
	Eligible int    `json:"eligible"`
	InFlight int    `json:"in_flight"`
}

// ListModels summarizes every model served by at least one worker
func (s *WorkerService) ListModels(ctx context.Context) []ModelSummary {
	models := s.registry.Models()
	out := make([]ModelSummary, 0, len(models))
	for _, m := range models {
		out = append(out, ModelSummary{
			ModelID:  m,
			Workers:  len(s.registry.ListByModel(m)),
			Eligible: len(s.registry.ListHealthyFor(m)),
			InFlight: s.registry.InFlightByModel(m),
		})
	}
	return out
}

func validateAddress(addr string) error {
	if addr == "" {
		// registry reports the missing address with the worker id
		return nil
	}
	raw := addr
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return model.NewError(model.CodeRegistration, "invalid worker address %q", addr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return model.NewError(model.CodeRegistration, "unsupported scheme %q in worker address", u.Scheme)
	}
	return nil
}
