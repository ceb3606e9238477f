package service

import (
	"context"
	"strings"
	"time"

	"dio/internal/events"
	"dio/pkg/logger"
	"dio/pkg/store/mysql"
)

const saveEventTimeout = 5 * time.Second

// WorkerEventStore persists worker lifecycle events
type WorkerEventStore interface {
	SaveWorkerEvent(ctx context.Context, e events.Event) error
	ListByWorker(ctx context.Context, workerID string, limit int) ([]*mysql.WorkerEvent, error)
}

// WorkerEventService records worker lifecycle events published by the registry
type WorkerEventService struct {
	broadcaster *events.Broadcaster
	store       WorkerEventStore
}

// NewWorkerEventService creates a new worker event service. A nil store
// disables persistence.
func NewWorkerEventService(broadcaster *events.Broadcaster, store WorkerEventStore) *WorkerEventService {
	return &WorkerEventService{broadcaster: broadcaster, store: store}
}

// Enabled reports whether events are persisted
func (s *WorkerEventService) Enabled() bool {
	return s.store != nil
}

// Run persists worker events until ctx is done
func (s *WorkerEventService) Run(ctx context.Context) {
	if s.store == nil {
		return
	}
	sub := s.broadcaster.Subscribe()
	defer func() {
		if n := sub.Dropped(); n > 0 {
			logger.Warnf("worker event recorder missed %d events", n)
		}
		sub.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !strings.HasPrefix(string(e.Type), "worker.") {
				continue
			}
			s.record(ctx, e)
		}
	}
}

func (s *WorkerEventService) record(ctx context.Context, e events.Event) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveEventTimeout)
	defer cancel()
	if err := s.store.SaveWorkerEvent(saveCtx, e); err != nil {
		logger.ErrorCtx(ctx, "failed to record worker event %s for %s: %v", e.Type, e.WorkerID, err)
	}
}

// ListWorkerEvents returns the newest recorded events of a worker
func (s *WorkerEventService) ListWorkerEvents(ctx context.Context, workerID string, limit int) ([]events.Event, error) {
	if s.store == nil {
		return []events.Event{}, nil
	}
	rows, err := s.store.ListByWorker(ctx, workerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, mysql.ToWorkerEvent(row))
	}
	return out, nil
}
