package mysql

import (
	"context"
	"fmt"
	"time"

	"dio/internal/events"
)

// WorkerEventRepository persists worker lifecycle transitions
type WorkerEventRepository struct {
	ds *Datastore
}

// NewWorkerEventRepository creates a new worker event repository
func NewWorkerEventRepository(ds *Datastore) *WorkerEventRepository {
	return &WorkerEventRepository{ds: ds}
}

// SaveWorkerEvent stores one registry event
func (r *WorkerEventRepository) SaveWorkerEvent(ctx context.Context, e events.Event) error {
	if err := r.ds.DB(ctx).Create(FromWorkerEvent(e)).Error; err != nil {
		return fmt.Errorf("failed to save worker event: %w", err)
	}
	return nil
}

// ListByWorker returns the newest events of a worker
func (r *WorkerEventRepository) ListByWorker(ctx context.Context, workerID string, limit int) ([]*WorkerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*WorkerEvent
	err := r.ds.DB(ctx).
		Where("worker_id = ?", workerID).
		Order("event_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list worker events: %w", err)
	}
	return rows, nil
}

// DeleteOldEvents deletes events older than the specified time
func (r *WorkerEventRepository) DeleteOldEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("event_time < ?", olderThan).Delete(&WorkerEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old worker events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
