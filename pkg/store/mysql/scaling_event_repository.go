package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"dio/internal/model"
)

// ScalingEventRepository handles scaling history persistence in MySQL
type ScalingEventRepository struct {
	ds *Datastore
}

// NewScalingEventRepository creates a new scaling event repository
func NewScalingEventRepository(ds *Datastore) *ScalingEventRepository {
	return &ScalingEventRepository{ds: ds}
}

// SaveIntent inserts the intent or updates its outcome columns
func (r *ScalingEventRepository) SaveIntent(ctx context.Context, intent *model.ScalingIntent) error {
	row := FromIntentDomain(intent)
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "message", "resolved_at", "worker_ids", "magnitude", "to_workers"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to save scaling event %s: %w", intent.ID, err)
	}
	return nil
}

// ListIntents returns the newest intents, optionally for one model
func (r *ScalingEventRepository) ListIntents(ctx context.Context, modelID string, limit int) ([]*model.ScalingIntent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := r.ds.DB(ctx).Model(&ScalingEvent{}).Order("timestamp DESC").Limit(limit)
	if modelID != "" {
		query = query.Where("model_id = ?", modelID)
	}

	var rows []*ScalingEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list scaling events: %w", err)
	}

	out := make([]*model.ScalingIntent, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToIntentDomain(row))
	}
	return out, nil
}

// DeleteOldEvents deletes events older than the specified time
func (r *ScalingEventRepository) DeleteOldEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("timestamp < ?", olderThan).Delete(&ScalingEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old scaling events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
