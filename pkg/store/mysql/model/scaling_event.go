package model

import "time"

// ScalingEvent MySQL model for scaling_events table, one row per intent
type ScalingEvent struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string          `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex:idx_event_id_unique" json:"event_id"`
	ModelID     string          `gorm:"column:model_id;type:varchar(255);not null;index:idx_model_timestamp,priority:1" json:"model_id"`
	Timestamp   time.Time       `gorm:"column:timestamp;type:datetime(3);not null;index:idx_timestamp;index:idx_model_timestamp,priority:2" json:"timestamp"`
	Direction   string          `gorm:"column:direction;type:varchar(20);not null;index:idx_direction" json:"direction"`
	Magnitude   int             `gorm:"column:magnitude;type:int;not null" json:"magnitude"`
	FromWorkers int             `gorm:"column:from_workers;type:int;not null" json:"from_workers"`
	ToWorkers   int             `gorm:"column:to_workers;type:int;not null" json:"to_workers"`
	Reason      string          `gorm:"column:reason;type:text;not null" json:"reason"`
	WorkerIDs   JSONStringArray `gorm:"column:worker_ids;type:json" json:"worker_ids"`
	Status      string          `gorm:"column:status;type:varchar(20);not null;index:idx_status" json:"status"`
	Message     string          `gorm:"column:message;type:text" json:"message"`
	ResolvedAt  *time.Time      `gorm:"column:resolved_at;type:datetime(3)" json:"resolved_at"`
}

// TableName specifies the table name for ScalingEvent
func (ScalingEvent) TableName() string {
	return "scaling_events"
}
