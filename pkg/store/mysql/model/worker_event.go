package model

import "time"

// WorkerEvent worker lifecycle transition
type WorkerEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex"`
	WorkerID  string    `gorm:"column:worker_id;type:varchar(255);not null;index:idx_worker_event_time,priority:1"`
	EventType string    `gorm:"column:event_type;type:varchar(50);not null;index:idx_event_type_time,priority:1"`
	FromState string    `gorm:"column:from_state;type:varchar(20)"`
	ToState   string    `gorm:"column:to_state;type:varchar(20)"`
	Reason    string    `gorm:"column:reason;type:text"`
	EventTime time.Time `gorm:"column:event_time;type:datetime(3);not null;index:idx_worker_event_time,priority:2;index:idx_event_type_time,priority:2;index:idx_event_time"`
}

func (WorkerEvent) TableName() string { return "worker_events" }
