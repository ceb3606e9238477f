package mysql

import (
	"dio/internal/events"
	"dio/internal/model"
)

// FromIntentDomain converts a scaling intent to its history row
func FromIntentDomain(intent *model.ScalingIntent) *ScalingEvent {
	if intent == nil {
		return nil
	}
	var workerIDs JSONStringArray
	if len(intent.WorkerIDs) > 0 {
		workerIDs = append(JSONStringArray(nil), intent.WorkerIDs...)
	}
	return &ScalingEvent{
		EventID:     intent.ID,
		ModelID:     intent.ModelID,
		Timestamp:   intent.CreatedAt,
		Direction:   string(intent.Direction),
		Magnitude:   intent.Magnitude,
		FromWorkers: intent.FromWorkers,
		ToWorkers:   intent.TargetWorkers,
		Reason:      intent.Reason,
		WorkerIDs:   workerIDs,
		Status:      string(intent.Status),
		Message:     intent.Message,
		ResolvedAt:  intent.ResolvedAt,
	}
}

// ToIntentDomain converts a history row back to a scaling intent
func ToIntentDomain(e *ScalingEvent) *model.ScalingIntent {
	if e == nil {
		return nil
	}
	return &model.ScalingIntent{
		ID:            e.EventID,
		Direction:     model.ScalingDirection(e.Direction),
		ModelID:       e.ModelID,
		Magnitude:     e.Magnitude,
		Reason:        e.Reason,
		WorkerIDs:     []string(e.WorkerIDs),
		FromWorkers:   e.FromWorkers,
		TargetWorkers: e.ToWorkers,
		Status:        model.IntentStatus(e.Status),
		Message:       e.Message,
		CreatedAt:     e.Timestamp,
		ResolvedAt:    e.ResolvedAt,
	}
}

// FromWorkerEvent converts a registry event to its history row
func FromWorkerEvent(e events.Event) *WorkerEvent {
	return &WorkerEvent{
		EventID:   e.ID,
		WorkerID:  e.WorkerID,
		EventType: string(e.Type),
		FromState: e.From,
		ToState:   e.To,
		Reason:    e.Reason,
		EventTime: e.Timestamp,
	}
}

// ToWorkerEvent converts a stored row back into a registry event
func ToWorkerEvent(row *WorkerEvent) events.Event {
	return events.Event{
		ID:        row.EventID,
		Type:      events.EventType(row.EventType),
		WorkerID:  row.WorkerID,
		From:      row.FromState,
		To:        row.ToState,
		Reason:    row.Reason,
		Timestamp: row.EventTime,
	}
}
