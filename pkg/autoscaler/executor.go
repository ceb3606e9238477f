package autoscaler

import (
	"context"
	"strconv"

	"dio/internal/events"
	"dio/internal/model"
	"dio/pkg/interfaces"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

// HistoryStore persists scaling intents
type HistoryStore interface {
	SaveIntent(ctx context.Context, intent *model.ScalingIntent) error
	ListIntents(ctx context.Context, modelID string, limit int) ([]*model.ScalingIntent, error)
}

// Notifier announces intents to operators
type Notifier interface {
	NotifyIntent(ctx context.Context, intent *model.ScalingIntent) error
}

// Executor carries out the side effects of intents: history, events,
// notifications and the provisioner hand-off. Only the provisioner error is
// fatal to an intent; the rest are logged.
type Executor struct {
	provisioner interfaces.Provisioner
	history     HistoryStore
	notifier    Notifier
	publisher   events.Publisher
}

// NewExecutor creates executor. history, notifier and publisher may be nil.
func NewExecutor(provisioner interfaces.Provisioner, history HistoryStore, notifier Notifier, publisher events.Publisher) *Executor {
	return &Executor{
		provisioner: provisioner,
		history:     history,
		notifier:    notifier,
		publisher:   publisher,
	}
}

// Submit records a new intent and hands it to the provisioner
func (e *Executor) Submit(ctx context.Context, intent *model.ScalingIntent) error {
	logger.InfoCtx(ctx, "scaling intent %s: %s %s by %d (%d -> %d), reason: %s",
		intent.ID, intent.Direction, intent.ModelID, intent.Magnitude, intent.FromWorkers, intent.TargetWorkers, intent.Reason)

	metrics.RecordIntent(intent.ModelID, string(intent.Direction), string(model.IntentPending))
	e.record(ctx, intent)
	e.publish(events.EventIntentCreated, intent)
	e.notify(ctx, intent)

	if e.provisioner == nil {
		return nil
	}
	return e.provisioner.Provision(ctx, intent)
}

// Finalize records a resolved intent
func (e *Executor) Finalize(ctx context.Context, intent *model.ScalingIntent) {
	if intent.Status == model.IntentSucceeded {
		logger.InfoCtx(ctx, "scaling intent %s for %s %s", intent.ID, intent.ModelID, intent.Status)
	} else {
		logger.WarnCtx(ctx, "scaling intent %s for %s %s: %s", intent.ID, intent.ModelID, intent.Status, intent.Message)
	}

	metrics.RecordIntent(intent.ModelID, string(intent.Direction), string(intent.Status))
	e.record(ctx, intent)
	e.publish(events.EventIntentResolved, intent)
	e.notify(ctx, intent)
}

func (e *Executor) record(ctx context.Context, intent *model.ScalingIntent) {
	if e.history == nil {
		return
	}
	if err := e.history.SaveIntent(ctx, intent); err != nil {
		logger.WarnCtx(ctx, "failed to record scaling intent %s: %v", intent.ID, err)
	}
}

func (e *Executor) notify(ctx context.Context, intent *model.ScalingIntent) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyIntent(ctx, intent); err != nil {
		logger.WarnCtx(ctx, "failed to send notification for intent %s: %v", intent.ID, err)
	}
}

func (e *Executor) publish(typ events.EventType, intent *model.ScalingIntent) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(events.Event{
		Type:    typ,
		ModelID: intent.ModelID,
		Reason:  intent.Reason,
		Data: map[string]string{
			"intent_id": intent.ID,
			"direction": string(intent.Direction),
			"status":    string(intent.Status),
			"magnitude": strconv.Itoa(intent.Magnitude),
			"target":    strconv.Itoa(intent.TargetWorkers),
		},
	})
}
