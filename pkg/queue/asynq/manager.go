package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"dio/internal/model"
	"dio/pkg/config"
	"dio/pkg/logger"
)

const (
	TypeScalingIntent = "scaling:intent"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Manager hands scaling intents to an external provisioner through an asynq
// queue. The consumer resolves each intent through the autoscaler API.
type Manager struct {
	client   enqueuer
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewManager creates queue manager
func NewManager(redisCfg config.RedisConfig, queueCfg config.QueueConfig) *Manager {
	redisOpt := asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}
	return newManager(asynq.NewClient(redisOpt), queueCfg)
}

func newManager(client enqueuer, queueCfg config.QueueConfig) *Manager {
	return &Manager{
		client:   client,
		queue:    queueCfg.Name,
		maxRetry: queueCfg.MaxRetry,
		timeout:  queueCfg.Timeout,
	}
}

// Name implements interfaces.Provisioner
func (m *Manager) Name() string {
	return "asynq"
}

// Provision enqueues the intent. The intent id doubles as the task id so a
// retried submission cannot create a second task.
func (m *Manager) Provision(ctx context.Context, intent *model.ScalingIntent) error {
	task, err := NewIntentTask(intent)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(intent.ID),
		asynq.Queue(m.queue),
		asynq.MaxRetry(m.maxRetry),
	}
	if m.timeout > 0 {
		opts = append(opts, asynq.Timeout(m.timeout))
	}

	info, err := m.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue scaling intent: %w", err)
	}

	logger.InfoCtx(ctx, "scaling intent enqueued, intent_id: %s, queue: %s", intent.ID, info.Queue)
	return nil
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}

// NewIntentTask encodes intent as an asynq task
func NewIntentTask(intent *model.ScalingIntent) (*asynq.Task, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scaling intent: %w", err)
	}
	return asynq.NewTask(TypeScalingIntent, payload), nil
}

// ParseIntentTask decodes a task produced by NewIntentTask, for consumers
func ParseIntentTask(task *asynq.Task) (*model.ScalingIntent, error) {
	if task.Type() != TypeScalingIntent {
		return nil, fmt.Errorf("unexpected task type %q", task.Type())
	}
	var intent model.ScalingIntent
	if err := json.Unmarshal(task.Payload(), &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scaling intent: %w", err)
	}
	return &intent, nil
}
