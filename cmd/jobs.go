package main

import (
	"context"
	"time"

	"dio/internal/jobs"
	"dio/internal/model"
	"dio/internal/registry"
	"dio/pkg/autoscaler"
	"dio/pkg/logger"
	"dio/pkg/metrics"
)

const (
	workerGaugeInterval = 15 * time.Second
	retentionInterval   = 24 * time.Hour
)

var lifecycleStates = []string{
	string(model.StateRegistering),
	string(model.StateHealthy),
	string(model.StateDegraded),
	string(model.StateUnreachable),
	string(model.StateDraining),
}

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)

	// Probing is per instance: every replica keeps its own registry view
	manager.Register(app.tracker)
	manager.Register(newWorkerGaugeJob(workerGaugeInterval, app.registry))

	if app.mysqlRepo != nil {
		// Only one replica prunes the shared database. Without Redis the lock always succeeds.
		lock := autoscaler.NewRedisDistributedLock(app.redis(), "cleanup:history-retention-lock")
		manager.Register(newHistoryRetentionJob(retentionInterval, app.config.MySQL.RetentionDays, lock,
			namedPruner{"scaling events", app.mysqlRepo.ScalingEvent},
			namedPruner{"worker events", app.mysqlRepo.WorkerEvent},
		))
	}

	app.jobsManager = manager
	return nil
}

// workerGaugeJob publishes the number of workers per lifecycle state.
type workerGaugeJob struct {
	interval time.Duration
	registry *registry.Registry
}

func newWorkerGaugeJob(interval time.Duration, reg *registry.Registry) jobs.Job {
	return &workerGaugeJob{interval: interval, registry: reg}
}

func (j *workerGaugeJob) Name() string { return "worker-gauge" }

func (j *workerGaugeJob) Interval() time.Duration { return j.interval }

func (j *workerGaugeJob) Run(ctx context.Context) error {
	counts := make(map[string]int, len(lifecycleStates))
	for state, n := range j.registry.CountByState() {
		counts[string(state)] = n
	}
	metrics.SetWorkerCounts(lifecycleStates, counts)
	return nil
}

// eventPruner deletes rows older than a cutoff
type eventPruner interface {
	DeleteOldEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

type namedPruner struct {
	name string
	eventPruner
}

// historyRetentionJob deletes old scaling and worker events daily, at midnight boundaries
type historyRetentionJob struct {
	interval        time.Duration
	retentionDays   int
	pruners         []namedPruner
	distributedLock autoscaler.DistributedLock
	now             func() time.Time
}

func newHistoryRetentionJob(interval time.Duration, retentionDays int, lock autoscaler.DistributedLock, pruners ...namedPruner) *historyRetentionJob {
	return &historyRetentionJob{
		interval:        interval,
		retentionDays:   retentionDays,
		pruners:         pruners,
		distributedLock: lock,
		now:             time.Now,
	}
}

func (j *historyRetentionJob) Name() string { return "history-retention" }

func (j *historyRetentionJob) Interval() time.Duration { return j.interval }

func (j *historyRetentionJob) AlignToInterval() bool { return true }

func (j *historyRetentionJob) Run(ctx context.Context) error {
	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	before := j.now().AddDate(0, 0, -j.retentionDays)
	for _, p := range j.pruners {
		rows, err := p.DeleteOldEvents(ctx, before)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to clean up old %s: %v", p.name, err)
			continue
		}
		if rows > 0 {
			logger.InfoCtx(ctx, "cleaned up %d old %s (older than %d days)", rows, p.name, j.retentionDays)
		}
	}
	return nil
}
