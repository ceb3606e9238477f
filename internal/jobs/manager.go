package jobs

import (
	"context"
	"sync"
	"time"

	"dio/pkg/logger"
	"dio/pkg/metrics"
)

// Job represents a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob is a job that runs at aligned time boundaries (e.g., on the hour).
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

// Manager orchestrates the lifecycle of background jobs.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool
	now     func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to the provided context.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make([]Job, 0),
		now:    time.Now,
	}
}

// Register adds a job to the manager.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// Jobs returns the registered job names
func (m *Manager) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.jobs))
	for _, j := range m.jobs {
		names = append(names, j.Name())
	}
	return names
}

// Start launches all registered jobs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.runJob(job)
	}
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all jobs exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	if aligned, ok := job.(AlignedJob); ok && aligned.AlignToInterval() {
		wait := untilAligned(m.now(), interval)
		logger.InfoCtx(m.ctx, "job %s first run at next %v boundary (in %v)", job.Name(), interval, wait)
		if !m.sleep(wait) {
			return
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.executeJob(job)
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sleep waits for d, false when the manager stopped first
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) executeJob(job Job) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			logger.ErrorCtx(m.ctx, "background job %s panicked: %v", job.Name(), r)
		}
		metrics.RecordJobRun(job.Name(), result)
	}()

	start := time.Now()
	if err := job.Run(m.ctx); err != nil {
		result = "error"
		logger.WarnCtx(m.ctx, "background job %s failed: %v", job.Name(), err)
		return
	}
	logger.DebugCtx(m.ctx, "background job %s finished in %v", job.Name(), time.Since(start))
}

// untilAligned returns the wait until the next multiple of interval
func untilAligned(now time.Time, interval time.Duration) time.Duration {
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}
