// Package jobs runs periodic maintenance of the control plane.
package jobs

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"modelforge/pkg/lock"
	"modelforge/pkg/logger"
)

const defaultInterval = time.Minute

// Job a periodic background task
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob first runs at the next multiple of its interval instead of
// immediately
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

// Manager runs registered jobs until stopped
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a manager bound to parent
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel}
}

// Register adds a job. Jobs registered after Start are ignored.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		logger.Warnf("job %s registered after start, ignored", job.Name())
		return
	}
	m.jobs = append(m.jobs, job)
}

// Start launches every registered job once
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
		go m.loop(job)
	}
}

// Stop signals all jobs to stop
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all jobs returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loop(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = defaultInterval
	}

	if aligned, ok := job.(AlignedJob); ok && aligned.AlignToInterval() {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		logger.InfoCtx(m.ctx, "job %s first runs at %s", job.Name(), next.Format(time.TimeOnly))
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
	}
	m.execute(job)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.execute(job)
		}
	}
}

func (m *Manager) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(m.ctx, "background job %s panicked: %v\n%s", job.Name(), r, debug.Stack())
		}
	}()
	ctx := logger.WithTraceID(m.ctx, job.Name())
	if err := job.Run(ctx); err != nil {
		logger.WarnCtx(ctx, "background job %s failed: %v", job.Name(), err)
	}
}

// lockedJob runs its function only on the replica holding the lock
type lockedJob struct {
	name     string
	interval time.Duration
	aligned  bool
	locker   lock.Locker
	run      func(ctx context.Context) error
}

// NewLocked wraps fn in a job guarded by locker. A nil locker runs fn on
// every tick.
func NewLocked(name string, interval time.Duration, aligned bool, locker lock.Locker, fn func(ctx context.Context) error) Job {
	return &lockedJob{name: name, interval: interval, aligned: aligned, locker: locker, run: fn}
}

func (j *lockedJob) Name() string            { return j.name }
func (j *lockedJob) Interval() time.Duration { return j.interval }
func (j *lockedJob) AlignToInterval() bool   { return j.aligned }

func (j *lockedJob) Run(ctx context.Context) error {
	if j.locker == nil {
		return j.run(ctx)
	}
	ran, err := lock.Run(ctx, j.locker, j.run)
	if err == nil && !ran {
		logger.DebugCtx(ctx, "another instance is running %s, skipping this cycle", j.name)
	}
	return err
}
