package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"
	"modelforge/pkg/status"

	"github.com/google/uuid"
)

func (d *Dispatcher) processLoop() {
	defer d.loopWG.Done()
	for {
		select {
		case <-d.runCtx.Done():
			return
		case <-d.wake:
			d.admit()
		}
	}
}

// admit starts pending tasks until maxConcurrency is reached
func (d *Dispatcher) admit() {
	for {
		if d.runCtx.Err() != nil {
			return
		}
		d.mu.Lock()
		if d.running >= d.cfg.MaxConcurrency {
			d.mu.Unlock()
			return
		}
		e := d.nextPendingLocked()
		if e == nil {
			d.mu.Unlock()
			return
		}
		handler := d.handlers[e.task.Type]
		now := time.Now().UTC()
		if handler == nil {
			e.task.Status = model.TaskStatusFailed
			e.task.ErrorMessage = fmt.Sprintf("no handler registered for task type %s", e.task.Type)
			e.task.CompletedAt = &now
			snapshot := e.task.Clone()
			d.mu.Unlock()
			d.persistTerminal(snapshot)
			continue
		}

		taskCtx, cancel := context.WithCancel(d.runCtx)
		e.cancel = cancel
		e.task.Status = model.TaskStatusRunning
		e.task.StartedAt = &now
		d.running++
		id := e.task.ID
		input := e.task.Clone()
		d.mu.Unlock()

		d.markDirty(id)
		d.taskWG.Add(1)
		go d.run(taskCtx, id, handler, input)
	}
}

// nextPendingLocked picks the lowest priority value, oldest first
func (d *Dispatcher) nextPendingLocked() *entry {
	var best *entry
	for _, e := range d.tasks {
		if e.task.Status != model.TaskStatusPending {
			continue
		}
		if best == nil || before(e.task, best.task) {
			best = e
		}
	}
	return best
}

func before(a, b *model.BackgroundTask) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (d *Dispatcher) run(ctx context.Context, id uuid.UUID, h Handler, task *model.BackgroundTask) {
	defer d.taskWG.Done()
	ctx = logger.WithTraceID(ctx, id.String())
	logger.InfoCtx(ctx, "task %s started", task.Type)

	result, err := d.execute(ctx, h, task)
	d.finish(ctx, id, result, err)
	d.signal()
}

func (d *Dispatcher) execute(ctx context.Context, h Handler, task *model.BackgroundTask) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "task handler panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, task, d.reporter(task.ID))
}

func (d *Dispatcher) finish(ctx context.Context, id uuid.UUID, result []byte, err error) {
	d.mu.Lock()
	e, ok := d.tasks[id]
	if !ok {
		d.running--
		d.mu.Unlock()
		return
	}
	d.running--
	e.cancel()
	e.cancel = nil

	shutdown := d.runCtx.Err() != nil && !e.userCancelled
	if shutdown && err != nil {
		// left Running in the store for the next reconciliation
		delete(d.tasks, id)
		d.mu.Unlock()
		logger.WarnCtx(ctx, "task interrupted by shutdown")
		return
	}

	now := time.Now().UTC()
	e.task.CompletedAt = &now
	switch {
	case e.userCancelled && err != nil:
		e.task.Status = model.TaskStatusFailed
		e.task.ErrorMessage = CancelledMessage
	case err != nil:
		e.task.Status = model.TaskStatusFailed
		e.task.ErrorMessage = status.Error(err)
		if errors.Is(err, context.Canceled) {
			e.task.ErrorMessage = CancelledMessage
		}
	default:
		e.task.Status = model.TaskStatusCompleted
		e.task.Progress = 100
		e.task.ResultJSON = result
	}
	snapshot := e.task.Clone()
	d.mu.Unlock()

	if snapshot.Status == model.TaskStatusCompleted {
		logger.InfoCtx(ctx, "task completed")
	} else {
		logger.WarnCtx(ctx, "task failed: %s", snapshot.ErrorMessage)
	}
	d.persistTerminal(snapshot)
}

// reporter updates progress in memory; the store sees it only when the
// percentage crosses a 25% bucket or reaches 100%.
func (d *Dispatcher) reporter(id uuid.UUID) ProgressReporter {
	return func(p Progress) {
		percent := math.Max(0, math.Min(100, p.Percent))
		if math.IsNaN(percent) {
			percent = 0
		}
		msg := p.Message
		if p.Total > 0 {
			msg = fmt.Sprintf("%s (%d/%d)", p.Message, p.Current, p.Total)
		}

		d.mu.Lock()
		e, ok := d.tasks[id]
		if !ok || e.task.Status != model.TaskStatusRunning {
			d.mu.Unlock()
			return
		}
		e.task.Progress = percent
		e.task.ProgressMessage = msg
		bucket := bucketOf(percent)
		persist := bucket > e.lastBucket
		if persist {
			e.lastBucket = bucket
			e.durableProgress = float64(bucket * 25)
		}
		d.mu.Unlock()

		if persist {
			d.markDirty(id)
		}
	}
}

// bucketOf maps 0..100 onto 0..4 in 25% steps
func bucketOf(percent float64) int {
	return int(math.Floor(percent / 25))
}
