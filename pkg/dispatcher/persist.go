package dispatcher

import (
	"context"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"

	"github.com/google/uuid"
)

// markDirty queues id for the writer once until it is drained. Must not be
// called while holding d.mu.
func (d *Dispatcher) markDirty(id uuid.UUID) {
	if _, loaded := d.queued.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	d.dirty <- id
}

// persistTerminal writes a terminal transition immediately. On failure the
// write-behind queue takes over.
func (d *Dispatcher) persistTerminal(task *model.BackgroundTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.writeMu.Lock()
	err := d.store.UpsertBatch(ctx, []*model.BackgroundTask{task})
	d.writeMu.Unlock()
	if err != nil {
		logger.ErrorCtx(ctx, "failed to persist terminal task %s, deferring: %v", task.ID, err)
		d.markDirty(task.ID)
		return
	}
	d.evictTerminal([]*model.BackgroundTask{task})
}

// evictTerminal drops persisted terminal tasks from memory
func (d *Dispatcher) evictTerminal(persisted []*model.BackgroundTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range persisted {
		if !t.Status.IsTerminal() {
			continue
		}
		if e, ok := d.tasks[t.ID]; ok && e.task.Status == t.Status {
			delete(d.tasks, t.ID)
		}
	}
}

// writeLoop drains dirty ids in batches of BatchSize or after BatchWindow,
// whichever comes first.
func (d *Dispatcher) writeLoop() {
	defer close(d.writerDone)
	for {
		var batch []uuid.UUID
		select {
		case <-d.writerStop:
			d.drainAll()
			return
		case done := <-d.flushReq:
			d.drainAll()
			close(done)
			continue
		case id := <-d.dirty:
			batch = append(batch, id)
		}

		timer := time.NewTimer(d.cfg.BatchWindow)
	collect:
		for len(batch) < d.cfg.BatchSize {
			select {
			case id := <-d.dirty:
				batch = append(batch, id)
			case <-timer.C:
				break collect
			case <-d.writerStop:
				break collect
			}
		}
		timer.Stop()
		d.persistBatch(batch)
	}
}

// drainAll persists everything currently queued
func (d *Dispatcher) drainAll() {
	for {
		var batch []uuid.UUID
	fill:
		for len(batch) < d.cfg.BatchSize {
			select {
			case id := <-d.dirty:
				batch = append(batch, id)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return
		}
		d.persistBatch(batch)
	}
}

// persistBatch upserts the latest in-memory state of ids in one call,
// retrying after RetryDelay until it succeeds or the writer is stopping.
func (d *Dispatcher) persistBatch(ids []uuid.UUID) {
	for _, id := range ids {
		d.queued.Delete(id)
	}

	for attempt := 1; ; attempt++ {
		// snapshot and write under writeMu so an older state never lands
		// after a terminal one
		d.writeMu.Lock()
		snapshot := d.snapshot(ids)
		if len(snapshot) == 0 {
			d.writeMu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := d.store.UpsertBatch(ctx, snapshot)
		cancel()
		d.writeMu.Unlock()
		if err == nil {
			d.evictTerminal(snapshot)
			return
		}
		logger.ErrorCtx(ctx, "failed to persist %d tasks (attempt %d): %v", len(snapshot), attempt, err)

		select {
		case <-d.writerStop:
			if attempt >= 3 {
				logger.ErrorCtx(ctx, "giving up on %d task updates at shutdown", len(snapshot))
				return
			}
			time.Sleep(d.cfg.RetryDelay)
		case <-time.After(d.cfg.RetryDelay):
		}
	}
}

func (d *Dispatcher) snapshot(ids []uuid.UUID) []*model.BackgroundTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*model.BackgroundTask, 0, len(ids))
	for _, id := range ids {
		if e, ok := d.tasks[id]; ok {
			t := e.task.Clone()
			if !t.Status.IsTerminal() {
				t.Progress = e.durableProgress
			}
			out = append(out, t)
		}
	}
	return out
}

// Flush blocks until every queued mutation has been written
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case d.flushReq <- done:
	case <-d.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
