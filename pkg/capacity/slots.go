package capacity

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"modelforge/internal/model"

	"github.com/google/uuid"
)

// slotPool is a counting semaphore keyed by job id with a resizable
// capacity and FIFO waiters.
type slotPool struct {
	mu       sync.Mutex
	capacity int
	held     map[uuid.UUID]time.Time
	waiters  *list.List // *slotWaiter, oldest first
	waiting  map[uuid.UUID]*list.Element
}

type slotWaiter struct {
	jobID uuid.UUID
	since time.Time
	ready chan struct{}
}

func newSlotPool(capacity int) *slotPool {
	return &slotPool{
		capacity: capacity,
		held:     make(map[uuid.UUID]time.Time),
		waiters:  list.New(),
		waiting:  make(map[uuid.UUID]*list.Element),
	}
}

// tryAcquire takes a slot without waiting. Holding twice is idempotent.
// Waiters are never overtaken.
func (p *slotPool) tryAcquire(jobID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[jobID]; ok {
		return true
	}
	if len(p.held) < p.capacity && p.waiters.Len() == 0 {
		p.held[jobID] = time.Now()
		return true
	}
	return false
}

// acquire blocks until a slot is granted or ctx is done. A cancelled waiter
// leaves the queue; a slot granted concurrently with cancellation is
// handed on.
func (p *slotPool) acquire(ctx context.Context, jobID uuid.UUID) error {
	p.mu.Lock()
	if _, ok := p.held[jobID]; ok {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.waiting[jobID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: job %s is already waiting for a slot", model.ErrConflict, jobID)
	}
	if len(p.held) < p.capacity && p.waiters.Len() == 0 {
		p.held[jobID] = time.Now()
		p.mu.Unlock()
		return nil
	}
	w := &slotWaiter{jobID: jobID, since: time.Now(), ready: make(chan struct{})}
	p.waiting[jobID] = p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if elem, ok := p.waiting[jobID]; ok && elem.Value.(*slotWaiter) == w {
		p.waiters.Remove(elem)
		delete(p.waiting, jobID)
		p.mu.Unlock()
		return ctx.Err()
	}
	p.mu.Unlock()

	// granted while cancelling
	p.release(jobID)
	return ctx.Err()
}

// release frees the job's slot. Unknown ids are a no-op.
func (p *slotPool) release(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[jobID]; !ok {
		return
	}
	delete(p.held, jobID)
	p.grantLocked()
}

// setCapacity applies to the next grant; current holders are kept.
func (p *slotPool) setCapacity(capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = capacity
	p.grantLocked()
}

func (p *slotPool) grantLocked() {
	for p.waiters.Len() > 0 && len(p.held) < p.capacity {
		front := p.waiters.Front()
		w := p.waiters.Remove(front).(*slotWaiter)
		delete(p.waiting, w.jobID)
		p.held[w.jobID] = time.Now()
		close(w.ready)
	}
}

func (p *slotPool) heldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

func (p *slotPool) busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held) > 0 || p.waiters.Len() > 0
}

// snapshot returns holders and waiters ordered by time.
func (p *slotPool) snapshot() (held, queued []model.SlotHolder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held = make([]model.SlotHolder, 0, len(p.held))
	for id, since := range p.held {
		held = append(held, model.SlotHolder{JobID: id, Since: since})
	}
	sort.Slice(held, func(i, j int) bool { return held[i].Since.Before(held[j].Since) })

	queued = make([]model.SlotHolder, 0, p.waiters.Len())
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*slotWaiter)
		queued = append(queued, model.SlotHolder{JobID: w.jobID, Since: w.since})
	}
	return held, queued
}
