package training

import (
	"context"
	"sync"
	"time"

	"modelforge/internal/model"

	"github.com/google/uuid"
)

const (
	hubSubscriberBuffer = 64
	// hubLastTTL matches the Redis snapshot expiry
	hubLastTTL = time.Hour
)

type snapshot struct {
	progress model.JobProgress
	storedAt time.Time
}

// Hub in-process progress fan-out used when Redis is disabled. It offers
// the same Publish/Last/Subscribe surface as the Redis progress bus,
// snapshot expiry included.
type Hub struct {
	mu        sync.RWMutex
	last      map[uuid.UUID]snapshot
	subs      map[uuid.UUID]map[chan model.JobProgress]struct{}
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		last: make(map[uuid.UUID]snapshot),
		subs: make(map[uuid.UUID]map[chan model.JobProgress]struct{}),
		ttl:  hubLastTTL,
		now:  time.Now,
	}
}

// Publish stores p as the job's last snapshot and delivers it to
// subscribers. Slow subscribers miss messages.
func (h *Hub) Publish(ctx context.Context, p model.JobProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.last[p.JobID] = snapshot{progress: p, storedAt: now}
	h.sweepLocked(now)
	for ch := range h.subs[p.JobID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// Last returns the latest snapshot of a job, or nil
func (h *Hub) Last(ctx context.Context, jobID uuid.UUID) (*model.JobProgress, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.last[jobID]
	if !ok || h.now().Sub(s.storedAt) > h.ttl {
		return nil, nil
	}
	p := s.progress
	return &p, nil
}

// sweepLocked drops expired snapshots, at most once per ttl
func (h *Hub) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < h.ttl {
		return
	}
	h.lastSweep = now
	for id, s := range h.last {
		if now.Sub(s.storedAt) > h.ttl {
			delete(h.last, id)
		}
	}
}

// Subscribe streams progress of one job until ctx is done or stop is called
func (h *Hub) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan model.JobProgress, func(), error) {
	ch := make(chan model.JobProgress, hubSubscriberBuffer)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan model.JobProgress]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(stopped)
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()
	return ch, stop, nil
}
