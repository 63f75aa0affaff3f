// Package capacity admits training jobs against named resource containers
// and queues.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/hardware"
	"modelforge/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Store persists container and queue definitions
type Store interface {
	ListContainers(ctx context.Context) ([]*model.Container, error)
	CreateContainer(ctx context.Context, c *model.Container) error
	UpdateContainer(ctx context.Context, c *model.Container) error
	DeleteContainer(ctx context.Context, id uuid.UUID) error

	ListQueues(ctx context.Context) ([]*model.Queue, error)
	CreateQueue(ctx context.Context, q *model.Queue) error
	UpdateQueue(ctx context.Context, q *model.Queue) error
	DeleteQueue(ctx context.Context, id uuid.UUID) error
}

type containerEntry struct {
	def  model.Container
	pool *slotPool
}

type queueEntry struct {
	def  model.Queue
	pool *slotPool
}

// Manager runtime registry of containers and queues
type Manager struct {
	store               Store
	defaultQueueMaxJobs int

	mu         sync.RWMutex
	containers map[uuid.UUID]*containerEntry
	queues     map[uuid.UUID]*queueEntry
}

// NewManager creates an empty manager. Call Load and EnsureDefault before use.
func NewManager(store Store, defaultQueueMaxJobs int) *Manager {
	if defaultQueueMaxJobs <= 0 {
		defaultQueueMaxJobs = 1
	}
	return &Manager{
		store:               store,
		defaultQueueMaxJobs: defaultQueueMaxJobs,
		containers:          make(map[uuid.UUID]*containerEntry),
		queues:              make(map[uuid.UUID]*queueEntry),
	}
}

// slotsFor RAM containers carry a byte capacity but admit through a single
// slot; byte accounting is left to the trainer.
func slotsFor(c *model.Container) int {
	if c.Type == model.ContainerTypeRAM {
		return 1
	}
	return int(c.MaxCapacity)
}

// Load reads all definitions from the store, replacing the registry.
func (m *Manager) Load(ctx context.Context) error {
	containers, err := m.store.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load containers: %w", err)
	}
	queues, err := m.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queues: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers = make(map[uuid.UUID]*containerEntry, len(containers))
	for _, c := range containers {
		m.containers[c.ID] = &containerEntry{def: *c, pool: newSlotPool(slotsFor(c))}
	}
	m.queues = make(map[uuid.UUID]*queueEntry, len(queues))
	for _, q := range queues {
		m.queues[q.ID] = &queueEntry{def: *q, pool: newSlotPool(q.MaxConcurrentJobs)}
	}
	logger.InfoCtx(ctx, "loaded %d containers and %d queues", len(containers), len(queues))
	return nil
}

// EnsureDefault creates the default CPU, GPU and RAM containers and the
// default queue from detected hardware if they do not exist. Idempotent.
func (m *Manager) EnsureDefault(ctx context.Context, hw hardware.Info) (*model.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defaults := map[model.ContainerType]*model.Container{}
	for _, e := range m.containers {
		if e.def.IsDefault {
			c := e.def
			defaults[c.Type] = &c
		}
	}

	wanted := []struct {
		typ      model.ContainerType
		name     string
		capacity int64
	}{
		{model.ContainerTypeCPU, "default-cpu", int64(max(hw.LogicalCPUs, 1))},
		{model.ContainerTypeGPU, "default-gpu", int64(hw.GPUCount())},
		{model.ContainerTypeRAM, "default-ram", int64(hw.TotalMemory)},
	}
	now := time.Now().UTC()
	for _, w := range wanted {
		if defaults[w.typ] != nil {
			continue
		}
		c := &model.Container{
			ID:          uuid.New(),
			Name:        w.name,
			Type:        w.typ,
			MaxCapacity: w.capacity,
			IsDefault:   true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.store.CreateContainer(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to create default %s container: %w", w.typ, err)
		}
		m.containers[c.ID] = &containerEntry{def: *c, pool: newSlotPool(slotsFor(c))}
		defaults[w.typ] = c
		logger.InfoCtx(ctx, "created default %s container %s with capacity %s", w.typ, c.ID, displayCapacity(c))
	}

	for _, e := range m.queues {
		if e.def.IsDefault {
			q := e.def
			return &q, nil
		}
	}

	q := &model.Queue{
		ID:                uuid.New(),
		Name:              "default",
		CPUContainerID:    defaults[model.ContainerTypeCPU].ID,
		GPUContainerID:    defaults[model.ContainerTypeGPU].ID,
		RAMContainerID:    model.Ptr(defaults[model.ContainerTypeRAM].ID),
		MaxConcurrentJobs: m.defaultQueueMaxJobs,
		IsDefault:         true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.store.CreateQueue(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to create default queue: %w", err)
	}
	m.queues[q.ID] = &queueEntry{def: *q, pool: newSlotPool(q.MaxConcurrentJobs)}
	logger.InfoCtx(ctx, "created default queue %s (maxConcurrentJobs=%d)", q.ID, q.MaxConcurrentJobs)
	out := *q
	return &out, nil
}

func displayCapacity(c *model.Container) string {
	switch c.Type {
	case model.ContainerTypeRAM:
		return humanize.Bytes(uint64(c.MaxCapacity))
	case model.ContainerTypeGPU:
		return fmt.Sprintf("%d GPUs", c.MaxCapacity)
	default:
		return fmt.Sprintf("%d cores", c.MaxCapacity)
	}
}

func validateContainer(c *model.Container) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: container name is required", model.ErrInvalidArgument)
	}
	switch c.Type {
	case model.ContainerTypeCPU, model.ContainerTypeRAM:
		if c.MaxCapacity < 1 {
			return fmt.Errorf("%w: %s container capacity must be >= 1", model.ErrInvalidArgument, c.Type)
		}
	case model.ContainerTypeGPU:
		if c.MaxCapacity < 0 {
			return fmt.Errorf("%w: GPU container capacity must be >= 0", model.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown container type %d", model.ErrInvalidArgument, c.Type)
	}
	return nil
}

// CreateContainer registers a non-default container.
func (m *Manager) CreateContainer(ctx context.Context, c *model.Container) (*model.Container, error) {
	if err := validateContainer(c); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	created := *c
	created.ID = uuid.New()
	created.IsDefault = false
	created.CreatedAt, created.UpdatedAt = now, now

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.CreateContainer(ctx, &created); err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	m.containers[created.ID] = &containerEntry{def: created, pool: newSlotPool(slotsFor(&created))}
	return &created, nil
}

// UpdateContainer renames or resizes a container. Capacity edits apply to
// the next acquisition; holders are not evicted.
func (m *Manager) UpdateContainer(ctx context.Context, id uuid.UUID, name string, maxCapacity int64) (*model.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", model.ErrNotFound, id)
	}
	updated := e.def
	if name != "" {
		updated.Name = name
	}
	updated.MaxCapacity = maxCapacity
	if err := validateContainer(&updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateContainer(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update container: %w", err)
	}
	e.def = updated
	e.pool.setCapacity(slotsFor(&updated))
	return &updated, nil
}

// DeleteContainer removes a container that is not default, holds no slots
// and is not used by a queue.
func (m *Manager) DeleteContainer(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", model.ErrNotFound, id)
	}
	if e.def.IsDefault {
		return fmt.Errorf("%w: default container cannot be deleted", model.ErrConflict)
	}
	if e.pool.busy() {
		return fmt.Errorf("%w: container %s has active holders", model.ErrConflict, id)
	}
	for _, q := range m.queues {
		if q.def.CPUContainerID == id || q.def.GPUContainerID == id || (q.def.RAMContainerID != nil && *q.def.RAMContainerID == id) {
			return fmt.Errorf("%w: container %s is used by queue %s", model.ErrConflict, id, q.def.Name)
		}
	}
	if err := m.store.DeleteContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	delete(m.containers, id)
	return nil
}

// GetContainer returns the runtime view of a container.
func (m *Manager) GetContainer(id uuid.UUID) (*model.ContainerStatus, error) {
	m.mu.RLock()
	e, ok := m.containers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: container %s", model.ErrNotFound, id)
	}
	return containerStatus(e), nil
}

// ListContainers returns all containers ordered by name.
func (m *Manager) ListContainers() []*model.ContainerStatus {
	m.mu.RLock()
	entries := make([]*containerEntry, 0, len(m.containers))
	for _, e := range m.containers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*model.ContainerStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, containerStatus(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func containerStatus(e *containerEntry) *model.ContainerStatus {
	held, queued := e.pool.snapshot()
	def := e.def
	return &model.ContainerStatus{
		Container:       def,
		CapacityDisplay: displayCapacity(&def),
		Held:            held,
		Queued:          queued,
	}
}

func (m *Manager) container(id uuid.UUID) (*containerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", model.ErrNotFound, id)
	}
	return e, nil
}

// ContainerTryAcquire takes a container slot without waiting.
func (m *Manager) ContainerTryAcquire(id, jobID uuid.UUID) (bool, error) {
	e, err := m.container(id)
	if err != nil {
		return false, err
	}
	return e.pool.tryAcquire(jobID), nil
}

// ContainerAcquire waits for a container slot; the caller is visible as
// queued until granted or cancelled.
func (m *Manager) ContainerAcquire(ctx context.Context, id, jobID uuid.UUID) error {
	e, err := m.container(id)
	if err != nil {
		return err
	}
	return e.pool.acquire(ctx, jobID)
}

// ContainerRelease frees a container slot. Unknown ids are a no-op.
func (m *Manager) ContainerRelease(id, jobID uuid.UUID) {
	if e, err := m.container(id); err == nil {
		e.pool.release(jobID)
	}
}

type containerRef struct {
	id  uuid.UUID
	typ model.ContainerType
}

// validateQueueLocked checks the queue bounds and that every referenced
// container exists with the right kind. The RAM container is optional.
func (m *Manager) validateQueueLocked(q *model.Queue) error {
	if strings.TrimSpace(q.Name) == "" {
		return fmt.Errorf("%w: queue name is required", model.ErrInvalidArgument)
	}
	if q.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: maxConcurrentJobs must be >= 1", model.ErrInvalidArgument)
	}
	if q.MaxJobDuration < 0 || q.MaxQueueWaitTime < 0 {
		return fmt.Errorf("%w: durations must not be negative", model.ErrInvalidArgument)
	}
	refs := []containerRef{
		{q.CPUContainerID, model.ContainerTypeCPU},
		{q.GPUContainerID, model.ContainerTypeGPU},
	}
	if q.RAMContainerID != nil {
		refs = append(refs, containerRef{*q.RAMContainerID, model.ContainerTypeRAM})
	}
	for _, ref := range refs {
		e, ok := m.containers[ref.id]
		if !ok {
			return fmt.Errorf("%w: %s container %s does not exist", model.ErrInvalidArgument, ref.typ, ref.id)
		}
		if e.def.Type != ref.typ {
			return fmt.Errorf("%w: container %s is %s, expected %s", model.ErrInvalidArgument, ref.id, e.def.Type, ref.typ)
		}
	}
	return nil
}

// CreateQueue registers a non-default queue.
func (m *Manager) CreateQueue(ctx context.Context, q *model.Queue) (*model.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.validateQueueLocked(q); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	created := *q
	created.ID = uuid.New()
	created.IsDefault = false
	created.CreatedAt, created.UpdatedAt = now, now
	if err := m.store.CreateQueue(ctx, &created); err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	m.queues[created.ID] = &queueEntry{def: created, pool: newSlotPool(created.MaxConcurrentJobs)}
	return &created, nil
}

// UpdateQueue replaces a queue's settings. A smaller maxConcurrentJobs
// applies to the next acquisition.
func (m *Manager) UpdateQueue(ctx context.Context, id uuid.UUID, q *model.Queue) (*model.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", model.ErrNotFound, id)
	}
	updated := *q
	updated.ID = id
	updated.IsDefault = e.def.IsDefault
	updated.CreatedAt = e.def.CreatedAt
	if err := m.validateQueueLocked(&updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateQueue(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update queue: %w", err)
	}
	e.def = updated
	e.pool.setCapacity(updated.MaxConcurrentJobs)
	return &updated, nil
}

// DeleteQueue removes an idle non-default queue.
func (m *Manager) DeleteQueue(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queues[id]
	if !ok {
		return fmt.Errorf("%w: queue %s", model.ErrNotFound, id)
	}
	if e.def.IsDefault {
		return fmt.Errorf("%w: default queue cannot be deleted", model.ErrConflict)
	}
	if e.pool.busy() {
		return fmt.Errorf("%w: queue %s has running or waiting jobs", model.ErrConflict, id)
	}
	if err := m.store.DeleteQueue(ctx, id); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	delete(m.queues, id)
	return nil
}

// GetQueue returns the runtime view of a queue.
func (m *Manager) GetQueue(id uuid.UUID) (*model.QueueStatus, error) {
	e, err := m.queue(id)
	if err != nil {
		return nil, err
	}
	return queueStatus(e), nil
}

// ListQueues returns all queues ordered by name.
func (m *Manager) ListQueues() []*model.QueueStatus {
	m.mu.RLock()
	entries := make([]*queueEntry, 0, len(m.queues))
	for _, e := range m.queues {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*model.QueueStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, queueStatus(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func queueStatus(e *queueEntry) *model.QueueStatus {
	held, queued := e.pool.snapshot()
	return &model.QueueStatus{Queue: e.def, Held: held, Queued: queued}
}

// ResolveQueue returns the queue with the given id, or the default queue
// when id is nil.
func (m *Manager) ResolveQueue(id *uuid.UUID) (*model.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id != nil {
		e, ok := m.queues[*id]
		if !ok {
			return nil, fmt.Errorf("%w: queue %s", model.ErrNotFound, *id)
		}
		q := e.def
		return &q, nil
	}
	for _, e := range m.queues {
		if e.def.IsDefault {
			q := e.def
			return &q, nil
		}
	}
	return nil, fmt.Errorf("%w: no default queue configured", model.ErrNotFound)
}

func (m *Manager) queue(id uuid.UUID) (*queueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", model.ErrNotFound, id)
	}
	return e, nil
}

// QueueTryAcquire takes a queue slot without waiting.
func (m *Manager) QueueTryAcquire(id, jobID uuid.UUID) (bool, error) {
	e, err := m.queue(id)
	if err != nil {
		return false, err
	}
	return e.pool.tryAcquire(jobID), nil
}

// QueueAcquire waits for a queue slot. When the queue sets a
// maxQueueWaitTime, waiting longer fails with ErrResourceUnavailable.
func (m *Manager) QueueAcquire(ctx context.Context, id, jobID uuid.UUID) error {
	e, err := m.queue(id)
	if err != nil {
		return err
	}
	m.mu.RLock()
	maxWait := e.def.MaxQueueWaitTime
	m.mu.RUnlock()

	if maxWait <= 0 {
		return e.pool.acquire(ctx, jobID)
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	err = e.pool.acquire(waitCtx, jobID)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waited longer than %v for queue %s", model.ErrResourceUnavailable, maxWait, e.def.Name)
	}
	return err
}

// QueueRelease frees a queue slot. Unknown ids are a no-op.
func (m *Manager) QueueRelease(id, jobID uuid.UUID) {
	if e, err := m.queue(id); err == nil {
		e.pool.release(jobID)
	}
}
