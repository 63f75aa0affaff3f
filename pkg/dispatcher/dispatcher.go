// Package dispatcher runs durable background tasks (dataset ingestion, model
// tests) with priority ordering, bounded concurrency and write-behind
// persistence.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/config"
	"modelforge/pkg/logger"

	"github.com/google/uuid"
)

// CancelledMessage is the error message of a task cancelled while running
const CancelledMessage = "Task was cancelled"

// Progress reported by a handler. Percent is 0..100.
type Progress struct {
	Percent float64
	Current int64
	Total   int64
	Message string
}

// ProgressReporter is passed to handlers. Safe to call from any goroutine.
type ProgressReporter func(Progress)

// Handler executes one task type. Implementations must return promptly
// once ctx is cancelled.
type Handler interface {
	Execute(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
	return f(ctx, task, report)
}

// CancelHook is implemented by handlers whose tasks drive another entity.
// OnCancel runs when a task is cancelled before its handler started, so the
// entity is not left waiting on work that will never happen.
type CancelHook interface {
	OnCancel(ctx context.Context, task *model.BackgroundTask)
}

// WithCancelHook attaches onCancel to fn
func WithCancelHook(fn HandlerFunc, onCancel func(ctx context.Context, task *model.BackgroundTask)) Handler {
	return &hookedHandler{HandlerFunc: fn, onCancel: onCancel}
}

type hookedHandler struct {
	HandlerFunc
	onCancel func(ctx context.Context, task *model.BackgroundTask)
}

// OnCancel implements CancelHook
func (h *hookedHandler) OnCancel(ctx context.Context, task *model.BackgroundTask) {
	h.onCancel(ctx, task)
}

// Store is the durable record of tasks
type Store interface {
	Create(ctx context.Context, task *model.BackgroundTask) error
	Get(ctx context.Context, id uuid.UUID) (*model.BackgroundTask, error)
	UpsertBatch(ctx context.Context, tasks []*model.BackgroundTask) error
	// ListForRecovery returns tasks created after since plus every
	// non-terminal task.
	ListForRecovery(ctx context.Context, since time.Time) ([]*model.BackgroundTask, error)
	List(ctx context.Context, filter model.TaskFilter) ([]*model.BackgroundTask, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// EnqueueRequest describes a new task
type EnqueueRequest struct {
	Type            model.TaskType
	Priority        int
	Parameters      interface{}
	RelatedEntityID *uuid.UUID
}

// Stats in-memory counters
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

type entry struct {
	task          *model.BackgroundTask
	cancel        context.CancelFunc
	userCancelled bool
	lastBucket    int
	// durableProgress is the last 25% step, the only progress value written
	durableProgress float64
}

// Dispatcher owns the active task set. Memory is authoritative for tasks it
// holds; the store catches up through the write-behind queue.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	store    Store
	handlers map[model.TaskType]Handler

	mu      sync.Mutex
	tasks   map[uuid.UUID]*entry
	running int

	wake     chan struct{}
	dirty    chan uuid.UUID
	queued   sync.Map // ids currently in dirty
	writeMu  sync.Mutex
	flushReq chan chan struct{}

	runCtx     context.Context
	runCancel  context.CancelFunc
	writerStop chan struct{}
	writerDone chan struct{}
	taskWG     sync.WaitGroup
	loopWG     sync.WaitGroup
	started    bool
	stopped    bool
}

// New creates a dispatcher. Register handlers before Start.
func New(store Store, cfg config.DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = config.DefaultMaxConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = config.DefaultBatchWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = config.DefaultRetryDelay
	}
	if cfg.ReconcileLookback <= 0 {
		cfg.ReconcileLookback = config.DefaultReconcileLookback
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		handlers:   make(map[model.TaskType]Handler),
		tasks:      make(map[uuid.UUID]*entry),
		wake:       make(chan struct{}, 1),
		dirty:      make(chan uuid.UUID, 4096),
		flushReq:   make(chan chan struct{}),
		writerStop: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Register binds a handler to a task type
func (d *Dispatcher) Register(taskType model.TaskType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[taskType] = h
}

// Start reconciles persisted tasks and launches the scheduler and the
// persistence writer.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	go d.writeLoop()
	if err := d.reconcile(ctx); err != nil {
		return err
	}

	d.loopWG.Add(1)
	go d.processLoop()
	d.signal()
	logger.InfoCtx(ctx, "task dispatcher started (maxConcurrency=%d)", d.cfg.MaxConcurrency)
	return nil
}

// reconcile demotes Running tasks to Pending and loads every resumable task.
func (d *Dispatcher) reconcile(ctx context.Context) error {
	tasks, err := d.store.ListForRecovery(ctx, time.Now().Add(-d.cfg.ReconcileLookback))
	if err != nil {
		return fmt.Errorf("failed to load tasks for recovery: %w", err)
	}

	var demoted []uuid.UUID
	pending := 0
	d.mu.Lock()
	for _, t := range tasks {
		switch t.Status {
		case model.TaskStatusRunning:
			t.Status = model.TaskStatusPending
			t.StartedAt = nil
			demoted = append(demoted, t.ID)
		case model.TaskStatusPending:
		default:
			continue
		}
		pending++
		d.tasks[t.ID] = &entry{task: t, lastBucket: bucketOf(t.Progress), durableProgress: t.Progress}
	}
	d.mu.Unlock()

	for _, id := range demoted {
		d.markDirty(id)
	}
	if pending > 0 {
		logger.InfoCtx(ctx, "recovered %d pending tasks (%d were running)", pending, len(demoted))
	}
	return nil
}

// Stop cancels running handlers and waits for them, then flushes the
// write-behind queue. Running tasks interrupted here stay Running in the
// store and are recovered on the next Start.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.runCancel()
	d.loopWG.Wait()
	d.taskWG.Wait()

	close(d.writerStop)
	select {
	case <-d.writerDone:
	case <-ctx.Done():
		logger.WarnCtx(ctx, "dispatcher writer did not finish before shutdown deadline")
	}
	logger.InfoCtx(ctx, "task dispatcher stopped")
}

// Wait blocks until running handlers exit
func (d *Dispatcher) Wait() {
	d.taskWG.Wait()
}

// Enqueue persists a new Pending task and signals the scheduler
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*model.BackgroundTask, error) {
	d.mu.Lock()
	_, ok := d.handlers[req.Type]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for task type %s", model.ErrInvalidArgument, req.Type)
	}

	var params json.RawMessage
	switch p := req.Parameters.(type) {
	case nil:
	case json.RawMessage:
		params = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode parameters: %v", model.ErrInvalidArgument, err)
		}
		params = data
	}

	task := &model.BackgroundTask{
		ID:              uuid.New(),
		Type:            req.Type,
		Status:          model.TaskStatusPending,
		Priority:        req.Priority,
		ParametersJSON:  params,
		RelatedEntityID: req.RelatedEntityID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := d.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	d.mu.Lock()
	d.tasks[task.ID] = &entry{task: task}
	out := task.Clone()
	d.mu.Unlock()

	logger.InfoCtx(ctx, "enqueued %s task %s (priority=%d)", task.Type, task.ID, task.Priority)
	d.signal()
	return out, nil
}

// Get returns the in-memory view when the task is active, otherwise the
// stored record.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*model.BackgroundTask, error) {
	d.mu.Lock()
	if e, ok := d.tasks[id]; ok {
		t := e.task.Clone()
		d.mu.Unlock()
		return t, nil
	}
	d.mu.Unlock()

	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotFound, id)
	}
	return t, nil
}

// List queries the store and overlays fresher in-memory state
func (d *Dispatcher) List(ctx context.Context, filter model.TaskFilter) ([]*model.BackgroundTask, error) {
	tasks, err := d.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := tasks[:0]
	for _, t := range tasks {
		if e, ok := d.tasks[t.ID]; ok {
			t = e.task.Clone()
			if filter.Status != nil && t.Status != *filter.Status {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// Cancel stops a task. A Pending task becomes Cancelled and its handler's
// CancelHook runs; a Running task is signalled and ends Failed. Returns false when the task is already
// terminal.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	d.mu.Lock()
	e, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		t, err := d.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if t == nil {
			return false, fmt.Errorf("%w: task %s", model.ErrNotFound, id)
		}
		return false, nil
	}

	switch e.task.Status {
	case model.TaskStatusPending:
		now := time.Now().UTC()
		e.task.Status = model.TaskStatusCancelled
		e.task.CompletedAt = &now
		snapshot := e.task.Clone()
		h := d.handlers[snapshot.Type]
		d.mu.Unlock()
		logger.InfoCtx(ctx, "cancelled pending task %s", id)
		d.persistTerminal(snapshot)
		if hook, ok := h.(CancelHook); ok {
			hook.OnCancel(context.WithoutCancel(ctx), snapshot)
		}
		return true, nil
	case model.TaskStatusRunning:
		e.userCancelled = true
		cancel := e.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		logger.InfoCtx(ctx, "cancellation requested for running task %s", id)
		return true, nil
	default:
		d.mu.Unlock()
		return false, nil
	}
}

// Prune deletes terminal tasks completed before the cutoff
func (d *Dispatcher) Prune(ctx context.Context, before time.Time) (int64, error) {
	return d.store.DeleteTerminalBefore(ctx, before)
}

// Stats returns in-memory counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Running: d.running}
	for _, e := range d.tasks {
		if e.task.Status == model.TaskStatusPending {
			s.Pending++
		}
	}
	return s
}

// signal wakes the scheduler; multiple signals coalesce
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
