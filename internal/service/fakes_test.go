package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/dispatcher"
	"modelforge/pkg/marketdata"

	"github.com/google/uuid"
)

type fakeDatasetRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.Dataset
}

func newFakeDatasetRepo() *fakeDatasetRepo {
	return &fakeDatasetRepo{items: make(map[uuid.UUID]*model.Dataset)}
}

func (r *fakeDatasetRepo) Create(ctx context.Context, d *model.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *d
	r.items[d.ID] = &c
	return nil
}

func (r *fakeDatasetRepo) Get(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, model.ErrNotFound)
	}
	c := *d
	return &c, nil
}

func (r *fakeDatasetRepo) List(ctx context.Context) ([]*model.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Dataset, 0, len(r.items))
	for _, d := range r.items {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (r *fakeDatasetRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DatasetStatus, recordCount int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return model.ErrNotFound
	}
	d.Status, d.RecordCount, d.ErrorMessage = status, recordCount, errMsg
	return nil
}

func (r *fakeDatasetRepo) SetIngestionTask(ctx context.Context, id, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.items[id]; ok {
		d.IngestionTaskID = &taskID
	}
	return nil
}

func (r *fakeDatasetRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

type fakeConfigRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.Configuration
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{items: make(map[uuid.UUID]*model.Configuration)}
}

func (r *fakeConfigRepo) Create(ctx context.Context, c *model.Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.items[c.ID] = &cp
	return nil
}

func (r *fakeConfigRepo) Get(ctx context.Context, id uuid.UUID) (*model.Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("configuration %s: %w", id, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeConfigRepo) List(ctx context.Context) ([]*model.Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Configuration, 0, len(r.items))
	for _, c := range r.items {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeConfigRepo) Update(ctx context.Context, c *model.Configuration) error {
	return r.Create(ctx, c)
}

func (r *fakeConfigRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

func (r *fakeConfigRepo) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, c := range r.items {
		if c.DatasetID == datasetID {
			n++
		}
	}
	return n, nil
}

type fakeJobRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{items: make(map[uuid.UUID]*model.Job)}
}

func (r *fakeJobRepo) put(j *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *j
	r.items[j.ID] = &c
}

func (r *fakeJobRepo) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	c := *j
	return &c, nil
}

func (r *fakeJobRepo) CountActiveByConfiguration(ctx context.Context, configurationID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, j := range r.items {
		if j.ConfigurationID == configurationID && !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, j := range r.items {
		if j.DatasetID == datasetID {
			n++
		}
	}
	return n, nil
}

type fakeModelTestRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.ModelTest
}

func newFakeModelTestRepo() *fakeModelTestRepo {
	return &fakeModelTestRepo{items: make(map[uuid.UUID]*model.ModelTest)}
}

func (r *fakeModelTestRepo) Create(ctx context.Context, t *model.ModelTest) error {
	return r.Save(ctx, t)
}

func (r *fakeModelTestRepo) Get(ctx context.Context, id uuid.UUID) (*model.ModelTest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("model test %s: %w", id, model.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (r *fakeModelTestRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.ModelTest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.ModelTest
	for _, t := range r.items {
		if t.JobID == jobID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeModelTestRepo) Save(ctx context.Context, t *model.ModelTest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	r.items[t.ID] = &c
	return nil
}

func (r *fakeModelTestRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("model test %s: %w", id, model.ErrNotFound)
	}
	delete(r.items, id)
	return nil
}

func (r *fakeModelTestRepo) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, t := range r.items {
		if t.DatasetID == datasetID {
			n++
		}
	}
	return n, nil
}

type fakeCandles struct {
	mu    sync.RWMutex
	items map[uuid.UUID][]model.Candle
}

func newFakeCandles() *fakeCandles {
	return &fakeCandles{items: make(map[uuid.UUID][]model.Candle)}
}

func (c *fakeCandles) Save(ctx context.Context, id uuid.UUID, candles []model.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = append([]model.Candle(nil), candles...)
	return nil
}

func (c *fakeCandles) Load(ctx context.Context, id uuid.UUID) ([]model.Candle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Candle(nil), c.items[id]...), nil
}

func (c *fakeCandles) Count(ctx context.Context, id uuid.UUID) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.items[id])), nil
}

func (c *fakeCandles) Delete(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

type fakeSource struct {
	candles []model.Candle
	err     error
}

func (s *fakeSource) FetchCandles(ctx context.Context, req marketdata.Request) ([]model.Candle, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Candle
	for _, c := range s.candles {
		if !c.OpenTime.Before(req.Start) && c.OpenTime.Before(req.End) {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeTaskQueue records enqueued tasks without running them
type fakeTaskQueue struct {
	mu        sync.Mutex
	tasks     []*model.BackgroundTask
	cancelled []uuid.UUID
}

func (q *fakeTaskQueue) Enqueue(ctx context.Context, req dispatcher.EnqueueRequest) (*model.BackgroundTask, error) {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, err
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
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return task.Clone(), nil
}

func (q *fakeTaskQueue) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return true, nil
}

func (q *fakeTaskQueue) last() *model.BackgroundTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[len(q.tasks)-1]
}

type fakeQueues struct {
	ids map[uuid.UUID]bool
}

func (f *fakeQueues) ResolveQueue(id *uuid.UUID) (*model.Queue, error) {
	if id == nil {
		return &model.Queue{ID: uuid.New(), IsDefault: true}, nil
	}
	if !f.ids[*id] {
		return nil, model.ErrNotFound
	}
	return &model.Queue{ID: *id}, nil
}

// memTaskStore minimal dispatcher.Store for tests that run a real dispatcher
type memTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*model.BackgroundTask
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]*model.BackgroundTask)}
}

func (s *memTaskStore) Create(ctx context.Context, task *model.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *memTaskStore) Get(ctx context.Context, id uuid.UUID) (*model.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *memTaskStore) UpsertBatch(ctx context.Context, tasks []*model.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *memTaskStore) ListForRecovery(ctx context.Context, since time.Time) ([]*model.BackgroundTask, error) {
	return nil, nil
}

func (s *memTaskStore) List(ctx context.Context, filter model.TaskFilter) ([]*model.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.BackgroundTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memTaskStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func noopReport(dispatcher.Progress) {}

func hourlyCandles(start time.Time, n int, first, step float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		price := first + step*float64(i)
		out[i] = model.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   1,
		}
	}
	return out
}
