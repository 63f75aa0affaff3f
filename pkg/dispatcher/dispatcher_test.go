package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTaskStore is an in-memory Store that records every upsert
type mockTaskStore struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*model.BackgroundTask
	upserts  [][]uuid.UUID
	progress map[uuid.UUID][]float64
	failNext int
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{
		tasks:    make(map[uuid.UUID]*model.BackgroundTask),
		progress: make(map[uuid.UUID][]float64),
	}
}

func (s *mockTaskStore) Create(ctx context.Context, task *model.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *mockTaskStore) Get(ctx context.Context, id uuid.UUID) (*model.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, nil
}

func (s *mockTaskStore) UpsertBatch(ctx context.Context, tasks []*model.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("database unavailable")
	}
	ids := make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
		s.progress[t.ID] = append(s.progress[t.ID], t.Progress)
		ids = append(ids, t.ID)
	}
	s.upserts = append(s.upserts, ids)
	return nil
}

func (s *mockTaskStore) ListForRecovery(ctx context.Context, since time.Time) ([]*model.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BackgroundTask
	for _, t := range s.tasks {
		if t.CreatedAt.After(since) || !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *mockTaskStore) List(ctx context.Context, filter model.TaskFilter) ([]*model.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BackgroundTask
	for _, t := range s.tasks {
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *mockTaskStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *mockTaskStore) stored(id uuid.UUID) *model.BackgroundTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

func testConfig(concurrency int) config.DispatcherConfig {
	return config.DispatcherConfig{
		MaxConcurrency: concurrency,
		BatchSize:      10,
		BatchWindow:    10 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
	}
}

func startDispatcher(t *testing.T, store *mockTaskStore, concurrency int, handlers map[model.TaskType]Handler) *Dispatcher {
	t.Helper()
	d := New(store, testConfig(concurrency))
	for typ, h := range handlers {
		d.Register(typ, h)
	}
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func waitStatus(t *testing.T, store *mockTaskStore, id uuid.UUID, status model.TaskStatus) *model.BackgroundTask {
	t.Helper()
	var got *model.BackgroundTask
	require.Eventually(t, func() bool {
		got = store.stored(id)
		return got != nil && got.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestEnqueueRunsHandlerAndStoresResult(t *testing.T) {
	store := newMockTaskStore()
	d := startDispatcher(t, store, 2, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			var p struct{ Symbol string }
			if err := json.Unmarshal(task.ParametersJSON, &p); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"symbol":"` + p.Symbol + `"}`), nil
		}),
	})

	related := uuid.New()
	task, err := d.Enqueue(context.Background(), EnqueueRequest{
		Type:            model.TaskTypeDatasetIngestion,
		Parameters:      map[string]string{"Symbol": "BTCUSDT"},
		RelatedEntityID: &related,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)

	done := waitStatus(t, store, task.ID, model.TaskStatusCompleted)
	assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, string(done.ResultJSON))
	assert.Equal(t, float64(100), done.Progress)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	got, err := d.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
}

func TestEnqueueUnknownType(t *testing.T) {
	d := startDispatcher(t, newMockTaskStore(), 1, nil)
	_, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeModelTest})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestHandlerFailure(t *testing.T) {
	store := newMockTaskStore()
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeModelTest: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			return nil, errors.New("exchange returned 500")
		}),
	})
	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeModelTest})
	require.NoError(t, err)

	failed := waitStatus(t, store, task.ID, model.TaskStatusFailed)
	assert.Equal(t, "exchange returned 500", failed.ErrorMessage)
}

func TestHandlerPanicFailsTask(t *testing.T) {
	store := newMockTaskStore()
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeModelTest: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			panic("boom")
		}),
	})
	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeModelTest})
	require.NoError(t, err)
	failed := waitStatus(t, store, task.ID, model.TaskStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "boom")
}

func TestPriorityOrder(t *testing.T) {
	store := newMockTaskStore()
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int

	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			<-gate
			return nil, nil
		}),
		model.TaskTypeModelTest: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, task.Priority)
			mu.Unlock()
			return nil, nil
		}),
	})
	ctx := context.Background()

	// occupy the single slot so the others queue up
	blocker, err := d.Enqueue(ctx, EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	waitStatus(t, store, blocker.ID, model.TaskStatusRunning)

	for _, p := range []int{5, 1, 3, 1} {
		_, err := d.Enqueue(ctx, EnqueueRequest{Type: model.TaskTypeModelTest, Priority: p})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 1, 3, 5}, order)
}

func TestMaxConcurrency(t *testing.T) {
	store := newMockTaskStore()
	var mu sync.Mutex
	current, peak := 0, 0
	release := make(chan struct{})

	d := startDispatcher(t, store, 2, map[model.TaskType]Handler{
		model.TaskTypeModelTest: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			<-release
			mu.Lock()
			current--
			mu.Unlock()
			return nil, nil
		}),
	})

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeModelTest})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	require.Eventually(t, func() bool { return d.Stats().Running == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, d.Stats().Pending)
	close(release)

	for _, id := range ids {
		waitStatus(t, store, id, model.TaskStatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

func TestProgressPersistedAtQuarterSteps(t *testing.T) {
	store := newMockTaskStore()
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			for i := 1; i <= 100; i++ {
				report(Progress{Percent: float64(i), Current: int64(i), Total: 100, Message: "downloading"})
				time.Sleep(200 * time.Microsecond)
			}
			return nil, nil
		}),
	})
	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	waitStatus(t, store, task.ID, model.TaskStatusCompleted)

	store.mu.RLock()
	defer store.mu.RUnlock()
	for _, p := range store.progress[task.ID] {
		assert.Contains(t, []float64{0, 25, 50, 75, 100}, p, "non-bucket progress %v persisted", p)
	}
	assert.LessOrEqual(t, len(store.progress[task.ID]), 6)
}

func TestCancelPendingAndRunning(t *testing.T) {
	store := newMockTaskStore()
	started := make(chan struct{})
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		model.TaskTypeModelTest: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			return nil, nil
		}),
	})
	ctx := context.Background()

	running, err := d.Enqueue(ctx, EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	<-started
	pending, err := d.Enqueue(ctx, EnqueueRequest{Type: model.TaskTypeModelTest})
	require.NoError(t, err)

	ok, err := d.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	waitStatus(t, store, pending.ID, model.TaskStatusCancelled)

	ok, err = d.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	failed := waitStatus(t, store, running.ID, model.TaskStatusFailed)
	assert.Equal(t, CancelledMessage, failed.ErrorMessage)

	// terminal tasks cannot be cancelled again
	ok, err = d.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCancelPendingRunsCancelHook(t *testing.T) {
	store := newMockTaskStore()
	d := New(store, testConfig(1))
	var mu sync.Mutex
	var hooked []uuid.UUID
	ran := make(chan struct{}, 1)
	d.Register(model.TaskTypeDatasetIngestion, WithCancelHook(
		func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			ran <- struct{}{}
			return nil, nil
		},
		func(ctx context.Context, task *model.BackgroundTask) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, model.TaskStatusCancelled, task.Status)
			hooked = append(hooked, task.ID)
		},
	))
	ctx := context.Background()

	task, err := d.Enqueue(ctx, EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	ok, err := d.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { d.Stop(context.Background()) })
	waitStatus(t, store, task.ID, model.TaskStatusCancelled)

	mu.Lock()
	assert.Equal(t, []uuid.UUID{task.ID}, hooked)
	mu.Unlock()
	select {
	case <-ran:
		t.Fatal("handler ran for a cancelled task")
	case <-time.After(50 * time.Millisecond):
	}

	// a second cancel is a no-op and does not re-run the hook
	ok, err = d.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	mu.Lock()
	assert.Len(t, hooked, 1)
	mu.Unlock()
}

func TestStartupReconciliation(t *testing.T) {
	store := newMockTaskStore()
	startedAt := time.Now().Add(-time.Minute)
	interrupted := &model.BackgroundTask{
		ID:        uuid.New(),
		Type:      model.TaskTypeDatasetIngestion,
		Status:    model.TaskStatusRunning,
		Progress:  50,
		CreatedAt: time.Now().Add(-2 * time.Minute),
		StartedAt: &startedAt,
	}
	waiting := &model.BackgroundTask{
		ID:        uuid.New(),
		Type:      model.TaskTypeDatasetIngestion,
		Status:    model.TaskStatusPending,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), interrupted))
	require.NoError(t, store.Create(context.Background(), waiting))

	var mu sync.Mutex
	seenStartedAt := map[uuid.UUID]bool{}
	startDispatcher(t, store, 2, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			mu.Lock()
			seenStartedAt[task.ID] = task.StartedAt != nil && task.StartedAt.After(startedAt)
			mu.Unlock()
			return nil, nil
		}),
	})

	waitStatus(t, store, interrupted.ID, model.TaskStatusCompleted)
	waitStatus(t, store, waiting.ID, model.TaskStatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seenStartedAt[interrupted.ID], "startedAt is reset on re-run")
}

func TestShutdownLeavesRunningTasks(t *testing.T) {
	store := newMockTaskStore()
	d := New(store, testConfig(1))
	d.Register(model.TaskTypeDatasetIngestion, HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, d.Start(context.Background()))

	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	waitStatus(t, store, task.ID, model.TaskStatusRunning)

	d.Stop(context.Background())
	assert.Equal(t, model.TaskStatusRunning, store.stored(task.ID).Status)
}

func TestWriteBehindRetriesAfterFailure(t *testing.T) {
	store := newMockTaskStore()
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			return nil, nil
		}),
	})
	store.mu.Lock()
	store.failNext = 3
	store.mu.Unlock()

	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	waitStatus(t, store, task.ID, model.TaskStatusCompleted)
}

func TestFlushMakesMutationsDurable(t *testing.T) {
	store := newMockTaskStore()
	reported := make(chan struct{})
	finish := make(chan struct{})
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			report(Progress{Percent: 60, Message: "half"})
			close(reported)
			<-finish
			return nil, nil
		}),
	})
	defer close(finish)

	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	<-reported
	require.NoError(t, d.Flush(context.Background()))

	stored := store.stored(task.ID)
	require.NotNil(t, stored)
	assert.Equal(t, model.TaskStatusRunning, stored.Status)
	assert.Equal(t, float64(60), stored.Progress)
}

func TestListOverlaysMemory(t *testing.T) {
	store := newMockTaskStore()
	finish := make(chan struct{})
	d := startDispatcher(t, store, 1, map[model.TaskType]Handler{
		model.TaskTypeDatasetIngestion: HandlerFunc(func(ctx context.Context, task *model.BackgroundTask, report ProgressReporter) (json.RawMessage, error) {
			report(Progress{Percent: 10})
			<-finish
			return nil, nil
		}),
	})
	defer close(finish)

	task, err := d.Enqueue(context.Background(), EnqueueRequest{Type: model.TaskTypeDatasetIngestion})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := d.Get(context.Background(), task.ID)
		return got.Progress == 10
	}, time.Second, 5*time.Millisecond)

	running := model.TaskStatusRunning
	list, err := d.List(context.Background(), model.TaskFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, float64(10), list[0].Progress)
}

func TestPrune(t *testing.T) {
	store := newMockTaskStore()
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, store.Create(context.Background(), &model.BackgroundTask{
		ID: uuid.New(), Status: model.TaskStatusCompleted, CreatedAt: old, CompletedAt: &old,
	}))
	d := New(store, testConfig(1))
	n, err := d.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
