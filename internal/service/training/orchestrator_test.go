package training

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

type fixture struct {
	jobs        *fakeJobStore
	configs     *fakeConfigs
	data        *fakeData
	checkpoints *checkpoint.Store
	progress    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir(), "json")
	require.NoError(t, err)
	return &fixture{
		jobs:        newFakeJobStore(),
		configs:     newFakeConfigs(),
		data:        newFakeData(),
		checkpoints: store,
		progress:    &recorder{},
	}
}

func (f *fixture) orchestrator(t *testing.T, tr *stubTrainer, adm *fakeAdmission) *Orchestrator {
	t.Helper()
	o := New(f.jobs, f.configs, f.data, f.checkpoints, adm, tr, f.progress, config.TrainingConfig{
		ProgressThrottle:    time.Millisecond,
		PausePollInterval:   5 * time.Millisecond,
		DatasetPollInterval: 5 * time.Millisecond,
		AnnualizationFactor: 8760,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// configuration stores a small linear configuration over datasetID
func (f *fixture) configuration(datasetID uuid.UUID, mutate func(c *model.Configuration)) *model.Configuration {
	c := &model.Configuration{
		ID:              uuid.New(),
		Name:            "btc-linear",
		DatasetID:       datasetID,
		ModelType:       model.ModelTypeLinearRegression,
		MaxLags:         4,
		ForecastHorizon: 1,
		LearningRate:    0.01,
		BatchSize:       32,
		MaxEpochs:       5,
		RandomSeed:      7,
		Splits:          model.Splits{ValidationFraction: 0.2, TestFraction: 0.1},
		RetryPolicy:     model.RetryPolicy{LRScaleOnRetry: 1},
		TradingEnv:      model.TradingEnv{InitialCapital: 10000, MaxPositionRatio: 1},
	}
	if mutate != nil {
		mutate(c)
	}
	f.configs.put(c)
	return c
}

func (f *fixture) waitForStatus(t *testing.T, jobID uuid.UUID, status model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, waitTimeout, 2*time.Millisecond, "job %s never reached %s", jobID, status)
	return job
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return o.ActiveCount() == 0 }, waitTimeout, 2*time.Millisecond)
}

// allowed status transitions, including the user commands
var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusQueued:         {model.JobStatusWaitingForData, model.JobStatusPreprocessing, model.JobStatusFailed, model.JobStatusCancelled},
	model.JobStatusWaitingForData: {model.JobStatusPreprocessing, model.JobStatusFailed, model.JobStatusCancelled},
	model.JobStatusPreprocessing:  {model.JobStatusTraining, model.JobStatusFailed, model.JobStatusCancelled},
	model.JobStatusTraining:       {model.JobStatusBacktesting, model.JobStatusFailed, model.JobStatusCancelled},
	model.JobStatusBacktesting:    {model.JobStatusTraining, model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled},
	model.JobStatusCompleted:      {model.JobStatusQueued},
	model.JobStatusFailed:         {model.JobStatusQueued},
	model.JobStatusCancelled:      {model.JobStatusQueued},
}

func assertValidPath(t *testing.T, path []model.JobStatus) {
	t.Helper()
	require.NotEmpty(t, path)
	assert.Equal(t, model.JobStatusQueued, path[0])
	for i := 1; i < len(path); i++ {
		assert.Contains(t, transitions[path[i-1]], path[i], "illegal transition %s -> %s in %v", path[i-1], path[i], path)
	}
}

func assertIncreasing(t *testing.T, epochs []int) {
	t.Helper()
	for i := 1; i < len(epochs); i++ {
		require.Greater(t, epochs[i], epochs[i-1], "progress out of order: %v", epochs)
	}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	adm := newFakeAdmission(1)
	o := f.orchestrator(t, &stubTrainer{prediction: 0.001}, adm)
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(2000)), nil)

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Contains(t, job.Name, cfg.Name)

	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	waitIdle(t, o)

	require.NotNil(t, done.Result)
	bt := done.Result.Backtest
	require.NotNil(t, bt)
	assert.GreaterOrEqual(t, bt.TotalTrades, 1)
	assert.GreaterOrEqual(t, bt.FinalEquity, bt.InitialCapital)
	assert.True(t, done.Result.MeetsRequirements)
	assert.Equal(t, 5, done.Result.EpochsTrained)
	assert.Equal(t, 5, done.CurrentEpoch)
	assert.Equal(t, 1, done.CurrentAttempt)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.True(t, done.HasCheckpoint)
	assert.True(t, f.checkpoints.Exists(job.ID))
	assert.Zero(t, adm.heldCount())

	assertValidPath(t, f.jobs.statuses(job.ID))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.progress.epochs(job.ID))
}

func TestInsufficientData(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{prediction: 0.001}, newFakeAdmission(1))
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(5)), nil)

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)

	failed := f.waitForStatus(t, job.ID, model.JobStatusFailed)
	assert.Contains(t, failed.Message, "at least 6")
	assert.Equal(t, "InsufficientData", failed.ErrorMessage)
	assert.NotNil(t, failed.CompletedAt)
	assert.Equal(t, []model.JobStatus{
		model.JobStatusQueued, model.JobStatusPreprocessing, model.JobStatusFailed,
	}, f.jobs.statuses(job.ID))
	require.Eventually(t, func() bool {
		return f.progress.published(job.ID, model.JobStatusFailed)
	}, waitTimeout, 2*time.Millisecond, "stream subscribers learn the job ended")
}

func TestCheckpointAndResumeAfterRestart(t *testing.T) {
	f := newFixture(t)
	reached := make(chan struct{})
	var once sync.Once
	first := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		if epoch == 35 {
			once.Do(func() { close(reached) })
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	crashed := f.orchestrator(t, first, newFakeAdmission(1))
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(500)), func(c *model.Configuration) {
		c.MaxEpochs = 100
		c.CheckpointEvery = 10
	})

	job, err := crashed.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	select {
	case <-reached:
	case <-time.After(waitTimeout):
		t.Fatal("training never reached epoch 35")
	}

	// a new process sees the job the old one still owns
	restarted := f.orchestrator(t, &stubTrainer{prediction: 0.001}, newFakeAdmission(1))
	require.NoError(t, restarted.Reconcile(context.Background()))

	failed, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	assert.True(t, failed.HasCheckpoint)
	assert.Contains(t, failed.Message, "Resumable")
	assert.False(t, failed.IsPaused)
	cp, err := f.checkpoints.Load(job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 30, cp.Epoch)

	ok, err := restarted.ResumeJobFromCheckpoint(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	waitIdle(t, restarted)
	require.NotNil(t, done.Result)
	assert.Equal(t, 31, done.Result.StartEpoch)
	assert.Equal(t, 100, done.Result.FinalEpoch)
	assert.GreaterOrEqual(t, done.Result.EpochsTrained, 70)
	assert.Equal(t, 1, done.CurrentAttempt)
	assertValidPath(t, f.jobs.statuses(job.ID))

	// the stale goroutine of the crashed process must not touch the record
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, crashed.Shutdown(ctx))
	after, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, after.Status)
}

func TestRetryWithLearningRateScaling(t *testing.T) {
	f := newFixture(t)
	// a short-only signal without shorting never trades, so every attempt misses
	tr := &stubTrainer{prediction: -0.001}
	o := f.orchestrator(t, tr, newFakeAdmission(1))
	minSharpe := 9999.0
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.LearningRate = 0.04
		c.RetryPolicy = model.RetryPolicy{Enabled: true, MaxAttempts: 3, LRScaleOnRetry: 0.5, ShuffleOnRetry: true}
		c.PerformanceRequirements.MinSharpe = &minSharpe
	})

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, job.MaxAttempts)

	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, 3, done.Result.Attempts)
	assert.Equal(t, 3, done.CurrentAttempt)
	assert.False(t, done.Result.MeetsRequirements)
	assert.NotEmpty(t, done.Result.RequirementFailures)
	assert.InDelta(t, 0.01, done.Result.FinalLearningRate, 1e-12)
	assert.InDeltaSlice(t, []float64{0.04, 0.02, 0.01}, tr.learningRates(), 1e-12)
	assert.Equal(t, []bool{false, true, true}, tr.shuffleFlags(), "retries reshuffle every epoch")

	path := f.jobs.statuses(job.ID)
	assertValidPath(t, path)
	training := 0
	for _, s := range path {
		if s == model.JobStatusTraining {
			training++
		}
	}
	assert.Equal(t, 3, training, "one Training phase per attempt")
}

func TestQueueBackpressure(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	tr := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		if epoch == 2 {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}
	adm := newFakeAdmission(1)
	o := f.orchestrator(t, tr, adm)
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), nil)

	a, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID, Name: "a"})
	require.NoError(t, err)
	b, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID, Name: "b"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ja, _ := f.jobs.Get(context.Background(), a.ID)
		jb, _ := f.jobs.Get(context.Background(), b.ID)
		return (ja.Status == model.JobStatusTraining && jb.Status == model.JobStatusQueued) ||
			(jb.Status == model.JobStatusTraining && ja.Status == model.JobStatusQueued)
	}, waitTimeout, 2*time.Millisecond)
	assert.Equal(t, 1, adm.heldCount())

	close(release)
	f.waitForStatus(t, a.ID, model.JobStatusCompleted)
	f.waitForStatus(t, b.ID, model.JobStatusCompleted)
	waitIdle(t, o)
	assert.Equal(t, 1, adm.peak())
	assert.Zero(t, adm.heldCount())
}

func TestCancelWhilePaused(t *testing.T) {
	f := newFixture(t)
	tr := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		select {
		case <-time.After(2 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	adm := newFakeAdmission(1)
	o := f.orchestrator(t, tr, adm)
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.MaxEpochs = 100000
	})
	ctx := context.Background()

	job, err := o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.jobs.Get(ctx, job.ID)
		return j.Status == model.JobStatusTraining && j.CurrentEpoch >= 3
	}, waitTimeout, 2*time.Millisecond)

	ok, err := o.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	paused, _ := f.jobs.Get(ctx, job.ID)
	assert.True(t, paused.IsPaused)

	// let the in-flight epoch finish, then the writes must stop
	time.Sleep(50 * time.Millisecond)
	writes := f.jobs.writes(job.ID)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, writes, f.jobs.writes(job.ID), "no progress while paused")
	assert.Equal(t, 1, adm.heldCount(), "pause keeps the slot")

	ok, err = o.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.progress.published(job.ID, model.JobStatusCancelled))
	cancelled, _ := f.jobs.Get(ctx, job.ID)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.IsPaused)

	waitIdle(t, o)
	assert.Equal(t, writes, f.jobs.writes(job.ID))
	assert.Zero(t, adm.heldCount())
	assertValidPath(t, f.jobs.statuses(job.ID))

	ok, err = o.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs cannot be cancelled again")
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	var epochs atomic.Int64
	tr := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		epochs.Add(1)
		select {
		case <-time.After(time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	o := f.orchestrator(t, tr, newFakeAdmission(1))
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.MaxEpochs = 200
	})
	ctx := context.Background()

	job, err := o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return epochs.Load() >= 2 }, waitTimeout, time.Millisecond)

	ok, err := o.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond)
	frozen := epochs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, epochs.Load())

	ok, err = o.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	assert.False(t, done.IsPaused)
	assert.Equal(t, 200, done.Result.EpochsTrained)
	assertIncreasing(t, f.progress.epochs(job.ID))

	ok, err = o.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "finished jobs cannot be paused")
}

func TestWaitingForData(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{prediction: 0.001}, newFakeAdmission(1))
	dsID := f.data.add(model.DatasetStatusDownloading, risingCandles(300))
	cfg := f.configuration(dsID, nil)

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	waiting := f.waitForStatus(t, job.ID, model.JobStatusWaitingForData)
	assert.Contains(t, waiting.Message, "BTCUSDT")

	f.data.setStatus(dsID, model.DatasetStatusReady, "")
	f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	assert.Equal(t, []model.JobStatus{
		model.JobStatusQueued, model.JobStatusWaitingForData, model.JobStatusPreprocessing,
		model.JobStatusTraining, model.JobStatusBacktesting, model.JobStatusCompleted,
	}, f.jobs.statuses(job.ID))
}

func TestDatasetFailedFailsWaitingJob(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{prediction: 0.001}, newFakeAdmission(1))
	dsID := f.data.add(model.DatasetStatusPending, nil)
	cfg := f.configuration(dsID, nil)

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, model.JobStatusWaitingForData)
	f.data.setStatus(dsID, model.DatasetStatusFailed, "exchange unreachable")

	failed := f.waitForStatus(t, job.ID, model.JobStatusFailed)
	assert.Equal(t, "DependencyUnavailable", failed.ErrorMessage)
	assert.Contains(t, failed.Message, "exchange unreachable")
}

func TestStartTrainingValidation(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{}, newFakeAdmission(1))
	ctx := context.Background()

	_, err := o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: uuid.New()})
	assert.ErrorIs(t, err, model.ErrNotFound)

	orphan := f.configuration(uuid.New(), nil)
	_, err = o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: orphan.ID})
	assert.ErrorIs(t, err, model.ErrDependencyUnavailable)

	otherQueue := uuid.New()
	misrouted := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(50)), func(c *model.Configuration) {
		c.QueueID = &otherQueue
	})
	_, err = o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: misrouted.ID})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	jobs, err := o.ListJobs(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRetryJob(t *testing.T) {
	f := newFixture(t)
	blocked := make(chan struct{})
	var once sync.Once
	var tr *stubTrainer
	tr = &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		// only the first session hangs
		if len(tr.learningRates()) == 1 && epoch == 3 {
			once.Do(func() { close(blocked) })
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	o := f.orchestrator(t, tr, newFakeAdmission(1))
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.CheckpointEvery = 1
	})
	ctx := context.Background()

	job, err := o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	<-blocked
	require.True(t, f.checkpoints.Exists(job.ID))

	ok, err := o.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	assert.Equal(t, 1, done.Result.StartEpoch)
	assert.Equal(t, 5, done.Result.EpochsTrained)
	assert.Len(t, tr.learningRates(), 2)

	path := f.jobs.statuses(job.ID)
	assertValidPath(t, path)
	assert.Contains(t, path, model.JobStatusCancelled)
}

func TestRetryAfterInsufficientData(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{prediction: 0.001}, newFakeAdmission(1))
	dsID := f.data.add(model.DatasetStatusReady, risingCandles(5))
	cfg := f.configuration(dsID, nil)
	ctx := context.Background()

	job, err := o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, model.JobStatusFailed)
	waitIdle(t, o)

	f.data.mu.Lock()
	f.data.candles[dsID] = risingCandles(300)
	f.data.mu.Unlock()

	ok, err := o.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	assert.Empty(t, done.ErrorMessage)
	assert.NotNil(t, done.Result)
}

func TestResumeRequiresCheckpoint(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{}, newFakeAdmission(1))
	ctx := context.Background()

	job := &model.Job{ID: uuid.New(), Status: model.JobStatusFailed, HasCheckpoint: true, MaxAttempts: 1}
	f.jobs.put(job)

	ok, err := o.ResumeJobFromCheckpoint(ctx, job.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, model.ErrCheckpointCorrupt)
	stored, _ := f.jobs.Get(ctx, job.ID)
	assert.False(t, stored.HasCheckpoint, "stale flag cleared")

	completed := &model.Job{ID: uuid.New(), Status: model.JobStatusCompleted}
	f.jobs.put(completed)
	ok, err = o.ResumeJobFromCheckpoint(ctx, completed.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = o.ResumeJobFromCheckpoint(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTrainerPanicFailsJob(t *testing.T) {
	f := newFixture(t)
	tr := &stubTrainer{onEpoch: func(ctx context.Context, epoch int) error {
		panic("tensor shape mismatch")
	}}
	adm := newFakeAdmission(1)
	o := f.orchestrator(t, tr, adm)
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), nil)

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	failed := f.waitForStatus(t, job.ID, model.JobStatusFailed)
	waitIdle(t, o)
	assert.Equal(t, "TrainerError", failed.ErrorMessage)
	assert.Contains(t, failed.Message, "tensor shape mismatch")
	assert.Zero(t, adm.heldCount())
}

func TestTrainerErrorKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	tr := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		if epoch == 4 {
			return errors.New("device lost")
		}
		return nil
	}}
	o := f.orchestrator(t, tr, newFakeAdmission(1))
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.CheckpointEvery = 2
	})

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	failed := f.waitForStatus(t, job.ID, model.JobStatusFailed)
	assert.Equal(t, "TrainerError", failed.ErrorMessage)
	assert.True(t, failed.HasCheckpoint)
	assert.NotNil(t, failed.LastCheckpointAt)
	assert.True(t, f.checkpoints.Exists(job.ID))
}

func TestMaxJobDuration(t *testing.T) {
	f := newFixture(t)
	tr := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}
	adm := newFakeAdmission(1)
	adm.queue.MaxJobDuration = 20 * time.Millisecond
	o := f.orchestrator(t, tr, adm)
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.MaxEpochs = 10000
	})

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	failed := f.waitForStatus(t, job.ID, model.JobStatusFailed)
	assert.Equal(t, "ResourceUnavailable", failed.ErrorMessage)
	assert.Contains(t, failed.Message, "maximum duration")
}

func TestEarlyStopping(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{prediction: 0.001, plateauAt: 4}, newFakeAdmission(1))
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.MaxEpochs = 50
		c.EarlyStopping = true
		c.EarlyStoppingPatience = 3
	})

	job, err := o.StartTraining(context.Background(), &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	assert.True(t, done.Result.EarlyStopped)
	assert.Equal(t, 7, done.Result.FinalEpoch)
	assert.InDelta(t, 0.2, done.Result.BestValidationLoss, 1e-12)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &stubTrainer{}, newFakeAdmission(1))
	ctx := context.Background()

	interrupted := &model.Job{ID: uuid.New(), Status: model.JobStatusTraining, IsPaused: true}
	queued := &model.Job{ID: uuid.New(), Status: model.JobStatusQueued}
	staleFlag := &model.Job{ID: uuid.New(), Status: model.JobStatusFailed, HasCheckpoint: true}
	missingFlag := &model.Job{ID: uuid.New(), Status: model.JobStatusFailed}
	completed := &model.Job{ID: uuid.New(), Status: model.JobStatusCompleted}
	for _, j := range []*model.Job{interrupted, queued, staleFlag, missingFlag, completed} {
		f.jobs.put(j)
	}
	require.NoError(t, f.checkpoints.Save(ctx, &checkpoint.Checkpoint{JobID: missingFlag.ID, Epoch: 3}, []byte(`{"epoch":3}`), nil))

	require.NoError(t, o.Reconcile(ctx))

	got, _ := f.jobs.Get(ctx, interrupted.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.False(t, got.HasCheckpoint)
	assert.False(t, got.IsPaused)
	assert.Contains(t, got.Message, "Retry required")
	assert.NotNil(t, got.CompletedAt)

	got, _ = f.jobs.Get(ctx, queued.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	got, _ = f.jobs.Get(ctx, staleFlag.ID)
	assert.False(t, got.HasCheckpoint)
	got, _ = f.jobs.Get(ctx, missingFlag.ID)
	assert.True(t, got.HasCheckpoint)
	got, _ = f.jobs.Get(ctx, completed.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	f := newFixture(t)
	reached := make(chan struct{})
	var once sync.Once
	tr := &stubTrainer{prediction: 0.001, onEpoch: func(ctx context.Context, epoch int) error {
		if epoch == 3 {
			once.Do(func() { close(reached) })
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	adm := newFakeAdmission(1)
	o := New(f.jobs, f.configs, f.data, f.checkpoints, adm, tr, nil, config.TrainingConfig{})
	cfg := f.configuration(f.data.add(model.DatasetStatusReady, risingCandles(300)), func(c *model.Configuration) {
		c.CheckpointEvery = 1
	})
	ctx := context.Background()

	job, err := o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	<-reached

	sctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, o.Shutdown(sctx))

	got, _ := f.jobs.Get(ctx, job.ID)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Equal(t, "Cancelled", got.ErrorMessage)
	assert.True(t, got.HasCheckpoint, "checkpoint preserved")
	assert.True(t, f.checkpoints.Exists(job.ID))
	assert.Zero(t, adm.heldCount())

	_, err = o.StartTraining(ctx, &model.StartTrainingRequest{ConfigurationID: cfg.ID})
	assert.ErrorIs(t, err, model.ErrResourceUnavailable)

	// the next process continues from the kept checkpoint
	restarted := f.orchestrator(t, &stubTrainer{prediction: 0.001}, newFakeAdmission(1))
	require.NoError(t, restarted.Reconcile(ctx))
	kept, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, kept.Status)
	assert.True(t, kept.HasCheckpoint)

	ok, err := restarted.ResumeJobFromCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	done := f.waitForStatus(t, job.ID, model.JobStatusCompleted)
	waitIdle(t, restarted)
	require.NotNil(t, done.Result)
	assert.Greater(t, done.Result.StartEpoch, 1, "continued from the checkpoint")
	assert.Equal(t, 5, done.Result.FinalEpoch)
}
