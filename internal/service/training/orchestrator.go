// Package training runs training jobs: one goroutine per job drives it
// through data wait, queue admission, preprocessing, training attempts and
// backtesting, while user commands race against it through conditional
// updates of the job record.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/config"
	"modelforge/pkg/logger"
	"modelforge/pkg/trainer"

	"github.com/google/uuid"
)

const (
	defaultProgressThrottle  = 500 * time.Millisecond
	defaultPausePollInterval = 100 * time.Millisecond
	defaultDatasetPoll       = 2 * time.Second
	defaultAnnualization     = 8760
)

// runtime in-memory control state of a job owned by this process
type runtime struct {
	cancel context.CancelCauseFunc
	paused atomic.Bool
	resume bool
	done   chan struct{}
}

// Orchestrator owns every running job of the process
type Orchestrator struct {
	jobs        jobStore
	configs     configurationStore
	data        DataProvider
	checkpoints checkpointStore
	capacity    admission
	trainer     trainer.Trainer
	progress    ProgressPublisher
	cfg         config.TrainingConfig

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.Mutex
	active map[uuid.UUID]*runtime
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Reconcile before accepting commands.
func New(
	jobs jobStore,
	configs configurationStore,
	data DataProvider,
	checkpoints checkpointStore,
	capacity admission,
	tr trainer.Trainer,
	progress ProgressPublisher,
	cfg config.TrainingConfig,
) *Orchestrator {
	if cfg.ProgressThrottle <= 0 {
		cfg.ProgressThrottle = defaultProgressThrottle
	}
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = defaultPausePollInterval
	}
	if cfg.DatasetPollInterval <= 0 {
		cfg.DatasetPollInterval = defaultDatasetPoll
	}
	if cfg.AnnualizationFactor <= 0 {
		cfg.AnnualizationFactor = defaultAnnualization
	}
	if progress == nil {
		progress = NewHub()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		jobs:        jobs,
		configs:     configs,
		data:        data,
		checkpoints: checkpoints,
		capacity:    capacity,
		trainer:     tr,
		progress:    progress,
		cfg:         cfg,
		baseCtx:     ctx,
		baseCancel:  cancel,
		active:      make(map[uuid.UUID]*runtime),
	}
}

// StartTraining creates a Queued job for a configuration and starts it
func (o *Orchestrator) StartTraining(ctx context.Context, req *model.StartTrainingRequest) (*model.Job, error) {
	cfg, err := o.configs.Get(ctx, req.ConfigurationID)
	if err != nil {
		return nil, err
	}
	if _, err := o.data.Get(ctx, cfg.DatasetID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: dataset %s of configuration %s does not exist",
				model.ErrDependencyUnavailable, cfg.DatasetID, cfg.ID)
		}
		return nil, err
	}
	queue, err := o.capacity.ResolveQueue(cfg.QueueID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	maxAttempts := 1
	if cfg.RetryPolicy.Enabled && cfg.RetryPolicy.MaxAttempts > 1 {
		maxAttempts = cfg.RetryPolicy.MaxAttempts
	}
	now := time.Now().UTC()
	job := &model.Job{
		ID:              uuid.New(),
		Name:            strings.TrimSpace(req.Name),
		ConfigurationID: cfg.ID,
		DatasetID:       cfg.DatasetID,
		QueueID:         &queue.ID,
		Status:          model.JobStatusQueued,
		Message:         fmt.Sprintf("Queued on %s", queue.Name),
		TotalEpochs:     cfg.MaxEpochs,
		MaxAttempts:     maxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.Name == "" {
		job.Name = fmt.Sprintf("%s-%s", cfg.Name, job.ID.String()[:8])
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := o.spawn(job.ID, false); err != nil {
		o.failUnstarted(job.ID, err)
		return nil, err
	}
	logger.InfoCtx(ctx, "training job started, job: %s, configuration: %s, queue: %s", job.ID, cfg.ID, queue.Name)
	return job, nil
}

// spawn starts the job goroutine
func (o *Orchestrator) spawn(jobID uuid.UUID, resume bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("%w: orchestrator is shutting down", model.ErrResourceUnavailable)
	}
	if _, ok := o.active[jobID]; ok {
		return fmt.Errorf("%w: job %s is already running", model.ErrConflict, jobID)
	}
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	rt := &runtime{cancel: cancel, resume: resume, done: make(chan struct{})}
	o.active[jobID] = rt
	o.wg.Add(1)
	go o.run(logger.WithTraceID(ctx, jobID.String()), jobID, rt)
	return nil
}

func (o *Orchestrator) failUnstarted(jobID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	_, err := o.jobs.UpdateIfStatus(ctx, jobID, []model.JobStatus{model.JobStatusQueued}, &model.JobUpdate{
		Status:       model.Ptr(model.JobStatusFailed),
		ErrorMessage: model.Ptr(errorKind(cause)),
		Message:      model.Ptr(cause.Error()),
		CompletedAt:  &now,
	})
	if err != nil {
		logger.ErrorCtx(ctx, "failed to mark job %s failed: %v", jobID, err)
	}
}

func (o *Orchestrator) runtimeOf(jobID uuid.UUID) *runtime {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[jobID]
}

// CancelJob moves a non-terminal job to Cancelled and stops its goroutine.
// It reports false when the job is already terminal.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	if _, err := o.jobs.Get(ctx, jobID); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	ok, err := o.jobs.UpdateIfStatus(ctx, jobID, model.ActiveJobStatuses, &model.JobUpdate{
		Status:      model.Ptr(model.JobStatusCancelled),
		Message:     model.Ptr("Cancelled by user"),
		IsPaused:    model.Ptr(false),
		CompletedAt: &now,
	})
	if err != nil || !ok {
		return false, err
	}
	if rt := o.runtimeOf(jobID); rt != nil {
		rt.cancel(errUserCancelled)
	}
	o.publishTerminal(ctx, jobID, model.JobStatusCancelled, "Cancelled by user")
	logger.InfoCtx(ctx, "training job cancelled, job: %s", jobID)
	return true, nil
}

// publishTerminal tells stream subscribers the job has ended
func (o *Orchestrator) publishTerminal(ctx context.Context, jobID uuid.UUID, st model.JobStatus, msg string) {
	o.progress.Publish(ctx, model.JobProgress{
		JobID:     jobID,
		Status:    st,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

// PauseJob suspends a running job at its next epoch boundary. The queue
// slot stays held.
func (o *Orchestrator) PauseJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return o.setPaused(ctx, jobID, true)
}

// ResumeJob lifts a pause
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return o.setPaused(ctx, jobID, false)
}

func (o *Orchestrator) setPaused(ctx context.Context, jobID uuid.UUID, paused bool) (bool, error) {
	if _, err := o.jobs.Get(ctx, jobID); err != nil {
		return false, err
	}
	rt := o.runtimeOf(jobID)
	if rt == nil {
		return false, nil
	}
	ok, err := o.jobs.UpdateIfStatus(ctx, jobID, model.ActiveJobStatuses, &model.JobUpdate{IsPaused: &paused})
	if err != nil || !ok {
		return false, err
	}
	rt.paused.Store(paused)
	return true, nil
}

// RetryJob restarts a job from scratch. An active job is cancelled first
// and its goroutine awaited; the checkpoint is deleted before the job is
// queued again.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !job.Status.IsTerminal() {
		now := time.Now().UTC()
		ok, err := o.jobs.UpdateIfStatus(ctx, jobID, model.ActiveJobStatuses, &model.JobUpdate{
			Status:      model.Ptr(model.JobStatusCancelled),
			Message:     model.Ptr("Cancelled for retry"),
			IsPaused:    model.Ptr(false),
			CompletedAt: &now,
		})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if rt := o.runtimeOf(jobID); rt != nil {
		rt.cancel(errRetry)
		select {
		case <-rt.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if err := o.checkpoints.Delete(ctx, jobID); err != nil {
		return false, err
	}
	ok, err := o.jobs.UpdateIfStatus(ctx, jobID, []model.JobStatus{
		model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
	}, &model.JobUpdate{
		Status:           model.Ptr(model.JobStatusQueued),
		Message:          model.Ptr("Queued for retry"),
		ErrorMessage:     model.Ptr(""),
		CurrentEpoch:     model.Ptr(0),
		CurrentAttempt:   model.Ptr(0),
		IsPaused:         model.Ptr(false),
		HasCheckpoint:    model.Ptr(false),
		ClearLosses:      true,
		ClearResult:      true,
		ClearStartedAt:   true,
		ClearCompletedAt: true,
	})
	if err != nil || !ok {
		return false, err
	}
	if err := o.spawn(jobID, false); err != nil {
		o.failUnstarted(jobID, err)
		return false, err
	}
	logger.InfoCtx(ctx, "training job queued for retry, job: %s", jobID)
	return true, nil
}

// resumableStatuses terminal statuses whose checkpoint may be continued.
// Cancellation, including a control plane shutdown, keeps the checkpoint.
var resumableStatuses = []model.JobStatus{model.JobStatusFailed, model.JobStatusCancelled}

// ResumeJobFromCheckpoint continues a Failed or Cancelled job from its
// checkpoint, keeping its attempt number
func (o *Orchestrator) ResumeJobFromCheckpoint(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusCancelled {
		return false, nil
	}
	// a cancelled goroutine may still be writing its last checkpoint
	if rt := o.runtimeOf(jobID); rt != nil {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if !o.checkpoints.Exists(jobID) {
		if job.HasCheckpoint {
			if err := o.jobs.Update(ctx, jobID, &model.JobUpdate{HasCheckpoint: model.Ptr(false)}); err != nil {
				logger.WarnCtx(ctx, "failed to clear hasCheckpoint of job %s: %v", jobID, err)
			}
		}
		return false, fmt.Errorf("%w: job %s has no usable checkpoint, retry instead", model.ErrCheckpointCorrupt, jobID)
	}

	ok, err := o.jobs.UpdateIfStatus(ctx, jobID, resumableStatuses, &model.JobUpdate{
		Status:           model.Ptr(model.JobStatusQueued),
		Message:          model.Ptr("Queued to resume from checkpoint"),
		ErrorMessage:     model.Ptr(""),
		IsPaused:         model.Ptr(false),
		ClearCompletedAt: true,
	})
	if err != nil || !ok {
		return false, err
	}
	if err := o.spawn(jobID, true); err != nil {
		o.failUnstarted(jobID, err)
		return false, err
	}
	logger.InfoCtx(ctx, "training job resuming from checkpoint, job: %s", jobID)
	return true, nil
}

// GetJob returns a job
func (o *Orchestrator) GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	return o.jobs.Get(ctx, jobID)
}

// ListJobs returns jobs newest first, optionally filtered by status
func (o *Orchestrator) ListJobs(ctx context.Context, status *model.JobStatus, limit, offset int) ([]*model.Job, error) {
	return o.jobs.List(ctx, status, limit, offset)
}

// ActiveCount number of jobs running in this process
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown cancels every running job and waits for their goroutines.
// Checkpoints are kept.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	n := len(o.active)
	o.mu.Unlock()
	o.baseCancel(errShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.InfoCtx(ctx, "orchestrator stopped, %d job(s) cancelled", n)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}
