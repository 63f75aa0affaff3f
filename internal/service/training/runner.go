package training

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/features"
	"modelforge/pkg/logger"
	"modelforge/pkg/status"

	"github.com/google/uuid"
)

const finishTimeout = 10 * time.Second

// run is the job goroutine. It owns the job record until it returns.
func (o *Orchestrator) run(ctx context.Context, jobID uuid.UUID, rt *runtime) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, jobID)
		o.mu.Unlock()
		close(rt.done)
	}()
	defer rt.cancel(nil)

	err := o.supervise(ctx, jobID, rt)
	o.finish(ctx, jobID, err)
}

// supervise converts panics of the pipeline into trainer errors
func (o *Orchestrator) supervise(ctx context.Context, jobID uuid.UUID, rt *runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "training job panicked, job: %s, panic: %v\n%s", jobID, r, debug.Stack())
			err = fmt.Errorf("%w: panic: %v", model.ErrTrainerError, r)
		}
	}()
	return o.execute(ctx, jobID, rt)
}

func (o *Orchestrator) execute(ctx context.Context, jobID uuid.UUID, rt *runtime) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	cfg, err := o.configs.Get(ctx, job.ConfigurationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: configuration %s no longer exists", model.ErrDependencyUnavailable, job.ConfigurationID)
		}
		return err
	}
	queue, err := o.capacity.ResolveQueue(job.QueueID)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrDependencyUnavailable, err)
	}

	if err := o.awaitDataset(ctx, job, cfg.DatasetID); err != nil {
		return err
	}

	logger.DebugCtx(ctx, "waiting for a slot on queue %s", queue.Name)
	if err := o.capacity.QueueAcquire(ctx, queue.ID, jobID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer o.capacity.QueueRelease(queue.ID, jobID)

	var deadline time.Time
	if queue.MaxJobDuration > 0 {
		deadline = time.Now().Add(queue.MaxJobDuration)
	}
	if err := o.waitWhilePaused(ctx, rt); err != nil {
		return err
	}

	now := time.Now().UTC()
	upd := &model.JobUpdate{
		Status:  model.Ptr(model.JobStatusPreprocessing),
		Message: model.Ptr("Preparing training data"),
	}
	if job.StartedAt == nil {
		upd.StartedAt = &now
	}
	ok, err := o.jobs.UpdateIfStatus(ctx, jobID, []model.JobStatus{
		model.JobStatusQueued, model.JobStatusWaitingForData,
	}, upd)
	if err != nil {
		return err
	}
	if !ok {
		return errStatusChanged
	}

	candles, err := o.data.LoadCandles(ctx, cfg.DatasetID)
	if err != nil {
		return err
	}
	prepared, err := features.PrepareTrainingData(candles, features.PrepareOptions{
		MaxLags:            cfg.MaxLags,
		ForecastHorizon:    cfg.ForecastHorizon,
		ValidationFraction: cfg.Splits.ValidationFraction,
		TestFraction:       cfg.Splits.TestFraction,
	})
	if err != nil {
		return err
	}
	logger.InfoCtx(ctx, "training data prepared, candles: %d, train: %d, validation: %d, test: %d",
		len(candles), len(prepared.Train), len(prepared.Validation), len(prepared.Test))
	candles = nil

	return o.train(ctx, &trainingRun{
		job:      job,
		cfg:      cfg,
		queue:    queue,
		data:     prepared,
		rt:       rt,
		deadline: deadline,
	})
}

// awaitDataset returns once the dataset is Ready, moving the job to
// WaitingForData while it is not
func (o *Orchestrator) awaitDataset(ctx context.Context, job *model.Job, datasetID uuid.UUID) error {
	waiting := false
	for {
		ds, err := o.data.Get(ctx, datasetID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: dataset %s does not exist", model.ErrDependencyUnavailable, datasetID)
			}
			return err
		}
		switch ds.Status {
		case model.DatasetStatusReady:
			return nil
		case model.DatasetStatusFailed:
			return fmt.Errorf("%w: dataset %s failed: %s", model.ErrDependencyUnavailable, datasetID, ds.ErrorMessage)
		}

		if !waiting {
			ok, err := o.jobs.UpdateIfStatus(ctx, job.ID, []model.JobStatus{model.JobStatusQueued}, &model.JobUpdate{
				Status:  model.Ptr(model.JobStatusWaitingForData),
				Message: model.Ptr(fmt.Sprintf("Waiting for dataset %s/%s %s", ds.Exchange, ds.Symbol, ds.Interval)),
			})
			if err != nil {
				return err
			}
			if !ok {
				return errStatusChanged
			}
			waiting = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.DatasetPollInterval):
		}
	}
}

// waitWhilePaused blocks while the job is paused. The queue slot stays held.
func (o *Orchestrator) waitWhilePaused(ctx context.Context, rt *runtime) error {
	if !rt.paused.Load() {
		return ctx.Err()
	}
	logger.InfoCtx(ctx, "training paused")
	ticker := time.NewTicker(o.cfg.PausePollInterval)
	defer ticker.Stop()
	for rt.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	logger.InfoCtx(ctx, "training resumed")
	return nil
}

// finish writes the terminal state for an unsuccessful run. Runs that were
// cancelled or superseded by a command leave the record to that command.
func (o *Orchestrator) finish(ctx context.Context, jobID uuid.UUID, err error) {
	if err == nil {
		return
	}
	cause := context.Cause(ctx)
	if ctx.Err() == nil || errors.Is(cause, context.Canceled) {
		cause = nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	switch {
	case errors.Is(cause, errUserCancelled), errors.Is(cause, errRetry):
		logger.InfoCtx(ctx, "training job stopped: %v", cause)
		return
	case errors.Is(err, errStatusChanged):
		logger.InfoCtx(ctx, "training job stopped, its status was changed by a command")
		return
	}

	now := time.Now().UTC()
	upd := &model.JobUpdate{
		IsPaused:      model.Ptr(false),
		HasCheckpoint: model.Ptr(o.checkpoints.Exists(jobID)),
		CompletedAt:   &now,
	}
	if errors.Is(cause, errShutdown) {
		upd.Status = model.Ptr(model.JobStatusCancelled)
		upd.ErrorMessage = model.Ptr(errorKind(model.ErrCancelled))
		upd.Message = model.Ptr("Cancelled: control plane shutting down")
	} else {
		upd.Status = model.Ptr(model.JobStatusFailed)
		upd.ErrorMessage = model.Ptr(errorKind(err))
		upd.Message = model.Ptr(status.Error(err))
	}

	ok, uerr := o.jobs.UpdateIfStatus(wctx, jobID, model.ActiveJobStatuses, upd)
	if uerr != nil {
		logger.ErrorCtx(ctx, "failed to record end of training job %s: %v", jobID, uerr)
		return
	}
	if ok {
		o.publishTerminal(wctx, jobID, *upd.Status, *upd.Message)
		logger.WarnCtx(ctx, "training job ended, status: %s, error: %v", upd.Status.String(), err)
	}
}
