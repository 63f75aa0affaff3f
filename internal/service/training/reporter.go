package training

import (
	"context"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"

	"github.com/google/uuid"
)

// progressReporter publishes every epoch and persists at most one epoch
// per throttle window
type progressReporter struct {
	jobs        jobStore
	publisher   ProgressPublisher
	jobID       uuid.UUID
	throttle    time.Duration
	lastPersist time.Time
}

func newProgressReporter(jobs jobStore, publisher ProgressPublisher, jobID uuid.UUID, throttle time.Duration) *progressReporter {
	return &progressReporter{jobs: jobs, publisher: publisher, jobID: jobID, throttle: throttle}
}

// report returns errStatusChanged once the job has left Training, so that
// nothing is persisted after a cancel. force bypasses the throttle.
func (r *progressReporter) report(ctx context.Context, p model.JobProgress, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	p.Timestamp = now.UTC()
	r.publisher.Publish(ctx, p)

	if !force && !r.lastPersist.IsZero() && now.Sub(r.lastPersist) < r.throttle {
		return nil
	}
	ok, err := r.jobs.UpdateIfStatus(ctx, r.jobID, []model.JobStatus{model.JobStatusTraining}, &model.JobUpdate{
		CurrentEpoch:   &p.Epoch,
		TrainLoss:      &p.TrainLoss,
		ValidationLoss: &p.ValidationLoss,
		BestValLoss:    &p.BestValLoss,
		Message:        &p.Message,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WarnCtx(ctx, "failed to persist progress of epoch %d: %v", p.Epoch, err)
		return nil
	}
	if !ok {
		return errStatusChanged
	}
	r.lastPersist = now
	return nil
}
