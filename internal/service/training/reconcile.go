package training

import (
	"context"
	"fmt"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"
)

// Reconcile fails every job a previous process left active and syncs
// hasCheckpoint of failed and cancelled jobs with the checkpoint store. It must run
// before the orchestrator accepts commands.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	interrupted, err := o.jobs.ListByStatuses(ctx, model.ActiveJobStatuses)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	failedCount := 0
	for _, job := range interrupted {
		if o.runtimeOf(job.ID) != nil {
			continue
		}
		hasCheckpoint := o.checkpoints.Exists(job.ID)
		msg := "Interrupted by a control plane restart. Retry required"
		if hasCheckpoint {
			msg = "Interrupted by a control plane restart. Resumable from checkpoint"
		}
		now := time.Now().UTC()
		ok, err := o.jobs.UpdateIfStatus(ctx, job.ID, model.ActiveJobStatuses, &model.JobUpdate{
			Status:        model.Ptr(model.JobStatusFailed),
			ErrorMessage:  model.Ptr("Interrupted"),
			Message:       &msg,
			IsPaused:      model.Ptr(false),
			HasCheckpoint: &hasCheckpoint,
			CompletedAt:   &now,
		})
		if err != nil {
			logger.ErrorCtx(ctx, "failed to reconcile job %s: %v", job.ID, err)
			continue
		}
		if ok {
			failedCount++
			logger.InfoCtx(ctx, "reconciled interrupted job %s (was %s), checkpoint: %v", job.ID, job.Status, hasCheckpoint)
		}
	}

	ended, err := o.jobs.ListByStatuses(ctx, resumableStatuses)
	if err != nil {
		return fmt.Errorf("failed to list resumable jobs: %w", err)
	}
	synced := 0
	for _, job := range ended {
		exists := o.checkpoints.Exists(job.ID)
		if exists == job.HasCheckpoint {
			continue
		}
		if err := o.jobs.Update(ctx, job.ID, &model.JobUpdate{HasCheckpoint: &exists}); err != nil {
			logger.ErrorCtx(ctx, "failed to sync checkpoint flag of job %s: %v", job.ID, err)
			continue
		}
		synced++
	}

	logger.InfoCtx(ctx, "job reconciliation done, interrupted: %d, checkpoint flags synced: %d", failedCount, synced)
	return nil
}
