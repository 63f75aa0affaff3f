package main

import (
	"context"
	"time"

	"modelforge/internal/jobs"
	"modelforge/pkg/lock"
	"modelforge/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// initJobs registers periodic maintenance. Each job is guarded by a Redis
// lock so only one replica runs it; without Redis the locks are always
// granted.
func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)

	var client *redis.Client
	if app.redisClient != nil {
		client = app.redisClient.GetClient()
	}
	cfg := app.config.Jobs

	manager.Register(jobs.NewLocked(
		"checkpoint-cleanup",
		cfg.CheckpointCleanupInterval,
		false,
		lock.New(client, "maintenance:checkpoint-cleanup"),
		app.cleanupCheckpoints,
	))
	manager.Register(jobs.NewLocked(
		"task-prune",
		cfg.TaskPruneInterval,
		true,
		lock.New(client, "maintenance:task-prune"),
		app.pruneTasks,
	))

	app.jobsManager = manager
	return nil
}

// cleanupCheckpoints removes checkpoint directories whose job no longer
// exists
func (app *Application) cleanupCheckpoints(ctx context.Context) error {
	ids, err := app.repo.Job.ListIDs(ctx)
	if err != nil {
		return err
	}
	removed, err := app.checkpoints.CleanupStale(ctx, ids)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.InfoCtx(ctx, "removed %d orphaned checkpoints", removed)
	}
	return nil
}

// pruneTasks deletes terminal background tasks past the retention window
func (app *Application) pruneTasks(ctx context.Context) error {
	before := time.Now().Add(-app.config.Jobs.TaskRetention)
	n, err := app.dispatcher.Prune(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.InfoCtx(ctx, "pruned %d background tasks older than %s", n, before.Format(time.RFC3339))
	}
	return nil
}
