package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modelforge/internal/model"
	dbmodel "modelforge/pkg/store/database/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var terminalTaskStatuses = []int{
	int(model.TaskStatusCompleted),
	int(model.TaskStatusFailed),
	int(model.TaskStatusCancelled),
}

// TaskRepository persists background tasks for the dispatcher
type TaskRepository struct {
	ds *Datastore
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(ds *Datastore) *TaskRepository {
	return &TaskRepository{ds: ds}
}

// Create inserts a task
func (r *TaskRepository) Create(ctx context.Context, task *model.BackgroundTask) error {
	if err := r.ds.DB(ctx).Create(FromTaskDomain(task)).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns a task, or nil when it does not exist
func (r *TaskRepository) Get(ctx context.Context, id uuid.UUID) (*model.BackgroundTask, error) {
	var row dbmodel.BackgroundTask
	err := r.ds.DB(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return ToTaskDomain(&row), nil
}

// UpsertBatch writes the full state of every task in one statement
func (r *TaskRepository) UpsertBatch(ctx context.Context, tasks []*model.BackgroundTask) error {
	if len(tasks) == 0 {
		return nil
	}
	rows := make([]*dbmodel.BackgroundTask, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, FromTaskDomain(t))
	}
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "priority", "progress", "progress_message",
			"result", "error_message", "started_at", "completed_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %d tasks: %w", len(rows), err)
	}
	return nil
}

// ListForRecovery returns tasks created after since plus every
// non-terminal task
func (r *TaskRepository) ListForRecovery(ctx context.Context, since time.Time) ([]*model.BackgroundTask, error) {
	var rows []*dbmodel.BackgroundTask
	err := r.ds.DB(ctx).
		Where("created_at >= ? OR status NOT IN ?", since, terminalTaskStatuses).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	return toTasks(rows), nil
}

// List returns tasks newest first
func (r *TaskRepository) List(ctx context.Context, filter model.TaskFilter) ([]*model.BackgroundTask, error) {
	query := r.ds.DB(ctx).Model(&dbmodel.BackgroundTask{})
	if filter.Status != nil {
		query = query.Where("status = ?", int(*filter.Status))
	}
	if filter.Type != nil {
		query = query.Where("type = ?", int(*filter.Type))
	}
	if filter.RelatedEntityID != nil {
		query = query.Where("related_entity_id = ?", filter.RelatedEntityID.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []*dbmodel.BackgroundTask
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return toTasks(rows), nil
}

// DeleteTerminalBefore removes finished tasks completed before the cutoff
func (r *TaskRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.ds.DB(ctx).
		Where("status IN ? AND completed_at < ?", terminalTaskStatuses, before).
		Delete(&dbmodel.BackgroundTask{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toTasks(rows []*dbmodel.BackgroundTask) []*model.BackgroundTask {
	out := make([]*model.BackgroundTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToTaskDomain(row))
	}
	return out
}
