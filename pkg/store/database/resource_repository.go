package database

import (
	"context"
	"fmt"

	"modelforge/internal/model"
	dbmodel "modelforge/pkg/store/database/model"

	"github.com/google/uuid"
)

// ResourceRepository persists resource containers and queues
type ResourceRepository struct {
	ds *Datastore
}

// NewResourceRepository creates a new resource repository
func NewResourceRepository(ds *Datastore) *ResourceRepository {
	return &ResourceRepository{ds: ds}
}

// ListContainers returns every container
func (r *ResourceRepository) ListContainers(ctx context.Context) ([]*model.Container, error) {
	var rows []*dbmodel.Container
	if err := r.ds.DB(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]*model.Container, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToContainerDomain(row))
	}
	return out, nil
}

// CreateContainer inserts a container
func (r *ResourceRepository) CreateContainer(ctx context.Context, c *model.Container) error {
	if err := r.ds.DB(ctx).Create(FromContainerDomain(c)).Error; err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// UpdateContainer replaces the mutable fields of a container
func (r *ResourceRepository) UpdateContainer(ctx context.Context, c *model.Container) error {
	result := r.ds.DB(ctx).Model(&dbmodel.Container{}).
		Where("id = ?", c.ID.String()).
		Updates(map[string]interface{}{
			"name":         c.Name,
			"max_capacity": c.MaxCapacity,
			"updated_at":   c.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update container: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("container %s: %w", c.ID, model.ErrNotFound)
	}
	return nil
}

// DeleteContainer removes a container
func (r *ResourceRepository) DeleteContainer(ctx context.Context, id uuid.UUID) error {
	if err := r.ds.DB(ctx).Where("id = ?", id.String()).Delete(&dbmodel.Container{}).Error; err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// ListQueues returns every queue
func (r *ResourceRepository) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	var rows []*dbmodel.Queue
	if err := r.ds.DB(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	out := make([]*model.Queue, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToQueueDomain(row))
	}
	return out, nil
}

// CreateQueue inserts a queue
func (r *ResourceRepository) CreateQueue(ctx context.Context, q *model.Queue) error {
	if err := r.ds.DB(ctx).Create(FromQueueDomain(q)).Error; err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	return nil
}

// UpdateQueue replaces the mutable fields of a queue
func (r *ResourceRepository) UpdateQueue(ctx context.Context, q *model.Queue) error {
	row := FromQueueDomain(q)
	result := r.ds.DB(ctx).Model(&dbmodel.Queue{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"name":                   row.Name,
			"cpu_container_id":       row.CPUContainerID,
			"gpu_container_id":       row.GPUContainerID,
			"ram_container_id":       row.RAMContainerID,
			"max_concurrent_jobs":    row.MaxConcurrentJobs,
			"max_job_duration_ms":    row.MaxJobDurationMs,
			"max_queue_wait_time_ms": row.MaxQueueWaitTimeMs,
			"updated_at":             row.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update queue: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue %s: %w", q.ID, model.ErrNotFound)
	}
	return nil
}

// DeleteQueue removes a queue
func (r *ResourceRepository) DeleteQueue(ctx context.Context, id uuid.UUID) error {
	if err := r.ds.DB(ctx).Where("id = ?", id.String()).Delete(&dbmodel.Queue{}).Error; err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}
