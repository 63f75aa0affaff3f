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
)

// JobRepository persists training jobs
type JobRepository struct {
	ds *Datastore
}

// NewJobRepository creates a new job repository
func NewJobRepository(ds *Datastore) *JobRepository {
	return &JobRepository{ds: ds}
}

// Create inserts a job
func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	if err := r.ds.DB(ctx).Create(FromJobDomain(job)).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get returns a job or model.ErrNotFound
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var row dbmodel.Job
	err := r.ds.DB(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return ToJobDomain(&row), nil
}

// List returns jobs newest first, optionally filtered by status
func (r *JobRepository) List(ctx context.Context, status *model.JobStatus, limit, offset int) ([]*model.Job, error) {
	query := r.ds.DB(ctx).Model(&dbmodel.Job{})
	if status != nil {
		query = query.Where("status = ?", int(*status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*dbmodel.Job
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toJobs(rows), nil
}

// ListByStatuses returns every job in one of statuses, oldest first
func (r *JobRepository) ListByStatuses(ctx context.Context, statuses []model.JobStatus) ([]*model.Job, error) {
	var rows []*dbmodel.Job
	err := r.ds.DB(ctx).Where("status IN ?", statusInts(statuses)).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return toJobs(rows), nil
}

// ListIDs returns the id of every job
func (r *JobRepository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []string
	if err := r.ds.DB(ctx).Model(&dbmodel.Job{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// Update applies upd unconditionally
func (r *JobRepository) Update(ctx context.Context, id uuid.UUID, upd *model.JobUpdate) error {
	result := r.ds.DB(ctx).Model(&dbmodel.Job{}).
		Where("id = ?", id.String()).
		Updates(jobUpdateColumns(upd, time.Now().UTC()))
	if result.Error != nil {
		return fmt.Errorf("failed to update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpdateIfStatus applies upd only while the job is in one of expected
// (compare and swap). It reports whether the row was updated.
func (r *JobRepository) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected []model.JobStatus, upd *model.JobUpdate) (bool, error) {
	result := r.ds.DB(ctx).Model(&dbmodel.Job{}).
		Where("id = ? AND status IN ?", id.String(), statusInts(expected)).
		Updates(jobUpdateColumns(upd, time.Now().UTC()))
	if result.Error != nil {
		return false, fmt.Errorf("failed to update job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Delete removes a job
func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.ds.DB(ctx).Where("id = ?", id.String()).Delete(&dbmodel.Job{}).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// CountActiveByConfiguration counts non-terminal jobs of a configuration
func (r *JobRepository) CountActiveByConfiguration(ctx context.Context, configurationID uuid.UUID) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&dbmodel.Job{}).
		Where("configuration_id = ? AND status IN ?", configurationID.String(), statusInts(model.ActiveJobStatuses)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// CountByDataset counts every job trained on a dataset
func (r *JobRepository) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&dbmodel.Job{}).
		Where("dataset_id = ?", datasetID.String()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func toJobs(rows []*dbmodel.Job) []*model.Job {
	out := make([]*model.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToJobDomain(row))
	}
	return out
}

func statusInts(statuses []model.JobStatus) []int {
	out := make([]int, len(statuses))
	for i, s := range statuses {
		out[i] = int(s)
	}
	return out
}
