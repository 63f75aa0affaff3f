package database

import (
	"context"
	"errors"
	"fmt"

	"modelforge/internal/model"
	dbmodel "modelforge/pkg/store/database/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModelTestRepository persists out-of-sample model tests
type ModelTestRepository struct {
	ds *Datastore
}

// NewModelTestRepository creates a new model test repository
func NewModelTestRepository(ds *Datastore) *ModelTestRepository {
	return &ModelTestRepository{ds: ds}
}

// Create inserts a model test
func (r *ModelTestRepository) Create(ctx context.Context, t *model.ModelTest) error {
	if err := r.ds.DB(ctx).Create(FromModelTestDomain(t)).Error; err != nil {
		return fmt.Errorf("failed to create model test: %w", err)
	}
	return nil
}

// Get returns a model test or model.ErrNotFound
func (r *ModelTestRepository) Get(ctx context.Context, id uuid.UUID) (*model.ModelTest, error) {
	var row dbmodel.ModelTest
	err := r.ds.DB(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("model test %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model test: %w", err)
	}
	return ToModelTestDomain(&row), nil
}

// ListByJob returns the tests of a job newest first
func (r *ModelTestRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.ModelTest, error) {
	var rows []*dbmodel.ModelTest
	err := r.ds.DB(ctx).Where("job_id = ?", jobID.String()).
		Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list model tests: %w", err)
	}
	out := make([]*model.ModelTest, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToModelTestDomain(row))
	}
	return out, nil
}

// Save writes the full state of a model test
func (r *ModelTestRepository) Save(ctx context.Context, t *model.ModelTest) error {
	if err := r.ds.DB(ctx).Save(FromModelTestDomain(t)).Error; err != nil {
		return fmt.Errorf("failed to save model test: %w", err)
	}
	return nil
}

// CountByDataset counts tests evaluated on a dataset
func (r *ModelTestRepository) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&dbmodel.ModelTest{}).
		Where("dataset_id = ?", datasetID.String()).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count model tests: %w", err)
	}
	return count, nil
}

// Delete removes one model test
func (r *ModelTestRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.ds.DB(ctx).Where("id = ?", id.String()).Delete(&dbmodel.ModelTest{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete model test: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("model test %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// DeleteByJob removes every test of a job
func (r *ModelTestRepository) DeleteByJob(ctx context.Context, jobID uuid.UUID) error {
	return r.ds.DB(ctx).Where("job_id = ?", jobID.String()).Delete(&dbmodel.ModelTest{}).Error
}
