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

// DatasetRepository persists dataset metadata. Candles live in the local
// candle cache.
type DatasetRepository struct {
	ds *Datastore
}

// NewDatasetRepository creates a new dataset repository
func NewDatasetRepository(ds *Datastore) *DatasetRepository {
	return &DatasetRepository{ds: ds}
}

// Create inserts a dataset
func (r *DatasetRepository) Create(ctx context.Context, d *model.Dataset) error {
	if err := r.ds.DB(ctx).Create(FromDatasetDomain(d)).Error; err != nil {
		return fmt.Errorf("failed to create dataset: %w", err)
	}
	return nil
}

// Get returns a dataset or model.ErrNotFound
func (r *DatasetRepository) Get(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	var row dbmodel.Dataset
	err := r.ds.DB(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dataset %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return ToDatasetDomain(&row), nil
}

// List returns datasets newest first
func (r *DatasetRepository) List(ctx context.Context) ([]*model.Dataset, error) {
	var rows []*dbmodel.Dataset
	if err := r.ds.DB(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	out := make([]*model.Dataset, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToDatasetDomain(row))
	}
	return out, nil
}

// UpdateStatus sets the ingestion state of a dataset
func (r *DatasetRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DatasetStatus, recordCount int64, errMsg string) error {
	result := r.ds.DB(ctx).Model(&dbmodel.Dataset{}).
		Where("id = ?", id.String()).
		Updates(map[string]interface{}{
			"status":        int(status),
			"record_count":  recordCount,
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update dataset: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dataset %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetIngestionTask links the task ingesting a dataset
func (r *DatasetRepository) SetIngestionTask(ctx context.Context, id, taskID uuid.UUID) error {
	return r.ds.DB(ctx).Model(&dbmodel.Dataset{}).
		Where("id = ?", id.String()).
		Updates(map[string]interface{}{
			"ingestion_task_id": taskID.String(),
			"updated_at":        time.Now().UTC(),
		}).Error
}

// Delete removes a dataset
func (r *DatasetRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.ds.DB(ctx).Where("id = ?", id.String()).Delete(&dbmodel.Dataset{}).Error; err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return nil
}
