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

// ConfigurationRepository persists training configurations
type ConfigurationRepository struct {
	ds *Datastore
}

// NewConfigurationRepository creates a new configuration repository
func NewConfigurationRepository(ds *Datastore) *ConfigurationRepository {
	return &ConfigurationRepository{ds: ds}
}

// Create inserts a configuration
func (r *ConfigurationRepository) Create(ctx context.Context, c *model.Configuration) error {
	if err := r.ds.DB(ctx).Create(FromConfigurationDomain(c)).Error; err != nil {
		return fmt.Errorf("failed to create configuration: %w", err)
	}
	return nil
}

// Get returns a configuration or model.ErrNotFound
func (r *ConfigurationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Configuration, error) {
	var row dbmodel.Configuration
	err := r.ds.DB(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("configuration %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return ToConfigurationDomain(&row), nil
}

// List returns configurations newest first
func (r *ConfigurationRepository) List(ctx context.Context) ([]*model.Configuration, error) {
	var rows []*dbmodel.Configuration
	if err := r.ds.DB(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	out := make([]*model.Configuration, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToConfigurationDomain(row))
	}
	return out, nil
}

// Update replaces every field of a configuration
func (r *ConfigurationRepository) Update(ctx context.Context, c *model.Configuration) error {
	result := r.ds.DB(ctx).Select("*").Omit("created_at").
		Where("id = ?", c.ID.String()).
		Updates(FromConfigurationDomain(c))
	if result.Error != nil {
		return fmt.Errorf("failed to update configuration: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("configuration %s: %w", c.ID, model.ErrNotFound)
	}
	return nil
}

// Delete removes a configuration
func (r *ConfigurationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.ds.DB(ctx).Where("id = ?", id.String()).Delete(&dbmodel.Configuration{}).Error; err != nil {
		return fmt.Errorf("failed to delete configuration: %w", err)
	}
	return nil
}

// CountByDataset counts configurations referencing a dataset
func (r *ConfigurationRepository) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&dbmodel.Configuration{}).
		Where("dataset_id = ?", datasetID.String()).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count configurations: %w", err)
	}
	return count, nil
}

// CountByQueue counts configurations pinned to a queue
func (r *ConfigurationRepository) CountByQueue(ctx context.Context, queueID uuid.UUID) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&dbmodel.Configuration{}).
		Where("queue_id = ?", queueID.String()).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count configurations: %w", err)
	}
	return count, nil
}
