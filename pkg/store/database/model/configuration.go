package model

import (
	"time"

	domain "modelforge/internal/model"
)

// Configuration row of the configurations table. Nested settings are stored
// as JSON documents.
type Configuration struct {
	ID                      string                               `gorm:"column:id;type:varchar(36);primaryKey"`
	Name                    string                               `gorm:"column:name;type:varchar(255);not null"`
	DatasetID               string                               `gorm:"column:dataset_id;type:varchar(36);not null;index:idx_configuration_dataset"`
	QueueID                 *string                              `gorm:"column:queue_id;type:varchar(36);index:idx_configuration_queue"`
	ModelType               int                                  `gorm:"column:model_type;not null"`
	MaxLags                 int                                  `gorm:"column:max_lags;not null"`
	ForecastHorizon         int                                  `gorm:"column:forecast_horizon;not null"`
	HiddenLayerSizes        JSON[[]int]                          `gorm:"column:hidden_layer_sizes"`
	LearningRate            float64                              `gorm:"column:learning_rate;not null"`
	BatchSize               int                                  `gorm:"column:batch_size;not null"`
	MaxEpochs               int                                  `gorm:"column:max_epochs;not null"`
	EarlyStopping           bool                                 `gorm:"column:early_stopping;not null"`
	EarlyStoppingPatience   int                                  `gorm:"column:early_stopping_patience;not null"`
	CheckpointEvery         int                                  `gorm:"column:checkpoint_every;not null"`
	RandomSeed              int64                                `gorm:"column:random_seed;not null"`
	Splits                  JSON[domain.Splits]                  `gorm:"column:splits"`
	RetryPolicy             JSON[domain.RetryPolicy]             `gorm:"column:retry_policy"`
	PerformanceRequirements JSON[domain.PerformanceRequirements] `gorm:"column:performance_requirements"`
	TradingEnv              JSON[domain.TradingEnv]              `gorm:"column:trading_env"`
	CreatedAt               time.Time                            `gorm:"column:created_at;not null;index:idx_configuration_created_at"`
	UpdatedAt               time.Time                            `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for Configuration
func (Configuration) TableName() string {
	return "configurations"
}
