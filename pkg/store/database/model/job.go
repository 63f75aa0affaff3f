package model

import (
	"time"

	domain "modelforge/internal/model"
)

// Job row of the training_jobs table
type Job struct {
	ID               string                  `gorm:"column:id;type:varchar(36);primaryKey"`
	Name             string                  `gorm:"column:name;type:varchar(255);not null"`
	ConfigurationID  string                  `gorm:"column:configuration_id;type:varchar(36);not null;index:idx_job_configuration"`
	DatasetID        string                  `gorm:"column:dataset_id;type:varchar(36);not null;index:idx_job_dataset"`
	QueueID          *string                 `gorm:"column:queue_id;type:varchar(36)"`
	Status           int                     `gorm:"column:status;not null;index:idx_job_status"`
	Message          string                  `gorm:"column:message;type:varchar(1000)"`
	ErrorMessage     string                  `gorm:"column:error_message;type:text"`
	CurrentEpoch     int                     `gorm:"column:current_epoch;not null;default:0"`
	TotalEpochs      int                     `gorm:"column:total_epochs;not null;default:0"`
	TrainLoss        *float64                `gorm:"column:train_loss"`
	ValidationLoss   *float64                `gorm:"column:validation_loss"`
	BestValLoss      *float64                `gorm:"column:best_val_loss"`
	CurrentAttempt   int                     `gorm:"column:current_attempt;not null;default:0"`
	MaxAttempts      int                     `gorm:"column:max_attempts;not null;default:1"`
	IsPaused         bool                    `gorm:"column:is_paused;not null;default:false"`
	HasCheckpoint    bool                    `gorm:"column:has_checkpoint;not null;default:false"`
	LastCheckpointAt *time.Time              `gorm:"column:last_checkpoint_at"`
	Result           JSON[*domain.JobResult] `gorm:"column:result"`
	CreatedAt        time.Time               `gorm:"column:created_at;not null;index:idx_job_created_at"`
	StartedAt        *time.Time              `gorm:"column:started_at"`
	CompletedAt      *time.Time              `gorm:"column:completed_at"`
	UpdatedAt        time.Time               `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for Job
func (Job) TableName() string {
	return "training_jobs"
}
