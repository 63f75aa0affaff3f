package model

import (
	"time"

	domain "modelforge/internal/model"
)

// ModelTest row of the model_tests table
type ModelTest struct {
	ID           string                         `gorm:"column:id;type:varchar(36);primaryKey"`
	JobID        string                         `gorm:"column:job_id;type:varchar(36);not null;index:idx_model_test_job"`
	DatasetID    string                         `gorm:"column:dataset_id;type:varchar(36);not null;index:idx_model_test_dataset"`
	Status       int                            `gorm:"column:status;not null"`
	TaskID       *string                        `gorm:"column:task_id;type:varchar(36)"`
	Samples      int                            `gorm:"column:samples;not null;default:0"`
	Evaluation   JSON[*domain.EvaluationResult] `gorm:"column:evaluation"`
	Backtest     JSON[*domain.BacktestSummary]  `gorm:"column:backtest"`
	ErrorMessage string                         `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time                      `gorm:"column:created_at;not null;index:idx_model_test_created_at"`
	CompletedAt  *time.Time                     `gorm:"column:completed_at"`
}

// TableName specifies the table name for ModelTest
func (ModelTest) TableName() string {
	return "model_tests"
}

// All returns every table model, in migration order
func All() []interface{} {
	return []interface{}{
		&Dataset{},
		&Configuration{},
		&Job{},
		&BackgroundTask{},
		&Container{},
		&Queue{},
		&ModelTest{},
	}
}
