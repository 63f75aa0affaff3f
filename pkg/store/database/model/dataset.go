package model

import "time"

// Dataset row of the datasets table
type Dataset struct {
	ID              string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Exchange        string    `gorm:"column:exchange;type:varchar(64);not null;index:idx_dataset_instrument,priority:1"`
	Symbol          string    `gorm:"column:symbol;type:varchar(64);not null;index:idx_dataset_instrument,priority:2"`
	Interval        string    `gorm:"column:candle_interval;type:varchar(16);not null;index:idx_dataset_instrument,priority:3"`
	StartTime       time.Time `gorm:"column:start_time;not null"`
	EndTime         time.Time `gorm:"column:end_time;not null"`
	Status          int       `gorm:"column:status;not null;index:idx_dataset_status"`
	RecordCount     int64     `gorm:"column:record_count;not null;default:0"`
	ErrorMessage    string    `gorm:"column:error_message;type:text"`
	IngestionTaskID *string   `gorm:"column:ingestion_task_id;type:varchar(36)"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index:idx_dataset_created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for Dataset
func (Dataset) TableName() string {
	return "datasets"
}
