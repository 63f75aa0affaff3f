package model

import "time"

// BackgroundTask row of the background_tasks table
type BackgroundTask struct {
	ID              string     `gorm:"column:id;type:varchar(36);primaryKey"`
	Type            int        `gorm:"column:type;not null;index:idx_task_type"`
	Status          int        `gorm:"column:status;not null;index:idx_task_status"`
	Priority        int        `gorm:"column:priority;not null;default:0"`
	Progress        float64    `gorm:"column:progress;not null;default:0"`
	ProgressMessage string     `gorm:"column:progress_message;type:varchar(1000)"`
	Parameters      RawJSON    `gorm:"column:parameters"`
	Result          RawJSON    `gorm:"column:result"`
	ErrorMessage    string     `gorm:"column:error_message;type:text"`
	RelatedEntityID *string    `gorm:"column:related_entity_id;type:varchar(36);index:idx_task_related_entity"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null;index:idx_task_created_at"`
	StartedAt       *time.Time `gorm:"column:started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at;index:idx_task_completed_at"`
}

// TableName specifies the table name for BackgroundTask
func (BackgroundTask) TableName() string {
	return "background_tasks"
}
