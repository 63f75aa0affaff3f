package model

import "time"

// Container row of the resource_containers table
type Container struct {
	ID          string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Name        string    `gorm:"column:name;type:varchar(255);not null;uniqueIndex:idx_container_name"`
	Type        int       `gorm:"column:type;not null"`
	MaxCapacity int64     `gorm:"column:max_capacity;not null"`
	IsDefault   bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for Container
func (Container) TableName() string {
	return "resource_containers"
}

// Queue row of the resource_queues table. Durations are milliseconds.
type Queue struct {
	ID                 string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Name               string    `gorm:"column:name;type:varchar(255);not null;uniqueIndex:idx_queue_name"`
	CPUContainerID     string    `gorm:"column:cpu_container_id;type:varchar(36);not null"`
	GPUContainerID     string    `gorm:"column:gpu_container_id;type:varchar(36);not null"`
	RAMContainerID     *string   `gorm:"column:ram_container_id;type:varchar(36)"`
	MaxConcurrentJobs  int       `gorm:"column:max_concurrent_jobs;not null"`
	MaxJobDurationMs   int64     `gorm:"column:max_job_duration_ms;not null;default:0"`
	MaxQueueWaitTimeMs int64     `gorm:"column:max_queue_wait_time_ms;not null;default:0"`
	IsDefault          bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for Queue
func (Queue) TableName() string {
	return "resource_queues"
}
