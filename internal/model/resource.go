package model

import (
	"time"

	"github.com/google/uuid"
)

// Container a named pool of one resource kind. MaxCapacity is a slot count
// for CPU/GPU and a byte count for RAM.
type Container struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Type        ContainerType `json:"type"`
	MaxCapacity int64         `json:"maxCapacity"`
	IsDefault   bool          `json:"isDefault"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Queue bundles a CPU and a GPU container, optionally a RAM container, and
// bounds concurrent jobs
type Queue struct {
	ID                uuid.UUID     `json:"id"`
	Name              string        `json:"name"`
	CPUContainerID    uuid.UUID     `json:"cpuContainerId"`
	GPUContainerID    uuid.UUID     `json:"gpuContainerId"`
	RAMContainerID    *uuid.UUID    `json:"ramContainerId,omitempty"`
	MaxConcurrentJobs int           `json:"maxConcurrentJobs"`
	MaxJobDuration    time.Duration `json:"maxJobDuration"`   // 0 means unbounded
	MaxQueueWaitTime  time.Duration `json:"maxQueueWaitTime"` // 0 means unbounded
	IsDefault         bool          `json:"isDefault"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// SlotHolder a job holding or waiting for a slot
type SlotHolder struct {
	JobID uuid.UUID `json:"jobId"`
	Since time.Time `json:"since"`
}

// ContainerStatus runtime view of a container
type ContainerStatus struct {
	Container
	CapacityDisplay string       `json:"capacityDisplay"`
	Held            []SlotHolder `json:"held"`
	Queued          []SlotHolder `json:"queued"`
}

// QueueStatus runtime view of a queue
type QueueStatus struct {
	Queue
	Held   []SlotHolder `json:"held"`
	Queued []SlotHolder `json:"queued"`
}
