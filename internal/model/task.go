package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BackgroundTask durable unit of work owned by the dispatcher
type BackgroundTask struct {
	ID              uuid.UUID       `json:"id"`
	Type            TaskType        `json:"type"`
	Status          TaskStatus      `json:"status"`
	Priority        int             `json:"priority"` // lower runs first
	Progress        float64         `json:"progress"` // 0..100
	ProgressMessage string          `json:"progressMessage,omitempty"`
	ParametersJSON  json.RawMessage `json:"parameters,omitempty"`
	ResultJSON      json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	RelatedEntityID *uuid.UUID      `json:"relatedEntityId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *BackgroundTask) Clone() *BackgroundTask {
	c := *t
	if t.ParametersJSON != nil {
		c.ParametersJSON = append(json.RawMessage(nil), t.ParametersJSON...)
	}
	if t.ResultJSON != nil {
		c.ResultJSON = append(json.RawMessage(nil), t.ResultJSON...)
	}
	if t.RelatedEntityID != nil {
		id := *t.RelatedEntityID
		c.RelatedEntityID = &id
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// TaskFilter list filter for background tasks
type TaskFilter struct {
	Status          *TaskStatus
	Type            *TaskType
	RelatedEntityID *uuid.UUID
	Limit           int
}
