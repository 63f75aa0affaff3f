package model

import (
	"time"

	"github.com/google/uuid"
)

// ModelTest out-of-sample evaluation of a completed job's best model on
// another dataset
type ModelTest struct {
	ID           uuid.UUID         `json:"id"`
	JobID        uuid.UUID         `json:"jobId"`
	DatasetID    uuid.UUID         `json:"datasetId"`
	Status       TestStatus        `json:"status"`
	TaskID       *uuid.UUID        `json:"taskId,omitempty"`
	Samples      int               `json:"samples"`
	Evaluation   *EvaluationResult `json:"evaluation,omitempty"`
	Backtest     *BacktestSummary  `json:"backtest,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

// CreateModelTestRequest request to evaluate a job's model on a dataset
type CreateModelTestRequest struct {
	JobID     uuid.UUID `json:"jobId" binding:"required"`
	DatasetID uuid.UUID `json:"datasetId" binding:"required"`
}
