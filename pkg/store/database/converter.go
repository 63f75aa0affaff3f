package database

import (
	"encoding/json"
	"time"

	"modelforge/internal/model"
	dbmodel "modelforge/pkg/store/database/model"

	"github.com/google/uuid"
)

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func parseOptionalID(s *string) *uuid.UUID {
	if s == nil || *s == "" {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// ToDatasetDomain converts a datasets row to the domain model
func ToDatasetDomain(row *dbmodel.Dataset) *model.Dataset {
	if row == nil {
		return nil
	}
	return &model.Dataset{
		ID:              parseID(row.ID),
		Exchange:        row.Exchange,
		Symbol:          row.Symbol,
		Interval:        row.Interval,
		StartTime:       row.StartTime.UTC(),
		EndTime:         row.EndTime.UTC(),
		Status:          model.DatasetStatus(row.Status),
		RecordCount:     row.RecordCount,
		ErrorMessage:    row.ErrorMessage,
		IngestionTaskID: parseOptionalID(row.IngestionTaskID),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

// FromDatasetDomain converts a domain dataset to its row
func FromDatasetDomain(d *model.Dataset) *dbmodel.Dataset {
	if d == nil {
		return nil
	}
	return &dbmodel.Dataset{
		ID:              d.ID.String(),
		Exchange:        d.Exchange,
		Symbol:          d.Symbol,
		Interval:        d.Interval,
		StartTime:       d.StartTime,
		EndTime:         d.EndTime,
		Status:          int(d.Status),
		RecordCount:     d.RecordCount,
		ErrorMessage:    d.ErrorMessage,
		IngestionTaskID: optionalID(d.IngestionTaskID),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// ToConfigurationDomain converts a configurations row to the domain model
func ToConfigurationDomain(row *dbmodel.Configuration) *model.Configuration {
	if row == nil {
		return nil
	}
	return &model.Configuration{
		ID:                      parseID(row.ID),
		Name:                    row.Name,
		DatasetID:               parseID(row.DatasetID),
		QueueID:                 parseOptionalID(row.QueueID),
		ModelType:               model.ModelType(row.ModelType),
		MaxLags:                 row.MaxLags,
		ForecastHorizon:         row.ForecastHorizon,
		HiddenLayerSizes:        row.HiddenLayerSizes.Data,
		LearningRate:            row.LearningRate,
		BatchSize:               row.BatchSize,
		MaxEpochs:               row.MaxEpochs,
		EarlyStopping:           row.EarlyStopping,
		EarlyStoppingPatience:   row.EarlyStoppingPatience,
		CheckpointEvery:         row.CheckpointEvery,
		RandomSeed:              row.RandomSeed,
		Splits:                  row.Splits.Data,
		RetryPolicy:             row.RetryPolicy.Data,
		PerformanceRequirements: row.PerformanceRequirements.Data,
		TradingEnv:              row.TradingEnv.Data,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}
}

// FromConfigurationDomain converts a domain configuration to its row
func FromConfigurationDomain(c *model.Configuration) *dbmodel.Configuration {
	if c == nil {
		return nil
	}
	return &dbmodel.Configuration{
		ID:                      c.ID.String(),
		Name:                    c.Name,
		DatasetID:               c.DatasetID.String(),
		QueueID:                 optionalID(c.QueueID),
		ModelType:               int(c.ModelType),
		MaxLags:                 c.MaxLags,
		ForecastHorizon:         c.ForecastHorizon,
		HiddenLayerSizes:        dbmodel.NewJSON(c.HiddenLayerSizes),
		LearningRate:            c.LearningRate,
		BatchSize:               c.BatchSize,
		MaxEpochs:               c.MaxEpochs,
		EarlyStopping:           c.EarlyStopping,
		EarlyStoppingPatience:   c.EarlyStoppingPatience,
		CheckpointEvery:         c.CheckpointEvery,
		RandomSeed:              c.RandomSeed,
		Splits:                  dbmodel.NewJSON(c.Splits),
		RetryPolicy:             dbmodel.NewJSON(c.RetryPolicy),
		PerformanceRequirements: dbmodel.NewJSON(c.PerformanceRequirements),
		TradingEnv:              dbmodel.NewJSON(c.TradingEnv),
		CreatedAt:               c.CreatedAt,
		UpdatedAt:               c.UpdatedAt,
	}
}

// ToJobDomain converts a training_jobs row to the domain model
func ToJobDomain(row *dbmodel.Job) *model.Job {
	if row == nil {
		return nil
	}
	return &model.Job{
		ID:               parseID(row.ID),
		Name:             row.Name,
		ConfigurationID:  parseID(row.ConfigurationID),
		DatasetID:        parseID(row.DatasetID),
		QueueID:          parseOptionalID(row.QueueID),
		Status:           model.JobStatus(row.Status),
		Message:          row.Message,
		ErrorMessage:     row.ErrorMessage,
		CurrentEpoch:     row.CurrentEpoch,
		TotalEpochs:      row.TotalEpochs,
		TrainLoss:        row.TrainLoss,
		ValidationLoss:   row.ValidationLoss,
		BestValLoss:      row.BestValLoss,
		CurrentAttempt:   row.CurrentAttempt,
		MaxAttempts:      row.MaxAttempts,
		IsPaused:         row.IsPaused,
		HasCheckpoint:    row.HasCheckpoint,
		LastCheckpointAt: row.LastCheckpointAt,
		Result:           row.Result.Data,
		CreatedAt:        row.CreatedAt,
		StartedAt:        row.StartedAt,
		CompletedAt:      row.CompletedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

// FromJobDomain converts a domain job to its row
func FromJobDomain(j *model.Job) *dbmodel.Job {
	if j == nil {
		return nil
	}
	return &dbmodel.Job{
		ID:               j.ID.String(),
		Name:             j.Name,
		ConfigurationID:  j.ConfigurationID.String(),
		DatasetID:        j.DatasetID.String(),
		QueueID:          optionalID(j.QueueID),
		Status:           int(j.Status),
		Message:          j.Message,
		ErrorMessage:     j.ErrorMessage,
		CurrentEpoch:     j.CurrentEpoch,
		TotalEpochs:      j.TotalEpochs,
		TrainLoss:        j.TrainLoss,
		ValidationLoss:   j.ValidationLoss,
		BestValLoss:      j.BestValLoss,
		CurrentAttempt:   j.CurrentAttempt,
		MaxAttempts:      j.MaxAttempts,
		IsPaused:         j.IsPaused,
		HasCheckpoint:    j.HasCheckpoint,
		LastCheckpointAt: j.LastCheckpointAt,
		Result:           dbmodel.NewJSON(j.Result),
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

// jobUpdateColumns maps the set fields of u to column values
func jobUpdateColumns(u *model.JobUpdate, now time.Time) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": now}
	if u.Status != nil {
		cols["status"] = int(*u.Status)
	}
	if u.Message != nil {
		cols["message"] = *u.Message
	}
	if u.ErrorMessage != nil {
		cols["error_message"] = *u.ErrorMessage
	}
	if u.CurrentEpoch != nil {
		cols["current_epoch"] = *u.CurrentEpoch
	}
	if u.TotalEpochs != nil {
		cols["total_epochs"] = *u.TotalEpochs
	}
	if u.ClearLosses {
		cols["train_loss"] = nil
		cols["validation_loss"] = nil
		cols["best_val_loss"] = nil
	}
	if u.TrainLoss != nil {
		cols["train_loss"] = *u.TrainLoss
	}
	if u.ValidationLoss != nil {
		cols["validation_loss"] = *u.ValidationLoss
	}
	if u.BestValLoss != nil {
		cols["best_val_loss"] = *u.BestValLoss
	}
	if u.CurrentAttempt != nil {
		cols["current_attempt"] = *u.CurrentAttempt
	}
	if u.IsPaused != nil {
		cols["is_paused"] = *u.IsPaused
	}
	if u.HasCheckpoint != nil {
		cols["has_checkpoint"] = *u.HasCheckpoint
	}
	if u.LastCheckpointAt != nil {
		cols["last_checkpoint_at"] = *u.LastCheckpointAt
	}
	if u.ClearResult {
		cols["result"] = dbmodel.NewJSON[*model.JobResult](nil)
	}
	if u.Result != nil {
		cols["result"] = dbmodel.NewJSON(u.Result)
	}
	if u.ClearStartedAt {
		cols["started_at"] = nil
	}
	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}
	if u.ClearCompletedAt {
		cols["completed_at"] = nil
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	return cols
}

// ToTaskDomain converts a background_tasks row to the domain model
func ToTaskDomain(row *dbmodel.BackgroundTask) *model.BackgroundTask {
	if row == nil {
		return nil
	}
	return &model.BackgroundTask{
		ID:              parseID(row.ID),
		Type:            model.TaskType(row.Type),
		Status:          model.TaskStatus(row.Status),
		Priority:        row.Priority,
		Progress:        row.Progress,
		ProgressMessage: row.ProgressMessage,
		ParametersJSON:  json.RawMessage(row.Parameters),
		ResultJSON:      json.RawMessage(row.Result),
		ErrorMessage:    row.ErrorMessage,
		RelatedEntityID: parseOptionalID(row.RelatedEntityID),
		CreatedAt:       row.CreatedAt,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
	}
}

// FromTaskDomain converts a domain task to its row
func FromTaskDomain(t *model.BackgroundTask) *dbmodel.BackgroundTask {
	if t == nil {
		return nil
	}
	return &dbmodel.BackgroundTask{
		ID:              t.ID.String(),
		Type:            int(t.Type),
		Status:          int(t.Status),
		Priority:        t.Priority,
		Progress:        t.Progress,
		ProgressMessage: t.ProgressMessage,
		Parameters:      dbmodel.RawJSON(t.ParametersJSON),
		Result:          dbmodel.RawJSON(t.ResultJSON),
		ErrorMessage:    t.ErrorMessage,
		RelatedEntityID: optionalID(t.RelatedEntityID),
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

// ToContainerDomain converts a resource_containers row to the domain model
func ToContainerDomain(row *dbmodel.Container) *model.Container {
	if row == nil {
		return nil
	}
	return &model.Container{
		ID:          parseID(row.ID),
		Name:        row.Name,
		Type:        model.ContainerType(row.Type),
		MaxCapacity: row.MaxCapacity,
		IsDefault:   row.IsDefault,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

// FromContainerDomain converts a domain container to its row
func FromContainerDomain(c *model.Container) *dbmodel.Container {
	if c == nil {
		return nil
	}
	return &dbmodel.Container{
		ID:          c.ID.String(),
		Name:        c.Name,
		Type:        int(c.Type),
		MaxCapacity: c.MaxCapacity,
		IsDefault:   c.IsDefault,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// ToQueueDomain converts a resource_queues row to the domain model
func ToQueueDomain(row *dbmodel.Queue) *model.Queue {
	if row == nil {
		return nil
	}
	return &model.Queue{
		ID:                parseID(row.ID),
		Name:              row.Name,
		CPUContainerID:    parseID(row.CPUContainerID),
		GPUContainerID:    parseID(row.GPUContainerID),
		RAMContainerID:    parseOptionalID(row.RAMContainerID),
		MaxConcurrentJobs: row.MaxConcurrentJobs,
		MaxJobDuration:    time.Duration(row.MaxJobDurationMs) * time.Millisecond,
		MaxQueueWaitTime:  time.Duration(row.MaxQueueWaitTimeMs) * time.Millisecond,
		IsDefault:         row.IsDefault,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

// FromQueueDomain converts a domain queue to its row
func FromQueueDomain(q *model.Queue) *dbmodel.Queue {
	if q == nil {
		return nil
	}
	return &dbmodel.Queue{
		ID:                 q.ID.String(),
		Name:               q.Name,
		CPUContainerID:     q.CPUContainerID.String(),
		GPUContainerID:     q.GPUContainerID.String(),
		RAMContainerID:     optionalID(q.RAMContainerID),
		MaxConcurrentJobs:  q.MaxConcurrentJobs,
		MaxJobDurationMs:   q.MaxJobDuration.Milliseconds(),
		MaxQueueWaitTimeMs: q.MaxQueueWaitTime.Milliseconds(),
		IsDefault:          q.IsDefault,
		CreatedAt:          q.CreatedAt,
		UpdatedAt:          q.UpdatedAt,
	}
}

// ToModelTestDomain converts a model_tests row to the domain model
func ToModelTestDomain(row *dbmodel.ModelTest) *model.ModelTest {
	if row == nil {
		return nil
	}
	return &model.ModelTest{
		ID:           parseID(row.ID),
		JobID:        parseID(row.JobID),
		DatasetID:    parseID(row.DatasetID),
		Status:       model.TestStatus(row.Status),
		TaskID:       parseOptionalID(row.TaskID),
		Samples:      row.Samples,
		Evaluation:   row.Evaluation.Data,
		Backtest:     row.Backtest.Data,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		CompletedAt:  row.CompletedAt,
	}
}

// FromModelTestDomain converts a domain model test to its row
func FromModelTestDomain(t *model.ModelTest) *dbmodel.ModelTest {
	if t == nil {
		return nil
	}
	return &dbmodel.ModelTest{
		ID:           t.ID.String(),
		JobID:        t.JobID.String(),
		DatasetID:    t.DatasetID.String(),
		Status:       int(t.Status),
		TaskID:       optionalID(t.TaskID),
		Samples:      t.Samples,
		Evaluation:   dbmodel.NewJSON(t.Evaluation),
		Backtest:     dbmodel.NewJSON(t.Backtest),
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}
}
