package service

import (
	"context"

	"modelforge/internal/model"
	"modelforge/pkg/capacity"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/dispatcher"
	"modelforge/pkg/marketdata"
	"modelforge/pkg/store/database"

	"github.com/google/uuid"
)

type datasetRepository interface {
	Create(ctx context.Context, d *model.Dataset) error
	Get(ctx context.Context, id uuid.UUID) (*model.Dataset, error)
	List(ctx context.Context) ([]*model.Dataset, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.DatasetStatus, recordCount int64, errMsg string) error
	SetIngestionTask(ctx context.Context, id, taskID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type configurationRepository interface {
	Create(ctx context.Context, c *model.Configuration) error
	Get(ctx context.Context, id uuid.UUID) (*model.Configuration, error)
	List(ctx context.Context) ([]*model.Configuration, error)
	Update(ctx context.Context, c *model.Configuration) error
	Delete(ctx context.Context, id uuid.UUID) error
	CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error)
}

type jobRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	CountActiveByConfiguration(ctx context.Context, configurationID uuid.UUID) (int64, error)
	CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error)
}

type modelTestRepository interface {
	Create(ctx context.Context, t *model.ModelTest) error
	Get(ctx context.Context, id uuid.UUID) (*model.ModelTest, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.ModelTest, error)
	Save(ctx context.Context, t *model.ModelTest) error
	Delete(ctx context.Context, id uuid.UUID) error
	CountByDataset(ctx context.Context, datasetID uuid.UUID) (int64, error)
}

// candleStore local copy of ingested candles
type candleStore interface {
	Save(ctx context.Context, datasetID uuid.UUID, candles []model.Candle) error
	Load(ctx context.Context, datasetID uuid.UUID) ([]model.Candle, error)
	Count(ctx context.Context, datasetID uuid.UUID) (int64, error)
	Delete(ctx context.Context, datasetID uuid.UUID) error
}

// taskQueue the part of the dispatcher services enqueue work on
type taskQueue interface {
	Enqueue(ctx context.Context, req dispatcher.EnqueueRequest) (*model.BackgroundTask, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

type queueLookup interface {
	ResolveQueue(id *uuid.UUID) (*model.Queue, error)
}

type checkpointReader interface {
	Load(jobID uuid.UUID) (*checkpoint.Checkpoint, error)
	LoadWeights(jobID uuid.UUID, which checkpoint.Which) ([]byte, error)
}

// compile-time assertions

var (
	_ datasetRepository       = (*database.DatasetRepository)(nil)
	_ configurationRepository = (*database.ConfigurationRepository)(nil)
	_ jobRepository           = (*database.JobRepository)(nil)
	_ modelTestRepository     = (*database.ModelTestRepository)(nil)
	_ candleStore             = (*marketdata.CandleCache)(nil)
	_ taskQueue               = (*dispatcher.Dispatcher)(nil)
	_ queueLookup             = (*capacity.Manager)(nil)
	_ checkpointReader        = (*checkpoint.Store)(nil)
)
