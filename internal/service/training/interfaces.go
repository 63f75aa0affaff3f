package training

import (
	"context"

	"modelforge/internal/model"
	"modelforge/pkg/capacity"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/store/database"
	redisstore "modelforge/pkg/store/redis"

	"github.com/google/uuid"
)

type jobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, status *model.JobStatus, limit, offset int) ([]*model.Job, error)
	ListByStatuses(ctx context.Context, statuses []model.JobStatus) ([]*model.Job, error)
	Update(ctx context.Context, id uuid.UUID, upd *model.JobUpdate) error
	UpdateIfStatus(ctx context.Context, id uuid.UUID, expected []model.JobStatus, upd *model.JobUpdate) (bool, error)
}

type configurationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Configuration, error)
}

// DataProvider exposes dataset readiness and ingested candles
type DataProvider interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Dataset, error)
	LoadCandles(ctx context.Context, id uuid.UUID) ([]model.Candle, error)
}

type checkpointStore interface {
	Save(ctx context.Context, cp *checkpoint.Checkpoint, current, best []byte) error
	Load(jobID uuid.UUID) (*checkpoint.Checkpoint, error)
	LoadWeights(jobID uuid.UUID, which checkpoint.Which) ([]byte, error)
	Exists(jobID uuid.UUID) bool
	Delete(ctx context.Context, jobID uuid.UUID) error
}

type admission interface {
	ResolveQueue(id *uuid.UUID) (*model.Queue, error)
	QueueAcquire(ctx context.Context, id, jobID uuid.UUID) error
	QueueRelease(id, jobID uuid.UUID)
}

// ProgressPublisher receives every epoch of every running job
type ProgressPublisher interface {
	Publish(ctx context.Context, p model.JobProgress)
}

// compile-time assertions

var (
	_ jobStore           = (*database.JobRepository)(nil)
	_ configurationStore = (*database.ConfigurationRepository)(nil)
	_ checkpointStore    = (*checkpoint.Store)(nil)
	_ admission          = (*capacity.Manager)(nil)
	_ ProgressPublisher  = (*redisstore.ProgressBus)(nil)
	_ ProgressPublisher  = (*Hub)(nil)
)
