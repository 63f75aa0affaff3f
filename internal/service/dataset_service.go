package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/dispatcher"
	"modelforge/pkg/logger"
	"modelforge/pkg/marketdata"
	"modelforge/pkg/status"

	"github.com/google/uuid"
)

// IngestionParams parameters of a DatasetIngestion task
type IngestionParams struct {
	DatasetID uuid.UUID `json:"datasetId"`
}

// IngestionResult result of a DatasetIngestion task
type IngestionResult struct {
	DatasetID   uuid.UUID `json:"datasetId"`
	RecordCount int64     `json:"recordCount"`
}

// DatasetService registers datasets and ingests their candles
type DatasetService struct {
	datasets datasetRepository
	configs  configurationRepository
	jobs     jobRepository
	tests    modelTestRepository
	candles  candleStore
	source   marketdata.Source
	tasks    taskQueue
}

// NewDatasetService creates a new dataset service
func NewDatasetService(
	datasets datasetRepository,
	configs configurationRepository,
	jobs jobRepository,
	tests modelTestRepository,
	candles candleStore,
	source marketdata.Source,
	tasks taskQueue,
) *DatasetService {
	return &DatasetService{
		datasets: datasets,
		configs:  configs,
		jobs:     jobs,
		tests:    tests,
		candles:  candles,
		source:   source,
		tasks:    tasks,
	}
}

// Create registers a dataset and enqueues its ingestion
func (s *DatasetService) Create(ctx context.Context, req *model.CreateDatasetRequest) (*model.Dataset, error) {
	fetch := marketdata.Request{
		Exchange: strings.ToLower(strings.TrimSpace(req.Exchange)),
		Symbol:   strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Interval: req.Interval,
		Start:    req.StartTime.UTC(),
		End:      req.EndTime.UTC(),
	}
	if err := fetch.Validate(); err != nil {
		return nil, err
	}
	if fetch.Start.After(time.Now()) {
		return nil, fmt.Errorf("%w: startTime is in the future", model.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	d := &model.Dataset{
		ID:        uuid.New(),
		Exchange:  fetch.Exchange,
		Symbol:    fetch.Symbol,
		Interval:  fetch.Interval,
		StartTime: fetch.Start,
		EndTime:   fetch.End,
		Status:    model.DatasetStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.datasets.Create(ctx, d); err != nil {
		return nil, err
	}
	if err := s.enqueueIngestion(ctx, d); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "dataset registered, id: %s, %s %s %s [%s, %s)",
		d.ID, d.Exchange, d.Symbol, d.Interval, d.StartTime.Format(time.RFC3339), d.EndTime.Format(time.RFC3339))
	return d, nil
}

func (s *DatasetService) enqueueIngestion(ctx context.Context, d *model.Dataset) error {
	task, err := s.tasks.Enqueue(ctx, dispatcher.EnqueueRequest{
		Type:            model.TaskTypeDatasetIngestion,
		Parameters:      IngestionParams{DatasetID: d.ID},
		RelatedEntityID: &d.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue ingestion: %w", err)
	}
	if err := s.datasets.SetIngestionTask(ctx, d.ID, task.ID); err != nil {
		return fmt.Errorf("failed to link ingestion task: %w", err)
	}
	d.IngestionTaskID = &task.ID
	return nil
}

// Get returns a dataset
func (s *DatasetService) Get(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	return s.datasets.Get(ctx, id)
}

// List returns every dataset
func (s *DatasetService) List(ctx context.Context) ([]*model.Dataset, error) {
	return s.datasets.List(ctx)
}

// LoadCandles returns the ingested candles of a Ready dataset
func (s *DatasetService) LoadCandles(ctx context.Context, id uuid.UUID) ([]model.Candle, error) {
	d, err := s.datasets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DatasetStatusReady {
		return nil, fmt.Errorf("%w: dataset %s is %s", model.ErrDependencyUnavailable, id, d.Status)
	}
	return s.candles.Load(ctx, id)
}

// Reingest discards the stored candles and downloads the window again
func (s *DatasetService) Reingest(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	d, err := s.datasets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == model.DatasetStatusPending || d.Status == model.DatasetStatusDownloading {
		return nil, fmt.Errorf("%w: dataset %s is already being ingested", model.ErrConflict, id)
	}
	if err := s.candles.Delete(ctx, id); err != nil {
		return nil, err
	}
	if err := s.datasets.UpdateStatus(ctx, id, model.DatasetStatusPending, 0, ""); err != nil {
		return nil, err
	}
	d.Status, d.RecordCount, d.ErrorMessage = model.DatasetStatusPending, 0, ""
	if err := s.enqueueIngestion(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Delete removes a dataset nothing references, with its candles
func (s *DatasetService) Delete(ctx context.Context, id uuid.UUID) error {
	d, err := s.datasets.Get(ctx, id)
	if err != nil {
		return err
	}

	refs := []struct {
		what  string
		count func(context.Context, uuid.UUID) (int64, error)
	}{
		{"job", s.jobs.CountByDataset},
		{"configuration", s.configs.CountByDataset},
		{"model test", s.tests.CountByDataset},
	}
	for _, ref := range refs {
		n, err := ref.count(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: dataset %s is referenced by %d %s(s)", model.ErrConflict, id, n, ref.what)
		}
	}

	if d.IngestionTaskID != nil && (d.Status == model.DatasetStatusPending || d.Status == model.DatasetStatusDownloading) {
		if _, err := s.tasks.Cancel(ctx, *d.IngestionTaskID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	if err := s.candles.Delete(ctx, id); err != nil {
		return err
	}
	return s.datasets.Delete(ctx, id)
}

// IngestionCancelledMessage error message of a dataset whose ingestion task
// was cancelled before it ran
const IngestionCancelledMessage = "Ingestion task was cancelled"

// IngestionHandler dispatcher handler for DatasetIngestion tasks
func (s *DatasetService) IngestionHandler() dispatcher.Handler {
	return dispatcher.WithCancelHook(s.ingest, s.ingestionCancelled)
}

// ingestionCancelled fails the dataset so jobs waiting on it stop waiting
func (s *DatasetService) ingestionCancelled(ctx context.Context, task *model.BackgroundTask) {
	var params IngestionParams
	if err := json.Unmarshal(task.ParametersJSON, &params); err != nil {
		logger.WarnCtx(ctx, "cancelled ingestion task %s has invalid parameters: %v", task.ID, err)
		return
	}
	d, err := s.datasets.Get(ctx, params.DatasetID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logger.WarnCtx(ctx, "failed to load dataset %s of cancelled task %s: %v", params.DatasetID, task.ID, err)
		}
		return
	}
	if d.Status != model.DatasetStatusPending && d.Status != model.DatasetStatusDownloading {
		return
	}
	// a newer ingestion owns the dataset
	if d.IngestionTaskID != nil && *d.IngestionTaskID != task.ID {
		return
	}
	if err := s.datasets.UpdateStatus(ctx, d.ID, model.DatasetStatusFailed, 0, IngestionCancelledMessage); err != nil {
		logger.ErrorCtx(ctx, "failed to mark dataset %s failed: %v", d.ID, err)
		return
	}
	logger.InfoCtx(ctx, "dataset ingestion cancelled, id: %s", d.ID)
}

func (s *DatasetService) ingest(ctx context.Context, task *model.BackgroundTask, report dispatcher.ProgressReporter) (json.RawMessage, error) {
	var params IngestionParams
	if err := json.Unmarshal(task.ParametersJSON, &params); err != nil {
		return nil, fmt.Errorf("invalid ingestion parameters: %w", err)
	}
	d, err := s.datasets.Get(ctx, params.DatasetID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithTraceID(ctx, task.ID.String())

	if err := s.datasets.UpdateStatus(ctx, d.ID, model.DatasetStatusDownloading, 0, ""); err != nil {
		return nil, err
	}
	report(dispatcher.Progress{Percent: 0, Message: "Fetching candles"})

	count, err := s.download(ctx, d, report)
	if err != nil {
		// the task context may already be cancelled
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := s.datasets.UpdateStatus(markCtx, d.ID, model.DatasetStatusFailed, 0, status.Error(err)); uerr != nil {
			logger.ErrorCtx(ctx, "failed to mark dataset %s failed: %v", d.ID, uerr)
		}
		logger.WarnCtx(ctx, "dataset ingestion failed, id: %s, error: %v", d.ID, err)
		return nil, err
	}

	if err := s.datasets.UpdateStatus(ctx, d.ID, model.DatasetStatusReady, count, ""); err != nil {
		return nil, err
	}
	report(dispatcher.Progress{Percent: 100, Message: "Dataset ready", Current: count, Total: count})
	logger.InfoCtx(ctx, "dataset ingested, id: %s, candles: %d", d.ID, count)
	return json.Marshal(IngestionResult{DatasetID: d.ID, RecordCount: count})
}

func (s *DatasetService) download(ctx context.Context, d *model.Dataset, report dispatcher.ProgressReporter) (int64, error) {
	candles, err := s.source.FetchCandles(ctx, marketdata.Request{
		Exchange: d.Exchange,
		Symbol:   d.Symbol,
		Interval: d.Interval,
		Start:    d.StartTime,
		End:      d.EndTime,
	})
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("%w: no candles for %s %s %s in the requested window",
			model.ErrInsufficientData, d.Exchange, d.Symbol, d.Interval)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	report(dispatcher.Progress{Percent: 50, Message: "Storing candles", Total: int64(len(candles))})

	if err := s.candles.Save(ctx, d.ID, candles); err != nil {
		return 0, err
	}
	return s.candles.Count(ctx, d.ID)
}
