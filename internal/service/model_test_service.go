package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/backtest"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/dispatcher"
	"modelforge/pkg/features"
	"modelforge/pkg/logger"
	"modelforge/pkg/status"
	"modelforge/pkg/trainer"

	"github.com/google/uuid"
)

// ModelTestParams parameters of a ModelTest task
type ModelTestParams struct {
	TestID uuid.UUID `json:"testId"`
}

// ModelTestService evaluates the best model of a completed job on another
// dataset
type ModelTestService struct {
	tests         modelTestRepository
	jobs          jobRepository
	configs       configurationRepository
	datasets      datasetRepository
	candles       candleStore
	checkpoints   checkpointReader
	trainer       trainer.Trainer
	tasks         taskQueue
	annualization float64
}

// NewModelTestService creates a new model test service
func NewModelTestService(
	tests modelTestRepository,
	jobs jobRepository,
	configs configurationRepository,
	datasets datasetRepository,
	candles candleStore,
	checkpoints checkpointReader,
	tr trainer.Trainer,
	tasks taskQueue,
	annualization float64,
) *ModelTestService {
	return &ModelTestService{
		tests:         tests,
		jobs:          jobs,
		configs:       configs,
		datasets:      datasets,
		candles:       candles,
		checkpoints:   checkpoints,
		trainer:       tr,
		tasks:         tasks,
		annualization: annualization,
	}
}

// Create records a test and enqueues its evaluation
func (s *ModelTestService) Create(ctx context.Context, req *model.CreateModelTestRequest) (*model.ModelTest, error) {
	job, err := s.jobs.Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s, only completed jobs can be tested", model.ErrConflict, job.ID, job.Status)
	}
	cp, err := s.checkpoints.Load(job.ID)
	if err != nil || cp == nil {
		return nil, fmt.Errorf("%w: job %s has no saved model", model.ErrConflict, job.ID)
	}
	ds, err := s.datasets.Get(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if ds.Status != model.DatasetStatusReady {
		return nil, fmt.Errorf("%w: dataset %s is %s", model.ErrDependencyUnavailable, ds.ID, ds.Status)
	}

	test := &model.ModelTest{
		ID:        uuid.New(),
		JobID:     job.ID,
		DatasetID: ds.ID,
		Status:    model.TestStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tests.Create(ctx, test); err != nil {
		return nil, err
	}
	task, err := s.tasks.Enqueue(ctx, dispatcher.EnqueueRequest{
		Type:            model.TaskTypeModelTest,
		Parameters:      ModelTestParams{TestID: test.ID},
		RelatedEntityID: &test.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue model test: %w", err)
	}
	test.TaskID = &task.ID
	if err := s.tests.Save(ctx, test); err != nil {
		return nil, err
	}
	return test, nil
}

// Get returns a model test
func (s *ModelTestService) Get(ctx context.Context, id uuid.UUID) (*model.ModelTest, error) {
	return s.tests.Get(ctx, id)
}

// ListByJob returns the tests of a job
func (s *ModelTestService) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.ModelTest, error) {
	return s.tests.ListByJob(ctx, jobID)
}

// Delete removes a model test, cancelling its task first when it has not
// finished
func (s *ModelTestService) Delete(ctx context.Context, id uuid.UUID) error {
	test, err := s.tests.Get(ctx, id)
	if err != nil {
		return err
	}
	if test.TaskID != nil && !test.Status.IsTerminal() {
		if _, err := s.tasks.Cancel(ctx, *test.TaskID); err != nil {
			logger.WarnCtx(ctx, "failed to cancel task %s of model test %s: %v", *test.TaskID, id, err)
		}
	}
	if err := s.tests.Delete(ctx, id); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "model test deleted, id: %s", id)
	return nil
}

// TestCancelledMessage error message of a model test whose task was
// cancelled before it ran
const TestCancelledMessage = "Model test task was cancelled"

// Handler dispatcher handler for ModelTest tasks
func (s *ModelTestService) Handler() dispatcher.Handler {
	return dispatcher.WithCancelHook(s.run, s.cancelled)
}

func (s *ModelTestService) cancelled(ctx context.Context, task *model.BackgroundTask) {
	var params ModelTestParams
	if err := json.Unmarshal(task.ParametersJSON, &params); err != nil {
		logger.WarnCtx(ctx, "cancelled model test task %s has invalid parameters: %v", task.ID, err)
		return
	}
	test, err := s.tests.Get(ctx, params.TestID)
	if err != nil {
		// Delete cancels first and removes the record afterwards
		logger.DebugCtx(ctx, "model test %s of cancelled task %s: %v", params.TestID, task.ID, err)
		return
	}
	if test.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	test.Status = model.TestStatusFailed
	test.ErrorMessage = TestCancelledMessage
	test.CompletedAt = &now
	if err := s.tests.Save(ctx, test); err != nil {
		logger.ErrorCtx(ctx, "failed to record model test cancellation, id: %s, error: %v", test.ID, err)
		return
	}
	logger.InfoCtx(ctx, "model test cancelled, id: %s", test.ID)
}

func (s *ModelTestService) run(ctx context.Context, task *model.BackgroundTask, report dispatcher.ProgressReporter) (json.RawMessage, error) {
	var params ModelTestParams
	if err := json.Unmarshal(task.ParametersJSON, &params); err != nil {
		return nil, fmt.Errorf("invalid model test parameters: %w", err)
	}
	test, err := s.tests.Get(ctx, params.TestID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithTraceID(ctx, task.ID.String())

	test.Status = model.TestStatusRunning
	test.ErrorMessage = ""
	if err := s.tests.Save(ctx, test); err != nil {
		return nil, err
	}

	if err := s.evaluate(ctx, test, report); err != nil {
		now := time.Now().UTC()
		test.Status = model.TestStatusFailed
		test.ErrorMessage = status.Error(err)
		test.CompletedAt = &now
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := s.tests.Save(saveCtx, test); serr != nil {
			logger.ErrorCtx(ctx, "failed to record model test failure, id: %s, error: %v", test.ID, serr)
		}
		return nil, err
	}

	now := time.Now().UTC()
	test.Status = model.TestStatusCompleted
	test.CompletedAt = &now
	if err := s.tests.Save(ctx, test); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "model test completed, id: %s, job: %s, samples: %d, rmse: %.6f",
		test.ID, test.JobID, test.Samples, test.Evaluation.RMSE)
	return json.Marshal(test)
}

func (s *ModelTestService) evaluate(ctx context.Context, test *model.ModelTest, report dispatcher.ProgressReporter) error {
	job, err := s.jobs.Get(ctx, test.JobID)
	if err != nil {
		return err
	}
	cfg, err := s.configs.Get(ctx, job.ConfigurationID)
	if err != nil {
		return err
	}
	cp, err := s.checkpoints.Load(job.ID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w: job %s has no saved model", model.ErrNotFound, job.ID)
	}
	weights, err := s.checkpoints.LoadWeights(job.ID, checkpoint.Best)
	if err != nil {
		return err
	}

	spec := trainer.ModelSpec{Type: cp.ModelType, HiddenLayerSizes: cp.HiddenLayerSizes}
	m, err := s.trainer.Load(spec, weights)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTrainerError, err)
	}
	defer m.Close()
	report(dispatcher.Progress{Percent: 10, Message: "Model loaded"})

	candles, err := s.candles.Load(ctx, test.DatasetID)
	if err != nil {
		return err
	}
	stream, err := features.ExtractSamples(candles, cp.FeatureCount, cfg.ForecastHorizon)
	if err != nil {
		return err
	}
	samples := features.ApplyNormalization(stream.Collect(), cp.Normalization)
	report(dispatcher.Progress{Percent: 40, Message: "Samples prepared", Total: int64(len(samples))})

	eval, err := trainer.Evaluate(ctx, m, samples)
	if err != nil {
		return err
	}
	result := eval.Result()
	test.Samples = len(samples)
	test.Evaluation = &result
	report(dispatcher.Progress{Percent: 75, Message: "Running backtest"})

	bt := backtest.Run(backtest.PointsFromSamples(samples, eval.Predictions), cfg.TradingEnv, s.annualization)
	test.Backtest = bt.Summary()
	return nil
}
