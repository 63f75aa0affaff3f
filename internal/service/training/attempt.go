package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/backtest"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/features"
	"modelforge/pkg/logger"
	"modelforge/pkg/trainer"
)

// trainingRun state shared by the attempts of one job run
type trainingRun struct {
	job      *model.Job
	cfg      *model.Configuration
	queue    *model.Queue
	data     *features.PreparedData
	rt       *runtime
	deadline time.Time
}

// attemptOutcome what an attempt leaves behind for the completion step
type attemptOutcome struct {
	result     *model.JobResult
	checkpoint *checkpoint.Checkpoint
	current    []byte
	best       []byte
}

// train runs attempts until one meets the requirements or retries run out
func (o *Orchestrator) train(ctx context.Context, run *trainingRun) error {
	attempt := run.job.CurrentAttempt
	resume := run.rt.resume && attempt >= 1
	if !resume {
		attempt = 1
	}

	for {
		out, err := o.runAttempt(ctx, run, attempt, resume)
		if err != nil {
			return err
		}
		res := out.result
		last := res.MeetsRequirements || !run.cfg.RetryPolicy.Enabled || attempt >= run.job.MaxAttempts
		if last {
			return o.complete(ctx, run, out)
		}

		msg := fmt.Sprintf("Attempt %d/%d did not meet requirements (%s), retrying",
			attempt, run.job.MaxAttempts, strings.Join(res.RequirementFailures, "; "))
		logger.InfoCtx(ctx, "%s", msg)
		ok, err := o.jobs.UpdateIfStatus(ctx, run.job.ID, []model.JobStatus{model.JobStatusBacktesting}, &model.JobUpdate{
			Message: &msg,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errStatusChanged
		}
		attempt++
		resume = false
	}
}

func (o *Orchestrator) runAttempt(ctx context.Context, run *trainingRun, attempt int, resume bool) (*attemptOutcome, error) {
	cfg := run.cfg
	spec := trainer.SpecFromConfiguration(cfg)
	featureCount := len(run.data.FeatureNames)

	scale := cfg.RetryPolicy.LRScaleOnRetry
	if scale <= 0 {
		scale = 1
	}
	hp := trainer.Hyperparameters{
		LearningRate: cfg.LearningRate * math.Pow(scale, float64(attempt-1)),
		BatchSize:    cfg.BatchSize,
	}
	seed := cfg.RandomSeed
	trainSet := run.data.Train
	if attempt > 1 && cfg.RetryPolicy.ShuffleOnRetry {
		seed = cfg.RandomSeed + int64(attempt)
		trainSet = shuffled(trainSet, seed)
		hp.Shuffle = true
	}

	var (
		session          trainer.Session
		best             trainer.Model
		startEpoch       = 1
		bestVal          = math.Inf(1)
		sinceImprovement int
		priorSeconds     float64
		err              error
	)
	if resume {
		var cp *checkpoint.Checkpoint
		cp, session, best, err = o.restore(ctx, run, spec, featureCount, hp, seed)
		if err != nil {
			return nil, err
		}
		startEpoch = cp.Epoch + 1
		bestVal = cp.BestValidationLoss
		sinceImprovement = cp.EpochsSinceImprovement
		priorSeconds = cp.TrainingSeconds
		logger.InfoCtx(ctx, "resuming attempt %d from checkpoint at epoch %d, lr: %g", attempt, cp.Epoch, cp.CurrentLearningRate)
	} else {
		if err := o.checkpoints.Delete(ctx, run.job.ID); err != nil {
			return nil, err
		}
		session, err = o.trainer.NewSession(spec, featureCount, hp, seed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrTrainerError, err)
		}
		logger.InfoCtx(ctx, "starting attempt %d/%d, lr: %g, seed: %d", attempt, run.job.MaxAttempts, hp.LearningRate, seed)
	}
	defer session.Close()
	defer func() {
		if best != nil {
			best.Close()
		}
	}()

	ok, err := o.jobs.UpdateIfStatus(ctx, run.job.ID, []model.JobStatus{
		model.JobStatusPreprocessing, model.JobStatusBacktesting,
	}, &model.JobUpdate{
		Status:         model.Ptr(model.JobStatusTraining),
		Message:        model.Ptr(fmt.Sprintf("Training attempt %d/%d", attempt, run.job.MaxAttempts)),
		CurrentAttempt: &attempt,
		CurrentEpoch:   model.Ptr(startEpoch - 1),
		TotalEpochs:    &cfg.MaxEpochs,
		ClearLosses:    !resume,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errStatusChanged
	}

	reporter := newProgressReporter(o.jobs, o.progress, run.job.ID, o.cfg.ProgressThrottle)
	started := time.Now()
	elapsed := func() float64 { return priorSeconds + time.Since(started).Seconds() }
	snapshot := func(epoch int) *checkpoint.Checkpoint {
		return &checkpoint.Checkpoint{
			JobID:                  run.job.ID,
			Attempt:                attempt,
			Epoch:                  epoch,
			BestValidationLoss:     bestVal,
			EpochsSinceImprovement: sinceImprovement,
			TrainingSeconds:        elapsed(),
			CurrentLearningRate:    session.LearningRate(),
			ModelType:              cfg.ModelType,
			FeatureCount:           featureCount,
			FeatureNames:           run.data.FeatureNames,
			HiddenLayerSizes:       spec.HiddenLayerSizes,
			Normalization:          run.data.Stats,
		}
	}

	lastEpoch := startEpoch - 1
	var stats trainer.EpochStats
	earlyStopped := false
	for epoch := startEpoch; epoch <= cfg.MaxEpochs; epoch++ {
		if err := o.waitWhilePaused(ctx, run.rt); err != nil {
			return nil, err
		}
		if !run.deadline.IsZero() && time.Now().After(run.deadline) {
			return nil, fmt.Errorf("%w: exceeded the maximum duration %s of queue %s",
				model.ErrResourceUnavailable, run.queue.MaxJobDuration, run.queue.Name)
		}

		stats, err = session.TrainEpoch(ctx, trainSet, run.data.Validation)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: epoch %d: %v", model.ErrTrainerError, epoch, err)
		}
		if math.IsNaN(stats.TrainLoss) || math.IsInf(stats.TrainLoss, 0) {
			return nil, fmt.Errorf("%w: training loss diverged at epoch %d", model.ErrTrainerError, epoch)
		}
		lastEpoch = epoch

		if stats.ValidationLoss < bestVal {
			bestVal = stats.ValidationLoss
			sinceImprovement = 0
			if best != nil {
				best.Close()
			}
			best = session.Snapshot()
		} else {
			sinceImprovement++
		}

		if err := reporter.report(ctx, model.JobProgress{
			JobID:          run.job.ID,
			Status:         model.JobStatusTraining,
			Attempt:        attempt,
			Epoch:          epoch,
			TotalEpochs:    cfg.MaxEpochs,
			TrainLoss:      stats.TrainLoss,
			ValidationLoss: stats.ValidationLoss,
			BestValLoss:    bestVal,
			LearningRate:   session.LearningRate(),
			Message:        fmt.Sprintf("Epoch %d/%d", epoch, cfg.MaxEpochs),
		}, epoch == cfg.MaxEpochs); err != nil {
			return nil, err
		}

		if cfg.CheckpointEvery > 0 && epoch%cfg.CheckpointEvery == 0 {
			if err := o.saveCheckpoint(ctx, snapshot(epoch), session, best); err != nil {
				return nil, err
			}
		}

		if cfg.EarlyStopping && sinceImprovement >= cfg.EarlyStoppingPatience {
			earlyStopped = true
			logger.InfoCtx(ctx, "early stopping at epoch %d, best validation loss: %g", epoch, bestVal)
			break
		}
	}
	if best == nil {
		best = session.Snapshot()
	}
	if lastEpoch < startEpoch {
		stats = trainer.EpochStats{TrainLoss: bestVal, ValidationLoss: bestVal}
	}

	result, err := o.backtestAttempt(ctx, run, best)
	if err != nil {
		return nil, err
	}
	result.Attempts = attempt
	result.FinalLearningRate = session.LearningRate()
	result.StartEpoch = startEpoch
	result.FinalEpoch = lastEpoch
	result.EpochsTrained = lastEpoch - startEpoch + 1
	result.EarlyStopped = earlyStopped
	result.FinalTrainLoss = stats.TrainLoss
	result.FinalValidationLoss = stats.ValidationLoss
	result.BestValidationLoss = bestVal
	result.TrainingSeconds = elapsed()

	out := &attemptOutcome{result: result, checkpoint: snapshot(lastEpoch)}
	current := session.Snapshot()
	defer current.Close()
	if out.current, err = current.MarshalWeights(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTrainerError, err)
	}
	if out.best, err = best.MarshalWeights(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTrainerError, err)
	}
	return out, nil
}

// restore rebuilds a session and the best model from the job's checkpoint
func (o *Orchestrator) restore(
	ctx context.Context,
	run *trainingRun,
	spec trainer.ModelSpec,
	featureCount int,
	hp trainer.Hyperparameters,
	seed int64,
) (*checkpoint.Checkpoint, trainer.Session, trainer.Model, error) {
	jobID := run.job.ID
	cp, err := o.checkpoints.Load(jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	if cp == nil {
		return nil, nil, nil, fmt.Errorf("%w: checkpoint of job %s disappeared", model.ErrCheckpointCorrupt, jobID)
	}
	if cp.ModelType != spec.Type || cp.FeatureCount != featureCount || !equalInts(cp.HiddenLayerSizes, spec.HiddenLayerSizes) {
		return nil, nil, nil, fmt.Errorf("%w: checkpoint shape does not match configuration %s", model.ErrCheckpointCorrupt, run.cfg.ID)
	}

	current, err := o.checkpoints.LoadWeights(jobID, checkpoint.Current)
	if err != nil {
		return nil, nil, nil, err
	}
	bestWeights, err := o.checkpoints.LoadWeights(jobID, checkpoint.Best)
	if err != nil {
		return nil, nil, nil, err
	}
	hp.LearningRate = cp.CurrentLearningRate
	session, err := o.trainer.RestoreSession(spec, current, hp, seed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", model.ErrCheckpointCorrupt, err)
	}
	best, err := o.trainer.Load(spec, bestWeights)
	if err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", model.ErrCheckpointCorrupt, err)
	}
	return cp, session, best, nil
}

// saveCheckpoint writes the current and best weights and flags the job
func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint, session trainer.Session, best trainer.Model) error {
	current := session.Snapshot()
	defer current.Close()
	currentWeights, err := current.MarshalWeights()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTrainerError, err)
	}
	var bestWeights []byte
	if best != nil {
		if bestWeights, err = best.MarshalWeights(); err != nil {
			return fmt.Errorf("%w: %v", model.ErrTrainerError, err)
		}
	}
	if err := o.checkpoints.Save(ctx, cp, currentWeights, bestWeights); err != nil {
		logger.WarnCtx(ctx, "checkpoint at epoch %d failed: %v", cp.Epoch, err)
		return nil
	}

	now := time.Now().UTC()
	ok, err := o.jobs.UpdateIfStatus(ctx, cp.JobID, []model.JobStatus{model.JobStatusTraining}, &model.JobUpdate{
		HasCheckpoint:    model.Ptr(true),
		LastCheckpointAt: &now,
	})
	if err != nil {
		logger.WarnCtx(ctx, "failed to flag checkpoint of job %s: %v", cp.JobID, err)
		return nil
	}
	if !ok {
		return errStatusChanged
	}
	logger.DebugCtx(ctx, "checkpoint saved at epoch %d", cp.Epoch)
	return nil
}

// backtestAttempt evaluates the best model on the test split and simulates
// trading on its predictions
func (o *Orchestrator) backtestAttempt(ctx context.Context, run *trainingRun, best trainer.Model) (*model.JobResult, error) {
	ok, err := o.jobs.UpdateIfStatus(ctx, run.job.ID, []model.JobStatus{model.JobStatusTraining}, &model.JobUpdate{
		Status:  model.Ptr(model.JobStatusBacktesting),
		Message: model.Ptr(fmt.Sprintf("Backtesting on %d test samples", len(run.data.Test))),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errStatusChanged
	}

	ev, err := trainer.Evaluate(ctx, best, run.data.Test)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	points := backtest.PointsFromSamples(run.data.Test, ev.Predictions)
	summary := backtest.Run(points, run.cfg.TradingEnv, o.cfg.AnnualizationFactor).Summary()
	meets, failures := backtest.CheckRequirements(summary, run.cfg.PerformanceRequirements)

	return &model.JobResult{
		TrainSamples:        len(run.data.Train),
		ValidationSamples:   len(run.data.Validation),
		TestSamples:         len(run.data.Test),
		Evaluation:          ev.Result(),
		Backtest:            summary,
		MeetsRequirements:   meets,
		RequirementFailures: failures,
	}, nil
}

// complete saves the final checkpoint and moves the job to Completed
func (o *Orchestrator) complete(ctx context.Context, run *trainingRun, out *attemptOutcome) error {
	hasCheckpoint := true
	if err := o.checkpoints.Save(ctx, out.checkpoint, out.current, out.best); err != nil {
		logger.WarnCtx(ctx, "final checkpoint failed: %v", err)
		hasCheckpoint = false
	}

	res := out.result
	now := time.Now().UTC()
	msg := fmt.Sprintf("Completed after %d attempt(s), sharpe %.3f, total return %.2f%%",
		res.Attempts, res.Backtest.SharpeRatio, res.Backtest.TotalReturn*100)
	if !res.MeetsRequirements {
		msg += ", requirements not met"
	}
	upd := &model.JobUpdate{
		Status:         model.Ptr(model.JobStatusCompleted),
		Message:        &msg,
		ErrorMessage:   model.Ptr(""),
		CurrentEpoch:   &res.FinalEpoch,
		TrainLoss:      &res.FinalTrainLoss,
		ValidationLoss: &res.FinalValidationLoss,
		BestValLoss:    &res.BestValidationLoss,
		IsPaused:       model.Ptr(false),
		HasCheckpoint:  &hasCheckpoint,
		Result:         res,
		CompletedAt:    &now,
	}
	if hasCheckpoint {
		upd.LastCheckpointAt = &now
	}
	ok, err := o.jobs.UpdateIfStatus(ctx, run.job.ID, []model.JobStatus{model.JobStatusBacktesting}, upd)
	if err != nil {
		return err
	}
	if !ok {
		return errStatusChanged
	}
	o.progress.Publish(ctx, model.JobProgress{
		JobID:          run.job.ID,
		Status:         model.JobStatusCompleted,
		Attempt:        res.Attempts,
		Epoch:          res.FinalEpoch,
		TotalEpochs:    run.cfg.MaxEpochs,
		TrainLoss:      res.FinalTrainLoss,
		ValidationLoss: res.FinalValidationLoss,
		BestValLoss:    res.BestValidationLoss,
		LearningRate:   res.FinalLearningRate,
		Message:        msg,
		Timestamp:      now,
	})
	logger.InfoCtx(ctx, "training job completed, attempts: %d, epochs trained: %d, meets requirements: %v",
		res.Attempts, res.EpochsTrained, res.MeetsRequirements)
	return nil
}

func shuffled(samples []features.Sample, seed int64) []features.Sample {
	out := make([]features.Sample, len(samples))
	copy(out, samples)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
