package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultBatchSize        = 32
	defaultPatience         = 10
	defaultInitialCapital   = 10000
	defaultMaxPositionRatio = 1.0
)

// ConfigurationService validates and stores training configurations
type ConfigurationService struct {
	configs  configurationRepository
	datasets datasetRepository
	jobs     jobRepository
	queues   queueLookup
}

// NewConfigurationService creates a new configuration service
func NewConfigurationService(configs configurationRepository, datasets datasetRepository, jobs jobRepository, queues queueLookup) *ConfigurationService {
	return &ConfigurationService{
		configs:  configs,
		datasets: datasets,
		jobs:     jobs,
		queues:   queues,
	}
}

// Create validates c, fills defaults and stores it
func (s *ConfigurationService) Create(ctx context.Context, c *model.Configuration) (*model.Configuration, error) {
	applyConfigurationDefaults(c)
	if err := ValidateConfiguration(c); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.ID = uuid.New()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.configs.Create(ctx, c); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "configuration created, id: %s, name: %s, model: %s", c.ID, c.Name, c.ModelType)
	return c, nil
}

// Get returns a configuration
func (s *ConfigurationService) Get(ctx context.Context, id uuid.UUID) (*model.Configuration, error) {
	return s.configs.Get(ctx, id)
}

// List returns every configuration
func (s *ConfigurationService) List(ctx context.Context) ([]*model.Configuration, error) {
	return s.configs.List(ctx)
}

// Update replaces a configuration. Changes to the model shape are refused
// while a non-terminal job trains it.
func (s *ConfigurationService) Update(ctx context.Context, id uuid.UUID, c *model.Configuration) (*model.Configuration, error) {
	existing, err := s.configs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyConfigurationDefaults(c)
	if err := ValidateConfiguration(c); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, c); err != nil {
		return nil, err
	}

	active, err := s.jobs.CountActiveByConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	if active > 0 && (!existing.ShapeEquals(c) || existing.DatasetID != c.DatasetID) {
		return nil, fmt.Errorf("%w: configuration %s is used by %d active job(s); model shape and dataset cannot change",
			model.ErrConflict, id, active)
	}

	c.ID = id
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	if err := s.configs.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a configuration that no active job uses
func (s *ConfigurationService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.configs.Get(ctx, id); err != nil {
		return err
	}
	active, err := s.jobs.CountActiveByConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("%w: configuration %s is used by %d active job(s)", model.ErrConflict, id, active)
	}
	return s.configs.Delete(ctx, id)
}

func (s *ConfigurationService) checkReferences(ctx context.Context, c *model.Configuration) error {
	if _, err := s.datasets.Get(ctx, c.DatasetID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: dataset %s does not exist", model.ErrInvalidArgument, c.DatasetID)
		}
		return err
	}
	if c.QueueID != nil {
		if _, err := s.queues.ResolveQueue(c.QueueID); err != nil {
			return fmt.Errorf("%w: queue %s does not exist", model.ErrInvalidArgument, *c.QueueID)
		}
	}
	return nil
}

func applyConfigurationDefaults(c *model.Configuration) {
	c.Name = strings.TrimSpace(c.Name)
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.EarlyStopping && c.EarlyStoppingPatience == 0 {
		c.EarlyStoppingPatience = defaultPatience
	}
	if c.RetryPolicy.MaxAttempts == 0 {
		c.RetryPolicy.MaxAttempts = 1
	}
	if c.RetryPolicy.LRScaleOnRetry == 0 {
		c.RetryPolicy.LRScaleOnRetry = 1
	}
	if c.TradingEnv.InitialCapital == 0 {
		c.TradingEnv.InitialCapital = defaultInitialCapital
	}
	if c.TradingEnv.MaxPositionRatio == 0 {
		c.TradingEnv.MaxPositionRatio = defaultMaxPositionRatio
	}
}

// ValidateConfiguration checks every range constraint of a configuration
func ValidateConfiguration(c *model.Configuration) error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Name != "", "name is required")
	check(c.DatasetID != uuid.Nil, "datasetId is required")
	check(c.ModelType.Valid(), "unknown model type %d", c.ModelType)
	check(c.MaxLags >= 1, "maxLags must be at least 1")
	check(c.ForecastHorizon >= 1, "forecastHorizon must be at least 1")
	if c.ModelType == model.ModelTypeMLP {
		check(len(c.HiddenLayerSizes) > 0, "MLP needs at least one hidden layer")
	}
	for i, n := range c.HiddenLayerSizes {
		check(n >= 1, "hiddenLayerSizes[%d] must be positive", i)
	}
	check(c.LearningRate > 0 && c.LearningRate <= 10, "learningRate must be in (0, 10]")
	check(c.BatchSize >= 1, "batchSize must be at least 1")
	check(c.MaxEpochs >= 1, "maxEpochs must be at least 1")
	if c.EarlyStopping {
		check(c.EarlyStoppingPatience >= 1, "earlyStoppingPatience must be at least 1")
	}
	check(c.CheckpointEvery >= 0, "checkpointEvery must not be negative")

	sp := c.Splits
	check(sp.ValidationFraction >= 0, "splits.validationFraction must not be negative")
	check(sp.TestFraction > 0, "splits.testFraction must be positive")
	check(sp.ValidationFraction+sp.TestFraction < 1, "validation and test fractions must leave room for training")

	rp := c.RetryPolicy
	check(rp.MaxAttempts >= 1, "retryPolicy.maxAttempts must be at least 1")
	check(rp.LRScaleOnRetry > 0 && rp.LRScaleOnRetry <= 1, "retryPolicy.lrScaleOnRetry must be in (0, 1]")

	pr := c.PerformanceRequirements
	check(pr.MinTradeCount >= 0, "performanceRequirements.minTradeCount must not be negative")
	if pr.MaxDrawdown != nil {
		check(*pr.MaxDrawdown >= 0 && *pr.MaxDrawdown <= 1, "performanceRequirements.maxDrawdown must be in [0, 1]")
	}
	if pr.MinWinRate != nil {
		check(*pr.MinWinRate >= 0 && *pr.MinWinRate <= 1, "performanceRequirements.minWinRate must be in [0, 1]")
	}

	env := c.TradingEnv
	check(env.InitialCapital > 0, "tradingEnv.initialCapital must be positive")
	check(env.TakerFeeRate >= 0 && env.TakerFeeRate < 1, "tradingEnv.takerFeeRate must be in [0, 1)")
	check(env.MaxPositionRatio > 0 && env.MaxPositionRatio <= 1, "tradingEnv.maxPositionRatio must be in (0, 1]")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}
