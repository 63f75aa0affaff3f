package model

import (
	"time"

	"github.com/google/uuid"
)

// Configuration a reusable training recipe
type Configuration struct {
	ID                      uuid.UUID               `json:"id"`
	Name                    string                  `json:"name"`
	DatasetID               uuid.UUID               `json:"datasetId"`
	QueueID                 *uuid.UUID              `json:"queueId,omitempty"` // default queue when nil
	ModelType               ModelType               `json:"modelType"`
	MaxLags                 int                     `json:"maxLags"`
	ForecastHorizon         int                     `json:"forecastHorizon"`
	HiddenLayerSizes        []int                   `json:"hiddenLayerSizes,omitempty"`
	LearningRate            float64                 `json:"learningRate"`
	BatchSize               int                     `json:"batchSize"`
	MaxEpochs               int                     `json:"maxEpochs"`
	EarlyStopping           bool                    `json:"earlyStopping"`
	EarlyStoppingPatience   int                     `json:"earlyStoppingPatience"`
	CheckpointEvery         int                     `json:"checkpointEvery"` // 0 disables checkpointing
	RandomSeed              int64                   `json:"randomSeed"`
	Splits                  Splits                  `json:"splits"`
	RetryPolicy             RetryPolicy             `json:"retryPolicy"`
	PerformanceRequirements PerformanceRequirements `json:"performanceRequirements"`
	TradingEnv              TradingEnv              `json:"tradingEnv"`
	CreatedAt               time.Time               `json:"createdAt"`
	UpdatedAt               time.Time               `json:"updatedAt"`
}

// Splits validation and test fractions; training takes the remainder
type Splits struct {
	ValidationFraction float64 `json:"validationFraction"`
	TestFraction       float64 `json:"testFraction"`
}

// RetryPolicy controls re-training when performance requirements are not met
type RetryPolicy struct {
	Enabled        bool    `json:"enabled"`
	MaxAttempts    int     `json:"maxAttempts"`
	LRScaleOnRetry float64 `json:"lrScaleOnRetry"`
	ShuffleOnRetry bool    `json:"shuffleOnRetry"`
}

// PerformanceRequirements thresholds checked against the backtest.
// Nil thresholds are vacuously satisfied; MinTradeCount is always enforced.
type PerformanceRequirements struct {
	MinSharpe       *float64 `json:"minSharpe,omitempty"`
	MinTotalReturn  *float64 `json:"minTotalReturn,omitempty"`
	MaxDrawdown     *float64 `json:"maxDrawdown,omitempty"`
	MinWinRate      *float64 `json:"minWinRate,omitempty"`
	MinProfitFactor *float64 `json:"minProfitFactor,omitempty"`
	MinTradeCount   int      `json:"minTradeCount"`
}

// TradingEnv simulated account used by the backtest
type TradingEnv struct {
	InitialCapital   float64 `json:"initialCapital"`
	TakerFeeRate     float64 `json:"takerFeeRate"`
	MaxPositionRatio float64 `json:"maxPositionRatio"`
	AllowShort       bool    `json:"allowShort"`
}

// ShapeEquals reports whether the fields that define the model input and
// architecture are identical.
func (c *Configuration) ShapeEquals(other *Configuration) bool {
	if c.ModelType != other.ModelType || c.MaxLags != other.MaxLags {
		return false
	}
	if len(c.HiddenLayerSizes) != len(other.HiddenLayerSizes) {
		return false
	}
	for i := range c.HiddenLayerSizes {
		if c.HiddenLayerSizes[i] != other.HiddenLayerSizes[i] {
			return false
		}
	}
	return true
}
