package model

import (
	"time"

	"github.com/google/uuid"
)

// Job one training run of a configuration
type Job struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	ConfigurationID  uuid.UUID  `json:"configurationId"`
	DatasetID        uuid.UUID  `json:"datasetId"`
	QueueID          *uuid.UUID `json:"queueId,omitempty"`
	Status           JobStatus  `json:"status"`
	Message          string     `json:"message,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CurrentEpoch     int        `json:"currentEpoch"`
	TotalEpochs      int        `json:"totalEpochs"`
	TrainLoss        *float64   `json:"trainLoss,omitempty"`
	ValidationLoss   *float64   `json:"validationLoss,omitempty"`
	BestValLoss      *float64   `json:"bestValidationLoss,omitempty"`
	CurrentAttempt   int        `json:"currentAttempt"`
	MaxAttempts      int        `json:"maxAttempts"`
	IsPaused         bool       `json:"isPaused"`
	HasCheckpoint    bool       `json:"hasCheckpoint"`
	LastCheckpointAt *time.Time `json:"lastCheckpointAt,omitempty"`
	Result           *JobResult `json:"result,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// JobResult the outcome of the last training attempt
type JobResult struct {
	Attempts            int              `json:"attempts"`
	FinalLearningRate   float64          `json:"finalLearningRate"`
	StartEpoch          int              `json:"startEpoch"`
	FinalEpoch          int              `json:"finalEpoch"`
	EpochsTrained       int              `json:"epochsTrained"`
	EarlyStopped        bool             `json:"earlyStopped"`
	FinalTrainLoss      float64          `json:"finalTrainLoss"`
	FinalValidationLoss float64          `json:"finalValidationLoss"`
	BestValidationLoss  float64          `json:"bestValidationLoss"`
	TrainingSeconds     float64          `json:"trainingSeconds"`
	TrainSamples        int              `json:"trainSamples"`
	ValidationSamples   int              `json:"validationSamples"`
	TestSamples         int              `json:"testSamples"`
	Evaluation          EvaluationResult `json:"evaluation"`
	Backtest            *BacktestSummary `json:"backtest,omitempty"`
	MeetsRequirements   bool             `json:"meetsRequirements"`
	RequirementFailures []string         `json:"requirementFailures,omitempty"`
}

// EvaluationResult regression metrics on held-out samples
type EvaluationResult struct {
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
}

// BacktestSummary persisted subset of a backtest run
type BacktestSummary struct {
	InitialCapital       float64       `json:"initialCapital"`
	FinalEquity          float64       `json:"finalEquity"`
	TotalReturn          float64       `json:"totalReturn"`
	AnnualizedReturn     float64       `json:"annualizedReturn"`
	SharpeRatio          float64       `json:"sharpeRatio"`
	SortinoRatio         float64       `json:"sortinoRatio"`
	CalmarRatio          float64       `json:"calmarRatio"`
	MaxDrawdown          float64       `json:"maxDrawdown"`
	WinRate              float64       `json:"winRate"`
	ProfitFactor         float64       `json:"profitFactor"` // math.MaxFloat64 when there are no losing trades
	AverageWin           float64       `json:"averageWin"`
	AverageLoss          float64       `json:"averageLoss"`
	MaxConsecutiveWins   int           `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int           `json:"maxConsecutiveLosses"`
	AverageHoldingBars   float64       `json:"averageHoldingBars"`
	TotalTrades          int           `json:"totalTrades"`
	TotalFees            float64       `json:"totalFees"`
	StartTime            time.Time     `json:"startTime"`
	EndTime              time.Time     `json:"endTime"`
	EquityCurve          []EquityPoint `json:"equityCurve,omitempty"`
	Trades               []Trade       `json:"trades,omitempty"`
	TradesDropped        int           `json:"tradesDropped"`
}

// EquityPoint mark-to-market equity at a bar
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Trade a closed position
type Trade struct {
	Side        string    `json:"side"` // long or short
	EntryTime   time.Time `json:"entryTime"`
	ExitTime    time.Time `json:"exitTime"`
	EntryPrice  float64   `json:"entryPrice"`
	ExitPrice   float64   `json:"exitPrice"`
	Size        float64   `json:"size"`
	PnL         float64   `json:"pnl"`    // gross, before fees
	Fees        float64   `json:"fees"`   // entry + exit fees
	NetPnL      float64   `json:"netPnl"` // PnL - Fees
	HoldingBars int       `json:"holdingBars"`
}

// JobUpdate partial update of a job. Nil fields are left unchanged.
type JobUpdate struct {
	Status           *JobStatus
	Message          *string
	ErrorMessage     *string
	CurrentEpoch     *int
	TotalEpochs      *int
	TrainLoss        *float64
	ValidationLoss   *float64
	BestValLoss      *float64
	CurrentAttempt   *int
	IsPaused         *bool
	HasCheckpoint    *bool
	LastCheckpointAt *time.Time
	Result           *JobResult
	StartedAt        *time.Time
	CompletedAt      *time.Time

	ClearLosses      bool // reset train/validation/best losses to nil
	ClearResult      bool
	ClearStartedAt   bool
	ClearCompletedAt bool
}

// Apply copies the set fields of u onto j.
func (u *JobUpdate) Apply(j *Job) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Message != nil {
		j.Message = *u.Message
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.CurrentEpoch != nil {
		j.CurrentEpoch = *u.CurrentEpoch
	}
	if u.TotalEpochs != nil {
		j.TotalEpochs = *u.TotalEpochs
	}
	if u.ClearLosses {
		j.TrainLoss, j.ValidationLoss, j.BestValLoss = nil, nil, nil
	}
	if u.TrainLoss != nil {
		v := *u.TrainLoss
		j.TrainLoss = &v
	}
	if u.ValidationLoss != nil {
		v := *u.ValidationLoss
		j.ValidationLoss = &v
	}
	if u.BestValLoss != nil {
		v := *u.BestValLoss
		j.BestValLoss = &v
	}
	if u.CurrentAttempt != nil {
		j.CurrentAttempt = *u.CurrentAttempt
	}
	if u.IsPaused != nil {
		j.IsPaused = *u.IsPaused
	}
	if u.HasCheckpoint != nil {
		j.HasCheckpoint = *u.HasCheckpoint
	}
	if u.LastCheckpointAt != nil {
		t := *u.LastCheckpointAt
		j.LastCheckpointAt = &t
	}
	if u.ClearResult {
		j.Result = nil
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.ClearStartedAt {
		j.StartedAt = nil
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		j.StartedAt = &t
	}
	if u.ClearCompletedAt {
		j.CompletedAt = nil
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
}

// StartTrainingRequest request to start a job from a stored configuration
type StartTrainingRequest struct {
	ConfigurationID uuid.UUID `json:"configurationId" binding:"required"`
	Name            string    `json:"name,omitempty"`
}

// JobProgress live progress event published every epoch
type JobProgress struct {
	JobID          uuid.UUID `json:"jobId"`
	Status         JobStatus `json:"status"`
	Attempt        int       `json:"attempt"`
	Epoch          int       `json:"epoch"`
	TotalEpochs    int       `json:"totalEpochs"`
	TrainLoss      float64   `json:"trainLoss"`
	ValidationLoss float64   `json:"validationLoss"`
	BestValLoss    float64   `json:"bestValidationLoss"`
	LearningRate   float64   `json:"learningRate"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
