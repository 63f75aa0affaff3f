// Package trainer defines the contract between the job orchestrator and a
// model training backend.
package trainer

import (
	"context"
	"errors"

	"modelforge/internal/model"
	"modelforge/pkg/features"
)

// ErrUnsupportedModel is returned for model types a backend cannot train
var ErrUnsupportedModel = errors.New("unsupported model type")

// ModelSpec tagged model description. HiddenLayerSizes is used by MLP only.
type ModelSpec struct {
	Type             model.ModelType `json:"type"`
	HiddenLayerSizes []int           `json:"hiddenLayerSizes,omitempty"`
}

// SpecFromConfiguration extracts the model spec of a configuration
func SpecFromConfiguration(c *model.Configuration) ModelSpec {
	spec := ModelSpec{Type: c.ModelType}
	if c.ModelType == model.ModelTypeMLP {
		spec.HiddenLayerSizes = append([]int(nil), c.HiddenLayerSizes...)
	}
	return spec
}

// Hyperparameters of one training session
type Hyperparameters struct {
	LearningRate float64
	BatchSize    int
	// Shuffle reorders mini-batches every epoch with the session seed
	Shuffle bool
}

// EpochStats losses after one epoch
type EpochStats struct {
	TrainLoss      float64
	ValidationLoss float64
}

// Model a trained, immutable predictor
type Model interface {
	Predict(features []float64) float64
	PredictBatch(features [][]float64) []float64
	MarshalWeights() ([]byte, error)
	Close()
}

// Session mutable training state of one attempt
type Session interface {
	TrainEpoch(ctx context.Context, train, validation []features.Sample) (EpochStats, error)
	// Snapshot returns an independent copy of the current model
	Snapshot() Model
	LearningRate() float64
	Close()
}

// Trainer creates sessions and loads saved models
type Trainer interface {
	NewSession(spec ModelSpec, featureCount int, hp Hyperparameters, seed int64) (Session, error)
	// RestoreSession continues training from saved weights
	RestoreSession(spec ModelSpec, weights []byte, hp Hyperparameters, seed int64) (Session, error)
	Load(spec ModelSpec, weights []byte) (Model, error)
}
