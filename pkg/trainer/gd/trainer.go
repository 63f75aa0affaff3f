// Package gd is an in-process trainer for linear regression and small MLPs
// using mini-batch gradient descent on squared error.
package gd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"modelforge/internal/model"
	"modelforge/pkg/features"
	"modelforge/pkg/trainer"
)

const (
	defaultBatchSize = 32
	gradientClip     = 5.0
)

var errDiverged = errors.New("training diverged (non-finite loss)")

// Trainer implements trainer.Trainer
type Trainer struct{}

// New returns a gradient descent trainer
func New() *Trainer {
	return &Trainer{}
}

func hiddenFor(spec trainer.ModelSpec) ([]int, error) {
	switch spec.Type {
	case model.ModelTypeLinearRegression:
		return nil, nil
	case model.ModelTypeMLP:
		if len(spec.HiddenLayerSizes) == 0 {
			return nil, fmt.Errorf("%w: MLP needs at least one hidden layer", model.ErrInvalidArgument)
		}
		for _, h := range spec.HiddenLayerSizes {
			if h < 1 {
				return nil, fmt.Errorf("%w: hidden layer size must be >= 1", model.ErrInvalidArgument)
			}
		}
		return spec.HiddenLayerSizes, nil
	default:
		return nil, fmt.Errorf("%w: %s", trainer.ErrUnsupportedModel, spec.Type)
	}
}

// NewSession initialises weights deterministically from seed
func (t *Trainer) NewSession(spec trainer.ModelSpec, featureCount int, hp trainer.Hyperparameters, seed int64) (trainer.Session, error) {
	hidden, err := hiddenFor(spec)
	if err != nil {
		return nil, err
	}
	if featureCount < 1 {
		return nil, fmt.Errorf("%w: featureCount must be >= 1", model.ErrInvalidArgument)
	}
	rng := rand.New(rand.NewSource(seed))
	return newSession(newNetwork(spec.Type, featureCount, hidden, rng), hp, rng), nil
}

// RestoreSession continues from serialised weights
func (t *Trainer) RestoreSession(spec trainer.ModelSpec, weights []byte, hp trainer.Hyperparameters, seed int64) (trainer.Session, error) {
	if _, err := hiddenFor(spec); err != nil {
		return nil, err
	}
	net, err := unmarshalNetwork(weights)
	if err != nil {
		return nil, err
	}
	if net.ModelType != spec.Type {
		return nil, fmt.Errorf("%w: weights are %s, expected %s", model.ErrInvalidArgument, net.ModelType, spec.Type)
	}
	return newSession(net, hp, rand.New(rand.NewSource(seed))), nil
}

// Load returns an immutable model from serialised weights
func (t *Trainer) Load(spec trainer.ModelSpec, weights []byte) (trainer.Model, error) {
	if _, err := hiddenFor(spec); err != nil {
		return nil, err
	}
	net, err := unmarshalNetwork(weights)
	if err != nil {
		return nil, err
	}
	return &Model{net: net}, nil
}

// Model implements trainer.Model
type Model struct {
	net *network
}

// Predict a single feature vector
func (m *Model) Predict(x []float64) float64 {
	return m.net.predict(x)
}

// PredictBatch predicts every row
func (m *Model) PredictBatch(xs [][]float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = m.net.predict(x)
	}
	return out
}

// MarshalWeights JSON-encoded network
func (m *Model) MarshalWeights() ([]byte, error) {
	return m.net.marshal()
}

// Close releases nothing; weights are garbage collected
func (m *Model) Close() {}

type session struct {
	net *network
	hp  trainer.Hyperparameters
	rng *rand.Rand
}

func newSession(net *network, hp trainer.Hyperparameters, rng *rand.Rand) *session {
	if hp.BatchSize <= 0 {
		hp.BatchSize = defaultBatchSize
	}
	return &session{net: net, hp: hp, rng: rng}
}

func (s *session) LearningRate() float64 {
	return s.hp.LearningRate
}

func (s *session) Snapshot() trainer.Model {
	return &Model{net: s.net.clone()}
}

func (s *session) Close() {}

// TrainEpoch runs one pass over train and scores validation. Cancellation
// is checked between batches.
func (s *session) TrainEpoch(ctx context.Context, train, validation []features.Sample) (trainer.EpochStats, error) {
	if len(train) == 0 {
		return trainer.EpochStats{}, fmt.Errorf("%w: empty training set", model.ErrInsufficientData)
	}
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	if s.hp.Shuffle {
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var sse float64
	for start := 0; start < len(order); start += s.hp.BatchSize {
		if err := ctx.Err(); err != nil {
			return trainer.EpochStats{}, err
		}
		end := min(start+s.hp.BatchSize, len(order))
		g := s.net.zeroGradients()
		for _, idx := range order[start:end] {
			sse += s.net.backward(train[idx].Features, train[idx].Target, g)
		}
		s.net.apply(g, s.hp.LearningRate, end-start, gradientClip)
	}

	stats := trainer.EpochStats{TrainLoss: sse / float64(len(train))}
	stats.ValidationLoss = stats.TrainLoss
	if len(validation) > 0 {
		var vse float64
		for _, v := range validation {
			d := s.net.predict(v.Features) - v.Target
			vse += d * d
		}
		stats.ValidationLoss = vse / float64(len(validation))
	}
	if math.IsNaN(stats.TrainLoss) || math.IsInf(stats.TrainLoss, 0) ||
		math.IsNaN(stats.ValidationLoss) || math.IsInf(stats.ValidationLoss, 0) {
		return stats, errDiverged
	}
	return stats, nil
}
