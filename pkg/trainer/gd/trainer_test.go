package gd

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"modelforge/internal/model"
	"modelforge/pkg/features"
	"modelforge/pkg/trainer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearSamples(n int, seed int64) []features.Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]features.Sample, n)
	for i := range out {
		x1, x2 := rng.NormFloat64(), rng.NormFloat64()
		out[i] = features.Sample{Features: []float64{x1, x2}, Target: 2*x1 - x2 + 0.5}
	}
	return out
}

func train(t *testing.T, s trainer.Session, epochs int, tr, val []features.Sample) trainer.EpochStats {
	t.Helper()
	var stats trainer.EpochStats
	for e := 0; e < epochs; e++ {
		var err error
		stats, err = s.TrainEpoch(context.Background(), tr, val)
		require.NoError(t, err)
	}
	return stats
}

func TestLinearRegressionConverges(t *testing.T) {
	tr := New()
	s, err := tr.NewSession(trainer.ModelSpec{Type: model.ModelTypeLinearRegression}, 2,
		trainer.Hyperparameters{LearningRate: 0.1, BatchSize: 16}, 42)
	require.NoError(t, err)

	stats := train(t, s, 200, linearSamples(256, 1), linearSamples(64, 2))
	assert.Less(t, stats.ValidationLoss, 1e-3)

	m := s.Snapshot()
	assert.InDelta(t, 2*1.0-0.5+0.5, m.Predict([]float64{1, 0.5}), 0.05)
}

func TestMLPReducesLoss(t *testing.T) {
	tr := New()
	spec := trainer.ModelSpec{Type: model.ModelTypeMLP, HiddenLayerSizes: []int{8, 4}}
	s, err := tr.NewSession(spec, 2, trainer.Hyperparameters{LearningRate: 0.05, BatchSize: 16}, 7)
	require.NoError(t, err)

	data := linearSamples(256, 3)
	first := train(t, s, 1, data, nil)
	last := train(t, s, 100, data, nil)
	assert.Less(t, last.TrainLoss, first.TrainLoss)
	assert.Equal(t, last.TrainLoss, last.ValidationLoss, "validation falls back to train loss")
}

func TestDeterministicPerSeed(t *testing.T) {
	tr := New()
	spec := trainer.ModelSpec{Type: model.ModelTypeMLP, HiddenLayerSizes: []int{4}}
	hp := trainer.Hyperparameters{LearningRate: 0.05, BatchSize: 8, Shuffle: true}
	data := linearSamples(64, 5)

	run := func() []byte {
		s, err := tr.NewSession(spec, 2, hp, 99)
		require.NoError(t, err)
		train(t, s, 10, data, nil)
		w, err := s.Snapshot().MarshalWeights()
		require.NoError(t, err)
		return w
	}
	assert.Equal(t, run(), run())
}

func TestWeightsRoundTrip(t *testing.T) {
	tr := New()
	spec := trainer.ModelSpec{Type: model.ModelTypeMLP, HiddenLayerSizes: []int{3}}
	s, err := tr.NewSession(spec, 2, trainer.Hyperparameters{LearningRate: 0.05}, 1)
	require.NoError(t, err)
	data := linearSamples(32, 9)
	train(t, s, 5, data, nil)

	before := s.Snapshot()
	weights, err := before.MarshalWeights()
	require.NoError(t, err)

	loaded, err := tr.Load(spec, weights)
	require.NoError(t, err)
	for _, d := range data {
		assert.Equal(t, before.Predict(d.Features), loaded.Predict(d.Features))
	}

	// a restored session continues from the same weights
	restored, err := tr.RestoreSession(spec, weights, trainer.Hyperparameters{LearningRate: 0.05}, 1)
	require.NoError(t, err)
	assert.Equal(t, before.Predict(data[0].Features), restored.Snapshot().Predict(data[0].Features))
	assert.Equal(t, 0.05, restored.LearningRate())
}

func TestSnapshotIsIndependent(t *testing.T) {
	tr := New()
	s, err := tr.NewSession(trainer.ModelSpec{Type: model.ModelTypeLinearRegression}, 2,
		trainer.Hyperparameters{LearningRate: 0.1}, 3)
	require.NoError(t, err)
	snap := s.Snapshot()
	x := []float64{1, 1}
	p := snap.Predict(x)
	train(t, s, 5, linearSamples(32, 4), nil)
	assert.Equal(t, p, snap.Predict(x))
}

func TestUnsupportedAndInvalidSpecs(t *testing.T) {
	tr := New()
	_, err := tr.NewSession(trainer.ModelSpec{Type: model.ModelTypeGradientBoosting}, 2, trainer.Hyperparameters{}, 1)
	assert.ErrorIs(t, err, trainer.ErrUnsupportedModel)

	_, err = tr.NewSession(trainer.ModelSpec{Type: model.ModelTypeMLP}, 2, trainer.Hyperparameters{}, 1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = tr.Load(trainer.ModelSpec{Type: model.ModelTypeLinearRegression}, []byte("{"))
	assert.Error(t, err)

	_, err = tr.Load(trainer.ModelSpec{Type: model.ModelTypeLinearRegression},
		[]byte(`{"modelType":0,"inputSize":2,"layers":[{"w":[[1,2],[3,4]],"b":[0,0]}]}`))
	assert.Error(t, err, "two output units")
}

func TestTrainEpochHonoursCancellation(t *testing.T) {
	tr := New()
	s, err := tr.NewSession(trainer.ModelSpec{Type: model.ModelTypeLinearRegression}, 2,
		trainer.Hyperparameters{LearningRate: 0.1}, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.TrainEpoch(ctx, linearSamples(10, 1), nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEvaluate(t *testing.T) {
	tr := New()
	s, err := tr.NewSession(trainer.ModelSpec{Type: model.ModelTypeLinearRegression}, 2,
		trainer.Hyperparameters{LearningRate: 0.1, BatchSize: 16}, 42)
	require.NoError(t, err)
	train(t, s, 200, linearSamples(256, 1), nil)

	test := linearSamples(100, 8)
	ev, err := trainer.Evaluate(context.Background(), s.Snapshot(), test)
	require.NoError(t, err)
	assert.Len(t, ev.Predictions, 100)
	assert.Greater(t, ev.R2, 0.99)
	assert.InDelta(t, ev.RMSE*ev.RMSE, ev.MSE, 1e-12)

	_, err = trainer.Evaluate(context.Background(), s.Snapshot(), nil)
	assert.ErrorIs(t, err, model.ErrInsufficientData)
}
