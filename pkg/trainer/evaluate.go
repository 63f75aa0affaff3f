package trainer

import (
	"context"
	"fmt"
	"math"

	"modelforge/internal/model"
	"modelforge/pkg/features"
)

// Evaluation regression metrics on a held-out set
type Evaluation struct {
	MSE         float64
	RMSE        float64
	MAE         float64
	R2          float64
	Predictions []float64
}

// Result converts to the persisted form
func (e Evaluation) Result() model.EvaluationResult {
	return model.EvaluationResult{MSE: e.MSE, RMSE: e.RMSE, MAE: e.MAE, R2: e.R2}
}

// Evaluate predicts every sample and computes MSE, RMSE, MAE and R².
// R² is 0 when the targets have no variance.
func Evaluate(ctx context.Context, m Model, samples []features.Sample) (Evaluation, error) {
	if len(samples) == 0 {
		return Evaluation{}, fmt.Errorf("%w: no samples to evaluate", model.ErrInsufficientData)
	}
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}

	inputs := make([][]float64, len(samples))
	var meanTarget float64
	for i, s := range samples {
		inputs[i] = s.Features
		meanTarget += s.Target
	}
	meanTarget /= float64(len(samples))
	preds := m.PredictBatch(inputs)

	var sse, sae, sst float64
	for i, s := range samples {
		diff := preds[i] - s.Target
		sse += diff * diff
		sae += math.Abs(diff)
		dev := s.Target - meanTarget
		sst += dev * dev
	}
	n := float64(len(samples))
	ev := Evaluation{
		MSE:         sse / n,
		MAE:         sae / n,
		Predictions: preds,
	}
	ev.RMSE = math.Sqrt(ev.MSE)
	if sst > 0 {
		ev.R2 = 1 - sse/sst
	}
	return ev, nil
}
