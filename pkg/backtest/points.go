package backtest

import (
	"modelforge/pkg/features"
)

// PointsFromSamples pairs each sample with the model's prediction for it.
// The sample target is the realised forward log return.
func PointsFromSamples(samples []features.Sample, predictions []float64) []Point {
	n := min(len(samples), len(predictions))
	points := make([]Point, n)
	for i := 0; i < n; i++ {
		points[i] = Point{
			Timestamp:       samples[i].Timestamp,
			Close:           samples[i].Close,
			PredictedReturn: predictions[i],
			ActualReturn:    samples[i].Target,
		}
	}
	return points
}
