package features

import (
	"fmt"
	"math"

	"modelforge/internal/model"
)

// stdFloor below which a feature is treated as constant.
const stdFloor = 1e-8

// NormStats per-feature z-score parameters fitted on the training set
type NormStats struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// FitNormalization computes per-feature mean and sample standard deviation
// with Welford's online algorithm. A deviation below 1e-8 becomes 1.
func FitNormalization(samples []Sample) (NormStats, error) {
	if len(samples) == 0 {
		return NormStats{}, fmt.Errorf("%w: cannot fit normalization on zero samples", model.ErrInsufficientData)
	}
	k := len(samples[0].Features)
	mean := make([]float64, k)
	m2 := make([]float64, k)

	for n, s := range samples {
		if len(s.Features) != k {
			return NormStats{}, fmt.Errorf("%w: sample %d has %d features, want %d",
				model.ErrInvalidArgument, n, len(s.Features), k)
		}
		count := float64(n + 1)
		for j, x := range s.Features {
			delta := x - mean[j]
			mean[j] += delta / count
			m2[j] += delta * (x - mean[j])
		}
	}

	stds := make([]float64, k)
	for j := range stds {
		if len(samples) > 1 {
			stds[j] = math.Sqrt(m2[j] / float64(len(samples)-1))
		}
		if stds[j] < stdFloor {
			stds[j] = 1
		}
	}
	return NormStats{Means: mean, Stds: stds}, nil
}

// Transform returns the normalised copy of one feature vector.
func (ns NormStats) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if j < len(ns.Means) {
			out[j] = (v - ns.Means[j]) / ns.Stds[j]
		} else {
			out[j] = v
		}
	}
	return out
}

// ApplyNormalization returns new samples with normalised features. Targets
// and metadata are copied unchanged.
func ApplyNormalization(samples []Sample, stats NormStats) []Sample {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		out[i] = Sample{
			Features:  stats.Transform(s.Features),
			Target:    s.Target,
			Timestamp: s.Timestamp,
			Close:     s.Close,
		}
	}
	return out
}
