package features

import (
	"fmt"
	"math"

	"modelforge/internal/model"
)

const (
	// MinSamples is the smallest sample count accepted by Split.
	MinSamples = 10
	// MinTrainSamples is the smallest training partition accepted by Split.
	MinTrainSamples = 5
)

// Split partitions samples chronologically into train, validation and test.
// nTest = ceil(n*testFrac), nVal = ceil(n*valFrac), the rest is training.
func Split(samples []Sample, valFrac, testFrac float64) (train, val, test []Sample, err error) {
	if valFrac < 0 || valFrac >= 1 || testFrac < 0 || testFrac >= 1 || valFrac+testFrac >= 1 {
		return nil, nil, nil, fmt.Errorf("%w: invalid split fractions validation=%v test=%v",
			model.ErrInvalidArgument, valFrac, testFrac)
	}
	n := len(samples)
	if n < MinSamples {
		return nil, nil, nil, fmt.Errorf("%w: need at least %d samples, got %d",
			model.ErrInsufficientData, MinSamples, n)
	}

	nTest := int(math.Ceil(float64(n) * testFrac))
	nVal := int(math.Ceil(float64(n) * valFrac))
	nTrain := n - nVal - nTest
	if nTrain < MinTrainSamples {
		return nil, nil, nil, fmt.Errorf("%w: training partition has %d samples, need at least %d",
			model.ErrInsufficientData, nTrain, MinTrainSamples)
	}

	return samples[:nTrain], samples[nTrain : nTrain+nVal], samples[nTrain+nVal:], nil
}
