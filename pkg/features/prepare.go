package features

import (
	"modelforge/internal/model"
)

// PrepareOptions inputs for PrepareTrainingData
type PrepareOptions struct {
	MaxLags            int
	ForecastHorizon    int
	ValidationFraction float64
	TestFraction       float64
}

// PreparedData normalised partitions ready for training
type PreparedData struct {
	Train        []Sample
	Validation   []Sample
	Test         []Sample
	Stats        NormStats
	FeatureNames []string
}

// PrepareTrainingData extracts samples, splits them chronologically, fits
// normalisation on the training partition only and applies it to all three.
// The result is a deterministic function of its inputs.
func PrepareTrainingData(candles []model.Candle, opts PrepareOptions) (*PreparedData, error) {
	stream, err := ExtractSamples(candles, opts.MaxLags, opts.ForecastHorizon)
	if err != nil {
		return nil, err
	}
	samples := stream.Collect()

	train, val, test, err := Split(samples, opts.ValidationFraction, opts.TestFraction)
	if err != nil {
		return nil, err
	}

	stats, err := FitNormalization(train)
	if err != nil {
		return nil, err
	}

	return &PreparedData{
		Train:        ApplyNormalization(train, stats),
		Validation:   ApplyNormalization(val, stats),
		Test:         ApplyNormalization(test, stats),
		Stats:        stats,
		FeatureNames: FeatureNames(opts.MaxLags),
	}, nil
}
