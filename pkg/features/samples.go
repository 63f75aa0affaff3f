// Package features turns candle series into supervised samples of lagged
// log returns and normalises them.
package features

import (
	"fmt"
	"math"
	"time"

	"modelforge/internal/model"
)

// Sample one supervised example. Features are the lagged log returns that
// precede the forecast window, most recent first.
type Sample struct {
	Features  []float64 `json:"features"`
	Target    float64   `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Close     float64   `json:"close"`
}

// SampleStream lazily yields samples from a candle series. It is finite and
// cannot be restarted.
type SampleStream struct {
	candles []model.Candle
	maxLags int
	horizon int

	window []float64 // ring buffer of the last maxLags+horizon returns
	head   int       // index of the oldest return in window
	filled int
	next   int // next candle index whose return is consumed

	current Sample
	done    bool
}

// MinCandles is the smallest series that yields at least one sample.
func MinCandles(maxLags, horizon int) int {
	return maxLags + horizon + 1
}

// ExtractSamples validates the series size and returns a lazy stream of
// max(0, N - maxLags - horizon) samples.
func ExtractSamples(candles []model.Candle, maxLags, horizon int) (*SampleStream, error) {
	if maxLags < 1 {
		return nil, fmt.Errorf("%w: maxLags must be >= 1, got %d", model.ErrInvalidArgument, maxLags)
	}
	if horizon < 1 {
		return nil, fmt.Errorf("%w: forecastHorizon must be >= 1, got %d", model.ErrInvalidArgument, horizon)
	}
	need := MinCandles(maxLags, horizon)
	if len(candles) < need {
		return nil, fmt.Errorf("%w: need at least %d candles (maxLags + forecastHorizon + 1), got %d",
			model.ErrInsufficientData, need, len(candles))
	}
	for i, c := range candles {
		if c.Close <= 0 {
			return nil, fmt.Errorf("%w: candle %d has non-positive close %v", model.ErrInvalidArgument, i, c.Close)
		}
	}
	return &SampleStream{
		candles: candles,
		maxLags: maxLags,
		horizon: horizon,
		window:  make([]float64, maxLags+horizon),
		next:    1,
	}, nil
}

// Next advances to the next sample. It returns false once the series is
// exhausted and on every call after that.
func (s *SampleStream) Next() bool {
	if s.done {
		return false
	}
	w := len(s.window)
	for s.next < len(s.candles) {
		i := s.next
		s.next++
		r := math.Log(s.candles[i].Close / s.candles[i-1].Close)

		if s.filled < w {
			s.window[(s.head+s.filled)%w] = r
			s.filled++
		} else {
			s.window[s.head] = r
			s.head = (s.head + 1) % w
		}
		if s.filled < w {
			continue
		}

		// window holds returns r[i-w+1..i]; position k (0 = oldest) is r[i-w+1+k].
		feats := make([]float64, s.maxLags)
		for lag := 0; lag < s.maxLags; lag++ {
			// most recent return before the forecast window is r[i-horizon]
			k := w - 1 - s.horizon - lag
			feats[lag] = s.window[(s.head+k)%w]
		}
		anchor := i - s.horizon + 1
		s.current = Sample{
			Features:  feats,
			Target:    s.window[(s.head+w-1)%w],
			Timestamp: s.candles[anchor].OpenTime,
			Close:     s.candles[anchor].Close,
		}
		return true
	}
	s.done = true
	s.candles = nil
	return false
}

// Sample returns the sample produced by the last successful Next.
func (s *SampleStream) Sample() Sample {
	return s.current
}

// Collect drains the stream into a slice.
func (s *SampleStream) Collect() []Sample {
	var out []Sample
	for s.Next() {
		out = append(out, s.Sample())
	}
	return out
}

// FeatureNames returns lag_1..lag_k.
func FeatureNames(maxLags int) []string {
	names := make([]string, maxLags)
	for i := range names {
		names[i] = fmt.Sprintf("lag_%d", i+1)
	}
	return names
}
