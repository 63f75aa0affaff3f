package backtest

import (
	"math"
	"testing"
	"time"

	"modelforge/internal/model"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func env(allowShort bool, fee float64) model.TradingEnv {
	return model.TradingEnv{
		InitialCapital:   10000,
		TakerFeeRate:     fee,
		MaxPositionRatio: 1,
		AllowShort:       allowShort,
	}
}

func makePoints(closes []float64, predictions []float64) []Point {
	points := make([]Point, len(closes))
	for i, c := range closes {
		var actual float64
		if i > 0 {
			actual = math.Log(c / closes[i-1])
		}
		points[i] = Point{
			Timestamp:       start.Add(time.Duration(i) * time.Hour),
			Close:           c,
			PredictedReturn: predictions[i],
			ActualReturn:    actual,
		}
	}
	return points
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestRun_EmptyInput(t *testing.T) {
	res := Run(nil, env(false, 0.001), 8760)
	assert.Equal(t, 0, res.TotalTrades)
	assert.Equal(t, 0.0, res.TotalReturn)
	assert.Equal(t, 0.0, res.SharpeRatio)
	assert.Equal(t, 10000.0, res.FinalEquity)
	assert.False(t, res.StartTime.IsZero())
	assert.Equal(t, res.StartTime, res.EndTime)
}

func TestRun_AlwaysLongOnRisingPrices(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	res := Run(makePoints(closes, constant(50, 1)), env(false, 0), 8760)

	assert.Equal(t, 1, res.TotalTrades)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "long", res.Trades[0].Side)
	assert.Equal(t, 49, res.Trades[0].HoldingBars)
	assert.GreaterOrEqual(t, res.FinalEquity, res.InitialCapital)
	assert.InDelta(t, 0.49, res.TotalReturn, 1e-9)
	assert.Equal(t, 0.0, res.MaxDrawdown)
	assert.Equal(t, 1.0, res.WinRate)
	assert.True(t, math.IsInf(res.ProfitFactor, 1))
	assert.Equal(t, math.MaxFloat64, res.Summary().ProfitFactor)
}

func TestRun_NoTradesWithoutShorting(t *testing.T) {
	closes := []float64{100, 99, 98, 97}
	res := Run(makePoints(closes, constant(4, -1)), env(false, 0.001), 8760)
	assert.Equal(t, 0, res.TotalTrades)
	assert.Equal(t, 0.0, res.WinRate)
	assert.Equal(t, 0.0, res.ProfitFactor)
	assert.Equal(t, 10000.0, res.FinalEquity)
}

func TestRun_ShortProfitsOnFallingPrices(t *testing.T) {
	closes := []float64{100, 90, 80, 70}
	res := Run(makePoints(closes, constant(4, -1)), env(true, 0), 8760)
	require.Equal(t, 1, res.TotalTrades)
	assert.Equal(t, "short", res.Trades[0].Side)
	// size = 10000/100 = 100 units, gain 30 each
	assert.InDelta(t, 13000, res.FinalEquity, 1e-9)
}

func TestRun_FlipFromLongToShort(t *testing.T) {
	closes := []float64{100, 110, 100, 90}
	preds := []float64{1, -1, -1, -1}
	res := Run(makePoints(closes, preds), env(true, 0.001), 8760)

	require.Equal(t, 2, res.TotalTrades)
	assert.Equal(t, "long", res.Trades[0].Side)
	assert.Equal(t, "short", res.Trades[1].Side)
	assert.Greater(t, res.TotalFees, 0.0)
	assert.Equal(t, 2, res.MaxConsecutiveWins)
}

func TestRun_EquityCurveIsDownsampled(t *testing.T) {
	n := 2500
	closes := make([]float64, n)
	preds := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i)/10)
		preds[i] = math.Cos(float64(i))
	}
	res := Run(makePoints(closes, preds), env(true, 0.0005), 8760)
	assert.LessOrEqual(t, len(res.EquityCurve), MaxEquityPoints)
	// stride = ceil(2500/1000) = 3
	assert.Equal(t, 834, len(res.EquityCurve))
	assert.LessOrEqual(t, len(res.Trades), MaxTrades)
	assert.Equal(t, res.TotalTrades, len(res.Trades)+res.TradesDropped)
	assert.Greater(t, res.TradesDropped, 0)
}

func TestRun_SharpeZeroWithSinglePeriod(t *testing.T) {
	res := Run(makePoints([]float64{100, 101}, []float64{1, 1}), env(false, 0), 8760)
	assert.Equal(t, 0.0, res.SharpeRatio)
	assert.Equal(t, 0.0, res.SortinoRatio)
}

func TestAnnualize(t *testing.T) {
	assert.InDelta(t, 0.21, annualize(0.1, 50, 100), 1e-12)
	assert.Equal(t, -1.0, annualize(-1.5, 10, 100))
	assert.Equal(t, 0.0, annualize(0.1, 0, 100))
}

// TestProperty_AccountingIdentity checks that realised gross PnL equals the
// equity change plus fees, and that the downsampled curve is bounded.
func TestProperty_AccountingIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("sum of trade PnL = final - initial + fees", prop.ForAll(
		func(moves []float64, preds []float64, allowShort bool, fee float64) bool {
			n := len(moves)
			if len(preds) < n {
				n = len(preds)
			}
			closes := make([]float64, n)
			price := 100.0
			for i := 0; i < n; i++ {
				price *= 1 + moves[i]
				closes[i] = price
			}
			res := Run(makePoints(closes, preds[:n]), env(allowShort, fee), 8760)

			var tradePnL float64
			for _, tr := range res.Trades {
				tradePnL += tr.PnL
			}
			lhs := res.FinalEquity - res.InitialCapital + res.TotalFees
			if math.Abs(res.RealizedPnL-lhs) > 1e-6 {
				return false
			}
			if res.TradesDropped == 0 && math.Abs(tradePnL-lhs) > 1e-6 {
				return false
			}
			return len(res.EquityCurve) <= MaxEquityPoints &&
				res.MaxDrawdown >= 0
		},
		gen.SliceOfN(120, gen.Float64Range(-0.05, 0.05)),
		gen.SliceOfN(120, gen.Float64Range(-1, 1)),
		gen.Bool(),
		gen.Float64Range(0, 0.01),
	))

	properties.TestingRun(t)
}
