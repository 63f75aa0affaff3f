// Package backtest replays a prediction series through a single-position
// trading account and reports performance metrics.
package backtest

import (
	"math"
	"time"

	"modelforge/internal/model"
)

const (
	// MaxEquityPoints bounds the stored equity curve.
	MaxEquityPoints = 1000
	// MaxTrades bounds the stored trade log; overflow is counted only.
	MaxTrades = 500
)

// Point one bar fed to the simulator
type Point struct {
	Timestamp       time.Time
	Close           float64
	PredictedReturn float64
	ActualReturn    float64
}

// Result full simulation output
type Result struct {
	InitialCapital       float64
	FinalEquity          float64
	TotalReturn          float64
	AnnualizedReturn     float64
	SharpeRatio          float64
	SortinoRatio         float64
	CalmarRatio          float64
	MaxDrawdown          float64
	WinRate              float64
	ProfitFactor         float64 // +Inf when there are wins and no losses
	AverageWin           float64
	AverageLoss          float64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHoldingBars   float64
	TotalTrades          int
	TotalFees            float64
	RealizedPnL          float64 // gross PnL over all closed trades
	StartTime            time.Time
	EndTime              time.Time
	EquityCurve          []model.EquityPoint
	Trades               []model.Trade
	TradesDropped        int
}

type position struct {
	size       float64 // >0 long, <0 short
	entryPrice float64
	entryTime  time.Time
	entryIndex int
	entryFee   float64
}

type simulator struct {
	env    model.TradingEnv
	equity float64 // realised equity, net of fees
	pos    *position
	res    *Result

	wins, losses        int
	grossWin, grossLoss float64
	curWins, curLosses  int
	holdingSum          int
}

// Run simulates the signal rule "long when the prediction is positive,
// otherwise flat or short" over points. annualization is the number of bars
// per year.
func Run(points []Point, env model.TradingEnv, annualization float64) *Result {
	res := &Result{InitialCapital: env.InitialCapital, FinalEquity: env.InitialCapital}
	if len(points) == 0 {
		now := time.Now().UTC()
		res.StartTime, res.EndTime = now, now
		return res
	}
	res.StartTime = points[0].Timestamp
	res.EndTime = points[len(points)-1].Timestamp

	sim := &simulator{env: env, equity: env.InitialCapital, res: res}

	n := len(points)
	stride := (n + MaxEquityPoints - 1) / MaxEquityPoints

	peak := env.InitialCapital
	var prevMTM, sum, sumSq, downSq float64
	var periodReturns int

	for i, p := range points {
		if p.PredictedReturn > 0 {
			sim.buy(i, p)
		} else {
			sim.sell(i, p)
		}

		mtm := sim.markToMarket(p.Close)
		if i > 0 && prevMTM != 0 {
			r := mtm/prevMTM - 1
			sum += r
			sumSq += r * r
			if r < 0 {
				downSq += r * r
			}
			periodReturns++
		}
		prevMTM = mtm

		if mtm > peak {
			peak = mtm
		}
		if peak > 0 {
			if dd := (peak - mtm) / peak; dd > res.MaxDrawdown {
				res.MaxDrawdown = dd
			}
		}

		if i%stride == 0 {
			res.EquityCurve = append(res.EquityCurve, model.EquityPoint{Timestamp: p.Timestamp, Equity: mtm})
		}
	}

	last := points[n-1]
	if sim.pos != nil {
		sim.close(n-1, last)
	}
	res.FinalEquity = sim.equity

	if env.InitialCapital > 0 {
		res.TotalReturn = res.FinalEquity/env.InitialCapital - 1
	}
	res.AnnualizedReturn = annualize(res.TotalReturn, n, annualization)

	if periodReturns >= 2 {
		count := float64(periodReturns)
		mean := sum / count
		variance := sumSq/count - mean*mean
		if variance > 0 {
			res.SharpeRatio = mean * math.Sqrt(annualization) / math.Sqrt(variance)
		}
		if downSq > 0 {
			res.SortinoRatio = mean * math.Sqrt(annualization) / math.Sqrt(downSq/count)
		}
	}
	if res.MaxDrawdown > 0 {
		res.CalmarRatio = res.AnnualizedReturn / res.MaxDrawdown
	}

	sim.finishTradeStats()
	return res
}

// annualize implements (1 + total)^(A/N) - 1.
func annualize(total float64, bars int, annualization float64) float64 {
	if bars <= 0 || annualization <= 0 {
		return 0
	}
	base := 1 + total
	if base <= 0 {
		return -1
	}
	return math.Pow(base, annualization/float64(bars)) - 1
}

func (s *simulator) markToMarket(price float64) float64 {
	if s.pos == nil {
		return s.equity
	}
	return s.equity + s.pos.size*(price-s.pos.entryPrice)
}

func (s *simulator) buy(i int, p Point) {
	if s.pos != nil && s.pos.size > 0 {
		return
	}
	if s.pos != nil {
		s.close(i, p)
	}
	s.open(i, p, 1)
}

func (s *simulator) sell(i int, p Point) {
	if s.pos != nil && s.pos.size < 0 {
		return
	}
	if s.pos != nil {
		s.close(i, p)
	}
	if s.env.AllowShort {
		s.open(i, p, -1)
	}
}

func (s *simulator) open(i int, p Point, direction float64) {
	if p.Close <= 0 || s.equity <= 0 {
		return
	}
	size := s.equity * s.env.MaxPositionRatio / p.Close
	if size <= 0 {
		return
	}
	fee := size * p.Close * s.env.TakerFeeRate
	s.equity -= fee
	s.res.TotalFees += fee
	s.pos = &position{
		size:       direction * size,
		entryPrice: p.Close,
		entryTime:  p.Timestamp,
		entryIndex: i,
		entryFee:   fee,
	}
}

func (s *simulator) close(i int, p Point) {
	pos := s.pos
	s.pos = nil

	pnl := pos.size * (p.Close - pos.entryPrice)
	fee := math.Abs(pos.size) * p.Close * s.env.TakerFeeRate
	s.equity += pnl - fee
	s.res.TotalFees += fee
	s.res.RealizedPnL += pnl

	fees := pos.entryFee + fee
	net := pnl - fees
	side := "long"
	if pos.size < 0 {
		side = "short"
	}
	holding := i - pos.entryIndex

	s.res.TotalTrades++
	s.holdingSum += holding
	if len(s.res.Trades) < MaxTrades {
		s.res.Trades = append(s.res.Trades, model.Trade{
			Side:        side,
			EntryTime:   pos.entryTime,
			ExitTime:    p.Timestamp,
			EntryPrice:  pos.entryPrice,
			ExitPrice:   p.Close,
			Size:        math.Abs(pos.size),
			PnL:         pnl,
			Fees:        fees,
			NetPnL:      net,
			HoldingBars: holding,
		})
	} else {
		s.res.TradesDropped++
	}

	switch {
	case net > 0:
		s.wins++
		s.grossWin += net
		s.curWins++
		s.curLosses = 0
		if s.curWins > s.res.MaxConsecutiveWins {
			s.res.MaxConsecutiveWins = s.curWins
		}
	case net < 0:
		s.losses++
		s.grossLoss += -net
		s.curLosses++
		s.curWins = 0
		if s.curLosses > s.res.MaxConsecutiveLosses {
			s.res.MaxConsecutiveLosses = s.curLosses
		}
	default:
		s.curWins, s.curLosses = 0, 0
	}
}

func (s *simulator) finishTradeStats() {
	r := s.res
	if r.TotalTrades == 0 {
		return
	}
	r.WinRate = float64(s.wins) / float64(r.TotalTrades)
	r.AverageHoldingBars = float64(s.holdingSum) / float64(r.TotalTrades)
	if s.wins > 0 {
		r.AverageWin = s.grossWin / float64(s.wins)
	}
	if s.losses > 0 {
		r.AverageLoss = s.grossLoss / float64(s.losses)
	}
	switch {
	case s.grossLoss > 0:
		r.ProfitFactor = s.grossWin / s.grossLoss
	case s.grossWin > 0:
		r.ProfitFactor = math.Inf(1)
	}
}

// Summary converts the result into its persisted form. An infinite profit
// factor is stored as math.MaxFloat64 since JSON has no infinity.
func (r *Result) Summary() *model.BacktestSummary {
	pf := r.ProfitFactor
	if math.IsInf(pf, 1) {
		pf = math.MaxFloat64
	}
	return &model.BacktestSummary{
		InitialCapital:       r.InitialCapital,
		FinalEquity:          r.FinalEquity,
		TotalReturn:          r.TotalReturn,
		AnnualizedReturn:     r.AnnualizedReturn,
		SharpeRatio:          r.SharpeRatio,
		SortinoRatio:         r.SortinoRatio,
		CalmarRatio:          r.CalmarRatio,
		MaxDrawdown:          r.MaxDrawdown,
		WinRate:              r.WinRate,
		ProfitFactor:         pf,
		AverageWin:           r.AverageWin,
		AverageLoss:          r.AverageLoss,
		MaxConsecutiveWins:   r.MaxConsecutiveWins,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		AverageHoldingBars:   r.AverageHoldingBars,
		TotalTrades:          r.TotalTrades,
		TotalFees:            r.TotalFees,
		StartTime:            r.StartTime,
		EndTime:              r.EndTime,
		EquityCurve:          r.EquityCurve,
		Trades:               r.Trades,
		TradesDropped:        r.TradesDropped,
	}
}
