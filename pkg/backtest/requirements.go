package backtest

import (
	"fmt"

	"modelforge/internal/model"
)

// CheckRequirements evaluates the thresholds against a backtest. Absent
// thresholds always pass; MinTradeCount is always enforced. The returned
// list describes every failed threshold.
func CheckRequirements(s *model.BacktestSummary, req model.PerformanceRequirements) (bool, []string) {
	if s == nil {
		return false, []string{"no backtest result"}
	}
	var failures []string
	if s.TotalTrades < req.MinTradeCount {
		failures = append(failures, fmt.Sprintf("trades %d < %d", s.TotalTrades, req.MinTradeCount))
	}
	if req.MinSharpe != nil && s.SharpeRatio < *req.MinSharpe {
		failures = append(failures, fmt.Sprintf("sharpe %.4f < %.4f", s.SharpeRatio, *req.MinSharpe))
	}
	if req.MinTotalReturn != nil && s.TotalReturn < *req.MinTotalReturn {
		failures = append(failures, fmt.Sprintf("total return %.4f < %.4f", s.TotalReturn, *req.MinTotalReturn))
	}
	if req.MaxDrawdown != nil && s.MaxDrawdown > *req.MaxDrawdown {
		failures = append(failures, fmt.Sprintf("max drawdown %.4f > %.4f", s.MaxDrawdown, *req.MaxDrawdown))
	}
	if req.MinWinRate != nil && s.WinRate < *req.MinWinRate {
		failures = append(failures, fmt.Sprintf("win rate %.4f < %.4f", s.WinRate, *req.MinWinRate))
	}
	if req.MinProfitFactor != nil && s.ProfitFactor < *req.MinProfitFactor {
		failures = append(failures, fmt.Sprintf("profit factor %.4f < %.4f", s.ProfitFactor, *req.MinProfitFactor))
	}
	return len(failures) == 0, failures
}
