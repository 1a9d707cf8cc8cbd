package backtest

import (
	"math"

	"quantback/internal/market"
	"quantback/internal/strategy"
)

const (
	tradingDaysPerYear  = 252
	defaultRiskFreeRate = 0.03
)

// computePerformance summarizes a run from its equity curve and trade
// log. Win/loss statistics count closed (sell) trades only.
func computePerformance(equity []EquityPoint, trades []Trade, initialCapital, riskFreeRate float64, benchmark []market.Data) Performance {
	var p Performance
	if len(equity) == 0 || initialCapital <= 0 {
		return p
	}

	finalValue := equity[len(equity)-1].Value
	p.TotalReturn = finalValue/initialCapital - 1
	p.AnnualizedReturn = annualize(p.TotalReturn, len(equity))
	p.Volatility = annualizedVolatility(equity)
	if p.Volatility > 0 {
		p.SharpeRatio = (p.AnnualizedReturn - riskFreeRate) / p.Volatility
	}
	p.MaxDrawdown = maxDrawdown(equity)
	if p.MaxDrawdown > 0 {
		p.CalmarRatio = p.AnnualizedReturn / p.MaxDrawdown
	}

	p.TotalTrades = len(trades)
	grossProfit, grossLoss := 0.0, 0.0
	closed := 0
	for _, t := range trades {
		if t.Action != strategy.ActionSell {
			continue
		}
		closed++
		if t.PnL > 0 {
			p.WinningTrades++
			grossProfit += t.PnL
		} else if t.PnL < 0 {
			p.LosingTrades++
			grossLoss += -t.PnL
		}
	}
	if closed > 0 {
		p.WinRate = float64(p.WinningTrades) / float64(closed)
	}
	if grossLoss > 0 {
		p.ProfitFactor = grossProfit / grossLoss
	}

	if len(benchmark) > 1 && benchmark[0].Close > 0 {
		p.BenchmarkReturn = benchmark[len(benchmark)-1].Close/benchmark[0].Close - 1
	}

	return p
}

// annualize converts a total return over n trading days to a yearly
// rate.
func annualize(totalReturn float64, days int) float64 {
	if days <= 0 || totalReturn <= -1 {
		return 0
	}
	return math.Pow(1+totalReturn, tradingDaysPerYear/float64(days)) - 1
}

// annualizedVolatility is the standard deviation of daily simple
// returns scaled to a year.
func annualizedVolatility(equity []EquityPoint) float64 {
	if len(equity) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Value
		if prev <= 0 {
			continue
		}
		returns = append(returns, equity[i].Value/prev-1)
	}
	if len(returns) == 0 {
		return 0
	}
	m := mean(returns)
	variance := 0.0
	for _, r := range returns {
		d := r - m
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// maxDrawdown is the largest peak-to-trough loss on the curve.
func maxDrawdown(equity []EquityPoint) float64 {
	peak, worst := 0.0, 0.0
	for _, pt := range equity {
		if pt.Value > peak {
			peak = pt.Value
		}
		if peak > 0 {
			if dd := (peak - pt.Value) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
