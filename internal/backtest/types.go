// Package backtest runs event-driven daily backtests over historical
// bars with a realistic A-share cost model, and exposes a service layer
// with a remote-first executor, batch parameter sweeps and scheduling.
package backtest

import (
	"time"

	"quantback/internal/strategy"
)

// Config describes a single backtest run.
type Config struct {
	StartDate      string                 `json:"start_date"`
	EndDate        string                 `json:"end_date"`
	InitialCapital float64                `json:"initial_capital"`
	Symbols        []string               `json:"symbols"`
	Benchmark      string                 `json:"benchmark,omitempty"`
	StrategyType   string                 `json:"strategy_type"`
	StrategyParams map[string]interface{} `json:"strategy_params,omitempty"`
	Costs          CostConfig             `json:"costs"`
	Risk           strategy.RiskControl   `json:"risk"`
	RiskFreeRate   float64                `json:"risk_free_rate"`
}

// Trade is one executed fill.
type Trade struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Date     string          `json:"date"`
	Action   strategy.Action `json:"action"`
	Quantity float64         `json:"quantity"`
	Price    float64         `json:"price"`
	Amount   float64         `json:"amount"`
	Costs    Costs           `json:"costs"`
	PnL      float64         `json:"pnl,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// EquityPoint is one day on the equity curve. Drawdown is measured
// against the running peak.
type EquityPoint struct {
	Date     string  `json:"date"`
	Value    float64 `json:"value"`
	Cash     float64 `json:"cash"`
	Drawdown float64 `json:"drawdown"`
}

// Performance summarizes a completed run.
type Performance struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	CalmarRatio      float64 `json:"calmar_ratio"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     float64 `json:"profit_factor"`
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	AvgHoldingDays   float64 `json:"avg_holding_days"`
	BenchmarkReturn  float64 `json:"benchmark_return,omitempty"`
}

// Result is the full outcome of a backtest run.
type Result struct {
	ID          string        `json:"id"`
	Config      Config        `json:"config"`
	FinalValue  float64       `json:"final_value"`
	Performance Performance   `json:"performance"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Trades      []Trade       `json:"trades"`
	Warnings    []string      `json:"warnings,omitempty"`
	Executor    string        `json:"executor"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Progress is one progress frame emitted while a run executes.
type Progress struct {
	Date    string  `json:"date"`
	Percent float64 `json:"percent"`
	Equity  float64 `json:"equity"`
	Done    bool    `json:"done"`
}

// ProgressFunc receives progress frames during a run.
type ProgressFunc func(Progress)
