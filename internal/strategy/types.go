// Package strategy implements the signal generating strategies that
// drive backtests: factor ranking, ML classification, market timing and
// a portfolio combination of the three.
package strategy

import (
	"context"
	"time"

	"quantback/internal/factor"
	"quantback/internal/market"
)

// Action is a trade direction.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is one trading instruction for a symbol on a date.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Date       string    `json:"date"`
	Action     Action    `json:"action"`
	Strength   float64   `json:"strength"`
	Confidence float64   `json:"confidence"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Position is a live holding tracked by the engine.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Weight        float64 `json:"weight"`
	HoldingPeriod int     `json:"holding_period"`
}

// Context is the market snapshot handed to a strategy on each step.
// Bars hold the history up to and including Date for each symbol.
type Context struct {
	Date       string
	Cash       float64
	TotalValue float64
	Positions  map[string]*Position
	Bars       map[string][]market.Data
	Factors    map[string]*factor.Matrix
	Benchmark  []market.Data
}

// LatestPrice returns the most recent close for the symbol, or 0 when
// no bars are available.
func (c *Context) LatestPrice(symbol string) float64 {
	bars := c.Bars[symbol]
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}

// Strategy generates signals from a market snapshot and enforces its
// risk limits on them. Base supplies the risk methods.
type Strategy interface {
	Name() string
	Init(params map[string]interface{}) error
	GenerateSignals(ctx context.Context, sc *Context) ([]Signal, error)
	SetRiskControl(rc RiskControl)
	ApplyRiskControl(signals []Signal, positions map[string]*Position, totalValue float64) []Signal
}
