package strategy

import (
	"math"
	"time"
)

// RiskControl bounds position sizing and exits.
type RiskControl struct {
	MaxPositionSize    float64 `json:"max_position_size"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	StopLoss           float64 `json:"stop_loss"`
	TakeProfit         float64 `json:"take_profit"`
	MaxLeverage        float64 `json:"max_leverage"`
	ConcentrationLimit float64 `json:"concentration_limit"`
	SectorLimit        float64 `json:"sector_limit"`
}

// DefaultRiskControl returns the standard limits applied when a
// strategy does not override them.
func DefaultRiskControl() RiskControl {
	return RiskControl{
		MaxPositionSize:    0.1,
		MaxDrawdown:        0.2,
		StopLoss:           0.1,
		TakeProfit:         0.3,
		MaxLeverage:        1.0,
		ConcentrationLimit: 0.3,
		SectorLimit:        0.4,
	}
}

// Base provides the position bookkeeping, risk checks and confidence
// scoring shared by all strategies.
type Base struct {
	name string
	Risk RiskControl
}

func newBase(name string) Base {
	return Base{name: name, Risk: DefaultRiskControl()}
}

// Name returns the strategy name.
func (b *Base) Name() string { return b.name }

// SetRiskControl replaces the risk limits.
func (b *Base) SetRiskControl(rc RiskControl) { b.Risk = rc }

// UpdatePositions applies signals to the position book. Buys average
// into AvgPrice at the signal price, sells reduce and remove at zero,
// holds refresh the mark and age the holding. Weights are recomputed
// afterwards.
func (b *Base) UpdatePositions(positions map[string]*Position, signals []Signal) {
	for i := range signals {
		sig := &signals[i]
		if sig.Price <= 0 {
			continue
		}
		pos := positions[sig.Symbol]

		switch sig.Action {
		case ActionBuy:
			if pos != nil {
				totalQuantity := pos.Quantity + sig.Quantity
				totalCost := pos.AvgPrice*pos.Quantity + sig.Price*sig.Quantity
				pos.Quantity = totalQuantity
				if totalQuantity > 0 {
					pos.AvgPrice = totalCost / totalQuantity
				}
				pos.CurrentPrice = sig.Price
				pos.MarketValue = totalQuantity * sig.Price
				pos.UnrealizedPnL = (sig.Price - pos.AvgPrice) * totalQuantity
			} else {
				positions[sig.Symbol] = &Position{
					Symbol:       sig.Symbol,
					Quantity:     sig.Quantity,
					AvgPrice:     sig.Price,
					CurrentPrice: sig.Price,
					MarketValue:  sig.Quantity * sig.Price,
				}
			}

		case ActionSell:
			if pos == nil {
				continue
			}
			if sig.Quantity >= pos.Quantity {
				delete(positions, sig.Symbol)
			} else {
				pos.Quantity -= sig.Quantity
				pos.CurrentPrice = sig.Price
				pos.MarketValue = pos.Quantity * sig.Price
				pos.UnrealizedPnL = (sig.Price - pos.AvgPrice) * pos.Quantity
			}

		case ActionHold:
			if pos == nil {
				continue
			}
			pos.CurrentPrice = sig.Price
			pos.MarketValue = pos.Quantity * sig.Price
			pos.UnrealizedPnL = (sig.Price - pos.AvgPrice) * pos.Quantity
			pos.HoldingPeriod++
		}
	}

	totalValue := 0.0
	for _, pos := range positions {
		totalValue += pos.MarketValue
	}
	for _, pos := range positions {
		if totalValue > 0 {
			pos.Weight = pos.MarketValue / totalValue
		} else {
			pos.Weight = 0
		}
	}
}

// ApplyRiskControl clamps buy sizes to MaxPositionSize and converts
// holds to exits when the loss exceeds StopLoss or the gain exceeds
// TakeProfit. A zero threshold disables the corresponding exit.
func (b *Base) ApplyRiskControl(signals []Signal, positions map[string]*Position, totalValue float64) []Signal {
	out := make([]Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Action == ActionBuy && totalValue > 0 && sig.Price > 0 {
			positionWeight := sig.Price * sig.Quantity / totalValue
			if positionWeight > b.Risk.MaxPositionSize {
				maxQuantity := math.Floor(totalValue * b.Risk.MaxPositionSize / sig.Price)
				if maxQuantity < sig.Quantity {
					sig.Quantity = maxQuantity
				}
			}
		}

		if pos := positions[sig.Symbol]; pos != nil && sig.Action == ActionHold && pos.AvgPrice > 0 {
			returnRate := (sig.Price - pos.AvgPrice) / pos.AvgPrice
			if b.Risk.StopLoss > 0 && returnRate < -b.Risk.StopLoss {
				sig.Action = ActionSell
				sig.Quantity = pos.Quantity
				sig.Reason = "stop loss triggered"
			} else if b.Risk.TakeProfit > 0 && returnRate > b.Risk.TakeProfit {
				sig.Action = ActionSell
				sig.Quantity = pos.Quantity
				sig.Reason = "take profit triggered"
			}
		}

		out = append(out, sig)
	}
	return out
}

// Confidence scores a signal batch from the signal quality and the
// share of valid prices in the underlying data.
func (b *Base) Confidence(signals []Signal, sc *Context) float64 {
	if len(signals) == 0 {
		return 0
	}
	var sumConf, sumStrength float64
	for _, sig := range signals {
		sumConf += sig.Confidence
		sumStrength += sig.Strength
	}
	avgConf := sumConf / float64(len(signals))
	avgStrength := sumStrength / float64(len(signals))

	dataQuality := 0.0
	count := 0
	for _, bars := range sc.Bars {
		if len(bars) == 0 {
			continue
		}
		valid := 0
		for _, bar := range bars {
			if !math.IsNaN(bar.Close) && bar.Close > 0 {
				valid++
			}
		}
		dataQuality += float64(valid) / float64(len(bars))
		count++
	}
	if count > 0 {
		dataQuality /= float64(count)
	}

	return avgConf*0.4 + avgStrength*0.4 + dataQuality*0.2
}

func holdSignal(symbol, date string, price, quantity float64, reason string) Signal {
	return Signal{
		Symbol:     symbol,
		Date:       date,
		Action:     ActionHold,
		Strength:   0.5,
		Confidence: 0.8,
		Price:      price,
		Quantity:   quantity,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
}

func daysBetween(from, to string) int {
	t1, err1 := time.Parse("2006-01-02", from)
	t2, err2 := time.Parse("2006-01-02", to)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(t2.Sub(t1).Hours() / 24)
}
