package factor

import (
	"context"
	"math"

	apperrors "quantback/internal/errors"
	"quantback/internal/indicator"
	"quantback/internal/market"
)

// TechnicalEngine computes price and volume derived factors from daily
// bars.
type TechnicalEngine struct{}

// NewTechnicalEngine creates a technical factor engine.
func NewTechnicalEngine() *TechnicalEngine {
	return &TechnicalEngine{}
}

// Names lists the factors this engine can compute.
func (e *TechnicalEngine) Names() []string {
	return []string{
		"sma_cross",
		"rsi_divergence",
		"macd_signal",
		"bollinger_position",
		"volume_price_trend",
		"momentum",
		"volatility",
		"trend_strength",
		"support_resistance",
		"price_acceleration",
	}
}

// Compute evaluates one technical factor over the given bars.
func (e *TechnicalEngine) Compute(ctx context.Context, name string, bars []market.Data, params map[string]float64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol := ""
	if len(bars) > 0 {
		symbol = bars[0].Symbol
	}
	dates := market.Dates(bars)
	prices := market.Closes(bars)
	volumes := market.Volumes(bars)

	result := newResult(symbol, name, TypeTechnical, params, dates)

	switch name {
	case "sma_cross":
		e.smaCross(result, prices, params)
	case "rsi_divergence":
		e.rsiDivergence(result, prices, params)
	case "macd_signal":
		e.macdSignal(result, prices, params)
	case "bollinger_position":
		e.bollingerPosition(result, prices, params)
	case "volume_price_trend":
		if !hasVolumes(volumes) {
			return unavailableResult(symbol, name, TypeTechnical, params, dates, "volume data missing"), nil
		}
		e.volumePriceTrend(result, prices, volumes, params)
	case "momentum":
		e.momentum(result, prices, params)
	case "volatility":
		e.volatility(result, prices, params)
	case "trend_strength":
		e.trendStrength(result, prices, params)
	case "support_resistance":
		e.supportResistance(result, prices, params)
	case "price_acceleration":
		e.priceAcceleration(result, prices, params)
	default:
		return nil, apperrors.NewAppError(apperrors.ErrCodeUnknownFactor, "unknown technical factor: "+name, nil)
	}
	return result, nil
}

func (e *TechnicalEngine) smaCross(r *Result, prices []float64, params map[string]float64) {
	short := int(paramOr(params, "shortPeriod", 5))
	long := int(paramOr(params, "longPeriod", 20))
	smaShort := indicator.SMA(prices, short)
	smaLong := indicator.SMA(prices, long)
	for i := range prices {
		if math.IsNaN(smaShort[i]) || math.IsNaN(smaLong[i]) || smaLong[i] == 0 {
			continue
		}
		r.Values[i] = (smaShort[i] - smaLong[i]) / smaLong[i]
	}
}

func (e *TechnicalEngine) rsiDivergence(r *Result, prices []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 14))
	lookback := int(paramOr(params, "lookback", 20))
	rsi := indicator.RSI(prices, period)
	for i := lookback; i < len(prices); i++ {
		priceWindow := prices[i-lookback : i]
		rsiWindow := rsi[i-lookback : i]
		if hasNaN(rsiWindow) {
			continue
		}
		r.Values[i] = -indicator.Correlation(priceWindow, rsiWindow)
	}
}

func (e *TechnicalEngine) macdSignal(r *Result, prices []float64, params map[string]float64) {
	fast := int(paramOr(params, "fastPeriod", 12))
	slow := int(paramOr(params, "slowPeriod", 26))
	signal := int(paramOr(params, "signalPeriod", 9))
	_, _, histogram := indicator.MACD(prices, fast, slow, signal)
	for i := range prices {
		if math.IsNaN(histogram[i]) || prices[i] == 0 {
			continue
		}
		r.Values[i] = histogram[i] / prices[i]
	}
}

func (e *TechnicalEngine) bollingerPosition(r *Result, prices []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 20))
	multiplier := paramOr(params, "multiplier", 2)
	upper, _, lower := indicator.Bollinger(prices, period, multiplier)
	for i := range prices {
		if math.IsNaN(upper[i]) || math.IsNaN(lower[i]) {
			continue
		}
		bandwidth := upper[i] - lower[i]
		if bandwidth == 0 {
			r.Values[i] = 0
			continue
		}
		r.Values[i] = (prices[i] - lower[i]) / bandwidth
	}
}

func (e *TechnicalEngine) volumePriceTrend(r *Result, prices, volumes []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 10))
	for i := period; i < len(prices); i++ {
		var priceChanges, volumeChanges []float64
		for j := i - period + 1; j <= i; j++ {
			if j <= 0 {
				continue
			}
			if prices[j-1] != 0 && volumes[j-1] != 0 {
				priceChanges = append(priceChanges, (prices[j]-prices[j-1])/prices[j-1])
				volumeChanges = append(volumeChanges, (volumes[j]-volumes[j-1])/volumes[j-1])
			}
		}
		if len(priceChanges) < 2 {
			continue
		}
		r.Values[i] = indicator.Correlation(priceChanges, volumeChanges)
	}
}

func (e *TechnicalEngine) momentum(r *Result, prices []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 10))
	for i := period; i < len(prices); i++ {
		if prices[i-period] == 0 {
			continue
		}
		r.Values[i] = (prices[i] - prices[i-period]) / prices[i-period]
	}
}

func (e *TechnicalEngine) volatility(r *Result, prices []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 20))
	vol := indicator.RollingVolatility(prices, period)
	copy(r.Values, vol)
}

func (e *TechnicalEngine) trendStrength(r *Result, prices []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 20))
	for i := period; i < len(prices); i++ {
		window := prices[i-period+1 : i+1]
		r.Values[i] = indicator.RSquared(window)
	}
}

func (e *TechnicalEngine) supportResistance(r *Result, prices []float64, params map[string]float64) {
	lookback := int(paramOr(params, "lookback", 50))
	threshold := paramOr(params, "threshold", 0.02)
	for i := lookback; i < len(prices); i++ {
		cur := prices[i]
		if cur == 0 {
			continue
		}
		count := 0
		for j := i - lookback; j < i; j++ {
			if math.Abs(prices[j]-cur)/cur < threshold {
				count++
			}
		}
		r.Values[i] = float64(count) / float64(lookback)
	}
}

func (e *TechnicalEngine) priceAcceleration(r *Result, prices []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 5))
	returns := make([]float64, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	for i := period; i < len(prices); i++ {
		r.Values[i] = returns[i] - returns[i-period]
	}
}

func hasVolumes(volumes []float64) bool {
	for _, v := range volumes {
		if v > 0 {
			return true
		}
	}
	return false
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
