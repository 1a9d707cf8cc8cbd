package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"quantback/internal/indicator"
	"quantback/internal/market"
)

// MarketRegime classifies the benchmark's current state.
type MarketRegime string

const (
	RegimeBull     MarketRegime = "bull"
	RegimeBear     MarketRegime = "bear"
	RegimeSideways MarketRegime = "sideways"
	RegimeVolatile MarketRegime = "volatile"
	RegimeUnknown  MarketRegime = "unknown"
)

// RegimeAnalysis holds the benchmark regime and its inputs.
type RegimeAnalysis struct {
	Regime     MarketRegime `json:"regime"`
	Confidence float64      `json:"confidence"`
	Trend      float64      `json:"trend"`
	Volatility float64      `json:"volatility"`
	Momentum   float64      `json:"momentum"`
	Support    float64      `json:"support"`
	Resistance float64      `json:"resistance"`
}

// PositionSizing selects how the timing strategy sizes entries.
type PositionSizing string

const (
	SizingFixed      PositionSizing = "fixed"
	SizingVolatility PositionSizing = "volatility"
	SizingKelly      PositionSizing = "kelly"
)

// TimingParams configures the timing strategy.
type TimingParams struct {
	SignalTypes        []string       `json:"signal_types"`
	LookbackPeriod     int            `json:"lookback_period"`
	SignalThreshold    float64        `json:"signal_threshold"`
	PositionSizing     PositionSizing `json:"position_sizing"`
	RiskPerTrade       float64        `json:"risk_per_trade"`
	MarketRegimeFilter bool           `json:"market_regime_filter"`
	FastMA             int            `json:"fast_ma"`
	SlowMA             int            `json:"slow_ma"`
	RSIPeriod          int            `json:"rsi_period"`
	RSIOverbought      float64        `json:"rsi_overbought"`
	RSIOversold        float64        `json:"rsi_oversold"`
	BollingerPeriod    int            `json:"bollinger_period"`
	BollingerMult      float64        `json:"bollinger_multiplier"`
}

// DefaultTimingParams returns the standard indicator settings.
func DefaultTimingParams() TimingParams {
	return TimingParams{
		SignalTypes:        []string{"trend_following", "momentum", "breakout"},
		LookbackPeriod:     20,
		SignalThreshold:    0.3,
		PositionSizing:     SizingVolatility,
		RiskPerTrade:       0.02,
		MarketRegimeFilter: true,
		FastMA:             10,
		SlowMA:             30,
		RSIPeriod:          14,
		RSIOverbought:      70,
		RSIOversold:        30,
		BollingerPeriod:    20,
		BollingerMult:      2,
	}
}

// timingSignal is one indicator's vote before combination.
type timingSignal struct {
	Type        string
	Direction   int // 1 long, -1 short
	Strength    float64
	Confidence  float64
	Description string
}

// TimingStrategy trades entries and exits from technical indicator
// votes, filtered by the benchmark market regime.
type TimingStrategy struct {
	Base
	params TimingParams
	regime *RegimeAnalysis
}

// NewTimingStrategy creates a timing strategy with default parameters.
func NewTimingStrategy() *TimingStrategy {
	return &TimingStrategy{
		Base:   newBase("timing"),
		params: DefaultTimingParams(),
	}
}

// Init applies parameter overrides.
func (s *TimingStrategy) Init(params map[string]interface{}) error {
	if v, ok := floatParam(params, "signal_threshold"); ok {
		s.params.SignalThreshold = v
	}
	if v, ok := floatParam(params, "risk_per_trade"); ok {
		if v <= 0 || v > 1 {
			return fmt.Errorf("risk_per_trade must be in (0,1], got %v", v)
		}
		s.params.RiskPerTrade = v
	}
	if v, ok := params["position_sizing"].(string); ok {
		s.params.PositionSizing = PositionSizing(v)
	}
	if v, ok := params["market_regime_filter"].(bool); ok {
		s.params.MarketRegimeFilter = v
	}
	return nil
}

// Regime returns the last benchmark regime analysis.
func (s *TimingStrategy) Regime() *RegimeAnalysis { return s.regime }

// GenerateSignals votes each indicator per symbol, combines the votes
// and emits entries sized per the configured mode.
func (s *TimingStrategy) GenerateSignals(ctx context.Context, sc *Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.regime = analyzeRegime(market.Closes(sc.Benchmark))

	if s.params.MarketRegimeFilter && s.regime != nil &&
		s.regime.Regime == RegimeBear && s.regime.Confidence > 0.7 {
		return nil, nil
	}

	var signals []Signal
	for symbol, bars := range sc.Bars {
		prices := market.Closes(bars)
		volumes := market.Volumes(bars)
		if len(prices) < s.params.LookbackPeriod {
			continue
		}

		votes := s.collectVotes(prices, volumes)
		combined := combineVotes(votes)
		if combined == nil || math.Abs(combined.Strength) < s.params.SignalThreshold {
			continue
		}

		price := prices[len(prices)-1]
		positionSize := s.positionSize(prices, sc.TotalValue)
		quantity := math.Floor(positionSize / price)
		if quantity <= 0 {
			continue
		}

		action := ActionHold
		if combined.Direction > 0 {
			action = ActionBuy
		} else if combined.Direction < 0 {
			action = ActionSell
		}

		signals = append(signals, Signal{
			Symbol:     symbol,
			Date:       sc.Date,
			Action:     action,
			Strength:   math.Abs(combined.Strength),
			Confidence: combined.Confidence,
			Price:      price,
			Quantity:   quantity,
			Reason:     combined.Description,
			Timestamp:  time.Now(),
		})
	}
	return signals, nil
}

func (s *TimingStrategy) collectVotes(prices, volumes []float64) []timingSignal {
	var votes []timingSignal
	for _, signalType := range s.params.SignalTypes {
		var vote *timingSignal
		switch signalType {
		case "trend_following":
			vote = s.trendFollowing(prices)
		case "mean_reversion":
			vote = s.meanReversion(prices)
		case "momentum":
			vote = s.momentumVote(prices)
		case "breakout":
			vote = s.breakout(prices, volumes)
		}
		if vote != nil {
			votes = append(votes, *vote)
		}
	}
	return votes
}

// trendFollowing fires on MA crossovers.
func (s *TimingStrategy) trendFollowing(prices []float64) *timingSignal {
	if len(prices) < s.params.SlowMA+1 {
		return nil
	}
	fast := indicator.SMA(prices, s.params.FastMA)
	slow := indicator.SMA(prices, s.params.SlowMA)
	n := len(prices)
	curFast, curSlow := fast[n-1], slow[n-1]
	prevFast, prevSlow := fast[n-2], slow[n-2]
	if math.IsNaN(prevSlow) {
		return nil
	}

	if curFast > curSlow && prevFast <= prevSlow {
		return &timingSignal{
			Type:        "trend_following",
			Direction:   1,
			Strength:    math.Min((curFast-curSlow)/curSlow, 0.1) * 10,
			Confidence:  0.7,
			Description: "golden cross",
		}
	}
	if curFast < curSlow && prevFast >= prevSlow {
		return &timingSignal{
			Type:        "trend_following",
			Direction:   -1,
			Strength:    math.Min((curSlow-curFast)/curSlow, 0.1) * 10,
			Confidence:  0.7,
			Description: "death cross",
		}
	}
	return nil
}

// meanReversion fires outside the Bollinger bands.
func (s *TimingStrategy) meanReversion(prices []float64) *timingSignal {
	if len(prices) < s.params.BollingerPeriod {
		return nil
	}
	upper, _, lower := indicator.Bollinger(prices, s.params.BollingerPeriod, s.params.BollingerMult)
	n := len(prices)
	price := prices[n-1]
	if math.IsNaN(upper[n-1]) {
		return nil
	}

	if price < lower[n-1] {
		return &timingSignal{
			Type:        "mean_reversion",
			Direction:   1,
			Strength:    math.Min((lower[n-1]-price)/price, 0.05) * 20,
			Confidence:  0.6,
			Description: "oversold below lower band",
		}
	}
	if price > upper[n-1] {
		return &timingSignal{
			Type:        "mean_reversion",
			Direction:   -1,
			Strength:    math.Min((price-upper[n-1])/price, 0.05) * 20,
			Confidence:  0.6,
			Description: "overbought above upper band",
		}
	}
	return nil
}

// momentumVote fires on RSI crossings of the oversold and overbought
// levels.
func (s *TimingStrategy) momentumVote(prices []float64) *timingSignal {
	if len(prices) < s.params.RSIPeriod+2 {
		return nil
	}
	rsi := indicator.RSI(prices, s.params.RSIPeriod)
	n := len(prices)
	cur, prev := rsi[n-1], rsi[n-2]
	if math.IsNaN(cur) || math.IsNaN(prev) {
		return nil
	}

	if cur < s.params.RSIOversold && prev >= s.params.RSIOversold {
		return &timingSignal{
			Type:        "momentum",
			Direction:   1,
			Strength:    (s.params.RSIOversold - cur) / s.params.RSIOversold,
			Confidence:  0.8,
			Description: "rsi oversold rebound",
		}
	}
	if cur > s.params.RSIOverbought && prev <= s.params.RSIOverbought {
		return &timingSignal{
			Type:        "momentum",
			Direction:   -1,
			Strength:    (cur - s.params.RSIOverbought) / (100 - s.params.RSIOverbought),
			Confidence:  0.8,
			Description: "rsi overbought pullback",
		}
	}
	return nil
}

// breakout fires past the lookback high or low, amplified by volume.
func (s *TimingStrategy) breakout(prices, volumes []float64) *timingSignal {
	lookback := s.params.LookbackPeriod
	if len(prices) < lookback+1 {
		return nil
	}
	window := prices[len(prices)-lookback-1 : len(prices)-1]
	cur := prices[len(prices)-1]
	high, low := window[0], window[0]
	for _, p := range window {
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}
	priceRange := high - low
	if priceRange == 0 {
		return nil
	}

	var vote *timingSignal
	if cur > high*1.01 {
		vote = &timingSignal{
			Type:        "breakout",
			Direction:   1,
			Strength:    math.Min((cur-high)/priceRange, 0.1) * 10,
			Confidence:  0.75,
			Description: "upside breakout",
		}
	} else if cur < low*0.99 {
		vote = &timingSignal{
			Type:        "breakout",
			Direction:   -1,
			Strength:    math.Min((low-cur)/priceRange, 0.1) * 10,
			Confidence:  0.75,
			Description: "downside breakout",
		}
	}
	if vote == nil {
		return nil
	}

	if len(volumes) >= 10 {
		sum := 0.0
		for _, v := range volumes[len(volumes)-10:] {
			sum += v
		}
		avgVolume := sum / 10
		if avgVolume > 0 && volumes[len(volumes)-1] > avgVolume*1.5 {
			vote.Strength *= 1.5
			vote.Description += " with volume confirmation"
		}
	}
	return vote
}

// combineVotes blends indicator votes: confidence weighted strength
// plus a majority vote on direction.
func combineVotes(votes []timingSignal) *timingSignal {
	if len(votes) == 0 {
		return nil
	}
	var totalWeight, weightedStrength, sumConfidence float64
	var longWeight, shortWeight float64
	descriptions := ""
	for i, v := range votes {
		weight := v.Confidence
		totalWeight += weight
		weightedStrength += v.Strength * weight * float64(v.Direction)
		sumConfidence += v.Confidence
		if v.Direction > 0 {
			longWeight += weight
		} else if v.Direction < 0 {
			shortWeight += weight
		}
		if i > 0 {
			descriptions += ", "
		}
		descriptions += v.Description
	}
	if totalWeight == 0 {
		return nil
	}

	direction := 0
	if longWeight > shortWeight {
		direction = 1
	} else if shortWeight > longWeight {
		direction = -1
	}

	return &timingSignal{
		Type:        "combined",
		Direction:   direction,
		Strength:    math.Abs(weightedStrength / totalWeight),
		Confidence:  sumConfidence / float64(len(votes)),
		Description: descriptions,
	}
}

// analyzeRegime classifies the benchmark from trend, volatility and
// momentum.
func analyzeRegime(prices []float64) *RegimeAnalysis {
	if len(prices) < 61 {
		return &RegimeAnalysis{Regime: RegimeUnknown}
	}
	n := len(prices)
	sma20 := indicator.SMA(prices, 20)
	sma60 := indicator.SMA(prices, 60)
	trend := (sma20[n-1] - sma60[n-1]) / sma60[n-1]

	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if prices[i-1] > 0 {
			returns = append(returns, math.Log(prices[i]/prices[i-1]))
		}
	}
	_, vol := indicator.MeanStd(returns[len(returns)-20:])
	momentum := (prices[n-1] - prices[n-21]) / prices[n-21]

	analysis := &RegimeAnalysis{
		Trend:      trend,
		Volatility: vol,
		Momentum:   momentum,
	}
	switch {
	case trend > 0.02 && momentum > 0.05:
		analysis.Regime = RegimeBull
		analysis.Confidence = math.Min(trend*10, 1)
	case trend < -0.02 && momentum < -0.05:
		analysis.Regime = RegimeBear
		analysis.Confidence = math.Min(math.Abs(trend)*10, 1)
	case vol > 0.02:
		analysis.Regime = RegimeVolatile
		analysis.Confidence = math.Min(vol*20, 1)
	default:
		analysis.Regime = RegimeSideways
		analysis.Confidence = 0.6
	}

	recent := prices[n-20:]
	analysis.Support, analysis.Resistance = recent[0], recent[0]
	for _, p := range recent {
		if p < analysis.Support {
			analysis.Support = p
		}
		if p > analysis.Resistance {
			analysis.Resistance = p
		}
	}
	return analysis
}

// positionSize returns the cash allocation for one entry.
func (s *TimingStrategy) positionSize(prices []float64, totalValue float64) float64 {
	switch s.params.PositionSizing {
	case SizingVolatility:
		vol := trailingVolatility(prices, 20)
		adjustedRisk := s.params.RiskPerTrade / math.Max(vol, 0.01)
		return totalValue * math.Min(adjustedRisk, 0.2)
	case SizingKelly:
		// fixed win-rate assumptions, capped at a quarter of capital
		winRate, avgWin, avgLoss := 0.6, 0.05, 0.03
		kelly := (winRate*avgWin - (1-winRate)*avgLoss) / avgWin
		return totalValue * math.Max(0, math.Min(kelly, 0.25))
	default:
		return totalValue * s.params.RiskPerTrade
	}
}

// trailingVolatility is the annualized volatility of the last period
// log returns.
func trailingVolatility(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 0
	}
	returns := make([]float64, 0, period)
	for i := len(prices) - period; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, math.Log(prices[i]/prices[i-1]))
		}
	}
	_, std := indicator.MeanStd(returns)
	return std * math.Sqrt(252)
}
