package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"quantback/internal/logger"
	"quantback/internal/market"
)

// OptimizationMethod selects how sub-strategy weights are set on
// rebalance.
type OptimizationMethod string

const (
	OptimizeEqualWeight  OptimizationMethod = "equal_weight"
	OptimizeRiskParity   OptimizationMethod = "risk_parity"
	OptimizeMeanVariance OptimizationMethod = "mean_variance"
)

// SubStrategy is one member of the portfolio with its allocation
// weight.
type SubStrategy struct {
	ID       string
	Strategy Strategy
	Weight   float64
	Enabled  bool
}

// PortfolioParams configures the combination strategy.
type PortfolioParams struct {
	Optimization        OptimizationMethod `json:"optimization"`
	RebalanceDays       int                `json:"rebalance_days"`
	DriftThreshold      float64            `json:"drift_threshold"`
	VolatilityTarget    float64            `json:"volatility_target"`
	VolatilityThreshold float64            `json:"volatility_threshold"`
	SignalThreshold     float64            `json:"signal_threshold"`
}

// DefaultPortfolioParams returns the standard rebalance triggers.
func DefaultPortfolioParams() PortfolioParams {
	return PortfolioParams{
		Optimization:        OptimizeRiskParity,
		RebalanceDays:       30,
		DriftThreshold:      0.05,
		VolatilityTarget:    0.15,
		VolatilityThreshold: 0.02,
		SignalThreshold:     0.3,
	}
}

// PortfolioStrategy runs factor, ML and timing sub-strategies and
// merges their signals under an allocation scheme.
type PortfolioStrategy struct {
	Base
	params            PortfolioParams
	subStrategies     []*SubStrategy
	lastRebalanceDate string
	currentWeights    map[string]float64
	targetWeights     map[string]float64
	log               logger.Logger
}

// NewPortfolioStrategy creates a portfolio over the default three
// sub-strategies: factor 0.4, ml 0.3, timing 0.3.
func NewPortfolioStrategy(log logger.Logger) *PortfolioStrategy {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &PortfolioStrategy{
		Base:   newBase("portfolio"),
		params: DefaultPortfolioParams(),
		subStrategies: []*SubStrategy{
			{ID: "factor", Strategy: NewFactorStrategy(), Weight: 0.4, Enabled: true},
			{ID: "ml", Strategy: NewMLStrategy(nil), Weight: 0.3, Enabled: true},
			{ID: "timing", Strategy: NewTimingStrategy(), Weight: 0.3, Enabled: true},
		},
		currentWeights: map[string]float64{},
		log:            log,
	}
}

// Init applies parameter overrides.
func (s *PortfolioStrategy) Init(params map[string]interface{}) error {
	if v, ok := params["optimization"].(string); ok {
		switch OptimizationMethod(v) {
		case OptimizeEqualWeight, OptimizeRiskParity, OptimizeMeanVariance:
			s.params.Optimization = OptimizationMethod(v)
		default:
			return fmt.Errorf("unknown optimization method: %s", v)
		}
	}
	if v, ok := floatParam(params, "rebalance_days"); ok {
		s.params.RebalanceDays = int(v)
	}
	if v, ok := floatParam(params, "drift_threshold"); ok {
		s.params.DriftThreshold = v
	}
	return nil
}

// SetSubStrategies replaces the sub-strategy set.
func (s *PortfolioStrategy) SetSubStrategies(subs []*SubStrategy) {
	s.subStrategies = subs
}

// Weights returns the current sub-strategy allocation.
func (s *PortfolioStrategy) Weights() map[string]float64 {
	out := make(map[string]float64, len(s.currentWeights))
	for k, v := range s.currentWeights {
		out[k] = v
	}
	return out
}

// GenerateSignals runs all enabled sub-strategies, optimizes their
// weights when a rebalance triggers and merges the weighted signals.
func (s *PortfolioStrategy) GenerateSignals(ctx context.Context, sc *Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subSignals := make(map[string][]Signal)
	for _, sub := range s.subStrategies {
		if !sub.Enabled {
			continue
		}
		signals, err := sub.Strategy.GenerateSignals(ctx, sc)
		if err != nil {
			s.log.WithFields(map[string]interface{}{
				"sub_strategy": sub.ID,
				"error":        err.Error(),
			}).Warn("sub-strategy failed, excluding from portfolio")
			continue
		}
		subSignals[sub.ID] = signals
	}

	if s.shouldRebalance(sc) {
		s.currentWeights = s.optimize(sc, subSignals)
		s.lastRebalanceDate = sc.Date
	} else if len(s.currentWeights) == 0 {
		s.currentWeights = s.configuredWeights()
	}

	return s.mergeSignals(sc, subSignals), nil
}

func (s *PortfolioStrategy) shouldRebalance(sc *Context) bool {
	if s.lastRebalanceDate == "" {
		return true
	}
	if daysBetween(s.lastRebalanceDate, sc.Date) >= s.params.RebalanceDays {
		return true
	}
	if s.weightDrift(sc) > s.params.DriftThreshold {
		return true
	}
	vol := s.portfolioVolatility(sc)
	return math.Abs(vol-s.params.VolatilityTarget) > s.params.VolatilityThreshold
}

// weightDrift measures how far position weights have moved from equal
// allocation across held names.
func (s *PortfolioStrategy) weightDrift(sc *Context) float64 {
	n := len(sc.Positions)
	if n == 0 {
		return 0
	}
	target := 1.0 / float64(n)
	drift := 0.0
	for _, pos := range sc.Positions {
		drift += math.Abs(pos.Weight - target)
	}
	return drift / float64(n)
}

// portfolioVolatility is the weight-averaged trailing volatility of
// held symbols.
func (s *PortfolioStrategy) portfolioVolatility(sc *Context) float64 {
	total := 0.0
	weightSum := 0.0
	for symbol, pos := range sc.Positions {
		prices := market.Closes(sc.Bars[symbol])
		vol := trailingVolatility(prices, 20)
		if vol > 0 {
			total += vol * pos.Weight
			weightSum += pos.Weight
		}
	}
	if weightSum == 0 {
		return s.params.VolatilityTarget
	}
	return total / weightSum
}

func (s *PortfolioStrategy) configuredWeights() map[string]float64 {
	weights := map[string]float64{}
	for _, sub := range s.subStrategies {
		if sub.Enabled {
			weights[sub.ID] = sub.Weight
		}
	}
	return weights
}

func (s *PortfolioStrategy) optimize(sc *Context, subSignals map[string][]Signal) map[string]float64 {
	switch s.params.Optimization {
	case OptimizeRiskParity:
		return s.riskParity(sc)
	case OptimizeMeanVariance:
		return s.meanVariance(sc, subSignals)
	default:
		return s.equalWeight()
	}
}

func (s *PortfolioStrategy) equalWeight() map[string]float64 {
	weights := map[string]float64{}
	enabled := 0
	for _, sub := range s.subStrategies {
		if sub.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return weights
	}
	for _, sub := range s.subStrategies {
		if sub.Enabled {
			weights[sub.ID] = 1.0 / float64(enabled)
		}
	}
	return weights
}

// riskParity allocates inverse to each sub-strategy's estimated
// volatility.
func (s *PortfolioStrategy) riskParity(sc *Context) map[string]float64 {
	contributions := map[string]float64{}
	total := 0.0
	for _, sub := range s.subStrategies {
		if !sub.Enabled {
			continue
		}
		vol := s.strategyVolatility(sc)
		contrib := 1.0 / math.Max(vol, 0.01)
		contributions[sub.ID] = contrib
		total += contrib
	}
	if total == 0 {
		return s.equalWeight()
	}
	for id := range contributions {
		contributions[id] /= total
	}
	return contributions
}

// meanVariance allocates proportional to max(sharpe, 0), falling back
// to equal weight when every estimate is non-positive.
func (s *PortfolioStrategy) meanVariance(sc *Context, subSignals map[string][]Signal) map[string]float64 {
	sharpes := map[string]float64{}
	total := 0.0
	for _, sub := range s.subStrategies {
		if !sub.Enabled {
			continue
		}
		expectedReturn := s.estimateReturn(subSignals[sub.ID])
		vol := math.Max(s.strategyVolatility(sc), 0.01)
		sharpe := math.Max(expectedReturn/vol, 0)
		sharpes[sub.ID] = sharpe
		total += sharpe
	}
	if total == 0 {
		return s.equalWeight()
	}
	for id := range sharpes {
		sharpes[id] /= total
	}
	return sharpes
}

// strategyVolatility proxies a sub-strategy's risk with the average
// trailing volatility of the universe.
func (s *PortfolioStrategy) strategyVolatility(sc *Context) float64 {
	total := 0.0
	count := 0
	for _, bars := range sc.Bars {
		vol := trailingVolatility(market.Closes(bars), 20)
		if vol > 0 {
			total += vol
			count++
		}
	}
	if count == 0 {
		return 0.2
	}
	return total / float64(count)
}

// estimateReturn proxies expected return with the strength-weighted
// buy pressure of the signal set.
func (s *PortfolioStrategy) estimateReturn(signals []Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	total := 0.0
	for _, sig := range signals {
		switch sig.Action {
		case ActionBuy:
			total += sig.Strength
		case ActionSell:
			total -= sig.Strength
		}
	}
	return total / float64(len(signals)) * 0.1
}

// mergeSignals groups sub-strategy signals per symbol, scales strength
// by the sub-strategy weight and resolves conflicts by total pressure.
func (s *PortfolioStrategy) mergeSignals(sc *Context, subSignals map[string][]Signal) []Signal {
	bySymbol := map[string][]Signal{}
	for id, signals := range subSignals {
		weight := s.currentWeights[id]
		if weight <= 0 {
			continue
		}
		for _, sig := range signals {
			sig.Strength *= weight
			bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], sig)
		}
	}

	var merged []Signal
	for symbol, signals := range bySymbol {
		if combined := combineSymbolSignals(symbol, sc.Date, signals, s.params.SignalThreshold); combined != nil {
			merged = append(merged, *combined)
		}
	}
	return merged
}

func combineSymbolSignals(symbol, date string, signals []Signal, threshold float64) *Signal {
	if len(signals) == 0 {
		return nil
	}
	var totalBuy, totalSell float64
	var buyConf, sellConf float64
	var buyCount, sellCount int
	for _, sig := range signals {
		switch sig.Action {
		case ActionBuy:
			totalBuy += sig.Strength
			buyConf += sig.Confidence
			buyCount++
		case ActionSell:
			totalSell += sig.Strength
			sellConf += sig.Confidence
			sellCount++
		}
	}

	first := signals[0]
	out := Signal{
		Symbol:    symbol,
		Date:      date,
		Price:     first.Price,
		Quantity:  first.Quantity,
		Reason:    fmt.Sprintf("combined from %d sub-strategy signals", len(signals)),
		Timestamp: time.Now(),
	}
	switch {
	case totalBuy > totalSell && totalBuy > threshold:
		out.Action = ActionBuy
		out.Strength = totalBuy / float64(buyCount)
		out.Confidence = buyConf / float64(buyCount)
	case totalSell > totalBuy && totalSell > threshold:
		out.Action = ActionSell
		out.Strength = totalSell / float64(sellCount)
		out.Confidence = sellConf / float64(sellCount)
	default:
		out.Action = ActionHold
		out.Strength = 0.5
		out.Confidence = 0.6
	}
	return &out
}
