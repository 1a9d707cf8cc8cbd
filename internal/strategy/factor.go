package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"quantback/internal/indicator"
)

// FactorWeight assigns a direction and weight to one factor in the
// composite score.
type FactorWeight struct {
	FactorName string  `json:"factor_name"`
	Weight     float64 `json:"weight"`
	// Direction is 1 for factors where higher is better and -1 where
	// lower is better.
	Direction float64 `json:"direction"`
}

// FactorParams configures the factor ranking strategy.
type FactorParams struct {
	FactorWeights   []FactorWeight `json:"factor_weights"`
	RebalancePeriod int            `json:"rebalance_period"`
	TopN            int            `json:"top_n"`
	MinScore        float64        `json:"min_score"`
	MaxPositions    int            `json:"max_positions"`
}

// DefaultFactorParams returns the standard factor weights and limits.
func DefaultFactorParams() FactorParams {
	return FactorParams{
		FactorWeights: []FactorWeight{
			{FactorName: "momentum", Weight: 0.3, Direction: 1},
			{FactorName: "rsi_divergence", Weight: 0.2, Direction: -1},
			{FactorName: "volatility", Weight: 0.2, Direction: -1},
			{FactorName: "volume_price_trend", Weight: 0.3, Direction: 1},
		},
		RebalancePeriod: 5,
		TopN:            10,
		MinScore:        0.1,
		MaxPositions:    10,
	}
}

// stockScore is one symbol's composite factor score.
type stockScore struct {
	Symbol string
	Score  float64
	Rank   int
}

// FactorStrategy ranks the universe by a weighted z-score composite of
// factor values and rotates into the top names on a fixed cadence.
type FactorStrategy struct {
	Base
	params            FactorParams
	lastRebalanceDate string
}

// NewFactorStrategy creates a factor ranking strategy with default
// parameters.
func NewFactorStrategy() *FactorStrategy {
	return &FactorStrategy{
		Base:   newBase("factor"),
		params: DefaultFactorParams(),
	}
}

// Init applies parameter overrides.
func (s *FactorStrategy) Init(params map[string]interface{}) error {
	if v, ok := floatParam(params, "rebalance_period"); ok {
		s.params.RebalancePeriod = int(v)
	}
	if v, ok := floatParam(params, "top_n"); ok {
		s.params.TopN = int(v)
	}
	if v, ok := floatParam(params, "min_score"); ok {
		s.params.MinScore = v
	}
	if v, ok := floatParam(params, "max_positions"); ok {
		if v < 1 {
			return fmt.Errorf("max_positions must be at least 1, got %v", v)
		}
		s.params.MaxPositions = int(v)
	}
	return nil
}

// SetFactorWeights replaces the factor weight set.
func (s *FactorStrategy) SetFactorWeights(weights []FactorWeight) {
	s.params.FactorWeights = weights
}

// GenerateSignals rotates the book into the top ranked symbols on
// rebalance days and holds otherwise.
func (s *FactorStrategy) GenerateSignals(ctx context.Context, sc *Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.shouldRebalance(sc.Date) {
		signals := make([]Signal, 0, len(sc.Positions))
		for symbol, pos := range sc.Positions {
			price := sc.LatestPrice(symbol)
			if price > 0 {
				signals = append(signals, holdSignal(symbol, sc.Date, price, pos.Quantity, "holding until next rebalance"))
			}
		}
		return signals, nil
	}

	scores := s.scoreUniverse(sc)
	targets := s.selectTargets(scores)

	var signals []Signal
	targetSet := make(map[string]bool, len(targets))
	for _, score := range targets {
		targetSet[score.Symbol] = true
		price := sc.LatestPrice(score.Symbol)
		if price <= 0 || s.params.MaxPositions == 0 {
			continue
		}
		positionSize := sc.TotalValue / float64(s.params.MaxPositions)
		quantity := math.Floor(positionSize / price)
		if quantity <= 0 {
			continue
		}
		signals = append(signals, Signal{
			Symbol:     score.Symbol,
			Date:       sc.Date,
			Action:     ActionBuy,
			Strength:   math.Min(score.Score, 1.0),
			Confidence: s.signalConfidence(score),
			Price:      price,
			Quantity:   quantity,
			Reason:     fmt.Sprintf("factor score %.3f, rank %d", score.Score, score.Rank),
			Timestamp:  time.Now(),
		})
	}

	for symbol, pos := range sc.Positions {
		if targetSet[symbol] {
			continue
		}
		price := sc.LatestPrice(symbol)
		if price <= 0 {
			continue
		}
		signals = append(signals, Signal{
			Symbol:     symbol,
			Date:       sc.Date,
			Action:     ActionSell,
			Strength:   0.8,
			Confidence: 0.9,
			Price:      price,
			Quantity:   pos.Quantity,
			Reason:     "dropped from target set",
			Timestamp:  time.Now(),
		})
	}

	s.lastRebalanceDate = sc.Date
	return signals, nil
}

// scoreUniverse computes composite scores for every symbol with a
// factor matrix. A symbol needs at least half its factors valid.
func (s *FactorStrategy) scoreUniverse(sc *Context) []stockScore {
	var scores []stockScore
	for symbol, matrix := range sc.Factors {
		if matrix == nil {
			continue
		}
		totalScore := 0.0
		validFactors := 0
		for _, fw := range s.params.FactorWeights {
			res := matrix.Factors[fw.FactorName]
			if res == nil || len(res.Values) == 0 {
				continue
			}
			latest := res.Values[len(res.Values)-1]
			if math.IsNaN(latest) {
				continue
			}
			totalScore += zScore(latest, res.Values) * fw.Weight * fw.Direction
			validFactors++
		}
		if float64(validFactors) < float64(len(s.params.FactorWeights))*0.5 {
			continue
		}
		finalScore := totalScore / float64(validFactors)
		if finalScore >= s.params.MinScore {
			scores = append(scores, stockScore{Symbol: symbol, Score: finalScore})
		}
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores
}

func (s *FactorStrategy) selectTargets(scores []stockScore) []stockScore {
	limit := s.params.TopN
	if s.params.MaxPositions < limit {
		limit = s.params.MaxPositions
	}
	if len(scores) < limit {
		limit = len(scores)
	}
	return scores[:limit]
}

func (s *FactorStrategy) signalConfidence(score stockScore) float64 {
	rankConfidence := math.Max(0, 1-float64(score.Rank-1)/float64(s.params.TopN))
	scoreConfidence := math.Min(1, math.Abs(score.Score))
	return rankConfidence*0.6 + scoreConfidence*0.4
}

func (s *FactorStrategy) shouldRebalance(date string) bool {
	if s.lastRebalanceDate == "" {
		return true
	}
	return daysBetween(s.lastRebalanceDate, date) >= s.params.RebalancePeriod
}

// zScore standardizes a value against the valid portion of its series.
func zScore(value float64, series []float64) float64 {
	valid := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0
	}
	mean, std := indicator.MeanStd(valid)
	if std == 0 {
		return 0
	}
	return (value - mean) / std
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
