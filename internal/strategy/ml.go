package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	apperrors "quantback/internal/errors"
	"quantback/internal/factor"
	"quantback/internal/indicator"
)

// Classifier is the model behind the ML strategy. Implementations must
// be safe to call from a single goroutine at a time.
type Classifier interface {
	Train(features [][]float64, labels []int) error
	// PredictProba returns the probability that the positive label
	// applies to the feature vector.
	PredictProba(features []float64) (float64, error)
}

// LinearScorer is the default classifier: a fixed linear combination of
// features squashed through a sigmoid. It is deterministic and needs no
// external runtime.
type LinearScorer struct {
	weights []float64
	trained bool
}

// Train derives per-feature weights from the correlation between each
// feature and the labels.
func (l *LinearScorer) Train(features [][]float64, labels []int) error {
	if len(features) == 0 {
		return fmt.Errorf("no training samples")
	}
	dim := len(features[0])
	labelFloats := make([]float64, len(labels))
	for i, y := range labels {
		labelFloats[i] = float64(y)
	}
	l.weights = make([]float64, dim)
	column := make([]float64, len(features))
	for j := 0; j < dim; j++ {
		for i := range features {
			column[i] = features[i][j]
		}
		l.weights[j] = indicator.Correlation(column, labelFloats)
	}
	l.trained = true
	return nil
}

// PredictProba applies the linear weights through a sigmoid.
func (l *LinearScorer) PredictProba(features []float64) (float64, error) {
	if !l.trained {
		return 0, fmt.Errorf("classifier not trained")
	}
	if len(features) != len(l.weights) {
		return 0, fmt.Errorf("feature dimension mismatch: got %d, want %d", len(features), len(l.weights))
	}
	score := 0.0
	for i, f := range features {
		score += f * l.weights[i]
	}
	return 1 / (1 + math.Exp(-score)), nil
}

// MLParams configures the ML classification strategy.
type MLParams struct {
	Features          []string `json:"features"`
	MaxFeatures       int      `json:"max_features"`
	TrainPeriod       int      `json:"train_period"`
	RetrainPeriod     int      `json:"retrain_period"`
	PredictionHorizon int      `json:"prediction_horizon"`
	LabelThreshold    float64  `json:"label_threshold"`
	TopN              int      `json:"top_n"`
	MaxPositions      int      `json:"max_positions"`
}

// DefaultMLParams returns the standard training windows and thresholds.
func DefaultMLParams() MLParams {
	return MLParams{
		Features: []string{
			"momentum", "rsi_divergence", "volatility",
			"volume_price_trend", "sma_cross", "macd_signal", "bollinger_position",
		},
		MaxFeatures:       10,
		TrainPeriod:       60,
		RetrainPeriod:     30,
		PredictionHorizon: 5,
		LabelThreshold:    0.02,
		TopN:              10,
		MaxPositions:      10,
	}
}

type prediction struct {
	Symbol      string
	Probability float64
	Confidence  float64
}

// MLStrategy labels forward returns, trains a classifier on factor
// features and buys the highest probability names.
type MLStrategy struct {
	Base
	params        MLParams
	classifier    Classifier
	lastTrainDate string
}

// NewMLStrategy creates an ML strategy using the given classifier, or
// the built-in linear scorer when nil.
func NewMLStrategy(classifier Classifier) *MLStrategy {
	if classifier == nil {
		classifier = &LinearScorer{}
	}
	return &MLStrategy{
		Base:       newBase("ml"),
		params:     DefaultMLParams(),
		classifier: classifier,
	}
}

// Init applies parameter overrides.
func (s *MLStrategy) Init(params map[string]interface{}) error {
	if v, ok := floatParam(params, "retrain_period"); ok {
		s.params.RetrainPeriod = int(v)
	}
	if v, ok := floatParam(params, "prediction_horizon"); ok {
		if v < 1 {
			return fmt.Errorf("prediction_horizon must be at least 1, got %v", v)
		}
		s.params.PredictionHorizon = int(v)
	}
	if v, ok := floatParam(params, "label_threshold"); ok {
		s.params.LabelThreshold = v
	}
	if v, ok := floatParam(params, "max_positions"); ok {
		s.params.MaxPositions = int(v)
	}
	if v, ok := floatParam(params, "top_n"); ok {
		s.params.TopN = int(v)
	}
	return nil
}

// GenerateSignals retrains when stale, predicts on the latest features
// and rotates into the highest probability symbols.
func (s *MLStrategy) GenerateSignals(ctx context.Context, sc *Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(sc.Factors) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeStrategyInvalid, "ml strategy requires factor matrices", nil)
	}

	if s.shouldRetrain(sc.Date) {
		if err := s.train(sc); err != nil {
			return nil, err
		}
		s.lastTrainDate = sc.Date
	}

	predictions := s.predict(sc)
	targets := s.selectTargets(predictions)

	var signals []Signal
	targetSet := make(map[string]bool, len(targets))
	for _, pred := range targets {
		targetSet[pred.Symbol] = true
		price := sc.LatestPrice(pred.Symbol)
		if price <= 0 || s.params.MaxPositions == 0 {
			continue
		}
		positionSize := sc.TotalValue / float64(s.params.MaxPositions)
		quantity := math.Floor(positionSize / price)
		if quantity <= 0 {
			continue
		}
		signals = append(signals, Signal{
			Symbol:     pred.Symbol,
			Date:       sc.Date,
			Action:     ActionBuy,
			Strength:   pred.Probability,
			Confidence: pred.Confidence,
			Price:      price,
			Quantity:   quantity,
			Reason:     fmt.Sprintf("model probability %.1f%%", pred.Probability*100),
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
			Reason:     "model no longer favors position",
			Timestamp:  time.Now(),
		})
	}

	return signals, nil
}

// train builds samples across all symbols: feature vectors from the
// factor matrices and binary labels from forward returns.
func (s *MLStrategy) train(sc *Context) error {
	var features [][]float64
	var labels []int

	horizon := s.params.PredictionHorizon
	for symbol, matrix := range sc.Factors {
		bars := sc.Bars[symbol]
		if matrix == nil || len(bars) == 0 {
			continue
		}
		n := len(matrix.Dates)
		if len(bars) < n {
			n = len(bars)
		}
		for i := 0; i < n-horizon; i++ {
			vector, ok := s.featureVectorAt(matrix, i)
			if !ok {
				continue
			}
			current := bars[i].Close
			future := bars[i+horizon].Close
			if current <= 0 || future <= 0 {
				continue
			}
			label := 0
			if (future-current)/current > s.params.LabelThreshold {
				label = 1
			}
			features = append(features, vector)
			labels = append(labels, label)
		}
	}

	if len(features) == 0 {
		return apperrors.NewAppError(apperrors.ErrCodeInsufficientData, "no valid training samples", nil)
	}
	if err := s.classifier.Train(features, labels); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeStrategyExecution, "classifier training failed")
	}
	return nil
}

func (s *MLStrategy) predict(sc *Context) []prediction {
	var predictions []prediction
	for symbol, matrix := range sc.Factors {
		if matrix == nil || len(matrix.Dates) == 0 {
			continue
		}
		vector, ok := s.featureVectorAt(matrix, len(matrix.Dates)-1)
		if !ok {
			continue
		}
		prob, err := s.classifier.PredictProba(vector)
		if err != nil {
			continue
		}
		predictions = append(predictions, prediction{
			Symbol:      symbol,
			Probability: prob,
			Confidence:  math.Min(prob*2, 1.0),
		})
	}
	return predictions
}

// featureVectorAt extracts the configured features at index i. All
// features must be present and valid.
func (s *MLStrategy) featureVectorAt(matrix *factor.Matrix, i int) ([]float64, bool) {
	names := s.params.Features
	if len(names) > s.params.MaxFeatures {
		names = names[:s.params.MaxFeatures]
	}
	vector := make([]float64, 0, len(names))
	for _, name := range names {
		res := matrix.Factors[name]
		if res == nil || i >= len(res.Values) {
			return nil, false
		}
		v := res.Values[i]
		if math.IsNaN(v) {
			return nil, false
		}
		vector = append(vector, v)
	}
	if len(vector) == 0 {
		return nil, false
	}
	return vector, true
}

func (s *MLStrategy) selectTargets(predictions []prediction) []prediction {
	filtered := make([]prediction, 0, len(predictions))
	for _, p := range predictions {
		if p.Probability > 0.5 && p.Confidence > 0.6 {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Probability > filtered[j].Probability })

	limit := s.params.TopN
	if s.params.MaxPositions < limit {
		limit = s.params.MaxPositions
	}
	if len(filtered) < limit {
		limit = len(filtered)
	}
	return filtered[:limit]
}

func (s *MLStrategy) shouldRetrain(date string) bool {
	if s.lastTrainDate == "" {
		return true
	}
	return daysBetween(s.lastTrainDate, date) >= s.params.RetrainPeriod
}
