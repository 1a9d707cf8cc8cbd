package factor

import (
	"context"
	"math"

	apperrors "quantback/internal/errors"
	"quantback/internal/indicator"
	"quantback/internal/market"
)

// AlternativeEngine computes factors from sentiment, money flow and
// cross-market data.
type AlternativeEngine struct {
	sentiment market.SentimentProvider
	moneyFlow market.MoneyFlowProvider
	history   market.HistoryProvider
	benchmark string
}

// NewAlternativeEngine creates an alternative factor engine. The
// benchmark symbol is used by correlation based factors.
func NewAlternativeEngine(sentiment market.SentimentProvider, moneyFlow market.MoneyFlowProvider, history market.HistoryProvider, benchmark string) *AlternativeEngine {
	return &AlternativeEngine{
		sentiment: sentiment,
		moneyFlow: moneyFlow,
		history:   history,
		benchmark: benchmark,
	}
}

// Names lists the factors this engine can compute.
func (e *AlternativeEngine) Names() []string {
	return []string{
		"sentiment_score",
		"news_sentiment",
		"social_sentiment",
		"analyst_consensus",
		"institutional_activity",
		"money_flow",
		"correlation_factor",
		"volatility_regime",
		"market_microstructure",
		"liquidity_factor",
	}
}

// Compute evaluates one alternative factor over the given bars.
// Missing sentiment or flow data never fails the computation; the
// result stays all-NaN with the reason recorded.
func (e *AlternativeEngine) Compute(ctx context.Context, name string, symbol string, bars []market.Data, params map[string]float64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dates := market.Dates(bars)
	prices := market.Closes(bars)
	volumes := market.Volumes(bars)

	switch name {
	case "sentiment_score", "news_sentiment", "social_sentiment", "analyst_consensus", "institutional_activity":
		byDate, reason := e.sentimentByDate(ctx, symbol, dates)
		if reason != "" {
			return unavailableResult(symbol, name, TypeAlternative, params, dates, reason), nil
		}
		result := newResult(symbol, name, TypeAlternative, params, dates)
		for i, date := range dates {
			s, ok := byDate[date]
			if !ok {
				result.Values[i] = 0
				continue
			}
			result.Values[i] = sentimentValue(name, s)
		}
		return result, nil

	case "money_flow":
		return e.moneyFlowFactor(ctx, symbol, dates, prices, params)

	case "correlation_factor":
		return e.correlationFactor(ctx, symbol, dates, prices, params)

	case "volatility_regime":
		result := newResult(symbol, name, TypeAlternative, params, dates)
		e.volatilityRegime(result, prices, params)
		return result, nil

	case "market_microstructure":
		if !hasVolumes(volumes) {
			return unavailableResult(symbol, name, TypeAlternative, params, dates, "volume data missing"), nil
		}
		result := newResult(symbol, name, TypeAlternative, params, dates)
		e.microstructure(result, prices, volumes, params)
		return result, nil

	case "liquidity_factor":
		if !hasVolumes(volumes) {
			return unavailableResult(symbol, name, TypeAlternative, params, dates, "volume data missing"), nil
		}
		result := newResult(symbol, name, TypeAlternative, params, dates)
		e.liquidity(result, prices, volumes, params)
		return result, nil
	}

	return nil, apperrors.NewAppError(apperrors.ErrCodeUnknownFactor, "unknown alternative factor: "+name, nil)
}

func (e *AlternativeEngine) sentimentByDate(ctx context.Context, symbol string, dates []string) (map[string]market.SentimentData, string) {
	if e.sentiment == nil {
		return nil, "no sentiment provider configured"
	}
	if len(dates) == 0 {
		return map[string]market.SentimentData{}, ""
	}
	data, err := e.sentiment.GetSentiment(ctx, symbol, dates[0], dates[len(dates)-1])
	if err != nil {
		return nil, "sentiment unavailable: " + err.Error()
	}
	byDate := make(map[string]market.SentimentData, len(data))
	for _, s := range data {
		byDate[s.Date] = s
	}
	return byDate, ""
}

func sentimentValue(name string, s market.SentimentData) float64 {
	spread := s.PositiveRatio - s.NegativeRatio
	switch name {
	case "sentiment_score":
		newsScore := spread * math.Log(1+float64(s.NewsCount))
		socialScore := math.Tanh(float64(s.SocialMediaMentions)/1000) * spread
		analystScore := (s.AnalystRatings - 3) / 2
		return (newsScore + socialScore + analystScore) / 3
	case "news_sentiment":
		return spread * (math.Log(1+float64(s.NewsCount)) / 10)
	case "social_sentiment":
		return spread * math.Tanh(float64(s.SocialMediaMentions)/1000)
	case "analyst_consensus":
		return (s.AnalystRatings - 3) / 2
	case "institutional_activity":
		return math.Tanh(s.InstitutionalActivity / 100)
	}
	return 0
}

func (e *AlternativeEngine) moneyFlowFactor(ctx context.Context, symbol string, dates []string, prices []float64, params map[string]float64) (*Result, error) {
	name := "money_flow"
	if e.moneyFlow == nil {
		return unavailableResult(symbol, name, TypeAlternative, params, dates, "no money flow provider configured"), nil
	}
	if len(dates) == 0 {
		return newResult(symbol, name, TypeAlternative, params, dates), nil
	}
	flows, err := e.moneyFlow.GetMoneyFlow(ctx, symbol, dates[0], dates[len(dates)-1])
	if err != nil {
		return unavailableResult(symbol, name, TypeAlternative, params, dates, "money flow unavailable: "+err.Error()), nil
	}
	byDate := make(map[string]market.MoneyFlowData, len(flows))
	for _, f := range flows {
		byDate[f.Date] = f
	}

	period := int(paramOr(params, "period", 20))
	result := newResult(symbol, name, TypeAlternative, params, dates)
	for i := period - 1; i < len(dates); i++ {
		sum := 0.0
		validDays := 0
		for j := i - period + 1; j <= i; j++ {
			if f, ok := byDate[dates[j]]; ok {
				sum += f.NetInflow
				validDays++
			}
		}
		if validDays == 0 || prices[i] == 0 {
			continue
		}
		avgNetFlow := sum / float64(validDays)
		result.Values[i] = avgNetFlow / (prices[i] * 1e6)
	}
	return result, nil
}

func (e *AlternativeEngine) correlationFactor(ctx context.Context, symbol string, dates []string, prices []float64, params map[string]float64) (*Result, error) {
	name := "correlation_factor"
	if e.history == nil || e.benchmark == "" {
		return unavailableResult(symbol, name, TypeAlternative, params, dates, "no benchmark configured"), nil
	}
	if len(dates) == 0 {
		return newResult(symbol, name, TypeAlternative, params, dates), nil
	}
	benchBars, err := e.history.GetDailyBars(ctx, e.benchmark, dates[0], dates[len(dates)-1])
	if err != nil {
		return unavailableResult(symbol, name, TypeAlternative, params, dates, "benchmark unavailable: "+err.Error()), nil
	}
	benchByDate := make(map[string]float64, len(benchBars))
	for _, b := range benchBars {
		benchByDate[b.Date] = b.Close
	}
	bench := make([]float64, len(dates))
	for i, date := range dates {
		if c, ok := benchByDate[date]; ok {
			bench[i] = c
		} else {
			bench[i] = math.NaN()
		}
	}

	period := int(paramOr(params, "period", 60))
	result := newResult(symbol, name, TypeAlternative, params, dates)
	for i := period; i < len(prices); i++ {
		var stockReturns, benchReturns []float64
		for j := i - period + 1; j <= i; j++ {
			if j <= 0 || math.IsNaN(bench[j]) || math.IsNaN(bench[j-1]) {
				continue
			}
			if prices[j-1] == 0 || bench[j-1] == 0 {
				continue
			}
			stockReturns = append(stockReturns, (prices[j]-prices[j-1])/prices[j-1])
			benchReturns = append(benchReturns, (bench[j]-bench[j-1])/bench[j-1])
		}
		if len(stockReturns) < 2 {
			continue
		}
		result.Values[i] = indicator.Correlation(stockReturns, benchReturns)
	}
	return result, nil
}

func (e *AlternativeEngine) volatilityRegime(r *Result, prices []float64, params map[string]float64) {
	short := int(paramOr(params, "shortPeriod", 10))
	long := int(paramOr(params, "longPeriod", 60))
	shortVol := indicator.RollingVolatility(prices, short)
	longVol := indicator.RollingVolatility(prices, long)
	for i := range prices {
		if math.IsNaN(shortVol[i]) || math.IsNaN(longVol[i]) || longVol[i] == 0 {
			continue
		}
		r.Values[i] = (shortVol[i] - longVol[i]) / longVol[i]
	}
}

func (e *AlternativeEngine) microstructure(r *Result, prices, volumes []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 20))
	for i := period; i < len(prices); i++ {
		avgVolume := 0.0
		for j := i - period + 1; j <= i; j++ {
			avgVolume += volumes[j]
		}
		avgVolume /= float64(period)

		var impactSum, ratioSum float64
		count := 0
		for j := i - period + 1; j <= i; j++ {
			if j <= 0 || prices[j-1] == 0 || avgVolume == 0 {
				continue
			}
			impactSum += math.Abs((prices[j] - prices[j-1]) / prices[j-1])
			ratioSum += volumes[j] / avgVolume
			count++
		}
		if count == 0 {
			continue
		}
		avgImpact := impactSum / float64(count)
		avgRatio := ratioSum / float64(count)
		if avgRatio <= 0 {
			r.Values[i] = 0
			continue
		}
		r.Values[i] = avgImpact / avgRatio
	}
}

func (e *AlternativeEngine) liquidity(r *Result, prices, volumes []float64, params map[string]float64) {
	period := int(paramOr(params, "period", 20))
	for i := period; i < len(prices); i++ {
		var pv, vol float64
		for j := i - period + 1; j <= i; j++ {
			pv += prices[j] * volumes[j]
			vol += volumes[j]
		}
		if vol == 0 {
			continue
		}
		vwap := pv / vol
		if vwap == 0 {
			continue
		}
		r.Values[i] = -math.Abs(prices[i]-vwap) / vwap
	}
}
