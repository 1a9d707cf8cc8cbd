package factor

import (
	"context"
	"math"

	apperrors "quantback/internal/errors"
	"quantback/internal/indicator"
	"quantback/internal/market"
)

// FundamentalEngine computes factors from financial report data. Each
// factor yields a scalar broadcast across the trading dates so it can
// be merged with daily series.
type FundamentalEngine struct {
	provider market.FundamentalProvider
}

// NewFundamentalEngine creates a fundamental factor engine backed by
// the given provider.
func NewFundamentalEngine(provider market.FundamentalProvider) *FundamentalEngine {
	return &FundamentalEngine{provider: provider}
}

// Names lists the factors this engine can compute.
func (e *FundamentalEngine) Names() []string {
	return []string{
		"roe_trend",
		"pe_relative",
		"debt_ratio",
		"revenue_growth",
		"profit_margin",
		"asset_quality",
		"cash_flow_strength",
		"financial_stability",
		"growth_quality",
		"valuation_score",
	}
}

// Compute evaluates one fundamental factor for the symbol, broadcast
// over the given bars. Missing financial data never fails the
// computation; the result stays all-NaN with the reason recorded.
func (e *FundamentalEngine) Compute(ctx context.Context, name string, symbol string, bars []market.Data, params map[string]float64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dates := market.Dates(bars)

	known := false
	for _, n := range e.Names() {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return nil, apperrors.NewAppError(apperrors.ErrCodeUnknownFactor, "unknown fundamental factor: "+name, nil)
	}

	financials, err := e.provider.GetFinancials(ctx, symbol)
	if err != nil {
		return unavailableResult(symbol, name, TypeFundamental, params, dates, "financials unavailable: "+err.Error()), nil
	}
	if len(financials) == 0 {
		return unavailableResult(symbol, name, TypeFundamental, params, dates, "no financial reports"), nil
	}

	prices := market.Closes(bars)
	value := math.NaN()

	switch name {
	case "roe_trend":
		value = e.roeTrend(financials, params)
	case "pe_relative":
		value = e.peRelative(financials, prices)
	case "debt_ratio":
		value = financials[len(financials)-1].DebtToEquity
	case "revenue_growth":
		value = e.revenueGrowth(financials, params)
	case "profit_margin":
		value = financials[len(financials)-1].NetMargin
	case "asset_quality":
		value = e.assetQuality(financials)
	case "cash_flow_strength":
		value = e.cashFlowStrength(financials)
	case "financial_stability":
		value = e.financialStability(financials, params)
	case "growth_quality":
		value = e.growthQuality(financials, params)
	case "valuation_score":
		value = e.valuationScore(financials, prices)
	}

	result := newResult(symbol, name, TypeFundamental, params, dates)
	if math.IsNaN(value) {
		result.Metadata.DataSource = "insufficient financial history"
		return result, nil
	}
	for i := range result.Values {
		result.Values[i] = value
	}
	return result, nil
}

func (e *FundamentalEngine) roeTrend(financials []market.FinancialData, params map[string]float64) float64 {
	lookback := int(paramOr(params, "lookback", 4))
	if len(financials) < lookback {
		return math.NaN()
	}
	recent := financials[len(financials)-lookback:]
	roes := make([]float64, len(recent))
	for i, f := range recent {
		roes[i] = f.ROE
	}
	return indicator.LinearTrend(roes)
}

func (e *FundamentalEngine) peRelative(financials []market.FinancialData, prices []float64) float64 {
	if len(prices) == 0 {
		return math.NaN()
	}
	eps := financials[len(financials)-1].EPS
	if eps <= 0 {
		return math.NaN()
	}
	curPE := prices[len(prices)-1] / eps

	start := 0
	if len(prices) > 252 {
		start = len(prices) - 252
	}
	historical := prices[start:]
	sum := 0.0
	for _, p := range historical {
		sum += p / eps
	}
	avgPE := sum / float64(len(historical))
	if avgPE == 0 {
		return 0
	}
	return (curPE - avgPE) / avgPE
}

func (e *FundamentalEngine) revenueGrowth(financials []market.FinancialData, params map[string]float64) float64 {
	periods := int(paramOr(params, "periods", 4))
	if len(financials) < 2 {
		return math.NaN()
	}
	start := 0
	if len(financials) > periods {
		start = len(financials) - periods
	}
	recent := financials[start:]
	var growths []float64
	for i := 1; i < len(recent); i++ {
		prev := recent[i-1].Revenue
		if prev > 0 {
			growths = append(growths, (recent[i].Revenue-prev)/prev)
		}
	}
	if len(growths) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, g := range growths {
		sum += g
	}
	return sum / float64(len(growths))
}

func (e *FundamentalEngine) assetQuality(financials []market.FinancialData) float64 {
	latest := financials[len(financials)-1]
	roaScore := math.Min(latest.ROA/0.1, 1)
	turnoverScore := math.Min(latest.AssetTurnover/2, 1)
	liquidityScore := math.Min(latest.CurrentRatio/2, 1)
	return (roaScore + turnoverScore + liquidityScore) / 3
}

func (e *FundamentalEngine) cashFlowStrength(financials []market.FinancialData) float64 {
	latest := financials[len(financials)-1]
	if latest.NetProfit <= 0 {
		return 0
	}
	return latest.OperatingCashFlow / latest.NetProfit
}

func (e *FundamentalEngine) financialStability(financials []market.FinancialData, params map[string]float64) float64 {
	periods := int(paramOr(params, "periods", 4))
	if len(financials) < periods {
		return math.NaN()
	}
	recent := financials[len(financials)-periods:]
	roes := make([]float64, len(recent))
	revenues := make([]float64, len(recent))
	profits := make([]float64, len(recent))
	for i, f := range recent {
		roes[i] = f.ROE
		revenues[i] = f.Revenue
		profits[i] = f.NetProfit
	}
	avgCV := (indicator.CoefficientOfVariation(roes) +
		indicator.CoefficientOfVariation(revenues) +
		indicator.CoefficientOfVariation(profits)) / 3
	return 1 / (1 + avgCV)
}

func (e *FundamentalEngine) growthQuality(financials []market.FinancialData, params map[string]float64) float64 {
	periods := int(paramOr(params, "periods", 4))
	if len(financials) < periods {
		return math.NaN()
	}
	recent := financials[len(financials)-periods:]
	revenues := make([]float64, len(recent))
	profits := make([]float64, len(recent))
	for i, f := range recent {
		revenues[i] = f.Revenue
		profits[i] = f.NetProfit
	}
	revenueGrowth := indicator.LinearTrend(revenues)
	profitGrowth := indicator.LinearTrend(profits)
	if math.Abs(revenueGrowth) > 0 && math.Abs(profitGrowth) > 0 {
		return math.Min(math.Abs(profitGrowth/revenueGrowth), 2) / 2
	}
	return 0
}

func (e *FundamentalEngine) valuationScore(financials []market.FinancialData, prices []float64) float64 {
	if len(prices) == 0 {
		return math.NaN()
	}
	latest := financials[len(financials)-1]
	lastClose := prices[len(prices)-1]

	score := 0.0
	validMetrics := 0
	if latest.EPS > 0 {
		pe := lastClose / latest.EPS
		score += math.Max(0, 1-pe/30)
		validMetrics++
	}
	if latest.TotalEquity > 0 {
		pb := lastClose / (latest.TotalEquity / 1e6)
		if pb > 0 {
			score += math.Max(0, 1-pb/3)
			validMetrics++
		}
	}
	if validMetrics == 0 {
		return 0
	}
	return score / float64(validMetrics)
}
