package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/config"
	apperrors "quantback/internal/errors"
	"quantback/internal/market"
	"quantback/internal/strategy"
)

// scriptedStrategy replays fixed signals keyed by date.
type scriptedStrategy struct {
	strategy.Base
	signals map[string][]strategy.Signal
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Init(map[string]interface{}) error { return nil }

func (s *scriptedStrategy) GenerateSignals(_ context.Context, sc *strategy.Context) ([]strategy.Signal, error) {
	return s.signals[sc.Date], nil
}

type stubHistory struct {
	bars map[string][]market.Data
}

func (h *stubHistory) GetDailyBars(_ context.Context, symbol, _, _ string) ([]market.Data, error) {
	if bars, ok := h.bars[symbol]; ok {
		return bars, nil
	}
	return nil, market.ErrDataUnavailable(symbol, "not in fixture")
}

func fixedBars(symbol string, dates []string, closes []float64) []market.Data {
	bars := make([]market.Data, len(dates))
	for i := range dates {
		bars[i] = market.Data{
			Symbol: symbol,
			Date:   dates[i],
			Open:   closes[i],
			High:   closes[i] * 1.01,
			Low:    closes[i] * 0.99,
			Close:  closes[i],
			Volume: 1_000_000,
		}
	}
	return bars
}

func buySignal(symbol, date string, qty, price float64) strategy.Signal {
	return strategy.Signal{
		Symbol: symbol, Date: date, Action: strategy.ActionBuy,
		Strength: 1, Confidence: 1, Price: price, Quantity: qty,
		Timestamp: time.Now(),
	}
}

func sellSignal(symbol, date string, qty, price float64) strategy.Signal {
	sig := buySignal(symbol, date, qty, price)
	sig.Action = strategy.ActionSell
	return sig
}

func TestCostConfigCalculate(t *testing.T) {
	costs := DefaultCostConfig()

	buy := costs.Calculate(strategy.ActionBuy, 100, 10)
	assert.InDelta(t, 5.0, buy.Commission, 1e-9)
	assert.Zero(t, buy.StampTax)
	assert.InDelta(t, 0.02, buy.TransferFee, 1e-9)
	assert.InDelta(t, 1.0, buy.Slippage, 1e-9)
	assert.InDelta(t, 6.02, buy.Total, 1e-9)

	sell := costs.Calculate(strategy.ActionSell, 100, 10)
	assert.InDelta(t, 1.0, sell.StampTax, 1e-9)
	assert.InDelta(t, 7.02, sell.Total, 1e-9)

	// Commission above the minimum scales with the order.
	large := costs.Calculate(strategy.ActionBuy, 10000, 10)
	assert.InDelta(t, 30.0, large.Commission, 1e-9)
}

func TestEngineCostScenario(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03", "2024-01-04"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{10, 11, 9}),
	}
	strat := &scriptedStrategy{signals: map[string][]strategy.Signal{
		"2024-01-02": {buySignal("600000", "2024-01-02", 100, 10)},
	}}

	engine := NewEngine(Config{InitialCapital: 100000}, strat, Dataset{Bars: bars})
	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.InDelta(t, 6.02, trade.Costs.Total, 1e-9)

	require.Len(t, result.EquityCurve, 3)
	assert.InDelta(t, 98993.98, result.EquityCurve[0].Cash, 1e-6)
	assert.InDelta(t, 99993.98, result.EquityCurve[0].Value, 1e-6)
	assert.InDelta(t, 100093.98, result.EquityCurve[1].Value, 1e-6)
	assert.InDelta(t, 99893.98, result.EquityCurve[2].Value, 1e-6)

	assert.InDelta(t, 99893.98, result.FinalValue, 1e-6)
	assert.InDelta(t, 99893.98/100000-1, result.Performance.TotalReturn, 1e-9)
	assert.Equal(t, "local", result.Executor)
}

func TestEngineRejectsUnaffordableBuy(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{10, 10}),
	}
	strat := &scriptedStrategy{signals: map[string][]strategy.Signal{
		"2024-01-02": {buySignal("600000", "2024-01-02", 200, 10)},
	}}

	risk := strategy.DefaultRiskControl()
	risk.MaxPositionSize = 1.0
	risk.ConcentrationLimit = 10

	engine := NewEngine(Config{InitialCapital: 1000, Risk: risk}, strat, Dataset{Bars: bars})
	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "insufficient funds")
	assert.InDelta(t, 1000, result.FinalValue, 1e-9)
}

func TestEngineSellClampAndPnL(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{10, 12}),
	}
	strat := &scriptedStrategy{signals: map[string][]strategy.Signal{
		"2024-01-02": {buySignal("600000", "2024-01-02", 100, 10)},
		"2024-01-03": {sellSignal("600000", "2024-01-03", 500, 12)},
	}}

	engine := NewEngine(Config{InitialCapital: 100000}, strat, Dataset{Bars: bars})
	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	sell := result.Trades[1]
	assert.Equal(t, strategy.ActionSell, sell.Action)
	assert.InDelta(t, 100, sell.Quantity, 1e-9)
	// (12-10)*100 minus sell costs of 7.424
	assert.InDelta(t, 192.576, sell.PnL, 1e-6)

	assert.InDelta(t, 100186.556, result.FinalValue, 1e-6)
	assert.Equal(t, 1, result.Performance.WinningTrades)
	assert.InDelta(t, 1.0, result.Performance.WinRate, 1e-9)
}

func TestEngineDrawdownHalt(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{100, 70, 70, 70}),
	}
	strat := &scriptedStrategy{signals: map[string][]strategy.Signal{
		"2024-01-02": {buySignal("600000", "2024-01-02", 90, 100)},
		"2024-01-04": {buySignal("600000", "2024-01-04", 10, 70)},
	}}

	risk := strategy.DefaultRiskControl()
	risk.MaxPositionSize = 1.0
	risk.ConcentrationLimit = 1.0
	risk.MaxDrawdown = 0.02
	risk.StopLoss = 0
	risk.TakeProfit = 0

	engine := NewEngine(Config{InitialCapital: 100000, Risk: risk}, strat, Dataset{Bars: bars})
	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	// Only the first buy: the 30% gap down trips the halt before day 3.
	assert.Len(t, result.Trades, 1)
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "drawdown limit breached") {
			found = true
		}
	}
	assert.True(t, found, "expected a drawdown halt warning, got %v", result.Warnings)
}

func TestEngineStopLossForcesExit(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03", "2024-01-04"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{100, 100, 85}),
	}
	// Buy once, then stay silent while the position bleeds.
	strat := &scriptedStrategy{signals: map[string][]strategy.Signal{
		"2024-01-02": {buySignal("600000", "2024-01-02", 10, 100)},
	}}

	engine := NewEngine(Config{InitialCapital: 100000}, strat, Dataset{Bars: bars})
	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	// Day 3 marks the position at -15%, past the default 10% stop.
	require.Len(t, result.Trades, 2)
	exit := result.Trades[1]
	assert.Equal(t, strategy.ActionSell, exit.Action)
	assert.Equal(t, "2024-01-04", exit.Date)
	assert.Equal(t, "stop loss triggered", exit.Reason)
	assert.InDelta(t, 10, exit.Quantity, 1e-9)
	// (85-100)*10 minus sell costs of 6.717
	assert.InDelta(t, -156.717, exit.PnL, 1e-6)
	assert.InDelta(t, 99837.263, result.FinalValue, 1e-6)
	assert.Equal(t, 1, result.Performance.LosingTrades)
}

func TestEngineTakeProfitForcesExit(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{10, 14}),
	}
	strat := &scriptedStrategy{signals: map[string][]strategy.Signal{
		"2024-01-02": {buySignal("600000", "2024-01-02", 100, 10)},
	}}

	engine := NewEngine(Config{InitialCapital: 100000}, strat, Dataset{Bars: bars})
	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	// +40% on day 2 clears the default 30% take profit.
	require.Len(t, result.Trades, 2)
	exit := result.Trades[1]
	assert.Equal(t, strategy.ActionSell, exit.Action)
	assert.Equal(t, "take profit triggered", exit.Reason)
	// (14-10)*100 minus sell costs of 7.828
	assert.InDelta(t, 392.172, exit.PnL, 1e-6)
	assert.InDelta(t, 100386.152, result.FinalValue, 1e-6)
	assert.InDelta(t, 1.0, result.Performance.WinRate, 1e-9)
}

func TestEngineCancellation(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03"}
	bars := map[string][]market.Data{
		"600000": fixedBars("600000", dates, []float64{10, 11}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(Config{InitialCapital: 100000}, &scriptedStrategy{}, Dataset{Bars: bars})
	_, err := engine.Run(ctx)
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeCanceled, appErr.Code)
}

func TestComputePerformance(t *testing.T) {
	equity := []EquityPoint{
		{Date: "2024-01-02", Value: 100000},
		{Date: "2024-01-03", Value: 101000},
		{Date: "2024-01-04", Value: 100500},
	}
	trades := []Trade{
		{Action: strategy.ActionSell, PnL: 10},
		{Action: strategy.ActionSell, PnL: -5},
		{Action: strategy.ActionBuy},
	}

	p := computePerformance(equity, trades, 100000, 0.03, nil)
	assert.InDelta(t, 0.005, p.TotalReturn, 1e-9)
	assert.InDelta(t, 500.0/101000, p.MaxDrawdown, 1e-9)
	assert.InDelta(t, 0.5, p.WinRate, 1e-9)
	assert.InDelta(t, 2.0, p.ProfitFactor, 1e-9)
	assert.Equal(t, 3, p.TotalTrades)
	assert.Greater(t, p.Volatility, 0.0)
	assert.Greater(t, p.AnnualizedReturn, 0.0)
}

func TestComputePerformanceFlatCurve(t *testing.T) {
	equity := []EquityPoint{
		{Date: "2024-01-02", Value: 100000},
		{Date: "2024-01-03", Value: 100000},
	}
	p := computePerformance(equity, nil, 100000, 0.03, nil)
	assert.Zero(t, p.TotalReturn)
	assert.Zero(t, p.Volatility)
	assert.Zero(t, p.SharpeRatio)
	assert.Zero(t, p.MaxDrawdown)
}

func serviceFixture(remote *RemoteExecutor) (*Service, *stubHistory) {
	dates := make([]string, 0, 80)
	closes := make([]float64, 0, 80)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	price := 10.0
	for len(dates) < 80 {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			dates = append(dates, day.Format(market.DateLayout))
			closes = append(closes, price)
			price *= 1.001
		}
		day = day.AddDate(0, 0, 1)
	}

	history := &stubHistory{bars: map[string][]market.Data{
		"600000": fixedBars("600000", dates, closes),
	}}
	cfg := config.Default().Backtest
	return NewService(cfg, history, nil, remote, nil, nil), history
}

func validRequest() *Request {
	return &Request{
		StrategyType:   "timing",
		Symbols:        []string{"600000"},
		StartDate:      "2024-01-01",
		EndDate:        "2024-12-31",
		InitialCapital: 100000,
	}
}

func TestServiceValidation(t *testing.T) {
	svc, _ := serviceFixture(nil)

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no symbols", func(r *Request) { r.Symbols = nil }},
		{"missing dates", func(r *Request) { r.StartDate = "" }},
		{"inverted dates", func(r *Request) { r.StartDate, r.EndDate = r.EndDate, r.StartDate }},
		{"nonpositive capital", func(r *Request) { r.InitialCapital = 0 }},
		{"unknown strategy", func(r *Request) { r.StrategyType = "martingale" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			_, err := svc.RunBacktest(context.Background(), req)
			require.Error(t, err)
		})
	}
}

func TestServiceSymbolPoolFromParams(t *testing.T) {
	svc, _ := serviceFixture(nil)
	req := &Request{
		StrategyType:   "timing",
		StrategyParams: map[string]interface{}{"symbols": []interface{}{"600000", "600000"}},
		StartDate:      "2024-01-01",
		EndDate:        "2024-12-31",
		InitialCapital: 100000,
	}
	symbols := svc.symbolsOf(req)
	assert.Equal(t, []string{"600000"}, symbols)
}

func TestServiceLocalRun(t *testing.T) {
	svc, history := serviceFixture(nil)

	req := validRequest()
	result, err := svc.RunBacktest(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, result.ID)
	assert.Equal(t, "local", result.Executor)
	assert.Len(t, result.EquityCurve, len(history.bars["600000"]))

	stored, ok := svc.GetResult(result.ID)
	require.True(t, ok)
	assert.Equal(t, result, stored)

	assert.Len(t, svc.ListResults(), 1)
	assert.True(t, svc.DeleteResult(result.ID))
	assert.False(t, svc.DeleteResult(result.ID))
}

func TestServiceSingleSymbolDataFailure(t *testing.T) {
	svc, _ := serviceFixture(nil)

	req := validRequest()
	req.Symbols = []string{"999999"}
	_, err := svc.RunBacktest(context.Background(), req)
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeDataUnavailable, appErr.Code)
}

func TestServiceMultiSymbolDegradesToWarning(t *testing.T) {
	svc, _ := serviceFixture(nil)

	req := validRequest()
	req.Symbols = []string{"600000", "999999"}
	result, err := svc.RunBacktest(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "999999")
}

func TestServiceRemoteSuccess(t *testing.T) {
	remoteResult := &Result{ID: "remote-id", FinalValue: 123456, CreatedAt: time.Now()}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/backtest/run", r.URL.Path)
		data, _ := json.Marshal(remoteResult)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    json.RawMessage(data),
		})
	}))
	defer server.Close()

	remote := NewRemoteExecutor(config.RemoteConfig{
		Enabled: true, BaseURL: server.URL, Timeout: time.Second, MaxRetries: 1,
	}, nil)
	svc, _ := serviceFixture(remote)

	result, err := svc.RunBacktest(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "remote", result.Executor)
	assert.InDelta(t, 123456, result.FinalValue, 1e-9)

	_, ok := svc.GetResult(result.ID)
	assert.True(t, ok)
}

func TestServiceRemoteServerErrorFallsBackToLocal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	remote := NewRemoteExecutor(config.RemoteConfig{
		Enabled: true, BaseURL: server.URL, Timeout: time.Second, MaxRetries: 1,
	}, nil)
	svc, _ := serviceFixture(remote)

	result, err := svc.RunBacktest(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "local", result.Executor)
}

func TestServiceRemoteRejectionIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	remote := NewRemoteExecutor(config.RemoteConfig{
		Enabled: true, BaseURL: server.URL, Timeout: time.Second, MaxRetries: 1,
	}, nil)
	svc, _ := serviceFixture(remote)

	_, err := svc.RunBacktest(context.Background(), validRequest())
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.False(t, appErr.IsRetryable())
}

func TestParameterCombinations(t *testing.T) {
	combos := parameterCombinations(map[string][]interface{}{
		"a": {1, 2},
		"b": {"x", "y"},
	})
	require.Len(t, combos, 4)
	seen := make(map[string]bool)
	for _, c := range combos {
		seen[fmt.Sprintf("%v-%v", c["a"], c["b"])] = true
	}
	assert.Len(t, seen, 4)

	assert.Len(t, parameterCombinations(nil), 1)
}

func TestServiceBatchLocal(t *testing.T) {
	svc, _ := serviceFixture(nil)

	results, err := svc.RunBatchBacktest(context.Background(), &BatchRequest{
		Base: *validRequest(),
		ParameterGrid: map[string][]interface{}{
			"signal_threshold": {0.2, 0.4},
		},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, svc.ListResults(), 2)
}

func TestCompareResults(t *testing.T) {
	svc, _ := serviceFixture(nil)
	svc.store(&Result{ID: "a", Performance: Performance{TotalReturn: 0.1, SharpeRatio: 1.0, MaxDrawdown: 0.2, WinRate: 0.5}})
	svc.store(&Result{ID: "b", Performance: Performance{TotalReturn: 0.3, SharpeRatio: 0.8, MaxDrawdown: 0.1, WinRate: 0.6}})

	cmp, err := svc.CompareResults([]string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, cmp.Results, 2)
	assert.Equal(t, "b", cmp.BestReturn.ID)
	assert.Equal(t, "a", cmp.BestSharpe.ID)
	assert.Equal(t, "b", cmp.LowestDrawdown.ID)
	assert.Equal(t, "b", cmp.HighestWinRate.ID)

	_, err = svc.CompareResults([]string{"missing"})
	require.Error(t, err)
}

func TestProgressHub(t *testing.T) {
	hub := newProgressHub()
	ch, cancel := hub.Subscribe("run1")
	defer cancel()

	hub.Publish("run1", Progress{Date: "2024-01-02", Percent: 50})
	hub.Publish("other", Progress{Date: "2024-01-02", Percent: 10})

	frame := <-ch
	assert.Equal(t, 50.0, frame.Percent)

	hub.Finish("run1", Progress{Percent: 100})
	final := <-ch
	assert.True(t, final.Done)

	_, open := <-ch
	assert.False(t, open)
}

func TestTemplates(t *testing.T) {
	svc, _ := serviceFixture(nil)
	templates := svc.Templates()
	require.Len(t, templates, 3)
	ids := make([]string, len(templates))
	for i, tpl := range templates {
		ids[i] = tpl.ID
		assert.True(t, tpl.IsSystem)
		assert.NotEmpty(t, tpl.DefaultParams)
	}
	assert.Equal(t, []string{"ma_crossover", "rsi_reversal", "bollinger_breakout"}, ids)
}
