package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"quantback/internal/config"
	apperrors "quantback/internal/errors"
	"quantback/internal/factor"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/monitoring"
	"quantback/internal/strategy"
)

// Request describes a backtest submission.
type Request struct {
	ID             string                 `json:"id,omitempty"`
	StrategyType   string                 `json:"strategy_type"`
	StrategyParams map[string]interface{} `json:"strategy_params,omitempty"`
	Symbol         string                 `json:"symbol,omitempty"`
	Symbols        []string               `json:"symbols,omitempty"`
	StartDate      string                 `json:"start_date"`
	EndDate        string                 `json:"end_date"`
	InitialCapital float64                `json:"initial_capital"`
	Benchmark      string                 `json:"benchmark,omitempty"`
	Costs          *CostConfig            `json:"costs,omitempty"`
}

// BatchRequest sweeps a parameter grid over a base request.
type BatchRequest struct {
	Base          Request                  `json:"base"`
	ParameterGrid map[string][]interface{} `json:"parameter_grid"`
}

// Comparison ranks a set of results by their headline metrics.
type Comparison struct {
	Results        []*Result `json:"results"`
	BestReturn     *Result   `json:"best_return"`
	BestSharpe     *Result   `json:"best_sharpe"`
	LowestDrawdown *Result   `json:"lowest_drawdown"`
	HighestWinRate *Result   `json:"highest_win_rate"`
}

// Template is a predefined strategy configuration offered to clients.
type Template struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Type          string                 `json:"type"`
	DefaultParams map[string]interface{} `json:"default_params"`
	IsSystem      bool                   `json:"is_system"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Service orchestrates backtest runs: validation, remote-first
// execution with local fallback, batch sweeps, result history and
// scheduled runs.
type Service struct {
	cfg     config.BacktestConfig
	history market.HistoryProvider
	factors *factor.Manager
	remote  *RemoteExecutor
	metrics *monitoring.Metrics
	log     logger.Logger
	perf    *logger.PerformanceLogger
	hub     *progressHub

	mu      sync.RWMutex
	results map[string]*Result

	cronMu sync.Mutex
	sched  *cron.Cron
}

// NewService builds a backtest service. remote may be nil to disable
// the remote executor, factors may be nil when no factor manager is
// available.
func NewService(
	cfg config.BacktestConfig,
	history market.HistoryProvider,
	factors *factor.Manager,
	remote *RemoteExecutor,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		cfg:     cfg,
		history: history,
		factors: factors,
		remote:  remote,
		metrics: metrics,
		log:     log,
		perf:    logger.NewPerformanceLogger(log),
		hub:     newProgressHub(),
		results: make(map[string]*Result),
	}
}

// RunBacktest executes one backtest: remote first when configured,
// falling back to the local engine on transient remote failures.
func (s *Service) RunBacktest(ctx context.Context, req *Request) (*Result, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	s.metrics.BacktestStarted()
	defer s.metrics.BacktestFinished()
	start := time.Now()

	if s.remote != nil {
		result, err := s.remote.Run(ctx, req)
		if err == nil {
			result.ID = req.ID
			s.store(result)
			s.hub.Finish(req.ID, Progress{Percent: 100, Equity: result.FinalValue})
			s.metrics.RecordBacktest("remote", "completed", time.Since(start))
			return result, nil
		}
		appErr := apperrors.GetAppError(err)
		if appErr == nil || !appErr.IsRetryable() {
			s.metrics.RecordBacktest("remote", "failed", time.Since(start))
			s.hub.Finish(req.ID, Progress{})
			return nil, err
		}
		s.log.Warn("remote backtest unavailable, falling back to local engine",
			"id", req.ID, "error", err)
	}

	result, err := s.runLocal(ctx, req)
	if err != nil {
		s.metrics.RecordBacktest("local", "failed", time.Since(start))
		s.hub.Finish(req.ID, Progress{})
		return nil, err
	}
	s.store(result)
	s.hub.Finish(req.ID, Progress{Date: req.EndDate, Percent: 100, Equity: result.FinalValue})
	s.metrics.RecordBacktest("local", "completed", time.Since(start))
	return result, nil
}

// StartBacktest validates the request and launches it in the
// background, returning the run ID immediately so clients can follow
// progress over the websocket stream.
func (s *Service) StartBacktest(req *Request) (string, error) {
	if err := s.validate(req); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.RunBacktest(ctx, req); err != nil {
			s.log.Error("background backtest failed", "id", req.ID, "error", err)
		}
	}()
	return req.ID, nil
}

// runLocal executes the request on the in-process engine.
func (s *Service) runLocal(ctx context.Context, req *Request) (*Result, error) {
	if s.history == nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable,
			"no market data source configured", nil)
	}

	symbols := s.symbolsOf(req)
	var warnings []string

	bars := make(map[string][]market.Data, len(symbols))
	for _, symbol := range symbols {
		data, err := s.history.GetDailyBars(ctx, symbol, req.StartDate, req.EndDate)
		if err != nil {
			if len(symbols) == 1 {
				return nil, apperrors.WrapError(err, apperrors.ErrCodeDataUnavailable,
					fmt.Sprintf("no history for %s", symbol))
			}
			warnings = append(warnings, fmt.Sprintf("history unavailable for %s, symbol excluded", symbol))
			s.log.Warn("symbol excluded from backtest", "symbol", symbol, "error", err)
			continue
		}
		bars[symbol] = data
	}
	if len(bars) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInsufficientData,
			"no usable history for any requested symbol", nil)
	}

	var benchmark []market.Data
	benchSymbol := req.Benchmark
	if benchSymbol == "" {
		benchSymbol = s.cfg.Benchmark
	}
	if benchSymbol != "" {
		data, err := s.history.GetDailyBars(ctx, benchSymbol, req.StartDate, req.EndDate)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("benchmark %s unavailable", benchSymbol))
			s.log.Warn("benchmark history unavailable", "symbol", benchSymbol, "error", err)
		} else {
			benchmark = data
		}
	}

	strat, err := s.newStrategy(req.StrategyType)
	if err != nil {
		return nil, err
	}
	if err := strat.Init(req.StrategyParams); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeStrategyInvalid, "strategy initialization failed")
	}

	var matrices map[string]*factor.Matrix
	if needsFactors(req.StrategyType) {
		if s.factors == nil {
			warnings = append(warnings, "factor manager unavailable, running without factor data")
		} else {
			held := make([]string, 0, len(bars))
			for symbol := range bars {
				held = append(held, symbol)
			}
			factorStart := time.Now()
			matrices, err = s.factors.ComputeBatch(ctx, held, req.StartDate, req.EndDate, factor.DefaultConfigs())
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("factor computation failed: %v", err))
				s.log.Warn("factor computation failed", "error", err)
			}
			s.perf.LogPerformance("factor_batch", time.Since(factorStart), map[string]interface{}{
				"symbols": len(held),
			})
		}
	}

	costs := CostConfigFrom(s.cfg)
	if req.Costs != nil {
		costs = *req.Costs
	}

	cfg := Config{
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		InitialCapital: req.InitialCapital,
		Symbols:        symbols,
		Benchmark:      benchSymbol,
		StrategyType:   req.StrategyType,
		StrategyParams: req.StrategyParams,
		Costs:          costs,
		Risk:           strategy.DefaultRiskControl(),
		RiskFreeRate:   s.cfg.RiskFreeRate,
	}

	engine := NewEngine(cfg, strat, Dataset{Bars: bars, Factors: matrices, Benchmark: benchmark},
		WithEngineLogger(s.log),
		WithProgress(func(p Progress) { s.hub.Publish(req.ID, p) }),
	)

	runStart := time.Now()
	result, err := engine.Run(ctx)
	if err != nil {
		return nil, err
	}
	s.perf.LogPerformance("local_backtest", time.Since(runStart), map[string]interface{}{
		"id":       req.ID,
		"strategy": req.StrategyType,
		"symbols":  len(symbols),
	})
	result.ID = req.ID
	result.Warnings = append(warnings, result.Warnings...)
	return result, nil
}

// RunBatchBacktest expands the parameter grid into a cartesian product
// and runs one backtest per combination. Remote is tried first; local
// runs continue past per-combination failures.
func (s *Service) RunBatchBacktest(ctx context.Context, req *BatchRequest) ([]*Result, error) {
	if err := s.validate(&req.Base); err != nil {
		return nil, err
	}

	if s.remote != nil {
		results, err := s.remote.RunBatch(ctx, req)
		if err == nil {
			for _, r := range results {
				s.store(r)
			}
			return results, nil
		}
		appErr := apperrors.GetAppError(err)
		if appErr == nil || !appErr.IsRetryable() {
			return nil, err
		}
		s.log.Warn("remote batch unavailable, falling back to local engine", "error", err)
	}

	combos := parameterCombinations(req.ParameterGrid)
	results := make([]*Result, 0, len(combos))
	for i, combo := range combos {
		run := req.Base
		run.ID = uuid.New().String()
		run.StrategyParams = mergeParams(req.Base.StrategyParams, combo)

		result, err := s.runLocal(ctx, &run)
		if err != nil {
			s.log.Warn("batch combination failed",
				"combination", i+1, "total", len(combos), "error", err)
			continue
		}
		s.store(result)
		results = append(results, result)
	}
	return results, nil
}

// ScheduleBatch registers a recurring batch run on the given cron
// expression.
func (s *Service) ScheduleBatch(spec string, req *BatchRequest) (cron.EntryID, error) {
	if err := s.validate(&req.Base); err != nil {
		return 0, err
	}

	s.cronMu.Lock()
	if s.sched == nil {
		s.sched = cron.New()
		s.sched.Start()
	}
	sched := s.sched
	s.cronMu.Unlock()

	id, err := sched.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		results, err := s.RunBatchBacktest(ctx, req)
		if err != nil {
			s.log.Error("scheduled batch backtest failed", "error", err)
			return
		}
		s.log.Info("scheduled batch backtest completed", "results", len(results))
	})
	if err != nil {
		return 0, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid cron expression")
	}
	return id, nil
}

// StopScheduler stops recurring batch runs, waiting for a running job
// to finish.
func (s *Service) StopScheduler() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.sched != nil {
		<-s.sched.Stop().Done()
		s.sched = nil
	}
}

// GetResult returns a completed run by ID.
func (s *Service) GetResult(id string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

// ListResults returns all completed runs, newest first.
func (s *Service) ListResults() []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// DeleteResult removes a run from history.
func (s *Service) DeleteResult(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	return true
}

// CompareResults ranks the given runs by their headline metrics.
func (s *Service) CompareResults(ids []string) (*Comparison, error) {
	s.mu.RLock()
	var results []*Result
	for _, id := range ids {
		if r, ok := s.results[id]; ok {
			results = append(results, r)
		}
	}
	s.mu.RUnlock()

	if len(results) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeNotFound, "no matching backtest results", nil)
	}

	cmp := &Comparison{
		Results:        results,
		BestReturn:     results[0],
		BestSharpe:     results[0],
		LowestDrawdown: results[0],
		HighestWinRate: results[0],
	}
	for _, r := range results[1:] {
		if r.Performance.TotalReturn > cmp.BestReturn.Performance.TotalReturn {
			cmp.BestReturn = r
		}
		if r.Performance.SharpeRatio > cmp.BestSharpe.Performance.SharpeRatio {
			cmp.BestSharpe = r
		}
		if r.Performance.MaxDrawdown < cmp.LowestDrawdown.Performance.MaxDrawdown {
			cmp.LowestDrawdown = r
		}
		if r.Performance.WinRate > cmp.HighestWinRate.Performance.WinRate {
			cmp.HighestWinRate = r
		}
	}
	return cmp, nil
}

// SubscribeProgress returns a progress stream for the run. The cancel
// function must be called when the consumer detaches.
func (s *Service) SubscribeProgress(id string) (<-chan Progress, func()) {
	return s.hub.Subscribe(id)
}

// Templates lists the predefined strategy templates.
func (s *Service) Templates() []Template {
	now := time.Now()
	return []Template{
		{
			ID:          "ma_crossover",
			Name:        "MA Crossover",
			Description: "Trend following on short and long moving average crossovers",
			Type:        "technical",
			DefaultParams: map[string]interface{}{
				"short_period": 5,
				"long_period":  20,
				"stop_loss":    0.05,
				"take_profit":  0.15,
			},
			IsSystem:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          "rsi_reversal",
			Name:        "RSI Reversal",
			Description: "Mean reversion on RSI oversold and overbought levels",
			Type:        "technical",
			DefaultParams: map[string]interface{}{
				"rsi_period":       14,
				"oversold_level":   30,
				"overbought_level": 70,
				"stop_loss":        0.03,
				"take_profit":      0.08,
			},
			IsSystem:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          "bollinger_breakout",
			Name:        "Bollinger Breakout",
			Description: "Breakout trading on Bollinger band penetration",
			Type:        "technical",
			DefaultParams: map[string]interface{}{
				"period":      20,
				"std_dev":     2,
				"stop_loss":   0.04,
				"take_profit": 0.12,
			},
			IsSystem:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func (s *Service) store(r *Result) {
	s.mu.Lock()
	s.results[r.ID] = r
	s.mu.Unlock()
}

// validate rejects requests the engine cannot run.
func (s *Service) validate(req *Request) error {
	if len(s.symbolsOf(req)) == 0 {
		return apperrors.NewAppError(apperrors.ErrCodeValidation, "a symbol or symbol pool is required", nil)
	}
	if req.StartDate == "" || req.EndDate == "" {
		return apperrors.NewAppError(apperrors.ErrCodeValidation, "start and end dates are required", nil)
	}
	if req.StartDate >= req.EndDate {
		return apperrors.NewAppError(apperrors.ErrCodeValidation, "start date must precede end date", nil)
	}
	if req.InitialCapital <= 0 {
		return apperrors.NewAppError(apperrors.ErrCodeValidation, "initial capital must be positive", nil)
	}
	if _, err := s.newStrategy(req.StrategyType); err != nil {
		return err
	}
	return nil
}

// symbolsOf merges the single symbol, symbol list and the symbol pool
// from strategy params into one deduplicated universe.
func (s *Service) symbolsOf(req *Request) []string {
	seen := make(map[string]struct{})
	var symbols []string
	add := func(symbol string) {
		if symbol == "" {
			return
		}
		if _, ok := seen[symbol]; ok {
			return
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}

	add(req.Symbol)
	for _, symbol := range req.Symbols {
		add(symbol)
	}
	if pool, ok := req.StrategyParams["symbols"]; ok {
		switch v := pool.(type) {
		case []string:
			for _, symbol := range v {
				add(symbol)
			}
		case []interface{}:
			for _, item := range v {
				if symbol, ok := item.(string); ok {
					add(symbol)
				}
			}
		}
	}
	return symbols
}

// newStrategy maps a strategy type name to a fresh instance.
func (s *Service) newStrategy(strategyType string) (strategy.Strategy, error) {
	switch strategyType {
	case "factor":
		return strategy.NewFactorStrategy(), nil
	case "ml":
		return strategy.NewMLStrategy(nil), nil
	case "timing":
		return strategy.NewTimingStrategy(), nil
	case "portfolio":
		return strategy.NewPortfolioStrategy(s.log), nil
	default:
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeStrategyNotFound,
			"unknown strategy type", strategyType, nil)
	}
}

// needsFactors reports whether the strategy consumes factor matrices.
func needsFactors(strategyType string) bool {
	switch strategyType {
	case "factor", "ml", "portfolio":
		return true
	default:
		return false
	}
}

// parameterCombinations expands a grid into its cartesian product.
func parameterCombinations(grid map[string][]interface{}) []map[string]interface{} {
	if len(grid) == 0 {
		return []map[string]interface{}{{}}
	}

	keys := make([]string, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var combos []map[string]interface{}
	var generate func(i int, current map[string]interface{})
	generate = func(i int, current map[string]interface{}) {
		if i == len(keys) {
			combo := make(map[string]interface{}, len(current))
			for k, v := range current {
				combo[k] = v
			}
			combos = append(combos, combo)
			return
		}
		for _, value := range grid[keys[i]] {
			current[keys[i]] = value
			generate(i+1, current)
		}
	}
	generate(0, make(map[string]interface{}))
	return combos
}

func mergeParams(base, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
