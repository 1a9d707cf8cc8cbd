package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "quantback/internal/errors"
	"quantback/internal/factor"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/strategy"
)

// Dataset is the market data an engine runs over.
type Dataset struct {
	Bars      map[string][]market.Data
	Factors   map[string]*factor.Matrix
	Benchmark []market.Data
}

// Engine executes one backtest run. An engine is single-use: create a
// fresh one per run.
type Engine struct {
	cfg      Config
	strat    strategy.Strategy
	data     Dataset
	log      logger.Logger
	progress ProgressFunc

	cash        float64
	positions   map[string]*strategy.Position
	entryDates  map[string]string
	holdingDays []float64
	trades      []Trade
	equity      []EquityPoint
	warnings    []string
	peak        float64
	halted      bool
}

// EngineOption customizes an engine.
type EngineOption func(*Engine)

// WithProgress registers a progress callback invoked once per trading
// date.
func WithProgress(fn ProgressFunc) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

// WithEngineLogger overrides the engine logger.
func WithEngineLogger(log logger.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine builds an engine for one run over the given dataset.
func NewEngine(cfg Config, strat strategy.Strategy, data Dataset, opts ...EngineOption) *Engine {
	if cfg.Risk == (strategy.RiskControl{}) {
		cfg.Risk = strategy.DefaultRiskControl()
	}
	if cfg.Costs == (CostConfig{}) {
		cfg.Costs = DefaultCostConfig()
	}
	strat.SetRiskControl(cfg.Risk)
	e := &Engine{
		cfg:        cfg,
		strat:      strat,
		data:       data,
		log:        logger.GetGlobalLogger(),
		cash:       cfg.InitialCapital,
		positions:  make(map[string]*strategy.Position),
		entryDates: make(map[string]string),
		peak:       cfg.InitialCapital,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the backtest. The context is checked on every trading
// date so a run can be canceled mid-flight.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	dates := e.eventDates()
	if len(dates) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInsufficientData,
			"no trading dates in the requested range", nil)
	}

	cursors := make(map[string]int, len(e.data.Bars))
	benchCursor := 0

	for i, date := range dates {
		select {
		case <-ctx.Done():
			return nil, apperrors.NewAppError(apperrors.ErrCodeCanceled, "backtest canceled", ctx.Err())
		default:
		}

		bars := make(map[string][]market.Data, len(e.data.Bars))
		for symbol, series := range e.data.Bars {
			c := cursors[symbol]
			for c < len(series) && series[c].Date <= date {
				c++
			}
			cursors[symbol] = c
			if c > 0 {
				bars[symbol] = series[:c]
			}
		}
		for benchCursor < len(e.data.Benchmark) && e.data.Benchmark[benchCursor].Date <= date {
			benchCursor++
		}

		e.markPositions(bars)
		totalValue := e.totalValue()

		sc := &strategy.Context{
			Date:       date,
			Cash:       e.cash,
			TotalValue: totalValue,
			Positions:  e.positions,
			Bars:       bars,
			Benchmark:  e.data.Benchmark[:benchCursor],
		}
		if len(e.data.Factors) > 0 {
			sc.Factors = make(map[string]*factor.Matrix, len(e.data.Factors))
			for symbol, matrix := range e.data.Factors {
				if matrix != nil {
					sc.Factors[symbol] = matrix.Through(date)
				}
			}
		}

		signals, err := e.strat.GenerateSignals(ctx, sc)
		if err != nil {
			e.log.Warn("signal generation failed, skipping date",
				"date", date, "strategy", e.strat.Name(), "error", err)
			e.warn("signals skipped on %s: %v", date, err)
			signals = nil
		}
		for _, sig := range e.riskAdjusted(signals, date, totalValue) {
			e.execute(sig, date, totalValue)
		}

		e.recordEquity(date)
		if e.progress != nil {
			e.progress(Progress{
				Date:    date,
				Percent: float64(i+1) / float64(len(dates)) * 100,
				Equity:  e.equity[len(e.equity)-1].Value,
			})
		}
	}

	return e.buildResult(), nil
}

// eventDates returns the sorted union of trading dates across all
// symbols, clipped to the configured range.
func (e *Engine) eventDates() []string {
	seen := make(map[string]struct{})
	for _, series := range e.data.Bars {
		for _, bar := range series {
			if e.cfg.StartDate != "" && bar.Date < e.cfg.StartDate {
				continue
			}
			if e.cfg.EndDate != "" && bar.Date > e.cfg.EndDate {
				continue
			}
			seen[bar.Date] = struct{}{}
		}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// markPositions refreshes every position to the latest close.
func (e *Engine) markPositions(bars map[string][]market.Data) {
	for symbol, pos := range e.positions {
		series := bars[symbol]
		if len(series) == 0 {
			continue
		}
		price := series[len(series)-1].Close
		pos.CurrentPrice = price
		pos.MarketValue = pos.Quantity * price
		pos.UnrealizedPnL = (price - pos.AvgPrice) * pos.Quantity
	}
}

func (e *Engine) totalValue() float64 {
	total := e.cash
	for _, pos := range e.positions {
		total += pos.MarketValue
	}
	return total
}

// riskAdjusted routes the day's signals through the strategy risk
// layer. Held positions the strategy stayed silent on get a synthetic
// hold at the marked price so stop loss and take profit still fire
// for them.
func (e *Engine) riskAdjusted(signals []strategy.Signal, date string, totalValue float64) []strategy.Signal {
	covered := make(map[string]struct{}, len(signals))
	for _, sig := range signals {
		covered[sig.Symbol] = struct{}{}
	}
	silent := make([]string, 0, len(e.positions))
	for symbol := range e.positions {
		if _, ok := covered[symbol]; !ok {
			silent = append(silent, symbol)
		}
	}
	sort.Strings(silent)
	for _, symbol := range silent {
		pos := e.positions[symbol]
		if pos.CurrentPrice <= 0 {
			continue
		}
		signals = append(signals, strategy.Signal{
			Symbol:    symbol,
			Date:      date,
			Action:    strategy.ActionHold,
			Price:     pos.CurrentPrice,
			Quantity:  pos.Quantity,
			Reason:    "held position mark",
			Timestamp: time.Now(),
		})
	}
	return e.strat.ApplyRiskControl(signals, e.positions, totalValue)
}

// execute applies one signal, enforcing risk limits before any order
// reaches the book. Rejections are recorded as warnings, never errors.
func (e *Engine) execute(sig strategy.Signal, date string, totalValue float64) {
	if sig.Action == strategy.ActionHold || sig.Quantity <= 0 || sig.Price <= 0 {
		return
	}

	switch sig.Action {
	case strategy.ActionBuy:
		e.executeBuy(sig, date, totalValue)
	case strategy.ActionSell:
		e.executeSell(sig, date)
	}
}

func (e *Engine) executeBuy(sig strategy.Signal, date string, totalValue float64) {
	if e.halted {
		return
	}

	quantity := sig.Quantity
	if maxValue := totalValue * e.cfg.Risk.MaxPositionSize; sig.Quantity*sig.Price > maxValue {
		quantity = float64(int(maxValue / sig.Price))
		if quantity <= 0 {
			e.warn("buy %s on %s rejected: position size limit", sig.Symbol, date)
			return
		}
	}

	held := 0.0
	if pos := e.positions[sig.Symbol]; pos != nil {
		held = pos.MarketValue
	}
	if totalValue > 0 && (held+quantity*sig.Price)/totalValue > e.cfg.Risk.ConcentrationLimit {
		e.warn("buy %s on %s rejected: concentration limit", sig.Symbol, date)
		return
	}

	costs := e.cfg.Costs.Calculate(strategy.ActionBuy, quantity, sig.Price)
	amount := quantity * sig.Price
	if e.cash < amount+costs.Total {
		e.warn("buy %s on %s rejected: insufficient funds", sig.Symbol, date)
		return
	}

	e.cash -= amount + costs.Total
	pos := e.positions[sig.Symbol]
	if pos == nil {
		pos = &strategy.Position{Symbol: sig.Symbol}
		e.positions[sig.Symbol] = pos
		e.entryDates[sig.Symbol] = date
	}
	newQty := pos.Quantity + quantity
	pos.AvgPrice = (pos.AvgPrice*pos.Quantity + amount) / newQty
	pos.Quantity = newQty
	pos.CurrentPrice = sig.Price
	pos.MarketValue = newQty * sig.Price
	pos.UnrealizedPnL = (sig.Price - pos.AvgPrice) * newQty

	e.trades = append(e.trades, Trade{
		ID:       uuid.New().String(),
		Symbol:   sig.Symbol,
		Date:     date,
		Action:   strategy.ActionBuy,
		Quantity: quantity,
		Price:    sig.Price,
		Amount:   amount,
		Costs:    costs,
		Reason:   sig.Reason,
	})
}

func (e *Engine) executeSell(sig strategy.Signal, date string) {
	pos := e.positions[sig.Symbol]
	if pos == nil || pos.Quantity <= 0 {
		return
	}

	quantity := sig.Quantity
	if quantity > pos.Quantity {
		quantity = pos.Quantity
	}

	costs := e.cfg.Costs.Calculate(strategy.ActionSell, quantity, sig.Price)
	amount := quantity * sig.Price
	pnl := (sig.Price-pos.AvgPrice)*quantity - costs.Total

	e.cash += amount - costs.Total
	pos.Quantity -= quantity
	if entry := e.entryDates[sig.Symbol]; entry != "" {
		e.holdingDays = append(e.holdingDays, daysBetween(entry, date))
	}
	if pos.Quantity <= 0 {
		delete(e.positions, sig.Symbol)
		delete(e.entryDates, sig.Symbol)
	} else {
		pos.CurrentPrice = sig.Price
		pos.MarketValue = pos.Quantity * sig.Price
		pos.UnrealizedPnL = (sig.Price - pos.AvgPrice) * pos.Quantity
	}

	e.trades = append(e.trades, Trade{
		ID:       uuid.New().String(),
		Symbol:   sig.Symbol,
		Date:     date,
		Action:   strategy.ActionSell,
		Quantity: quantity,
		Price:    sig.Price,
		Amount:   amount,
		Costs:    costs,
		PnL:      pnl,
		Reason:   sig.Reason,
	})
}

// recordEquity appends the end-of-day equity point and trips the
// drawdown halt when losses exceed the configured limit. A halted run
// stops opening new positions but keeps managing existing ones.
func (e *Engine) recordEquity(date string) {
	value := e.totalValue()
	if value > e.peak {
		e.peak = value
	}
	drawdown := 0.0
	if e.peak > 0 {
		drawdown = (e.peak - value) / e.peak
	}
	e.equity = append(e.equity, EquityPoint{
		Date:     date,
		Value:    value,
		Cash:     e.cash,
		Drawdown: drawdown,
	})

	if !e.halted && drawdown > e.cfg.Risk.MaxDrawdown {
		e.halted = true
		e.warn("drawdown limit breached on %s (%.1f%%), new buys halted", date, drawdown*100)
		e.log.Warn("drawdown limit breached, halting new buys",
			"date", date, "drawdown", drawdown, "limit", e.cfg.Risk.MaxDrawdown)
	}
}

func (e *Engine) warn(format string, args ...interface{}) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

func (e *Engine) buildResult() *Result {
	finalValue := e.cfg.InitialCapital
	if len(e.equity) > 0 {
		finalValue = e.equity[len(e.equity)-1].Value
	}

	rf := e.cfg.RiskFreeRate
	if rf == 0 {
		rf = defaultRiskFreeRate
	}

	perf := computePerformance(e.equity, e.trades, e.cfg.InitialCapital, rf, e.data.Benchmark)
	perf.AvgHoldingDays = mean(e.holdingDays)

	return &Result{
		ID:          uuid.New().String(),
		Config:      e.cfg,
		FinalValue:  finalValue,
		Performance: perf,
		EquityCurve: e.equity,
		Trades:      e.trades,
		Warnings:    e.warnings,
		Executor:    "local",
		CreatedAt:   time.Now(),
	}
}

// daysBetween returns calendar days from one trading date to another.
func daysBetween(from, to string) float64 {
	a, err1 := time.Parse(market.DateLayout, from)
	b, err2 := time.Parse(market.DateLayout, to)
	if err1 != nil || err2 != nil {
		return 0
	}
	return b.Sub(a).Hours() / 24
}
