package factor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quantback/internal/cache"
	apperrors "quantback/internal/errors"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/monitoring"
)

// Default cache lifetimes per factor type. Fundamentals move on report
// cadence, sentiment refreshes intraday.
const (
	technicalCacheTTL   = time.Hour
	fundamentalCacheTTL = 24 * time.Hour
	alternativeCacheTTL = 2 * time.Hour
)

const batchConcurrency = 5

// Manager orchestrates factor computation across the three engines,
// with preprocessing and caching in front.
type Manager struct {
	history      market.HistoryProvider
	preprocessor *market.Preprocessor
	technical    *TechnicalEngine
	fundamental  *FundamentalEngine
	alternative  *AlternativeEngine
	cache        cache.Cacher
	metrics      *monitoring.Metrics
	log          logger.Logger

	batchLimiter *rate.Limiter
}

// NewManager wires a factor manager. The cacher and metrics may be nil.
func NewManager(
	history market.HistoryProvider,
	preprocessor *market.Preprocessor,
	technical *TechnicalEngine,
	fundamental *FundamentalEngine,
	alternative *AlternativeEngine,
	cacher cache.Cacher,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *Manager {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Manager{
		history:      history,
		preprocessor: preprocessor,
		technical:    technical,
		fundamental:  fundamental,
		alternative:  alternative,
		cache:        cacher,
		metrics:      metrics,
		log:          log,
		batchLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), batchConcurrency),
	}
}

// AvailableFactors lists factor names grouped by type.
func (m *Manager) AvailableFactors() map[Type][]string {
	return map[Type][]string{
		TypeTechnical:   m.technical.Names(),
		TypeFundamental: m.fundamental.Names(),
		TypeAlternative: m.alternative.Names(),
	}
}

// DefaultConfigs returns the standard factor set computed when a
// request does not name specific factors.
func DefaultConfigs() []Config {
	return []Config{
		{Type: TypeTechnical, Name: "sma_cross", Enabled: true, Priority: 1},
		{Type: TypeTechnical, Name: "rsi_divergence", Enabled: true, Priority: 1},
		{Type: TypeTechnical, Name: "macd_signal", Enabled: true, Priority: 1},
		{Type: TypeTechnical, Name: "bollinger_position", Enabled: true, Priority: 2},
		{Type: TypeTechnical, Name: "momentum", Enabled: true, Priority: 2},
		{Type: TypeTechnical, Name: "volatility", Enabled: true, Priority: 2},
		{Type: TypeFundamental, Name: "roe_trend", Enabled: true, Priority: 1},
		{Type: TypeFundamental, Name: "pe_relative", Enabled: true, Priority: 1},
		{Type: TypeFundamental, Name: "revenue_growth", Enabled: true, Priority: 2},
		{Type: TypeFundamental, Name: "valuation_score", Enabled: true, Priority: 2},
		{Type: TypeAlternative, Name: "sentiment_score", Enabled: true, Priority: 1},
		{Type: TypeAlternative, Name: "money_flow", Enabled: true, Priority: 2},
		{Type: TypeAlternative, Name: "volatility_regime", Enabled: true, Priority: 2},
	}
}

// ComputeMatrix preprocesses the symbol's bars and computes all enabled
// factors, merging them into one matrix. Individual factor failures are
// logged and skipped.
func (m *Manager) ComputeMatrix(ctx context.Context, symbol, startDate, endDate string, configs []Config) (*Matrix, error) {
	if len(configs) == 0 {
		configs = DefaultConfigs()
	}

	bars, err := m.history.GetDailyBars(ctx, symbol, startDate, endDate)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDataUnavailable, "failed to load bars for "+symbol)
	}
	if m.preprocessor != nil {
		bars, err = m.preprocessor.Process(ctx, symbol, bars)
		if err != nil {
			return nil, err
		}
	}
	dates := market.Dates(bars)

	groups := map[Type][]Config{}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		groups[cfg.Type] = append(groups[cfg.Type], cfg)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]*Result)
	)
	for typ, group := range groups {
		wg.Add(1)
		go func(typ Type, group []Config) {
			defer wg.Done()
			start := time.Now()
			for _, cfg := range group {
				res, err := m.computeOne(ctx, symbol, bars, cfg)
				if err != nil {
					m.log.WithFields(map[string]interface{}{
						"symbol": symbol,
						"factor": cfg.Name,
						"type":   string(cfg.Type),
						"error":  err.Error(),
					}).Warn("factor computation failed, skipping")
					continue
				}
				mu.Lock()
				results[cfg.Name] = res
				mu.Unlock()
			}
			m.metrics.RecordFactorDuration(string(typ), time.Since(start))
		}(typ, group)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buildMatrix(symbol, dates, results), nil
}

// ComputeBatch computes matrices for multiple symbols with bounded
// concurrency. Failed symbols are skipped.
func (m *Manager) ComputeBatch(ctx context.Context, symbols []string, startDate, endDate string, configs []Config) (map[string]*Matrix, error) {
	out := make(map[string]*Matrix, len(symbols))
	var mu sync.Mutex

	for chunkStart := 0; chunkStart < len(symbols); chunkStart += batchConcurrency {
		chunkEnd := chunkStart + batchConcurrency
		if chunkEnd > len(symbols) {
			chunkEnd = len(symbols)
		}
		chunk := symbols[chunkStart:chunkEnd]

		var wg sync.WaitGroup
		for _, symbol := range chunk {
			if err := m.batchLimiter.Wait(ctx); err != nil {
				return out, err
			}
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				matrix, err := m.ComputeMatrix(ctx, symbol, startDate, endDate, configs)
				if err != nil {
					m.log.WithFields(map[string]interface{}{
						"symbol": symbol,
						"error":  err.Error(),
					}).Warn("batch factor computation failed for symbol, skipping")
					return
				}
				mu.Lock()
				out[symbol] = matrix
				mu.Unlock()
			}(symbol)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// ClearCache drops all cached factors for the symbol.
func (m *Manager) ClearCache(ctx context.Context, symbol string) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.DeletePrefix(ctx, "factor:"+symbol+"|")
}

func (m *Manager) computeOne(ctx context.Context, symbol string, bars []market.Data, cfg Config) (*Result, error) {
	key := cacheKey(symbol, cfg.Name, cfg.Params)
	if m.cache != nil {
		var cached Result
		if err := m.cache.Get(ctx, key, &cached); err == nil {
			m.metrics.RecordFactorCache(string(cfg.Type), "hit")
			return &cached, nil
		}
		m.metrics.RecordFactorCache(string(cfg.Type), "miss")
	}

	var (
		res *Result
		err error
	)
	switch cfg.Type {
	case TypeTechnical:
		res, err = m.technical.Compute(ctx, cfg.Name, bars, cfg.Params)
	case TypeFundamental:
		res, err = m.fundamental.Compute(ctx, cfg.Name, symbol, bars, cfg.Params)
	case TypeAlternative:
		res, err = m.alternative.Compute(ctx, cfg.Name, symbol, bars, cfg.Params)
	default:
		return nil, apperrors.NewAppError(apperrors.ErrCodeUnknownFactor, fmt.Sprintf("unknown factor type: %s", cfg.Type), nil)
	}
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if cerr := m.cache.Set(ctx, key, res, cacheTTL(cfg)); cerr != nil {
			m.log.WithField("factor", cfg.Name).Debug("factor cache write failed: " + cerr.Error())
		}
	}
	return res, nil
}

func cacheTTL(cfg Config) time.Duration {
	if cfg.CacheExpiry > 0 {
		return cfg.CacheExpiry
	}
	switch cfg.Type {
	case TypeFundamental:
		return fundamentalCacheTTL
	case TypeAlternative:
		return alternativeCacheTTL
	default:
		return technicalCacheTTL
	}
}

// cacheKey builds a deterministic key. json.Marshal emits map keys in
// sorted order, so identical params always produce the same key.
func cacheKey(symbol, name string, params map[string]float64) string {
	paramsJSON, _ := json.Marshal(params)
	return fmt.Sprintf("factor:%s|%s|%s", symbol, name, paramsJSON)
}

func buildMatrix(symbol string, dates []string, results map[string]*Result) *Matrix {
	typeSet := map[string]bool{}
	totalCells := 0
	nanCells := 0
	for _, res := range results {
		typeSet[string(res.Metadata.Type)] = true
		for _, v := range res.Values {
			totalCells++
			if math.IsNaN(v) {
				nanCells++
			}
		}
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	missingRatio := 0.0
	if totalCells > 0 {
		missingRatio = float64(nanCells) / float64(totalCells)
	}
	dataRange := [2]string{}
	if len(dates) > 0 {
		dataRange = [2]string{dates[0], dates[len(dates)-1]}
	}
	return &Matrix{
		Symbol:  symbol,
		Dates:   dates,
		Factors: results,
		Meta: MatrixMeta{
			TotalFactors:     len(results),
			FactorTypes:      types,
			DataRange:        dataRange,
			LastUpdated:      time.Now(),
			MissingDataRatio: missingRatio,
		},
	}
}
