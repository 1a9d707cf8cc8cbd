package market

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"

	"quantback/internal/errors"
	"quantback/internal/logger"
)

// FillMethod selects how missing values are repaired
type FillMethod string

const (
	FillForward  FillMethod = "forward"
	FillBackward FillMethod = "backward"
	FillLinear   FillMethod = "linear"
	FillMean     FillMethod = "mean"
)

// PreprocessConfig controls the cleaning pipeline
type PreprocessConfig struct {
	FillMethod       FillMethod `yaml:"fill_method" json:"fill_method"`
	OutlierThreshold float64    `yaml:"outlier_threshold" json:"outlier_threshold"`
	MinDataPoints    int        `yaml:"min_data_points" json:"min_data_points"`
	Normalize        bool       `yaml:"normalize" json:"normalize"`
}

// DefaultPreprocessConfig returns the standard pipeline settings
func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		FillMethod:       FillForward,
		OutlierThreshold: 3.0,
		MinDataPoints:    30,
		Normalize:        false,
	}
}

// QualityReport summarizes data issues without failing the pipeline
type QualityReport struct {
	Symbol          string  `json:"symbol"`
	TotalBars       int     `json:"total_bars"`
	MissingValues   int     `json:"missing_values"`
	Outliers        int     `json:"outliers"`
	SuspectedSplits int     `json:"suspected_splits"`
	DateGaps        int     `json:"date_gaps"`
	ValidRatio      float64 `json:"valid_ratio"`
}

// Preprocessor cleans raw daily bars before factor computation and
// backtesting
type Preprocessor struct {
	config PreprocessConfig
	logger logger.Logger
}

// NewPreprocessor creates a preprocessor with the given configuration
func NewPreprocessor(config PreprocessConfig) *Preprocessor {
	if config.OutlierThreshold <= 0 {
		config.OutlierThreshold = 3.0
	}
	if config.MinDataPoints <= 0 {
		config.MinDataPoints = 30
	}
	if config.FillMethod == "" {
		config.FillMethod = FillForward
	}
	return &Preprocessor{
		config: config,
		logger: logger.WithField("component", "preprocessor"),
	}
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Process runs the full cleaning pipeline: validate, align, fill, outlier
// repair, split adjustment, optional normalization and final validation.
func (p *Preprocessor) Process(ctx context.Context, symbol string, bars []Data) ([]Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(bars) == 0 {
		return nil, errors.NewAppError(errors.ErrCodeInsufficientData,
			fmt.Sprintf("no bars provided for %s", symbol), nil)
	}

	for i, b := range bars {
		if !dateRe.MatchString(b.Date) {
			return nil, errors.NewAppErrorWithDetails(errors.ErrCodeDataInvalid,
				"invalid date format", fmt.Sprintf("bar %d has date %q", i, b.Date), nil)
		}
	}

	cleaned := alignByDate(bars)

	p.fillMissing(cleaned)
	outliers := p.repairOutliers(cleaned)
	splits := adjustSplits(cleaned)

	if outliers > 0 || splits > 0 {
		p.logger.Debug("Repaired data issues",
			"symbol", symbol, "outliers", outliers, "splits", splits)
	}

	if p.config.Normalize {
		normalizePrices(cleaned)
	}

	if err := p.finalValidate(symbol, cleaned); err != nil {
		return nil, err
	}

	return cleaned, nil
}

// Report analyzes bars and returns an advisory quality report. It never
// fails and does not modify its input.
func (p *Preprocessor) Report(symbol string, bars []Data) *QualityReport {
	report := &QualityReport{Symbol: symbol, TotalBars: len(bars)}
	if len(bars) == 0 {
		return report
	}

	sorted := alignByDate(bars)
	valid := 0
	for i, b := range sorted {
		if isMissing(b.Open) || isMissing(b.High) || isMissing(b.Low) || isMissing(b.Close) {
			report.MissingValues++
		} else {
			valid++
		}
		if i > 0 && !isMissing(b.Close) && !isMissing(sorted[i-1].Close) {
			change := b.Close/sorted[i-1].Close - 1
			if change < -0.4 {
				report.SuspectedSplits++
			}
		}
	}

	closes := Closes(sorted)
	mean, std := meanStd(validValues(closes))
	if std > 0 {
		for _, c := range closes {
			if !isMissing(c) && math.Abs((c-mean)/std) > p.config.OutlierThreshold {
				report.Outliers++
			}
		}
	}

	// Gaps of more than 7 calendar days usually mean a suspension
	for i := 1; i < len(sorted); i++ {
		if daysBetween(sorted[i-1].Date, sorted[i].Date) > 7 {
			report.DateGaps++
		}
	}

	if len(sorted) > 0 {
		report.ValidRatio = float64(valid) / float64(len(sorted))
	}
	return report
}

// alignByDate sorts ascending by date and drops duplicates keeping the
// last occurrence
func alignByDate(bars []Data) []Data {
	byDate := make(map[string]Data, len(bars))
	for _, b := range bars {
		byDate[b.Date] = b
	}

	out := make([]Data, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func isMissing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v <= 0
}

// fillMissing repairs missing price fields per the configured method.
// Volumes are always forward-filled regardless of method.
func (p *Preprocessor) fillMissing(bars []Data) {
	fields := []struct {
		get func(*Data) float64
		set func(*Data, float64)
	}{
		{func(b *Data) float64 { return b.Open }, func(b *Data, v float64) { b.Open = v }},
		{func(b *Data) float64 { return b.High }, func(b *Data, v float64) { b.High = v }},
		{func(b *Data) float64 { return b.Low }, func(b *Data, v float64) { b.Low = v }},
		{func(b *Data) float64 { return b.Close }, func(b *Data, v float64) { b.Close = v }},
	}

	for _, f := range fields {
		series := make([]float64, len(bars))
		for i := range bars {
			series[i] = f.get(&bars[i])
		}
		fillSeries(series, p.config.FillMethod)
		for i := range bars {
			f.set(&bars[i], series[i])
		}
	}

	volumes := make([]float64, len(bars))
	for i := range bars {
		v := bars[i].Volume
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			volumes[i] = math.NaN()
		} else {
			volumes[i] = v
		}
	}
	fillVolumeForward(volumes)
	for i := range bars {
		bars[i].Volume = volumes[i]
	}
}

func fillSeries(series []float64, method FillMethod) {
	switch method {
	case FillBackward:
		for i := len(series) - 2; i >= 0; i-- {
			if isMissing(series[i]) && !isMissing(series[i+1]) {
				series[i] = series[i+1]
			}
		}
		fillForward(series)
	case FillLinear:
		fillLinear(series)
	case FillMean:
		mean, _ := meanStd(validValues(series))
		if mean > 0 {
			for i := range series {
				if isMissing(series[i]) {
					series[i] = mean
				}
			}
		}
	default:
		fillForward(series)
		// a leading gap has nothing to carry forward, backfill it
		for i := len(series) - 2; i >= 0; i-- {
			if isMissing(series[i]) && !isMissing(series[i+1]) {
				series[i] = series[i+1]
			}
		}
	}
}

func fillForward(series []float64) {
	for i := 1; i < len(series); i++ {
		if isMissing(series[i]) && !isMissing(series[i-1]) {
			series[i] = series[i-1]
		}
	}
}

func fillVolumeForward(series []float64) {
	for i := 1; i < len(series); i++ {
		if math.IsNaN(series[i]) && !math.IsNaN(series[i-1]) {
			series[i] = series[i-1]
		}
	}
	for i := range series {
		if math.IsNaN(series[i]) {
			series[i] = 0
		}
	}
}

// fillLinear interpolates interior gaps between the nearest valid
// neighbors, then forward/backward fills the edges
func fillLinear(series []float64) {
	n := len(series)
	for i := 0; i < n; i++ {
		if !isMissing(series[i]) {
			continue
		}

		prev := -1
		for j := i - 1; j >= 0; j-- {
			if !isMissing(series[j]) {
				prev = j
				break
			}
		}
		next := -1
		for j := i + 1; j < n; j++ {
			if !isMissing(series[j]) {
				next = j
				break
			}
		}

		switch {
		case prev >= 0 && next >= 0:
			frac := float64(i-prev) / float64(next-prev)
			series[i] = series[prev] + (series[next]-series[prev])*frac
		case prev >= 0:
			series[i] = series[prev]
		case next >= 0:
			series[i] = series[next]
		}
	}
}

// repairOutliers replaces values whose z-score against the series exceeds
// the threshold with the average of their valid neighbors. Returns the
// number of repaired cells.
func (p *Preprocessor) repairOutliers(bars []Data) int {
	repaired := 0
	apply := func(get func(*Data) float64, set func(*Data, float64)) {
		series := make([]float64, len(bars))
		for i := range bars {
			series[i] = get(&bars[i])
		}
		mean, std := meanStd(validValues(series))
		if std == 0 {
			return
		}
		for i := range series {
			if isMissing(series[i]) {
				continue
			}
			if math.Abs((series[i]-mean)/std) > p.config.OutlierThreshold {
				if v, ok := neighborAverage(series, i); ok {
					set(&bars[i], v)
					repaired++
				}
			}
		}
	}

	apply(func(b *Data) float64 { return b.Open }, func(b *Data, v float64) { b.Open = v })
	apply(func(b *Data) float64 { return b.High }, func(b *Data, v float64) { b.High = v })
	apply(func(b *Data) float64 { return b.Low }, func(b *Data, v float64) { b.Low = v })
	apply(func(b *Data) float64 { return b.Close }, func(b *Data, v float64) { b.Close = v })
	return repaired
}

func neighborAverage(series []float64, i int) (float64, bool) {
	var sum float64
	var count int
	if i > 0 && !isMissing(series[i-1]) {
		sum += series[i-1]
		count++
	}
	if i < len(series)-1 && !isMissing(series[i+1]) {
		sum += series[i+1]
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// adjustSplits detects single-day close drops below -40%, treats them as
// share splits and rescales all prior bars by the split ratio. Returns the
// number of splits adjusted.
func adjustSplits(bars []Data) int {
	splits := 0
	for i := 1; i < len(bars); i++ {
		prior := bars[i-1].Close
		post := bars[i].Close
		if isMissing(prior) || isMissing(post) {
			continue
		}
		change := post/prior - 1
		if change >= -0.4 {
			continue
		}

		ratio := prior / post
		for j := 0; j < i; j++ {
			bars[j].Open /= ratio
			bars[j].High /= ratio
			bars[j].Low /= ratio
			bars[j].Close /= ratio
			bars[j].Volume *= ratio
		}
		splits++
	}
	return splits
}

// normalizePrices z-scores each price field across the series
func normalizePrices(bars []Data) {
	apply := func(get func(*Data) float64, set func(*Data, float64)) {
		series := make([]float64, len(bars))
		for i := range bars {
			series[i] = get(&bars[i])
		}
		mean, std := meanStd(series)
		if std == 0 {
			return
		}
		for i := range bars {
			set(&bars[i], (series[i]-mean)/std)
		}
	}

	apply(func(b *Data) float64 { return b.Open }, func(b *Data, v float64) { b.Open = v })
	apply(func(b *Data) float64 { return b.High }, func(b *Data, v float64) { b.High = v })
	apply(func(b *Data) float64 { return b.Low }, func(b *Data, v float64) { b.Low = v })
	apply(func(b *Data) float64 { return b.Close }, func(b *Data, v float64) { b.Close = v })
}

func (p *Preprocessor) finalValidate(symbol string, bars []Data) error {
	if len(bars) < p.config.MinDataPoints {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInsufficientData,
			fmt.Sprintf("insufficient data for %s", symbol),
			fmt.Sprintf("%d bars, need at least %d", len(bars), p.config.MinDataPoints), nil)
	}

	valid := 0
	for _, b := range bars {
		if p.config.Normalize || !isMissing(b.Close) {
			valid++
		}
	}
	ratio := float64(valid) / float64(len(bars))
	if ratio < 0.8 {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInsufficientData,
			fmt.Sprintf("insufficient valid data for %s", symbol),
			fmt.Sprintf("only %.0f%% of closes are valid", ratio*100), nil)
	}
	return nil
}

func validValues(series []float64) []float64 {
	out := make([]float64, 0, len(series))
	for _, v := range series {
		if !isMissing(v) {
			out = append(out, v)
		}
	}
	return out
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// daysBetween returns the calendar day gap between two YYYY-MM-DD dates,
// or 0 when either fails to parse
func daysBetween(a, b string) int {
	ta, errA := parseDate(a)
	tb, errB := parseDate(b)
	if errA != nil || errB != nil {
		return 0
	}
	return int(tb.Sub(ta).Hours() / 24)
}
