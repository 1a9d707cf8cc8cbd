package factor

import (
	"encoding/json"
	"math"
	"time"
)

// Type classifies a factor by its data source.
type Type string

const (
	TypeTechnical   Type = "technical"
	TypeFundamental Type = "fundamental"
	TypeAlternative Type = "alternative"
)

// Config describes a single factor to compute.
type Config struct {
	Type        Type               `json:"type" yaml:"type"`
	Name        string             `json:"name" yaml:"name"`
	Params      map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Enabled     bool               `json:"enabled" yaml:"enabled"`
	Priority    int                `json:"priority" yaml:"priority"`
	CacheExpiry time.Duration      `json:"cache_expiry,omitempty" yaml:"cache_expiry,omitempty"`
}

// Metadata carries provenance for a computed factor series.
type Metadata struct {
	Name       string             `json:"name"`
	Type       Type               `json:"type"`
	Params     map[string]float64 `json:"params,omitempty"`
	DataSource string             `json:"data_source,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Result is one factor series aligned to trading dates. Warmup and
// unavailable positions hold NaN.
type Result struct {
	Symbol   string    `json:"symbol"`
	Dates    []string  `json:"dates"`
	Values   []float64 `json:"values"`
	Metadata Metadata  `json:"metadata"`
}

type resultJSON struct {
	Symbol   string     `json:"symbol"`
	Dates    []string   `json:"dates"`
	Values   []*float64 `json:"values"`
	Metadata Metadata   `json:"metadata"`
}

// MarshalJSON encodes NaN values as null so results survive JSON
// transport and caching.
func (r *Result) MarshalJSON() ([]byte, error) {
	values := make([]*float64, len(r.Values))
	for i := range r.Values {
		if !math.IsNaN(r.Values[i]) {
			v := r.Values[i]
			values[i] = &v
		}
	}
	return json.Marshal(resultJSON{
		Symbol:   r.Symbol,
		Dates:    r.Dates,
		Values:   values,
		Metadata: r.Metadata,
	})
}

// UnmarshalJSON restores null values to NaN.
func (r *Result) UnmarshalJSON(data []byte) error {
	var rj resultJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	r.Symbol = rj.Symbol
	r.Dates = rj.Dates
	r.Metadata = rj.Metadata
	r.Values = make([]float64, len(rj.Values))
	for i, v := range rj.Values {
		if v == nil {
			r.Values[i] = math.NaN()
		} else {
			r.Values[i] = *v
		}
	}
	return nil
}

// Matrix collects all computed factors for one symbol.
type Matrix struct {
	Symbol  string             `json:"symbol"`
	Dates   []string           `json:"dates"`
	Factors map[string]*Result `json:"factors"`
	Meta    MatrixMeta         `json:"meta"`
}

// Through returns a view of the matrix truncated to dates at or before
// the given trading date. The receiver is returned unchanged when every
// date already qualifies.
func (m *Matrix) Through(date string) *Matrix {
	n := 0
	for n < len(m.Dates) && m.Dates[n] <= date {
		n++
	}
	if n == len(m.Dates) {
		return m
	}
	trimmed := &Matrix{
		Symbol:  m.Symbol,
		Dates:   m.Dates[:n],
		Factors: make(map[string]*Result, len(m.Factors)),
		Meta:    m.Meta,
	}
	for name, res := range m.Factors {
		if res == nil {
			continue
		}
		cut := n
		if cut > len(res.Values) {
			cut = len(res.Values)
		}
		trimmed.Factors[name] = &Result{
			Symbol:   res.Symbol,
			Dates:    res.Dates[:cut],
			Values:   res.Values[:cut],
			Metadata: res.Metadata,
		}
	}
	return trimmed
}

// MatrixMeta summarizes a factor matrix.
type MatrixMeta struct {
	TotalFactors     int       `json:"total_factors"`
	FactorTypes      []string  `json:"factor_types"`
	DataRange        [2]string `json:"data_range"`
	LastUpdated      time.Time `json:"last_updated"`
	MissingDataRatio float64   `json:"missing_data_ratio"`
}

// newResult allocates a NaN-filled result for the given dates.
func newResult(symbol, name string, typ Type, params map[string]float64, dates []string) *Result {
	values := make([]float64, len(dates))
	for i := range values {
		values[i] = math.NaN()
	}
	return &Result{
		Symbol: symbol,
		Dates:  append([]string(nil), dates...),
		Values: values,
		Metadata: Metadata{
			Name:       name,
			Type:       typ,
			Params:     params,
			ComputedAt: time.Now(),
		},
	}
}

// unavailableResult marks a result whose inputs were missing. The
// series stays all-NaN and the reason is recorded on the metadata.
func unavailableResult(symbol, name string, typ Type, params map[string]float64, dates []string, reason string) *Result {
	r := newResult(symbol, name, typ, params, dates)
	r.Metadata.DataSource = reason
	return r
}

// paramOr returns params[key] or the default when absent.
func paramOr(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
