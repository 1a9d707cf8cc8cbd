package market

import "time"

// DateLayout is the canonical date format for daily bars
const DateLayout = "2006-01-02"

func parseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// Data represents one daily bar for a symbol. Dates are YYYY-MM-DD strings
// so bars can be keyed and compared lexicographically in trading-date order.
type Data struct {
	Symbol    string  `json:"symbol"`
	Date      string  `json:"date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover,omitempty"`
	PrevClose float64 `json:"prev_close,omitempty"`
}

// FinancialData represents one financial report snapshot
type FinancialData struct {
	Symbol            string  `json:"symbol"`
	ReportDate        string  `json:"report_date"`
	Revenue           float64 `json:"revenue"`
	NetProfit         float64 `json:"net_profit"`
	TotalAssets       float64 `json:"total_assets"`
	TotalEquity       float64 `json:"total_equity"`
	TotalDebt         float64 `json:"total_debt"`
	OperatingCashFlow float64 `json:"operating_cash_flow"`
	EPS               float64 `json:"eps"`
	ROE               float64 `json:"roe"`
	ROA               float64 `json:"roa"`
	DebtToEquity      float64 `json:"debt_to_equity"`
	CurrentRatio      float64 `json:"current_ratio"`
	QuickRatio        float64 `json:"quick_ratio"`
	GrossMargin       float64 `json:"gross_margin"`
	NetMargin         float64 `json:"net_margin"`
	AssetTurnover     float64 `json:"asset_turnover"`
}

// SentimentData represents one day of sentiment observations for a symbol
type SentimentData struct {
	Symbol                string  `json:"symbol"`
	Date                  string  `json:"date"`
	NewsCount             int     `json:"news_count"`
	PositiveRatio         float64 `json:"positive_ratio"`
	NegativeRatio         float64 `json:"negative_ratio"`
	NeutralRatio          float64 `json:"neutral_ratio"`
	SocialMediaMentions   int     `json:"social_media_mentions"`
	AnalystRatings        float64 `json:"analyst_ratings"`
	InstitutionalActivity float64 `json:"institutional_activity"`
}

// MoneyFlowData represents one day of money flow observations for a symbol
type MoneyFlowData struct {
	Symbol            string  `json:"symbol"`
	Date              string  `json:"date"`
	NetInflow         float64 `json:"net_inflow"`
	LargeOrderRatio   float64 `json:"large_order_ratio"`
	RetailFlow        float64 `json:"retail_flow"`
	InstitutionalFlow float64 `json:"institutional_flow"`
	ForeignFlow       float64 `json:"foreign_flow"`
}

// Closes extracts the close series from bars
func Closes(bars []Data) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts the volume series from bars
func Volumes(bars []Data) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// Dates extracts the date axis from bars
func Dates(bars []Data) []string {
	out := make([]string, len(bars))
	for i, b := range bars {
		out[i] = b.Date
	}
	return out
}
