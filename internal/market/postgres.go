package market

import (
	"context"
	"fmt"

	"quantback/internal/database"
)

// PostgresHistory implements HistoryProvider over the market_data table
type PostgresHistory struct {
	db *database.DB
}

// NewPostgresHistory creates a history provider backed by Postgres
func NewPostgresHistory(db *database.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

// GetDailyBars loads daily bars ordered by trading date
func (p *PostgresHistory) GetDailyBars(ctx context.Context, symbol, startDate, endDate string) ([]Data, error) {
	query := `
		SELECT symbol, to_char(trade_date, 'YYYY-MM-DD'), open, high, low, close, volume, turnover
		FROM market_data
		WHERE symbol = $1 AND trade_date >= $2 AND trade_date <= $3
		ORDER BY trade_date ASC
	`

	rows, err := p.db.QueryContext(ctx, query, symbol, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query market data: %w", err)
	}
	defer rows.Close()

	var bars []Data
	for rows.Next() {
		var d Data
		if err := rows.Scan(&d.Symbol, &d.Date, &d.Open, &d.High, &d.Low, &d.Close, &d.Volume, &d.Turnover); err != nil {
			return nil, fmt.Errorf("failed to scan market data row: %w", err)
		}
		bars = append(bars, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate market data rows: %w", err)
	}

	if len(bars) == 0 {
		return nil, ErrDataUnavailable(symbol, fmt.Sprintf("range %s..%s", startDate, endDate))
	}
	return bars, nil
}

// PostgresFundamentals implements FundamentalProvider over financial_reports
type PostgresFundamentals struct {
	db *database.DB
}

// NewPostgresFundamentals creates a fundamental provider backed by Postgres
func NewPostgresFundamentals(db *database.DB) *PostgresFundamentals {
	return &PostgresFundamentals{db: db}
}

// GetFinancials loads financial reports ordered by report date
func (p *PostgresFundamentals) GetFinancials(ctx context.Context, symbol string) ([]FinancialData, error) {
	query := `
		SELECT symbol, to_char(report_date, 'YYYY-MM-DD'),
		       COALESCE(revenue, 0), COALESCE(net_profit, 0), COALESCE(total_assets, 0),
		       COALESCE(total_equity, 0), COALESCE(total_debt, 0), COALESCE(operating_cash_flow, 0),
		       COALESCE(eps, 0), COALESCE(roe, 0), COALESCE(roa, 0), COALESCE(debt_to_equity, 0),
		       COALESCE(current_ratio, 0), COALESCE(quick_ratio, 0), COALESCE(gross_margin, 0),
		       COALESCE(net_margin, 0), COALESCE(asset_turnover, 0)
		FROM financial_reports
		WHERE symbol = $1
		ORDER BY report_date ASC
	`

	rows, err := p.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query financial reports: %w", err)
	}
	defer rows.Close()

	var reports []FinancialData
	for rows.Next() {
		var f FinancialData
		if err := rows.Scan(&f.Symbol, &f.ReportDate, &f.Revenue, &f.NetProfit, &f.TotalAssets,
			&f.TotalEquity, &f.TotalDebt, &f.OperatingCashFlow, &f.EPS, &f.ROE, &f.ROA,
			&f.DebtToEquity, &f.CurrentRatio, &f.QuickRatio, &f.GrossMargin,
			&f.NetMargin, &f.AssetTurnover); err != nil {
			return nil, fmt.Errorf("failed to scan financial report row: %w", err)
		}
		reports = append(reports, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate financial report rows: %w", err)
	}

	if len(reports) == 0 {
		return nil, ErrDataUnavailable(symbol, "no financial reports")
	}
	return reports, nil
}

// PostgresSentiment implements SentimentProvider over sentiment_daily
type PostgresSentiment struct {
	db *database.DB
}

// NewPostgresSentiment creates a sentiment provider backed by Postgres
func NewPostgresSentiment(db *database.DB) *PostgresSentiment {
	return &PostgresSentiment{db: db}
}

// GetSentiment loads daily sentiment ordered by trading date
func (p *PostgresSentiment) GetSentiment(ctx context.Context, symbol, startDate, endDate string) ([]SentimentData, error) {
	query := `
		SELECT symbol, to_char(trade_date, 'YYYY-MM-DD'), news_count, positive_ratio,
		       negative_ratio, neutral_ratio, social_media_mentions, analyst_ratings,
		       institutional_activity
		FROM sentiment_daily
		WHERE symbol = $1 AND trade_date >= $2 AND trade_date <= $3
		ORDER BY trade_date ASC
	`

	rows, err := p.db.QueryContext(ctx, query, symbol, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query sentiment: %w", err)
	}
	defer rows.Close()

	var out []SentimentData
	for rows.Next() {
		var s SentimentData
		if err := rows.Scan(&s.Symbol, &s.Date, &s.NewsCount, &s.PositiveRatio,
			&s.NegativeRatio, &s.NeutralRatio, &s.SocialMediaMentions,
			&s.AnalystRatings, &s.InstitutionalActivity); err != nil {
			return nil, fmt.Errorf("failed to scan sentiment row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sentiment rows: %w", err)
	}

	if len(out) == 0 {
		return nil, ErrDataUnavailable(symbol, "no sentiment data")
	}
	return out, nil
}

// PostgresMoneyFlow implements MoneyFlowProvider over money_flow_daily
type PostgresMoneyFlow struct {
	db *database.DB
}

// NewPostgresMoneyFlow creates a money flow provider backed by Postgres
func NewPostgresMoneyFlow(db *database.DB) *PostgresMoneyFlow {
	return &PostgresMoneyFlow{db: db}
}

// GetMoneyFlow loads daily money flow ordered by trading date
func (p *PostgresMoneyFlow) GetMoneyFlow(ctx context.Context, symbol, startDate, endDate string) ([]MoneyFlowData, error) {
	query := `
		SELECT symbol, to_char(trade_date, 'YYYY-MM-DD'), net_inflow, large_order_ratio,
		       retail_flow, institutional_flow, foreign_flow
		FROM money_flow_daily
		WHERE symbol = $1 AND trade_date >= $2 AND trade_date <= $3
		ORDER BY trade_date ASC
	`

	rows, err := p.db.QueryContext(ctx, query, symbol, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query money flow: %w", err)
	}
	defer rows.Close()

	var out []MoneyFlowData
	for rows.Next() {
		var m MoneyFlowData
		if err := rows.Scan(&m.Symbol, &m.Date, &m.NetInflow, &m.LargeOrderRatio,
			&m.RetailFlow, &m.InstitutionalFlow, &m.ForeignFlow); err != nil {
			return nil, fmt.Errorf("failed to scan money flow row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate money flow rows: %w", err)
	}

	if len(out) == 0 {
		return nil, ErrDataUnavailable(symbol, "no money flow data")
	}
	return out, nil
}
