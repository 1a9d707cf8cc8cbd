package market

import (
	"context"
	"fmt"

	"quantback/internal/errors"
)

// HistoryProvider serves daily bars. Implementations must not fabricate
// data: when nothing is available for the requested range they return a
// DATA_UNAVAILABLE error.
type HistoryProvider interface {
	GetDailyBars(ctx context.Context, symbol, startDate, endDate string) ([]Data, error)
}

// FundamentalProvider serves financial report history
type FundamentalProvider interface {
	GetFinancials(ctx context.Context, symbol string) ([]FinancialData, error)
}

// SentimentProvider serves daily sentiment history
type SentimentProvider interface {
	GetSentiment(ctx context.Context, symbol, startDate, endDate string) ([]SentimentData, error)
}

// MoneyFlowProvider serves daily money flow history
type MoneyFlowProvider interface {
	GetMoneyFlow(ctx context.Context, symbol, startDate, endDate string) ([]MoneyFlowData, error)
}

// ErrDataUnavailable builds the error returned when a provider has no data
func ErrDataUnavailable(symbol, detail string) *errors.AppError {
	return errors.NewAppErrorWithDetails(errors.ErrCodeDataUnavailable,
		fmt.Sprintf("no market data for %s", symbol), detail, nil).
		WithContext("symbol", symbol)
}
