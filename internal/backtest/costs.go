package backtest

import (
	"quantback/internal/config"
	"quantback/internal/strategy"
)

// CostConfig models A-share trading costs. Stamp tax applies to sells
// only; commission has a per-order minimum.
type CostConfig struct {
	CommissionRate  float64 `json:"commission_rate" yaml:"commission_rate"`
	MinCommission   float64 `json:"min_commission" yaml:"min_commission"`
	StampTaxRate    float64 `json:"stamp_tax_rate" yaml:"stamp_tax_rate"`
	TransferFeeRate float64 `json:"transfer_fee_rate" yaml:"transfer_fee_rate"`
	SlippageRate    float64 `json:"slippage_rate" yaml:"slippage_rate"`
}

// DefaultCostConfig returns standard A-share retail brokerage costs.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		CommissionRate:  0.0003,
		MinCommission:   5.0,
		StampTaxRate:    0.001,
		TransferFeeRate: 0.00002,
		SlippageRate:    0.001,
	}
}

// CostConfigFrom builds a cost model from application configuration.
func CostConfigFrom(cfg config.BacktestConfig) CostConfig {
	return CostConfig{
		CommissionRate:  cfg.CommissionRate,
		MinCommission:   cfg.MinCommission,
		StampTaxRate:    cfg.StampTaxRate,
		TransferFeeRate: cfg.TransferRate,
		SlippageRate:    cfg.SlippageRate,
	}
}

// Costs is the fee breakdown for a single trade.
type Costs struct {
	Commission  float64 `json:"commission"`
	StampTax    float64 `json:"stamp_tax"`
	TransferFee float64 `json:"transfer_fee"`
	Slippage    float64 `json:"slippage"`
	Total       float64 `json:"total"`
}

// Calculate computes the fee breakdown for a trade of the given
// direction, quantity and price.
func (c CostConfig) Calculate(action strategy.Action, quantity, price float64) Costs {
	amount := quantity * price

	commission := amount * c.CommissionRate
	if commission < c.MinCommission {
		commission = c.MinCommission
	}

	stampTax := 0.0
	if action == strategy.ActionSell {
		stampTax = amount * c.StampTaxRate
	}

	transferFee := amount * c.TransferFeeRate
	slippage := amount * c.SlippageRate

	return Costs{
		Commission:  commission,
		StampTax:    stampTax,
		TransferFee: transferFee,
		Slippage:    slippage,
		Total:       commission + stampTax + transferFee + slippage,
	}
}
