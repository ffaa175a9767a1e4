// Package grid computes DCA order grids from signals and per-user config.
package grid

import (
	"fmt"

	"trade_engine/internal/core"
	"trade_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Leg is one computed level of a DCA wave.
type Leg struct {
	LegIndex      int
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	TPPrice       decimal.Decimal
}

// Calculate builds the legs for one pyramid wave. It is a pure function of
// the entry price, the config snapshot, the wave index, and the symbol's
// precision rule. Legs whose rounded quantity falls below the exchange
// minimum notional are skipped, not placed.
func Calculate(entryPrice decimal.Decimal, cfg *core.DCAGridConfig, pyramidIndex int, rule core.PrecisionRule) ([]Leg, error) {
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive, got %s", entryPrice)
	}

	levels := cfg.LevelsForPyramid(pyramidIndex)
	if len(levels) == 0 {
		return nil, fmt.Errorf("no dca levels configured")
	}
	if cfg.TotalCapitalUSD.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("total capital must be positive, got %s", cfg.TotalCapitalUSD)
	}

	legs := make([]Leg, 0, len(levels))
	for i, level := range levels {
		price := tradingutils.RoundDownToTick(
			tradingutils.ApplyPercent(entryPrice, level.GapPercent), rule.TickSize)
		if price.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("leg %d price rounds to zero (gap %s%%)", i, level.GapPercent)
		}

		allocated := tradingutils.PercentOf(cfg.TotalCapitalUSD, level.WeightPercent)
		qty := tradingutils.RoundDownToStep(allocated.Div(price), rule.StepSize)

		if qty.LessThanOrEqual(decimal.Zero) || !tradingutils.MeetsNotional(qty, price, rule.MinNotional) {
			continue
		}

		legs = append(legs, Leg{
			LegIndex:      i,
			Price:         price,
			Quantity:      qty,
			GapPercent:    level.GapPercent,
			WeightPercent: level.WeightPercent,
			TPPercent:     level.TPPercent,
			TPPrice: tradingutils.RoundDownToTick(
				tradingutils.ApplyPercent(price, level.TPPercent), rule.TickSize),
		})
	}

	if len(legs) == 0 {
		return nil, fmt.Errorf("all %d legs fell below min notional %s", len(levels), rule.MinNotional)
	}

	return legs, nil
}
