// Package tradingutils holds shared decimal math for prices and quantities.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundDownToTick floors a price to a multiple of the exchange tick size.
func RoundDownToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundDownToStep floors a quantity to a multiple of the exchange step size.
func RoundDownToStep(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// ApplyPercent returns base * (1 + pct/100).
func ApplyPercent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
}

// PercentOf returns pct% of base.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// PercentChange returns (current-reference)/reference * 100, or zero when the
// reference is zero.
func PercentChange(current, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return current.Sub(reference).Div(reference).Mul(hundred)
}

// MeetsNotional reports whether qty*price clears the exchange minimum.
func MeetsNotional(qty, price, minNotional decimal.Decimal) bool {
	if minNotional.IsZero() {
		return true
	}
	return qty.Mul(price).GreaterThanOrEqual(minNotional)
}
