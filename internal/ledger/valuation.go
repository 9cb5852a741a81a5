package ledger

import (
	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
)

// Valuation is a display-only view of a position at a market price.
// When Priced is false there was no price: MarketValue carries the cost
// basis and UnrealizedPnL is meaningless, which is different from a zero P&L.
type Valuation struct {
	Priced        bool
	MarketPrice   decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	ReturnPct     decimal.Decimal
}

// Value computes shares * price - TotalCost when a price is available.
func Value(p models.Position, price decimal.Decimal, priced bool) Valuation {
	if !priced || !price.IsPositive() {
		return Valuation{MarketValue: p.TotalCost}
	}
	mv := price.Mul(decimal.NewFromInt(p.Shares))
	pnl := mv.Sub(p.TotalCost)
	v := Valuation{
		Priced:        true,
		MarketPrice:   price,
		MarketValue:   mv,
		UnrealizedPnL: pnl,
	}
	if p.TotalCost.IsPositive() {
		v.ReturnPct = pnl.Div(p.TotalCost).Mul(decimal.NewFromInt(100))
	}
	return v
}

// RealizedPnL is (sellPrice - avgCost) * shares.
func RealizedPnL(sellPrice, avgCost decimal.Decimal, shares int64) decimal.Decimal {
	return sellPrice.Sub(avgCost).Mul(decimal.NewFromInt(shares))
}
