// Package position implements the pure position arithmetic applied on
// every fill: quantity-weighted average entry price on buys, realized P&L
// against that average on sells, and the flat-position reset.
//
// It is stateless: prior position values are passed in, new values are
// returned. All monetary results are rounded to two decimal places
// (half away from zero) at each step, matching the persistence convention.
// The average price is deliberately carried forward cumulatively, rounded
// after each buy, never re-derived from the full fill history.
package position

import (
	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/model"
)

// State is the position snapshot the aggregator operates on. The engine
// copies these fields from the locked Position row and writes the result
// back after the guard passes.
type State struct {
	NetQuantity int64
	AvgBuyPrice decimal.Decimal
	RealizedPnl decimal.Decimal
}

// ApplyBuy folds a buy fill of qty units at price into prior. A zero-value
// State stands in for "no prior position": the result is then simply
// {qty, price, 0}.
//
//	newAvg = (oldAvg*oldQty + price*qty) / (oldQty + qty), rounded to 2dp
func ApplyBuy(prior State, qty int64, price decimal.Decimal) State {
	oldQty := decimal.NewFromInt(prior.NetQuantity)
	fillQty := decimal.NewFromInt(qty)
	newQty := prior.NetQuantity + qty

	if prior.NetQuantity == 0 {
		return State{
			NetQuantity: newQty,
			AvgBuyPrice: model.Round2(price),
			RealizedPnl: prior.RealizedPnl,
		}
	}

	weighted := prior.AvgBuyPrice.Mul(oldQty).Add(price.Mul(fillQty))
	newAvg := model.Round2(weighted.Div(decimal.NewFromInt(newQty)))

	return State{
		NetQuantity: newQty,
		AvgBuyPrice: newAvg,
		RealizedPnl: prior.RealizedPnl,
	}
}

// ApplySell folds a sell fill of qty units at price into prior and returns
// the new state plus the P&L realized by this fill alone. The caller must
// have already established prior.NetQuantity >= qty via the solvency guard.
//
//	fillPnl = (price - oldAvg) * qty, rounded to 2dp
//
// The average price survives a partial sell unchanged and resets to zero
// when the position goes flat. Realized P&L accumulates additively, with
// rounding applied at each update.
func ApplySell(prior State, qty int64, price decimal.Decimal) (State, decimal.Decimal) {
	fillPnl := model.Round2(price.Sub(prior.AvgBuyPrice).Mul(decimal.NewFromInt(qty)))
	newQty := prior.NetQuantity - qty

	next := State{
		NetQuantity: newQty,
		AvgBuyPrice: prior.AvgBuyPrice,
		RealizedPnl: model.Round2(prior.RealizedPnl.Add(fillPnl)),
	}
	if newQty == 0 {
		next.AvgBuyPrice = decimal.Zero
	}
	return next, fillPnl
}
