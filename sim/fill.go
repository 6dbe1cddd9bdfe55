package sim

import (
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILL SIMULATOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure functions: walk live L2 depth and report the VWAP fill a taker
// order would get. Never blocks, never mutates the book.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	one          = decimal.NewFromInt(1)
	partialFloor = decimal.NewFromFloat(0.01) // unfilled > $0.01 => partial
)

// Fill is one consumed level.
type Fill struct {
	Price  decimal.Decimal
	Shares decimal.Decimal
	Cost   decimal.Decimal
}

// Result describes a simulated entry fill.
type Result struct {
	Success        bool
	VWAPPrice      decimal.Decimal
	BestAsk        decimal.Decimal
	Slippage       decimal.Decimal // VWAPPrice - BestAsk
	TotalShares    decimal.Decimal
	TotalCost      decimal.Decimal
	Fees           decimal.Decimal
	NetCost        decimal.Decimal
	LevelsConsumed int
	Unfilled       decimal.Decimal // dollars that found no depth
	PartialFill    bool
	MarketImpact   decimal.Decimal // Slippage / BestAsk
	Fills          []Fill
}

// ExitResult describes a simulated exit.
type ExitResult struct {
	Success        bool
	VWAPPrice      decimal.Decimal
	TotalShares    decimal.Decimal
	Proceeds       decimal.Decimal
	Fees           decimal.Decimal
	NetProceeds    decimal.Decimal
	LevelsConsumed int
	Unfilled       decimal.Decimal // shares that found no depth
	PartialFill    bool
	Fills          []Fill
}

// SimulateFill walks the asks ascending, spending up to dollars, and
// reports the VWAP entry the taker would have gotten.
func SimulateFill(book *types.BookSnapshot, dollars, feeRate decimal.Decimal) Result {
	res := Result{}
	if book == nil || len(book.Asks) == 0 || dollars.LessThanOrEqual(decimal.Zero) {
		res.Unfilled = dollars
		res.PartialFill = dollars.GreaterThan(partialFloor)
		return res
	}

	res.BestAsk = book.Asks[0].Price
	remaining := dollars

	for _, lvl := range book.Asks {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if lvl.Price.LessThanOrEqual(decimal.Zero) {
			continue
		}

		levelCost := lvl.Price.Mul(lvl.Size)
		spend := decimal.Min(remaining, levelCost)
		shares := spend.Div(lvl.Price)

		res.Fills = append(res.Fills, Fill{Price: lvl.Price, Shares: shares, Cost: spend})
		res.TotalShares = res.TotalShares.Add(shares)
		res.TotalCost = res.TotalCost.Add(spend)
		res.LevelsConsumed++
		remaining = remaining.Sub(spend)
	}

	res.Unfilled = remaining
	res.PartialFill = remaining.GreaterThan(partialFloor)

	if res.TotalShares.IsZero() {
		return res
	}

	res.Success = true
	res.VWAPPrice = res.TotalCost.Div(res.TotalShares)
	res.Slippage = res.VWAPPrice.Sub(res.BestAsk)
	if !res.BestAsk.IsZero() {
		res.MarketImpact = res.Slippage.Div(res.BestAsk)
	}
	res.Fees = res.TotalCost.Mul(feeRate)
	res.NetCost = res.TotalCost.Add(res.Fees)
	return res
}

// SimulateExit values selling shares of a position.
//
// side=up walks the bids descending on the UP book. side=down walks the
// asks ascending, exiting at the implied down-price 1-ask; ask levels at
// or above $1 imply nothing and are skipped.
func SimulateExit(book *types.BookSnapshot, shares decimal.Decimal, side types.Side, feeRate decimal.Decimal) ExitResult {
	res := ExitResult{}
	if book == nil || shares.LessThanOrEqual(decimal.Zero) {
		res.Unfilled = shares
		return res
	}

	remaining := shares

	if side == types.SideUp {
		for _, lvl := range book.Bids {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			take := decimal.Min(remaining, lvl.Size)
			proceeds := lvl.Price.Mul(take)

			res.Fills = append(res.Fills, Fill{Price: lvl.Price, Shares: take, Cost: proceeds})
			res.TotalShares = res.TotalShares.Add(take)
			res.Proceeds = res.Proceeds.Add(proceeds)
			res.LevelsConsumed++
			remaining = remaining.Sub(take)
		}
	} else {
		for _, lvl := range book.Asks {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			if lvl.Price.GreaterThanOrEqual(one) {
				continue
			}
			implied := one.Sub(lvl.Price)
			take := decimal.Min(remaining, lvl.Size)
			proceeds := implied.Mul(take)

			res.Fills = append(res.Fills, Fill{Price: implied, Shares: take, Cost: proceeds})
			res.TotalShares = res.TotalShares.Add(take)
			res.Proceeds = res.Proceeds.Add(proceeds)
			res.LevelsConsumed++
			remaining = remaining.Sub(take)
		}
	}

	res.Unfilled = remaining
	res.PartialFill = remaining.GreaterThan(decimal.Zero)

	if res.TotalShares.IsZero() {
		return res
	}

	res.Success = true
	res.VWAPPrice = res.Proceeds.Div(res.TotalShares)
	res.Fees = res.Proceeds.Mul(feeRate)
	res.NetProceeds = res.Proceeds.Sub(res.Fees)
	return res
}
