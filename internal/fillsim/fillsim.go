// Package fillsim simulates fills against a live L2 book. Every
// function here is pure: no I/O, no suspension points, decimal-typed
// throughout per spec §4.7.
package fillsim

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// LevelFill records how much was taken from one book level.
type LevelFill struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Cost  decimal.Decimal
}

// FillResult is the outcome of simulateFill/simulateExit.
type FillResult struct {
	Success         bool
	VWAPPrice       decimal.Decimal
	BestPrice       decimal.Decimal // bestAsk for entry, best opposing price for exit
	Slippage        decimal.Decimal
	TotalShares     decimal.Decimal
	TotalCost       decimal.Decimal
	Fees            decimal.Decimal
	NetCost         decimal.Decimal
	LevelsConsumed  int
	Unfilled        decimal.Decimal
	PartialFill     bool
	MarketImpact    decimal.Decimal
	Fills           []LevelFill
}

var (
	penny = decimal.NewFromFloat(0.01)
	one   = decimal.NewFromInt(1)
)

// SimulateFill walks asks ascending, spending up to dollars, and
// returns the VWAP fill. feeRate is charged on TotalCost.
func SimulateFill(book types.BookSnapshot, dollars, feeRate decimal.Decimal) FillResult {
	asks := sortedAsks(book.Asks)
	bestAsk := decimal.Zero
	if len(asks) > 0 {
		bestAsk = asks[0].Price
	}

	remaining := dollars
	var fills []LevelFill
	var totalShares, totalCost decimal.Decimal

	for _, level := range asks {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		levelValue := level.Price.Mul(level.Size)
		spend := decimal.Min(remaining, levelValue)
		if spend.LessThanOrEqual(decimal.Zero) {
			continue
		}
		shares := spend.Div(level.Price)

		fills = append(fills, LevelFill{Price: level.Price, Size: shares, Cost: spend})
		totalShares = totalShares.Add(shares)
		totalCost = totalCost.Add(spend)
		remaining = remaining.Sub(spend)
	}

	return buildResult(fills, totalShares, totalCost, remaining, bestAsk, feeRate, true)
}

// SimulateExit closes a position of shares on side. side=up walks
// bids descending (selling the UP token back into the bid). side=down
// walks asks ascending and bids at the implied down-price (1-askPrice),
// skipping levels where askPrice>=1 (no implied price available).
func SimulateExit(book types.BookSnapshot, shares decimal.Decimal, side types.Side, feeRate decimal.Decimal) FillResult {
	if side == types.SideDown {
		return simulateExitDown(book, shares, feeRate)
	}
	return simulateExitUp(book, shares, feeRate)
}

func simulateExitUp(book types.BookSnapshot, shares decimal.Decimal, feeRate decimal.Decimal) FillResult {
	bids := sortedBidsDesc(book.Bids)
	bestBid := decimal.Zero
	if len(bids) > 0 {
		bestBid = bids[0].Price
	}

	remaining := shares
	var fills []LevelFill
	var totalShares, totalCost decimal.Decimal

	for _, level := range bids {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, level.Size)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		proceeds := take.Mul(level.Price)

		fills = append(fills, LevelFill{Price: level.Price, Size: take, Cost: proceeds})
		totalShares = totalShares.Add(take)
		totalCost = totalCost.Add(proceeds)
		remaining = remaining.Sub(take)
	}

	return buildResult(fills, totalShares, totalCost, remaining, bestBid, feeRate, false)
}

func simulateExitDown(book types.BookSnapshot, shares decimal.Decimal, feeRate decimal.Decimal) FillResult {
	asks := sortedAsks(book.Asks)
	bestImplied := decimal.Zero
	if len(asks) > 0 && asks[0].Price.LessThan(one) {
		bestImplied = one.Sub(asks[0].Price)
	}

	remaining := shares
	var fills []LevelFill
	var totalShares, totalCost decimal.Decimal

	for _, level := range asks {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if level.Price.GreaterThanOrEqual(one) {
			continue
		}
		impliedPrice := one.Sub(level.Price)
		take := decimal.Min(remaining, level.Size)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		proceeds := take.Mul(impliedPrice)

		fills = append(fills, LevelFill{Price: impliedPrice, Size: take, Cost: proceeds})
		totalShares = totalShares.Add(take)
		totalCost = totalCost.Add(proceeds)
		remaining = remaining.Sub(take)
	}

	return buildResult(fills, totalShares, totalCost, remaining, bestImplied, feeRate, false)
}

func buildResult(fills []LevelFill, totalShares, totalCost, unfilled, reference, feeRate decimal.Decimal, unfilledIsDollars bool) FillResult {
	vwap := decimal.Zero
	if totalShares.GreaterThan(decimal.Zero) {
		vwap = totalCost.Div(totalShares)
	}

	slippage := decimal.Zero
	marketImpact := decimal.Zero
	if reference.GreaterThan(decimal.Zero) && vwap.GreaterThan(decimal.Zero) {
		slippage = vwap.Sub(reference)
		marketImpact = slippage.Div(reference)
	}

	fees := totalCost.Mul(feeRate)

	return FillResult{
		Success:        len(fills) > 0,
		VWAPPrice:      vwap,
		BestPrice:      reference,
		Slippage:       slippage,
		TotalShares:    totalShares,
		TotalCost:      totalCost,
		Fees:           fees,
		NetCost:        totalCost.Add(fees),
		LevelsConsumed: len(fills),
		Unfilled:       unfilled,
		PartialFill:    unfilledIsDollars && unfilled.GreaterThan(penny),
		MarketImpact:   marketImpact,
		Fills:          fills,
	}
}

func sortedAsks(levels []types.OrderBookLevel) []types.OrderBookLevel {
	out := append([]types.OrderBookLevel(nil), levels...)
	insertionSort(out, true)
	return out
}

func sortedBidsDesc(levels []types.OrderBookLevel) []types.OrderBookLevel {
	out := append([]types.OrderBookLevel(nil), levels...)
	insertionSort(out, false)
	return out
}

// insertionSort orders levels by price; ascending when asc is true.
// Book snapshots are already small and nearly sorted, so insertion
// sort avoids pulling in sort.Slice for a handful of levels.
func insertionSort(levels []types.OrderBookLevel, asc bool) {
	for i := 1; i < len(levels); i++ {
		j := i
		for j > 0 {
			var swap bool
			if asc {
				swap = levels[j].Price.LessThan(levels[j-1].Price)
			} else {
				swap = levels[j].Price.GreaterThan(levels[j-1].Price)
			}
			if !swap {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
			j--
		}
	}
}
