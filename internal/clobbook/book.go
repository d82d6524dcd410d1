// Package clobbook reconstructs per-token L2 order books from CLOB
// WebSocket snapshot and delta messages.
//
// A Book is owned by a single writer (the CLOB Book Client's read
// loop for that token). Writes rebuild an immutable bookState and
// publish it with an atomic pointer swap, so readers never block and
// never observe a partially-applied update. This mirrors the
// single-writer / atomic-pointer sharing pattern used for orderbook
// pressure snapshots elsewhere in the retrieval pack.
package clobbook

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

var (
	onePct    = decimal.NewFromFloat(0.01)
	onePlus   = decimal.NewFromInt(1).Add(onePct)
	oneMinus  = decimal.NewFromInt(1).Sub(onePct)
	two       = decimal.NewFromInt(2)
)

// Level is a single price/size book level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// bookState is the immutable snapshot published via atomic pointer.
// bids are sorted descending by price, asks ascending.
type bookState struct {
	bids           []Level
	asks           []Level
	lastTradePrice decimal.Decimal
	lastUpdateAt   time.Time
}

// Book is a single token's L2 order book.
type Book struct {
	tokenID string
	symbol  string

	state atomic.Pointer[bookState]

	// writeMu serializes the read-modify-write cycle of delta
	// application. Only the owning client goroutine should call the
	// mutating methods, but the mutex keeps the type safe against
	// accidental concurrent writers without forcing callers to reason
	// about it.
	writeMu sync.Mutex
}

// NewBook creates an empty book for the given token.
func NewBook(tokenID, symbol string) *Book {
	b := &Book{tokenID: tokenID, symbol: symbol}
	b.state.Store(&bookState{})
	return b
}

// TokenID returns the token this book tracks.
func (b *Book) TokenID() string { return b.tokenID }

// ApplySnapshot replaces both sides wholesale. Zero-size levels are
// dropped. Establishes a new baseline for subsequent deltas.
func (b *Book) ApplySnapshot(bids, asks []Level) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	prev := b.state.Load()
	next := &bookState{
		bids:           sortedNonZero(bids, true),
		asks:           sortedNonZero(asks, false),
		lastTradePrice: prev.lastTradePrice,
		lastUpdateAt:   time.Now(),
	}
	b.state.Store(next)
}

// ApplyDelta upserts or deletes a single level on the given side.
// size=0 deletes the level; size>0 upserts it.
func (b *Book) ApplyDelta(side types.BookSide, price, size decimal.Decimal) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	prev := b.state.Load()
	next := &bookState{
		lastTradePrice: prev.lastTradePrice,
		lastUpdateAt:   time.Now(),
	}

	switch side {
	case types.BookSideBuy:
		next.bids = upsertLevel(prev.bids, price, size, true)
		next.asks = prev.asks
	case types.BookSideSell:
		next.asks = upsertLevel(prev.asks, price, size, false)
		next.bids = prev.bids
	default:
		next.bids = prev.bids
		next.asks = prev.asks
	}

	b.state.Store(next)
}

// UpdateLastTradePrice updates only the last-trade-price field,
// leaving both sides untouched.
func (b *Book) UpdateLastTradePrice(price decimal.Decimal) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	prev := b.state.Load()
	next := &bookState{
		bids:           prev.bids,
		asks:           prev.asks,
		lastTradePrice: price,
		lastUpdateAt:   time.Now(),
	}
	b.state.Store(next)
}

// LastUpdateAt returns the timestamp of the most recent mutation,
// zero if the book has never been written to.
func (b *Book) LastUpdateAt() time.Time {
	return b.state.Load().lastUpdateAt
}

// BestBid returns the highest bid price, or zero if the book has no bids.
func (b *Book) BestBid() decimal.Decimal {
	s := b.state.Load()
	if len(s.bids) == 0 {
		return decimal.Zero
	}
	return s.bids[0].Price
}

// BestAsk returns the lowest ask price, or zero if the book has no asks.
func (b *Book) BestAsk() decimal.Decimal {
	s := b.state.Load()
	if len(s.asks) == 0 {
		return decimal.Zero
	}
	return s.asks[0].Price
}

// Bids returns a copy of the current bid levels, descending by price.
func (b *Book) Bids() []Level {
	return append([]Level(nil), b.state.Load().bids...)
}

// Asks returns a copy of the current ask levels, ascending by price.
func (b *Book) Asks() []Level {
	return append([]Level(nil), b.state.Load().asks...)
}

// Snapshot returns the derived read-only view consumed by the rest of
// the engine: sorted levels, best bid/ask, mid, spread, and 1%-depth
// on each side.
func (b *Book) Snapshot() types.BookSnapshot {
	s := b.state.Load()

	snap := types.BookSnapshot{
		TokenID:        b.tokenID,
		LastTradePrice: s.lastTradePrice,
		LastUpdateAt:   s.lastUpdateAt,
	}
	snap.Bids = toLevels(s.bids)
	snap.Asks = toLevels(s.asks)

	if len(s.bids) > 0 {
		snap.BestBid = s.bids[0].Price
	}
	if len(s.asks) > 0 {
		snap.BestAsk = s.asks[0].Price
	}
	if len(s.bids) > 0 && len(s.asks) > 0 {
		snap.Mid = snap.BestBid.Add(snap.BestAsk).Div(two)
		snap.Spread = snap.BestAsk.Sub(snap.BestBid)
	}

	snap.BidDepth1Pct = depthWithin(s.bids, snap.BestBid.Mul(oneMinus), snap.BestBid)
	snap.AskDepth1Pct = depthWithin(s.asks, snap.BestAsk, snap.BestAsk.Mul(onePlus))

	return snap
}

func toLevels(in []Level) []types.OrderBookLevel {
	out := make([]types.OrderBookLevel, len(in))
	for i, lv := range in {
		out[i] = types.OrderBookLevel{Price: lv.Price, Size: lv.Size}
	}
	return out
}

// depthWithin sums price*size for levels whose price lies in [lo,hi].
func depthWithin(levels []Level, lo, hi decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lv := range levels {
		if lv.Price.LessThan(lo) || lv.Price.GreaterThan(hi) {
			continue
		}
		total = total.Add(lv.Price.Mul(lv.Size))
	}
	return total
}

// sortedNonZero copies in, drops zero/negative-size levels, and sorts
// by price (descending if desc, else ascending).
func sortedNonZero(in []Level, desc bool) []Level {
	out := make([]Level, 0, len(in))
	for _, lv := range in {
		if lv.Size.IsPositive() {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// upsertLevel inserts, replaces, or removes a single price level in a
// sorted slice, preserving sort order (descending for bids, ascending
// for asks). The input slice is never mutated in place.
func upsertLevel(levels []Level, price, size decimal.Decimal, desc bool) []Level {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(price)

	if size.IsZero() || size.IsNegative() {
		if !found {
			return levels
		}
		out := make([]Level, 0, len(levels)-1)
		out = append(out, levels[:idx]...)
		out = append(out, levels[idx+1:]...)
		return out
	}

	if found {
		out := append([]Level(nil), levels...)
		out[idx].Size = size
		return out
	}

	out := make([]Level, 0, len(levels)+1)
	out = append(out, levels[:idx]...)
	out = append(out, Level{Price: price, Size: size})
	out = append(out, levels[idx:]...)
	return out
}
