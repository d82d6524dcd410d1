// Package types provides shared type definitions for the window trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects whether the engine trades against a simulated ledger or a
// real exchange.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Side is the outcome direction of a binary window market.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// BookSide distinguishes bid/ask within an order book.
type BookSide string

const (
	BookSideBuy  BookSide = "BUY"
	BookSideSell BookSide = "SELL"
)

// ReservationState is the lifecycle of an entry reservation.
type ReservationState string

const (
	ReservationNone      ReservationState = "none"
	ReservationReserved  ReservationState = "reserved"
	ReservationConfirmed ReservationState = "confirmed"
)

// Token is an opaque identifier for one side of a binary market.
type Token struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
}

// OrderBookLevel is a single price/size level.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is the derived, read-only view of a token's order book
// returned by getBookSnapshot.
type BookSnapshot struct {
	TokenID        string           `json:"tokenId"`
	Bids           []OrderBookLevel `json:"bids"`
	Asks           []OrderBookLevel `json:"asks"`
	BestBid        decimal.Decimal  `json:"bestBid"`
	BestAsk        decimal.Decimal  `json:"bestAsk"`
	Mid            decimal.Decimal  `json:"mid"`
	Spread         decimal.Decimal  `json:"spread"`
	BidDepth1Pct   decimal.Decimal  `json:"bidDepth1pct"`
	AskDepth1Pct   decimal.Decimal  `json:"askDepth1pct"`
	LastTradePrice decimal.Decimal  `json:"lastTradePrice"`
	LastUpdateAt   time.Time        `json:"lastUpdateAt"`
}

// OpenPrices captures the three open-of-window spot readings.
type OpenPrices struct {
	Composite  decimal.Decimal `json:"composite"`
	Aggregator decimal.Decimal `json:"aggregator"`
	VWAP20     decimal.Decimal `json:"vwap20"`
}

// Window is a 15-minute trading epoch for one underlying symbol.
type Window struct {
	ID              string          `json:"windowId"`
	Symbol          string          `json:"symbol"`
	Epoch           int64           `json:"epoch"` // unix seconds, floor(now/900)*900
	CloseTimeMs     int64           `json:"closeTimeMs"`
	ReferencePrice  decimal.Decimal `json:"referencePrice"`
	UpTokenID       string          `json:"upTokenId"`
	DownTokenID     string          `json:"downTokenId"`
	MarketID        string          `json:"marketId"`
	OpenPrices      OpenPrices      `json:"openPrices"`
	CreatedAt       time.Time       `json:"createdAt"`
	Settled         bool            `json:"settled"`
	ResolvedSide    Side            `json:"resolvedSide,omitempty"`
	ResolutionPrice decimal.Decimal `json:"resolutionPrice"`
	TradeIDs        []string        `json:"tradeIds"`
}

// TimeRemaining returns the duration until the window closes, relative to now.
func (w *Window) TimeRemaining(now time.Time) time.Duration {
	close := time.UnixMilli(w.CloseTimeMs)
	return close.Sub(now)
}

// MarketContext is the book context captured alongside a signal.
type MarketContext struct {
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Spread decimal.Decimal `json:"spread"`
	Depth  decimal.Decimal `json:"depth"`
}

// Signal is a candidate entry for one token in one window.
type Signal struct {
	ID                string          `json:"id"`
	WindowID          string          `json:"windowId"`
	StrategyID        string          `json:"strategyId"`
	TokenID           string          `json:"tokenId"`
	Direction         string          `json:"direction"` // "long"
	ModelProbability  decimal.Decimal `json:"modelProbability"`
	MarketPrice       decimal.Decimal `json:"marketPrice"`
	Edge              decimal.Decimal `json:"edge"`
	Confidence        decimal.Decimal `json:"confidence"`
	Context           MarketContext   `json:"context"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Position is one opened trade on a specific token.
type Position struct {
	ID            string          `json:"id"`
	WindowID      string          `json:"windowId"`
	StrategyID    string          `json:"strategyId"`
	TokenID       string          `json:"tokenId"`
	Side          Side            `json:"side"`
	SizeShares    decimal.Decimal `json:"sizeShares"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	PeakPrice     decimal.Decimal `json:"peakPrice"`
	Virtual       bool            `json:"virtual"` // true in PAPER mode
	OpenedAt      time.Time       `json:"openedAt"`
	ClosedAt      *time.Time      `json:"closedAt,omitempty"`
	CloseReason   string          `json:"closeReason,omitempty"`
	ExitPrice     decimal.Decimal `json:"exitPrice,omitempty"`
}

// UnrealizedPnL returns (currentPrice-entryPrice)*sizeShares for a long position.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.EntryPrice).Mul(p.SizeShares)
}

// PeakPnLPct returns the best unrealized return seen so far, as a fraction
// of entry price.
func (p *Position) PeakPnLPct() decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.PeakPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// IsOpen reports whether the position has not yet been closed.
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// PredictionRecord is a persisted calibration record for one probability
// prediction.
type PredictionRecord struct {
	ID            string          `json:"id"`
	WindowID      string          `json:"windowId"`
	Symbol        string          `json:"symbol"`
	PredictedPUp  decimal.Decimal `json:"predictedPUp"`
	Bucket        string          `json:"bucket"`
	OraclePrice   decimal.Decimal `json:"oraclePrice"`
	Strike        decimal.Decimal `json:"strike"`
	TMs           int64           `json:"tMs"`
	Sigma         float64         `json:"sigma"`
	VolSurprise   *bool           `json:"volSurprise,omitempty"`
	ActualOutcome *Side           `json:"actualOutcome,omitempty"`
	Correct       *bool           `json:"correct,omitempty"`
	SettledAt     *time.Time      `json:"settledAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
