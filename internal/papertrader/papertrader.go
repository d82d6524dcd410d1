// Package papertrader runs the signal sweep of spec §4.8: unlike the
// single live strategy internal/executionloop.Loop drives, the sweep
// evaluates every registered strategy crossed with every configured
// dollar-size variation, on every window at every signal offset, and
// persists one paper-trade row per firing variation for later
// settlement. Store-backed insert/select idiom is grounded on
// internal/probability.Ledger; the shared per-offset window context
// mirrors executionloop.Loop.EvaluateSignals.
package papertrader

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/composer"
	"github.com/atlas-desktop/windowtrader/internal/fillsim"
	"github.com/atlas-desktop/windowtrader/internal/persistence"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// SpotPriceSource resolves the latest underlying spot price for a
// symbol. Declared locally rather than shared with
// internal/executionloop.SpotPriceSource to keep the two sweeps'
// dependency surfaces independent; both are satisfied by the same
// internal/pricefeeds.Service in practice.
type SpotPriceSource interface {
	SpotPrice(symbol string) (decimal.Decimal, bool)
}

// BookSource resolves the latest order-book snapshot for a token.
type BookSource interface {
	GetBookSnapshot(tokenID string) (types.BookSnapshot, bool)
}

// Variation is one dollar-size slice of the sweep, gated by its own
// minimum edge and optionally scoped to a subset of symbols/offsets.
type Variation struct {
	Label      string
	DollarSize decimal.Decimal
	MinEdge    decimal.Decimal
	// Symbols scopes this variation to specific underlyings; empty
	// means every symbol the strategy trades.
	Symbols []string
	// OffsetsSec scopes this variation to specific seconds-to-close
	// offsets; empty means every offset the scheduler fires.
	OffsetsSec []int
}

// AppliesTo reports whether this variation fires for symbol at
// offsetSec, per spec §4.8's "appliesTo the window's crypto and
// timing".
func (v Variation) AppliesTo(symbol string, offsetSec int) bool {
	if len(v.Symbols) > 0 && !containsString(v.Symbols, symbol) {
		return false
	}
	if len(v.OffsetsSec) > 0 && !containsInt(v.OffsetsSec, offsetSec) {
		return false
	}
	return true
}

// ShouldFire reports whether sig clears this variation's own edge
// floor, independent of whatever MinEdge the composer's strategy slot
// already gated entry on.
func (v Variation) ShouldFire(sig types.Signal) bool {
	return sig.Edge.GreaterThanOrEqual(v.MinEdge)
}

// StrategySpec pairs a registered strategy's name with the variations
// the sweep should run it at.
type StrategySpec struct {
	Name       string
	Variations []Variation
}

// Trade is one persisted paper-trade row: the entry is recorded
// immediately on fill, the settlement fields populate once the
// window resolves.
type Trade struct {
	ID         string
	WindowID   string
	StrategyID string
	Variation  string
	TokenID    string
	EntrySide  types.Side
	EntryPrice decimal.Decimal
	Shares     decimal.Decimal
	Cost       decimal.Decimal
	Fee        decimal.Decimal
	Settled    bool
	Payout     decimal.Decimal
	NetPnL     decimal.Decimal
	Win        bool
	CreatedAt  time.Time
	SettledAt  time.Time
}

// Config controls the sweep's fill simulation.
type Config struct {
	// FeeRate is charged on every simulated fill, same convention as
	// internal/executionloop.Config.FeeRate.
	FeeRate decimal.Decimal
}

// DefaultConfig mirrors executionloop's default fee rate.
func DefaultConfig() Config {
	return Config{FeeRate: decimal.NewFromFloat(0.02)}
}

// Sweeper evaluates every registered strategy x variation on each
// window signal offset and settles paper trades once a window
// resolves. It satisfies internal/scheduler.SignalEvaluator and
// internal/scheduler.SettlementObserver.
type Sweeper struct {
	cfg    Config
	logger *zap.Logger

	composer *composer.Composer
	spot     SpotPriceSource
	books    BookSource
	store    persistence.Store

	specs map[string][]Variation // strategy name -> variations
}

// New builds a sweeper. specs is keyed by strategy name; a strategy
// registered with the composer but absent from specs is skipped by
// the sweep (it still trades live via the execution loop if bound to
// one).
func New(cfg Config, comp *composer.Composer, spot SpotPriceSource, books BookSource, store persistence.Store, specs []StrategySpec, logger *zap.Logger) *Sweeper {
	byName := make(map[string][]Variation, len(specs))
	for _, s := range specs {
		byName[s.Name] = s.Variations
	}
	return &Sweeper{
		cfg:      cfg,
		logger:   logger.Named("papertrader"),
		composer: comp,
		spot:     spot,
		books:    books,
		store:    store,
		specs:    byName,
	}
}

// EvaluateSignals implements scheduler.SignalEvaluator. It builds the
// shared window context once, then runs every registered strategy's
// pipeline and, per produced signal, every variation configured for
// that strategy that applies to this window/offset.
func (s *Sweeper) EvaluateSignals(ctx context.Context, window *types.Window, offsetSec int) {
	if window.ReferencePrice.IsZero() {
		return
	}

	spot, ok := s.spot.SpotPrice(window.Symbol)
	if !ok {
		return
	}
	upBook, ok := s.books.GetBookSnapshot(window.UpTokenID)
	if !ok {
		return
	}

	wctx := composer.WindowContext{
		OraclePrice:    spot,
		ReferencePrice: window.ReferencePrice,
		MarketPrice:    upBook.Mid,
		TimeToExpiry:   window.TimeRemaining(time.Now().UTC()),
		Symbol:         window.Symbol,
		WindowID:       window.ID,
		TokenIDUp:      window.UpTokenID,
		TokenIDDown:    window.DownTokenID,
		MarketID:       window.MarketID,
	}
	marketCtx := types.MarketContext{
		Bid:    upBook.BestBid,
		Ask:    upBook.BestAsk,
		Spread: upBook.Spread,
		Depth:  upBook.BidDepth1Pct,
	}

	for _, name := range s.composer.StrategyNames() {
		variations, ok := s.specs[name]
		if !ok {
			continue
		}

		signals, err := s.composer.Execute(ctx, name, window, wctx, marketCtx)
		if err != nil {
			s.logger.Warn("sweep strategy execution failed",
				zap.String("strategy", name), zap.String("windowId", window.ID), zap.Error(err))
			continue
		}

		for _, sig := range signals {
			s.fireVariations(ctx, window, offsetSec, name, sig, variations)
		}
	}
}

func (s *Sweeper) fireVariations(ctx context.Context, window *types.Window, offsetSec int, strategyName string, sig types.Signal, variations []Variation) {
	for _, v := range variations {
		if !v.AppliesTo(window.Symbol, offsetSec) || !v.ShouldFire(sig) {
			continue
		}

		book, ok := s.books.GetBookSnapshot(sig.TokenID)
		if !ok {
			continue
		}

		fill := fillsim.SimulateFill(book, v.DollarSize, s.cfg.FeeRate)
		if !fill.Success || fill.TotalShares.IsZero() {
			continue
		}

		trade := Trade{
			ID:         fmt.Sprintf("%s|%s|%s", window.ID, strategyName, v.Label),
			WindowID:   window.ID,
			StrategyID: strategyName,
			Variation:  v.Label,
			TokenID:    sig.TokenID,
			EntrySide:  sideForToken(window, sig.TokenID),
			EntryPrice: fill.VWAPPrice,
			Shares:     fill.TotalShares,
			Cost:       fill.TotalCost,
			Fee:        fill.Fees,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.persistTrade(ctx, trade); err != nil {
			s.logger.Warn("paper trade persistence failed",
				zap.String("windowId", window.ID), zap.String("variation", v.Label), zap.Error(err))
		}
	}
}

func (s *Sweeper) persistTrade(ctx context.Context, t Trade) error {
	_, err := s.store.Run(ctx,
		`INSERT INTO paper_trades (id, window_id, strategy_id, variation, token_id, entry_side, entry_price, shares, cost, fee, settled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.WindowID, t.StrategyID, t.Variation, t.TokenID, string(t.EntrySide),
		t.EntryPrice.String(), t.Shares.String(), t.Cost.String(), t.Fee.String(), false, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert paper trade: %w", err)
	}
	return nil
}

// WindowSettled implements scheduler.SettlementObserver. Every
// unsettled paper trade for window is resolved against
// window.ResolvedSide per spec §4.8: win iff the entry side matches
// the resolved direction, payout is the full share count on a win and
// zero otherwise, netPnL is payout minus cost minus fee.
func (s *Sweeper) WindowSettled(ctx context.Context, window *types.Window) {
	rows, err := s.store.All(ctx, "SELECT * FROM paper_trades WHERE window_id = $1 AND settled = $2", window.ID, false)
	if err != nil {
		s.logger.Warn("settlement lookup failed", zap.String("windowId", window.ID), zap.Error(err))
		return
	}

	for _, row := range rows {
		t, err := tradeFromRow(row)
		if err != nil {
			s.logger.Warn("malformed paper trade row", zap.String("windowId", window.ID), zap.Error(err))
			continue
		}
		s.settleTrade(ctx, t, window.ResolvedSide)
	}
}

func (s *Sweeper) settleTrade(ctx context.Context, t Trade, resolved types.Side) {
	win := t.EntrySide == resolved
	payout := decimal.Zero
	if win {
		payout = t.Shares
	}
	netPnL := payout.Sub(t.Cost).Sub(t.Fee)
	settledAt := time.Now().UTC()

	_, err := s.store.Run(ctx,
		"UPDATE paper_trades SET settled = $1, payout = $2, net_pnl = $3, win = $4, settled_at = $5 WHERE id = $6",
		true, payout.String(), netPnL.String(), win, settledAt, t.ID)
	if err != nil {
		s.logger.Warn("paper trade settlement write failed", zap.String("tradeId", t.ID), zap.Error(err))
		return
	}

	s.logger.Debug("paper trade settled",
		zap.String("tradeId", t.ID), zap.Bool("win", win), zap.String("netPnL", netPnL.String()))
}

func tradeFromRow(row persistence.Row) (Trade, error) {
	id, _ := row["id"].(string)
	windowID, _ := row["window_id"].(string)
	strategyID, _ := row["strategy_id"].(string)
	variation, _ := row["variation"].(string)
	tokenID, _ := row["token_id"].(string)
	entrySide, _ := row["entry_side"].(string)
	if id == "" {
		return Trade{}, fmt.Errorf("papertrader: row missing id")
	}

	entryPrice, err := decimalFromRow(row, "entry_price")
	if err != nil {
		return Trade{}, err
	}
	shares, err := decimalFromRow(row, "shares")
	if err != nil {
		return Trade{}, err
	}
	cost, err := decimalFromRow(row, "cost")
	if err != nil {
		return Trade{}, err
	}
	fee, err := decimalFromRow(row, "fee")
	if err != nil {
		return Trade{}, err
	}

	return Trade{
		ID:         id,
		WindowID:   windowID,
		StrategyID: strategyID,
		Variation:  variation,
		TokenID:    tokenID,
		EntrySide:  types.Side(entrySide),
		EntryPrice: entryPrice,
		Shares:     shares,
		Cost:       cost,
		Fee:        fee,
	}, nil
}

func decimalFromRow(row persistence.Row, col string) (decimal.Decimal, error) {
	v, ok := row[col]
	if !ok {
		return decimal.Zero, fmt.Errorf("papertrader: row missing column %q", col)
	}
	switch val := v.(type) {
	case string:
		return decimal.RequireFromString(val), nil
	case decimal.Decimal:
		return val, nil
	default:
		return decimal.RequireFromString(fmt.Sprintf("%v", val)), nil
	}
}

func sideForToken(window *types.Window, tokenID string) types.Side {
	if tokenID == window.DownTokenID {
		return types.SideDown
	}
	return types.SideUp
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
