package papertrader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/composer"
	"github.com/atlas-desktop/windowtrader/internal/persistence"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeProbComponent struct {
	meta composer.Metadata
	prob float64
}

func (f *fakeProbComponent) Metadata() composer.Metadata { return f.meta }
func (f *fakeProbComponent) Evaluate(ctx context.Context, wctx composer.WindowContext, config map[string]interface{}) (composer.EvaluateResult, error) {
	p := f.prob
	return composer.EvaluateResult{Probability: &p}, nil
}
func (f *fakeProbComponent) ValidateConfig(config map[string]interface{}) (bool, []string) {
	return true, nil
}

func buildComposer(t *testing.T, strategyName string, prob float64) *composer.Composer {
	t.Helper()
	registry := composer.NewRegistry()
	comp := &fakeProbComponent{meta: composer.Metadata{Name: strategyName, Version: "1", Type: composer.TypeProbability}, prob: prob}
	if err := registry.Register(comp); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := composer.New(registry, composer.DefaultEdgeConfig(), zap.NewNop())
	if err := c.CreateStrategy(composer.Strategy{
		Name:  strategyName,
		Slots: []composer.SlotBinding{{Slot: "probability", VersionIDs: []string{comp.Metadata().VersionID()}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return c
}

func testWindow() *types.Window {
	return &types.Window{
		ID:             "btc-15m-1",
		Symbol:         "btc",
		UpTokenID:      "up-1",
		DownTokenID:    "down-1",
		ReferencePrice: d("95000"),
		CloseTimeMs:    time.Now().Add(5 * time.Minute).UnixMilli(),
	}
}

func book(bestBid, bestAsk, mid string) types.BookSnapshot {
	return types.BookSnapshot{
		BestBid: d(bestBid),
		BestAsk: d(bestAsk),
		Mid:     d(mid),
		Asks:    []types.OrderBookLevel{{Price: d(bestAsk), Size: d("1000")}},
		Bids:    []types.OrderBookLevel{{Price: d(bestBid), Size: d("1000")}},
	}
}

type fakeSpot struct{ price decimal.Decimal }

func (f *fakeSpot) SpotPrice(symbol string) (decimal.Decimal, bool) { return f.price, true }

type fakeBooks struct {
	mu   sync.Mutex
	byID map[string]types.BookSnapshot
}

func newFakeBooks() *fakeBooks { return &fakeBooks{byID: make(map[string]types.BookSnapshot)} }

func (f *fakeBooks) set(tokenID string, snap types.BookSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[tokenID] = snap
}

func (f *fakeBooks) GetBookSnapshot(tokenID string) (types.BookSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.byID[tokenID]
	return snap, ok
}

func TestVariationAppliesToScopesBySymbolAndOffset(t *testing.T) {
	v := Variation{Label: "small", Symbols: []string{"btc"}, OffsetsSec: []int{60, 30}}

	tests := []struct {
		symbol string
		offset int
		want   bool
	}{
		{"btc", 60, true},
		{"btc", 90, false},
		{"eth", 60, false},
	}
	for _, tc := range tests {
		if got := v.AppliesTo(tc.symbol, tc.offset); got != tc.want {
			t.Errorf("AppliesTo(%q, %d) = %v, want %v", tc.symbol, tc.offset, got, tc.want)
		}
	}
}

func TestVariationAppliesToWithNoScopeMatchesAnything(t *testing.T) {
	v := Variation{Label: "unscoped"}
	if !v.AppliesTo("eth", 10) {
		t.Fatal("expected an unscoped variation to apply to any symbol/offset")
	}
}

func TestVariationShouldFireGatesOnMinEdge(t *testing.T) {
	v := Variation{Label: "small", MinEdge: d("0.10")}

	if v.ShouldFire(types.Signal{Edge: d("0.05")}) {
		t.Fatal("expected a signal below MinEdge not to fire")
	}
	if !v.ShouldFire(types.Signal{Edge: d("0.10")}) {
		t.Fatal("expected a signal exactly at MinEdge to fire")
	}
	if !v.ShouldFire(types.Signal{Edge: d("0.20")}) {
		t.Fatal("expected a signal above MinEdge to fire")
	}
}

func TestEvaluateSignalsPersistsOneTradePerFiringVariation(t *testing.T) {
	comp := buildComposer(t, "default", 0.70) // market mid is 0.51, edge 0.19
	books := newFakeBooks()
	books.set("up-1", book("0.50", "0.52", "0.51"))
	store := persistence.NewMemoryStore()

	sweeper := New(DefaultConfig(), comp, &fakeSpot{price: d("96000")}, books, store,
		[]StrategySpec{{
			Name: "default",
			Variations: []Variation{
				{Label: "small", DollarSize: d("100"), MinEdge: d("0.10")},
				{Label: "large", DollarSize: d("500"), MinEdge: d("0.10")},
				{Label: "never-fires", DollarSize: d("100"), MinEdge: d("0.90")},
			},
		}}, zap.NewNop())

	sweeper.EvaluateSignals(context.Background(), testWindow(), 60)

	rows, err := store.All(context.Background(), "SELECT * FROM paper_trades WHERE window_id = $1 AND settled = $2", "btc-15m-1", false)
	if err != nil {
		t.Fatalf("query paper trades: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 persisted trades (small, large), got %d", len(rows))
	}
}

func TestEvaluateSignalsSkipsStrategiesWithNoSpec(t *testing.T) {
	comp := buildComposer(t, "unconfigured", 0.70)
	books := newFakeBooks()
	books.set("up-1", book("0.50", "0.52", "0.51"))
	store := persistence.NewMemoryStore()

	sweeper := New(DefaultConfig(), comp, &fakeSpot{price: d("96000")}, books, store, nil, zap.NewNop())
	sweeper.EvaluateSignals(context.Background(), testWindow(), 60)

	rows, err := store.All(context.Background(), "SELECT * FROM paper_trades WHERE window_id = $1 AND settled = $2", "btc-15m-1", false)
	if err != nil {
		t.Fatalf("query paper trades: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no trades for a strategy with no configured variations, got %d", len(rows))
	}
}

func TestWindowSettledResolvesWinLossAndNetPnL(t *testing.T) {
	comp := buildComposer(t, "default", 0.70)
	books := newFakeBooks()
	books.set("up-1", book("0.50", "0.52", "0.51"))
	store := persistence.NewMemoryStore()

	sweeper := New(DefaultConfig(), comp, &fakeSpot{price: d("96000")}, books, store,
		[]StrategySpec{{
			Name:       "default",
			Variations: []Variation{{Label: "small", DollarSize: d("100"), MinEdge: d("0.10")}},
		}}, zap.NewNop())

	window := testWindow()
	sweeper.EvaluateSignals(context.Background(), window, 60)

	window.Settled = true
	window.ResolvedSide = types.SideUp // the trade entered UP (window.UpTokenID), so this is a win
	sweeper.WindowSettled(context.Background(), window)

	rows, err := store.All(context.Background(), "SELECT * FROM paper_trades WHERE window_id = $1", window.ID)
	if err != nil {
		t.Fatalf("query paper trades: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(rows))
	}

	row := rows[0]
	if row["settled"] != true {
		t.Fatalf("expected trade to be marked settled, got %v", row["settled"])
	}
	if row["win"] != true {
		t.Fatalf("expected a win, got %v", row["win"])
	}

	shares := d(row["shares"].(string))
	cost := d(row["cost"].(string))
	fee := d(row["fee"].(string))
	payout := d(row["payout"].(string))
	netPnL := d(row["net_pnl"].(string))

	if !payout.Equal(shares) {
		t.Fatalf("expected payout to equal shares on a win, payout=%s shares=%s", payout, shares)
	}
	wantNet := payout.Sub(cost).Sub(fee)
	if !netPnL.Equal(wantNet) {
		t.Fatalf("expected netPnL %s, got %s", wantNet, netPnL)
	}
}

func TestWindowSettledResolvesLossWithZeroPayout(t *testing.T) {
	comp := buildComposer(t, "default", 0.70)
	books := newFakeBooks()
	books.set("up-1", book("0.50", "0.52", "0.51"))
	store := persistence.NewMemoryStore()

	sweeper := New(DefaultConfig(), comp, &fakeSpot{price: d("96000")}, books, store,
		[]StrategySpec{{
			Name:       "default",
			Variations: []Variation{{Label: "small", DollarSize: d("100"), MinEdge: d("0.10")}},
		}}, zap.NewNop())

	window := testWindow()
	sweeper.EvaluateSignals(context.Background(), window, 60)

	window.Settled = true
	window.ResolvedSide = types.SideDown // the trade entered UP, so this resolves as a loss
	sweeper.WindowSettled(context.Background(), window)

	rows, err := store.All(context.Background(), "SELECT * FROM paper_trades WHERE window_id = $1", window.ID)
	if err != nil {
		t.Fatalf("query paper trades: %v", err)
	}
	row := rows[0]
	if row["win"] != false {
		t.Fatalf("expected a loss, got %v", row["win"])
	}

	cost := d(row["cost"].(string))
	fee := d(row["fee"].(string))
	netPnL := d(row["net_pnl"].(string))
	wantNet := decimal.Zero.Sub(cost).Sub(fee)
	if !netPnL.Equal(wantNet) {
		t.Fatalf("expected netPnL %s (payout 0 minus cost minus fee), got %s", wantNet, netPnL)
	}
}
