package composer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

type fakeProbComponent struct {
	meta Metadata
	prob float64
}

func (f *fakeProbComponent) Metadata() Metadata { return f.meta }
func (f *fakeProbComponent) Evaluate(ctx context.Context, wctx WindowContext, config map[string]interface{}) (EvaluateResult, error) {
	p := f.prob
	return EvaluateResult{Probability: &p}, nil
}
func (f *fakeProbComponent) ValidateConfig(config map[string]interface{}) (bool, []string) {
	return true, nil
}

func newRegistryWithProb(name, version string, prob float64) (*Registry, string) {
	r := NewRegistry()
	comp := &fakeProbComponent{meta: Metadata{Name: name, Version: version, Type: TypeProbability}, prob: prob}
	_ = r.Register(comp)
	return r, comp.Metadata().VersionID()
}

func testWindow(id string) *types.Window {
	return &types.Window{
		ID:             id,
		Symbol:         "btc",
		UpTokenID:      "up-1",
		DownTokenID:    "down-1",
		ReferencePrice: decimal.RequireFromString("94500"),
		CloseTimeMs:    time.Now().Add(5 * time.Minute).UnixMilli(),
	}
}

func TestCreateStrategyRejectsTypeMismatch(t *testing.T) {
	r, vid := newRegistryWithProb("bs", "1", 0.7)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())

	err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "entry", VersionIDs: []string{vid}}}, // wrong slot for a probability component
	})
	if err == nil {
		t.Fatal("expected type-mismatch error")
	}
}

func TestExecuteEmitsSignalWhenEdgeAboveThreshold(t *testing.T) {
	r, vid := newRegistryWithProb("bs", "1", 0.70)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())

	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vid}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	window := testWindow("btc-15m-1")
	wctx := WindowContext{
		OraclePrice:    decimal.RequireFromString("95500"),
		ReferencePrice: window.ReferencePrice,
		MarketPrice:    decimal.RequireFromString("0.52"),
		TimeToExpiry:   5 * time.Minute,
		Symbol:         "btc",
		WindowID:       window.ID,
		TokenIDUp:      window.UpTokenID,
		TokenIDDown:    window.DownTokenID,
	}

	signals, err := c.Execute(context.Background(), "s1", window, wctx, types.MarketContext{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	if signals[0].TokenID != window.UpTokenID {
		t.Fatalf("expected up token as signal token, got %s", signals[0].TokenID)
	}
	if signals[0].Direction != "long" {
		t.Fatalf("expected long direction, got %s", signals[0].Direction)
	}
}

func TestExecuteRejectsSuspiciousEdge(t *testing.T) {
	r, vid := newRegistryWithProb("bs", "1", 0.95)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())

	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vid}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	window := testWindow("btc-15m-2")
	wctx := WindowContext{MarketPrice: decimal.RequireFromString("0.10"), WindowID: window.ID}

	signals, err := c.Execute(context.Background(), "s1", window, wctx, types.MarketContext{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected suspicious edge (0.85) to be rejected, got %d signals", len(signals))
	}
}

func TestExecuteNoSignalWhenEdgeBelowMinimum(t *testing.T) {
	r, vid := newRegistryWithProb("bs", "1", 0.60)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())
	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vid}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	window := testWindow("btc-15m-3")
	wctx := WindowContext{MarketPrice: decimal.RequireFromString("0.85"), WindowID: window.ID} // edge = -0.25

	signals, err := c.Execute(context.Background(), "s1", window, wctx, types.MarketContext{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected no signal for negative edge, got %d", len(signals))
	}
}

func TestExecuteSkipsWindowWithoutReferencePrice(t *testing.T) {
	r, vid := newRegistryWithProb("bs", "1", 0.70)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())
	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vid}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	window := testWindow("btc-15m-4")
	window.ReferencePrice = decimal.Zero

	signals, err := c.Execute(context.Background(), "s1", window, WindowContext{}, types.MarketContext{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if signals != nil {
		t.Fatalf("expected nil signals for window without reference price, got %v", signals)
	}
}

func TestEstimateEdgeBypassesMinEdgeGate(t *testing.T) {
	r, vid := newRegistryWithProb("bs", "1", 0.55)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())
	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vid}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	wctx := WindowContext{MarketPrice: decimal.RequireFromString("0.52")}
	edge, err := c.EstimateEdge(context.Background(), "s1", wctx)
	if err != nil {
		t.Fatalf("estimate edge: %v", err)
	}
	if edge <= 0 || edge >= DefaultEdgeConfig().MinEdge {
		t.Fatalf("expected a small positive edge below the entry gate, got %v", edge)
	}
}

func TestUpgradePreviewAndApply(t *testing.T) {
	r, vidOld := newRegistryWithProb("bs", "1", 0.70)
	compNew := &fakeProbComponent{meta: Metadata{Name: "bs", Version: "2", Type: TypeProbability}, prob: 0.72}
	_ = r.Register(compNew)
	vidNew := compNew.Metadata().VersionID()

	c := New(r, DefaultEdgeConfig(), zap.NewNop())
	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vidOld}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	diff, err := c.PreviewUpgrade("s1", "probability", vidNew)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !diff.Valid {
		t.Fatalf("expected valid preview, got errors: %v", diff.Errors)
	}

	if err := c.Upgrade("s1", "probability", vidNew); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	strategy, _ := c.Get("s1")
	if strategy.Slots[0].VersionIDs[0] != vidNew {
		t.Fatalf("expected slot to be upgraded to %s, got %s", vidNew, strategy.Slots[0].VersionIDs[0])
	}
}

func TestBatchUpgradeContinuesPastFailures(t *testing.T) {
	r, vidOld := newRegistryWithProb("bs", "1", 0.70)
	c := New(r, DefaultEdgeConfig(), zap.NewNop())
	if err := c.CreateStrategy(Strategy{
		Name:  "s1",
		Slots: []SlotBinding{{Slot: "probability", VersionIDs: []string{vidOld}}},
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	results := c.BatchUpgrade([]BatchUpgradeItem{
		{Strategy: "s1", Slot: "probability", NewVersionID: "does-not-exist"},
		{Strategy: "s1", Slot: "probability", NewVersionID: vidOld},
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Error == nil {
		t.Fatal("expected first item to fail")
	}
	if results[1].Error != nil {
		t.Fatalf("expected second item to succeed, got %v", results[1].Error)
	}
}
