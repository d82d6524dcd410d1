package positions

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOpenAndGet(t *testing.T) {
	tr := New(zap.NewNop())
	p := NewPosition("pos-1", "btc-15m-1", "strat-a", "up-1", types.SideUp, d("20"), d("0.52"))
	tr.Open(p)

	got, ok := tr.Get("pos-1")
	if !ok {
		t.Fatal("expected to find position")
	}
	if !got.PeakPrice.Equal(d("0.52")) {
		t.Fatalf("expected initial peak == entry, got %s", got.PeakPrice.String())
	}
}

func TestUpdatePricePeakTracksUpwardForUpSide(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Open(NewPosition("pos-1", "w1", "s1", "up-1", types.SideUp, d("20"), d("0.50")))

	tr.UpdatePrice("pos-1", d("0.60"))
	tr.UpdatePrice("pos-1", d("0.55")) // dip should not lower the peak

	p, _ := tr.Get("pos-1")
	if !p.PeakPrice.Equal(d("0.60")) {
		t.Fatalf("expected peak to stay at 0.60, got %s", p.PeakPrice.String())
	}
	if !p.CurrentPrice.Equal(d("0.55")) {
		t.Fatalf("expected current price to track latest update, got %s", p.CurrentPrice.String())
	}
}

func TestUpdatePricePeakIsHighWaterMarkForDownSideToo(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Open(NewPosition("pos-1", "w1", "s1", "down-1", types.SideDown, d("20"), d("0.50")))

	tr.UpdatePrice("pos-1", d("0.60"))
	tr.UpdatePrice("pos-1", d("0.55")) // dip should not lower the peak

	p, _ := tr.Get("pos-1")
	if !p.PeakPrice.Equal(d("0.60")) {
		t.Fatalf("expected peak to stay at 0.60 for a down position, got %s", p.PeakPrice.String())
	}
}

func TestUnrealizedPnLAndPeakPnLPct(t *testing.T) {
	p := NewPosition("pos-1", "w1", "s1", "up-1", types.SideUp, d("10"), d("0.50"))
	p.CurrentPrice = d("0.60")
	p.PeakPrice = d("0.65")

	if !p.UnrealizedPnL().Equal(d("1.00")) {
		t.Fatalf("expected unrealized pnl of 1.00, got %s", p.UnrealizedPnL().String())
	}
	if !p.PeakPnLPct().Equal(d("0.3")) {
		t.Fatalf("expected peak pnl pct of 0.3, got %s", p.PeakPnLPct().String())
	}
}

func TestCloseRemovesFromOpenSet(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Open(NewPosition("pos-1", "w1", "s1", "up-1", types.SideUp, d("10"), d("0.5")))

	closed, ok := tr.Close("pos-1")
	if !ok || closed.ID != "pos-1" {
		t.Fatal("expected to close pos-1")
	}
	if tr.Count() != 0 {
		t.Fatalf("expected 0 open positions after close, got %d", tr.Count())
	}
	if _, ok := tr.Get("pos-1"); ok {
		t.Fatal("expected position to no longer be retrievable")
	}
}

func TestForWindowFiltersByWindow(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Open(NewPosition("pos-1", "w1", "s1", "up-1", types.SideUp, d("10"), d("0.5")))
	tr.Open(NewPosition("pos-2", "w2", "s1", "up-2", types.SideUp, d("10"), d("0.5")))

	got := tr.ForWindow("w1")
	if len(got) != 1 || got[0].ID != "pos-1" {
		t.Fatalf("expected only pos-1 for w1, got %+v", got)
	}
}
