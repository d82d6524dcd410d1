package verifier

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/positions"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

type fakeExchange struct {
	positions []ExchangePosition
	err       error
}

func (f *fakeExchange) ListPositions(ctx context.Context) ([]ExchangePosition, error) {
	return f.positions, f.err
}

func TestVerifyReportsMissingLocalPosition(t *testing.T) {
	tracker := positions.New(zap.NewNop())
	tracker.Open(positions.NewPosition("pos-1", "w1", "s1", "tok-1", types.SideUp, decimal.NewFromInt(10), decimal.NewFromFloat(0.5)))

	ex := &fakeExchange{} // exchange reports nothing
	v := New(ex, zap.NewNop())

	report, err := v.Verify(context.Background(), tracker)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.HasMissing() || len(report.Missing) != 1 || report.Missing[0] != "pos-1" {
		t.Fatalf("expected pos-1 to be reported missing, got %+v", report)
	}
}

func TestVerifyReportsOrphanExchangePosition(t *testing.T) {
	tracker := positions.New(zap.NewNop())

	ex := &fakeExchange{positions: []ExchangePosition{{TokenID: "tok-1"}}}
	v := New(ex, zap.NewNop())

	report, err := v.Verify(context.Background(), tracker)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.HasMissing() {
		t.Fatal("did not expect any missing positions")
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != "tok-1" {
		t.Fatalf("expected tok-1 to be reported orphaned, got %+v", report)
	}
}

func TestVerifyCleanWhenMatched(t *testing.T) {
	tracker := positions.New(zap.NewNop())
	tracker.Open(positions.NewPosition("pos-1", "w1", "s1", "tok-1", types.SideUp, decimal.NewFromInt(10), decimal.NewFromFloat(0.5)))

	ex := &fakeExchange{positions: []ExchangePosition{{TokenID: "tok-1"}}}
	v := New(ex, zap.NewNop())

	report, err := v.Verify(context.Background(), tracker)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.HasMissing() || len(report.Orphans) != 0 {
		t.Fatalf("expected a clean report, got %+v", report)
	}
}

func TestVerifyNilExchangeIsNoOp(t *testing.T) {
	tracker := positions.New(zap.NewNop())
	tracker.Open(positions.NewPosition("pos-1", "w1", "s1", "tok-1", types.SideUp, decimal.NewFromInt(10), decimal.NewFromFloat(0.5)))

	v := New(nil, zap.NewNop())
	report, err := v.Verify(context.Background(), tracker)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.HasMissing() || len(report.Orphans) != 0 {
		t.Fatalf("expected no-op report in PAPER mode, got %+v", report)
	}
}
