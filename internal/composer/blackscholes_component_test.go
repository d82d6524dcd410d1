package composer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/probability"
)

type fakeHistoryReader struct{}

func (fakeHistoryReader) History(symbol string, since time.Time) []probability.PriceObservation {
	return nil
}

func TestBlackScholesComponentEvaluateProducesProbability(t *testing.T) {
	volCache := probability.NewVolatilityCache(probability.DefaultVolatilityConfig(), fakeHistoryReader{}, zap.NewNop())
	model := probability.NewModel(volCache, zap.NewNop())
	comp := NewBlackScholesComponent("1", model)

	if comp.Metadata().VersionID() != "prob-black-scholes-v1" {
		t.Fatalf("unexpected versionId: %s", comp.Metadata().VersionID())
	}

	wctx := WindowContext{
		OraclePrice:    decimal.RequireFromString("95500"),
		ReferencePrice: decimal.RequireFromString("94500"),
		TimeToExpiry:   5 * time.Minute,
		Symbol:         "btc",
	}

	result, err := comp.Evaluate(context.Background(), wctx, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Probability == nil {
		t.Fatal("expected a probability, got nil")
	}
	if *result.Probability <= 0.5 {
		t.Fatalf("expected p_up > 0.5 for spot above strike, got %v", *result.Probability)
	}
	if _, ok := result.Extra["sigma"]; !ok {
		t.Fatal("expected sigma in extras")
	}
}

func TestBlackScholesComponentValidateConfigAlwaysAccepts(t *testing.T) {
	comp := NewBlackScholesComponent("1", probability.NewModel(
		probability.NewVolatilityCache(probability.DefaultVolatilityConfig(), fakeHistoryReader{}, zap.NewNop()),
		zap.NewNop(),
	))
	if valid, errs := comp.ValidateConfig(map[string]interface{}{"anything": 1}); !valid || errs != nil {
		t.Fatalf("expected always-valid config, got valid=%v errs=%v", valid, errs)
	}
}
