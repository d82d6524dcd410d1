package pricefeeds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestPollAggregatorStoresReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"bitcoin": map[string]interface{}{"usd": 95500.12, "last_updated_at": 1700000000},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.AggregatorBaseURL = srv.URL
	cfg.RequestsPerSecond = 100

	svc := New(cfg, CoinIDs{"btc": "bitcoin"}, zap.NewNop())
	svc.pollAggregator(context.Background(), []string{"btc"})

	reading, ok := svc.Get("btc", SourceAggregator)
	if !ok {
		t.Fatal("expected aggregator reading to be cached")
	}
	if !reading.Price.Equal(decimal.NewFromFloat(95500.12)) {
		t.Fatalf("price = %s", reading.Price)
	}
}

func TestPollAggregatorNon200KeepsPreviousValue(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"bitcoin": map[string]interface{}{"usd": 100.0, "last_updated_at": 1},
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.AggregatorBaseURL = srv.URL
	cfg.RequestsPerSecond = 100

	svc := New(cfg, CoinIDs{"btc": "bitcoin"}, zap.NewNop())
	svc.pollAggregator(context.Background(), []string{"btc"})
	svc.pollAggregator(context.Background(), []string{"btc"})

	reading, ok := svc.Get("btc", SourceAggregator)
	if !ok || !reading.Price.Equal(decimal.NewFromFloat(100.0)) {
		t.Fatalf("expected cache to retain previous value, got %+v ok=%v", reading, ok)
	}
}

func TestOracleHistorySinceFiltersOldReadings(t *testing.T) {
	svc := New(DefaultConfig(), nil, zap.NewNop())
	now := time.Now()
	svc.appendOracleHistory("btc", Reading{Price: decimal.NewFromInt(100), ObservedAt: now.Add(-time.Hour)})
	svc.appendOracleHistory("btc", Reading{Price: decimal.NewFromInt(101), ObservedAt: now})

	recent := svc.OracleHistorySince("btc", now.Add(-time.Minute))
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent reading, got %d", len(recent))
	}
}

func TestOpenPricesAveragesTrailingOracleReadings(t *testing.T) {
	svc := New(DefaultConfig(), nil, zap.NewNop())
	now := time.Now()
	svc.store("btc", SourceComposite, Reading{Price: decimal.NewFromInt(100)})
	svc.store("btc", SourceAggregator, Reading{Price: decimal.NewFromInt(101)})
	svc.appendOracleHistory("btc", Reading{Price: decimal.NewFromInt(98), ObservedAt: now.Add(-5 * time.Second)})
	svc.appendOracleHistory("btc", Reading{Price: decimal.NewFromInt(102), ObservedAt: now})

	open, err := svc.OpenPrices(context.Background(), "btc", now)
	if err != nil {
		t.Fatalf("open prices: %v", err)
	}
	if !open.Composite.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("composite = %s", open.Composite)
	}
	if !open.Aggregator.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("aggregator = %s", open.Aggregator)
	}
	if !open.VWAP20.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected vwap20 averaged to 100, got %s", open.VWAP20)
	}
}

func TestOpenPricesWithNoOracleHistoryReturnsZeroVWAP(t *testing.T) {
	svc := New(DefaultConfig(), nil, zap.NewNop())

	open, err := svc.OpenPrices(context.Background(), "eth", time.Now())
	if err != nil {
		t.Fatalf("open prices: %v", err)
	}
	if !open.VWAP20.IsZero() {
		t.Fatalf("expected zero vwap20 with no history, got %s", open.VWAP20)
	}
}

func TestCompositeAndOracleInjectedSources(t *testing.T) {
	svc := New(DefaultConfig(), nil, zap.NewNop())
	svc.SetCompositeSource(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.NewFromInt(42), nil
	})
	svc.SetOracleSource(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.NewFromInt(43), nil
	})

	svc.pollOnce(context.Background(), []string{"btc"})

	composite, ok := svc.Get("btc", SourceComposite)
	if !ok || !composite.Price.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("composite = %+v ok=%v", composite, ok)
	}
	oracle, ok := svc.Get("btc", SourceOracle)
	if !ok || !oracle.Price.Equal(decimal.NewFromInt(43)) {
		t.Fatalf("oracle = %+v ok=%v", oracle, ok)
	}
}
