package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

type fakeResolver struct {
	question string
}

func (f *fakeResolver) ResolveMarket(ctx context.Context, symbol string, epoch int64) (MarketMetadata, error) {
	return MarketMetadata{
		MarketID:    symbol + "-market",
		UpTokenID:   symbol + "-up",
		DownTokenID: symbol + "-down",
		Question:    f.question,
	}, nil
}

type fakeBooks struct {
	mu          sync.Mutex
	subscribed  []string
	subscribers map[string][]func(types.BookSnapshot)
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{subscribers: make(map[string][]func(types.BookSnapshot))}
}

func (f *fakeBooks) Subscribe(tokenID, symbolLabel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, tokenID)
	return nil
}

func (f *fakeBooks) Unsubscribe(tokenID string) error { return nil }

func (f *fakeBooks) SubscribeUpdates(tokenID string, fn func(types.BookSnapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[tokenID] = append(f.subscribers[tokenID], fn)
	return func() {}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records int
}

func (f *fakeRecorder) Record(tokenID, symbol string, snap types.BookSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
}

type fakeSettler struct {
	resolveAfter int
	attempts     int
	mu           sync.Mutex
}

func (f *fakeSettler) Settle(ctx context.Context, window *types.Window) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.attempts >= f.resolveAfter, nil
}

func TestParseStrikeExtractsAmount(t *testing.T) {
	cases := []struct {
		question string
		want     string
	}{
		{"Will BTC be above $94,500 at 12:15 UTC?", "94500"},
		{"Will ETH be above $3,250.50 at 09:00 UTC?", "3250.50"},
		{"Will SOL be above $142 at close?", "142"},
	}
	for _, c := range cases {
		got, err := ParseStrike(c.question)
		if err != nil {
			t.Fatalf("ParseStrike(%q): %v", c.question, err)
		}
		want, err := decimal.NewFromString(c.want)
		if err != nil {
			t.Fatalf("bad test fixture %q: %v", c.want, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseStrike(%q) = %s, want %s", c.question, got.String(), c.want)
		}
	}
}

func TestParseStrikeNoMatch(t *testing.T) {
	if _, err := ParseStrike("no strike here"); err == nil {
		t.Fatal("expected error for question with no strike")
	}
}

func TestCurrentEpochFloorsTo15Minutes(t *testing.T) {
	tm := time.Date(2026, 8, 1, 12, 7, 33, 0, time.UTC)
	epoch := CurrentEpoch(tm)
	want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Unix()
	if epoch != want {
		t.Fatalf("epoch = %d, want %d", epoch, want)
	}
}

func TestWindowIDFormat(t *testing.T) {
	id := WindowID("BTC", 1700000000)
	if id != "btc-15m-1700000000" {
		t.Fatalf("unexpected window id: %s", id)
	}
}

func TestMaterializeIsIdempotentPerEpoch(t *testing.T) {
	books := newFakeBooks()
	recorder := &fakeRecorder{}
	s := New(DefaultConfig(), Deps{
		Resolver: &fakeResolver{question: "Will BTC be above $50,000 at close?"},
		Books:    books,
		Recorder: recorder,
	}, zap.NewNop())

	epoch := CurrentEpoch(time.Now().UTC())
	if err := s.materialize(context.Background(), "BTC", epoch); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	s.mu.Lock()
	count := len(s.windows)
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 tracked window, got %d", count)
	}

	books.mu.Lock()
	subscribedCount := len(books.subscribed)
	books.mu.Unlock()
	if subscribedCount != 2 {
		t.Fatalf("expected 2 token subscriptions (up/down), got %d", subscribedCount)
	}

	s.mu.Lock()
	tw := s.windows[WindowID("BTC", epoch)]
	s.mu.Unlock()
	if tw.window.ReferencePrice.String() != "50000" {
		t.Fatalf("unexpected reference price: %s", tw.window.ReferencePrice.String())
	}
}

func TestSettlementRetriesOnceThenGivesUp(t *testing.T) {
	settler := &fakeSettler{resolveAfter: 99}
	s := New(Config{
		ScanInterval:       time.Hour,
		SignalOffsetsSec:   nil,
		LatencyProbeBefore: time.Second,
		SettlementDelay:    0,
		SettlementRetry:    10 * time.Millisecond,
	}, Deps{
		Resolver: &fakeResolver{question: "Will BTC be above $50,000 at close?"},
		Books:    newFakeBooks(),
		Settler:  settler,
	}, zap.NewNop())

	window := &types.Window{ID: "btc-15m-1"}
	s.mu.Lock()
	s.windows[window.ID] = &trackedWindow{window: window}
	s.mu.Unlock()

	s.attemptSettlement(context.Background(), window, true)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		settler.mu.Lock()
		attempts := settler.attempts
		settler.mu.Unlock()
		if attempts >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	settler.mu.Lock()
	attempts := settler.attempts
	settler.mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected exactly 2 settlement attempts (initial + one retry), got %d", attempts)
	}

	s.mu.Lock()
	_, stillTracked := s.windows[window.ID]
	s.mu.Unlock()
	if stillTracked {
		t.Fatal("expected window to be cleaned up after giving up")
	}
}
