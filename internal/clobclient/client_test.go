package clobclient

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return New(DefaultConfig(), zap.NewNop())
}

func TestHandleSnapshotBuildsBook(t *testing.T) {
	c := newTestClient(t)
	if err := c.Subscribe("tok-up", "btc"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c.handleMessage([]byte(`{
		"event_type":"book",
		"asset_id":"tok-up",
		"bids":[{"price":"0.50","size":"10"},{"price":"0.49","size":"5"}],
		"asks":[{"price":"0.51","size":"8"},{"price":"0.52","size":"4"}]
	}`))

	snap, ok := c.GetBookSnapshot("tok-up")
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if !snap.BestBid.Equal(decimalMust("0.50")) {
		t.Fatalf("bestBid = %s", snap.BestBid)
	}
	if !snap.BestAsk.Equal(decimalMust("0.51")) {
		t.Fatalf("bestAsk = %s", snap.BestAsk)
	}
}

func TestHandlePriceChangeDeletesZeroSize(t *testing.T) {
	c := newTestClient(t)
	_ = c.Subscribe("tok-up", "btc")

	c.handleMessage([]byte(`{"event_type":"book","asset_id":"tok-up",
		"bids":[{"price":"0.50","size":"10"}],
		"asks":[{"price":"0.51","size":"8"},{"price":"0.52","size":"4"}]}`))

	c.handleMessage([]byte(`{"event_type":"price_change","asset_id":"tok-up",
		"changes":[{"price":"0.51","side":"SELL","size":"0"}]}`))

	snap, _ := c.GetBookSnapshot("tok-up")
	if !snap.BestAsk.Equal(decimalMust("0.52")) {
		t.Fatalf("expected bestAsk 0.52 after delete, got %s", snap.BestAsk)
	}
}

func TestHandleLastTradePriceDoesNotTouchLevels(t *testing.T) {
	c := newTestClient(t)
	_ = c.Subscribe("tok-up", "btc")
	c.handleMessage([]byte(`{"event_type":"book","asset_id":"tok-up",
		"bids":[{"price":"0.50","size":"10"}],"asks":[{"price":"0.51","size":"8"}]}`))

	c.handleMessage([]byte(`{"event_type":"last_trade_price","asset_id":"tok-up","price":"0.505"}`))

	snap, _ := c.GetBookSnapshot("tok-up")
	if !snap.LastTradePrice.Equal(decimalMust("0.505")) {
		t.Fatalf("lastTradePrice = %s", snap.LastTradePrice)
	}
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("expected levels untouched, got %d/%d", len(snap.Bids), len(snap.Asks))
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	c := newTestClient(t)
	_ = c.Subscribe("tok-up", "btc")
	c.handleMessage([]byte(`{"event_type":"something_else","asset_id":"tok-up"}`))
	if _, ok := c.GetBookSnapshot("tok-up"); !ok {
		t.Fatal("expected book to still exist")
	}
}

func TestSubscribeUpdatesNotifiesOnChange(t *testing.T) {
	c := newTestClient(t)
	_ = c.Subscribe("tok-up", "btc")

	received := make(chan types.BookSnapshot, 1)
	cancel := c.SubscribeUpdates("tok-up", func(s types.BookSnapshot) {
		received <- s
	})
	defer cancel()

	c.handleMessage([]byte(`{"event_type":"book","asset_id":"tok-up",
		"bids":[{"price":"0.5","size":"1"}],"asks":[{"price":"0.6","size":"1"}]}`))

	select {
	case s := <-received:
		if !s.BestBid.Equal(decimalMust("0.5")) {
			t.Fatalf("unexpected snapshot: %+v", s)
		}
	default:
		t.Fatal("expected listener to be invoked synchronously")
	}
}

func TestUnsubscribeRemovesBookAndListeners(t *testing.T) {
	c := newTestClient(t)
	_ = c.Subscribe("tok-up", "btc")
	_ = c.Unsubscribe("tok-up")

	if _, ok := c.GetBookSnapshot("tok-up"); ok {
		t.Fatal("expected book removed after unsubscribe")
	}
}

func decimalMust(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}
