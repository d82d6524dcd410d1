// Package clobclient maintains a live per-token L2 order book sourced
// from a single persistent CLOB WebSocket connection: snapshot
// ("book"), delta ("price_change"), and last-trade-price frames.
//
// Connection lifecycle, reconnect backoff, and the read-loop/callback
// dispatch shape are grounded on the Binance market-data client this
// engine's teacher codebase carries; the wire protocol and staleness
// contract are this engine's own (snapshot/delta CLOB frames rather
// than Binance ticker/depth/kline streams).
package clobclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/clobbook"
	"github.com/atlas-desktop/windowtrader/internal/scheduler"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

var _ scheduler.BookClient = (*Client)(nil)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config configures the CLOB WebSocket client.
type Config struct {
	URL                   string
	ConnectionTimeout     time.Duration
	ReconnectInterval     time.Duration
	MaxReconnectInterval  time.Duration
	StaleThreshold        time.Duration
	StaleWarningInterval  time.Duration
	MaxMessageSizeBytes   int64
}

// DefaultConfig returns the defaults named in the spec.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout:    10 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		StaleThreshold:       10 * time.Second,
		StaleWarningInterval: 60 * time.Second,
		MaxMessageSizeBytes:  1 << 20,
	}
}

// Listener receives a fresh snapshot whenever a token's book changes.
type Listener func(types.BookSnapshot)

// Client is the CLOB Book Client: subscribe/unsubscribe/getBook/
// getBookSnapshot/subscribeUpdates/getState.
type Client struct {
	cfg    Config
	logger *zap.Logger
	books  *clobbook.Manager

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu   sync.RWMutex
	symbols map[string]string // tokenID -> symbol label

	listenerMu sync.Mutex
	listeners  map[string][]listenerEntry
	nextListID uint64

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	staleMu    sync.Mutex
	staleWarns map[string]time.Time

	parseErrors errorCounter

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// errorCounter implements the "first 5, then every 100" rate-limited
// logging policy from the failure-semantics section of the spec.
type errorCounter struct {
	mu    sync.Mutex
	count int64
}

func (c *errorCounter) shouldLog() (bool, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count <= 5 || c.count%100 == 0 {
		return true, c.count
	}
	return false, c.count
}

// New creates a CLOB Book Client. Call Start to connect.
func New(cfg Config, logger *zap.Logger) *Client {
	c := &Client{
		cfg:        cfg,
		logger:     logger.Named("clobclient"),
		books:      clobbook.NewManager(),
		symbols:    make(map[string]string),
		listeners:  make(map[string][]listenerEntry),
		staleWarns: make(map[string]time.Time),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// GetState returns the current connection state.
func (c *Client) GetState() State {
	return State(c.state.Load())
}

// GetBook returns the live book for a token, or nil if not subscribed.
func (c *Client) GetBook(tokenID string) *clobbook.Book {
	return c.books.Get(tokenID)
}

// GetBookSnapshot returns the derived snapshot for a token, or
// (zero, false) if not subscribed.
func (c *Client) GetBookSnapshot(tokenID string) (types.BookSnapshot, bool) {
	b := c.books.Get(tokenID)
	if b == nil {
		return types.BookSnapshot{}, false
	}
	return b.Snapshot(), true
}

// SubscribeUpdates registers a listener invoked after every mutation
// to a token's book. Returns a cancel function. The parameter is the
// plain unnamed function type (not Listener) so *Client satisfies
// scheduler.BookClient's identical method signature.
func (c *Client) SubscribeUpdates(tokenID string, fn func(types.BookSnapshot)) func() {
	c.listenerMu.Lock()
	id := c.nextListID
	c.nextListID++
	c.listeners[tokenID] = append(c.listeners[tokenID], listenerEntry{id: id, fn: Listener(fn)})
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		entries := c.listeners[tokenID]
		for i, e := range entries {
			if e.id == id {
				c.listeners[tokenID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Subscribe adds a token to the tracked set, creating its book and
// sending the updated subscription frame if already connected.
func (c *Client) Subscribe(tokenID, symbolLabel string) error {
	c.subMu.Lock()
	if _, ok := c.symbols[tokenID]; ok {
		c.subMu.Unlock()
		return nil
	}
	c.symbols[tokenID] = symbolLabel
	c.subMu.Unlock()

	c.books.GetOrCreate(tokenID, symbolLabel)

	if c.GetState() == StateConnected {
		return c.sendSubscriptionFrame()
	}
	return nil
}

// Unsubscribe removes a token and destroys its book.
func (c *Client) Unsubscribe(tokenID string) error {
	c.subMu.Lock()
	if _, ok := c.symbols[tokenID]; !ok {
		c.subMu.Unlock()
		return nil
	}
	delete(c.symbols, tokenID)
	c.subMu.Unlock()

	c.books.Remove(tokenID)

	c.listenerMu.Lock()
	delete(c.listeners, tokenID)
	c.listenerMu.Unlock()

	if c.GetState() == StateConnected {
		return c.sendSubscriptionFrame()
	}
	return nil
}

func (c *Client) subscribedTokenIDs() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	ids := make([]string, 0, len(c.symbols))
	for id := range c.symbols {
		ids = append(ids, id)
	}
	return ids
}

type subscriptionFrame struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

func (c *Client) sendSubscriptionFrame() error {
	frame := subscriptionFrame{Type: "market", AssetsIDs: c.subscribedTokenIDs()}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("clobclient: not connected")
	}
	return c.conn.WriteJSON(frame)
}

// Start connects and launches the read/reconnect/staleness loops.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		c.logger.Warn("initial connect failed, will retry", zap.Error(err))
	}

	c.wg.Add(2)
	go c.reconnectLoop()
	go c.stalenessLoop()

	return nil
}

// Shutdown is idempotent: cancels loops, closes the socket with code
// 1000, and clears all books and subscriptions.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		c.state.Store(int32(StateDisconnected))

		c.wg.Wait()

		c.subMu.Lock()
		c.symbols = make(map[string]string)
		c.subMu.Unlock()
		for _, id := range c.books.Tokens() {
			c.books.Remove(id)
		}
	})
}

func (c *Client) connect() error {
	c.state.Store(int32(StateConnecting))

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("clobclient: invalid url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectionTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("clobclient: dial failed: %w", err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSizeBytes)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.state.Store(int32(StateConnected))

	if len(c.subscribedTokenIDs()) > 0 {
		if err := c.sendSubscriptionFrame(); err != nil {
			c.logger.Warn("failed to resend subscription frame", zap.Error(err))
		}
	}

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.connMu.Unlock()

			select {
			case <-c.ctx.Done():
				return
			default:
			}

			c.state.Store(int32(StateReconnecting))
			c.logger.Warn("websocket read error, will reconnect", zap.Error(err))
			return
		}

		if int64(len(message)) > c.cfg.MaxMessageSizeBytes {
			c.logger.Warn("dropped oversize message", zap.Int("bytes", len(message)))
			continue
		}

		c.handleMessage(message)
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	delay := c.cfg.ReconnectInterval

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.GetState() == StateConnected || c.GetState() == StateConnecting {
				continue
			}

			c.logger.Info("attempting clobclient reconnect", zap.Duration("delay", delay))
			if err := c.connect(); err != nil {
				c.logger.Error("reconnect failed", zap.Error(err))
				time.Sleep(delay)
				delay *= 2
				if delay > c.cfg.MaxReconnectInterval {
					delay = c.cfg.MaxReconnectInterval
				}
				continue
			}
			delay = c.cfg.ReconnectInterval
		}
	}
}

func (c *Client) stalenessLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkStaleness()
		}
	}
}

func (c *Client) checkStaleness() {
	now := time.Now()
	for _, tokenID := range c.books.Tokens() {
		book := c.books.Get(tokenID)
		if book == nil {
			continue
		}
		last := book.LastUpdateAt()
		if last.IsZero() {
			continue
		}
		if now.Sub(last) <= c.cfg.StaleThreshold {
			continue
		}

		c.staleMu.Lock()
		lastWarn, warned := c.staleWarns[tokenID]
		if warned && now.Sub(lastWarn) < c.cfg.StaleWarningInterval {
			c.staleMu.Unlock()
			continue
		}
		c.staleWarns[tokenID] = now
		c.staleMu.Unlock()

		c.logger.Warn("book stale",
			zap.String("tokenId", tokenID),
			zap.Duration("age", now.Sub(last)))
	}
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

type wireMessage struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Bids      []wireLevel  `json:"bids"`
	Asks      []wireLevel  `json:"asks"`
	Changes   []wireChange `json:"changes"`
	Price     string       `json:"price"`
}

func (c *Client) handleMessage(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if ok, n := c.parseErrors.shouldLog(); ok {
			c.logger.Error("failed to parse clob message", zap.Error(err), zap.Int64("total", n))
		}
		return
	}

	switch msg.EventType {
	case "book":
		c.handleSnapshot(msg)
	case "price_change":
		c.handlePriceChange(msg)
	case "last_trade_price":
		c.handleLastTradePrice(msg)
	default:
		// ignore unknown event types
	}
}

func (c *Client) handleSnapshot(msg wireMessage) {
	book := c.books.Get(msg.AssetID)
	if book == nil {
		return
	}
	book.ApplySnapshot(toClobbookLevels(msg.Bids), toClobbookLevels(msg.Asks))
	c.notify(msg.AssetID)
}

func (c *Client) handlePriceChange(msg wireMessage) {
	book := c.books.Get(msg.AssetID)
	if book == nil {
		return
	}
	for _, ch := range msg.Changes {
		price, err := decimal.NewFromString(ch.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(ch.Size)
		if err != nil {
			continue
		}
		side := types.BookSideBuy
		if ch.Side == "SELL" {
			side = types.BookSideSell
		}
		book.ApplyDelta(side, price, size)
	}
	c.notify(msg.AssetID)
}

func (c *Client) handleLastTradePrice(msg wireMessage) {
	book := c.books.Get(msg.AssetID)
	if book == nil {
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	book.UpdateLastTradePrice(price)
	c.notify(msg.AssetID)
}

func (c *Client) notify(tokenID string) {
	book := c.books.Get(tokenID)
	if book == nil {
		return
	}
	snap := book.Snapshot()

	c.listenerMu.Lock()
	entries := append([]listenerEntry(nil), c.listeners[tokenID]...)
	c.listenerMu.Unlock()

	for _, e := range entries {
		c.safeInvoke(e.fn, snap)
	}
}

// safeInvoke isolates a listener panic so one bad subscriber callback
// cannot poison the read loop.
func (c *Client) safeInvoke(fn Listener, snap types.BookSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("book update listener panicked", zap.Any("recover", r))
		}
	}()
	fn(snap)
}

func toClobbookLevels(in []wireLevel) []clobbook.Level {
	out := make([]clobbook.Level, 0, len(in))
	for _, lv := range in {
		price, err := decimal.NewFromString(lv.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lv.Size)
		if err != nil {
			continue
		}
		out = append(out, clobbook.Level{Price: price, Size: size})
	}
	return out
}
