// Package api provides the HTTP and WebSocket presentation layer: a
// thin liveness/state surface and a pub-sub hub that rebroadcasts
// engine events to connected dashboards.
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// MessageType identifies the shape of a WSMessage's payload.
type MessageType string

const (
	// Server -> client.
	MsgTypePositionUpdate MessageType = "position_update"
	MsgTypeSignalUpdate   MessageType = "signal_update"
	MsgTypeWindowSettled  MessageType = "window_settled"
	MsgTypeBreakerAlert   MessageType = "breaker_alert"
	MsgTypeHeartbeat      MessageType = "heartbeat"

	// Client -> server.
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// WSMessage is the envelope for every message exchanged over the hub.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one connected WebSocket subscriber.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans engine events out to subscribed clients. Channels follow a
// "topic" or "topic:symbol" convention (e.g. "positions",
// "positions:btc") so a dashboard can narrow what it listens to.
type Hub struct {
	logger     *zap.Logger
	metrics    *Metrics
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	mu         sync.RWMutex
}

// NewHub creates a hub. metrics may be nil, in which case broadcasts
// are not counted.
func NewHub(logger *zap.Logger, metrics *Metrics) *Hub {
	return &Hub{
		logger:     logger,
		metrics:    metrics,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
	}
}

// Run drives the hub's registration/broadcast loop until ctx done
// would be handled by the caller closing register/unregister channels
// is not supported; callers stop the hub by simply abandoning it at
// process shutdown, matching the teacher's fire-and-forget Run.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.setClientGauge()
			h.logger.Debug("client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for channel := range client.subscriptions {
					if clients, ok := h.channels[channel]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()
			h.setClientGauge()
			h.logger.Debug("client unregistered", zap.String("id", client.id))

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) setClientGauge() {
	if h.metrics == nil {
		return
	}
	h.metrics.wsClients.Set(float64(h.ClientCount()))
}

func (h *Hub) sendHeartbeat() {
	msg := WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Subscribe adds client to channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()
}

// Unsubscribe removes client from channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// PublishToChannel sends data to clients subscribed to channel only.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal channel payload failed", zap.Error(err))
		return
	}
	msg := WSMessage{Type: msgType, Channel: channel, Data: dataBytes, Timestamp: time.Now().UnixMilli()}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal channel message failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.channels[channel]; ok {
		for client := range clients {
			select {
			case client.send <- msgBytes:
			default:
			}
		}
	}
}

// Broadcast sends data to every connected client regardless of
// subscriptions.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal broadcast payload failed", zap.Error(err))
		return
	}
	msg := WSMessage{Type: msgType, Data: dataBytes, Timestamp: time.Now().UnixMilli()}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast message failed", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- msgBytes:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastPositionUpdate publishes an open/closed/mark-to-market
// change for a position, both globally and on its token's channel.
func (h *Hub) BroadcastPositionUpdate(pos *types.Position) {
	h.PublishToChannel("positions", MsgTypePositionUpdate, pos)
	h.PublishToChannel("positions:"+pos.TokenID, MsgTypePositionUpdate, pos)
	if h.metrics != nil {
		h.metrics.positionUpdatesTotal.Inc()
	}
}

// BroadcastSignalUpdate publishes a newly generated entry signal.
func (h *Hub) BroadcastSignalUpdate(sig *types.Signal) {
	h.PublishToChannel("signals", MsgTypeSignalUpdate, sig)
	h.PublishToChannel("signals:"+sig.WindowID, MsgTypeSignalUpdate, sig)
	if h.metrics != nil {
		h.metrics.signalsTotal.Inc()
	}
}

// BroadcastWindowSettled publishes a resolved window.
func (h *Hub) BroadcastWindowSettled(w *types.Window) {
	h.PublishToChannel("windows", MsgTypeWindowSettled, w)
	h.PublishToChannel("windows:"+w.Symbol, MsgTypeWindowSettled, w)
	if h.metrics != nil {
		h.metrics.windowsSettledTotal.Inc()
	}
}

// BreakerAlert is the payload broadcast whenever the breaker trips or
// resets.
type BreakerAlert struct {
	Halted bool      `json:"halted"`
	Reason string    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
}

// BroadcastBreakerAlert publishes a circuit breaker state change.
func (h *Hub) BroadcastBreakerAlert(alert BreakerAlert) {
	h.Broadcast(MsgTypeBreakerAlert, alert)
	if h.metrics != nil && alert.Halted {
		h.metrics.breakerHaltsTotal.Inc()
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient wraps conn in a hub-managed Client.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump pumps subscribe/unsubscribe commands from the socket into
// the hub. It must run in its own goroutine; it returns when the
// connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		}
	}
}

// WritePump pumps hub-delivered messages out to the socket, batching
// anything else already queued and pinging on idle.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
