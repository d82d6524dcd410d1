package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/api"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server, string) {
	t.Helper()
	logger := zap.NewNop()

	cfg := &types.ServerConfig{
		Host:          "localhost",
		Port:          0,
		WebSocketPath: "/ws",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}

	statePath := filepath.Join(t.TempDir(), "state.json")

	server := api.NewServer(logger, cfg, statePath, nil)
	ts := httptest.NewServer(server.Router())

	return server, ts, statePath
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", result["status"])
	}
}

func TestStateEndpointReportsUnavailableWithoutSnapshot(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/state")
	if err != nil {
		t.Fatalf("state request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when no snapshot has been written yet, got %d", resp.StatusCode)
	}
}

func TestStateEndpointRelaysSnapshotFile(t *testing.T) {
	_, ts, statePath := setupTestServer(t)
	defer ts.Close()

	snapshot := map[string]interface{}{"mode": "paper", "open_position_count": 2}
	data, _ := json.Marshal(snapshot)
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/state")
	if err != nil {
		t.Fatalf("state request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["mode"] != "paper" {
		t.Errorf("expected relayed mode 'paper', got %v", result["mode"])
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	return conn
}

func TestWebSocketSubscriptionReceivesChannelBroadcast(t *testing.T) {
	server, ts, _ := setupTestServer(t)
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.Close()

	sub := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "positions"}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	// Give the hub's register/subscribe round trip time to land before
	// the broadcast is published.
	time.Sleep(50 * time.Millisecond)

	pos := &types.Position{ID: "pos-1", TokenID: "tok-up"}
	server.Hub().BroadcastPositionUpdate(pos)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read position update: %v", err)
	}
	if msg.Type != api.MsgTypePositionUpdate {
		t.Errorf("expected position_update, got %q", msg.Type)
	}

	var decoded types.Position
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("failed to decode position payload: %v", err)
	}
	if decoded.ID != "pos-1" {
		t.Errorf("expected position id pos-1, got %q", decoded.ID)
	}
}

func TestWebSocketUnsubscribeStopsChannelDelivery(t *testing.T) {
	server, ts, _ := setupTestServer(t)
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.Close()

	for _, m := range []api.WSMessage{
		{Type: api.MsgTypeSubscribe, Channel: "signals"},
		{Type: api.MsgTypeUnsubscribe, Channel: "signals"},
	} {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("failed to send %s: %v", m.Type, err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	server.Hub().BroadcastSignalUpdate(&types.Signal{ID: "sig-1", WindowID: "win-1"})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg api.WSMessage
	err := conn.ReadJSON(&msg)
	if err == nil {
		t.Fatalf("expected no message after unsubscribe, got %+v", msg)
	}
}

func TestConcurrentWebSocketConnectionsEachRegister(t *testing.T) {
	server, ts, _ := setupTestServer(t)
	defer ts.Close()

	const n = 5
	conns := make([]*websocket.Conn, n)
	for i := 0; i < n; i++ {
		conns[i] = dialWS(t, ts)
		defer conns[i].Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Hub().ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d registered clients, got %d", n, server.Hub().ClientCount())
}
