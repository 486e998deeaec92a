package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startWSFixture(t *testing.T, token string) (*serverFixture, string) {
	t.Helper()
	f := newTestServer(token, nil)
	go f.server.hub.Run(f.server.stopHub)

	srv := httptest.NewServer(f.server.router)
	t.Cleanup(func() {
		srv.Close()
		close(f.server.stopHub)
	})
	return f, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

// TestWebSocketInitialState tests the snapshot pushed to a fresh
// client when auth is disabled.
func TestWebSocketInitialState(t *testing.T) {
	f, url := startWSFixture(t, "")
	f.bridge.InitializeCoins([]string{"BTCUSDT"})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame["type"] != "initial_state" {
		t.Fatalf("Expected initial_state, got %v", frame["type"])
	}
	data, _ := frame["data"].(map[string]interface{})
	for _, key := range []string{"stats", "coins", "signals", "order_flow"} {
		if _, ok := data[key]; !ok {
			t.Errorf("Expected %s in the initial state", key)
		}
	}
	if _, err := time.Parse(time.RFC3339, frame["timestamp"].(string)); err != nil {
		t.Errorf("Expected an RFC3339 timestamp, got %v", frame["timestamp"])
	}
}

// TestWebSocketAuthAccepted tests the auth-frame handshake and a
// subsequent broadcast.
func TestWebSocketAuthAccepted(t *testing.T) {
	f, url := startWSFixture(t, "secret-token")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": "secret-token"}); err != nil {
		t.Fatalf("Failed to send auth frame: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "initial_state" {
		t.Fatalf("Expected initial_state after auth, got %v", frame["type"])
	}
	if f.server.hub.ClientCount() != 1 {
		t.Errorf("Expected 1 registered client, got %d", f.server.hub.ClientCount())
	}

	f.server.hub.Broadcast("stats_update", map[string]interface{}{"frames": 42})
	frame = readFrame(t, conn)
	if frame["type"] != "stats_update" {
		t.Errorf("Expected the broadcast frame, got %v", frame["type"])
	}
}

// TestWebSocketAuthRejected tests the 4003 close on a bad token.
func TestWebSocketAuthRejected(t *testing.T) {
	_, url := startWSFixture(t, "secret-token")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": "wrong"}); err != nil {
		t.Fatalf("Failed to send auth frame: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("Expected an error frame, got %v", frame)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, 4003) {
		t.Errorf("Expected close code 4003, got %v", err)
	}
}
