package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dex-trade-feed/internal/storage/memory"
)

func dialHandler(t *testing.T, server *httptest.Server, forwardedFor string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	if forwardedFor != "" {
		header.Set("X-Forwarded-For", forwardedFor)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHandler_SnapshotThenStream(t *testing.T) {
	history := memory.NewTradeHistory(10)
	history.Insert(testTrade("0x1"))
	b := New(history, Config{})

	server := httptest.NewServer(NewWSHandler(b, nil))
	defer server.Close()

	conn := dialHandler(t, server, "10.0.0.1")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot Message
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != MessageTypeSnapshot {
		t.Fatalf("first frame type = %s, want snapshot", snapshot.Type)
	}
	if len(snapshot.Trades) != 1 || snapshot.Trades[0].Hash != "0x1" {
		t.Fatalf("snapshot = %+v, want the history trade", snapshot.Trades)
	}

	b.Publish(testTrade("0x2"))

	var streamed Message
	if err := conn.ReadJSON(&streamed); err != nil {
		t.Fatalf("read streamed trade: %v", err)
	}
	if streamed.Type != MessageTypeTrade || streamed.Trade.Hash != "0x2" {
		t.Fatalf("streamed = %+v, want the published trade", streamed)
	}
}

func TestWSHandler_ThrottledOriginClosed(t *testing.T) {
	history := memory.NewTradeHistory(10)
	b := New(history, Config{Debounce: 5 * time.Second})

	server := httptest.NewServer(NewWSHandler(b, nil))
	defer server.Close()

	first := dialHandler(t, server, "10.0.0.2")
	defer first.Close()

	// The reattach within the debounce window upgrades and then closes.
	second := dialHandler(t, server, "10.0.0.2")
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("throttled connection delivered a frame, want close")
	}

	// A different origin attaches fine.
	other := dialHandler(t, server, "10.0.0.3")
	defer other.Close()
	other.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := other.ReadJSON(&msg); err != nil {
		t.Fatalf("different origin read: %v", err)
	}
	if msg.Type != MessageTypeSnapshot {
		t.Errorf("frame type = %s, want snapshot", msg.Type)
	}
}

func TestWSHandler_DetachOnClientDisconnect(t *testing.T) {
	history := memory.NewTradeHistory(10)
	b := New(history, Config{})

	server := httptest.NewServer(NewWSHandler(b, nil))
	defer server.Close()

	conn := dialHandler(t, server, "10.0.0.4")

	deadline := time.Now().Add(2 * time.Second)
	for b.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after attach", b.Count())
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for b.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Count() != 0 {
		t.Errorf("Count = %d, want 0 after client disconnect", b.Count())
	}
}

func TestClientOrigin(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "192.168.1.5:4242", "", "192.168.1.5"},
		{"forwarded single", "10.0.0.1:80", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
		{"bare remote addr", "192.168.1.5", "", "192.168.1.5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientOrigin(r); got != tc.want {
				t.Errorf("clientOrigin = %s, want %s", got, tc.want)
			}
		})
	}
}
