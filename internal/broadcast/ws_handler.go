package broadcast

import (
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dex-trade-feed/internal/observability"
)

// WSHandler bridges the broadcaster to websocket subscriber connections.
type WSHandler struct {
	broadcaster  *Broadcaster
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *log.Logger
}

// NewWSHandler creates the subscriber websocket handler.
func NewWSHandler(b *Broadcaster, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WSHandler{
		broadcaster:  b,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// ServeHTTP upgrades the connection, attaches a subscriber and pumps its
// messages until either side disconnects. A throttled origin is closed
// immediately after the upgrade.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws-sub] upgrade error: %v", err)
		return
	}

	origin := clientOrigin(r)
	sub, err := h.broadcaster.Attach(origin)
	if err != nil {
		h.logger.Printf("[ws-sub] rejected %s: %v", origin, err)
		conn.Close()
		return
	}

	h.logger.Printf("[ws-sub] attached %s", origin)
	observability.SetSubscribers(h.broadcaster.Count())

	// Read loop detects client disconnect; the subscriber protocol itself
	// is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.broadcaster.Detach(sub)
	}()

	h.writePump(conn, sub)

	h.broadcaster.Detach(sub)
	conn.Close()
	observability.SetSubscribers(h.broadcaster.Count())
	h.logger.Printf("[ws-sub] detached %s", origin)
}

// writePump drains the subscriber channel onto the connection, interleaving
// keep-alive pings. Returns when the channel closes or a write fails.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientOrigin derives the debounce key for a request: the first forwarded
// address when present, else the remote host.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
