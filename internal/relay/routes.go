package relay

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HASMAC-AS/daylist/internal/signaling"
)

// Configure the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Peers connect from arbitrary origins (browser tabs, CLI); the
	// relay carries opaque payloads, so origin checking buys nothing.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs returns an http.HandlerFunc that upgrades signaling
// connections. Peers declare their id with the `peer` query parameter;
// anonymous connections get a generated id.
func ServeWs(hub *Hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}

		peerID := r.URL.Query().Get("peer")
		if peerID == "" {
			peerID = uuid.NewString()
		}

		client := &Client{
			Hub:    hub,
			Conn:   conn,
			ID:     peerID,
			Topics: make(map[string]struct{}),
			Send:   make(chan *signaling.Message, 256),
			log:    log,
		}

		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}

// Handler returns the relay's full HTTP mux: the websocket endpoint
// plus a health check.
func Handler(hub *Hub, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Signaling relay is healthy."))
	})
	mux.HandleFunc("/ws", ServeWs(hub, log))
	return mux
}
