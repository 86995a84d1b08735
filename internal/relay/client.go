package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HASMAC-AS/daylist/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer. Peers send
	// {ping} well inside this window.
	readWait = 60 * time.Second

	// Maximum message size allowed from peer. Enough for SDP payloads
	// with candidates embedded, plus encryption overhead.
	maxMessageSize = 64 * 1024
)

// Client wraps a single websocket connection (one peer).
type Client struct {
	// Hub is the hub that manages this client.
	Hub *Hub

	// Conn is the websocket connection.
	Conn *websocket.Conn

	// ID is the peer id the client declared at upgrade time.
	ID string

	// Topics this client is subscribed to. Owned by the hub goroutine.
	Topics map[string]struct{}

	// Send is the buffered channel of outbound messages. A dedicated
	// writer goroutine drains it, so there is at most one writer per
	// connection.
	Send chan *signaling.Message

	log *slog.Logger
}

// ReadPump pumps messages from the websocket connection to the hub.
// Runs in a per-connection goroutine; all reads happen here.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		var msg signaling.Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("peer read error", "peer", c.ID, "error", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(readWait))

		c.Hub.Inbound <- &inboundMessage{client: c, msg: &msg}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
// Runs in a per-connection goroutine; all writes happen here.
func (c *Client) WritePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteJSON(message); err != nil {
			c.log.Debug("peer write error", "peer", c.ID, "error", err)
			return
		}
	}

	// The hub closed the channel.
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// deliver queues a message without blocking the hub; a peer that cannot
// keep up loses messages rather than stalling the room.
func (c *Client) deliver(msg *signaling.Message) {
	select {
	case c.Send <- msg:
	default:
		c.log.Warn("peer send buffer full, dropping message", "peer", c.ID, "type", msg.Type)
	}
}
