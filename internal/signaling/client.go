package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	maxMessageSize = 64 * 1024

	dialTimeout    = 10 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

var ErrNotConnected = errors.New("signaling client not connected")

// MessageHandler receives every message the relay delivers, in receipt
// order, on the client's read goroutine.
type MessageHandler func(*Message)

// Client manages one persistent websocket connection to a relay. It
// reconnects with capped exponential backoff, resubscribes its topics
// after every reconnect, and enforces an application-level ping/pong
// heartbeat: a relay that stops answering within the pong deadline gets
// its connection torn down and redialed.
//
// A Client may serve several providers at once; ownership and teardown
// are handled by Registry.
type Client struct {
	URL    string
	PeerID string

	dialURL  string
	pongWait time.Duration

	log *slog.Logger
	clk clock.Clock

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	destroyed  bool
	lastMsgAt  time.Time
	topics     map[string]struct{}
	handlers   map[int]MessageHandler
	nextID     int

	writeMu sync.Mutex

	done chan struct{}
}

// NewClient creates a client and starts its connect loop. peerID is
// sent to the relay as the `peer` query parameter so relay-synthesized
// membership messages carry the same id the peer signals under.
func NewClient(url, peerID string, clk clock.Clock, log *slog.Logger) *Client {
	return newClient(url, peerID, pongWait, clk, log)
}

func newClient(url, peerID string, pong time.Duration, clk clock.Clock, log *slog.Logger) *Client {
	c := &Client{
		URL:      url,
		PeerID:   peerID,
		dialURL:  dialURL(url, peerID),
		pongWait: pong,
		log:      log.With("relay", url, "peer", peerID),
		clk:      clk,
		topics:   make(map[string]struct{}),
		handlers: make(map[int]MessageHandler),
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.connecting = true
	c.mu.Unlock()
	go c.run()
	return c
}

// Connected reports whether the websocket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connecting reports whether a (re)connect attempt is in flight.
func (c *Client) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

// LastMessageAt returns when the relay last said anything.
func (c *Client) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsgAt
}

// OnMessage registers a handler for every inbound message. The returned
// func cancels the registration.
func (c *Client) OnMessage(fn MessageHandler) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Subscribe adds topics to the subscription set and informs the relay
// if connected. Topics survive reconnects.
func (c *Client) Subscribe(topics ...string) {
	c.mu.Lock()
	added := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := c.topics[topic]; !ok {
			c.topics[topic] = struct{}{}
			added = append(added, topic)
		}
	}
	connected := c.connected
	c.mu.Unlock()

	if connected && len(added) > 0 {
		if err := c.Send(&Message{Type: MessageTypeSubscribe, Topics: added}); err != nil {
			c.log.Warn("subscribe failed", "topics", added, "error", err)
		}
	}
}

// Unsubscribe removes topics and informs the relay if connected.
func (c *Client) Unsubscribe(topics ...string) {
	c.mu.Lock()
	removed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := c.topics[topic]; ok {
			delete(c.topics, topic)
			removed = append(removed, topic)
		}
	}
	connected := c.connected
	c.mu.Unlock()

	if connected && len(removed) > 0 {
		if err := c.Send(&Message{Type: MessageTypeUnsubscribe, Topics: removed}); err != nil {
			c.log.Warn("unsubscribe failed", "topics", removed, "error", err)
		}
	}
}

// Send writes a message immediately. There is no client-side queueing
// or throttling; a message either goes out now or fails.
func (c *Client) Send(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// Publish seals nothing itself: data is sent as given, so callers can
// pass encrypted payloads.
func (c *Client) Publish(topic string, data json.RawMessage) error {
	return c.Send(&Message{Type: MessageTypePublish, Topic: topic, Data: data})
}

// Close terminates the client permanently.
func (c *Client) Close() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
}

// run is the connect loop: dial, pump, and on any failure back off and
// redial until Close.
func (c *Client) run() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = dialTimeout
		conn, _, err := dialer.Dial(c.dialURL, nil)
		if err != nil {
			c.log.Debug("relay dial failed", "error", err, "retry_in", backoff)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		c.connecting = false
		c.lastMsgAt = time.Now()
		topics := make([]string, 0, len(c.topics))
		for topic := range c.topics {
			topics = append(topics, topic)
		}
		c.mu.Unlock()

		backoff = initialBackoff
		c.log.Info("relay connected")

		if len(topics) > 0 {
			if err := c.Send(&Message{Type: MessageTypeSubscribe, Topics: topics}); err != nil {
				c.log.Warn("resubscribe failed", "topics", topics, "error", err)
			}
		}

		c.readLoop(conn)

		c.mu.Lock()
		destroyed := c.destroyed
		if c.conn == conn {
			c.conn = nil
		}
		c.connected = false
		c.connecting = !destroyed
		c.mu.Unlock()
		conn.Close()

		if destroyed {
			return
		}
		c.log.Info("relay disconnected, reconnecting", "retry_in", backoff)
		if !c.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// readLoop pumps messages until the connection dies. A heartbeat ticker
// sends {ping} at 90% of the pong deadline; the read deadline is pushed
// out on every inbound message, so a relay that answers nothing within
// the deadline fails the next read and forces a reconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	defer close(stopPing)

	go func() {
		ticker := c.clk.Ticker((c.pongWait * 9) / 10)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Send(&Message{Type: MessageTypePing}); err != nil {
					return
				}
			case <-stopPing:
				return
			case <-c.done:
				return
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)

	for {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		c.mu.Lock()
		c.lastMsgAt = time.Now()
		handlers := make([]MessageHandler, 0, len(c.handlers))
		for _, fn := range c.handlers {
			handlers = append(handlers, fn)
		}
		c.mu.Unlock()

		if msg.Type == MessageTypePong {
			continue
		}

		// Handlers run on this goroutine so one relay's messages are
		// observed in receipt order.
		for _, fn := range handlers {
			fn(&msg)
		}
	}
}

// sleep waits for the given duration on the client's clock, returning
// false if the client was closed meanwhile.
func (c *Client) sleep(d time.Duration) bool {
	timer := c.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	}
}

// dialURL appends the peer identity as a `peer` query parameter.
func dialURL(raw, peerID string) string {
	if peerID == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("peer", peerID)
	u.RawQuery = q.Encode()
	return u.String()
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
