// Package relay implements the signaling relay: a websocket server that
// groups peers into topics (rooms) and fans published payloads out to
// every other subscriber. The relay never interprets publish data, so
// end-to-end encrypted rooms work unchanged.
package relay

import (
	"log/slog"

	"github.com/HASMAC-AS/daylist/internal/signaling"
)

// Hub is the central state of the relay. It owns all topic membership
// and processes every message on a single goroutine, so no locking is
// needed anywhere in this package.
type Hub struct {
	// topics maps topic name → subscribed clients.
	topics map[string]map[*Client]struct{}

	// Register is the channel for newly upgraded connections.
	Register chan *Client

	// Unregister is the channel for dropped connections.
	Unregister chan *Client

	// Inbound carries every parsed client message into the hub loop.
	Inbound chan *inboundMessage

	log *slog.Logger
}

type inboundMessage struct {
	client *Client
	msg    *signaling.Message
}

// NewHub creates a new Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		topics:     make(map[string]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *inboundMessage, 64),
		log:        log,
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.log.Info("peer registered", "peer", client.ID, "addr", client.Conn.RemoteAddr())

		case client := <-h.Unregister:
			h.log.Info("peer unregistered", "peer", client.ID)
			for topic := range client.Topics {
				h.leaveTopic(client, topic)
			}
			close(client.Send)

		case inbound := <-h.Inbound:
			h.handle(inbound.client, inbound.msg)
		}
	}
}

func (h *Hub) handle(client *Client, msg *signaling.Message) {
	switch msg.Type {

	case signaling.MessageTypeSubscribe:
		for _, topic := range msg.Topics {
			h.joinTopic(client, topic)
		}

	case signaling.MessageTypeUnsubscribe:
		for _, topic := range msg.Topics {
			h.leaveTopic(client, topic)
		}

	case signaling.MessageTypePublish:
		subscribers, ok := h.topics[msg.Topic]
		if !ok {
			return
		}
		relayed := &signaling.Message{
			Type:  signaling.MessageTypePublish,
			Topic: msg.Topic,
			Data:  msg.Data,
		}
		for subscriber := range subscribers {
			if subscriber == client {
				continue
			}
			subscriber.deliver(relayed)
		}

	case signaling.MessageTypePing:
		client.deliver(&signaling.Message{Type: signaling.MessageTypePong})

	default:
		h.log.Debug("unknown message type", "peer", client.ID, "type", msg.Type)
	}
}

// joinTopic subscribes the client, welcomes it with the ids already in
// the topic, and announces peer-joined to everyone else on first-seen.
func (h *Hub) joinTopic(client *Client, topic string) {
	if _, ok := client.Topics[topic]; ok {
		return
	}
	client.Topics[topic] = struct{}{}

	subscribers, ok := h.topics[topic]
	if !ok {
		subscribers = make(map[*Client]struct{})
		h.topics[topic] = subscribers
	}

	peers := make([]string, 0, len(subscribers))
	joined := &signaling.Message{
		Type: signaling.MessageTypePeerJoined,
		ID:   client.ID,
		Room: topic,
	}
	for subscriber := range subscribers {
		peers = append(peers, subscriber.ID)
		subscriber.deliver(joined)
	}
	subscribers[client] = struct{}{}

	client.deliver(&signaling.Message{
		Type:  signaling.MessageTypeWelcome,
		Topic: topic,
		Peers: peers,
	})

	h.log.Info("peer joined topic", "peer", client.ID, "topic", topic, "subscribers", len(subscribers))
}

// leaveTopic drops the subscription and announces peer-left once the
// client is gone from the topic. Empty topics are deleted.
func (h *Hub) leaveTopic(client *Client, topic string) {
	if _, ok := client.Topics[topic]; !ok {
		return
	}
	delete(client.Topics, topic)

	subscribers, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, client)

	if len(subscribers) == 0 {
		delete(h.topics, topic)
		h.log.Info("topic deleted", "topic", topic)
		return
	}

	left := &signaling.Message{
		Type: signaling.MessageTypePeerLeft,
		ID:   client.ID,
		Room: topic,
	}
	for subscriber := range subscribers {
		subscriber.deliver(left)
	}
}
