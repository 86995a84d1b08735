package signaling

import "encoding/json"

// Message represents all websocket messages between a peer and a relay.
type Message struct {
	Type   string          `json:"type"`
	Topics []string        `json:"topics,omitempty"` // subscribe / unsubscribe
	Topic  string          `json:"topic,omitempty"`  // publish
	Data   json.RawMessage `json:"data,omitempty"`   // publish payload, opaque to the relay
	Peers  []string        `json:"peers,omitempty"`  // welcome
	ID     string          `json:"id,omitempty"`     // peer-joined / peer-left
	Room   string          `json:"room,omitempty"`   // peer-joined / peer-left
}

// Message type constants.
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePublish     = "publish"
	MessageTypePing        = "ping"

	MessageTypeWelcome    = "welcome"
	MessageTypePong       = "pong"
	MessageTypePeerJoined = "peer-joined"
	MessageTypePeerLeft   = "peer-left"
)

// Application payload types carried inside publish data. When a room
// secret is configured the whole payload is sealed; the relay only ever
// sees ciphertext.
const (
	PayloadTypeAnnounce = "announce"
	PayloadTypeSignal   = "signal"
)

// Payload is the application message peers exchange through a topic.
type Payload struct {
	Type string `json:"type"`
	From string `json:"from"`
	Room string `json:"room,omitempty"`

	// To restricts a signal to one recipient; other subscribers drop it.
	To string `json:"to,omitempty"`

	// Signal carries the negotiation payload (offer/answer/candidate).
	Signal json.RawMessage `json:"signal,omitempty"`
}
