package mesh

import (
	"encoding/json"

	"github.com/benbjohnson/clock"

	"github.com/HASMAC-AS/daylist/internal/codec"
)

// ChannelState is the data channel lifecycle, transitioned only through
// the registry.
type ChannelState uint8

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelFailed
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelFailed:
		return "failed"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// ICEState mirrors the underlying link's ICE connection state without
// exposing the pion types to the registry, so registry logic is
// testable with fake links.
type ICEState uint8

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	}
	return "unknown"
}

// Link is the peer-connection primitive the registry drives: signal
// intake, channel send, and lifecycle events. The production
// implementation wraps a pion PeerConnection.
type Link interface {
	// Start begins negotiation. An initiating link creates the offer.
	Start() error

	// Signal feeds an inbound signaling payload (offer, answer or
	// candidate) into the link.
	Signal(payload json.RawMessage) error

	// Send transmits one binary frame over the data channel.
	Send(frame []byte) error

	// Close tears the link down. Idempotent.
	Close() error
}

// LinkEvents are the callbacks a link fires. All must be set before
// Start.
type LinkEvents struct {
	// OnSignal emits an outbound signaling payload for the remote peer.
	OnSignal func(payload json.RawMessage)

	// OnOpen fires when the data channel opens.
	OnOpen func()

	// OnMessage fires for each inbound binary frame.
	OnMessage func(frame []byte)

	// OnICEState fires on every ICE connection state change.
	OnICEState func(state ICEState)

	// OnChannelClose fires when the data channel closes.
	OnChannelClose func()
}

// LinkFactory creates a link for a remote peer. remoteID is the peer
// id, initiator the locally decided role.
type LinkFactory func(remoteID string, initiator bool, events LinkEvents) (Link, error)

// Conn is one peer connection record in a room: the link plus the
// state the registry arbitrates on. All fields except the immutable
// ones are guarded by the registry's mutex.
type Conn struct {
	RemoteID  string
	Initiator bool

	link  Link
	codec *codec.Codec

	channelState ChannelState
	iceState     ICEState
	closed       bool

	// everOpen latches the first fully-open moment so the resync nudge
	// fires at most once per connection.
	everOpen    bool
	resyncTimer *clock.Timer
}

// Connected derives the single health boolean: ICE reached
// connected/completed AND the channel is open.
func (c *Conn) Connected() bool {
	return (c.iceState == ICEConnected || c.iceState == ICECompleted) &&
		c.channelState == ChannelOpen
}

// healthy is the arbitration predicate: an unhealthy record is fair
// game for replacement on the next announce.
func (c *Conn) healthy() bool {
	if c == nil || c.closed {
		return false
	}
	if c.channelState != ChannelConnecting && c.channelState != ChannelOpen {
		return false
	}
	switch c.iceState {
	case ICEFailed, ICEClosed, ICEDisconnected:
		return false
	}
	return true
}

// SendMessage encodes, compresses/encrypts and transmits one sync
// message. Calling it on a closed conn returns ErrChannelNotOpen.
func (c *Conn) SendMessage(kind MessageKind, body []byte) error {
	frame, err := c.codec.Encode(EncodeMessage(kind, body))
	if err != nil {
		return NewPeerError("encode frame", c.RemoteID, err)
	}
	if err := c.link.Send(frame); err != nil {
		return NewPeerError("send frame", c.RemoteID, err)
	}
	return nil
}
