package mesh

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/HASMAC-AS/daylist/internal/codec"
)

// resyncDelay is how long after a channel first opens the one-shot
// resync nudge fires. A safety net against a lost or partial exchange
// at open time.
const resyncDelay = 500 * time.Millisecond

// PeerEvent reports a connection state transition.
type PeerEvent struct {
	PeerID    string
	Connected bool
}

// Callbacks are the registry's upward interface. All are invoked after
// the triggering state change has been applied, outside the registry
// lock. Nil callbacks are allowed.
type Callbacks struct {
	// OnEvent fires on every membership or health transition.
	OnEvent func(PeerEvent)

	// OnSignal emits an outbound signaling payload for a peer.
	OnSignal func(peerID string, payload json.RawMessage)

	// OnMessage delivers a decoded sync message from a peer.
	OnMessage func(peerID string, msg *SyncMessage)

	// OnOpen fires when a peer's channel opens, for the initial sync
	// exchange.
	OnOpen func(peerID string)

	// OnResync fires at the deferred resync nudge.
	OnResync func(peerID string)
}

// Registry is the per-room peer connection table with the arbitration
// and health rules. It is the only place connection records change
// state.
type Registry struct {
	localID   string
	clk       clock.Clock
	log       *slog.Logger
	factory   LinkFactory
	frameCdc  *codec.Codec
	observe   Observe
	callbacks Callbacks

	mu        sync.Mutex
	conns     map[string]*Conn
	destroyed bool
}

// NewRegistry creates a registry for the local peer id.
func NewRegistry(localID string, factory LinkFactory, frameCodec *codec.Codec, callbacks Callbacks, clk clock.Clock, log *slog.Logger, observe Observe) *Registry {
	if observe == nil {
		observe = NopObserve
	}
	return &Registry{
		localID:   localID,
		clk:       clk,
		log:       log,
		factory:   factory,
		frameCdc:  frameCodec,
		observe:   observe,
		callbacks: callbacks,
		conns:     make(map[string]*Conn),
	}
}

// HandleAnnounce processes an inbound announce from peerID. A healthy
// existing record makes this a no-op (prevents connection storms); an
// unhealthy one is destroyed and replaced with a fresh connection.
func (r *Registry) HandleAnnounce(peerID string) {
	r.mu.Lock()
	if r.destroyed || peerID == "" || peerID == r.localID {
		r.mu.Unlock()
		return
	}

	existing := r.conns[peerID]
	if existing.healthy() {
		r.mu.Unlock()
		return
	}

	var closeLink Link
	if existing != nil {
		closeLink = r.destroyLocked(existing)
	}

	// Exactly one side of each pair initiates: the lexically smaller id.
	conn := r.createLocked(peerID, r.localID < peerID)
	r.mu.Unlock()

	if closeLink != nil {
		closeLink.Close()
	}
	if conn != nil {
		r.startConn(conn)
	}
}

// HandleSignal forwards an inbound signaling payload into the peer's
// connection. A missing record is created as non-initiator: the inbound
// offer implies the counterpart decided to initiate.
func (r *Registry) HandleSignal(peerID string, payload json.RawMessage) {
	r.mu.Lock()
	if r.destroyed || peerID == "" || peerID == r.localID {
		r.mu.Unlock()
		return
	}

	conn := r.conns[peerID]
	created := false
	if conn == nil {
		conn = r.createLocked(peerID, false)
		created = true
	}
	r.mu.Unlock()

	if conn == nil {
		return
	}
	if created {
		r.startConn(conn)
	}
	if err := conn.link.Signal(payload); err != nil {
		r.observe("signal intake", NewPeerError("signal", peerID, err))
	}
}

// DestroyPeer tears down a peer's connection record, if any. Idempotent.
func (r *Registry) DestroyPeer(peerID string) {
	r.mu.Lock()
	conn := r.conns[peerID]
	var closeLink Link
	if conn != nil {
		closeLink = r.destroyLocked(conn)
	}
	r.mu.Unlock()

	if closeLink != nil {
		closeLink.Close()
		r.emit(PeerEvent{PeerID: peerID, Connected: false})
	}
}

// Send transmits one sync message to a peer.
func (r *Registry) Send(peerID string, kind MessageKind, body []byte) error {
	r.mu.Lock()
	conn := r.conns[peerID]
	if conn == nil {
		r.mu.Unlock()
		return NewPeerError("send", peerID, ErrPeerNotFound)
	}
	if conn.channelState != ChannelOpen {
		r.mu.Unlock()
		return NewPeerError("send", peerID, ErrChannelNotOpen)
	}
	r.mu.Unlock()

	return conn.SendMessage(kind, body)
}

// Broadcast sends one sync message to every peer with an open channel.
func (r *Registry) Broadcast(kind MessageKind, body []byte) {
	r.mu.Lock()
	open := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.channelState == ChannelOpen {
			open = append(open, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range open {
		if err := conn.SendMessage(kind, body); err != nil {
			r.observe("broadcast", err)
		}
	}
}

// Peers returns all registered peer ids and the subset that is fully
// connected, both sorted.
func (r *Registry) Peers() (all, connected []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		all = append(all, id)
		if conn.Connected() {
			connected = append(connected, id)
		}
	}
	sort.Strings(all)
	sort.Strings(connected)
	return all, connected
}

// Close destroys every connection and refuses further announces.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	links := make([]Link, 0, len(r.conns))
	for _, conn := range r.conns {
		if link := r.destroyLocked(conn); link != nil {
			links = append(links, link)
		}
	}
	r.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
}

// createLocked builds a connection record and its link. Caller holds
// the lock. Returns nil when link construction fails (reported through
// observe; the next announce retries).
func (r *Registry) createLocked(peerID string, initiator bool) *Conn {
	conn := &Conn{
		RemoteID:  peerID,
		Initiator: initiator,
		codec:     r.frameCdc,
	}

	link, err := r.factory(peerID, initiator, LinkEvents{
		OnSignal: func(payload json.RawMessage) {
			if r.callbacks.OnSignal != nil {
				r.callbacks.OnSignal(peerID, payload)
			}
		},
		OnOpen:         func() { r.handleOpen(conn) },
		OnMessage:      func(frame []byte) { r.handleFrame(conn, frame) },
		OnICEState:     func(state ICEState) { r.handleICEState(conn, state) },
		OnChannelClose: func() { r.handleChannelClose(conn) },
	})
	if err != nil {
		r.observe("create link", NewPeerError("create link", peerID, err))
		return nil
	}

	conn.link = link
	r.conns[peerID] = conn
	r.log.Debug("peer connection created",
		"peer", peerID,
		"initiator", initiator,
	)
	return conn
}

// destroyLocked marks the record closed, cancels its timers and removes
// it from the table. Returns the link for the caller to close outside
// the lock. Idempotent.
func (r *Registry) destroyLocked(conn *Conn) Link {
	if conn.closed {
		return nil
	}
	conn.closed = true
	conn.channelState = ChannelClosed
	if conn.resyncTimer != nil {
		conn.resyncTimer.Stop()
		conn.resyncTimer = nil
	}
	if current, ok := r.conns[conn.RemoteID]; ok && current == conn {
		delete(r.conns, conn.RemoteID)
	}
	r.log.Debug("peer connection destroyed", "peer", conn.RemoteID)
	return conn.link
}

func (r *Registry) startConn(conn *Conn) {
	if err := conn.link.Start(); err != nil {
		r.observe("start link", NewPeerError("start link", conn.RemoteID, err))
		r.DestroyPeer(conn.RemoteID)
	}
}

// stale reports whether the record is no longer the current entry for
// its peer. Link callbacks can arrive after replacement; completions
// against stale state must be no-ops.
func (r *Registry) staleLocked(conn *Conn) bool {
	current, ok := r.conns[conn.RemoteID]
	return !ok || current != conn || conn.closed
}

func (r *Registry) handleICEState(conn *Conn, state ICEState) {
	r.mu.Lock()
	if r.staleLocked(conn) {
		r.mu.Unlock()
		return
	}
	conn.iceState = state
	connected := conn.Connected()
	r.mu.Unlock()

	r.log.Debug("ice state change",
		"peer", conn.RemoteID,
		"state", state.String(),
		"connected", connected,
	)

	// A transition to failed marks the peer unhealthy but triggers no
	// reconnection by itself; recovery happens via the next announce.
	r.emit(PeerEvent{PeerID: conn.RemoteID, Connected: connected})
}

func (r *Registry) handleOpen(conn *Conn) {
	r.mu.Lock()
	if r.staleLocked(conn) {
		r.mu.Unlock()
		return
	}
	conn.channelState = ChannelOpen
	first := !conn.everOpen
	conn.everOpen = true
	if first {
		conn.resyncTimer = r.clk.AfterFunc(resyncDelay, func() {
			r.fireResync(conn)
		})
	}
	connected := conn.Connected()
	r.mu.Unlock()

	r.log.Info("data channel open", "peer", conn.RemoteID)

	if first && r.callbacks.OnOpen != nil {
		r.callbacks.OnOpen(conn.RemoteID)
	}
	r.emit(PeerEvent{PeerID: conn.RemoteID, Connected: connected})
}

func (r *Registry) handleChannelClose(conn *Conn) {
	r.mu.Lock()
	if r.staleLocked(conn) {
		r.mu.Unlock()
		return
	}
	conn.channelState = ChannelClosed
	r.mu.Unlock()

	r.emit(PeerEvent{PeerID: conn.RemoteID, Connected: false})
}

// handleFrame decodes one inbound frame. An undecodable frame is a
// protocol desynchronization: the connection is destroyed and recovery
// waits for the next announce. A well-framed but malformed sync message
// is dropped.
func (r *Registry) handleFrame(conn *Conn, frame []byte) {
	payload, err := r.frameCdc.Decode(frame)
	if err != nil {
		r.observe("frame decode", NewPeerError("frame decode", conn.RemoteID, err))
		r.DestroyPeer(conn.RemoteID)
		return
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		r.observe("message decode", NewPeerError("message decode", conn.RemoteID, err))
		return
	}

	if r.callbacks.OnMessage != nil {
		r.callbacks.OnMessage(conn.RemoteID, msg)
	}
}

func (r *Registry) fireResync(conn *Conn) {
	r.mu.Lock()
	if r.staleLocked(conn) || conn.channelState != ChannelOpen {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.callbacks.OnResync != nil {
		r.callbacks.OnResync(conn.RemoteID)
	}
}

func (r *Registry) emit(event PeerEvent) {
	if r.callbacks.OnEvent != nil {
		r.callbacks.OnEvent(event)
	}
}
