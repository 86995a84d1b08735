package mesh

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/HASMAC-AS/daylist/internal/codec"
	"github.com/HASMAC-AS/daylist/internal/doc"
	"github.com/HASMAC-AS/daylist/internal/signaling"
)

var (
	ErrMissingRoomName = errors.New("provider: room name is required")
	ErrMissingDocument = errors.New("provider: document is required")
)

// PeerList is the provider's membership snapshot, emitted on every
// membership or health change.
type PeerList struct {
	// WebRTCPeers are all peers with a connection record, any state.
	WebRTCPeers []string

	// Connected is the subset with a fully-open, ICE-connected link.
	Connected []string

	// RelayPeers are peers currently known through the relay.
	RelayPeers []string
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	SignalingURLs []string
	RoomName      string

	// Secret enables end-to-end encryption when non-empty. Key
	// derivation is CPU-heavy and runs off the construction path.
	Secret string

	// LocalID defaults to a random UUID.
	LocalID string

	Document doc.Document
	Presence *doc.Presence

	// LinkFactory builds peer links; production wires NewLinkFactory.
	LinkFactory LinkFactory

	// Compression defaults to zstd.
	Compression codec.Algorithm

	// Clients is the shared signaling client registry.
	Clients *signaling.Registry

	Clock   clock.Clock
	Logger  *slog.Logger
	Observe Observe

	// deriveKey is swappable so tests skip the slow derivation.
	deriveKey func(secret, room string) []byte
}

// Provider composes one signaling client per URL, one Room and one
// connection Registry, and binds the document and awareness stores to
// the mesh.
type Provider struct {
	urls    []string
	room    string
	localID string
	secret  string

	clk     clock.Clock
	log     *slog.Logger
	observe Observe
	clients *signaling.Registry
	factory LinkFactory
	algo    codec.Algorithm

	mu            sync.Mutex
	roomState     *Room
	registry      *Registry
	key           []byte
	attached      map[string]*signaling.Client
	cancels       map[string]func()
	docCancel     func()
	presCancel    func()
	onPeers       func(PeerList)
	wantConnected bool
	destroyed     bool

	// ready is closed once the Room exists (after key derivation).
	ready chan struct{}
}

// NewProvider validates configuration synchronously and, when a secret
// is set, continues with asynchronous key derivation; the Room is only
// constructed after derivation completes, and never if the provider
// was destroyed meanwhile.
func NewProvider(opts ProviderOptions) (*Provider, error) {
	if opts.RoomName == "" {
		return nil, ErrMissingRoomName
	}
	if opts.Document == nil {
		return nil, ErrMissingDocument
	}
	if opts.LocalID == "" {
		opts.LocalID = uuid.NewString()
	}
	if opts.Presence == nil {
		opts.Presence = doc.NewPresence(opts.LocalID)
	}
	if opts.Compression == 0 {
		opts.Compression = codec.AlgorithmZstd
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observe == nil {
		opts.Observe = NopObserve
	}
	if opts.Clients == nil {
		opts.Clients = signaling.NewRegistry(opts.Clock, opts.Logger)
	}
	if opts.deriveKey == nil {
		opts.deriveKey = codec.DeriveKey
	}

	p := &Provider{
		urls:     opts.SignalingURLs,
		room:     opts.RoomName,
		localID:  opts.LocalID,
		secret:   opts.Secret,
		clk:      opts.Clock,
		log:      opts.Logger.With("room", opts.RoomName, "peer", opts.LocalID),
		observe:  opts.Observe,
		clients:  opts.Clients,
		factory:  opts.LinkFactory,
		algo:     opts.Compression,
		attached: make(map[string]*signaling.Client),
		cancels:  make(map[string]func()),
		ready:    make(chan struct{}),
	}

	if opts.Secret == "" {
		p.buildRoom(nil, opts.Document, opts.Presence)
	} else {
		go func() {
			key := opts.deriveKey(opts.Secret, opts.RoomName)
			p.buildRoom(key, opts.Document, opts.Presence)
		}()
	}
	return p, nil
}

// LocalID returns the local peer id.
func (p *Provider) LocalID() string { return p.localID }

// Ready is closed once the Room exists. A destroyed provider never
// closes it.
func (p *Provider) Ready() <-chan struct{} { return p.ready }

// OnPeerList sets the membership/health event callback. Events fire
// strictly after the registry has applied the triggering change.
func (p *Provider) OnPeerList(fn func(PeerList)) {
	p.mu.Lock()
	p.onPeers = fn
	p.mu.Unlock()
}

// buildRoom constructs the Room, Registry and document bindings. A
// destroy racing the key derivation wins: no Room, no side effects.
func (p *Provider) buildRoom(key []byte, document doc.Document, presence *doc.Presence) {
	frameCodec, err := codec.New(p.algo, key)
	if err != nil {
		p.observe("codec init", err)
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.key = key
	p.roomState = newRoom(p.room, p.localID, document, presence)
	p.registry = NewRegistry(p.localID, p.factory, frameCodec, Callbacks{
		OnEvent:   p.handlePeerEvent,
		OnSignal:  p.publishSignal,
		OnMessage: p.handleSyncMessage,
		OnOpen:    p.handleChannelOpen,
		OnResync:  p.handleResync,
	}, p.clk, p.log, p.observe)

	p.docCancel = document.OnUpdate(func(update []byte) {
		p.broadcast(KindUpdate, update)
	})
	p.presCancel = presence.OnChange(func() {
		p.broadcast(KindAwareness, presence.LocalUpdate())
	})

	connect := p.wantConnected
	p.mu.Unlock()

	close(p.ready)
	if connect {
		p.Connect()
	}
}

// Connect attaches a fresh set of signaling clients (shared per URL
// through the client registry) and subscribes the room topic. Safe to
// call before key derivation finishes; the attach happens once the
// Room exists.
func (p *Provider) Connect() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	p.wantConnected = true
	if p.roomState == nil || len(p.attached) > 0 {
		p.mu.Unlock()
		return nil
	}

	clients := make([]*signaling.Client, 0, len(p.urls))
	for _, url := range p.urls {
		client := p.clients.Acquire(url, p.localID, p)
		p.attached[url] = client
		p.cancels[url] = client.OnMessage(p.handleSignalingMessage)
		clients = append(clients, client)
	}
	p.mu.Unlock()

	for _, client := range clients {
		client.Subscribe(p.room)
		p.publishAnnounce(client)
	}
	return nil
}

// Disconnect detaches from all signaling clients, releasing this
// provider's ownership; a client still owned by another provider stays
// alive. Peer connections are kept — disconnect/connect is a cheap
// pause/resume of signaling only.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.wantConnected = false
	detach := p.detachLocked()
	p.mu.Unlock()
	detach()
}

// Destroy is terminal: detaches signaling, cancels the document and
// awareness subscriptions, and closes every peer connection. Called
// while key derivation is pending, it prevents Room construction
// entirely. Idempotent.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	detach := p.detachLocked()
	docCancel, presCancel := p.docCancel, p.presCancel
	registry := p.registry
	p.docCancel, p.presCancel = nil, nil
	p.registry = nil
	p.roomState = nil
	p.mu.Unlock()

	detach()
	if docCancel != nil {
		docCancel()
	}
	if presCancel != nil {
		presCancel()
	}
	if registry != nil {
		registry.Close()
	}
}

// detachLocked unsubscribes and releases every attached client,
// returning a func to run outside the lock.
func (p *Provider) detachLocked() func() {
	attached := p.attached
	cancels := p.cancels
	p.attached = make(map[string]*signaling.Client)
	p.cancels = make(map[string]func())

	return func() {
		for url, client := range attached {
			if cancel := cancels[url]; cancel != nil {
				cancel()
			}
			client.Unsubscribe(p.room)
			p.clients.Release(url, p.localID, p)
		}
	}
}

// handleSignalingMessage processes one relay message on the signaling
// client's read goroutine.
func (p *Provider) handleSignalingMessage(msg *signaling.Message) {
	p.mu.Lock()
	if p.destroyed || p.roomState == nil {
		p.mu.Unlock()
		return
	}
	room := p.roomState
	registry := p.registry
	key := p.key
	attached := p.snapshotClientsLocked()
	p.mu.Unlock()

	switch msg.Type {
	case signaling.MessageTypeWelcome:
		if msg.Topic != "" && msg.Topic != p.room {
			return
		}
		changed := false
		for _, id := range msg.Peers {
			if room.addRelayPeer(id) {
				changed = true
			}
			registry.HandleAnnounce(id)
		}
		// Announce ourselves now that the subscription is confirmed.
		for _, client := range attached {
			p.publishAnnounce(client)
		}
		if changed {
			p.emitPeers()
		}

	case signaling.MessageTypePeerJoined:
		if msg.Room != p.room {
			return
		}
		changed := room.addRelayPeer(msg.ID)
		registry.HandleAnnounce(msg.ID)
		if changed {
			p.emitPeers()
		}

	case signaling.MessageTypePeerLeft:
		if msg.Room != p.room {
			return
		}
		if room.removeRelayPeer(msg.ID) {
			room.Presence.Forget(msg.ID)
			p.emitPeers()
		}

	case signaling.MessageTypePublish:
		if msg.Topic != p.room {
			return
		}
		payload, err := openSignalingData(key, msg.Data)
		if err != nil {
			p.observe("signaling payload", err)
			return
		}
		p.handlePayload(room, registry, payload)
	}
}

func (p *Provider) handlePayload(room *Room, registry *Registry, raw []byte) {
	var payload signaling.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.observe("signaling payload", err)
		return
	}
	if payload.From == "" || payload.From == p.localID {
		return
	}

	switch payload.Type {
	case signaling.PayloadTypeAnnounce:
		changed := room.addRelayPeer(payload.From)
		registry.HandleAnnounce(payload.From)
		if changed {
			p.emitPeers()
		}

	case signaling.PayloadTypeSignal:
		if payload.To != "" && payload.To != p.localID {
			return
		}
		registry.HandleSignal(payload.From, payload.Signal)

	default:
		p.observe("signaling payload", errors.New("unknown payload type "+payload.Type))
	}
}

// publishSignal sends an outbound negotiation payload to a peer through
// every attached relay.
func (p *Provider) publishSignal(peerID string, signal json.RawMessage) {
	payload, err := json.Marshal(signaling.Payload{
		Type:   signaling.PayloadTypeSignal,
		From:   p.localID,
		To:     peerID,
		Room:   p.room,
		Signal: signal,
	})
	if err != nil {
		p.observe("signal encode", err)
		return
	}
	p.publishPayload(payload)
}

func (p *Provider) publishAnnounce(client *signaling.Client) {
	payload, err := json.Marshal(signaling.Payload{
		Type: signaling.PayloadTypeAnnounce,
		From: p.localID,
		Room: p.room,
	})
	if err != nil {
		p.observe("announce encode", err)
		return
	}
	data, err := sealSignalingData(p.currentKey(), payload)
	if err != nil {
		p.observe("announce seal", err)
		return
	}
	if err := client.Publish(p.room, data); err != nil {
		// The welcome handler re-announces once the relay is reachable.
		p.observe("announce publish", err)
	}
}

func (p *Provider) publishPayload(payload []byte) {
	data, err := sealSignalingData(p.currentKey(), payload)
	if err != nil {
		p.observe("payload seal", err)
		return
	}

	p.mu.Lock()
	attached := p.snapshotClientsLocked()
	p.mu.Unlock()

	for _, client := range attached {
		if err := client.Publish(p.room, data); err != nil {
			p.observe("payload publish", err)
		}
	}
}

func (p *Provider) handlePeerEvent(event PeerEvent) {
	p.log.Debug("peer event", "peer", event.PeerID, "connected", event.Connected)
	p.emitPeers()
}

// handleChannelOpen runs the initial sync exchange with a newly opened
// peer: our state vector, our presence, and a query for theirs.
func (p *Provider) handleChannelOpen(peerID string) {
	room, registry := p.current()
	if registry == nil {
		return
	}
	p.send(peerID, KindSyncStep1, room.Doc.StateVector())
	p.send(peerID, KindAwareness, room.Presence.LocalUpdate())
	p.send(peerID, KindAwarenessQuery, nil)
}

// handleResync is the deferred nudge: re-send the state vector in case
// the open-time exchange was lost.
func (p *Provider) handleResync(peerID string) {
	room, registry := p.current()
	if registry == nil {
		return
	}
	p.send(peerID, KindSyncStep1, room.Doc.StateVector())
}

func (p *Provider) handleSyncMessage(peerID string, msg *SyncMessage) {
	room, registry := p.current()
	if registry == nil {
		return
	}

	switch msg.Kind {
	case KindSyncStep1:
		diff, err := room.Doc.DiffUpdate(msg.Body)
		if err != nil {
			p.observe("sync step1", NewPeerError("sync step1", peerID, err))
			return
		}
		p.send(peerID, KindSyncStep2, diff)

	case KindSyncStep2, KindUpdate:
		if err := room.Doc.ApplyUpdate(msg.Body); err != nil {
			p.observe("apply update", NewPeerError("apply update", peerID, err))
		}

	case KindAwarenessQuery:
		p.send(peerID, KindAwareness, room.Presence.FullUpdate())

	case KindAwareness:
		if err := room.Presence.ApplyUpdate(msg.Body); err != nil {
			p.observe("apply awareness", NewPeerError("apply awareness", peerID, err))
		}

	default:
		p.observe("sync message", NewPeerError("sync message", peerID, errors.New("unknown kind "+msg.Kind.String())))
	}
}

func (p *Provider) send(peerID string, kind MessageKind, body []byte) {
	_, registry := p.current()
	if registry == nil {
		return
	}
	if err := registry.Send(peerID, kind, body); err != nil {
		p.observe("send", err)
	}
}

func (p *Provider) broadcast(kind MessageKind, body []byte) {
	_, registry := p.current()
	if registry == nil {
		return
	}
	registry.Broadcast(kind, body)
}

// emitPeers fires the peer-list event with a fresh snapshot.
func (p *Provider) emitPeers() {
	p.mu.Lock()
	room := p.roomState
	registry := p.registry
	onPeers := p.onPeers
	p.mu.Unlock()

	if room == nil || registry == nil || onPeers == nil {
		return
	}
	all, connected := registry.Peers()
	onPeers(PeerList{
		WebRTCPeers: all,
		Connected:   connected,
		RelayPeers:  room.RelayPeers(),
	})
}

func (p *Provider) current() (*Room, *Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomState, p.registry
}

func (p *Provider) currentKey() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

func (p *Provider) snapshotClientsLocked() []*signaling.Client {
	out := make([]*signaling.Client, 0, len(p.attached))
	for _, client := range p.attached {
		out = append(out, client)
	}
	return out
}

// sealSignalingData wraps an application payload for the relay: with a
// key it becomes a base64 JSON string of the sealed bytes, without one
// it rides as plain JSON.
func sealSignalingData(key, payload []byte) (json.RawMessage, error) {
	if key == nil {
		return payload, nil
	}
	sealed, err := codec.SealJSON(key, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(sealed))
}

func openSignalingData(key []byte, data json.RawMessage) ([]byte, error) {
	if key == nil {
		return data, nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return codec.OpenJSON(key, sealed)
}
