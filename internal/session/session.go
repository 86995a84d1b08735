// Package session owns the sync lifecycle across start/restart/stop:
// ICE server acquisition, the deferred TURN upgrade policy, and full
// disposal of the previous provider before the next one connects.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/HASMAC-AS/daylist/internal/doc"
	"github.com/HASMAC-AS/daylist/internal/ice"
	"github.com/HASMAC-AS/daylist/internal/mesh"
	"github.com/HASMAC-AS/daylist/internal/signaling"
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnectedSTUN
	StateConnectedTURN
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnectedSTUN:
		return "connected(stun)"
	case StateConnectedTURN:
		return "connected(turn)"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	// settleDelay is how long connectivity must stay at zero peers
	// before the TURN upgrade reconnect runs. Avoids reconnect storms
	// on brief dips.
	settleDelay = 800 * time.Millisecond

	// stalePeerListAge is how old a peer-list snapshot may be before
	// waiting on its pending peers is considered wasteful.
	stalePeerListAge = 30 * time.Second

	// maxResumeSleep is the longest suspend after which a resume should
	// reconnect from scratch instead of waiting for stale announcements.
	maxResumeSleep = 10 * time.Second
)

var (
	ErrMissingRoom     = errors.New("session: room name is required")
	ErrMissingDocument = errors.New("session: document is required")
	ErrStopped         = errors.New("session: stopped")
)

// Provider is the slice of mesh.Provider the session drives.
type Provider interface {
	Connect() error
	Disconnect()
	Destroy()
	OnPeerList(func(mesh.PeerList))
}

// ProviderFactory builds a provider for a given ICE server set.
type ProviderFactory func(servers *ice.ServerSet) (Provider, error)

// Options configures a Session.
type Options struct {
	SignalingURLs []string
	RoomName      string
	Secret        string
	LocalID       string

	Document doc.Document
	Presence *doc.Presence

	// Cache persists last-known-good ICE servers. Optional.
	Cache *ice.Cache

	// Fetcher obtains TURN credentials. Optional; without it the
	// session runs STUN-only forever, which is not an error.
	Fetcher ice.Fetcher

	Clock   clock.Clock
	Logger  *slog.Logger
	Observe mesh.Observe

	// Clients shares signaling connections across sessions. Optional.
	Clients *signaling.Registry

	// Factory is swappable for tests; defaults to building a
	// mesh.Provider over pion.
	Factory ProviderFactory
}

// Session owns one provider at a time and decides when to rebuild it
// with better ICE servers.
type Session struct {
	opts    Options
	clk     clock.Clock
	log     *slog.Logger
	observe mesh.Observe

	mu         sync.Mutex
	state      State
	provider   Provider
	servers    *ice.ServerSet
	upgraded   *ice.ServerSet
	generation int

	// attempted latches once a connection attempt happened this
	// generation; the upgrade only reacts to connectivity dropping to
	// zero afterwards.
	attempted   bool
	upgradeDone bool
	settleTimer *clock.Timer

	lastList   mesh.PeerList
	lastListAt time.Time

	fetchCancel context.CancelFunc
}

// New validates configuration and returns an idle session. Missing
// room or document fail fast, synchronously.
func New(opts Options) (*Session, error) {
	if opts.RoomName == "" {
		return nil, ErrMissingRoom
	}
	if opts.Document == nil {
		return nil, ErrMissingDocument
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observe == nil {
		opts.Observe = mesh.NopObserve
	}
	if opts.Clients == nil {
		opts.Clients = signaling.NewRegistry(opts.Clock, opts.Logger)
	}

	s := &Session{
		opts:    opts,
		clk:     opts.Clock,
		log:     opts.Logger.With("room", opts.RoomName),
		observe: opts.Observe,
		state:   StateIdle,
	}
	if s.opts.Factory == nil {
		s.opts.Factory = s.defaultFactory
	}
	return s, nil
}

func (s *Session) defaultFactory(servers *ice.ServerSet) (Provider, error) {
	return mesh.NewProvider(mesh.ProviderOptions{
		SignalingURLs: s.opts.SignalingURLs,
		RoomName:      s.opts.RoomName,
		Secret:        s.opts.Secret,
		LocalID:       s.opts.LocalID,
		Document:      s.opts.Document,
		Presence:      s.opts.Presence,
		LinkFactory:   mesh.NewLinkFactory(servers.PionServers(), s.log),
		Clients:       s.opts.Clients,
		Clock:         s.clk,
		Logger:        s.log,
		Observe:       s.observe,
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerList returns the last membership snapshot and when it arrived.
func (s *Session) PeerList() (mesh.PeerList, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastList, s.lastListAt
}

// Start acquires a fast ICE server set (cache or STUN fallback — never
// the slow TURN fetch) and connects a provider immediately. If a
// fetcher is configured it runs in the background; its result does not
// reconnect anything until connectivity later drops to zero.
func (s *Session) Start(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrStopped
	}
	if s.state != StateIdle {
		return nil
	}
	s.log.Info("session starting", "reason", reason)
	s.state = StateStarting
	return s.startLocked()
}

// Restart re-acquires ICE servers from scratch — a prior upgrade is
// never reused — and repeats the fast-start plus deferred-upgrade
// sequence. The previous provider is fully disposed before the new one
// connects.
func (s *Session) Restart(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrStopped
	}
	s.log.Info("session restarting", "reason", reason)
	s.state = StateRestarting
	s.teardownLocked()
	return s.startLocked()
}

// Stop is terminal.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	s.log.Info("session stopped")
	s.teardownLocked()
	s.state = StateStopped
}

// startLocked runs the fast-start sequence for a new generation.
func (s *Session) startLocked() error {
	s.generation++
	generation := s.generation
	s.attempted = false
	s.upgradeDone = false
	s.upgraded = nil

	s.servers = ice.FastAcquire(s.opts.Cache, s.clk.Now())
	s.log.Info("ice servers acquired", "source", s.servers.Source, "count", len(s.servers.Servers))

	provider, err := s.opts.Factory(s.servers)
	if err != nil {
		s.state = StateIdle
		return err
	}
	provider.OnPeerList(func(list mesh.PeerList) {
		s.handlePeerList(generation, list)
	})
	s.provider = provider
	if err := provider.Connect(); err != nil {
		return err
	}
	s.state = StateConnectedSTUN

	if s.opts.Fetcher != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.fetchCancel = cancel
		go s.fetchCredentials(ctx, generation)
	}
	return nil
}

// teardownLocked disposes the current provider and all pending work.
// The generation bump makes in-flight async completions no-ops.
func (s *Session) teardownLocked() {
	s.generation++
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	if s.provider != nil {
		s.provider.Destroy()
		s.provider = nil
	}
	s.upgraded = nil
	s.servers = nil
}

// fetchCredentials awaits the slow TURN fetch. Success only stores the
// upgraded set (and refreshes the cache); failure leaves the session on
// STUN indefinitely, which is not an error.
func (s *Session) fetchCredentials(ctx context.Context, generation int) {
	set, err := s.opts.Fetcher(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.observe("turn fetch", err)
		s.mu.Lock()
		return
	}

	s.upgraded = set
	s.log.Info("turn credentials resolved", "turn", set.HasTURN())

	if s.opts.Cache != nil {
		if err := s.opts.Cache.Store(set); err != nil {
			s.observe("ice cache", err)
		}
	}
	// No reconnect here: the mesh may be healthy on STUN alone. The
	// upgrade waits for connectivity to drop to zero.
	s.maybeScheduleUpgradeLocked()
}

// handlePeerList tracks membership and drives the upgrade condition.
func (s *Session) handlePeerList(generation int, list mesh.PeerList) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation {
		return
	}
	s.lastList = list
	s.lastListAt = s.clk.Now()

	if len(list.WebRTCPeers) > 0 {
		s.attempted = true
	}

	if len(list.Connected) > 0 {
		// Peers are healthy: never upgrade now. A pending settle timer
		// belongs to a finished episode.
		if s.settleTimer != nil {
			s.settleTimer.Stop()
			s.settleTimer = nil
		}
		return
	}
	s.maybeScheduleUpgradeLocked()
}

// maybeScheduleUpgradeLocked arms the settle timer when every upgrade
// precondition holds: TURN resolved, a connection was attempted, zero
// confirmed peers, and no upgrade has run this generation.
func (s *Session) maybeScheduleUpgradeLocked() {
	if s.upgradeDone || s.settleTimer != nil {
		return
	}
	if s.upgraded == nil || !s.upgraded.HasTURN() {
		return
	}
	if !s.attempted || len(s.lastList.Connected) > 0 {
		return
	}

	generation := s.generation
	s.log.Info("scheduling turn upgrade", "settle", settleDelay)
	s.settleTimer = s.clk.AfterFunc(settleDelay, func() {
		s.runUpgrade(generation)
	})
}

// runUpgrade performs the single TURN reconnect for this generation:
// the previous provider is destroyed first, then a new one connects
// with the upgraded server set.
func (s *Session) runUpgrade(generation int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation || s.upgradeDone {
		return
	}
	s.settleTimer = nil
	if len(s.lastList.Connected) > 0 {
		// Connectivity recovered during the settle delay.
		return
	}

	upgraded := s.upgraded
	if upgraded == nil {
		return
	}
	s.upgradeDone = true
	s.log.Info("reconnecting with turn servers")

	if s.provider != nil {
		s.provider.Destroy()
		s.provider = nil
	}

	s.servers = upgraded
	provider, err := s.opts.Factory(upgraded)
	if err != nil {
		s.mu.Unlock()
		s.observe("turn upgrade", err)
		s.mu.Lock()
		return
	}
	provider.OnPeerList(func(list mesh.PeerList) {
		s.handlePeerList(generation, list)
	})
	s.provider = provider
	if err := provider.Connect(); err != nil {
		s.mu.Unlock()
		s.observe("turn upgrade", err)
		s.mu.Lock()
		return
	}
	s.state = StateConnectedTURN
}

// ResumeAfterSleep applies the resume heuristic after a foreground
// pause of the given duration: either keep waiting for the pending
// announcements, or restart from scratch. Reports whether a restart
// was issued.
func (s *Session) ResumeAfterSleep(slept time.Duration) (restarted bool, err error) {
	s.mu.Lock()
	list := s.lastList
	listAt := s.lastListAt
	s.mu.Unlock()

	if ShouldWaitForPeers(len(list.Connected), list.WebRTCPeers, list.RelayPeers, listAt, s.clk.Now(), slept) {
		return false, nil
	}
	return true, s.Restart("resume")
}

// ShouldWaitForPeers decides whether a resuming session should hold off
// reconnecting: only when nothing is confirmed connected, peers are
// pending, the peer list is recent, and the pause was short (slept <= 0
// means the duration is unknown and treated as short). peerCount > 0
// never waits — the mesh is already alive.
func ShouldWaitForPeers(peerCount int, webrtcPeers, relayPeers []string, lastPeerListAt, now time.Time, slept time.Duration) bool {
	if peerCount > 0 {
		return false
	}
	if len(webrtcPeers) == 0 && len(relayPeers) == 0 {
		return false
	}
	if now.Sub(lastPeerListAt) >= stalePeerListAge {
		return false
	}
	if slept >= maxResumeSleep {
		return false
	}
	return true
}
