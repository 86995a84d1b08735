package signaling

import (
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
)

// Registry shares signaling clients between providers: two rooms on the
// same relay URL for the same local peer multiplex one websocket. Each
// client tracks its owner set; the client is closed exactly when the
// last owner releases it.
//
// Clients are keyed by (url, peer id): the peer id rides along in the
// dial URL, so the relay attributes every connection to the id its
// owner signals under.
type Registry struct {
	clk clock.Clock
	log *slog.Logger

	mu      sync.Mutex
	clients map[clientKey]*sharedClient

	// newClient is swappable so tests can inject fakes.
	newClient func(url, peerID string) *Client
}

type clientKey struct {
	url    string
	peerID string
}

type sharedClient struct {
	client *Client
	owners map[any]struct{}
}

// NewRegistry creates an empty client registry.
func NewRegistry(clk clock.Clock, log *slog.Logger) *Registry {
	r := &Registry{
		clk:     clk,
		log:     log,
		clients: make(map[clientKey]*sharedClient),
	}
	r.newClient = func(url, peerID string) *Client {
		return NewClient(url, peerID, clk, log)
	}
	return r
}

// Acquire returns the live client for (url, peerID), creating one if
// needed, and records owner in its owner set. Calling Acquire twice
// with the same owner is idempotent.
func (r *Registry) Acquire(url, peerID string, owner any) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey{url: url, peerID: peerID}
	shared, ok := r.clients[key]
	if !ok {
		shared = &sharedClient{
			client: r.newClient(url, peerID),
			owners: make(map[any]struct{}),
		}
		r.clients[key] = shared
	}
	shared.owners[owner] = struct{}{}
	return shared.client
}

// Release removes owner from the client's owner set and closes the
// client once no owners remain. Releasing an unknown owner or key is a
// no-op.
func (r *Registry) Release(url, peerID string, owner any) {
	r.mu.Lock()
	key := clientKey{url: url, peerID: peerID}
	shared, ok := r.clients[key]
	if ok {
		delete(shared.owners, owner)
		if len(shared.owners) == 0 {
			delete(r.clients, key)
		} else {
			shared = nil
		}
	}
	r.mu.Unlock()

	if ok && shared != nil {
		shared.client.Close()
	}
}

// Close releases every client regardless of owners. Used at process
// shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for key, shared := range r.clients {
		clients = append(clients, shared.client)
		delete(r.clients, key)
	}
	r.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
