package mesh

import (
	"sort"
	"sync"

	"github.com/HASMAC-AS/daylist/internal/doc"
)

// Room is one shared document's presence in the mesh: the document and
// awareness bindings plus the set of peers known through the relay.
// A Room is owned by exactly one Provider and destroyed with it.
type Room struct {
	Name     string
	LocalID  string
	Doc      doc.Document
	Presence *doc.Presence

	mu         sync.Mutex
	relayPeers map[string]struct{}
}

func newRoom(name, localID string, document doc.Document, presence *doc.Presence) *Room {
	return &Room{
		Name:       name,
		LocalID:    localID,
		Doc:        document,
		Presence:   presence,
		relayPeers: make(map[string]struct{}),
	}
}

// addRelayPeer records a peer id seen through the relay. Reports
// whether membership changed.
func (r *Room) addRelayPeer(id string) bool {
	if id == "" || id == r.LocalID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.relayPeers[id]; ok {
		return false
	}
	r.relayPeers[id] = struct{}{}
	return true
}

// removeRelayPeer drops a peer id. Reports whether membership changed.
func (r *Room) removeRelayPeer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.relayPeers[id]; !ok {
		return false
	}
	delete(r.relayPeers, id)
	return true
}

// RelayPeers returns the sorted ids currently known through the relay.
func (r *Room) RelayPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.relayPeers))
	for id := range r.relayPeers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
