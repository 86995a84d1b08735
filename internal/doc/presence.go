package doc

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// presenceEntry is one peer's presence record. Clock orders updates
// from the same peer; a nil State is a departure tombstone.
type presenceEntry struct {
	PeerID string `msgpack:"peer"`
	Clock  uint64 `msgpack:"clock"`
	State  []byte `msgpack:"state"`
}

type presenceUpdate struct {
	Entries []presenceEntry `msgpack:"entries"`
}

// Presence is an in-memory Awareness store. Each peer owns exactly one
// entry, versioned by a per-peer clock so stale updates arriving out of
// order are ignored.
type Presence struct {
	mu      sync.Mutex
	localID string
	entries map[string]presenceEntry

	subs   map[int]func()
	nextID int
}

var _ Awareness = (*Presence)(nil)

// NewPresence creates a presence store for the given local peer id.
func NewPresence(localID string) *Presence {
	return &Presence{
		localID: localID,
		entries: make(map[string]presenceEntry),
		subs:    make(map[int]func()),
	}
}

func (p *Presence) SetLocalState(state []byte) {
	p.mu.Lock()
	entry := p.entries[p.localID]
	entry.PeerID = p.localID
	entry.Clock++
	entry.State = state
	p.entries[p.localID] = entry
	subs := p.snapshotSubs()
	p.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (p *Presence) LocalUpdate() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[p.localID]
	if !ok {
		entry = presenceEntry{PeerID: p.localID}
	}
	return encodePresence([]presenceEntry{entry})
}

// FullUpdate encodes every known peer state, for answering an
// awareness query from a newly connected peer.
func (p *Presence) FullUpdate() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]presenceEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	return encodePresence(entries)
}

func (p *Presence) ApplyUpdate(update []byte) error {
	var decoded presenceUpdate
	if err := msgpack.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("decode presence update: %w", err)
	}

	p.mu.Lock()
	changed := false
	for _, incoming := range decoded.Entries {
		if incoming.PeerID == p.localID {
			// Never let a remote echo overwrite our own state.
			continue
		}
		existing, ok := p.entries[incoming.PeerID]
		if ok && incoming.Clock <= existing.Clock {
			continue
		}
		p.entries[incoming.PeerID] = incoming
		changed = true
	}
	var subs []func()
	if changed {
		subs = p.snapshotSubs()
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return nil
}

func (p *Presence) States() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]byte, len(p.entries))
	for id, entry := range p.entries {
		if entry.State != nil {
			out[id] = entry.State
		}
	}
	return out
}

// Forget drops a remote peer's entry, used when its connection dies
// without a departure update.
func (p *Presence) Forget(peerID string) {
	p.mu.Lock()
	_, ok := p.entries[peerID]
	if ok {
		delete(p.entries, peerID)
	}
	var subs []func()
	if ok {
		subs = p.snapshotSubs()
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (p *Presence) OnChange(fn func()) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Presence) snapshotSubs() []func() {
	out := make([]func(), 0, len(p.subs))
	for _, fn := range p.subs {
		out = append(out, fn)
	}
	return out
}

func encodePresence(entries []presenceEntry) []byte {
	encoded, err := msgpack.Marshal(presenceUpdate{Entries: entries})
	if err != nil {
		panic("presence: update encode: " + err.Error())
	}
	return encoded
}
