// Package doc defines the document and presence contracts the sync mesh
// replicates, plus a concrete task-list document used by the CLI.
//
// The mesh never looks inside a document: it moves opaque update blobs
// and state vectors between peers and lets the document merge them.
package doc

// Document is a replicated object. Implementations must be safe for
// concurrent use; the mesh calls into a document from connection
// goroutines.
type Document interface {
	// ApplyUpdate merges a remote update blob into local state.
	ApplyUpdate(update []byte) error

	// StateVector returns a compact summary of everything this replica
	// has seen. Another replica can answer it with a diff update.
	StateVector() []byte

	// DiffUpdate encodes every change the remote replica (described by
	// its state vector) is missing. An empty/nil state vector means
	// "send everything".
	DiffUpdate(remoteStateVector []byte) ([]byte, error)

	// OnUpdate registers a callback fired with the encoded update for
	// every local or merged change. The returned func cancels the
	// subscription.
	OnUpdate(fn func(update []byte)) (cancel func())
}

// Awareness is ephemeral per-peer presence state, distinct from the
// persisted document. States are opaque to the mesh.
type Awareness interface {
	// SetLocalState replaces this peer's presence state. nil marks the
	// local peer as gone.
	SetLocalState(state []byte)

	// LocalUpdate encodes the local peer's current state for broadcast.
	LocalUpdate() []byte

	// ApplyUpdate merges a remote presence update.
	ApplyUpdate(update []byte) error

	// States returns a snapshot of all known peer states, keyed by peer
	// id. Peers that announced departure are absent.
	States() map[string][]byte

	// OnChange registers a callback fired after any state change. The
	// returned func cancels the subscription.
	OnChange(fn func()) (cancel func())
}
