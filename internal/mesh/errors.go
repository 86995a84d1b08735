package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrDestroyed       = errors.New("mesh destroyed")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrChannelNotOpen  = errors.New("data channel not open")
	ErrUnexpectedState = errors.New("unexpected signal state")
)

// Observe is the non-fatal observability callback: recovered and
// swallowed errors are reported here so a host application can log
// them, but the mesh itself never crashes from them.
type Observe func(scope string, err error)

// NopObserve discards reports.
func NopObserve(string, error) {}

// MeshError wraps an operation-scoped failure.
type MeshError struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *MeshError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *MeshError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *MeshError {
	return &MeshError{Op: op, Err: err}
}

func NewPeerError(op, peer string, err error) *MeshError {
	return &MeshError{Op: op, Peer: peer, Err: err}
}
