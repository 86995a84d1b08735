package mesh

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind discriminates sync messages on a data channel. These
// values are protocol constants.
type MessageKind uint8

const (
	// KindSyncStep1 carries a state vector; the receiver answers with
	// the updates that state vector is missing.
	KindSyncStep1 MessageKind = 0

	// KindSyncStep2 carries the diff update answering a SyncStep1.
	KindSyncStep2 MessageKind = 1

	// KindUpdate carries an incremental document update.
	KindUpdate MessageKind = 2

	// KindAwarenessQuery asks the receiver for its full presence view.
	KindAwarenessQuery MessageKind = 3

	// KindAwareness carries a presence update.
	KindAwareness MessageKind = 4
)

func (k MessageKind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync-step1"
	case KindSyncStep2:
		return "sync-step2"
	case KindUpdate:
		return "update"
	case KindAwarenessQuery:
		return "awareness-query"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// SyncMessage is the logical payload of one data channel frame, before
// the codec's compress/encrypt stages.
type SyncMessage struct {
	Kind MessageKind `msgpack:"kind"`
	Body []byte      `msgpack:"body"`
}

// EncodeMessage serializes a sync message.
func EncodeMessage(kind MessageKind, body []byte) []byte {
	encoded, err := msgpack.Marshal(SyncMessage{Kind: kind, Body: body})
	if err != nil {
		panic("mesh: sync message encode: " + err.Error())
	}
	return encoded
}

// DecodeMessage parses a sync message. Failure means the peer and we
// disagree about the protocol.
func DecodeMessage(payload []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode sync message: %w", err)
	}
	return &msg, nil
}
