package mesh

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HASMAC-AS/daylist/internal/codec"
	"github.com/HASMAC-AS/daylist/internal/doc"
	"github.com/HASMAC-AS/daylist/internal/signaling"
)

func newTestProvider(t *testing.T, localID string) (*Provider, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	p, err := NewProvider(ProviderOptions{
		RoomName:    "standup",
		LocalID:     localID,
		Document:    doc.NewTaskList(localID),
		LinkFactory: factory.New,
	})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p, factory
}

func publishMsg(t *testing.T, payload signaling.Payload) *signaling.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &signaling.Message{
		Type:  signaling.MessageTypePublish,
		Topic: "standup",
		Data:  data,
	}
}

func TestProviderValidation(t *testing.T) {
	_, err := NewProvider(ProviderOptions{Document: doc.NewTaskList("x")})
	assert.ErrorIs(t, err, ErrMissingRoomName)

	_, err = NewProvider(ProviderOptions{RoomName: "standup"})
	assert.ErrorIs(t, err, ErrMissingDocument)
}

func TestProviderReadyWithoutSecret(t *testing.T) {
	p, _ := newTestProvider(t, "peer-a")
	select {
	case <-p.Ready():
	default:
		t.Fatal("provider without secret must be ready synchronously")
	}
}

func TestProviderKeyDerivationOffConstructionPath(t *testing.T) {
	release := make(chan struct{})
	built := make(chan struct{})

	p, err := NewProvider(ProviderOptions{
		RoomName: "standup",
		Secret:   "hunter2",
		LocalID:  "peer-a",
		Document: doc.NewTaskList("peer-a"),
		deriveKey: func(secret, room string) []byte {
			<-release
			defer close(built)
			return make([]byte, codec.KeySize)
		},
	})
	require.NoError(t, err)

	// Construction returned while derivation is still blocked.
	select {
	case <-p.Ready():
		t.Fatal("ready before key derivation finished")
	default:
	}

	close(release)
	<-built
	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("provider never became ready")
	}
	p.Destroy()
}

func TestProviderDestroyDuringDerivation(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})

	p, err := NewProvider(ProviderOptions{
		RoomName: "standup",
		Secret:   "hunter2",
		LocalID:  "peer-a",
		Document: doc.NewTaskList("peer-a"),
		deriveKey: func(secret, room string) []byte {
			<-release
			defer close(done)
			return make([]byte, codec.KeySize)
		},
	})
	require.NoError(t, err)

	p.Destroy()
	close(release)
	<-done

	// Destroy won the race: the room is never constructed.
	assert.Never(t, func() bool {
		select {
		case <-p.Ready():
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, 20*time.Millisecond)

	room, registry := p.current()
	assert.Nil(t, room)
	assert.Nil(t, registry)
}

func TestProviderAnnounceCreatesPeer(t *testing.T) {
	p, factory := newTestProvider(t, "peer-a")

	p.handleSignalingMessage(publishMsg(t, signaling.Payload{
		Type: signaling.PayloadTypeAnnounce,
		From: "peer-b",
		Room: "standup",
	}))

	_, registry := p.current()
	all, _ := registry.Peers()
	assert.Equal(t, []string{"peer-b"}, all)
	require.Equal(t, 1, factory.count())
	assert.True(t, factory.last().initiator)

	// A repeat announce against the healthy record changes nothing.
	p.handleSignalingMessage(publishMsg(t, signaling.Payload{
		Type: signaling.PayloadTypeAnnounce,
		From: "peer-b",
		Room: "standup",
	}))
	assert.Equal(t, 1, factory.count())
}

func TestProviderIgnoresOwnAnnounce(t *testing.T) {
	p, factory := newTestProvider(t, "peer-a")
	p.handleSignalingMessage(publishMsg(t, signaling.Payload{
		Type: signaling.PayloadTypeAnnounce,
		From: "peer-a",
		Room: "standup",
	}))
	assert.Zero(t, factory.count())
}

func TestProviderWelcomeSeedsPeers(t *testing.T) {
	p, factory := newTestProvider(t, "peer-m")

	var lists []PeerList
	p.OnPeerList(func(list PeerList) { lists = append(lists, list) })

	p.handleSignalingMessage(&signaling.Message{
		Type:  signaling.MessageTypeWelcome,
		Topic: "standup",
		Peers: []string{"peer-a", "peer-z"},
	})

	assert.Equal(t, 2, factory.count())
	require.NotEmpty(t, lists)
	last := lists[len(lists)-1]
	assert.Equal(t, []string{"peer-a", "peer-z"}, last.RelayPeers)
	assert.ElementsMatch(t, []string{"peer-a", "peer-z"}, last.WebRTCPeers)
	assert.Empty(t, last.Connected)
}

func TestProviderSignalRouting(t *testing.T) {
	p, factory := newTestProvider(t, "peer-z")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	p.handleSignalingMessage(publishMsg(t, signaling.Payload{
		Type:   signaling.PayloadTypeSignal,
		From:   "peer-a",
		To:     "peer-z",
		Room:   "standup",
		Signal: offer,
	}))

	require.Equal(t, 1, factory.count())
	link := factory.last()
	assert.False(t, link.initiator)
	require.Len(t, link.signals, 1)
	assert.Equal(t, offer, link.signals[0])

	t.Run("OtherRecipientDropped", func(t *testing.T) {
		p.handleSignalingMessage(publishMsg(t, signaling.Payload{
			Type:   signaling.PayloadTypeSignal,
			From:   "peer-b",
			To:     "peer-q",
			Room:   "standup",
			Signal: offer,
		}))
		assert.Equal(t, 1, factory.count())
	})
}

func TestProviderInitialSyncOnOpen(t *testing.T) {
	p, factory := newTestProvider(t, "peer-a")

	p.handleSignalingMessage(publishMsg(t, signaling.Payload{
		Type: signaling.PayloadTypeAnnounce,
		From: "peer-b",
		Room: "standup",
	}))
	link := factory.last()
	link.events.OnICEState(ICEConnected)
	link.events.OnOpen()

	// State vector, our presence, and a query for theirs.
	require.Len(t, link.sent, 3)
	frameCodec, err := codec.New(codec.AlgorithmZstd, nil)
	require.NoError(t, err)

	kinds := make([]MessageKind, 0, len(link.sent))
	for _, frame := range link.sent {
		payload, err := frameCodec.Decode(frame)
		require.NoError(t, err)
		msg, err := DecodeMessage(payload)
		require.NoError(t, err)
		kinds = append(kinds, msg.Kind)
	}
	assert.Equal(t, []MessageKind{KindSyncStep1, KindAwareness, KindAwarenessQuery}, kinds)
}

func TestProviderPeerLeft(t *testing.T) {
	p, _ := newTestProvider(t, "peer-a")

	p.handleSignalingMessage(&signaling.Message{
		Type:  signaling.MessageTypeWelcome,
		Topic: "standup",
		Peers: []string{"peer-b"},
	})
	room, _ := p.current()
	remote := doc.NewPresence("peer-b")
	remote.SetLocalState([]byte(`{"name":"bob"}`))
	require.NoError(t, room.Presence.ApplyUpdate(remote.LocalUpdate()))
	require.Contains(t, room.Presence.States(), "peer-b")

	p.handleSignalingMessage(&signaling.Message{
		Type: signaling.MessageTypePeerLeft,
		ID:   "peer-b",
		Room: "standup",
	})
	assert.Empty(t, room.RelayPeers())
	assert.NotContains(t, room.Presence.States(), "peer-b")
}

func TestSealSignalingData(t *testing.T) {
	payload := []byte(`{"type":"announce","from":"peer-a"}`)

	t.Run("PlaintextPassthrough", func(t *testing.T) {
		data, err := sealSignalingData(nil, payload)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(payload), data)

		opened, err := openSignalingData(nil, data)
		require.NoError(t, err)
		assert.Equal(t, payload, opened)
	})

	t.Run("SealedRoundTrip", func(t *testing.T) {
		key := codec.DeriveKey("hunter2", "standup")
		data, err := sealSignalingData(key, payload)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "announce")

		opened, err := openSignalingData(key, data)
		require.NoError(t, err)
		assert.Equal(t, payload, opened)
	})

	t.Run("WrongKeyFails", func(t *testing.T) {
		key := codec.DeriveKey("hunter2", "standup")
		data, err := sealSignalingData(key, payload)
		require.NoError(t, err)

		_, err = openSignalingData(codec.DeriveKey("other", "standup"), data)
		assert.Error(t, err)
	})
}
