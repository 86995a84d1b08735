package signaling_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HASMAC-AS/daylist/internal/relay"
	"github.com/HASMAC-AS/daylist/internal/signaling"
)

// testRelay runs a real relay over httptest so the client is exercised
// against the actual server implementation.
type testRelay struct {
	server *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(log)
	go hub.Run()

	server := httptest.NewServer(relay.Handler(hub, log))
	t.Cleanup(server.Close)
	return &testRelay{server: server}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

type recorder struct {
	mu   sync.Mutex
	msgs []*signaling.Message
}

func (r *recorder) handle(msg *signaling.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) ofType(msgType string) []*signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*signaling.Message{}
	for _, msg := range r.msgs {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func newTestClient(t *testing.T, r *testRelay, peerID string) (*signaling.Client, *recorder) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := signaling.NewClient(r.wsURL(), peerID, clock.New(), log)
	t.Cleanup(client.Close)

	rec := &recorder{}
	client.OnMessage(rec.handle)
	return client, rec
}

func TestClientSubscribeWelcome(t *testing.T) {
	r := newTestRelay(t)
	client, rec := newTestClient(t, r, "peer-a")

	client.Subscribe("standup")
	require.Eventually(t, func() bool {
		return len(rec.ofType(signaling.MessageTypeWelcome)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	welcome := rec.ofType(signaling.MessageTypeWelcome)[0]
	assert.Equal(t, "standup", welcome.Topic)
	assert.Empty(t, welcome.Peers)
	assert.True(t, client.Connected())
}

func TestClientPeerLifecycle(t *testing.T) {
	r := newTestRelay(t)
	a, recA := newTestClient(t, r, "peer-a")
	a.Subscribe("standup")
	require.Eventually(t, func() bool {
		return len(recA.ofType(signaling.MessageTypeWelcome)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b, recB := newTestClient(t, r, "peer-b")
	b.Subscribe("standup")

	// The joiner is welcomed with the existing peer; the existing peer
	// hears peer-joined.
	require.Eventually(t, func() bool {
		return len(recB.ofType(signaling.MessageTypeWelcome)) == 1 &&
			len(recA.ofType(signaling.MessageTypePeerJoined)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"peer-a"}, recB.ofType(signaling.MessageTypeWelcome)[0].Peers)
	assert.Equal(t, "peer-b", recA.ofType(signaling.MessageTypePeerJoined)[0].ID)

	b.Close()
	require.Eventually(t, func() bool {
		return len(recA.ofType(signaling.MessageTypePeerLeft)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "peer-b", recA.ofType(signaling.MessageTypePeerLeft)[0].ID)
}

func TestClientPublishFanOut(t *testing.T) {
	r := newTestRelay(t)
	a, recA := newTestClient(t, r, "peer-a")
	b, recB := newTestClient(t, r, "peer-b")
	a.Subscribe("standup")
	b.Subscribe("standup")
	require.Eventually(t, func() bool {
		return len(recA.ofType(signaling.MessageTypeWelcome)) == 1 &&
			len(recB.ofType(signaling.MessageTypeWelcome)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	data := json.RawMessage(`{"type":"announce","from":"peer-a"}`)
	require.NoError(t, a.Publish("standup", data))

	require.Eventually(t, func() bool {
		return len(recB.ofType(signaling.MessageTypePublish)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, string(data), string(recB.ofType(signaling.MessageTypePublish)[0].Data))

	// The sender never hears its own publish back.
	assert.Empty(t, recA.ofType(signaling.MessageTypePublish))
}

func TestClientSendWhenDisconnected(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Nothing listens on this port.
	client := signaling.NewClient("ws://127.0.0.1:1/ws", "peer-a", clock.New(), log)
	t.Cleanup(client.Close)

	err := client.Send(&signaling.Message{Type: signaling.MessageTypePing})
	assert.ErrorIs(t, err, signaling.ErrNotConnected)
}

func TestClientReconnectResubscribes(t *testing.T) {
	r := newTestRelay(t)
	client, rec := newTestClient(t, r, "peer-a")

	client.Subscribe("standup")
	require.Eventually(t, func() bool {
		return len(rec.ofType(signaling.MessageTypeWelcome)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the transport out from under the client. It must dial back
	// and re-subscribe its topics without help.
	r.server.CloseClientConnections()

	require.Eventually(t, func() bool {
		return len(rec.ofType(signaling.MessageTypeWelcome)) == 2
	}, 5*time.Second, 25*time.Millisecond)
	assert.True(t, client.Connected())
}

func TestRegistrySharesClients(t *testing.T) {
	r := newTestRelay(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := signaling.NewRegistry(clock.New(), log)
	t.Cleanup(registry.Close)

	url := r.wsURL()
	ownerA, ownerB := "a", "b"

	first := registry.Acquire(url, "peer-a", ownerA)
	second := registry.Acquire(url, "peer-a", ownerB)
	assert.Same(t, first, second, "same URL and peer yields one shared client")

	again := registry.Acquire(url, "peer-a", ownerA)
	assert.Same(t, first, again, "re-acquire by the same owner is idempotent")

	other := registry.Acquire(url, "peer-b", ownerA)
	assert.NotSame(t, first, other, "a different peer id gets its own connection")
	assert.Equal(t, "peer-b", other.PeerID)
	registry.Release(url, "peer-b", ownerA)

	// The client survives until the last owner releases it.
	registry.Release(url, "peer-a", ownerA)
	third := registry.Acquire(url, "peer-a", ownerB)
	assert.Same(t, first, third)
	registry.Release(url, "peer-a", ownerB)
	registry.Release(url, "peer-a", ownerB)

	fresh := registry.Acquire(url, "peer-a", ownerA)
	assert.NotSame(t, first, fresh, "release of the last owner closes the client")
}
