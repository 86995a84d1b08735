package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceLocalState(t *testing.T) {
	p := NewPresence("peer-a")

	var changes int
	p.OnChange(func() { changes++ })

	p.SetLocalState([]byte(`{"name":"alice"}`))
	assert.Equal(t, 1, changes)
	assert.Equal(t, []byte(`{"name":"alice"}`), p.States()["peer-a"])
}

func TestPresenceApplyUpdate(t *testing.T) {
	a := NewPresence("peer-a")
	b := NewPresence("peer-b")

	b.SetLocalState([]byte(`{"name":"bob"}`))
	require.NoError(t, a.ApplyUpdate(b.LocalUpdate()))
	assert.Equal(t, []byte(`{"name":"bob"}`), a.States()["peer-b"])

	t.Run("StaleClockIgnored", func(t *testing.T) {
		stale := encodePresence([]presenceEntry{{PeerID: "peer-b", Clock: 0, State: []byte(`old`)}})
		require.NoError(t, a.ApplyUpdate(stale))
		assert.Equal(t, []byte(`{"name":"bob"}`), a.States()["peer-b"])
	})

	t.Run("NewerClockApplied", func(t *testing.T) {
		b.SetLocalState([]byte(`{"name":"bob2"}`))
		require.NoError(t, a.ApplyUpdate(b.LocalUpdate()))
		assert.Equal(t, []byte(`{"name":"bob2"}`), a.States()["peer-b"])
	})

	t.Run("LocalEchoIgnored", func(t *testing.T) {
		a.SetLocalState([]byte(`{"name":"alice"}`))
		echo := encodePresence([]presenceEntry{{PeerID: "peer-a", Clock: 99, State: []byte(`imposter`)}})
		require.NoError(t, a.ApplyUpdate(echo))
		assert.Equal(t, []byte(`{"name":"alice"}`), a.States()["peer-a"])
	})

	t.Run("BadUpdate", func(t *testing.T) {
		assert.Error(t, a.ApplyUpdate([]byte{0xc1}))
	})
}

func TestPresenceFullUpdate(t *testing.T) {
	a := NewPresence("peer-a")
	a.SetLocalState([]byte(`a`))
	require.NoError(t, a.ApplyUpdate(encodePresence([]presenceEntry{
		{PeerID: "peer-b", Clock: 1, State: []byte(`b`)},
		{PeerID: "peer-c", Clock: 1, State: []byte(`c`)},
	})))

	// A third party applying the full update learns every state at once.
	fresh := NewPresence("peer-d")
	require.NoError(t, fresh.ApplyUpdate(a.FullUpdate()))
	assert.Len(t, fresh.States(), 3)
}

func TestPresenceForget(t *testing.T) {
	a := NewPresence("peer-a")
	require.NoError(t, a.ApplyUpdate(encodePresence([]presenceEntry{
		{PeerID: "peer-b", Clock: 1, State: []byte(`b`)},
	})))

	var changes int
	a.OnChange(func() { changes++ })

	a.Forget("peer-b")
	assert.NotContains(t, a.States(), "peer-b")
	assert.Equal(t, 1, changes)

	// Forgetting an unknown peer fires nothing.
	a.Forget("peer-x")
	assert.Equal(t, 1, changes)
}
