package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("PlaintextZstd", func(t *testing.T) {
		c, err := New(AlgorithmZstd, nil)
		require.NoError(t, err)
		assert.False(t, c.Encrypted())
	})

	t.Run("BadKeySize", func(t *testing.T) {
		_, err := New(AlgorithmZstd, []byte("short"))
		assert.Error(t, err)
	})

	t.Run("UnknownAlgorithm", func(t *testing.T) {
		_, err := New(Algorithm(99), nil)
		assert.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":          {},
		"small":          []byte("hello"),
		"binary":         {0x00, 0xff, 0x01, 0xfe, 0x80},
		"repetitive":     bytes.Repeat([]byte("task list entry "), 4096),
		"incompressible": randomBytes(t, 64*1024),
	}

	for _, algorithm := range []Algorithm{AlgorithmZstd, AlgorithmLZ4} {
		t.Run(algorithm.String(), func(t *testing.T) {
			c, err := New(algorithm, nil)
			require.NoError(t, err)

			for name, payload := range payloads {
				t.Run(name, func(t *testing.T) {
					frame, err := c.Encode(payload)
					require.NoError(t, err)
					require.NotEmpty(t, frame)

					decoded, err := c.Decode(frame)
					require.NoError(t, err)
					assert.Equal(t, payload, decoded)
				})
			}
		})
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	key := DeriveKey("hunter2", "standup")
	require.Len(t, key, KeySize)

	c, err := New(AlgorithmZstd, key)
	require.NoError(t, err)
	require.True(t, c.Encrypted())

	payload := []byte(`{"title":"buy milk","done":false}`)
	frame, err := c.Encode(payload)
	require.NoError(t, err)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	// Ciphertext must not leak the plaintext.
	assert.NotContains(t, string(frame), "buy milk")
}

func TestEncodeProducesDistinctFrames(t *testing.T) {
	// Same payload sent twice arrives as two frames that each decode
	// independently. With encryption the frames differ (fresh nonces).
	key := DeriveKey("hunter2", "standup")
	c, err := New(AlgorithmZstd, key)
	require.NoError(t, err)

	payload := []byte("hello")
	first, err := c.Encode(payload)
	require.NoError(t, err)
	second, err := c.Encode(payload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	for _, frame := range [][]byte{first, second} {
		decoded, err := c.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	}
}

func TestDecodeRejects(t *testing.T) {
	plain, err := New(AlgorithmZstd, nil)
	require.NoError(t, err)

	t.Run("EmptyFrame", func(t *testing.T) {
		_, err := plain.Decode(nil)
		assert.Error(t, err)
	})

	t.Run("UnknownAlgorithmTag", func(t *testing.T) {
		frame, err := plain.Encode([]byte("hello"))
		require.NoError(t, err)
		frame[0] = 0x7f
		_, err = plain.Decode(frame)
		assert.Error(t, err)
	})

	t.Run("CorruptBody", func(t *testing.T) {
		frame, err := plain.Encode(bytes.Repeat([]byte("abc"), 200))
		require.NoError(t, err)
		frame[len(frame)-1] ^= 0xff
		_, err = plain.Decode(frame)
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		sender, err := New(AlgorithmZstd, DeriveKey("hunter2", "standup"))
		require.NoError(t, err)
		receiver, err := New(AlgorithmZstd, DeriveKey("wrong", "standup"))
		require.NoError(t, err)

		frame, err := sender.Encode([]byte("hello"))
		require.NoError(t, err)
		_, err = receiver.Decode(frame)
		assert.Error(t, err)
	})

	t.Run("PlaintextFrameOnEncryptedCodec", func(t *testing.T) {
		sealed, err := New(AlgorithmZstd, DeriveKey("hunter2", "standup"))
		require.NoError(t, err)

		frame, err := plain.Encode([]byte("hello"))
		require.NoError(t, err)
		_, err = sealed.Decode(frame)
		assert.Error(t, err)
	})
}

func TestDeriveKey(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, DeriveKey("s", "r"), DeriveKey("s", "r"))
	})

	t.Run("RoomSeparation", func(t *testing.T) {
		assert.NotEqual(t, DeriveKey("s", "room-a"), DeriveKey("s", "room-b"))
	})

	t.Run("SecretSeparation", func(t *testing.T) {
		assert.NotEqual(t, DeriveKey("a", "room"), DeriveKey("b", "room"))
	})
}

func TestSealJSONRoundTrip(t *testing.T) {
	key := DeriveKey("hunter2", "standup")
	payload := []byte(`{"type":"announce","from":"peer-a"}`)

	sealed, err := SealJSON(key, payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, sealed)

	opened, err := OpenJSON(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	// xorshift keeps the data incompressible without needing crypto/rand.
	state := uint64(0x9e3779b97f4a7c15)
	for i := range buf {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		buf[i] = byte(state)
	}
	return buf
}
