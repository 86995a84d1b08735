package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingRoom(t *testing.T) {
	_, err := Load(Options{})
	assert.ErrorIs(t, err, ErrMissingRoom)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{Room: "standup"})
	require.NoError(t, err)

	assert.Equal(t, "standup", cfg.Room)
	assert.Empty(t, cfg.Secret)
	assert.Equal(t, []string{DefaultSignalingURL}, cfg.SignalingURLs)
	assert.Equal(t, DefaultSTUN, cfg.STUNServer)
	assert.Empty(t, cfg.TURNServer)
	assert.NotEmpty(t, cfg.ICECachePath)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("DAYLIST_ROOM", "env-room")
	t.Setenv("DAYLIST_SECRET", "env-secret")
	t.Setenv("DAYLIST_SIGNALING", "wss://one.example.com/ws,wss://two.example.com/ws")
	t.Setenv("STUN_SERVER", "stun:env.example.com:3478")
	t.Setenv("TURN_SERVER", "turn:env.example.com")
	t.Setenv("DAYLIST_ICE_CACHE", "/tmp/env-ice.bin")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "env-room", cfg.Room)
	assert.Equal(t, "env-secret", cfg.Secret)
	assert.Equal(t, []string{"wss://one.example.com/ws", "wss://two.example.com/ws"}, cfg.SignalingURLs)
	assert.Equal(t, "stun:env.example.com:3478", cfg.STUNServer)
	assert.Equal(t, "turn:env.example.com", cfg.TURNServer)
	assert.Equal(t, "/tmp/env-ice.bin", cfg.ICECachePath)
}

func TestLoadFlagsBeatEnvironment(t *testing.T) {
	t.Setenv("DAYLIST_ROOM", "env-room")
	t.Setenv("STUN_SERVER", "stun:env.example.com:3478")

	cfg, err := Load(Options{
		Room:       "flag-room",
		STUNServer: "stun:flag.example.com:3478",
	})
	require.NoError(t, err)

	assert.Equal(t, "flag-room", cfg.Room)
	assert.Equal(t, "stun:flag.example.com:3478", cfg.STUNServer)
}

func TestGetTURNServers(t *testing.T) {
	cfg, err := Load(Options{Room: "standup"})
	require.NoError(t, err)
	assert.Nil(t, cfg.GetTURNServers())

	cfg, err = Load(Options{Room: "standup", TURNServer: "turn:turn.example.com"})
	require.NoError(t, err)
	urls := cfg.GetTURNServers()
	require.Len(t, urls, 3)
	assert.Equal(t, "turn:turn.example.com:3478?transport=udp", urls[0])
	assert.Equal(t, "turns:turn.example.com:5349?transport=tcp", urls[2])

	user, pass := cfg.GetTURNCredentials()
	assert.Equal(t, DefaultTURNUser, user)
	assert.Equal(t, DefaultTURNPass, pass)
}
