package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Default configuration values (production)
const (
	DefaultSignalingURL = "wss://signal.daylist.app/ws"
	DefaultSTUN         = "stun:stun.l.google.com:19302"
	DefaultTURN         = "" // Optional, empty by default
	DefaultTURNUser     = "daylist"
	DefaultTURNPass     = "daylist-secret"
)

var ErrMissingRoom = errors.New("room name is required")

// Config holds application configuration.
type Config struct {
	// SignalingURLs are the websocket relay endpoints. Each URL gets its
	// own signaling client; one healthy relay is enough for a mesh.
	SignalingURLs []string

	// Room is the shared document room name (the relay topic).
	Room string

	// Secret, when non-empty, enables end-to-end encryption of signaling
	// payloads and data channel frames for the room.
	Secret string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ICECachePath is where the last-known-good ICE server set is kept
	// across restarts. Empty disables caching.
	ICECachePath string
}

// Options for loading config with CLI flag overrides.
type Options struct {
	SignalingURLs []string
	Room          string
	Secret        string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	ICECachePath  string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
//
// A missing room is a configuration error and fails here, before any
// session is constructed.
func Load(opts Options) (*Config, error) {
	room := opts.Room
	if room == "" {
		room = os.Getenv("DAYLIST_ROOM")
	}
	if room == "" {
		return nil, ErrMissingRoom
	}

	secret := opts.Secret
	if secret == "" {
		secret = os.Getenv("DAYLIST_SECRET")
	}

	urls := opts.SignalingURLs
	if len(urls) == 0 {
		if env := os.Getenv("DAYLIST_SIGNALING"); env != "" {
			urls = strings.Split(env, ",")
		}
	}
	if len(urls) == 0 {
		urls = []string{DefaultSignalingURL}
	}

	stunServer := opts.STUNServer
	if stunServer == "" {
		stunServer = os.Getenv("STUN_SERVER")
	}
	if stunServer == "" {
		stunServer = DefaultSTUN
	}

	turnServer := opts.TURNServer
	if turnServer == "" {
		turnServer = os.Getenv("TURN_SERVER")
	}
	if turnServer == "" {
		turnServer = DefaultTURN
	}

	turnUser := opts.TURNUser
	if turnUser == "" {
		turnUser = os.Getenv("TURN_USERNAME")
	}
	if turnUser == "" {
		turnUser = DefaultTURNUser
	}

	turnPass := opts.TURNPass
	if turnPass == "" {
		turnPass = os.Getenv("TURN_PASSWORD")
	}
	if turnPass == "" {
		turnPass = DefaultTURNPass
	}

	cachePath := opts.ICECachePath
	if cachePath == "" {
		cachePath = os.Getenv("DAYLIST_ICE_CACHE")
	}
	if cachePath == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cachePath = filepath.Join(dir, "daylist", "ice-servers.bin")
		}
	}

	return &Config{
		SignalingURLs: urls,
		Room:          room,
		Secret:        secret,
		STUNServer:    stunServer,
		TURNServer:    turnServer,
		TURNUser:      turnUser,
		TURNPass:      turnPass,
		ICECachePath:  cachePath,
	}, nil
}

// GetSTUNServers returns STUN server URLs as strings.
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. TURNServer
// carries the scheme (turn:host).
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
