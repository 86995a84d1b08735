// Package ice handles ICE server acquisition: a synchronous fast path
// (cache, then a static STUN fallback) and an asynchronous TURN
// credential fetch the session can upgrade to later.
package ice

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Source records where a server set came from.
type Source string

const (
	SourceCache        Source = "cache"
	SourceSTUNFallback Source = "stun-fallback"
	SourceTURNFetch    Source = "turn-fetch"
)

// Server is one ICE server entry. Credentials are only set for TURN.
type Server struct {
	URLs       []string `msgpack:"urls"`
	Username   string   `msgpack:"username,omitempty"`
	Credential string   `msgpack:"credential,omitempty"`
}

// ServerSet is an ordered list of ICE servers plus provenance. Order
// matters: pion tries servers in sequence.
type ServerSet struct {
	Servers    []Server  `msgpack:"servers"`
	Source     Source    `msgpack:"source"`
	AcquiredAt time.Time `msgpack:"acquired_at"`
}

// Fetcher obtains fresh TURN credentials from some external endpoint.
// It may be slow; callers must never block connection setup on it.
type Fetcher func(ctx context.Context) (*ServerSet, error)

// fallbackSTUN are public STUN servers used when no cached set exists.
var fallbackSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// cacheMaxAge is how long a cached server set is trusted. TURN
// credentials are typically HMAC-limited to a day; half that keeps a
// healthy margin.
const cacheMaxAge = 12 * time.Hour

// HasTURN reports whether any server in the set is a TURN relay.
func (s *ServerSet) HasTURN() bool {
	if s == nil {
		return false
	}
	for _, server := range s.Servers {
		for _, url := range server.URLs {
			if len(url) >= 5 && (url[:5] == "turn:" || url[:6] == "turns:") {
				return true
			}
		}
	}
	return false
}

// Fresh reports whether the set is recent enough to reuse.
func (s *ServerSet) Fresh(now time.Time) bool {
	return s != nil && now.Sub(s.AcquiredAt) < cacheMaxAge
}

// PionServers converts the set for pion's Configuration.
func (s *ServerSet) PionServers() []webrtc.ICEServer {
	if s == nil {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(s.Servers))
	for _, server := range s.Servers {
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		out = append(out, entry)
	}
	return out
}

// FastAcquire returns a usable server set without network I/O: a fresh
// cached set if one exists, otherwise the static STUN fallback. cache
// may be nil.
func FastAcquire(cache *Cache, now time.Time) *ServerSet {
	if cache != nil {
		if cached, err := cache.Load(); err == nil && cached.Fresh(now) {
			cached.Source = SourceCache
			return cached
		}
	}
	return &ServerSet{
		Servers:    []Server{{URLs: fallbackSTUN}},
		Source:     SourceSTUNFallback,
		AcquiredAt: now,
	}
}

// StaticFetcher wraps a fixed TURN configuration as a Fetcher, for
// deployments with long-lived TURN credentials instead of a credential
// endpoint.
func StaticFetcher(urls []string, username, credential string) Fetcher {
	return func(ctx context.Context) (*ServerSet, error) {
		return &ServerSet{
			Servers: []Server{
				{URLs: fallbackSTUN},
				{URLs: urls, Username: username, Credential: credential},
			},
			Source:     SourceTURNFetch,
			AcquiredAt: time.Now(),
		}, nil
	}
}
