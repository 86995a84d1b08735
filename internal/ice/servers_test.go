package ice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasTURN(t *testing.T) {
	assert.False(t, (*ServerSet)(nil).HasTURN())

	stun := &ServerSet{Servers: []Server{{URLs: []string{"stun:stun.example.com:3478"}}}}
	assert.False(t, stun.HasTURN())

	turn := &ServerSet{Servers: []Server{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}}
	assert.True(t, turn.HasTURN())

	turns := &ServerSet{Servers: []Server{{URLs: []string{"turns:turn.example.com:5349"}}}}
	assert.True(t, turns.HasTURN())
}

func TestFresh(t *testing.T) {
	now := time.Now()
	assert.False(t, (*ServerSet)(nil).Fresh(now))
	assert.True(t, (&ServerSet{AcquiredAt: now.Add(-time.Hour)}).Fresh(now))
	assert.False(t, (&ServerSet{AcquiredAt: now.Add(-cacheMaxAge)}).Fresh(now))
}

func TestPionServers(t *testing.T) {
	set := &ServerSet{Servers: []Server{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
	}}
	servers := set.PionServers()
	require.Len(t, servers, 2)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "c", servers[1].Credential)

	assert.Nil(t, (*ServerSet)(nil).PionServers())
}

func TestFastAcquire(t *testing.T) {
	now := time.Now()

	t.Run("NilCacheFallsBack", func(t *testing.T) {
		set := FastAcquire(nil, now)
		require.NotNil(t, set)
		assert.Equal(t, SourceSTUNFallback, set.Source)
		assert.False(t, set.HasTURN())
	})

	t.Run("MissingCacheFileFallsBack", func(t *testing.T) {
		cache := NewCache(filepath.Join(t.TempDir(), "missing.bin"))
		set := FastAcquire(cache, now)
		assert.Equal(t, SourceSTUNFallback, set.Source)
	})

	t.Run("FreshCacheWins", func(t *testing.T) {
		cache := NewCache(filepath.Join(t.TempDir(), "ice.bin"))
		stored := &ServerSet{
			Servers:    []Server{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"}},
			Source:     SourceTURNFetch,
			AcquiredAt: now.Add(-time.Hour),
		}
		require.NoError(t, cache.Store(stored))

		set := FastAcquire(cache, now)
		assert.Equal(t, SourceCache, set.Source)
		assert.True(t, set.HasTURN())
	})

	t.Run("StaleCacheFallsBack", func(t *testing.T) {
		cache := NewCache(filepath.Join(t.TempDir(), "ice.bin"))
		require.NoError(t, cache.Store(&ServerSet{
			Servers:    []Server{{URLs: []string{"turn:turn.example.com:3478"}}},
			AcquiredAt: now.Add(-2 * cacheMaxAge),
		}))

		set := FastAcquire(cache, now)
		assert.Equal(t, SourceSTUNFallback, set.Source)
	})
}

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "nested", "dir", "ice.bin"))

	stored := &ServerSet{
		Servers: []Server{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
		},
		Source:     SourceTURNFetch,
		AcquiredAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, cache.Store(stored))

	loaded, err := cache.Load()
	require.NoError(t, err)
	assert.Equal(t, stored.Servers, loaded.Servers)
	assert.Equal(t, stored.Source, loaded.Source)

	t.Run("CorruptFile", func(t *testing.T) {
		require.NoError(t, os.WriteFile(cache.path, []byte{0xc1, 0xc1}, 0o600))
		_, err := cache.Load()
		assert.Error(t, err)
	})
}

func TestNewCacheEmptyPath(t *testing.T) {
	assert.Nil(t, NewCache(""))
}

func TestStaticFetcher(t *testing.T) {
	fetcher := StaticFetcher([]string{"turn:turn.example.com:3478"}, "u", "c")
	set, err := fetcher(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceTURNFetch, set.Source)
	assert.True(t, set.HasTURN())

	// The STUN fallback rides along so pion can still try direct paths.
	assert.Equal(t, fallbackSTUN, set.Servers[0].URLs)
}
