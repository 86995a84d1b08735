package ice

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache persists the last-known-good ICE server set across restarts so
// the next start can skip the TURN credential round-trip.
type Cache struct {
	path string
}

// NewCache creates a cache at the given file path. An empty path
// returns nil, which disables caching.
func NewCache(path string) *Cache {
	if path == "" {
		return nil
	}
	return &Cache{path: path}
}

// Load reads the cached server set. A missing or undecodable file is
// an error; callers fall back to STUN.
func (c *Cache) Load() (*ServerSet, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	var set ServerSet
	if err := msgpack.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode ice cache: %w", err)
	}
	return &set, nil
}

// Store writes the server set atomically (temp file + rename).
func (c *Cache) Store(set *ServerSet) error {
	encoded, err := msgpack.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode ice cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
