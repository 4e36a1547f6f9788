package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"geosync/internal/tiles"
)

// TileStore is the storage contract shared by the disk cache and the
// memory tier.
type TileStore interface {
	Get(source string, t tiles.TileIndex) ([]byte, bool)
	Set(source string, t tiles.TileIndex, data []byte) error
}

// MemoryTier keeps recently used tiles in memory and falls through to the
// next store on a miss. Hits from the next store are promoted.
type MemoryTier struct {
	lru    *lru.Cache[string, []byte]
	next   TileStore
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryTier wraps next with an LRU of the given size. next may be nil.
func NewMemoryTier(size int, next TileStore) (*MemoryTier, error) {
	if size <= 0 {
		size = DefaultConfig().MemoryTiles
	}
	l, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryTier{lru: l, next: next}, nil
}

// Get returns a tile from memory or the next store.
func (m *MemoryTier) Get(source string, t tiles.TileIndex) ([]byte, bool) {
	key := Key(source, t)
	if data, ok := m.lru.Get(key); ok {
		m.hits.Add(1)
		return data, true
	}
	if m.next != nil {
		if data, ok := m.next.Get(source, t); ok {
			m.hits.Add(1)
			m.lru.Add(key, data)
			return data, true
		}
	}
	m.misses.Add(1)
	return nil, false
}

// Set stores a tile in memory and the next store.
func (m *MemoryTier) Set(source string, t tiles.TileIndex, data []byte) error {
	m.lru.Add(Key(source, t), data)
	if m.next != nil {
		return m.next.Set(source, t, data)
	}
	return nil
}

// Purge empties the memory tier only.
func (m *MemoryTier) Purge() {
	m.lru.Purge()
}

// Stats returns hit/miss counters and the number of tiles held in memory.
func (m *MemoryTier) Stats() (hits, misses int64, resident int) {
	return m.hits.Load(), m.misses.Load(), m.lru.Len()
}
