package imagery

import (
	"context"
	"log"

	"geosync/internal/cache"
	"geosync/internal/tiles"
)

// CachedSource serves tiles from a store and fills it on misses.
type CachedSource struct {
	src   Source
	store cache.TileStore
}

// NewCachedSource wraps src. A nil store disables caching.
func NewCachedSource(src Source, store cache.TileStore) *CachedSource {
	return &CachedSource{src: src, store: store}
}

// Name returns the wrapped source name.
func (c *CachedSource) Name() string { return c.src.Name() }

// Initialize forwards to the wrapped source when it needs it.
func (c *CachedSource) Initialize(ctx context.Context) error {
	if init, ok := c.src.(Initializer); ok {
		return init.Initialize(ctx)
	}
	return nil
}

// FetchTile returns the cached tile or fetches and stores it.
func (c *CachedSource) FetchTile(ctx context.Context, t tiles.TileIndex) ([]byte, error) {
	if c.store != nil {
		if data, ok := c.store.Get(c.src.Name(), t); ok {
			return data, nil
		}
	}

	data, err := c.src.FetchTile(ctx, t)
	if err != nil {
		return nil, err
	}

	if c.store != nil {
		if err := c.store.Set(c.src.Name(), t, data); err != nil {
			log.Printf("[TileCache] Failed to store %s tile %s: %v", c.src.Name(), t, err)
		}
	}
	return data, nil
}

// Lookup returns a tile only if it is already cached.
func (c *CachedSource) Lookup(t tiles.TileIndex) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	return c.store.Get(c.src.Name(), t)
}
