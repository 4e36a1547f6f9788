// Package cache stores fetched tiles on disk in a {source}/{z}/{x}/{y}
// layout, with an optional in-memory LRU tier in front of it.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geosync/internal/tiles"
)

const indexFile = "cache_index.json"

// PersistentTileCache provides disk-based caching that survives restarts.
type PersistentTileCache struct {
	baseDir   string
	maxSize   int64
	currSize  int64 // atomic
	ttl       time.Duration
	mu        sync.RWMutex
	saveMu    sync.Mutex
	saves     sync.WaitGroup
	metadata  map[string]*TileMetadata
	evictChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// TileMetadata stores information about a cached tile
type TileMetadata struct {
	Key        string    `json:"key"`
	Source     string    `json:"source"`
	Z          int       `json:"z"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Ext        string    `json:"ext"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// NewPersistentTileCache opens (or creates) a cache rooted at baseDir.
// Layout: baseDir/{source}/{z}/{x}/{y}.{ext}, index in baseDir/cache_index.json.
func NewPersistentTileCache(baseDir string, maxSizeMB int, ttlDays int) (*PersistentTileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &PersistentTileCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		ttl:       time.Duration(ttlDays) * 24 * time.Hour,
		metadata:  make(map[string]*TileMetadata),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := c.loadMetadata(); err != nil {
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	go c.maintenanceWorker()

	return c, nil
}

// Key builds the cache key of a tile from source.
func Key(source string, t tiles.TileIndex) string {
	return fmt.Sprintf("%s:%d:%d:%d", source, t.Zoom, t.X, t.Y)
}

// Get retrieves a tile from cache.
func (c *PersistentTileCache) Get(source string, t tiles.TileIndex) ([]byte, bool) {
	key := Key(source, t)

	c.mu.RLock()
	meta, exists := c.metadata[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(meta.CreateTime) > c.ttl {
		c.evictTile(key)
		return nil, false
	}

	data, err := os.ReadFile(c.buildFilePath(meta))
	if err != nil {
		c.evictTile(key)
		return nil, false
	}

	c.mu.Lock()
	meta.AccessTime = time.Now()
	c.mu.Unlock()

	return data, true
}

// Set stores a tile.
func (c *PersistentTileCache) Set(source string, t tiles.TileIndex, data []byte) error {
	key := Key(source, t)
	size := int64(len(data))
	now := time.Now()
	meta := &TileMetadata{
		Key:        key,
		Source:     source,
		Z:          t.Zoom,
		X:          t.X,
		Y:          t.Y,
		Ext:        sniffExt(data),
		Size:       size,
		AccessTime: now,
		CreateTime: now,
	}

	filePath := c.buildFilePath(meta)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	c.mu.Lock()
	if old, exists := c.metadata[key]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
		if oldPath := c.buildFilePath(old); oldPath != filePath {
			os.Remove(oldPath)
		}
	}
	c.metadata[key] = meta
	c.mu.Unlock()

	if atomic.AddInt64(&c.currSize, size) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}

	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		c.saveMetadata()
	}()

	return nil
}

// sniffExt picks a file extension from the image magic bytes.
func sniffExt(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return "png"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "webp"
	default:
		return "jpg"
	}
}

func (c *PersistentTileCache) buildFilePath(meta *TileMetadata) string {
	ext := meta.Ext
	if ext == "" {
		ext = "jpg"
	}
	return filepath.Join(c.baseDir, meta.Source, strconv.Itoa(meta.Z),
		strconv.Itoa(meta.X), fmt.Sprintf("%d.%s", meta.Y, ext))
}

func (c *PersistentTileCache) evictTile(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.metadata[key]
	if !ok {
		return
	}
	os.Remove(c.buildFilePath(meta))
	delete(c.metadata, key)
	atomic.AddInt64(&c.currSize, -meta.Size)
}

func (c *PersistentTileCache) maintenanceWorker() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.evictChan:
			c.evictOldTiles()
		case <-ticker.C:
			c.evictExpiredTiles()
		case <-c.done:
			return
		}
	}
}

// evictOldTiles removes least recently used tiles until the cache is back
// under 80% of its budget.
func (c *PersistentTileCache) evictOldTiles() {
	c.mu.Lock()
	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		c.mu.Unlock()
		return
	}
	targetSize := c.maxSize * 8 / 10

	entries := make([]*TileMetadata, 0, len(c.metadata))
	for _, meta := range c.metadata {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	evicted := 0
	for _, meta := range entries {
		if currSize <= targetSize {
			break
		}
		os.Remove(c.buildFilePath(meta))
		delete(c.metadata, meta.Key)
		atomic.AddInt64(&c.currSize, -meta.Size)
		currSize -= meta.Size
		evicted++
	}
	c.mu.Unlock()

	log.Printf("[TileCache] Evicted %d tiles to stay under %d MB", evicted, c.maxSize/1024/1024)
	c.saveMetadata()
}

func (c *PersistentTileCache) evictExpiredTiles() {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	now := time.Now()
	expired := 0
	for key, meta := range c.metadata {
		if now.Sub(meta.CreateTime) > c.ttl {
			os.Remove(c.buildFilePath(meta))
			delete(c.metadata, key)
			atomic.AddInt64(&c.currSize, -meta.Size)
			expired++
		}
	}
	c.mu.Unlock()

	if expired > 0 {
		c.saveMetadata()
	}
}

func (c *PersistentTileCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]*TileMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata == nil {
		metadata = make(map[string]*TileMetadata)
	}

	var totalSize int64
	for _, meta := range metadata {
		totalSize += meta.Size
	}

	c.mu.Lock()
	c.metadata = metadata
	c.mu.Unlock()
	atomic.StoreInt64(&c.currSize, totalSize)

	return nil
}

// saveMetadata writes the index through a temp file and rename.
func (c *PersistentTileCache) saveMetadata() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := json.MarshalIndent(c.metadata, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metaPath := filepath.Join(c.baseDir, indexFile)
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}

// rebuildMetadata scans the cache directory when the index is missing or
// unreadable.
func (c *PersistentTileCache) rebuildMetadata() error {
	metadata := make(map[string]*TileMetadata)
	var totalSize int64

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		relPath, _ := filepath.Rel(c.baseDir, path)
		parts := strings.Split(relPath, string(os.PathSeparator))
		if len(parts) != 4 {
			return nil
		}

		ext := strings.TrimPrefix(filepath.Ext(parts[3]), ".")
		z, errZ := strconv.Atoi(parts[1])
		x, errX := strconv.Atoi(parts[2])
		y, errY := strconv.Atoi(strings.TrimSuffix(parts[3], "."+ext))
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}

		t := tiles.TileIndex{X: x, Y: y, Zoom: z}
		key := Key(parts[0], t)
		metadata[key] = &TileMetadata{
			Key:        key,
			Source:     parts[0],
			Z:          z,
			X:          x,
			Y:          y,
			Ext:        ext,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	c.mu.Lock()
	c.metadata = metadata
	c.mu.Unlock()
	atomic.StoreInt64(&c.currSize, totalSize)

	return c.saveMetadata()
}

// Stats returns cache statistics
func (c *PersistentTileCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.metadata), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes all cached tiles
func (c *PersistentTileCache) Clear() error {
	c.mu.Lock()
	for _, meta := range c.metadata {
		os.Remove(c.buildFilePath(meta))
	}
	c.metadata = make(map[string]*TileMetadata)
	atomic.StoreInt64(&c.currSize, 0)
	c.mu.Unlock()

	return c.saveMetadata()
}

// GetCachePath returns the base directory of the cache
func (c *PersistentTileCache) GetCachePath() string {
	return c.baseDir
}

// Close stops background maintenance and flushes the index.
func (c *PersistentTileCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.saves.Wait()
	return c.saveMetadata()
}
