package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/mitchellh/go-homedir"
)

// Config represents cache configuration
type Config struct {
	MaxSizeMB int `json:"maxSizeMB" yaml:"maxSizeMB" toml:"maxSizeMB"`
	TTLDays   int `json:"ttlDays" yaml:"ttlDays" toml:"ttlDays"`

	// MemoryTiles is the number of decoded-size tiles kept in the in-memory
	// LRU tier in front of the disk cache. Zero disables the tier.
	MemoryTiles int `json:"memoryTiles" yaml:"memoryTiles" toml:"memoryTiles"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSizeMB:   250,
		TTLDays:     30,
		MemoryTiles: 512,
	}
}

// Merge fills zero fields of c from DefaultConfig.
func (c *Config) Merge() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.MaxSizeMB <= 0 {
		out.MaxSizeMB = def.MaxSizeMB
	}
	if out.TTLDays <= 0 {
		out.TTLDays = def.TTLDays
	}
	if out.MemoryTiles < 0 {
		out.MemoryTiles = 0
	}
	return &out
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := homedir.Dir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "geosync", "tiles")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "geosync", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "geosync", "tiles")
	}
}
