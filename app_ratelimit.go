package main

import (
	"geosync/internal/ratelimit"
)

// Rate Limit Management Functions (Wails-exported)

// ManualRetryRateLimit allows user to manually trigger a retry for a rate-limited provider
func (a *App) ManualRetryRateLimit(provider string) {
	if a.viewer != nil {
		a.viewer.RateLimits.ManualRetry(provider)
	}
}

// GetRateLimitStatus returns the current rate limit state for a provider
func (a *App) GetRateLimitStatus(provider string) *ratelimit.Event {
	if a.viewer != nil {
		return a.viewer.RateLimits.GetCurrentState(provider)
	}
	return nil
}

// IsRateLimited checks if a provider is currently rate limited
func (a *App) IsRateLimited(provider string) bool {
	if a.viewer != nil {
		return a.viewer.RateLimits.IsRateLimited(provider)
	}
	return false
}

// SetAutoRetryRateLimit enables or disables automatic rate limit retries
func (a *App) SetAutoRetryRateLimit(enabled bool) error {
	if a.viewer != nil {
		a.viewer.RateLimits.SetAutoRetry(enabled)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings.RateLimitAutoRetry = enabled
	return saveSettings(a.settings)
}

// Cache Management Functions (Wails-exported)

// CacheStats represents cache statistics for frontend
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	SizeMB    float64 `json:"sizeMB"`
	MaxMB     float64 `json:"maxMB"`
	CachePath string  `json:"cachePath"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	if a.viewer == nil || a.viewer.DiskCache == nil {
		return CacheStats{}
	}
	disk := a.viewer.DiskCache

	entries, sizeBytes, maxBytes := disk.Stats()

	return CacheStats{
		Entries:   entries,
		SizeBytes: sizeBytes,
		MaxBytes:  maxBytes,
		SizeMB:    float64(sizeBytes) / 1024 / 1024,
		MaxMB:     float64(maxBytes) / 1024 / 1024,
		CachePath: disk.GetCachePath(),
	}
}

// ClearCache removes all cached tiles
func (a *App) ClearCache() error {
	if a.viewer != nil && a.viewer.DiskCache != nil {
		return a.viewer.DiskCache.Clear()
	}
	return nil
}
