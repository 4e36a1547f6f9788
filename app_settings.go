package main

import (
	"fmt"
	"log"
	"time"

	"github.com/samber/lo"

	"geosync/internal/config"
	"geosync/internal/imagery"
	"geosync/internal/placement"
	"geosync/internal/wmts"
)

// ===================
// Settings Management
// ===================

func saveSettings(s *config.Settings) error {
	return config.SaveSettings(s)
}

// GetSettings returns current settings
func (a *App) GetSettings() (*config.Settings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	return a.settings.Clone(), nil
}

// SaveSettings saves settings to disk and updates app state. Placement
// corrections apply immediately; endpoints, sources and cache settings on
// the next start.
func (a *App) SaveSettings(settings *config.Settings) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := settings.ExpandPaths(); err != nil {
		return err
	}
	if err := config.ValidateSettings(settings); err != nil {
		return err
	}
	if err := saveSettings(settings); err != nil {
		return err
	}

	a.settings = settings
	if a.viewer != nil {
		cfg := a.viewer.Resolver.Config()
		cfg.HeadingCorrectionDeg = settings.HeadingCorrectionDeg
		a.viewer.Resolver.SetConfig(cfg)
		a.viewer.RateLimits.SetAutoRetry(settings.RateLimitAutoRetry)
	}

	log.Printf("Settings saved. Endpoint, source and cache settings will apply on next restart.")
	return nil
}

// GetSettingsPath returns the OS-specific settings file path
func (a *App) GetSettingsPath() string {
	return config.GetSettingsPath()
}

// GetPlacementConfig returns the orientation correction in use
func (a *App) GetPlacementConfig() placement.Config {
	if a.viewer == nil {
		return placement.DefaultConfig()
	}
	return a.viewer.Resolver.Config()
}

// SaveMapPosition saves the current map position for session persistence
func (a *App) SaveMapPosition(lat, lon float64, zoom int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settings.DefaultCenterLat = lat
	a.settings.DefaultCenterLon = lon
	a.settings.DefaultZoom = zoom

	if err := saveSettings(a.settings); err != nil {
		return err
	}

	log.Printf("Saved map position: lat=%.6f, lon=%.6f, zoom=%d", lat, lon, zoom)
	return nil
}

// ===================
// Custom Sources
// ===================

// AddCustomSource adds a new custom imagery source
func (a *App) AddCustomSource(source config.ImagerySource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := config.ValidateImagerySource(&source); err != nil {
		return err
	}
	if _, exists := a.settings.FindImagerySource(source.Name); exists {
		return fmt.Errorf("source with name '%s' already exists", source.Name)
	}

	a.settings.CustomSources = append(a.settings.CustomSources, source)
	if err := saveSettings(a.settings); err != nil {
		return err
	}

	log.Printf("Added custom source: %s (%s)", source.Name, source.Type)
	return nil
}

// RemoveCustomSource removes a custom imagery source by name
func (a *App) RemoveCustomSource(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := lo.Reject(a.settings.CustomSources, func(s config.ImagerySource, _ int) bool { return s.Name == name })
	if len(kept) == len(a.settings.CustomSources) {
		return fmt.Errorf("source '%s' not found", name)
	}

	a.settings.CustomSources = kept
	if err := saveSettings(a.settings); err != nil {
		return err
	}

	log.Printf("Removed custom source: %s", name)
	return nil
}

// UpdateCustomSource updates an existing custom source
func (a *App) UpdateCustomSource(name string, source config.ImagerySource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := config.ValidateImagerySource(&source); err != nil {
		return err
	}

	_, i, found := lo.FindIndexOf(a.settings.CustomSources, func(s config.ImagerySource) bool { return s.Name == name })
	if !found {
		return fmt.Errorf("source '%s' not found", name)
	}
	a.settings.CustomSources[i] = source

	if err := saveSettings(a.settings); err != nil {
		return err
	}

	log.Printf("Updated custom source: %s", name)
	return nil
}

// ===================
// WMTS Integration
// ===================

// FetchWMTSLayers fetches available layers from a WMTS service
func (a *App) FetchWMTSLayers(url string) ([]wmts.LayerInfo, error) {
	caps, err := wmts.FetchCapabilities(a.ctx, imagery.NewHTTPClient(30*time.Second), url)
	if err != nil {
		return nil, err
	}

	layers := wmts.GetLayers(caps)
	log.Printf("Fetched %d layers from WMTS service", len(layers))

	return layers, nil
}

// CreateSourceFromWMTSLayer creates a custom source from a WMTS layer
func (a *App) CreateSourceFromWMTSLayer(capabilitiesURL string, layer wmts.LayerInfo, attribution string) config.ImagerySource {
	return config.ImagerySource{
		Name:        layer.Title,
		Type:        "wmts",
		URL:         capabilitiesURL,
		Layer:       layer.Name,
		Attribution: attribution,
		MaxZoom:     18, // Default, can be adjusted
	}
}
