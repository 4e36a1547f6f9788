// Package config loads and persists geosync settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jinzhu/copier"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"geosync/internal/cache"
	"geosync/internal/common"
)

// ImagerySource describes where map imagery comes from.
type ImagerySource struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Type        string   `json:"type" yaml:"type" toml:"type"` // "xyz" or "wmts"
	URL         string   `json:"url" yaml:"url" toml:"url"`    // tile template, or capabilities URL for wmts
	Layer       string   `json:"layer,omitempty" yaml:"layer,omitempty" toml:"layer,omitempty"`
	Subdomains  []string `json:"subdomains,omitempty" yaml:"subdomains,omitempty" toml:"subdomains,omitempty"`
	Attribution string   `json:"attribution,omitempty" yaml:"attribution,omitempty" toml:"attribution,omitempty"`
	MaxZoom     int      `json:"maxZoom,omitempty" yaml:"maxZoom,omitempty" toml:"maxZoom,omitempty"`
}

// TerrainSource describes where terrain heights come from.
type TerrainSource struct {
	Type string `json:"type" yaml:"type" toml:"type"` // "flat" or "terrarium"
	URL  string `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Zoom int    `json:"zoom,omitempty" yaml:"zoom,omitempty" toml:"zoom,omitempty"`
}

// Settings represents persistent configuration shared by the viewer and the
// CAD agent.
type Settings struct {
	// Bridge endpoints
	ViewerListenAddr string `json:"viewerListenAddr" yaml:"viewerListenAddr" toml:"viewerListenAddr"`
	CADListenAddr    string `json:"cadListenAddr" yaml:"cadListenAddr" toml:"cadListenAddr"`
	ViewerURL        string `json:"viewerUrl" yaml:"viewerUrl" toml:"viewerUrl"`
	CADAgentURL      string `json:"cadAgentUrl" yaml:"cadAgentUrl" toml:"cadAgentUrl"`

	// Placement
	HeadingCorrectionDeg float64 `json:"headingCorrectionDeg" yaml:"headingCorrectionDeg" toml:"headingCorrectionDeg"`
	ModelUnitMeters      float64 `json:"modelUnitMeters" yaml:"modelUnitMeters" toml:"modelUnitMeters"`

	// CAD document layers
	ExportLayer string `json:"exportLayer" yaml:"exportLayer" toml:"exportLayer"`
	ClipLayer   string `json:"clipLayer" yaml:"clipLayer" toml:"clipLayer"`
	MapLayer    string `json:"mapLayer" yaml:"mapLayer" toml:"mapLayer"`

	// Curve discretization
	CurveMinSamples      int     `json:"curveMinSamples" yaml:"curveMinSamples" toml:"curveMinSamples"`
	CurveToleranceMeters float64 `json:"curveToleranceMeters" yaml:"curveToleranceMeters" toml:"curveToleranceMeters"`

	// Imagery and terrain
	Imagery       ImagerySource   `json:"imagery" yaml:"imagery" toml:"imagery"`
	CustomSources []ImagerySource `json:"customSources" yaml:"customSources" toml:"customSources"`
	Terrain       TerrainSource   `json:"terrain" yaml:"terrain" toml:"terrain"`

	TileWorkers       int `json:"tileWorkers" yaml:"tileWorkers" toml:"tileWorkers"`
	TileFetchAttempts int `json:"tileFetchAttempts" yaml:"tileFetchAttempts" toml:"tileFetchAttempts"`

	// Map export
	ImageFormat         string  `json:"imageFormat" yaml:"imageFormat" toml:"imageFormat"`
	ImageQuality        int     `json:"imageQuality" yaml:"imageQuality" toml:"imageQuality"`
	MapExportSizeMeters float64 `json:"mapExportSizeMeters" yaml:"mapExportSizeMeters" toml:"mapExportSizeMeters"`
	MapExportZoom       int     `json:"mapExportZoom" yaml:"mapExportZoom" toml:"mapExportZoom"`

	// Paths
	ExportDir    string `json:"exportDir" yaml:"exportDir" toml:"exportDir"`
	DocumentPath string `json:"documentPath" yaml:"documentPath" toml:"documentPath"`

	Cache cache.Config `json:"cache" yaml:"cache" toml:"cache"`

	// Default view
	DefaultCenterLat float64 `json:"defaultCenterLat" yaml:"defaultCenterLat" toml:"defaultCenterLat"`
	DefaultCenterLon float64 `json:"defaultCenterLon" yaml:"defaultCenterLon" toml:"defaultCenterLon"`
	DefaultZoom      int     `json:"defaultZoom" yaml:"defaultZoom" toml:"defaultZoom"`

	RateLimitAutoRetry bool `json:"rateLimitAutoRetry" yaml:"rateLimitAutoRetry" toml:"rateLimitAutoRetry"`
	DevMode            bool `json:"devMode" yaml:"devMode" toml:"devMode"`
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	homeDir, _ := homedir.Dir()
	baseDir := filepath.Join(homeDir, ".geosync")

	return &Settings{
		ViewerListenAddr:     "127.0.0.1:8731",
		CADListenAddr:        "127.0.0.1:8732",
		ViewerURL:            "http://127.0.0.1:8731",
		CADAgentURL:          "http://127.0.0.1:8732",
		HeadingCorrectionDeg: 90,
		ModelUnitMeters:      1,
		ExportLayer:          "GeoSync Export",
		ClipLayer:            "GeoSync Clip",
		MapLayer:             "GeoSync Map",
		CurveMinSamples:      64,
		CurveToleranceMeters: 0.05,
		Imagery: ImagerySource{
			Name:        common.SourceOpenStreetMap,
			Type:        "xyz",
			URL:         common.DefaultImageryTemplate,
			Attribution: "© OpenStreetMap contributors",
			MaxZoom:     19,
		},
		CustomSources: []ImagerySource{},
		Terrain: TerrainSource{
			Type: "terrarium",
			URL:  common.DefaultTerrariumTemplate,
			Zoom: 14,
		},
		TileWorkers:         8,
		TileFetchAttempts:   3,
		ImageFormat:         string(common.FormatJPEG),
		ImageQuality:        common.DefaultImageQuality,
		MapExportSizeMeters: 2000,
		MapExportZoom:       18,
		ExportDir:           filepath.Join(baseDir, "exports"),
		DocumentPath:        filepath.Join(baseDir, "documents", "model.json"),
		Cache:               *cache.DefaultConfig(),
		DefaultCenterLat:    40.7580,
		DefaultCenterLon:    -73.9855,
		DefaultZoom:         16,
		RateLimitAutoRetry:  true,
	}
}

// GetSettingsPath returns the settings file path, creating its directory.
// GEOSYNC_SETTINGS overrides the location.
func GetSettingsPath() string {
	if p := os.Getenv("GEOSYNC_SETTINGS"); p != "" {
		return p
	}
	homeDir, _ := homedir.Dir()
	baseDir := filepath.Join(homeDir, ".geosync", "settings")
	os.MkdirAll(baseDir, 0755)
	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads settings from the default location.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// settingsFormat picks the codec from the file extension; JSON otherwise.
func settingsFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// LoadSettingsFrom loads settings from path. A missing file yields the
// defaults. Keys absent from the file keep their default values.
func LoadSettingsFrom(path string) (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	switch settingsFormat(path) {
	case "yaml":
		err = yaml.Unmarshal(data, settings)
	case "toml":
		err = toml.Unmarshal(data, settings)
	default:
		err = json.Unmarshal(data, settings)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	mergeDefaults(settings)
	if err := settings.ExpandPaths(); err != nil {
		return nil, err
	}
	return settings, nil
}

// mergeDefaults restores defaults for values a file cleared to zero where
// zero is never meaningful.
func mergeDefaults(s *Settings) {
	d := DefaultSettings()
	if s.ModelUnitMeters <= 0 {
		s.ModelUnitMeters = d.ModelUnitMeters
	}
	if s.ExportLayer == "" {
		s.ExportLayer = d.ExportLayer
	}
	if s.ClipLayer == "" {
		s.ClipLayer = d.ClipLayer
	}
	if s.MapLayer == "" {
		s.MapLayer = d.MapLayer
	}
	if s.CurveMinSamples == 0 {
		s.CurveMinSamples = d.CurveMinSamples
	}
	if s.CurveToleranceMeters == 0 {
		s.CurveToleranceMeters = d.CurveToleranceMeters
	}
	if s.Imagery.URL == "" {
		s.Imagery = d.Imagery
	}
	if s.Terrain.Type == "" {
		s.Terrain = d.Terrain
	}
	if s.TileWorkers == 0 {
		s.TileWorkers = d.TileWorkers
	}
	if s.TileFetchAttempts == 0 {
		s.TileFetchAttempts = d.TileFetchAttempts
	}
	if s.ImageFormat == "" {
		s.ImageFormat = d.ImageFormat
	}
	if s.ImageQuality == 0 {
		s.ImageQuality = d.ImageQuality
	}
	if s.MapExportSizeMeters == 0 {
		s.MapExportSizeMeters = d.MapExportSizeMeters
	}
	if s.MapExportZoom == 0 {
		s.MapExportZoom = d.MapExportZoom
	}
	if s.ExportDir == "" {
		s.ExportDir = d.ExportDir
	}
	if s.DocumentPath == "" {
		s.DocumentPath = d.DocumentPath
	}
	s.Cache = *s.Cache.Merge()
	if s.CustomSources == nil {
		s.CustomSources = []ImagerySource{}
	}
}

// ExpandPaths resolves a leading ~ in the path settings.
func (s *Settings) ExpandPaths() error {
	for _, p := range []*string{&s.ExportDir, &s.DocumentPath} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Clone returns a deep copy, safe to hand to another goroutine.
func (s *Settings) Clone() *Settings {
	out := &Settings{}
	if err := copier.CopyWithOption(out, s, copier.Option{DeepCopy: true}); err != nil {
		// Same type on both sides; copier only fails on mismatched kinds.
		panic(fmt.Sprintf("config: clone settings: %v", err))
	}
	return out
}

// SaveSettings saves settings to the default location.
func SaveSettings(settings *Settings) error {
	return SaveSettingsTo(GetSettingsPath(), settings)
}

// SaveSettingsTo writes settings to path through a temp file and rename.
func SaveSettingsTo(path string, settings *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	var data []byte
	var err error
	switch settingsFormat(path) {
	case "yaml":
		data, err = yaml.Marshal(settings)
	case "toml":
		data, err = toml.Marshal(settings)
	default:
		data, err = json.MarshalIndent(settings, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

var (
	imageryTypes = []string{"xyz", "wmts"}
	terrainTypes = []string{"flat", "terrarium"}
)

// ValidateImagerySource validates an imagery source configuration
func ValidateImagerySource(source *ImagerySource) error {
	if source.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if source.URL == "" {
		return fmt.Errorf("source URL is required")
	}
	if !lo.Contains(imageryTypes, source.Type) {
		return fmt.Errorf("invalid source type: %s (must be %s)", source.Type, strings.Join(imageryTypes, " or "))
	}
	if source.MaxZoom < 0 || source.MaxZoom > 23 {
		return fmt.Errorf("maxZoom %d out of range [0, 23]", source.MaxZoom)
	}
	return nil
}

// ValidateSettings rejects settings that cannot work.
func ValidateSettings(s *Settings) error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(s.ModelUnitMeters > 0, "modelUnitMeters must be positive")
	check(s.HeadingCorrectionDeg > -360 && s.HeadingCorrectionDeg < 360, "headingCorrectionDeg must be within (-360, 360)")
	check(s.CurveMinSamples >= 3, "curveMinSamples must be at least 3")
	check(s.CurveToleranceMeters > 0, "curveToleranceMeters must be positive")
	check(s.TileWorkers >= 1 && s.TileWorkers <= 64, "tileWorkers must be within [1, 64]")
	check(s.TileFetchAttempts >= 1 && s.TileFetchAttempts <= 10, "tileFetchAttempts must be within [1, 10]")
	check(s.ImageQuality >= 1 && s.ImageQuality <= 100, "imageQuality must be within [1, 100]")
	check(s.MapExportSizeMeters > 0, "mapExportSizeMeters must be positive")
	check(s.MapExportZoom >= 0 && s.MapExportZoom <= 23, "mapExportZoom must be within [0, 23]")
	check(lo.Contains(terrainTypes, s.Terrain.Type), "terrain type must be %s", strings.Join(terrainTypes, " or "))
	check(s.Terrain.Type != "terrarium" || s.Terrain.URL != "", "terrarium terrain needs a url")

	if _, err := common.ParseImageFormat(s.ImageFormat); err != nil {
		problems = append(problems, err.Error())
	}
	if err := ValidateImagerySource(&s.Imagery); err != nil {
		problems = append(problems, "imagery: "+err.Error())
	}
	for i := range s.CustomSources {
		if err := ValidateImagerySource(&s.CustomSources[i]); err != nil {
			problems = append(problems, fmt.Sprintf("customSources[%d]: %v", i, err))
		}
	}
	names := lo.Map(s.CustomSources, func(src ImagerySource, _ int) string { return src.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		problems = append(problems, "duplicate custom source names: "+strings.Join(dups, ", "))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FindImagerySource returns the configured imagery source named name,
// looking at the primary source first.
func (s *Settings) FindImagerySource(name string) (ImagerySource, bool) {
	if name == "" || name == s.Imagery.Name {
		return s.Imagery, true
	}
	return lo.Find(s.CustomSources, func(src ImagerySource) bool { return src.Name == name })
}
