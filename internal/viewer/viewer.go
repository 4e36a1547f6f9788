// Package viewer assembles the viewer side from settings: tile sources and
// caches, terrain, the placement scene, the sync orchestrator, map export
// and the HTTP endpoint. The desktop app and the headless binary share it.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"geosync/internal/cache"
	"geosync/internal/clipping"
	"geosync/internal/common"
	"geosync/internal/config"
	"geosync/internal/handlers/bridge"
	"geosync/internal/handlers/live"
	"geosync/internal/imagery"
	"geosync/internal/mapexport"
	"geosync/internal/observability"
	"geosync/internal/orchestrator"
	"geosync/internal/placement"
	"geosync/internal/ratelimit"
	"geosync/internal/terrain"
	"geosync/internal/transport"
)

// Options adds what settings cannot express.
type Options struct {
	// Renderer receives scene changes in addition to Live, if set.
	Renderer placement.Renderer
	// Live mirrors the scene to websocket viewers and serves /ws.
	Live *live.Hub
	// Registry defaults to a fresh registry.
	Registry *prometheus.Registry
	// OnRateLimit is called, off the fetching goroutine, for every
	// rate-limit answer of a tile provider.
	OnRateLimit func(ratelimit.Event)
	// DisableDiskCache keeps tiles in memory only.
	DisableDiskCache bool
}

// Viewer is the assembled viewer side.
type Viewer struct {
	Settings     *config.Settings
	Metrics      *observability.SyncCollector
	RateLimits   *ratelimit.Handler
	DiskCache    *cache.PersistentTileCache
	Resolver     *placement.Resolver
	Scene        *placement.Scene
	Orchestrator *orchestrator.Orchestrator
	Exporter     *mapexport.Exporter
	CAD          *transport.Client
	Server       *bridge.ViewerServer

	sources map[string]*imagery.CachedSource
	store   cache.TileStore
}

// New builds a viewer from settings. It does not start listening.
func New(settings *config.Settings, opts Options) (*Viewer, error) {
	if err := config.ValidateSettings(settings); err != nil {
		return nil, err
	}
	v := &Viewer{Settings: settings, sources: make(map[string]*imagery.CachedSource)}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := observability.NewSyncCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	v.Metrics = metrics

	v.RateLimits = ratelimit.NewHandler(ratelimit.DefaultRetryStrategy())
	v.RateLimits.SetAutoRetry(settings.RateLimitAutoRetry)
	v.RateLimits.SetOnRateLimit(func(e ratelimit.Event) {
		metrics.ObserveRateLimit(e)
		if opts.OnRateLimit != nil {
			opts.OnRateLimit(e)
		}
	})

	v.store = v.openStore(settings.Cache, opts.DisableDiskCache)

	for _, src := range append([]config.ImagerySource{settings.Imagery}, settings.CustomSources...) {
		if err := v.addSource(src); err != nil {
			return nil, err
		}
	}

	elevation, err := v.elevationSource()
	if err != nil {
		return nil, err
	}
	v.Resolver = placement.NewResolver(placement.Config{HeadingCorrectionDeg: settings.HeadingCorrectionDeg}, elevation)

	var renderers []placement.Renderer
	if opts.Renderer != nil {
		renderers = append(renderers, opts.Renderer)
	}
	if opts.Live != nil {
		renderers = append(renderers, opts.Live)
	}
	v.Scene = placement.NewScene(fanout(renderers))
	v.Orchestrator = orchestrator.New(v.Resolver, v.Scene, metrics)
	if opts.Live != nil {
		hub := opts.Live
		v.Orchestrator.OnStateChange(func(c orchestrator.StateChange) { hub.Publish(live.TypeState, c) })
	}

	var cad mapexport.CADClient
	var agent bridge.CADAgent
	if settings.CADAgentURL != "" {
		v.CAD = transport.NewClient(settings.CADAgentURL, 30*time.Second)
		cad, agent = v.CAD, v.CAD
	}

	format, err := common.ParseImageFormat(settings.ImageFormat)
	if err != nil {
		return nil, err
	}
	stitcher := imagery.NewStitcher(settings.TileWorkers, metrics)
	v.Exporter = mapexport.New(stitcher, v.imagerySource, cad, mapexport.Config{
		Format:    format,
		Quality:   settings.ImageQuality,
		OutputDir: settings.ExportDir,
	})

	cfg := bridge.ViewerConfig{
		Orchestrator: v.Orchestrator,
		Scene:        v.Scene,
		Exporter:     v.Exporter,
		CAD:          agent,
		Tiles:        v.Source,
		Metrics:      metrics.Handler(),
	}
	if opts.Live != nil {
		cfg.Live = opts.Live
	}
	v.Server = bridge.NewViewerServer(cfg)
	return v, nil
}

// Start listens on the configured viewer address.
func (v *Viewer) Start() error {
	return v.Server.Start(v.Settings.ViewerListenAddr)
}

// Source returns the cached imagery source named name. An empty name
// selects the primary source.
func (v *Viewer) Source(name string) (*imagery.CachedSource, bool) {
	if name == "" {
		name = v.Settings.Imagery.Name
	}
	src, ok := v.sources[name]
	return src, ok
}

// SourceNames lists the configured imagery sources, primary first.
func (v *Viewer) SourceNames() []string {
	names := []string{v.Settings.Imagery.Name}
	return append(names, lo.Map(v.Settings.CustomSources, func(s config.ImagerySource, _ int) string { return s.Name })...)
}

// Close stops the server and releases caches.
func (v *Viewer) Close(ctx context.Context) error {
	var errs []error
	if v.Server != nil {
		errs = append(errs, v.Server.Shutdown(ctx))
	}
	if v.RateLimits != nil {
		v.RateLimits.Close()
	}
	if v.DiskCache != nil {
		errs = append(errs, v.DiskCache.Close())
	}
	return errors.Join(errs...)
}

func (v *Viewer) imagerySource(name string) (imagery.Source, bool) {
	src, ok := v.Source(name)
	if !ok {
		return nil, false
	}
	return src, true
}

func (v *Viewer) openStore(cfg cache.Config, memoryOnly bool) cache.TileStore {
	var next cache.TileStore
	if !memoryOnly {
		disk, err := cache.NewPersistentTileCache(cache.GetCacheDir(), cfg.MaxSizeMB, cfg.TTLDays)
		if err != nil {
			log.Printf("[Viewer] Disk tile cache disabled: %v", err)
		} else {
			v.DiskCache = disk
			next = disk
		}
	}
	if cfg.MemoryTiles == 0 && !memoryOnly {
		return next
	}
	mem, err := cache.NewMemoryTier(cfg.MemoryTiles, next)
	if err != nil {
		log.Printf("[Viewer] Memory tile cache disabled: %v", err)
		return next
	}
	return mem
}

func (v *Viewer) xyzConfig(name string, maxZoom int) imagery.XYZConfig {
	return imagery.XYZConfig{
		Name:      name,
		Attempts:  v.Settings.TileFetchAttempts,
		MaxZoom:   maxZoom,
		RateLimit: v.RateLimits,
	}
}

func (v *Viewer) addSource(cfg config.ImagerySource) error {
	base := v.xyzConfig(cfg.Name, cfg.MaxZoom)
	var src imagery.Source
	switch cfg.Type {
	case "wmts":
		src = imagery.NewWMTSSource(cfg.URL, cfg.Layer, base)
	default:
		base.Template = cfg.URL
		base.Subdomains = cfg.Subdomains
		xyz, err := imagery.NewXYZSource(base)
		if err != nil {
			return fmt.Errorf("imagery source %s: %w", cfg.Name, err)
		}
		src = xyz
	}
	v.sources[cfg.Name] = imagery.NewCachedSource(src, v.store)
	return nil
}

func (v *Viewer) elevationSource() (terrain.ElevationSource, error) {
	t := v.Settings.Terrain
	if t.Type != "terrarium" {
		return terrain.Flat{}, nil
	}
	base := v.xyzConfig(common.SourceTerrarium, 15)
	base.Template = t.URL
	xyz, err := imagery.NewXYZSource(base)
	if err != nil {
		return nil, fmt.Errorf("terrain source: %w", err)
	}
	return terrain.NewTerrariumSource(imagery.NewCachedSource(xyz, v.store), t.Zoom, 64)
}

// fanout forwards scene changes to several renderers in order.
type fanout []placement.Renderer

func (f fanout) AddAsset(ctx context.Context, asset placement.PlacedAsset) error {
	for _, r := range f {
		if err := r.AddAsset(ctx, asset); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) RemoveAsset(ctx context.Context, id uuid.UUID) error {
	for _, r := range f {
		if err := r.RemoveAsset(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) SetClipping(ctx context.Context, loops []clipping.Loop) error {
	for _, r := range f {
		if err := r.SetClipping(ctx, loops); err != nil {
			return err
		}
	}
	return nil
}
