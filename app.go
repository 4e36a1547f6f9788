package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	goruntime "runtime"
	"sync"

	"github.com/posthog/posthog-go"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"geosync/internal/config"
	"geosync/internal/handlers/live"
	"geosync/internal/imagery"
	"geosync/internal/orchestrator"
	"geosync/internal/placement"
	"geosync/internal/protocol"
	"geosync/internal/ratelimit"
	"geosync/internal/viewer"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App struct
type App struct {
	ctx      context.Context
	settings *config.Settings
	viewer   *viewer.Viewer
	hub      *live.Hub
	mu       sync.Mutex
	devMode  bool // Enable verbose logging in dev mode only
	phClient posthog.Client
}

// NewApp creates a new App application struct
func NewApp() *App {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
		settings = config.DefaultSettings()
	}
	log.Printf("Settings loaded from: %s", config.GetSettingsPath())

	var phClient posthog.Client
	if PostHogKey != "" {
		client, err := posthog.NewWithConfig(PostHogKey, posthog.Config{Endpoint: PostHogHost})
		if err != nil {
			log.Printf("Failed to initialize PostHog: %v", err)
		} else {
			phClient = client
		}
	}

	return &App{
		settings: settings,
		hub:      live.NewHub(),
		phClient: phClient,
	}
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	os.MkdirAll(a.settings.ExportDir, 0755)

	v, err := viewer.New(a.settings, viewer.Options{
		Renderer:    &wailsRenderer{ctx: ctx},
		Live:        a.hub,
		OnRateLimit: func(e ratelimit.Event) { wailsRuntime.EventsEmit(ctx, "rate-limit", e) },
	})
	if err != nil {
		wailsRuntime.LogError(ctx, fmt.Sprintf("Failed to build viewer: %v", err))
		return
	}
	a.viewer = v

	v.Orchestrator.OnStateChange(func(c orchestrator.StateChange) {
		wailsRuntime.EventsEmit(ctx, "sync-state", c)
		switch c.State {
		case orchestrator.Placed:
			a.TrackEvent("sync_completed", map[string]interface{}{"cycleId": c.CycleID})
		case orchestrator.Failed:
			a.emitLog(fmt.Sprintf("Sync cycle %d failed: %v", c.CycleID, c.Err))
			a.TrackEvent("sync_failed", map[string]interface{}{"error": c.Message})
		}
	})

	if err := v.Start(); err != nil {
		wailsRuntime.LogError(ctx, fmt.Sprintf("Failed to start viewer endpoint: %v", err))
	} else {
		wailsRuntime.LogInfo(ctx, "Viewer endpoint listening on "+v.Server.URL())
	}

	a.TrackEvent("app_started", map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient != nil {
		a.phClient.Enqueue(posthog.Capture{
			DistinctId: "backend_user",
			Event:      event,
			Properties: props,
		})
	}
}

// shutdown cleans up resources
func (a *App) shutdown(ctx context.Context) {
	if a.viewer != nil {
		if err := a.viewer.Close(ctx); err != nil {
			log.Printf("Viewer shutdown: %v", err)
		}
	}
	a.hub.Close()
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// GetViewerURL returns the base URL of the viewer endpoint
func (a *App) GetViewerURL() string {
	if a.viewer == nil {
		return ""
	}
	return a.viewer.Server.URL()
}

// GetTileURL returns the cached tile URL template for an imagery source
func (a *App) GetTileURL(source string) (string, error) {
	if a.viewer == nil {
		return "", fmt.Errorf("viewer not started")
	}
	src, ok := a.viewer.Source(source)
	if !ok {
		return "", fmt.Errorf("unknown imagery source: %s", source)
	}
	return fmt.Sprintf("%s/tiles/%s/{z}/{x}/{y}", a.viewer.Server.URL(), src.Name()), nil
}

// GetImagerySources lists the configured imagery sources, primary first
func (a *App) GetImagerySources() []string {
	if a.viewer == nil {
		return nil
	}
	return a.viewer.SourceNames()
}

// GetSyncStatus returns the orchestrator state
func (a *App) GetSyncStatus() orchestrator.Status {
	if a.viewer == nil {
		return orchestrator.Status{}
	}
	return a.viewer.Orchestrator.Status()
}

// GetCurrentAsset returns the placed asset, or nil
func (a *App) GetCurrentAsset() *placement.PlacedAsset {
	if a.viewer == nil {
		return nil
	}
	if asset, ok := a.viewer.Scene.Current(); ok {
		return &asset
	}
	return nil
}

// SetAnchor anchors the CAD document at lat/lon
func (a *App) SetAnchor(lat, lon float64) error {
	if err := a.requireCAD(); err != nil {
		return err
	}
	req := protocol.AnchorRequest{Lat: lat, Lon: lon}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := a.viewer.CAD.SetAnchor(a.ctx, req); err != nil {
		return fmt.Errorf("%s", orchestrator.UserMessage(err))
	}
	a.emitLog(fmt.Sprintf("Anchor set to %.6f, %.6f", lat, lon))
	a.TrackEvent("anchor_set", nil)
	return nil
}

// RequestSync asks the CAD agent to export and sync now
func (a *App) RequestSync() (protocol.SyncResponse, error) {
	if err := a.requireCAD(); err != nil {
		return protocol.SyncResponse{}, err
	}
	resp, err := a.viewer.CAD.RequestExport(a.ctx)
	if err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("%s", orchestrator.UserMessage(err))
	}
	a.TrackEvent("sync_requested", map[string]interface{}{"clippingLoops": resp.ClippingLoops})
	return resp, nil
}

// ExportMapImage stitches the map around a location and sends it to the
// CAD agent, or saves it locally when none is configured
func (a *App) ExportMapImage(req protocol.MapExportRequest) (protocol.MapExportResponse, error) {
	if a.viewer == nil {
		return protocol.MapExportResponse{}, fmt.Errorf("viewer not started")
	}
	resp, err := a.viewer.Exporter.Export(a.ctx, req, func(p imagery.Progress) {
		wailsRuntime.EventsEmit(a.ctx, "map-export-progress", p)
	})
	if err != nil {
		return protocol.MapExportResponse{}, err
	}
	a.TrackEvent("map_exported", map[string]interface{}{
		"zoom":        req.Zoom,
		"tiles":       resp.Tiles,
		"failedTiles": resp.FailedTiles,
	})
	return resp, nil
}

// OpenExportFolder opens the export directory in the OS file explorer
func (a *App) OpenExportFolder() error {
	return a.OpenFolder(a.settings.ExportDir)
}

// OpenFolder opens a specific folder in the OS file explorer
func (a *App) OpenFolder(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("folder does not exist: %s", path)
	}

	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default: // Linux and others
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

func (a *App) requireCAD() error {
	if a.viewer == nil {
		return fmt.Errorf("viewer not started")
	}
	if a.viewer.CAD == nil {
		return fmt.Errorf("no CAD agent configured")
	}
	return nil
}

// emitLog sends a log message to the frontend (only in dev mode)
func (a *App) emitLog(message string) {
	log.Print(message)
	if a.devMode {
		wailsRuntime.EventsEmit(a.ctx, "log", message)
	}
}
