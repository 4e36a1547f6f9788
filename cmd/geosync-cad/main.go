// Command geosync-cad is the CAD agent: it serves one document over HTTP,
// anchors it, imports map images and pushes sync payloads to the viewer.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"geosync/internal/cad"
	"geosync/internal/clipping"
	"geosync/internal/config"
	"geosync/internal/handlers/bridge"
	"geosync/internal/transport"
)

type flags struct {
	settingsPath string
	document     string
	listen       string
	viewerURL    string
	watch        bool
	watchDelay   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "geosync-cad",
		Short:         "Serve a CAD document to the GeoSync viewer",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, f)
		},
	}
	cmd.Flags().StringVar(&f.settingsPath, "config", "", "settings file (json, yaml or toml)")
	cmd.Flags().StringVar(&f.document, "document", "", "CAD document path, overrides settings")
	cmd.Flags().StringVar(&f.listen, "listen", "", "listen address, overrides settings")
	cmd.Flags().StringVar(&f.viewerURL, "viewer", "", "viewer base URL, overrides settings")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "sync whenever the document changes on disk")
	cmd.Flags().DurationVar(&f.watchDelay, "watch-delay", 500*time.Millisecond, "quiet period before a watched change syncs")
	return cmd
}

func loadSettings(f flags) (*config.Settings, error) {
	var settings *config.Settings
	var err error
	if f.settingsPath != "" {
		settings, err = config.LoadSettingsFrom(f.settingsPath)
	} else {
		settings, err = config.LoadSettings()
	}
	if err != nil {
		return nil, err
	}
	if f.document != "" {
		settings.DocumentPath = f.document
	}
	if f.listen != "" {
		settings.CADListenAddr = f.listen
	}
	if f.viewerURL != "" {
		settings.ViewerURL = f.viewerURL
	}
	if err := settings.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := config.ValidateSettings(settings); err != nil {
		return nil, err
	}
	if settings.DocumentPath == "" {
		return nil, fmt.Errorf("no document path configured")
	}
	return settings, nil
}

// agent is the assembled CAD side.
type agent struct {
	doc    *cad.FileDocument
	server *bridge.CADServer
}

func newAgent(settings *config.Settings) (*agent, error) {
	doc, err := cad.OpenFileDocument(settings.DocumentPath, settings.ModelUnitMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	opts := clipping.DefaultOptions()
	if settings.CurveMinSamples > 0 {
		opts.MinSamples = settings.CurveMinSamples
	}
	if settings.CurveToleranceMeters > 0 {
		opts.Tolerance = settings.CurveToleranceMeters / doc.UnitMeters()
	}
	doc.SetCurveOptions(opts)

	cfg := bridge.CADConfig{
		Document: doc,
		Anchors:  cad.NewAnchorSetter(doc),
		Maps:     cad.NewMapImporter(doc, settings.ExportDir, settings.MapLayer, settings.ImageQuality),
		Builder: cad.NewPayloadBuilder(doc, cad.BuilderConfig{
			ExportLayer:          settings.ExportLayer,
			ClipLayer:            settings.ClipLayer,
			ExportDir:            settings.ExportDir,
			CurveMinSamples:      settings.CurveMinSamples,
			CurveToleranceMeters: settings.CurveToleranceMeters,
		}),
	}
	if settings.ViewerURL != "" {
		cfg.Viewer = transport.NewClient(settings.ViewerURL, 60*time.Second)
	}
	return &agent{doc: doc, server: bridge.NewCADServer(cfg)}, nil
}

func run(ctx context.Context, settings *config.Settings, f flags) error {
	if err := os.MkdirAll(settings.ExportDir, 0755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	a, err := newAgent(settings)
	if err != nil {
		return err
	}
	if err := a.server.Start(settings.CADListenAddr); err != nil {
		return err
	}
	log.Printf("[CAD] Serving %s on %s", a.doc.Name(), a.server.URL())

	if f.watch {
		w := cad.NewWatcher(a.doc, f.watchDelay, func(ctx context.Context) {
			if _, err := a.server.Sync(ctx); err != nil {
				log.Printf("[Sync] Watched change not synced: %v", err)
			}
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Printf("[Watch] Stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("[CAD] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}
