// Command geosync-headless runs the viewer endpoint without the desktop
// shell. Browsers follow the scene over /ws.
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

	"geosync/internal/config"
	"geosync/internal/handlers/live"
	"geosync/internal/viewer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var settingsPath, listen string
	var memoryOnly bool
	cmd := &cobra.Command{
		Use:          "geosync-headless",
		Short:        "Run the GeoSync viewer endpoint without a window",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var settings *config.Settings
			var err error
			if settingsPath != "" {
				settings, err = config.LoadSettingsFrom(settingsPath)
			} else {
				settings, err = config.LoadSettings()
			}
			if err != nil {
				return err
			}
			if listen != "" {
				settings.ViewerListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, memoryOnly)
		},
	}
	cmd.Flags().StringVar(&settingsPath, "config", "", "settings file (json, yaml or toml)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides settings")
	cmd.Flags().BoolVar(&memoryOnly, "memory-cache", false, "keep tiles in memory only")
	return cmd
}

func run(ctx context.Context, settings *config.Settings, memoryOnly bool) error {
	hub := live.NewHub()
	defer hub.Close()

	v, err := viewer.New(settings, viewer.Options{Live: hub, DisableDiskCache: memoryOnly})
	if err != nil {
		return fmt.Errorf("failed to build viewer: %w", err)
	}
	if err := v.Start(); err != nil {
		return err
	}
	log.Printf("[Viewer] Listening on %s (sources: %v)", v.Server.URL(), v.SourceNames())

	<-ctx.Done()
	log.Printf("[Viewer] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.Close(shutdownCtx)
}
