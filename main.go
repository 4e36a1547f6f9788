package main

import (
	"embed"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

// isDevMode detects if running under `wails dev`
func isDevMode() bool {
	return os.Getenv("WAILS_DEV_SERVER") != "" || os.Getenv("FRONTEND_DEVSERVER_URL") != ""
}

func main() {
	app := NewApp()

	// Set DEV_MODE=1 environment variable when running in development
	app.devMode = os.Getenv("DEV_MODE") == "1" || isDevMode() || app.settings.DevMode

	err := wails.Run(&options.App{
		Title:  "GeoSync",
		Width:  1280,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []interface{}{
			app,
		},
	})

	if err != nil {
		println("Error:", err.Error())
	}
}
