package main

import (
	"context"

	"github.com/google/uuid"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"geosync/internal/clipping"
	"geosync/internal/placement"
)

// wailsRenderer forwards scene changes to the globe in the frontend.
type wailsRenderer struct {
	ctx context.Context
}

func (r *wailsRenderer) AddAsset(_ context.Context, asset placement.PlacedAsset) error {
	wailsRuntime.EventsEmit(r.ctx, "asset-add", asset)
	return nil
}

func (r *wailsRenderer) RemoveAsset(_ context.Context, id uuid.UUID) error {
	wailsRuntime.EventsEmit(r.ctx, "asset-remove", id.String())
	return nil
}

func (r *wailsRenderer) SetClipping(_ context.Context, loops []clipping.Loop) error {
	wailsRuntime.EventsEmit(r.ctx, "clipping-set", clipping.FlattenLoops(loops))
	return nil
}
