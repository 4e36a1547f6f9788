package placement

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"geosync/internal/clipping"
)

// Renderer is the viewer-side scene the placements are handed to.
type Renderer interface {
	AddAsset(ctx context.Context, asset PlacedAsset) error
	RemoveAsset(ctx context.Context, id uuid.UUID) error
	SetClipping(ctx context.Context, loops []clipping.Loop) error
}

// Scene owns the current asset and clipping set. Both are only ever
// replaced as a whole.
type Scene struct {
	mu       sync.Mutex
	renderer Renderer
	current  *PlacedAsset
	clipping []clipping.Loop
}

// NewScene creates an empty scene backed by renderer.
func NewScene(renderer Renderer) *Scene {
	return &Scene{renderer: renderer, clipping: []clipping.Loop{}}
}

// Replace swaps in asset and replaces the clipping set with loops; an
// empty loops slice clears clipping. The old asset is removed before the
// new one is added, so the renderer never holds two. Any renderer failure
// rolls back to the previous asset and clipping set.
func (s *Scene) Replace(ctx context.Context, asset PlacedAsset, loops []clipping.Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loops == nil {
		loops = []clipping.Loop{}
	}
	prev := s.current
	prevClipping := s.clipping

	if err := s.renderer.SetClipping(ctx, loops); err != nil {
		return fmt.Errorf("failed to set clipping: %w", err)
	}

	if prev != nil {
		if err := s.renderer.RemoveAsset(ctx, prev.ID); err != nil {
			s.restoreClipping(ctx, prevClipping)
			return fmt.Errorf("failed to remove asset %s: %w", prev.ID, err)
		}
	}

	if err := s.renderer.AddAsset(ctx, asset); err != nil {
		if prev != nil {
			if rerr := s.renderer.AddAsset(ctx, *prev); rerr != nil {
				log.Printf("[Placement] Failed to restore asset %s: %v", prev.ID, rerr)
				s.current = nil
			}
		}
		s.restoreClipping(ctx, prevClipping)
		return fmt.Errorf("failed to add asset %s: %w", asset.ID, err)
	}

	s.current = &asset
	s.clipping = append([]clipping.Loop{}, loops...)

	log.Printf("[Placement] Placed %s (%s) at (%.6f, %.6f, %.2f m), heading %.1f, %d clipping loops",
		asset.ID, asset.AssetReference, asset.Position.Lat, asset.Position.Lon, asset.Position.Height,
		asset.Orientation.HeadingDeg, len(loops))
	return nil
}

func (s *Scene) restoreClipping(ctx context.Context, loops []clipping.Loop) {
	if err := s.renderer.SetClipping(ctx, loops); err != nil {
		log.Printf("[Placement] Failed to restore clipping: %v", err)
	}
}

// Clear removes the current asset and clipping. Clearing an empty scene
// is a no-op.
func (s *Scene) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if err := s.renderer.RemoveAsset(ctx, s.current.ID); err != nil {
			return fmt.Errorf("failed to remove asset %s: %w", s.current.ID, err)
		}
		s.current = nil
	}
	if len(s.clipping) > 0 {
		if err := s.renderer.SetClipping(ctx, []clipping.Loop{}); err != nil {
			return fmt.Errorf("failed to clear clipping: %w", err)
		}
		s.clipping = []clipping.Loop{}
	}
	return nil
}

// Current returns a copy of the current asset.
func (s *Scene) Current() (PlacedAsset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return PlacedAsset{}, false
	}
	return *s.current, true
}

// Clipping returns a copy of the current clipping set.
func (s *Scene) Clipping() []clipping.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clipping.Loop{}, s.clipping...)
}
