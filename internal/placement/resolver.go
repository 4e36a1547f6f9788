// Package placement resolves sync payload positions against terrain and
// keeps the single current asset of the viewer scene.
package placement

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"geosync/internal/geodesy"
	"geosync/internal/terrain"
)

// DefaultHeadingCorrectionDeg aligns a +Y-north model export with a
// renderer whose heading zero points along the model's +X.
const DefaultHeadingCorrectionDeg = 90.0

// Config holds the orientation correction applied to every placement.
type Config struct {
	HeadingCorrectionDeg float64 `json:"headingCorrectionDeg"`
	PitchDeg             float64 `json:"pitchDeg"`
	RollDeg              float64 `json:"rollDeg"`
}

// DefaultConfig returns the default correction: heading 90, pitch 0, roll 0.
func DefaultConfig() Config {
	return Config{HeadingCorrectionDeg: DefaultHeadingCorrectionDeg}
}

// Request is what the resolver needs from a sync payload.
type Request struct {
	AssetReference string
	// Position is anchor-relative: Height is above terrain unless
	// Reference is Absolute.
	Position geodesy.GeodeticPoint
	// ModelHeadingDeg is the clockwise angle from model +Y to true north
	// reported by the CAD side. It is subtracted so model north lands on
	// true north.
	ModelHeadingDeg float64
	CycleID         uint64
}

// PlacedAsset is a renderer-ready placement.
type PlacedAsset struct {
	ID             uuid.UUID             `json:"id"`
	AssetReference string                `json:"assetReference"`
	Position       geodesy.GeodeticPoint `json:"position"`
	TerrainHeight  float64               `json:"terrainHeight"`
	Orientation    Orientation           `json:"orientation"`
	Quaternion     Quaternion            `json:"quaternion"`
	CycleID        uint64                `json:"cycleId"`
	PlacedAt       time.Time             `json:"placedAt"`
}

// Resolver turns requests into placements.
type Resolver struct {
	mu      sync.RWMutex
	cfg     Config
	terrain terrain.ElevationSource
	now     func() time.Time
}

// NewResolver creates a resolver. A nil elevation source means flat terrain.
func NewResolver(cfg Config, elevation terrain.ElevationSource) *Resolver {
	if elevation == nil {
		elevation = terrain.Flat{}
	}
	return &Resolver{cfg: cfg, terrain: elevation, now: time.Now}
}

// Config returns the current correction.
func (r *Resolver) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig replaces the correction for subsequent placements.
func (r *Resolver) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Resolve computes the absolute position and orientation. Terrain failures
// are logged and treated as height 0; Resolve itself never fails.
func (r *Resolver) Resolve(ctx context.Context, req Request) PlacedAsset {
	cfg := r.Config()
	pos := req.Position

	var ground float64
	if pos.Reference == geodesy.RelativeToTerrain {
		h, err := r.terrain.SampleHeight(ctx, pos.Lat, pos.Lon)
		if err != nil {
			log.Printf("[Placement] Terrain unavailable at (%.6f, %.6f), using 0: %v", pos.Lat, pos.Lon, err)
			h = 0
		}
		ground = h
		pos.Height += ground
		pos.Reference = geodesy.Absolute
	}

	orient := Orientation{
		HeadingDeg: NormalizeDeg(cfg.HeadingCorrectionDeg - req.ModelHeadingDeg),
		PitchDeg:   cfg.PitchDeg,
		RollDeg:    cfg.RollDeg,
	}

	return PlacedAsset{
		ID:             uuid.New(),
		AssetReference: req.AssetReference,
		Position:       pos,
		TerrainHeight:  ground,
		Orientation:    orient,
		Quaternion:     orient.Quaternion(),
		CycleID:        req.CycleID,
		PlacedAt:       r.now(),
	}
}
