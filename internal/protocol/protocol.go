// Package protocol defines the JSON messages exchanged between the CAD
// agent and the viewer.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"geosync/internal/geodesy"
	"geosync/internal/tiles"
)

// ErrInvalidPayload is returned for malformed messages.
var ErrInvalidPayload = errors.New("invalid payload")

// Position is the anchor-relative, pre-terrain location of the asset.
type Position struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Height float64 `json:"height"`
}

// GeodeticPoint converts the wire position to a terrain-relative point.
func (p Position) GeodeticPoint() geodesy.GeodeticPoint {
	return geodesy.GeodeticPoint{Lat: p.Lat, Lon: p.Lon, Height: p.Height, Reference: geodesy.RelativeToTerrain}
}

// PositionFrom converts a geodetic point to its wire form.
func PositionFrom(g geodesy.GeodeticPoint) Position {
	return Position{Lat: g.Lat, Lon: g.Lon, Height: g.Height}
}

// SyncPayload carries one exported asset to the viewer.
// Either GLBPath or AssetReference names the asset. ClippingPolygons holds
// flat [lon1, lat1, lon2, lat2, ...] loops; omitted or empty clears
// clipping.
type SyncPayload struct {
	GLBPath          string      `json:"glbPath,omitempty"`
	AssetReference   string      `json:"assetReference,omitempty"`
	Position         Position    `json:"position"`
	ClippingPolygons [][]float64 `json:"clippingPolygons,omitempty"`

	// Heading is the model-north rotation in degrees, clockwise.
	Heading *float64 `json:"heading,omitempty"`

	// Sequence increases with every export of one CAD agent. Zero means
	// unsequenced.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Asset returns the asset reference, preferring AssetReference.
func (p SyncPayload) Asset() string {
	if p.AssetReference != "" {
		return p.AssetReference
	}
	return p.GLBPath
}

// ModelHeading returns Heading or 0.
func (p SyncPayload) ModelHeading() float64 {
	if p.Heading == nil {
		return 0
	}
	return *p.Heading
}

// Validate checks the payload shape. Clipping loops are validated
// individually by the consumer.
func (p SyncPayload) Validate() error {
	if strings.TrimSpace(p.Asset()) == "" {
		return fmt.Errorf("%w: glbPath or assetReference is required", ErrInvalidPayload)
	}
	if err := validLatLon(p.Position.Lat, p.Position.Lon); err != nil {
		return err
	}
	if math.IsNaN(p.Position.Height) || math.IsInf(p.Position.Height, 0) {
		return fmt.Errorf("%w: height is not finite", ErrInvalidPayload)
	}
	return nil
}

// Payload returns the payload itself, so a received payload can be
// submitted where a PayloadSource is expected.
func (p SyncPayload) Payload(context.Context) (SyncPayload, error) {
	return p, p.Validate()
}

// PayloadSource produces a sync payload, exporting it if needed.
type PayloadSource interface {
	Payload(ctx context.Context) (SyncPayload, error)
}

// PayloadSourceFunc adapts a function to PayloadSource.
type PayloadSourceFunc func(ctx context.Context) (SyncPayload, error)

// Payload calls f.
func (f PayloadSourceFunc) Payload(ctx context.Context) (SyncPayload, error) { return f(ctx) }

// SyncResponse is returned by the viewer after a sync cycle.
type SyncResponse struct {
	Success         bool    `json:"success"`
	CycleID         uint64  `json:"cycleId"`
	AssetID         string  `json:"assetId"`
	Height          float64 `json:"height"`
	TerrainHeight   float64 `json:"terrainHeight"`
	HeadingDeg      float64 `json:"heading"`
	ClippingLoops   int     `json:"clippingLoops"`
	DroppedPolygons int     `json:"droppedPolygons,omitempty"`
}

// AnchorRequest sets the document anchor to a location.
type AnchorRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the coordinates.
func (r AnchorRequest) Validate() error {
	return validLatLon(r.Lat, r.Lon)
}

// SuccessResponse is the generic positive answer.
type SuccessResponse struct {
	Success   bool   `json:"success"`
	ImagePath string `json:"imagePath,omitempty"`
}

// ErrorResponse is the generic negative answer. Code, when set, names the
// failure class so the caller can react to it.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// MapImageRequest imports a stitched map image into the CAD document.
type MapImageRequest struct {
	ImageBase64 string  `json:"imageBase64"`
	SizeMeters  float64 `json:"sizeMeters"`
	PixelWidth  int     `json:"pixelWidth"`
	PixelHeight int     `json:"pixelHeight"`

	// Bounds, when present, georeferences the image.
	Bounds *tiles.BoundingBox `json:"bounds,omitempty"`
	Zoom   int                `json:"zoom,omitempty"`
}

// Validate checks the request shape.
func (r MapImageRequest) Validate() error {
	if r.ImageBase64 == "" {
		return fmt.Errorf("%w: imageBase64 is required", ErrInvalidPayload)
	}
	if !(r.SizeMeters > 0) {
		return fmt.Errorf("%w: sizeMeters must be positive", ErrInvalidPayload)
	}
	if r.PixelWidth <= 0 || r.PixelHeight <= 0 {
		return fmt.Errorf("%w: pixelWidth and pixelHeight must be positive", ErrInvalidPayload)
	}
	if r.Bounds != nil {
		if err := r.Bounds.Validate(); err != nil {
			return fmt.Errorf("%w: bounds: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}

// MapExportRequest asks the viewer to stitch and send a map image.
type MapExportRequest struct {
	CenterLat  float64 `json:"centerLat"`
	CenterLon  float64 `json:"centerLon"`
	SizeMeters float64 `json:"sizeMeters"`
	Zoom       int     `json:"zoom"`
	Source     string  `json:"source,omitempty"`
	// SetAnchor also anchors the CAD document at the center.
	SetAnchor bool `json:"setAnchor,omitempty"`
}

// Validate checks the request.
func (r MapExportRequest) Validate() error {
	if err := validLatLon(r.CenterLat, r.CenterLon); err != nil {
		return err
	}
	if !(r.SizeMeters > 0) {
		return fmt.Errorf("%w: sizeMeters must be positive", ErrInvalidPayload)
	}
	if r.Zoom < 0 || r.Zoom > tiles.MaxZoom {
		return fmt.Errorf("%w: zoom %d out of range", ErrInvalidPayload, r.Zoom)
	}
	return nil
}

// MapExportResponse reports a map export.
type MapExportResponse struct {
	Success          bool              `json:"success"`
	ImagePath        string            `json:"imagePath"`
	PixelWidth       int               `json:"pixelWidth"`
	PixelHeight      int               `json:"pixelHeight"`
	ActualSizeMeters float64           `json:"actualSizeMeters"`
	Bounds           tiles.BoundingBox `json:"bounds"`
	FailedTiles      int               `json:"failedTiles"`
	Tiles            int               `json:"tiles"`
}

func validLatLon(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: lat/lon out of range (%v, %v)", ErrInvalidPayload, lat, lon)
	}
	return nil
}
