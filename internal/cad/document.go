// Package cad is the CAD side of geosync: it reads the model document,
// exports the asset, projects clipping curves and imports map images.
package cad

import (
	"context"
	"errors"

	"geosync/internal/clipping"
	"geosync/internal/geodesy"
)

var (
	// ErrNoSourceGeometry means the export layer holds nothing exportable.
	ErrNoSourceGeometry = errors.New("no source geometry on export layer")

	// ErrExportFailed means the asset export produced no usable output.
	ErrExportFailed = errors.New("asset export failed")
)

// Picture is a raster placed in the model. U and V span the image from
// its lower-left corner Origin, in model units.
type Picture struct {
	ID     string       `json:"id"`
	Path   string       `json:"path"`
	Layer  string       `json:"layer,omitempty"`
	Origin geodesy.Vec3 `json:"origin"`
	U      geodesy.Vec3 `json:"u"`
	V      geodesy.Vec3 `json:"v"`
}

// Center returns the picture midpoint.
func (p Picture) Center() geodesy.Vec3 {
	return p.Origin.Add(p.U.Mul(0.5)).Add(p.V.Mul(0.5))
}

// Document is the model the CAD agent works on.
type Document interface {
	// Name identifies the document in exported file names.
	Name() string

	// Anchor returns the geodetic anchor or geodesy.ErrAnchorNotSet.
	Anchor() (*geodesy.EarthAnchor, error)
	SetAnchor(anchor geodesy.EarthAnchor) error

	// UnitMeters is the length of one model unit in meters.
	UnitMeters() float64

	ObjectsOnLayer(layer string) ([]clipping.Object, error)

	// ExportAsset writes the layer as an asset file under dir and returns
	// its path.
	ExportAsset(ctx context.Context, layer, dir string) (string, error)

	AddPicture(p Picture) error
}
