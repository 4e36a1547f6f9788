package cad

import (
	"errors"
	"log"

	"geosync/internal/geodesy"
)

// AnchorSetter georeferences a document at a location chosen in the
// viewer.
type AnchorSetter struct {
	doc Document
}

// NewAnchorSetter creates an AnchorSetter for doc.
func NewAnchorSetter(doc Document) *AnchorSetter {
	return &AnchorSetter{doc: doc}
}

// SetAnchor anchors the document at lat/lon. The first anchor puts the
// model origin there with +Y north. A later anchor keeps the existing
// basis and moves the base point to where lat/lon falls in the model, so
// existing geometry stays registered.
func (s *AnchorSetter) SetAnchor(lat, lon float64) (geodesy.EarthAnchor, error) {
	current, err := s.doc.Anchor()
	if err != nil && !errors.Is(err, geodesy.ErrAnchorNotSet) {
		return geodesy.EarthAnchor{}, err
	}

	next := geodesy.NewEarthAnchor(lat, lon)
	if current != nil {
		tr, err := geodesy.NewTransform(current, s.doc.UnitMeters())
		if err != nil {
			return geodesy.EarthAnchor{}, err
		}
		next.ModelBasePoint = tr.ToModel(lat, lon)
		next.ModelNorth = current.ModelNorth
		next.ModelEast = current.ModelEast
		next.Elevation = current.Elevation
	}

	if err := next.Validate(); err != nil {
		return geodesy.EarthAnchor{}, err
	}
	if err := s.doc.SetAnchor(next); err != nil {
		return geodesy.EarthAnchor{}, err
	}

	log.Printf("[Anchor] Document anchored at (%.6f, %.6f), base point (%.3f, %.3f, %.3f)",
		lat, lon, next.ModelBasePoint.X, next.ModelBasePoint.Y, next.ModelBasePoint.Z)
	return next, nil
}
