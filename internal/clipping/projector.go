package clipping

import (
	"errors"
	"fmt"
	"log"

	"github.com/paulmach/orb"

	"geosync/internal/geodesy"
)

// Object is an entry on the clipping layer.
type Object struct {
	ID       string
	Geometry any
}

// Skipped records an object that produced no loop.
type Skipped struct {
	ID  string
	Err error
}

// Projector converts clipping-layer objects to geodetic loops.
type Projector struct {
	opts Options
}

// NewProjector creates a projector. ToleranceMeters is converted to model
// units per transform.
func NewProjector(minSamples int, toleranceMeters float64) *Projector {
	return &Projector{opts: Options{MinSamples: minSamples, Tolerance: toleranceMeters}}
}

// Project reduces every object to a loop in (lon, lat). Objects that cannot
// be reduced are skipped and logged; they never fail the whole projection.
func (p *Projector) Project(tr *geodesy.Transform, objects []Object) ([]Loop, []Skipped, error) {
	if tr == nil {
		return nil, nil, geodesy.ErrAnchorNotSet
	}

	opts := p.opts
	if opts.Tolerance > 0 {
		opts.Tolerance /= tr.UnitMeters()
	} else {
		opts.Tolerance = DefaultOptions().Tolerance / tr.UnitMeters()
	}

	loops := make([]Loop, 0, len(objects))
	var skipped []Skipped
	for _, obj := range objects {
		loop, err := p.projectOne(tr, obj.Geometry, opts)
		if err != nil {
			log.Printf("[Clipping] Skipping object %s: %v", obj.ID, err)
			skipped = append(skipped, Skipped{ID: obj.ID, Err: err})
			continue
		}
		loops = append(loops, loop)
	}

	if len(objects) > 0 {
		log.Printf("[Clipping] Projected %d loops (%d skipped)", len(loops), len(skipped))
	}
	return loops, skipped, nil
}

func (p *Projector) projectOne(tr *geodesy.Transform, geom any, opts Options) (loop Loop, err error) {
	defer func() {
		if r := recover(); r != nil {
			loop, err = nil, fmt.Errorf("%w: %v", ErrDegenerateCurve, r)
		}
	}()

	pts, err := ReduceToPolyline(geom, opts)
	if err != nil {
		if !errors.Is(err, ErrDegenerateCurve) {
			err = fmt.Errorf("%w: %v", ErrDegenerateCurve, err)
		}
		return nil, err
	}

	loop = make(Loop, 0, len(pts))
	for _, pt := range pts {
		g := tr.ToGeodetic(pt)
		v := orb.Point{g.Lon, g.Lat}
		if len(loop) > 0 && loop[len(loop)-1].Equal(v) {
			continue
		}
		loop = append(loop, v)
	}
	if len(loop) > 1 && loop[0].Equal(loop[len(loop)-1]) {
		loop = loop[:len(loop)-1]
	}
	if err := loop.Validate(); err != nil {
		return nil, err
	}
	return loop, nil
}
