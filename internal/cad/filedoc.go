package cad

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"geosync/internal/clipping"
	"geosync/internal/common"
	"geosync/internal/geodesy"
	"geosync/internal/utils/naming"
)

// Object types understood in a document file.
const (
	TypePolyline      = "polyline"
	TypeCircle        = "circle"
	TypeEllipse       = "ellipse"
	TypeArc           = "arc"
	TypePlanarSurface = "planar_surface"
	TypeExtrusion     = "extrusion"
)

// ObjectRecord is one object as stored in the document file.
type ObjectRecord struct {
	ID       string          `json:"id"`
	Layer    string          `json:"layer"`
	Type     string          `json:"type"`
	Geometry json.RawMessage `json:"geometry"`
}

type geometryRef struct {
	Type     string          `json:"type"`
	Geometry json.RawMessage `json:"geometry"`
}

type documentFile struct {
	Name       string               `json:"name,omitempty"`
	UnitMeters float64              `json:"unitMeters,omitempty"`
	Anchor     *geodesy.EarthAnchor `json:"anchor,omitempty"`
	Objects    []ObjectRecord       `json:"objects"`
	Pictures   []Picture            `json:"pictures,omitempty"`
}

// FileDocument is a Document backed by a JSON file. Every mutation is
// written back to disk.
type FileDocument struct {
	path         string
	defaultUnits float64
	curveOpts    clipping.Options
	now          func() time.Time

	mu   sync.RWMutex
	data documentFile
}

// OpenFileDocument loads path. A missing file starts an empty document.
// defaultUnits applies when the file does not set unitMeters.
func OpenFileDocument(path string, defaultUnits float64) (*FileDocument, error) {
	d := &FileDocument{
		path:         path,
		defaultUnits: defaultUnits,
		curveOpts:    clipping.DefaultOptions(),
		now:          time.Now,
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the backing file path.
func (d *FileDocument) Path() string { return d.path }

// SetCurveOptions sets the discretization used for asset export.
func (d *FileDocument) SetCurveOptions(opts clipping.Options) {
	d.mu.Lock()
	d.curveOpts = opts
	d.mu.Unlock()
}

// Reload re-reads the file, for example after an external edit.
func (d *FileDocument) Reload() error {
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		d.mu.Lock()
		d.data = documentFile{Objects: []ObjectRecord{}}
		d.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	var data documentFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse document %s: %w", d.path, err)
	}
	if data.Anchor != nil {
		if err := data.Anchor.Validate(); err != nil {
			return fmt.Errorf("document %s: %w", d.path, err)
		}
	}

	d.mu.Lock()
	d.data = data
	d.mu.Unlock()
	return nil
}

// Name returns the document name, defaulting to the file base name.
func (d *FileDocument) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.data.Name != "" {
		return d.data.Name
	}
	return strings.TrimSuffix(filepath.Base(d.path), filepath.Ext(d.path))
}

func (d *FileDocument) Anchor() (*geodesy.EarthAnchor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.data.Anchor == nil {
		return nil, geodesy.ErrAnchorNotSet
	}
	a := *d.data.Anchor
	return &a, nil
}

func (d *FileDocument) SetAnchor(anchor geodesy.EarthAnchor) error {
	if err := anchor.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.data.Anchor
	d.data.Anchor = &anchor
	if err := d.saveLocked(); err != nil {
		d.data.Anchor = prev
		return err
	}
	return nil
}

func (d *FileDocument) UnitMeters() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.data.UnitMeters > 0 {
		return d.data.UnitMeters
	}
	if d.defaultUnits > 0 {
		return d.defaultUnits
	}
	return 1
}

// ObjectsOnLayer decodes the objects on layer. Objects whose geometry
// cannot be decoded are returned with a nil Geometry so that consumers
// report them as skipped.
func (d *FileDocument) ObjectsOnLayer(layer string) ([]clipping.Object, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []clipping.Object
	for _, rec := range d.data.Objects {
		if rec.Layer != layer {
			continue
		}
		geom, err := decodeGeometry(rec.Type, rec.Geometry, 0)
		if err != nil {
			log.Printf("[Document] Object %s: %v", rec.ID, err)
			geom = nil
		}
		out = append(out, clipping.Object{ID: rec.ID, Geometry: geom})
	}
	return out, nil
}

// AddObject appends an object record and saves.
func (d *FileDocument) AddObject(rec ObjectRecord) error {
	if _, err := decodeGeometry(rec.Type, rec.Geometry, 0); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data.Objects = append(d.data.Objects, rec)
	if err := d.saveLocked(); err != nil {
		d.data.Objects = d.data.Objects[:len(d.data.Objects)-1]
		return err
	}
	return nil
}

// ExportAsset writes the layer's geometry as a wireframe GLB, relative to
// the anchor base point (or the origin without an anchor) and in meters.
func (d *FileDocument) ExportAsset(ctx context.Context, layer, dir string) (string, error) {
	objects, err := d.ObjectsOnLayer(layer)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", fmt.Errorf("%w: layer %q is empty", ErrNoSourceGeometry, layer)
	}

	var base geodesy.Vec3
	if a, err := d.Anchor(); err == nil {
		base = a.ModelBasePoint
	}

	d.mu.RLock()
	opts := d.curveOpts
	d.mu.RUnlock()

	w := newWireframe(base, d.UnitMeters())
	exported := 0
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if obj.Geometry == nil {
			continue
		}
		if err := w.add(obj.Geometry, opts); err != nil {
			log.Printf("[Document] Not exporting object %s: %v", obj.ID, err)
			continue
		}
		exported++
	}
	if exported == 0 {
		return "", fmt.Errorf("%w: nothing on layer %q could be exported", ErrNoSourceGeometry, layer)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	name := naming.AssetFilename(d.Name(), common.FormatFileTimestamp(d.now()))
	path := filepath.Join(dir, name)

	f, err := os.Create(path + ".tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	if err := writeGLB(f, w, d.Name()); err != nil {
		f.Close()
		os.Remove(path + ".tmp")
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path + ".tmp")
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		os.Remove(path + ".tmp")
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	log.Printf("[Document] Exported %d objects (%d segments) to %s", exported, w.Segments(), path)
	return path, nil
}

func (d *FileDocument) AddPicture(p Picture) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data.Pictures = append(d.data.Pictures, p)
	if err := d.saveLocked(); err != nil {
		d.data.Pictures = d.data.Pictures[:len(d.data.Pictures)-1]
		return err
	}
	return nil
}

// Pictures returns the placed pictures.
func (d *FileDocument) Pictures() []Picture {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Picture(nil), d.data.Pictures...)
}

func (d *FileDocument) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}
	raw, err := json.MarshalIndent(d.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}

const maxNesting = 4

func decodeGeometry(typ string, raw json.RawMessage, depth int) (any, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("%w: geometry nesting too deep", clipping.ErrDegenerateCurve)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no geometry", clipping.ErrDegenerateCurve, typ)
	}

	var err error
	switch typ {
	case TypePolyline:
		var g clipping.Polyline
		err = json.Unmarshal(raw, &g)
		return g, wrapDecode(typ, err)
	case TypeCircle:
		var g clipping.Circle
		err = json.Unmarshal(raw, &g)
		return g, wrapDecode(typ, err)
	case TypeEllipse:
		var g clipping.Ellipse
		err = json.Unmarshal(raw, &g)
		return g, wrapDecode(typ, err)
	case TypeArc:
		var g clipping.Arc
		err = json.Unmarshal(raw, &g)
		return g, wrapDecode(typ, err)
	case TypePlanarSurface:
		var g struct {
			Boundary geometryRef `json:"boundary"`
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, wrapDecode(typ, err)
		}
		boundary, err := decodeGeometry(g.Boundary.Type, g.Boundary.Geometry, depth+1)
		if err != nil {
			return nil, err
		}
		return clipping.PlanarSurface{Boundary: boundary}, nil
	case TypeExtrusion:
		var g struct {
			Profile   geometryRef  `json:"profile"`
			Direction geodesy.Vec3 `json:"direction"`
			Height    float64      `json:"height"`
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, wrapDecode(typ, err)
		}
		profile, err := decodeGeometry(g.Profile.Type, g.Profile.Geometry, depth+1)
		if err != nil {
			return nil, err
		}
		return clipping.Extrusion{Profile: profile, Direction: g.Direction, Height: g.Height}, nil
	}
	return nil, fmt.Errorf("%w: unknown object type %q", clipping.ErrDegenerateCurve, typ)
}

func wrapDecode(typ string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: bad %s geometry: %v", clipping.ErrDegenerateCurve, typ, err)
}
