package cad

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"geosync/internal/clipping"
	"geosync/internal/geodesy"
)

const (
	glbMagic     = 0x46546C67 // "glTF"
	glbVersion   = 2
	chunkJSON    = 0x4E4F534A
	chunkBIN     = 0x004E4942
	modeLines    = 1
	typeFloat    = 5126
	targetVertex = 34962
)

// wireframe collects line segments in glTF space: meters, +Y up, -Z north.
type wireframe struct {
	base       geodesy.Vec3
	unitMeters float64
	positions  []float32
}

func newWireframe(base geodesy.Vec3, unitMeters float64) *wireframe {
	return &wireframe{base: base, unitMeters: unitMeters}
}

func (w *wireframe) vertex(p geodesy.Vec3) {
	d := p.Sub(w.base).Mul(w.unitMeters)
	w.positions = append(w.positions, float32(d.X), float32(d.Z), float32(-d.Y))
}

func (w *wireframe) segment(a, b geodesy.Vec3) {
	w.vertex(a)
	w.vertex(b)
}

func (w *wireframe) chain(pts []geodesy.Vec3, closed bool) {
	for i := 0; i+1 < len(pts); i++ {
		w.segment(pts[i], pts[i+1])
	}
	if closed && len(pts) > 2 {
		w.segment(pts[len(pts)-1], pts[0])
	}
}

// Segments returns the number of line segments.
func (w *wireframe) Segments() int { return len(w.positions) / 6 }

// add appends the edges of one geometry.
func (w *wireframe) add(geom any, opts clipping.Options) error {
	switch g := geom.(type) {
	case clipping.Extrusion:
		profile, err := clipping.ReduceToPolyline(g.Profile, opts)
		if err != nil {
			return err
		}
		dir := g.Direction.Normalize()
		if dir.Len() == 0 {
			dir = geodesy.Vec3{Z: 1}
		}
		offset := dir.Mul(g.Height)
		top := make([]geodesy.Vec3, len(profile))
		for i, p := range profile {
			top[i] = p.Add(offset)
			w.segment(p, top[i])
		}
		w.chain(profile, true)
		w.chain(top, true)
		return nil

	case clipping.BoundaryProvider:
		loop, err := clipping.ReduceToPolyline(g, opts)
		if err != nil {
			return err
		}
		w.chain(loop, true)
		return nil

	case clipping.Polyline:
		if len(g.Points) < 2 {
			return fmt.Errorf("%w: polyline has %d points", clipping.ErrDegenerateCurve, len(g.Points))
		}
		w.chain(g.Points, g.Closed)
		return nil

	case clipping.SampleableCurve:
		if g.IsClosed() {
			loop, err := clipping.ReduceToPolyline(g, opts)
			if err != nil {
				return err
			}
			w.chain(loop, true)
			return nil
		}
		t0, t1 := g.Domain()
		n := max(opts.MinSamples, 2)
		pts := make([]geodesy.Vec3, n+1)
		for i := range pts {
			pts[i] = g.PointAt(t0 + (t1-t0)*float64(i)/float64(n))
		}
		w.chain(pts, false)
		return nil
	}
	return fmt.Errorf("%w: unsupported object %T", clipping.ErrDegenerateCurve, geom)
}

type gltfDocument struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       int              `json:"scene"`
	Scenes      []gltfScene      `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes"`
	Accessors   []gltfAccessor   `json:"accessors"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Buffers     []gltfBuffer     `json:"buffers"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Name string `json:"name,omitempty"`
	Mesh int    `json:"mesh"`
}

type gltfMesh struct {
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Mode       int            `json:"mode"`
}

type gltfAccessor struct {
	BufferView    int       `json:"bufferView"`
	ComponentType int       `json:"componentType"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float32 `json:"min"`
	Max           []float32 `json:"max"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteLength int `json:"byteLength"`
	Target     int `json:"target"`
}

type gltfBuffer struct {
	ByteLength int `json:"byteLength"`
}

// writeGLB writes the wireframe as a binary glTF 2.0 file with one LINES
// primitive.
func writeGLB(out io.Writer, w *wireframe, name string) error {
	count := len(w.positions) / 3
	if count == 0 {
		return fmt.Errorf("%w: no vertices", ErrExportFailed)
	}

	minV := []float32{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	maxV := []float32{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for i, v := range w.positions {
		minV[i%3] = min(minV[i%3], v)
		maxV[i%3] = max(maxV[i%3], v)
	}

	bin := new(bytes.Buffer)
	if err := binary.Write(bin, binary.LittleEndian, w.positions); err != nil {
		return err
	}
	binLen := bin.Len()
	for bin.Len()%4 != 0 {
		bin.WriteByte(0)
	}

	doc := gltfDocument{
		Asset:  gltfAsset{Version: "2.0", Generator: "geosync"},
		Scenes: []gltfScene{{Nodes: []int{0}}},
		Nodes:  []gltfNode{{Name: name, Mesh: 0}},
		Meshes: []gltfMesh{{Primitives: []gltfPrimitive{{
			Attributes: map[string]int{"POSITION": 0},
			Mode:       modeLines,
		}}}},
		Accessors: []gltfAccessor{{
			BufferView:    0,
			ComponentType: typeFloat,
			Count:         count,
			Type:          "VEC3",
			Min:           minV,
			Max:           maxV,
		}},
		BufferViews: []gltfBufferView{{Buffer: 0, ByteLength: binLen, Target: targetVertex}},
		Buffers:     []gltfBuffer{{ByteLength: binLen}},
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal glTF: %w", err)
	}
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}

	total := 12 + 8 + len(js) + 8 + bin.Len()
	header := []uint32{glbMagic, glbVersion, uint32(total), uint32(len(js)), chunkJSON}
	if err := binary.Write(out, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := out.Write(js); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, []uint32{uint32(bin.Len()), chunkBIN}); err != nil {
		return err
	}
	_, err = bin.WriteTo(out)
	return err
}
