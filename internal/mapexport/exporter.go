// Package mapexport stitches a basemap around a location and hands it to the
// CAD agent, optionally anchoring the document there first.
package mapexport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"geosync/internal/common"
	"geosync/internal/imagery"
	"geosync/internal/protocol"
	"geosync/internal/tiles"
	"geosync/internal/utils/naming"
	"geosync/pkg/geotiff"
)

// ErrNoImagery is returned when not a single tile of the export could be
// fetched.
var ErrNoImagery = errors.New("no imagery tiles could be fetched")

// CADClient is the part of the CAD agent an export talks to.
type CADClient interface {
	SetAnchor(ctx context.Context, req protocol.AnchorRequest) error
	ImportMapImage(ctx context.Context, req protocol.MapImageRequest) (string, error)
}

// SourceResolver finds an imagery source by name. An empty name selects the
// default source.
type SourceResolver func(name string) (imagery.Source, bool)

// Config controls encoding and local output.
type Config struct {
	Format  common.ImageFormat
	Quality int
	// OutputDir receives the image when no CAD client is configured.
	OutputDir string
}

// Exporter runs map exports.
type Exporter struct {
	stitcher *imagery.Stitcher
	sources  SourceResolver
	cad      CADClient
	cfg      Config
	now      func() time.Time
}

// New creates an exporter. cad may be nil, in which case images are written
// to cfg.OutputDir with a GeoTIFF next to them.
func New(stitcher *imagery.Stitcher, sources SourceResolver, cad CADClient, cfg Config) *Exporter {
	if cfg.Format == "" {
		cfg.Format = common.FormatJPEG
	}
	if cfg.Quality <= 0 {
		cfg.Quality = common.DefaultImageQuality
	}
	return &Exporter{stitcher: stitcher, sources: sources, cad: cad, cfg: cfg, now: time.Now}
}

// Export stitches the requested area and delivers it. With SetAnchor the CAD
// document is anchored at the center of the stitched image before the image
// is imported, so the picture lands centered on the base point.
func (e *Exporter) Export(ctx context.Context, req protocol.MapExportRequest, onProgress func(imagery.Progress)) (protocol.MapExportResponse, error) {
	if err := req.Validate(); err != nil {
		return protocol.MapExportResponse{}, err
	}
	src, ok := e.sources(req.Source)
	if !ok {
		return protocol.MapExportResponse{}, fmt.Errorf("%w: unknown imagery source %q", protocol.ErrInvalidPayload, req.Source)
	}

	bounds := tiles.CalculateTileBounds(req.CenterLat, req.CenterLon, req.SizeMeters, req.Zoom)
	log.Printf("[MapExport] %s: %.0fm at z%d around (%.6f, %.6f), %d tiles",
		src.Name(), req.SizeMeters, req.Zoom, req.CenterLat, req.CenterLon, bounds.Count())

	res, err := e.stitcher.Stitch(ctx, bounds, src, onProgress)
	if err != nil {
		return protocol.MapExportResponse{}, err
	}
	if res.Fetched == 0 {
		return protocol.MapExportResponse{}, ErrNoImagery
	}

	data, err := imagery.Encode(res.Image, e.cfg.Format, e.cfg.Quality)
	if err != nil {
		return protocol.MapExportResponse{}, fmt.Errorf("failed to encode map image: %w", err)
	}

	resp := protocol.MapExportResponse{
		Success:          true,
		PixelWidth:       bounds.PixelWidth,
		PixelHeight:      bounds.PixelHeight,
		ActualSizeMeters: bounds.ActualSizeMeters,
		Bounds:           bounds.BBox,
		FailedTiles:      res.Failed(),
		Tiles:            bounds.Count(),
	}

	if e.cad == nil {
		path, err := e.writeLocal(data, res, bounds)
		if err != nil {
			return protocol.MapExportResponse{}, err
		}
		resp.ImagePath = path
		return resp, nil
	}

	if req.SetAnchor {
		lat, lon := bounds.BBox.Center()
		if err := e.cad.SetAnchor(ctx, protocol.AnchorRequest{Lat: lat, Lon: lon}); err != nil {
			return protocol.MapExportResponse{}, fmt.Errorf("failed to set anchor: %w", err)
		}
		log.Printf("[MapExport] Anchored document at (%.6f, %.6f)", lat, lon)
	}

	bbox := bounds.BBox
	path, err := e.cad.ImportMapImage(ctx, protocol.MapImageRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(data),
		SizeMeters:  bounds.ActualSizeMeters,
		PixelWidth:  bounds.PixelWidth,
		PixelHeight: bounds.PixelHeight,
		Bounds:      &bbox,
		Zoom:        bounds.Zoom,
	})
	if err != nil {
		return protocol.MapExportResponse{}, fmt.Errorf("failed to import map image: %w", err)
	}
	resp.ImagePath = path
	log.Printf("[MapExport] Imported %dx%d image (%d blank tiles): %s",
		bounds.PixelWidth, bounds.PixelHeight, res.Failed(), path)
	return resp, nil
}

func (e *Exporter) writeLocal(data []byte, res *imagery.StitchResult, bounds tiles.TileBounds) (string, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	lat, lon := bounds.BBox.Center()
	name := naming.MapImageFilename(common.FormatFileTimestamp(e.now()), lat, lon,
		bounds.ActualSizeMeters, bounds.Zoom, e.cfg.Format.Ext())
	path := filepath.Join(e.cfg.OutputDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write map image: %w", err)
	}

	tags, err := geotiff.WebMercatorTags(bounds.BBox.Bound(), res.Image.Bounds().Dx(), res.Image.Bounds().Dy())
	if err == nil {
		err = geotiff.WriteFile(filepath.Join(e.cfg.OutputDir, naming.GeoTIFFSidecarFilename(name)), res.Image, tags)
	}
	if err != nil {
		log.Printf("[MapExport] Warning: GeoTIFF not written for %s: %v", name, err)
	}
	log.Printf("[MapExport] Saved %s", path)
	return path, nil
}
