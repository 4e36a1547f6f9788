package cad

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"geosync/internal/common"
	"geosync/internal/geodesy"
	"geosync/internal/imagery"
	"geosync/internal/protocol"
	"geosync/internal/utils/naming"
	"geosync/pkg/geotiff"
)

// MapImporter writes map images sent by the viewer and places them in the
// document.
type MapImporter struct {
	doc          Document
	dir          string
	pictureLayer string
	quality      int
	now          func() time.Time
}

// NewMapImporter creates an importer that stores images under dir.
func NewMapImporter(doc Document, dir, pictureLayer string, quality int) *MapImporter {
	return &MapImporter{
		doc:          doc,
		dir:          dir,
		pictureLayer: pictureLayer,
		quality:      quality,
		now:          time.Now,
	}
}

// Import decodes the image, resamples it to the requested pixel size when
// it differs, writes it (plus a GeoTIFF when bounds are given) and adds a
// picture sizeMeters wide centered on the anchor base point. It returns the
// image path.
func (m *MapImporter) Import(ctx context.Context, req protocol.MapImageRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	data, err := decodeBase64Image(req.ImageBase64)
	if err != nil {
		return "", err
	}
	format, err := sniffFormat(data)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode image: %v", protocol.ErrInvalidPayload, err)
	}
	if b := img.Bounds(); b.Dx() != req.PixelWidth || b.Dy() != req.PixelHeight {
		log.Printf("[MapImport] Resampling %dx%d to %dx%d", b.Dx(), b.Dy(), req.PixelWidth, req.PixelHeight)
		img = imagery.Resample(img, req.PixelWidth, req.PixelHeight)
		if data, err = imagery.Encode(img, format, m.quality); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	anchor, err := m.doc.Anchor()
	if err != nil && !errors.Is(err, geodesy.ErrAnchorNotSet) {
		return "", err
	}

	centerLat, centerLon := 0.0, 0.0
	switch {
	case req.Bounds != nil:
		centerLat, centerLon = req.Bounds.Center()
	case anchor != nil:
		centerLat, centerLon = anchor.Latitude, anchor.Longitude
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	name := naming.MapImageFilename(common.FormatFileTimestamp(m.now()), centerLat, centerLon, req.SizeMeters, req.Zoom, format.Ext())
	path := filepath.Join(m.dir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}

	if req.Bounds != nil {
		tags, err := geotiff.WebMercatorTags(req.Bounds.Bound(), req.PixelWidth, req.PixelHeight)
		if err == nil {
			err = geotiff.WriteFile(filepath.Join(m.dir, naming.GeoTIFFSidecarFilename(name)), img, tags)
		}
		if err != nil {
			// The picture is still usable without the sidecar.
			log.Printf("[MapImport] GeoTIFF sidecar not written: %v", err)
		}
	}

	if err := m.doc.AddPicture(m.picture(path, anchor, req)); err != nil {
		return "", fmt.Errorf("failed to place picture: %w", err)
	}

	log.Printf("[MapImport] Imported %s (%dx%d px, %.0f m)", name, req.PixelWidth, req.PixelHeight, req.SizeMeters)
	return path, nil
}

func (m *MapImporter) picture(path string, anchor *geodesy.EarthAnchor, req protocol.MapImageRequest) Picture {
	base := geodesy.Vec3{}
	east, north := geodesy.Vec3{X: 1}, geodesy.Vec3{Y: 1}
	if anchor != nil {
		base, east, north = anchor.ModelBasePoint, anchor.ModelEast, anchor.ModelNorth
	}

	width := req.SizeMeters / m.doc.UnitMeters()
	height := width * float64(req.PixelHeight) / float64(req.PixelWidth)
	u := east.Mul(width)
	v := north.Mul(height)

	return Picture{
		ID:     uuid.NewString(),
		Path:   path,
		Layer:  m.pictureLayer,
		Origin: base.Sub(u.Mul(0.5)).Sub(v.Mul(0.5)),
		U:      u,
		V:      v,
	}
}

func decodeBase64Image(s string) ([]byte, error) {
	// Accept data URLs as produced by canvas.toDataURL.
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: imageBase64 is not valid base64: %v", protocol.ErrInvalidPayload, err)
	}
	return data, nil
}

func sniffFormat(data []byte) (common.ImageFormat, error) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "", fmt.Errorf("%w: unrecognized image data", protocol.ErrInvalidPayload)
	}
	format, err := common.ParseImageFormat(kind.Extension)
	if err != nil {
		return "", fmt.Errorf("%w: unsupported image type %s", protocol.ErrInvalidPayload, kind.MIME.Value)
	}
	return format, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}
