package geotiff

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// WebMercatorTags returns GeoTIFF tags that place an image of the given
// size over bound (lon/lat degrees) in EPSG:3857.
func WebMercatorTags(bound orb.Bound, width, height int) (map[uint16]interface{}, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", width, height)
	}
	if bound.Max[0] <= bound.Min[0] || bound.Max[1] <= bound.Min[1] {
		return nil, fmt.Errorf("empty bound %v", bound)
	}

	topLeft := project.WGS84.ToMercator(orb.Point{bound.Min[0], bound.Max[1]})
	bottomRight := project.WGS84.ToMercator(orb.Point{bound.Max[0], bound.Min[1]})

	scaleX := (bottomRight[0] - topLeft[0]) / float64(width)
	scaleY := (topLeft[1] - bottomRight[1]) / float64(height)

	return map[uint16]interface{}{
		// Version=1, Revision=1, Minor=0, Keys=3
		TagType_GeoKeyDirectoryTag: []uint16{
			1, 1, 0, 3,
			1024, 0, 1, 1, // GTModelTypeGeoKey: Projected
			1025, 0, 1, 1, // GTRasterTypeGeoKey: PixelIsArea
			3072, 0, 1, 3857, // ProjectedCSTypeGeoKey: EPSG:3857
		},
		TagType_ModelPixelScaleTag: []float64{scaleX, scaleY, 0.0},
		TagType_ModelTiepointTag:   []float64{0.0, 0.0, 0.0, topLeft[0], topLeft[1], 0.0},
	}, nil
}

// WriteFile encodes img with tags to path, replacing it atomically.
func WriteFile(path string, img image.Image, tags map[uint16]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Encode(f, img, tags); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode GeoTIFF: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
