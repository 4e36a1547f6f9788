package naming

import (
	"fmt"
	"strings"
)

// MapImageFilename names an exported map image.
// Format: map_{date}_{quadkey}_z{zoom}_{lat}_{lon}_{size}m.{ext}
func MapImageFilename(date string, centerLat, centerLon, sizeMeters float64, zoom int, ext string) string {
	quadkey := GenerateQuadkey(centerLat, centerLon, centerLat, centerLon, zoom)
	return fmt.Sprintf("map_%s_%s_z%d_%s_%s_%.0fm.%s",
		date, quadkey, zoom,
		SanitizeCoordinate(centerLat, true),
		SanitizeCoordinate(centerLon, false),
		sizeMeters, strings.TrimPrefix(ext, "."))
}

// GeoTIFFSidecarFilename returns the GeoTIFF filename written next to an
// image: the same base name with a .tif extension.
func GeoTIFFSidecarFilename(imageName string) string {
	if i := strings.LastIndex(imageName, "."); i > 0 && !strings.ContainsAny(imageName[i:], `/\`) {
		imageName = imageName[:i]
	}
	return imageName + ".tif"
}

// AssetFilename names an exported model asset.
// Format: {document}_{date}.glb
func AssetFilename(document, date string) string {
	base := strings.TrimSpace(document)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, base)
	if base == "" {
		base = "model"
	}
	return fmt.Sprintf("%s_%s.glb", base, date)
}
