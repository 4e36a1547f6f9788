package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuadkey(t *testing.T) {
	assert.Equal(t, "", Quadkey(0, 0, 0))
	assert.Equal(t, "0", Quadkey(0, 0, 1))
	assert.Equal(t, "3", Quadkey(1, 1, 1))
	// Bing Maps documentation example
	assert.Equal(t, "213", Quadkey(3, 5, 3))
	assert.Equal(t, "0000", Quadkey(0, 0, 4))
}

func TestGenerateQuadkeyUsesCenter(t *testing.T) {
	qk := GenerateQuadkey(40.75, -73.99, 40.77, -73.97, 12)
	assert.Len(t, qk, 12)
	assert.Equal(t, qk, GenerateQuadkey(40.76, -73.98, 40.76, -73.98, 12))
}

func TestSanitizeCoordinate(t *testing.T) {
	assert.Equal(t, "40p7580N", SanitizeCoordinate(40.758, true))
	assert.Equal(t, "33p8688S", SanitizeCoordinate(-33.8688, true))
	assert.Equal(t, "73p9855W", SanitizeCoordinate(-73.9855, false))
	assert.Equal(t, "151p2093E", SanitizeCoordinate(151.2093, false))
}

func TestMapImageFilename(t *testing.T) {
	name := MapImageFilename("2026-10-18", 40.758, -73.9855, 2000, 18, ".jpg")
	assert.Regexp(t, `^map_2026-10-18_[0-3]{18}_z18_40p7580N_73p9855W_2000m\.jpg$`, name)
}

func TestSidecarAndAssetNames(t *testing.T) {
	assert.Equal(t, "map_a.tif", GeoTIFFSidecarFilename("map_a.jpg"))
	assert.Equal(t, "noext.tif", GeoTIFFSidecarFilename("noext"))
	assert.Equal(t, "Tower_B_2026-10-18.glb", AssetFilename("Tower B.3dm", "2026-10-18"))
	assert.Equal(t, "model_2026-10-18.glb", AssetFilename("", "2026-10-18"))
}
