package naming

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Quadkey returns the Bing-style quadkey string of tile x/y/z.
func Quadkey(x, y, zoom int) string {
	if zoom <= 0 {
		return ""
	}
	q := maptile.New(uint32(x), uint32(y), maptile.Zoom(zoom)).Quadkey()
	s := strconv.FormatUint(q, 4)
	if pad := zoom - len(s); pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	return s
}

// GenerateQuadkey returns the quadkey of the tile containing the center of
// the bbox at zoom.
func GenerateQuadkey(south, west, north, east float64, zoom int) string {
	center := orb.Point{(west + east) / 2, (south + north) / 2}
	t := maptile.At(center, maptile.Zoom(zoom))
	return Quadkey(int(t.X), int(t.Y), zoom)
}

// GenerateBBoxString creates a human-readable bbox string for filenames
func GenerateBBoxString(south, west, north, east float64) string {
	return fmt.Sprintf("%.4f_%.4f_%.4f_%.4f", south, west, north, east)
}

// SanitizeCoordinate formats a coordinate for use in filenames, using
// N/S/E/W instead of a sign and 'p' instead of the decimal point.
func SanitizeCoordinate(coord float64, isLat bool) string {
	dir := "E"
	if isLat {
		dir = "N"
		if coord < 0 {
			dir = "S"
		}
	} else if coord < 0 {
		dir = "W"
	}

	coordStr := fmt.Sprintf("%.4f", math.Abs(coord))
	coordStr = strings.Replace(coordStr, ".", "p", 1)
	return coordStr + dir
}
