package geotiff

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	datatype uint16
	count    uint32
	value    uint32
}

func readIFD(t *testing.T, data []byte) map[uint16]entry {
	t.Helper()
	require.Equal(t, []byte{'I', 'I', 0x2A, 0x00}, data[:4])
	off := binary.LittleEndian.Uint32(data[4:8])
	n := int(binary.LittleEndian.Uint16(data[off:]))
	out := make(map[uint16]entry, n)
	for i := 0; i < n; i++ {
		p := int(off) + 2 + 12*i
		out[binary.LittleEndian.Uint16(data[p:])] = entry{
			datatype: binary.LittleEndian.Uint16(data[p+2:]),
			count:    binary.LittleEndian.Uint32(data[p+4:]),
			value:    binary.LittleEndian.Uint32(data[p+8:]),
		}
	}
	return out
}

func TestEncodeWritesPixelsAndDimensions(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(2, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, img, nil))
	data := buf.Bytes()

	ifd := readIFD(t, data)
	assert.Equal(t, entry{DataType_Long, 1, 3}, ifd[TagType_ImageWidth])
	assert.Equal(t, entry{DataType_Long, 1, 2}, ifd[TagType_ImageLength])
	assert.Equal(t, uint32(3*2*4), ifd[TagType_StripByteCounts].value)

	start := ifd[TagType_StripOffsets].value
	last := data[start+uint32((1*3+2)*4):]
	assert.Equal(t, []byte{10, 20, 30, 255}, last[:4])
	assert.Len(t, data, int(start)+3*2*4)
}

func TestEncodeRejectsUnsupportedTag(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	err := Encode(&bytes.Buffer{}, img, map[uint16]interface{}{40000: 1})
	assert.Error(t, err)
}

func TestWebMercatorTags(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	tags, err := WebMercatorTags(bound, 200, 100)
	require.NoError(t, err)

	scale := tags[TagType_ModelPixelScaleTag].([]float64)
	// 2 degrees of longitude at the equator is ~222.6 km.
	assert.InDelta(t, 222638.98/200, scale[0], 0.1)
	assert.InDelta(t, 222650.29/100, scale[1], 0.01)

	tie := tags[TagType_ModelTiepointTag].([]float64)
	assert.Less(t, tie[3], 0.0)
	assert.Greater(t, tie[4], 0.0)
	assert.Equal(t, uint16(3857), tags[TagType_GeoKeyDirectoryTag].([]uint16)[15])

	_, err = WebMercatorTags(orb.Bound{}, 10, 10)
	assert.Error(t, err)
	_, err = WebMercatorTags(bound, 0, 10)
	assert.Error(t, err)
}

func TestWriteFileGeoreferenced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "map.tif")
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	tags, err := WebMercatorTags(orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{10.01, 10.01}}, 4, 4)
	require.NoError(t, err)

	require.NoError(t, WriteFile(path, img, tags))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ifd := readIFD(t, data)
	scale := ifd[TagType_ModelPixelScaleTag]
	assert.Equal(t, uint16(DataType_Double), scale.datatype)
	assert.Equal(t, uint32(3), scale.count)
	assert.Zero(t, scale.value%2)

	sx := math.Float64frombits(binary.LittleEndian.Uint64(data[scale.value:]))
	assert.Greater(t, sx, 0.0)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
