// Package geotiff writes uncompressed RGBA TIFFs with GeoTIFF tags.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12
	DataType_IFD      = 13

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_ExtraSamples              = 338

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737
)

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// Encode writes the image m to w as an uncompressed RGBA TIFF.
// extraTags is a map of TagID -> value.
// Supported value types: []uint16 (SHORT), []float64 (DOUBLE), string (ASCII).
func Encode(w io.Writer, m image.Image, extraTags map[uint16]interface{}) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("empty image %dx%d", width, height)
	}

	// LittleEndian (II), version 42, first IFD at offset 8.
	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}

	pixels := make([]byte, 0, width*height*4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := m.At(x, y).RGBA()
			pixels = append(pixels, uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8))
		}
	}
	imageLen := uint32(len(pixels))

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	// Map exports go past 65535 px at high zoom, so dimensions are LONG.
	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_BitsPerSample, DataType_Short, 4, enc16s([]uint16{8, 8, 8, 8}))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1))               // None
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2)) // RGB
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(4))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(2)) // Inch
	addEntry(TagType_ExtraSamples, DataType_Short, 1, enc16(2))   // Unassociated alpha

	// Filled in once the pixel offset is known.
	addEntry(TagType_StripOffsets, DataType_Long, 1, make([]byte, 4))
	addEntry(TagType_StripByteCounts, DataType_Long, 1, enc32(imageLen))

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			addEntry(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []float64:
			addEntry(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			b := append([]byte(v), 0)
			addEntry(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
	}

	sort.Sort(byTag(entries))

	// Header, then IFD table, then out-of-line values, then pixels.
	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	var largeDataBuf bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		offset := uint32(valueDataOffset + largeDataBuf.Len())
		largeDataBuf.Write(e.data)
		// TIFF requires word-aligned value offsets.
		if largeDataBuf.Len()%2 == 1 {
			largeDataBuf.WriteByte(0)
		}
		e.data = enc32(offset)
	}

	pixelsOffset := uint32(valueDataOffset + largeDataBuf.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	if err := binary.Write(w, enc, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, enc, e.tag); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.datatype); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.count); err != nil {
			return err
		}
		// Values of up to 4 bytes are stored inline, left-aligned.
		var val [4]byte
		copy(val[:], e.data)
		if _, err := w.Write(val[:]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}

	if _, err := largeDataBuf.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(pixels)
	return err
}

// Helpers

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
