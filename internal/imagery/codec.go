package imagery

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/HugoSmits86/nativewebp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"geosync/internal/common"
	"geosync/internal/tiles"
)

// DecodeTile decodes a JPEG, PNG or WebP tile. Tiles that are not 256px
// square are rescaled so they land on the grid exactly.
func DecodeTile(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == tiles.TileSize && b.Dy() == tiles.TileSize {
		return img, nil
	}
	return Resample(img, tiles.TileSize, tiles.TileSize), nil
}

// Resample scales img to width x height.
func Resample(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// Encode writes img in format. quality applies to JPEG only; zero selects
// the default.
func Encode(img image.Image, format common.ImageFormat, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = common.DefaultImageQuality
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case common.FormatJPEG, "":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case common.FormatPNG:
		err = png.Encode(&buf, img)
	case common.FormatWebP:
		err = nativewebp.Encode(&buf, img, nil)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
