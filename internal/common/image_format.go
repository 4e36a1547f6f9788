package common

import (
	"fmt"
	"strings"
)

// ImageFormat is an encoding for exported rasters.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatWebP ImageFormat = "webp"
)

// DefaultImageQuality is the JPEG quality used when none is configured.
const DefaultImageQuality = 92

// ParseImageFormat converts a format string to an ImageFormat.
// Accepted values: "jpeg" (or "jpg"), "png", "webp". Empty means jpeg.
func ParseImageFormat(format string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("invalid image format: %s (must be 'jpeg', 'png', or 'webp')", format)
	}
}

// Ext returns the file extension, without the dot.
func (f ImageFormat) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// MIME returns the media type.
func (f ImageFormat) MIME() string {
	return "image/" + string(f)
}
