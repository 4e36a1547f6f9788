// Package wmts reads OGC WMTS capabilities documents and turns a layer's
// RESTful resource template into an XYZ URL template.
package wmts

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Capabilities is the subset of a WMTS capabilities document we read.
type Capabilities struct {
	XMLName  xml.Name `xml:"Capabilities"`
	Contents Contents `xml:"Contents"`
}

type Contents struct {
	Layers []Layer `xml:"Layer"`
}

type Layer struct {
	Title              string              `xml:"http://www.opengis.net/ows/1.1 Title"`
	Abstract           string              `xml:"http://www.opengis.net/ows/1.1 Abstract"`
	Identifier         string              `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	Styles             []Style             `xml:"Style"`
	TileMatrixSetLinks []TileMatrixSetLink `xml:"TileMatrixSetLink"`
	ResourceURL        []ResourceURL       `xml:"ResourceURL"`
}

type Style struct {
	Identifier string `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	IsDefault  bool   `xml:"isDefault,attr"`
}

type TileMatrixSetLink struct {
	TileMatrixSet string `xml:"TileMatrixSet"`
}

type ResourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

// LayerInfo represents parsed WMTS layer information
type LayerInfo struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Style         string `json:"style"`
	TileMatrixSet string `json:"tileMatrixSet"`
	TemplateURL   string `json:"templateUrl"`
	Format        string `json:"format"`
}

// FetchCapabilities fetches and parses WMTS capabilities from url.
func FetchCapabilities(ctx context.Context, client *http.Client, url string) (*Capabilities, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch capabilities: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return ParseCapabilities(data)
}

// ParseCapabilities parses a capabilities XML document.
func ParseCapabilities(data []byte) (*Capabilities, error) {
	var caps Capabilities
	if err := xml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	if len(caps.Contents.Layers) == 0 {
		return nil, fmt.Errorf("no layers found in capabilities")
	}
	return &caps, nil
}

// GetLayers extracts layer information from capabilities
func GetLayers(caps *Capabilities) []LayerInfo {
	var layers []LayerInfo

	for _, layer := range caps.Contents.Layers {
		info := LayerInfo{
			Name:        layer.Identifier,
			Title:       layer.Title,
			Description: layer.Abstract,
		}

		for i, style := range layer.Styles {
			if i == 0 || style.IsDefault {
				info.Style = style.Identifier
			}
		}

		if len(layer.TileMatrixSetLinks) > 0 {
			info.TileMatrixSet = layer.TileMatrixSetLinks[0].TileMatrixSet
		}

		for _, resource := range layer.ResourceURL {
			if resource.ResourceType == "tile" {
				info.TemplateURL = resource.Template
				info.Format = resource.Format
				break
			}
		}

		layers = append(layers, info)
	}

	return layers
}

// FindLayer returns the layer named name. An empty name selects the first
// layer that exposes a tile template.
func FindLayer(caps *Capabilities, name string) (LayerInfo, error) {
	for _, info := range GetLayers(caps) {
		if info.TemplateURL == "" {
			continue
		}
		if name == "" || info.Name == name {
			return info, nil
		}
	}
	if name == "" {
		return LayerInfo{}, fmt.Errorf("no layer with a tile resource template")
	}
	return LayerInfo{}, fmt.Errorf("layer %q not found or has no tile resource template", name)
}

// XYZTemplate returns the layer template with the WMTS placeholders
// replaced, ready for {z}/{x}/{y} substitution.
func (l LayerInfo) XYZTemplate() string {
	t := ConvertTemplateToXYZ(l.TemplateURL)
	t = strings.ReplaceAll(t, "{Style}", l.Style)
	t = strings.ReplaceAll(t, "{TileMatrixSet}", l.TileMatrixSet)
	return t
}

// ConvertTemplateToXYZ converts WMTS template URL to XYZ format
// Example: ...&TileMatrix={TileMatrix}&TileCol={TileCol}&TileRow={TileRow}
// Becomes: ...&TileMatrix={z}&TileCol={x}&TileRow={y}
func ConvertTemplateToXYZ(template string) string {
	result := strings.ReplaceAll(template, "{TileMatrix}", "{z}")
	result = strings.ReplaceAll(result, "{TileCol}", "{x}")
	result = strings.ReplaceAll(result, "{TileRow}", "{y}")
	return result
}

// ResolveXYZTemplate fetches capabilities and resolves layer to an XYZ
// template.
func ResolveXYZTemplate(ctx context.Context, client *http.Client, capabilitiesURL, layer string) (string, error) {
	caps, err := FetchCapabilities(ctx, client, capabilitiesURL)
	if err != nil {
		return "", err
	}
	info, err := FindLayer(caps, layer)
	if err != nil {
		return "", err
	}
	return info.XYZTemplate(), nil
}
