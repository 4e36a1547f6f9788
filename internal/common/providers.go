package common

// Source identifiers used as cache namespaces and log labels.
const (
	SourceOpenStreetMap = "osm"
	SourceTerrarium     = "terrarium"
)

// Default tile URL templates.
const (
	DefaultImageryTemplate   = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	DefaultTerrariumTemplate = "https://s3.amazonaws.com/elevation-tiles-prod/terrarium/{z}/{x}/{y}.png"
)
