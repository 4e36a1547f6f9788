package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"geosync/internal/clipping"
	"geosync/internal/common"
	"geosync/internal/imagery"
	"geosync/internal/mapexport"
	"geosync/internal/orchestrator"
	"geosync/internal/placement"
	"geosync/internal/protocol"
	"geosync/internal/tiles"
)

// TileSources finds a cached imagery source by name.
type TileSources func(name string) (*imagery.CachedSource, bool)

// CADAgent is what the viewer asks of the CAD agent on the user's behalf.
type CADAgent interface {
	SetAnchor(ctx context.Context, req protocol.AnchorRequest) error
	RequestExport(ctx context.Context) (protocol.SyncResponse, error)
}

// ViewerConfig wires the viewer endpoints. Everything but Orchestrator and
// Scene is optional; the matching routes answer 503 when unset.
type ViewerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Scene        *placement.Scene
	Exporter     *mapexport.Exporter
	CAD          CADAgent
	Tiles        TileSources
	Metrics      http.Handler
	Live         http.Handler
}

// StateResponse is the viewer state snapshot.
type StateResponse struct {
	Status   orchestrator.Status    `json:"status"`
	Asset    *placement.PlacedAsset `json:"asset"`
	Clipping [][]float64            `json:"clipping"`
}

// ViewerServer receives sync payloads from the CAD agent.
type ViewerServer struct {
	*Server
	cfg ViewerConfig
}

// NewViewerServer creates the viewer endpoint and registers its routes.
func NewViewerServer(cfg ViewerConfig) *ViewerServer {
	s := &ViewerServer{Server: newServer("viewer"), cfg: cfg}
	e := s.echo
	e.GET("/health", health("viewer"))
	e.POST("/sync", s.handleSync)
	e.GET("/state", s.handleState)
	e.GET("/clipping", s.handleClipping)
	e.POST("/export-image", s.handleExportImage)
	e.POST("/anchor", s.handleAnchor)
	e.POST("/request-sync", s.handleRequestSync)
	e.GET("/tiles/:source/:z/:x/:y", s.handleTile)
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}
	if cfg.Live != nil {
		e.GET("/ws", echo.WrapHandler(cfg.Live))
	}
	return s
}

func (s *ViewerServer) handleSync(c echo.Context) error {
	var payload protocol.SyncPayload
	if err := bindJSON(c, &payload); err != nil {
		return err
	}
	res, err := s.cfg.Orchestrator.Submit(c.Request().Context(), payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SyncResponseFrom(res))
}

// SyncResponseFrom reports a committed cycle.
func SyncResponseFrom(res orchestrator.Result) protocol.SyncResponse {
	return protocol.SyncResponse{
		Success:         true,
		CycleID:         res.CycleID,
		AssetID:         res.Asset.ID.String(),
		Height:          res.Asset.Position.Height,
		TerrainHeight:   res.Asset.TerrainHeight,
		HeadingDeg:      res.Asset.Orientation.HeadingDeg,
		ClippingLoops:   len(res.Loops),
		DroppedPolygons: res.Dropped,
	}
}

func (s *ViewerServer) handleState(c echo.Context) error {
	resp := StateResponse{
		Status:   s.cfg.Orchestrator.Status(),
		Clipping: clipping.FlattenLoops(s.cfg.Scene.Clipping()),
	}
	if asset, ok := s.cfg.Scene.Current(); ok {
		resp.Asset = &asset
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *ViewerServer) handleClipping(c echo.Context) error {
	return c.JSON(http.StatusOK, clipping.ToFeatureCollection(s.cfg.Scene.Clipping()))
}

func (s *ViewerServer) handleExportImage(c echo.Context) error {
	if s.cfg.Exporter == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "map export is not configured")
	}
	var req protocol.MapExportRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	resp, err := s.cfg.Exporter.Export(c.Request().Context(), req, nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *ViewerServer) handleAnchor(c echo.Context) error {
	if s.cfg.CAD == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no CAD agent configured")
	}
	var req protocol.AnchorRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.cfg.CAD.SetAnchor(c.Request().Context(), req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *ViewerServer) handleRequestSync(c echo.Context) error {
	if s.cfg.CAD == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no CAD agent configured")
	}
	resp, err := s.cfg.CAD.RequestExport(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// handleTile proxies imagery tiles through the persistent cache.
// URL format: /tiles/{source}/{z}/{x}/{y}
func (s *ViewerServer) handleTile(c echo.Context) error {
	if s.cfg.Tiles == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tile proxy is not configured")
	}
	src, ok := s.cfg.Tiles(c.Param("source"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown imagery source %q", c.Param("source")))
	}

	var t tiles.TileIndex
	var err error
	for _, p := range []struct {
		name string
		dst  *int
	}{{"z", &t.Zoom}, {"x", &t.X}, {"y", &t.Y}} {
		if *p.dst, err = strconv.Atoi(c.Param(p.name)); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s coordinate", p.name))
		}
	}
	if err := tiles.ValidateTileIndex(t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	h := c.Response().Header()
	if data, found := src.Lookup(t); found {
		h.Set("Cache-Control", "public, max-age=31536000")
		h.Set("X-Cache-Status", "HIT")
		return c.Blob(http.StatusOK, http.DetectContentType(data), data)
	}

	data, err := src.FetchTile(c.Request().Context(), t)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		log.Printf("[TileProxy] Failed to fetch %s tile %s: %v", src.Name(), t, err)
		h.Set("X-Cache-Status", "ERROR")
		return c.Blob(http.StatusOK, common.FormatPNG.MIME(), transparentTile)
	}
	h.Set("Cache-Control", "public, max-age=31536000")
	h.Set("X-Cache-Status", "MISS")
	return c.Blob(http.StatusOK, http.DetectContentType(data), data)
}

// transparentTile stands in for tiles that could not be fetched.
var transparentTile = func() []byte {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, tiles.TileSize, tiles.TileSize)))
	return buf.Bytes()
}()
