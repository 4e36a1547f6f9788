package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"geosync/internal/cad"
	"geosync/internal/geodesy"
	"geosync/internal/protocol"
)

// SyncPoster delivers payloads to the viewer.
type SyncPoster interface {
	PostSync(ctx context.Context, p protocol.SyncPayload) (protocol.SyncResponse, error)
}

// CADConfig wires the CAD agent endpoints.
type CADConfig struct {
	Document cad.Document
	Anchors  *cad.AnchorSetter
	Maps     *cad.MapImporter
	Builder  *cad.PayloadBuilder
	Viewer   SyncPoster
}

// DocumentResponse describes the open document.
type DocumentResponse struct {
	Name       string               `json:"name"`
	UnitMeters float64              `json:"unitMeters"`
	Anchor     *geodesy.EarthAnchor `json:"anchor"`
}

// CADServer serves anchor, map image and export requests against one
// document.
type CADServer struct {
	*Server
	cfg CADConfig

	syncMu sync.Mutex // serializes payload builds
}

// NewCADServer creates the CAD agent endpoint and registers its routes.
func NewCADServer(cfg CADConfig) *CADServer {
	s := &CADServer{Server: newServer("cad"), cfg: cfg}
	e := s.echo
	e.GET("/health", health("cad"))
	e.GET("/document", s.handleDocument)
	e.POST("/anchor", s.handleAnchor)
	e.POST("/map-image", s.handleMapImage)
	e.POST("/export", s.handleExport)
	return s
}

// Sync exports the document and posts the payload to the viewer.
func (s *CADServer) Sync(ctx context.Context) (protocol.SyncResponse, error) {
	if s.cfg.Viewer == nil {
		return protocol.SyncResponse{}, fmt.Errorf("no viewer configured")
	}
	s.syncMu.Lock()
	payload, err := s.cfg.Builder.Build(ctx)
	s.syncMu.Unlock()
	if err != nil {
		return protocol.SyncResponse{}, err
	}

	resp, err := s.cfg.Viewer.PostSync(ctx, payload)
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	log.Printf("[Sync] Cycle %d placed %s at %.2fm, %d clipping loops",
		resp.CycleID, resp.AssetID, resp.Height, resp.ClippingLoops)
	return resp, nil
}

func (s *CADServer) handleDocument(c echo.Context) error {
	resp := DocumentResponse{Name: s.cfg.Document.Name(), UnitMeters: s.cfg.Document.UnitMeters()}
	anchor, err := s.cfg.Document.Anchor()
	if err != nil && !errors.Is(err, geodesy.ErrAnchorNotSet) {
		return err
	}
	resp.Anchor = anchor
	return c.JSON(http.StatusOK, resp)
}

func (s *CADServer) handleAnchor(c echo.Context) error {
	var req protocol.AnchorRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if _, err := s.cfg.Anchors.SetAnchor(req.Lat, req.Lon); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *CADServer) handleMapImage(c echo.Context) error {
	var req protocol.MapImageRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	path, err := s.cfg.Maps.Import(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.SuccessResponse{Success: true, ImagePath: path})
}

func (s *CADServer) handleExport(c echo.Context) error {
	resp, err := s.Sync(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
