// Package bridge serves the HTTP endpoints the viewer and the CAD agent
// expose to each other.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"geosync/internal/cad"
	"geosync/internal/geodesy"
	"geosync/internal/mapexport"
	"geosync/internal/orchestrator"
	"geosync/internal/protocol"
	"geosync/internal/transport"
)

// Codes for failures that only exist on the viewer side.
const (
	CodeSuperseded = "superseded"
	CodeStale      = "stale"
	CodeNoImagery  = "no_imagery"
)

// Server is one side's HTTP endpoint.
type Server struct {
	name string
	echo *echo.Echo
	http *http.Server
	url  string
}

func newServer(name string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	// Wails serves the frontend from wails://wails on macOS and Linux.
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAccept},
	}))
	return &Server{name: name, echo: e}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// URL returns the base URL once started.
func (s *Server) URL() string { return s.url }

// Start listens on addr and serves in the background. An empty addr picks a
// free loopback port.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start %s server: %w", s.name, err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	host, _, _ := net.SplitHostPort(addr)
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	s.url = fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))
	log.Printf("[Bridge] %s server started on %s", s.name, s.url)

	s.http = &http.Server{Handler: s.echo}
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Bridge] %s server stopped: %v", s.name, err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func health(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "service": name})
	}
}

// bindJSON decodes the body; any decode failure is an invalid payload.
func bindJSON(c echo.Context, v any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return fmt.Errorf("%w: %v", protocol.ErrInvalidPayload, he.Message)
		}
		return fmt.Errorf("%w: %v", protocol.ErrInvalidPayload, err)
	}
	return nil
}

func errorCode(err error) string {
	if code := transport.ErrorCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, orchestrator.ErrSuperseded):
		return CodeSuperseded
	case errors.Is(err, orchestrator.ErrStale):
		return CodeStale
	case errors.Is(err, mapexport.ErrNoImagery):
		return CodeNoImagery
	}
	return ""
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidPayload), errors.Is(err, geodesy.ErrInvalidAnchor):
		return http.StatusBadRequest
	case errors.Is(err, geodesy.ErrAnchorNotSet),
		errors.Is(err, orchestrator.ErrSuperseded),
		errors.Is(err, orchestrator.ErrStale):
		return http.StatusConflict
	case errors.Is(err, cad.ErrNoSourceGeometry):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transport.ErrTransportUnavailable), errors.Is(err, mapexport.ErrNoImagery):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler answers every failure as an ErrorResponse.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, code, msg := statusCode(err), errorCode(err), err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[Bridge] %s %s failed: %v", c.Request().Method, c.Path(), err)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, protocol.ErrorResponse{Error: msg, Code: code})
	}
	if werr != nil {
		log.Printf("[Bridge] Failed to write error response: %v", werr)
	}
}
