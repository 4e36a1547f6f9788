// Package transport is the HTTP client each side uses to reach the other:
// the CAD agent posts payloads to the viewer, the viewer sets anchors and
// imports map images on the CAD agent.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"geosync/internal/cad"
	"geosync/internal/geodesy"
	"geosync/internal/protocol"
)

// ErrTransportUnavailable means the peer could not be reached at all.
var ErrTransportUnavailable = errors.New("peer unreachable")

// Error codes carried in error responses so sentinels survive the hop.
const (
	CodeAnchorNotSet     = "anchor_not_set"
	CodeInvalidAnchor    = "invalid_anchor"
	CodeNoSourceGeometry = "no_source_geometry"
	CodeExportFailed     = "export_failed"
	CodeInvalidPayload   = "invalid_payload"
	CodeUnavailable      = "unavailable"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeAnchorNotSet, geodesy.ErrAnchorNotSet},
	{CodeInvalidAnchor, geodesy.ErrInvalidAnchor},
	{CodeNoSourceGeometry, cad.ErrNoSourceGeometry},
	{CodeExportFailed, cad.ErrExportFailed},
	{CodeInvalidPayload, protocol.ErrInvalidPayload},
	{CodeUnavailable, ErrTransportUnavailable},
}

// ErrorCode returns the wire code for err, or "" when it has none.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// RemoteError is an error answered by the peer.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps a known code back to its sentinel.
func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

// Client talks to one peer.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the peer address.
func (c *Client) BaseURL() string { return c.baseURL }

// PostSync sends a payload to the viewer and returns its sync result.
func (c *Client) PostSync(ctx context.Context, p protocol.SyncPayload) (protocol.SyncResponse, error) {
	var resp protocol.SyncResponse
	err := c.do(ctx, http.MethodPost, "/sync", p, &resp)
	return resp, err
}

// SetAnchor anchors the CAD document at lat/lon.
func (c *Client) SetAnchor(ctx context.Context, req protocol.AnchorRequest) error {
	var resp protocol.SuccessResponse
	return c.do(ctx, http.MethodPost, "/anchor", req, &resp)
}

// ImportMapImage sends a map image to the CAD agent and returns the path
// it was stored at.
func (c *Client) ImportMapImage(ctx context.Context, req protocol.MapImageRequest) (string, error) {
	var resp protocol.SuccessResponse
	if err := c.do(ctx, http.MethodPost, "/map-image", req, &resp); err != nil {
		return "", err
	}
	return resp.ImagePath, nil
}

// RequestExport asks the CAD agent to export and sync now.
func (c *Client) RequestExport(ctx context.Context) (protocol.SyncResponse, error) {
	var resp protocol.SyncResponse
	err := c.do(ctx, http.MethodPost, "/export", struct{}{}, &resp)
	return resp, err
}

// Health checks that the peer answers.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]any
	return c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransportUnavailable, method, c.baseURL+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrTransportUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
			if e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
		}
		return &RemoteError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
