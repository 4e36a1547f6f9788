package imagery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"geosync/internal/ratelimit"
	"geosync/internal/tiles"
	"geosync/internal/utils/naming"
	"geosync/internal/wmts"
)

// UserAgent is sent with every tile request. Public tile servers reject
// requests without one.
const UserAgent = "geosync/1.0 (+https://github.com/geosync)"

// maxTileBytes caps a single tile download.
const maxTileBytes = 8 << 20

// NewHTTPClient returns the HTTP client used for tile and capabilities
// requests, honouring the system proxy settings.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
}

// XYZConfig configures an XYZ tile source.
type XYZConfig struct {
	Name string

	// Template supports {z} {x} {y} {-y} (TMS row) {q} (quadkey) and {s}
	// (subdomain).
	Template   string
	Subdomains []string

	// Attempts bounds the number of tries for one tile. Rate-limit answers
	// are never retried within a fetch.
	Attempts int

	MaxZoom   int
	Client    *http.Client
	RateLimit *ratelimit.Handler
}

// XYZSource fetches tiles from a URL template.
type XYZSource struct {
	cfg     XYZConfig
	backoff time.Duration
}

// NewXYZSource validates the template and creates the source.
func NewXYZSource(cfg XYZConfig) (*XYZSource, error) {
	if err := ValidateTemplate(cfg.Template); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "xyz"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.MaxZoom <= 0 || cfg.MaxZoom > tiles.MaxZoom {
		cfg.MaxZoom = tiles.MaxZoom
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(0)
	}
	return &XYZSource{cfg: cfg, backoff: 250 * time.Millisecond}, nil
}

// ValidateTemplate checks that a template addresses a tile.
func ValidateTemplate(template string) error {
	if template == "" {
		return fmt.Errorf("tile URL template is empty")
	}
	if !strings.HasPrefix(template, "http://") && !strings.HasPrefix(template, "https://") {
		return fmt.Errorf("tile URL template must be http(s): %s", template)
	}
	if strings.Contains(template, "{q}") {
		return nil
	}
	for _, p := range []string{"{z}", "{x}"} {
		if !strings.Contains(template, p) {
			return fmt.Errorf("tile URL template is missing %s: %s", p, template)
		}
	}
	if !strings.Contains(template, "{y}") && !strings.Contains(template, "{-y}") {
		return fmt.Errorf("tile URL template is missing {y}: %s", template)
	}
	return nil
}

// Name returns the source name.
func (s *XYZSource) Name() string { return s.cfg.Name }

// TileURL expands the template for t.
func (s *XYZSource) TileURL(t tiles.TileIndex) string {
	u := s.cfg.Template
	u = strings.ReplaceAll(u, "{z}", strconv.Itoa(t.Zoom))
	u = strings.ReplaceAll(u, "{x}", strconv.Itoa(t.X))
	u = strings.ReplaceAll(u, "{y}", strconv.Itoa(t.Y))
	u = strings.ReplaceAll(u, "{-y}", strconv.Itoa((1<<t.Zoom)-1-t.Y))
	if strings.Contains(u, "{q}") {
		u = strings.ReplaceAll(u, "{q}", naming.Quadkey(t.X, t.Y, t.Zoom))
	}
	if len(s.cfg.Subdomains) > 0 {
		sub := s.cfg.Subdomains[(t.X+t.Y)%len(s.cfg.Subdomains)]
		u = strings.ReplaceAll(u, "{s}", sub)
	}
	return u
}

// FetchTile downloads one tile with a bounded number of attempts.
func (s *XYZSource) FetchTile(ctx context.Context, t tiles.TileIndex) ([]byte, error) {
	if err := tiles.ValidateTileIndex(t); err != nil {
		return nil, tileError(t, "%v", err)
	}
	if t.Zoom > s.cfg.MaxZoom {
		return nil, tileError(t, "zoom above source maximum %d", s.cfg.MaxZoom)
	}
	if s.cfg.RateLimit != nil && s.cfg.RateLimit.IsRateLimited(s.cfg.Name) {
		return nil, tileError(t, "%s is rate limited", s.cfg.Name)
	}

	url := s.TileURL(t)
	var lastErr error
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}

		data, retry, err := s.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, tileError(t, "%v", lastErr)
}

func (s *XYZSource) fetchOnce(ctx context.Context, url string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if s.cfg.RateLimit != nil && s.cfg.RateLimit.CheckResponse(s.cfg.Name, resp) {
		return nil, false, fmt.Errorf("rate limited: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read tile: %w", err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("empty tile body")
	}
	return data, false, nil
}

// WMTSSource resolves a WMTS layer into an XYZ template on Initialize.
type WMTSSource struct {
	capabilitiesURL string
	layer           string
	base            XYZConfig

	mu  sync.Mutex
	xyz *XYZSource
}

// NewWMTSSource creates a WMTS-backed source. base supplies everything but
// the template.
func NewWMTSSource(capabilitiesURL, layer string, base XYZConfig) *WMTSSource {
	if base.Name == "" {
		base.Name = "wmts"
	}
	if base.Client == nil {
		base.Client = NewHTTPClient(0)
	}
	return &WMTSSource{capabilitiesURL: capabilitiesURL, layer: layer, base: base}
}

// Name returns the source name.
func (s *WMTSSource) Name() string { return s.base.Name }

// Initialize fetches the capabilities document once.
func (s *WMTSSource) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.xyz != nil {
		return nil
	}
	template, err := wmts.ResolveXYZTemplate(ctx, s.base.Client, s.capabilitiesURL, s.layer)
	if err != nil {
		return err
	}
	cfg := s.base
	cfg.Template = template
	xyz, err := NewXYZSource(cfg)
	if err != nil {
		return err
	}
	s.xyz = xyz
	return nil
}

// FetchTile fetches through the resolved template.
func (s *WMTSSource) FetchTile(ctx context.Context, t tiles.TileIndex) ([]byte, error) {
	s.mu.Lock()
	xyz := s.xyz
	s.mu.Unlock()
	if xyz == nil {
		return nil, fmt.Errorf("%w: %s not initialized", ErrSourceUnavailable, s.base.Name)
	}
	return xyz.FetchTile(ctx, t)
}
