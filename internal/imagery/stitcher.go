package imagery

import (
	"context"
	"image"
	"image/draw"
	"log"

	"golang.org/x/sync/semaphore"

	"geosync/internal/common"
	"geosync/internal/tiles"
)

// DefaultWorkers bounds concurrent tile fetches when none is configured.
const DefaultWorkers = 8

// Progress reports stitching progress.
type Progress struct {
	Done    int `json:"done"`
	Total   int `json:"total"`
	Failed  int `json:"failed"`
	Percent int `json:"percent"`
}

// StitchResult is a composited raster and what went into it.
type StitchResult struct {
	Image       *image.RGBA
	Bounds      tiles.TileBounds
	Fetched     int
	FailedTiles []tiles.TileIndex
}

// Failed returns the number of tiles left blank.
func (r *StitchResult) Failed() int { return len(r.FailedTiles) }

// Stitcher fetches a tile range with bounded concurrency and composites it.
type Stitcher struct {
	workers  int64
	observer TileObserver
}

// NewStitcher creates a stitcher. observer may be nil.
func NewStitcher(workers int, observer TileObserver) *Stitcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Stitcher{workers: int64(workers), observer: observer}
}

// Stitch fetches every tile of bounds from src and draws it at its grid
// offset. Failed tiles stay transparent and are logged; the call fails only
// when src cannot be prepared or ctx is cancelled. onProgress, if set, is
// called from the calling goroutine roughly every 10% of tiles.
func (s *Stitcher) Stitch(ctx context.Context, bounds tiles.TileBounds, src Source, onProgress func(Progress)) (*StitchResult, error) {
	if err := Prepare(ctx, src); err != nil {
		return nil, err
	}

	all := bounds.Tiles()
	total := len(all)
	out := image.NewRGBA(image.Rect(0, 0, bounds.PixelWidth, bounds.PixelHeight))
	result := &StitchResult{Image: out, Bounds: bounds}

	log.Printf("[Stitcher] Fetching %d tiles (%dx%d) at zoom %d from %s",
		total, bounds.Cols(), bounds.Rows(), bounds.Zoom, src.Name())

	sem := semaphore.NewWeighted(s.workers)
	results := make(chan common.TileResult, total)

	go func() {
		for _, t := range all {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- common.TileResult{Tile: t, Err: err}
				continue
			}
			go func(t tiles.TileIndex) {
				defer sem.Release(1)
				results <- s.fetch(ctx, src, t)
			}(t)
		}
	}()

	step := total / 10
	if step < 1 {
		step = 1
	}

	for done := 1; done <= total; done++ {
		r := <-results
		if r.Success() {
			if img, err := DecodeTile(r.Data); err == nil {
				x, y := bounds.PixelOffset(r.Tile)
				rect := image.Rect(x, y, x+tiles.TileSize, y+tiles.TileSize)
				draw.Draw(out, rect, img, img.Bounds().Min, draw.Src)
				result.Fetched++
			} else {
				r.Err = tileError(r.Tile, "%v", err)
			}
		}
		if !r.Success() || r.Err != nil {
			result.FailedTiles = append(result.FailedTiles, r.Tile)
			if ctx.Err() == nil {
				log.Printf("[Stitcher] Warning: tile %s left blank: %v", r.Tile, r.Err)
			}
		}
		if s.observer != nil {
			s.observer.ObserveTile(src.Name(), r.Err == nil)
		}

		if onProgress != nil && (done%step == 0 || done == total) {
			onProgress(Progress{
				Done:    done,
				Total:   total,
				Failed:  len(result.FailedTiles),
				Percent: done * 100 / total,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Printf("[Stitcher] Stitched %dx%d px: %d tiles, %d blank",
		bounds.PixelWidth, bounds.PixelHeight, result.Fetched, result.Failed())
	return result, nil
}

func (s *Stitcher) fetch(ctx context.Context, src Source, t tiles.TileIndex) common.TileResult {
	if !t.Valid() {
		return common.TileResult{Tile: t, Err: tileError(t, "outside the tile grid")}
	}
	data, err := src.FetchTile(ctx, t)
	if err == nil && len(data) == 0 {
		err = tileError(t, "empty tile")
	}
	return common.TileResult{Tile: t, Data: data, Err: err}
}
