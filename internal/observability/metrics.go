// Package observability exposes Prometheus metrics for sync cycles and tile
// fetching.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geosync/internal/orchestrator"
	"geosync/internal/ratelimit"
)

// SyncCollector bundles the geosync metrics. It implements
// orchestrator.Observer and imagery.TileObserver.
type SyncCollector struct {
	gatherer prometheus.Gatherer

	SyncCycles      *prometheus.CounterVec
	CycleDurations  *prometheus.HistogramVec
	StageDurations  *prometheus.HistogramVec
	ClippingLoops   prometheus.Gauge
	DroppedPolygons prometheus.Counter
	Tiles           *prometheus.CounterVec
	RateLimits      *prometheus.CounterVec
}

// NewSyncCollector registers the metrics against reg, defaulting to the
// global registry when nil.
func NewSyncCollector(reg prometheus.Registerer) (*SyncCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geosync_sync_cycles_total",
		Help: "Sync cycles by outcome (success, failed, stale, superseded).",
	}, []string{"outcome"}), "geosync_sync_cycles_total")
	if err != nil {
		return nil, err
	}

	cycleDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geosync_sync_cycle_duration_seconds",
		Help:    "Sync cycle latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"}), "geosync_sync_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	stageDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geosync_sync_stage_duration_seconds",
		Help:    "Time spent in each sync stage.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"stage"}), "geosync_sync_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	loops, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geosync_clipping_loops",
		Help: "Clipping loops in the current scene.",
	}), "geosync_clipping_loops")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geosync_clipping_polygons_dropped_total",
		Help: "Degenerate clipping polygons dropped from payloads.",
	}), "geosync_clipping_polygons_dropped_total")
	if err != nil {
		return nil, err
	}

	tiles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geosync_tiles_total",
		Help: "Tile fetches by source and result (ok, failed).",
	}, []string{"source", "result"}), "geosync_tiles_total")
	if err != nil {
		return nil, err
	}

	rateLimits, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geosync_rate_limits_total",
		Help: "Rate-limit responses by tile source.",
	}, []string{"source"}), "geosync_rate_limits_total")
	if err != nil {
		return nil, err
	}

	return &SyncCollector{
		gatherer:        gatherer,
		SyncCycles:      cycles,
		CycleDurations:  cycleDurations,
		StageDurations:  stageDurations,
		ClippingLoops:   loops,
		DroppedPolygons: dropped,
		Tiles:           tiles,
		RateLimits:      rateLimits,
	}, nil
}

// Handler exposes the metrics for scraping.
func (c *SyncCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *SyncCollector) ObserveStage(stage orchestrator.State, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDurations.WithLabelValues(stage.String()).Observe(d.Seconds())
}

func (c *SyncCollector) ObserveCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.SyncCycles.WithLabelValues(outcome).Inc()
	// Superseded requests never ran.
	if outcome != orchestrator.OutcomeSuperseded {
		c.CycleDurations.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (c *SyncCollector) ObserveClipping(loops, dropped int) {
	if c == nil {
		return
	}
	c.ClippingLoops.Set(float64(loops))
	c.DroppedPolygons.Add(float64(dropped))
}

func (c *SyncCollector) ObserveTile(source string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.Tiles.WithLabelValues(source, result).Inc()
}

// ObserveRateLimit counts a rate-limit event. It fits
// ratelimit.Handler.SetOnRateLimit.
func (c *SyncCollector) ObserveRateLimit(e ratelimit.Event) {
	if c == nil {
		return
	}
	c.RateLimits.WithLabelValues(e.Source).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
