package survey

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

// DetectorConfig holds the detection thresholds and worker-pool tuning.
type DetectorConfig struct {
	// NDVIThreshold masks pixels with NDVI at or above this value.
	NDVIThreshold float64
	// ElevThreshold masks pixels with elevation at or below this value in meters.
	ElevThreshold float64
	// MinAreaM2 drops polygons whose geodesic area does not exceed this value.
	MinAreaM2 float64
	// VectorScale is the raster-to-vector conversion scale in meters.
	VectorScale float64
	// TileScale controls the remote computation sharding factor.
	TileScale float64
	// Workers bounds the number of tiles processed concurrently.
	Workers int
	// TileTimeout bounds the wall-clock time spent on a single tile.
	TileTimeout time.Duration
	// MaxConsecutiveFailures aborts the run when this many tiles fail
	// back to back with no success in between.
	MaxConsecutiveFailures int
}

// DefaultDetectorConfig returns the detection settings used when the
// runtime config does not override them.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		NDVIThreshold:          0.3,
		ElevThreshold:          200,
		MinAreaM2:              10000,
		VectorScale:            1000,
		TileScale:              4,
		Workers:                4,
		TileTimeout:            5 * time.Minute,
		MaxConsecutiveFailures: 10,
	}
}

// FailureSink records tiles that failed detection so a later run can
// retry just those tiles. A nil sink disables recording.
type FailureSink interface {
	RecordTileFailure(ctx context.Context, runID string, tileIndex int, cause string) error
}

// DetectStats summarizes a detection pass over a tile set.
type DetectStats struct {
	TilesProcessed int
	TilesFailed    int
	SitesFound     int
	Elapsed        time.Duration
}

// Detector runs masked vectorization over tiles and keeps the polygons
// that clear the area threshold, annotated with mean band statistics.
type Detector struct {
	raster   earthengine.Client
	cfg      DetectorConfig
	failures FailureSink
	log      *zap.Logger
}

// NewDetector wires a detector against a raster service. sink may be nil.
func NewDetector(raster earthengine.Client, cfg DetectorConfig, sink FailureSink) *Detector {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultDetectorConfig().Workers
	}
	if cfg.TileTimeout <= 0 {
		cfg.TileTimeout = DefaultDetectorConfig().TileTimeout
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultDetectorConfig().MaxConsecutiveFailures
	}
	return &Detector{
		raster:   raster,
		cfg:      cfg,
		failures: sink,
		log:      zap.L().Named("detector"),
	}
}

// tileResult carries one tile's sites back from the worker pool so the
// final slice can be ordered by tile index regardless of completion order.
type tileResult struct {
	tileIndex int
	sites     []CandidateSite
}

// Detect processes tiles through a bounded worker pool. A failing tile is
// logged, recorded against the run, and skipped; the pass only aborts when
// MaxConsecutiveFailures tiles fail in a row or the context is canceled.
// The returned sites are ordered by tile index, then by the order the
// raster service emitted them within the tile.
func (d *Detector) Detect(ctx context.Context, runID string, tiles []Tile) ([]CandidateSite, DetectStats, error) {
	start := time.Now()
	log := d.log.With(zap.String("run_id", runID), zap.Int("tiles", len(tiles)))
	log.Info("starting detection pass",
		zap.Float64("ndvi_threshold", d.cfg.NDVIThreshold),
		zap.Float64("elev_threshold", d.cfg.ElevThreshold),
		zap.Float64("min_area_m2", d.cfg.MinAreaM2),
		zap.Int("workers", d.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	var processed, failed, streak int64
	var mu sync.Mutex
	results := make([]tileResult, 0, len(tiles))

	for _, tile := range tiles {
		tile := tile
		g.Go(func() error {
			sites, err := d.detectTile(gctx, tile)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				terr := &TileError{TileIndex: tile.Index, Err: err}
				atomic.AddInt64(&processed, 1)
				atomic.AddInt64(&failed, 1)
				log.Warn("tile detection failed, skipping", zap.Error(terr))
				d.recordFailure(gctx, runID, tile.Index, terr)
				if n := atomic.AddInt64(&streak, 1); n >= int64(d.cfg.MaxConsecutiveFailures) {
					return eris.Errorf("detector: %d consecutive tile failures, aborting run", n)
				}
				return nil
			}
			atomic.AddInt64(&processed, 1)
			atomic.StoreInt64(&streak, 0)
			mu.Lock()
			results = append(results, tileResult{tileIndex: tile.Index, sites: sites})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, DetectStats{}, eris.Wrap(err, "detector: detection pass")
	}

	sort.Slice(results, func(i, j int) bool { return results[i].tileIndex < results[j].tileIndex })
	var sites []CandidateSite
	for _, r := range results {
		sites = append(sites, r.sites...)
	}

	stats := DetectStats{
		TilesProcessed: int(processed),
		TilesFailed:    int(failed),
		SitesFound:     len(sites),
		Elapsed:        time.Since(start),
	}
	log.Info("detection pass complete",
		zap.Int("tiles_processed", stats.TilesProcessed),
		zap.Int("tiles_failed", stats.TilesFailed),
		zap.Int("sites_found", stats.SitesFound),
		zap.Duration("elapsed", stats.Elapsed))
	return sites, stats, nil
}

// detectTile vectorizes the masked raster over one tile and annotates each
// surviving polygon with mean band statistics. Polygons are filtered on
// geodesic area before the per-polygon reduction so undersized ones never
// cost a remote call.
func (d *Detector) detectTile(ctx context.Context, tile Tile) ([]CandidateSite, error) {
	tctx, cancel := context.WithTimeout(ctx, d.cfg.TileTimeout)
	defer cancel()

	features, err := d.raster.Vectorize(tctx, earthengine.VectorizeRequest{
		Geometry:      tile.Geometry,
		NDVIThreshold: d.cfg.NDVIThreshold,
		ElevThreshold: d.cfg.ElevThreshold,
		Scale:         d.cfg.VectorScale,
		TileScale:     d.cfg.TileScale,
	})
	if err != nil {
		return nil, eris.Wrap(err, "vectorize")
	}

	var sites []CandidateSite
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		area := geometry.GeodesicArea(f.Geometry)
		if area <= d.cfg.MinAreaM2 {
			continue
		}
		stats, err := d.raster.ReduceRegion(tctx, earthengine.ReduceRequest{
			Geometry:  f.Geometry,
			Bands:     []string{earthengine.BandNDVI, earthengine.BandElevation},
			Scale:     d.cfg.VectorScale,
			TileScale: d.cfg.TileScale,
		})
		if err != nil {
			return nil, eris.Wrap(err, "reduce polygon stats")
		}
		props := map[string]float64{
			PropAreaM2:    area,
			PropTileIndex: float64(tile.Index),
		}
		if v, ok := stats[earthengine.BandNDVI]; ok {
			props[PropMeanNDVI] = v
		}
		if v, ok := stats[earthengine.BandElevation]; ok {
			props[PropMeanElev] = v
		}
		sites = append(sites, CandidateSite{Geometry: f.Geometry, Props: props})
	}
	return sites, nil
}

func (d *Detector) recordFailure(ctx context.Context, runID string, tileIndex int, cause error) {
	if d.failures == nil {
		return
	}
	if err := d.failures.RecordTileFailure(ctx, runID, tileIndex, cause.Error()); err != nil {
		d.log.Warn("failed to record tile failure",
			zap.Int("tile_index", tileIndex),
			zap.Error(err))
	}
}
