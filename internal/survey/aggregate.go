package survey

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

// AggregatorConfig tunes the bulk statistics reduction.
type AggregatorConfig struct {
	// CellSizeM is the reduction scale in meters, matching the cell grid.
	CellSizeM float64
	// TileScale is the computation sharding factor for bulk reductions.
	TileScale float64
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{CellSizeM: DefaultCellSizeM, TileScale: 16}
}

// Aggregator annotates analysis cells with mean band values fetched in a
// single bulk reduction over the raster service.
type Aggregator struct {
	raster earthengine.Client
	cfg    AggregatorConfig
	log    *zap.Logger
}

func NewAggregator(raster earthengine.Client, cfg AggregatorConfig) *Aggregator {
	if cfg.CellSizeM <= 0 {
		cfg.CellSizeM = DefaultCellSizeM
	}
	if cfg.TileScale <= 0 {
		cfg.TileScale = DefaultAggregatorConfig().TileScale
	}
	return &Aggregator{raster: raster, cfg: cfg, log: zap.L().Named("aggregator")}
}

// Aggregate sends every cell geometry through one ReduceRegions call and
// merges the returned statistics into each cell's property bag under the
// canonical band names. A band missing from a cell's response stays absent
// from that cell. An empty response for a non-empty request is fatal: it
// means the reduction itself failed rather than any one cell being masked.
func (a *Aggregator) Aggregate(ctx context.Context, cells []AnalysisCell) ([]AnalysisCell, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	start := time.Now()

	bands := []string{earthengine.BandNDVI, earthengine.BandElevation}
	geoms := make([]*geom.Polygon, len(cells))
	for i, cell := range cells {
		geoms[i] = cell.Geometry
	}

	features, err := a.raster.ReduceRegions(ctx, earthengine.BulkReduceRequest{
		Geometries: geoms,
		Bands:      bands,
		Scale:      a.cfg.CellSizeM,
		TileScale:  a.cfg.TileScale,
	})
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: bulk reduce")
	}
	if len(features) == 0 {
		return nil, &EmptyResultError{Op: "reduce_regions", Requested: len(cells)}
	}
	if len(features) != len(cells) {
		return nil, eris.Errorf("aggregator: sent %d cells, got %d features back", len(cells), len(features))
	}

	out := make([]AnalysisCell, len(cells))
	for i, cell := range cells {
		props := cloneProps(cell.Props)
		mergeStats(props, features[i].Properties, bands)
		out[i] = AnalysisCell{Geometry: cell.Geometry, Props: props}
	}

	a.log.Info("aggregated cell statistics",
		zap.Int("cells", len(out)),
		zap.Float64("scale_m", a.cfg.CellSizeM),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// mergeStats folds reduction output into a cell's property bag. Each band
// lands under its canonical name whether the service reported it plain or
// with the reducer suffix; when both appear the plain one wins. Suffixed
// variants never enter the bag. Unrelated keys are copied through.
func mergeStats(dst, stats map[string]float64, bands []string) {
	suffixed := make(map[string]string, len(bands))
	for _, band := range bands {
		suffixed[band+earthengine.MeanSuffix] = band
		if v, ok := stats[band]; ok {
			dst[band] = v
		} else if v, ok := stats[band+earthengine.MeanSuffix]; ok {
			dst[band] = v
		}
	}
	for k, v := range stats {
		if _, isSuffixed := suffixed[k]; isSuffixed {
			continue
		}
		if _, isBand := suffixed[k+earthengine.MeanSuffix]; isBand {
			continue
		}
		dst[k] = v
	}
}
