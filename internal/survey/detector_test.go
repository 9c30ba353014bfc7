package survey

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

func testTile(index int, minLon, minLat float64) Tile {
	b := geometry.BBox{MinLon: minLon, MinLat: minLat, MaxLon: minLon + 1, MaxLat: minLat + 1}
	return Tile{Index: index, Bounds: b, Geometry: b.Polygon()}
}

func squareFeature(minLon, minLat, side float64) earthengine.Feature {
	return earthengine.Feature{
		Geometry: geometry.BBox{
			MinLon: minLon, MinLat: minLat,
			MaxLon: minLon + side, MaxLat: minLat + side,
		}.Polygon(),
	}
}

func TestDetector_FindsSites(t *testing.T) {
	// One large patch (~1.1 km square) and one tiny one (~55 m square).
	// Only the large patch clears the 10000 m2 floor.
	big := squareFeature(0.1, 0.1, 0.01)
	small := squareFeature(0.5, 0.5, 0.0005)

	raster := &fakeRaster{
		vectorize: func(_ context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			assert.InDelta(t, 0.3, req.NDVIThreshold, 1e-9)
			assert.InDelta(t, 200.0, req.ElevThreshold, 1e-9)
			return []earthengine.Feature{big, small}, nil
		},
		reduceRegion: func(_ context.Context, req earthengine.ReduceRequest) (map[string]float64, error) {
			assert.Equal(t, []string{earthengine.BandNDVI, earthengine.BandElevation}, req.Bands)
			return map[string]float64{
				earthengine.BandNDVI:      0.21,
				earthengine.BandElevation: 412.5,
			}, nil
		},
	}

	d := NewDetector(raster, DefaultDetectorConfig(), nil)
	sites, stats, err := d.Detect(context.Background(), "run-1", []Tile{testTile(0, 0, 0)})
	require.NoError(t, err)
	require.Len(t, sites, 1)

	site := sites[0]
	assert.InDelta(t, 0.21, site.MeanNDVI(), 1e-9)
	assert.InDelta(t, 412.5, site.MeanElev(), 1e-9)
	assert.Equal(t, 0, site.TileIndex())
	assert.Greater(t, site.AreaM2(), 10000.0)

	assert.Equal(t, 1, stats.TilesProcessed)
	assert.Equal(t, 0, stats.TilesFailed)
	assert.Equal(t, 1, stats.SitesFound)
}

func TestDetector_AreaThresholdIsStrict(t *testing.T) {
	patch := squareFeature(0.2, 0.2, 0.002)
	patchArea := geometry.GeodesicArea(patch.Geometry)

	raster := &fakeRaster{
		vectorize: func(_ context.Context, _ earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{patch}, nil
		},
		reduceRegion: func(_ context.Context, _ earthengine.ReduceRequest) (map[string]float64, error) {
			return map[string]float64{earthengine.BandNDVI: 0.1, earthengine.BandElevation: 300}, nil
		},
	}

	// Floor exactly at the patch area: the patch must not pass.
	cfg := DefaultDetectorConfig()
	cfg.MinAreaM2 = patchArea
	sites, _, err := NewDetector(raster, cfg, nil).Detect(context.Background(), "run-1", []Tile{testTile(0, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, sites)

	// Floor just below: now it passes.
	cfg.MinAreaM2 = patchArea - 1
	sites, _, err = NewDetector(raster, cfg, nil).Detect(context.Background(), "run-1", []Tile{testTile(0, 0, 0)})
	require.NoError(t, err)
	assert.Len(t, sites, 1)
}

func TestDetector_SkipsAndRecordsFailedTiles(t *testing.T) {
	tiles := []Tile{testTile(0, 0, 0), testTile(1, 1, 0), testTile(2, 2, 0)}

	raster := &fakeRaster{
		vectorize: func(_ context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			b, err := geometry.NewBBox(req.Geometry)
			require.NoError(t, err)
			if b.MinLon == 1 {
				return nil, eris.New("computation timed out")
			}
			return []earthengine.Feature{squareFeature(b.MinLon+0.1, 0.1, 0.01)}, nil
		},
		reduceRegion: func(_ context.Context, _ earthengine.ReduceRequest) (map[string]float64, error) {
			return map[string]float64{earthengine.BandNDVI: 0.2, earthengine.BandElevation: 350}, nil
		},
	}

	rec := newMemRecorder()
	d := NewDetector(raster, DefaultDetectorConfig(), rec)
	sites, stats, err := d.Detect(context.Background(), "run-7", tiles)
	require.NoError(t, err, "one bad tile must not abort the pass")

	require.Len(t, sites, 2)
	assert.Equal(t, 0, sites[0].TileIndex())
	assert.Equal(t, 2, sites[1].TileIndex())

	assert.Equal(t, 3, stats.TilesProcessed)
	assert.Equal(t, 1, stats.TilesFailed)
	assert.Equal(t, []int{1}, rec.failures["run-7"])
}

func TestDetector_AbortsAfterConsecutiveFailures(t *testing.T) {
	tiles := make([]Tile, 5)
	for i := range tiles {
		tiles[i] = testTile(i, float64(i), 0)
	}

	raster := &fakeRaster{
		vectorize: func(_ context.Context, _ earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			return nil, eris.New("backend unavailable")
		},
	}

	cfg := DefaultDetectorConfig()
	cfg.Workers = 1
	cfg.MaxConsecutiveFailures = 3

	rec := newMemRecorder()
	_, _, err := NewDetector(raster, cfg, rec).Detect(context.Background(), "run-9", tiles)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive tile failures")
	assert.Equal(t, []int{0, 1, 2}, rec.failures["run-9"], "tiles after the abort are not attempted")
}

func TestDetector_SuccessResetsFailureStreak(t *testing.T) {
	tiles := make([]Tile, 6)
	for i := range tiles {
		tiles[i] = testTile(i, float64(i), 0)
	}

	// Tiles 0, 1, 3, 4 fail; 2 and 5 succeed. No three failures land in a
	// row, so the pass completes.
	raster := &fakeRaster{
		vectorize: func(_ context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			b, err := geometry.NewBBox(req.Geometry)
			require.NoError(t, err)
			if int(b.MinLon)%3 == 2 {
				return []earthengine.Feature{}, nil
			}
			return nil, eris.New("backend unavailable")
		},
	}

	cfg := DefaultDetectorConfig()
	cfg.Workers = 1
	cfg.MaxConsecutiveFailures = 3

	sites, stats, err := NewDetector(raster, cfg, nil).Detect(context.Background(), "run-10", tiles)
	require.NoError(t, err)
	assert.Empty(t, sites)
	assert.Equal(t, 6, stats.TilesProcessed)
	assert.Equal(t, 4, stats.TilesFailed)
}

func TestDetector_OrdersSitesByTileIndex(t *testing.T) {
	tiles := []Tile{testTile(0, 0, 0), testTile(1, 1, 0), testTile(2, 2, 0), testTile(3, 3, 0)}

	// Later tiles answer faster, so completion order is reversed. The
	// output order must still follow tile indices.
	raster := &fakeRaster{
		vectorize: func(_ context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			b, err := geometry.NewBBox(req.Geometry)
			require.NoError(t, err)
			time.Sleep(time.Duration(3-int(b.MinLon)) * 20 * time.Millisecond)
			return []earthengine.Feature{squareFeature(b.MinLon+0.1, 0.1, 0.01)}, nil
		},
		reduceRegion: func(_ context.Context, _ earthengine.ReduceRequest) (map[string]float64, error) {
			return map[string]float64{earthengine.BandNDVI: 0.2, earthengine.BandElevation: 350}, nil
		},
	}

	cfg := DefaultDetectorConfig()
	cfg.Workers = 4

	sites, _, err := NewDetector(raster, cfg, nil).Detect(context.Background(), "run-3", tiles)
	require.NoError(t, err)
	require.Len(t, sites, 4)
	for i, site := range sites {
		assert.Equal(t, i, site.TileIndex())
	}
}

func TestDetector_NoTiles(t *testing.T) {
	d := NewDetector(&fakeRaster{}, DefaultDetectorConfig(), nil)
	sites, stats, err := d.Detect(context.Background(), "run-0", nil)
	require.NoError(t, err)
	assert.Empty(t, sites)
	assert.Equal(t, 0, stats.TilesProcessed)
}

func TestDetector_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raster := &fakeRaster{
		vectorize: func(ctx context.Context, _ earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			return nil, ctx.Err()
		},
	}

	rec := newMemRecorder()
	_, _, err := NewDetector(raster, DefaultDetectorConfig(), rec).Detect(ctx, "run-2", []Tile{testTile(0, 0, 0)})
	require.Error(t, err)
	assert.Empty(t, rec.failures["run-2"], "cancellation is not a tile failure")
}

func TestDetector_MaskedBandAbsentFromProps(t *testing.T) {
	raster := &fakeRaster{
		vectorize: func(_ context.Context, _ earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{squareFeature(0.1, 0.1, 0.01)}, nil
		},
		reduceRegion: func(_ context.Context, _ earthengine.ReduceRequest) (map[string]float64, error) {
			// NDVI fully masked over the footprint: the backend omits it.
			return map[string]float64{earthengine.BandElevation: 280}, nil
		},
	}

	sites, _, err := NewDetector(raster, DefaultDetectorConfig(), nil).Detect(context.Background(), "run-4", []Tile{testTile(0, 0, 0)})
	require.NoError(t, err)
	require.Len(t, sites, 1)

	_, hasNDVI := sites[0].Props[PropMeanNDVI]
	assert.False(t, hasNDVI, "a masked band stays absent rather than defaulting to zero")
	assert.InDelta(t, 280.0, sites[0].MeanElev(), 1e-9)
}

func TestDetector_ReduceFailureFailsTile(t *testing.T) {
	raster := &fakeRaster{
		vectorize: func(_ context.Context, _ earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{squareFeature(0.1, 0.1, 0.01)}, nil
		},
		reduceRegion: func(_ context.Context, _ earthengine.ReduceRequest) (map[string]float64, error) {
			return nil, eris.New("reducer quota exceeded")
		},
	}

	rec := newMemRecorder()
	sites, stats, err := NewDetector(raster, DefaultDetectorConfig(), rec).Detect(context.Background(), "run-5", []Tile{testTile(0, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, sites)
	assert.Equal(t, 1, stats.TilesFailed)
	assert.Equal(t, []int{0}, rec.failures["run-5"])
}
