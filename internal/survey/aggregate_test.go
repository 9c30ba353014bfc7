package survey

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

func testCell(minLon, minLat float64, props map[string]float64) AnalysisCell {
	return AnalysisCell{
		Geometry: geometry.BBox{
			MinLon: minLon, MinLat: minLat,
			MaxLon: minLon + 0.001, MaxLat: minLat + 0.001,
		}.Polygon(),
		Props: props,
	}
}

func TestAggregator_MergesBulkStats(t *testing.T) {
	cells := []AnalysisCell{
		testCell(0, 0, map[string]float64{PropSiteIndex: 0, PropSubcellID: 0}),
		testCell(0.001, 0, map[string]float64{PropSiteIndex: 0, PropSubcellID: 1}),
	}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, req earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			require.Len(t, req.Geometries, 2)
			assert.Equal(t, []string{earthengine.BandNDVI, earthengine.BandElevation}, req.Bands)
			assert.InDelta(t, 100.0, req.Scale, 1e-9, "reduction scale matches the cell size")
			return []earthengine.Feature{
				{Properties: map[string]float64{earthengine.BandNDVI: 0.12, earthengine.BandElevation: 310}},
				{Properties: map[string]float64{earthengine.BandNDVI: 0.34, earthengine.BandElevation: 295}},
			}, nil
		},
	}

	out, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.InDelta(t, 0.12, out[0].Props[earthengine.BandNDVI], 1e-9)
	assert.InDelta(t, 310.0, out[0].Props[earthengine.BandElevation], 1e-9)
	assert.InDelta(t, 0.34, out[1].Props[earthengine.BandNDVI], 1e-9)

	// Input bags ride along, and the input cells themselves are untouched.
	assert.InDelta(t, 1.0, out[1].Props[PropSubcellID], 1e-9)
	_, mutated := cells[0].Props[earthengine.BandNDVI]
	assert.False(t, mutated)
}

func TestAggregator_NormalizesSuffixedBands(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, map[string]float64{})}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			// Some backend versions report reducer output as "<band>_mean".
			return []earthengine.Feature{
				{Properties: map[string]float64{
					"NDVI_mean":      0.27,
					"elevation_mean": 512,
				}},
			}, nil
		},
	}

	out, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.InDelta(t, 0.27, out[0].Props[earthengine.BandNDVI], 1e-9)
	assert.InDelta(t, 512.0, out[0].Props[earthengine.BandElevation], 1e-9)

	_, suffixKept := out[0].Props["NDVI_mean"]
	assert.False(t, suffixKept, "suffixed variants never enter the bag")
}

func TestAggregator_PlainBandWinsOverSuffixed(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, map[string]float64{})}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{
				{Properties: map[string]float64{
					"NDVI":      0.11,
					"NDVI_mean": 0.99,
				}},
			}, nil
		},
	}

	out, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.NoError(t, err)
	assert.InDelta(t, 0.11, out[0].Props[earthengine.BandNDVI], 1e-9)
}

func TestAggregator_MaskedBandStaysAbsent(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, map[string]float64{})}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{
				{Properties: map[string]float64{earthengine.BandElevation: 240}},
			}, nil
		},
	}

	out, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.NoError(t, err)

	_, hasNDVI := out[0].Props[earthengine.BandNDVI]
	assert.False(t, hasNDVI)
	assert.InDelta(t, 240.0, out[0].Props[earthengine.BandElevation], 1e-9)
}

func TestAggregator_CopiesUnrelatedKeys(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, map[string]float64{})}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{
				{Properties: map[string]float64{
					earthengine.BandNDVI: 0.2,
					"pixel_count":        84,
				}},
			}, nil
		},
	}

	out, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.NoError(t, err)
	assert.InDelta(t, 84.0, out[0].Props["pixel_count"], 1e-9)
}

func TestAggregator_EmptyInputSkipsBackend(t *testing.T) {
	raster := &mockRaster{}

	out, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	raster.AssertNotCalled(t, "ReduceRegions", mock.Anything, mock.Anything)
}

func TestAggregator_EmptyResponseIsFatal(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, nil), testCell(0.001, 0, nil)}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{}, nil
		},
	}

	_, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.Error(t, err)
	assert.True(t, IsEmptyResultError(err))
	assert.Contains(t, err.Error(), "reduce_regions")
	assert.Contains(t, err.Error(), "2 geometries")
}

func TestAggregator_CountMismatchIsFatal(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, nil), testCell(0.001, 0, nil)}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			return []earthengine.Feature{{Properties: map[string]float64{}}}, nil
		},
	}

	_, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sent 2 cells, got 1 features back")
	assert.False(t, IsEmptyResultError(err))
}

func TestAggregator_BackendErrorPropagates(t *testing.T) {
	cells := []AnalysisCell{testCell(0, 0, nil)}

	raster := &fakeRaster{
		reduceRegions: func(_ context.Context, _ earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
			return nil, eris.New("payload too large")
		},
	}

	_, err := NewAggregator(raster, DefaultAggregatorConfig()).Aggregate(context.Background(), cells)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk reduce")
}
