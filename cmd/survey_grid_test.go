package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/internal/survey"
)

func gridTiles() []survey.Tile {
	return []survey.Tile{
		{Index: 0, Geometry: geometry.BBox{MinLon: -60, MinLat: -10, MaxLon: -59.5, MaxLat: -9.5}.Polygon()},
		{Index: 3, Geometry: geometry.BBox{MinLon: -59.5, MinLat: -9.5, MaxLon: -59, MaxLat: -9}.Polygon()},
	}
}

func TestGridFeatureCollection(t *testing.T) {
	fc := gridFeatureCollection(gridTiles())
	require.Len(t, fc.Features, 2)

	assert.Equal(t, 0, fc.Features[0].Properties["tile_index"])
	assert.Equal(t, 3, fc.Features[1].Properties["tile_index"])
	for _, f := range fc.Features {
		assert.NotNil(t, f.Geometry)
	}
}

func TestGridFeatureCollection_MarshalsAsGeoJSON(t *testing.T) {
	raw, err := json.Marshal(gridFeatureCollection(gridTiles()))
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, `"FeatureCollection"`)
	assert.Contains(t, s, `"Polygon"`)
	assert.Contains(t, s, `"tile_index"`)
}

func TestWriteGeoJSONFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.geojson")
	require.NoError(t, writeGeoJSONFile(path, gridFeatureCollection(gridTiles())))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var fc geojson.FeatureCollection
	require.NoError(t, json.Unmarshal(raw, &fc))
	require.Len(t, fc.Features, 2)
	// JSON numbers decode as float64.
	assert.Equal(t, float64(3), fc.Features[1].Properties["tile_index"])
}

func TestWriteGeoJSONFile_BadPath(t *testing.T) {
	err := writeGeoJSONFile(filepath.Join(t.TempDir(), "missing", "grid.geojson"), &geojson.FeatureCollection{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create grid file")
}
