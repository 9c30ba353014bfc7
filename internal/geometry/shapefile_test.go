package geometry

import (
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapefileParts_SingleRing(t *testing.T) {
	poly := &shp.Polygon{
		NumParts: 1,
		Parts:    []int32{0},
		Points: []shp.Point{
			{X: -64.0, Y: -10.0},
			{X: -64.0, Y: -9.0},
			{X: -63.0, Y: -9.0},
			{X: -63.0, Y: -10.0},
			{X: -64.0, Y: -10.0}, // closed ring
		},
	}

	parts := shapefileParts(poly)
	require.Len(t, parts, 1)

	b, err := NewBBox(parts[0])
	require.NoError(t, err)
	assert.InDelta(t, -64.0, b.MinLon, 1e-9)
	assert.InDelta(t, -9.0, b.MaxLat, 1e-9)
	assert.Equal(t, 4326, parts[0].SRID())
}

func TestShapefileParts_MultiPart(t *testing.T) {
	poly := &shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 5},
		Points: []shp.Point{
			// Part 1: 1x1 degree square.
			{X: 0, Y: 0},
			{X: 0, Y: 1},
			{X: 1, Y: 1},
			{X: 1, Y: 0},
			{X: 0, Y: 0},
			// Part 2: 2x2 degree square.
			{X: 10, Y: 10},
			{X: 10, Y: 12},
			{X: 12, Y: 12},
			{X: 12, Y: 10},
			{X: 10, Y: 10},
		},
	}

	parts := shapefileParts(poly)
	require.Len(t, parts, 2)
	assert.Greater(t, GeodesicArea(parts[1]), GeodesicArea(parts[0]))
}

func TestShapefileParts_OpenRingIsClosed(t *testing.T) {
	poly := &shp.Polygon{
		NumParts: 1,
		Parts:    []int32{0},
		Points: []shp.Point{
			{X: 0, Y: 0},
			{X: 0, Y: 1},
			{X: 1, Y: 1},
			{X: 1, Y: 0},
		},
	}

	parts := shapefileParts(poly)
	require.Len(t, parts, 1)

	coords := parts[0].LinearRing(0).Coords()
	first, last := coords[0], coords[len(coords)-1]
	assert.InDelta(t, first[0], last[0], 1e-12)
	assert.InDelta(t, first[1], last[1], 1e-12)
}

func TestShapefileParts_Empty(t *testing.T) {
	assert.Nil(t, shapefileParts(&shp.Polygon{}))

	// Two points cannot make a ring.
	degenerate := &shp.Polygon{
		NumParts: 1,
		Parts:    []int32{0},
		Points:   []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}
	assert.Empty(t, shapefileParts(degenerate))
}

func TestReadShapefilePolygon_MissingFile(t *testing.T) {
	_, err := ReadShapefilePolygon(filepath.Join(t.TempDir(), "absent.shp"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open shapefile")
}

func TestReadShapefilePolygon_BadZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.zip")
	_, err := ReadShapefilePolygon(path)
	require.Error(t, err)
}

func TestFindFileByExt(t *testing.T) {
	dir := t.TempDir()
	_, err := findFileByExt(dir, ".shp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .shp file")
}
