package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestGeodesicArea_SmallSquareNearEquator(t *testing.T) {
	// ~111m x ~111m square at the equator: 0.001 degrees per side.
	p := rectPolygon(0, 0, 0.001, 0.001)
	area := GeodesicArea(p)

	// 1 degree ≈ 111.2 km on the sphere, so expect ~12365 m² within a few
	// percent.
	assert.InDelta(t, 12365, area, 400)
}

func TestGeodesicArea_LatitudeShrink(t *testing.T) {
	// The same degree extent covers less ground away from the equator.
	atEquator := GeodesicArea(rectPolygon(0, 0, 0.01, 0.01))
	atSixty := GeodesicArea(rectPolygon(0, 60, 0.01, 60.01))
	assert.Less(t, atSixty, atEquator)
	assert.InDelta(t, 0.5, atSixty/atEquator, 0.01, "cos(60°) = 0.5")
}

func TestGeodesicArea_Degenerate(t *testing.T) {
	assert.Zero(t, GeodesicArea(nil))
	assert.Zero(t, GeodesicArea(geom.NewPolygon(geom.XY)))
}

func TestPlanarArea_Square(t *testing.T) {
	p := rectPolygon(0, 0, 10, 10)
	assert.InDelta(t, 100, PlanarArea(p), 1e-9)
}

func TestPlanarArea_WithHole(t *testing.T) {
	p := rectPolygon(0, 0, 10, 10)
	require.NoError(t, p.Push(geom.NewLinearRingFlat(geom.XY, []float64{
		2, 2, 4, 2, 4, 4, 2, 4, 2, 2,
	})))
	assert.InDelta(t, 96, PlanarArea(p), 1e-9)
}

func TestPerimeter_Square(t *testing.T) {
	p := rectPolygon(0, 0, 10, 10)
	assert.InDelta(t, 40, Perimeter(p), 1e-9)
}

func TestCompactness(t *testing.T) {
	// A square has compactness 4·s / sqrt(s²) = 4 regardless of size.
	assert.InDelta(t, 4.0, Compactness(100, 40), 1e-9)
	assert.InDelta(t, 4.0, Compactness(25, 20), 1e-9)

	// An elongated 1x100 rectangle is far less compact.
	long := Compactness(100, 202)
	assert.Greater(t, long, 20.0)

	// Degenerate area yields 0 instead of dividing by zero.
	assert.Zero(t, Compactness(0, 40))
}

func TestMercatorXY(t *testing.T) {
	// Origin maps to origin.
	x, y := MercatorXY(0, 0)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)

	// One degree of longitude at the equator ≈ 111.3 km.
	x, _ = MercatorXY(1, 0)
	assert.InDelta(t, 111319.49, x, 1.0)

	// Latitude clamps instead of running off to infinity.
	_, y = MercatorXY(0, 90)
	assert.False(t, math.IsInf(y, 1))
}

func TestProjectPolygon(t *testing.T) {
	p := rectPolygon(-54.001, -10.001, -54, -10)
	proj := ProjectPolygon(p)
	require.NotNil(t, proj)
	assert.Equal(t, 3857, proj.SRID())

	// The projected cell is an exact rectangle: Δx = R·dλ, Δy ≈ Δx·sec(lat).
	side := webMercatorRadius * 0.001 * math.Pi / 180
	area := PlanarArea(proj)
	assert.InDelta(t, side*side/math.Cos(10*math.Pi/180), area, 20)

	perim := Perimeter(proj)
	assert.Greater(t, perim, 0.0)
	assert.InDelta(t, 4.0, Compactness(area, perim), 0.05, "near-square cell")
}

func TestProjectPolygon_Empty(t *testing.T) {
	assert.Nil(t, ProjectPolygon(nil))
	assert.Nil(t, ProjectPolygon(geom.NewPolygon(geom.XY)))
}
