package geometry

import (
	"math"

	"github.com/twpayne/go-geom"
)

// webMercatorRadius is the sphere radius used by EPSG:3857 (meters).
const webMercatorRadius = 6378137.0

// maxMercatorLat is the latitude bound of the Web Mercator projection.
const maxMercatorLat = 85.05112878

// MercatorXY projects a lon/lat point to EPSG:3857 meters. Latitude is
// clamped to the projection's valid range.
func MercatorXY(lon, lat float64) (x, y float64) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	x = webMercatorRadius * lon * math.Pi / 180
	y = webMercatorRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// ProjectPolygon returns a copy of the polygon with every vertex projected
// to EPSG:3857. Returns nil for an empty polygon.
func ProjectPolygon(p *geom.Polygon) *geom.Polygon {
	if p == nil || p.NumLinearRings() == 0 {
		return nil
	}
	out := geom.NewPolygon(geom.XY).SetSRID(3857)
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		flat := make([]float64, 0, len(coords)*2)
		for _, c := range coords {
			x, y := MercatorXY(c[0], c[1])
			flat = append(flat, x, y)
		}
		if err := out.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			continue
		}
	}
	if out.NumLinearRings() == 0 {
		return nil
	}
	return out
}
