package geometry

import (
	"math"

	"github.com/twpayne/go-geom"
)

// meanEarthRadius is the mean Earth radius in meters, used for spherical
// (geodesic) area.
const meanEarthRadius = 6371008.8

// GeodesicArea returns the WGS84 spherical area of a lon/lat polygon in
// square meters. Hole areas are subtracted. Degenerate polygons return 0.
func GeodesicArea(p *geom.Polygon) float64 {
	if p == nil || p.NumLinearRings() == 0 {
		return 0
	}
	area := sphericalRingArea(p.LinearRing(0).Coords())
	for i := 1; i < p.NumLinearRings(); i++ {
		area -= sphericalRingArea(p.LinearRing(i).Coords())
	}
	return math.Max(area, 0)
}

// sphericalRingArea computes the unsigned spherical excess area of one ring.
func sphericalRingArea(coords []geom.Coord) float64 {
	ring := openRing(coords)
	if len(ring) < 3 {
		return 0
	}
	var total float64
	for i := range ring {
		p1 := ring[i]
		p2 := ring[(i+1)%len(ring)]
		lam1, phi1 := p1[0]*math.Pi/180, p1[1]*math.Pi/180
		lam2, phi2 := p2[0]*math.Pi/180, p2[1]*math.Pi/180
		total += (lam2 - lam1) * (2 + math.Sin(phi1) + math.Sin(phi2))
	}
	return math.Abs(total) * meanEarthRadius * meanEarthRadius / 2
}

// PlanarArea returns the shoelace area of a projected polygon in the units
// of its coordinate system (m² for EPSG:3857). Hole areas are subtracted.
func PlanarArea(p *geom.Polygon) float64 {
	if p == nil || p.NumLinearRings() == 0 {
		return 0
	}
	area := shoelace(p.LinearRing(0).Coords())
	for i := 1; i < p.NumLinearRings(); i++ {
		area -= shoelace(p.LinearRing(i).Coords())
	}
	return math.Max(area, 0)
}

func shoelace(coords []geom.Coord) float64 {
	ring := openRing(coords)
	if len(ring) < 3 {
		return 0
	}
	var sum float64
	for i := range ring {
		a := ring[i]
		b := ring[(i+1)%len(ring)]
		sum += a[0]*b[1] - b[0]*a[1]
	}
	return math.Abs(sum) / 2
}

// Perimeter returns the total boundary length of a projected polygon,
// exterior and holes included.
func Perimeter(p *geom.Polygon) float64 {
	if p == nil {
		return 0
	}
	var total float64
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := openRing(p.LinearRing(i).Coords())
		if len(ring) < 2 {
			continue
		}
		for j := range ring {
			a := ring[j]
			b := ring[(j+1)%len(ring)]
			total += math.Hypot(b[0]-a[0], b[1]-a[1])
		}
	}
	return total
}

// Compactness returns perimeter / sqrt(area). Lower values indicate more
// compact shapes; a square scores 4. Zero-area polygons return 0.
func Compactness(area, perimeter float64) float64 {
	if area <= 0 {
		return 0
	}
	return perimeter / math.Sqrt(area)
}
