package geometry

import (
	"math"

	"github.com/twpayne/go-geom"
)

// ClipToRect intersects a polygon with an axis-aligned rectangle using the
// Sutherland-Hodgman algorithm. For a convex window the ring-wise clip is an
// exact intersection: (exterior \ holes) ∩ rect == (exterior ∩ rect) \
// (holes ∩ rect). Rings that collapse below three distinct vertices are
// dropped; if the exterior collapses the result is nil (empty intersection).
func ClipToRect(p *geom.Polygon, rect BBox) *geom.Polygon {
	if p == nil || p.NumLinearRings() == 0 || rect.IsDegenerate() {
		return nil
	}

	out := geom.NewPolygon(geom.XY).SetSRID(4326)
	for i := 0; i < p.NumLinearRings(); i++ {
		clipped := clipRing(p.LinearRing(i).Coords(), rect)
		if len(clipped) < 3 {
			if i == 0 {
				return nil
			}
			continue
		}
		ring := geom.NewLinearRingFlat(geom.XY, closeRing(clipped))
		if err := out.Push(ring); err != nil {
			if i == 0 {
				return nil
			}
			continue
		}
	}
	if out.NumLinearRings() == 0 {
		return nil
	}
	return out
}

// clipRing runs the subject ring through the four window half-planes.
// The returned vertex list is open (no repeated closing vertex) and
// deduplicated.
func clipRing(coords []geom.Coord, rect BBox) []geom.Coord {
	subject := openRing(coords)
	if len(subject) < 3 {
		return nil
	}

	edges := []struct {
		inside    func(geom.Coord) bool
		intersect func(a, b geom.Coord) geom.Coord
	}{
		{ // left: lon >= MinLon
			func(c geom.Coord) bool { return c[0] >= rect.MinLon },
			func(a, b geom.Coord) geom.Coord { return atLon(a, b, rect.MinLon) },
		},
		{ // right: lon <= MaxLon
			func(c geom.Coord) bool { return c[0] <= rect.MaxLon },
			func(a, b geom.Coord) geom.Coord { return atLon(a, b, rect.MaxLon) },
		},
		{ // bottom: lat >= MinLat
			func(c geom.Coord) bool { return c[1] >= rect.MinLat },
			func(a, b geom.Coord) geom.Coord { return atLat(a, b, rect.MinLat) },
		},
		{ // top: lat <= MaxLat
			func(c geom.Coord) bool { return c[1] <= rect.MaxLat },
			func(a, b geom.Coord) geom.Coord { return atLat(a, b, rect.MaxLat) },
		},
	}

	for _, e := range edges {
		if len(subject) == 0 {
			return nil
		}
		var output []geom.Coord
		prev := subject[len(subject)-1]
		prevIn := e.inside(prev)
		for _, cur := range subject {
			curIn := e.inside(cur)
			switch {
			case curIn && prevIn:
				output = append(output, cur)
			case curIn && !prevIn:
				output = append(output, e.intersect(prev, cur), cur)
			case !curIn && prevIn:
				output = append(output, e.intersect(prev, cur))
			}
			prev, prevIn = cur, curIn
		}
		subject = dedupe(output)
	}
	return subject
}

// atLon returns the point where segment a-b crosses the vertical line lon=x.
func atLon(a, b geom.Coord, x float64) geom.Coord {
	t := (x - a[0]) / (b[0] - a[0])
	return geom.Coord{x, a[1] + t*(b[1]-a[1])}
}

// atLat returns the point where segment a-b crosses the horizontal line lat=y.
func atLat(a, b geom.Coord, y float64) geom.Coord {
	t := (y - a[1]) / (b[1] - a[1])
	return geom.Coord{a[0] + t*(b[0]-a[0]), y}
}

// openRing strips a repeated closing vertex if present.
func openRing(coords []geom.Coord) []geom.Coord {
	n := len(coords)
	if n > 1 && sameCoord(coords[0], coords[n-1]) {
		return coords[:n-1]
	}
	return coords
}

// closeRing flattens coords and appends the first vertex to close the ring.
func closeRing(coords []geom.Coord) []float64 {
	flat := make([]float64, 0, (len(coords)+1)*2)
	for _, c := range coords {
		flat = append(flat, c[0], c[1])
	}
	flat = append(flat, coords[0][0], coords[0][1])
	return flat
}

// dedupe removes consecutive duplicate vertices (including wraparound).
func dedupe(coords []geom.Coord) []geom.Coord {
	if len(coords) == 0 {
		return nil
	}
	out := coords[:1]
	for _, c := range coords[1:] {
		if !sameCoord(c, out[len(out)-1]) {
			out = append(out, c)
		}
	}
	for len(out) > 1 && sameCoord(out[0], out[len(out)-1]) {
		out = out[:len(out)-1]
	}
	return out
}

const coordEps = 1e-12

func sameCoord(a, b geom.Coord) bool {
	return math.Abs(a[0]-b[0]) < coordEps && math.Abs(a[1]-b[1]) < coordEps
}
