package survey

import "github.com/twpayne/go-geom"

// ringPoly builds a single-ring polygon from lon/lat vertex pairs, closing
// the ring if the input leaves it open.
func ringPoly(coords ...float64) *geom.Polygon {
	flat := append([]float64{}, coords...)
	n := len(flat)
	if n >= 4 && (flat[0] != flat[n-2] || flat[1] != flat[n-1]) {
		flat = append(flat, flat[0], flat[1])
	}
	p := geom.NewPolygon(geom.XY).SetSRID(4326)
	_ = p.Push(geom.NewLinearRingFlat(geom.XY, flat))
	return p
}
