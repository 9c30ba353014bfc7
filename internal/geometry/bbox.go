// Package geometry provides the planar and spherical helpers the survey
// pipeline needs: bounding boxes, degree grids, rectangle clipping, Web
// Mercator projection, and area/perimeter measures. All inputs are lon/lat
// WGS84 unless a function says otherwise.
package geometry

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// DegreesPerKM is an approximate conversion factor for latitude degrees to
// kilometers. At mid-latitudes, 1 degree of latitude is approximately 111 km.
const DegreesPerKM = 1.0 / 111.0

// BBox represents a geographic bounding box in lon/lat degrees.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// NewBBox returns the bounding box of a polygon's exterior ring.
func NewBBox(p *geom.Polygon) (BBox, error) {
	if p == nil || p.NumLinearRings() == 0 {
		return BBox{}, eris.New("geometry: bbox of empty polygon")
	}
	coords := p.LinearRing(0).Coords()
	if len(coords) == 0 {
		return BBox{}, eris.New("geometry: bbox of empty ring")
	}

	b := BBox{
		MinLon: math.Inf(1), MinLat: math.Inf(1),
		MaxLon: math.Inf(-1), MaxLat: math.Inf(-1),
	}
	for _, c := range coords {
		b.MinLon = math.Min(b.MinLon, c[0])
		b.MaxLon = math.Max(b.MaxLon, c[0])
		b.MinLat = math.Min(b.MinLat, c[1])
		b.MaxLat = math.Max(b.MaxLat, c[1])
	}
	return b, nil
}

// IsDegenerate reports whether the box has zero extent in either axis.
func (b BBox) IsDegenerate() bool {
	return b.MaxLon <= b.MinLon || b.MaxLat <= b.MinLat
}

// Width returns the lon extent in degrees.
func (b BBox) Width() float64 { return b.MaxLon - b.MinLon }

// Height returns the lat extent in degrees.
func (b BBox) Height() float64 { return b.MaxLat - b.MinLat }

// Polygon returns the box as a closed CCW polygon with SRID 4326.
func (b BBox) Polygon() *geom.Polygon {
	ring := geom.NewLinearRingFlat(geom.XY, []float64{
		b.MinLon, b.MinLat,
		b.MaxLon, b.MinLat,
		b.MaxLon, b.MaxLat,
		b.MinLon, b.MaxLat,
		b.MinLon, b.MinLat,
	})
	p := geom.NewPolygon(geom.XY).SetSRID(4326)
	_ = p.Push(ring)
	return p
}

// Split divides the box into a column-major grid of sub-boxes with the given
// step sizes in degrees. Edge cells are clamped to the box, so the last
// column and row may be narrower than the step. A non-positive step yields
// an empty result.
func (b BBox) Split(stepLon, stepLat float64) []BBox {
	if stepLon <= 0 || stepLat <= 0 || b.IsDegenerate() {
		return nil
	}

	var cells []BBox
	for lon := b.MinLon; lon < b.MaxLon; lon += stepLon {
		nextLon := math.Min(lon+stepLon, b.MaxLon)
		for lat := b.MinLat; lat < b.MaxLat; lat += stepLat {
			nextLat := math.Min(lat+stepLat, b.MaxLat)
			cells = append(cells, BBox{
				MinLon: lon, MinLat: lat,
				MaxLon: nextLon, MaxLat: nextLat,
			})
		}
	}
	return cells
}
