package geometry

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// EncodeGeoJSON serializes a polygon to a compact GeoJSON geometry string,
// the form carried in the geometry column of every exported table.
func EncodeGeoJSON(p *geom.Polygon) (string, error) {
	if p == nil {
		return "", eris.New("geometry: encode nil polygon")
	}
	data, err := geojson.Marshal(p)
	if err != nil {
		return "", eris.Wrap(err, "geometry: encode geojson")
	}
	return string(data), nil
}

// DecodeGeoJSON parses a GeoJSON geometry string into a polygon. MultiPolygon
// inputs yield their largest member so single-polygon pipelines keep working
// on vectorizer output that occasionally splits.
func DecodeGeoJSON(s string) (*geom.Polygon, error) {
	var g geom.T
	if err := geojson.Unmarshal([]byte(s), &g); err != nil {
		return nil, eris.Wrap(err, "geometry: decode geojson")
	}
	return AsPolygon(g)
}

// AsPolygon coerces a parsed geometry to a single polygon, picking the
// largest member of a MultiPolygon.
func AsPolygon(g geom.T) (*geom.Polygon, error) {
	switch t := g.(type) {
	case *geom.Polygon:
		return t, nil
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return nil, eris.New("geometry: empty multipolygon")
		}
		best := t.Polygon(0)
		bestArea := PlanarArea(best)
		for i := 1; i < t.NumPolygons(); i++ {
			if a := PlanarArea(t.Polygon(i)); a > bestArea {
				best, bestArea = t.Polygon(i), a
			}
		}
		return best, nil
	default:
		return nil, eris.Errorf("geometry: unsupported geometry type %T", g)
	}
}

// EncodeEWKB converts a polygon to EWKB bytes with its SRID, for storage in
// geometry columns.
func EncodeEWKB(p *geom.Polygon) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: encode ewkb")
	}
	return data, nil
}

// DecodeEWKB parses EWKB bytes into a polygon.
func DecodeEWKB(data []byte) (*geom.Polygon, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: decode ewkb")
	}
	p, ok := g.(*geom.Polygon)
	if !ok {
		return nil, eris.Errorf("geometry: expected polygon, got %T", g)
	}
	return p, nil
}
