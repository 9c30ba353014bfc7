package survey

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/overstory-labs/terrascout/internal/geometry"
)

// LoadAOI resolves a user-supplied AOI argument. Accepted forms:
//   - a GeoJSON file (.geojson or .json) holding a Feature, a
//     FeatureCollection (first polygonal feature wins), or a bare geometry
//   - a shapefile (.shp) or zipped shapefile (.zip)
//   - an inline bounding box "minLon,minLat,maxLon,maxLat"
func LoadAOI(arg string) (AreaOfInterest, error) {
	if arg == "" {
		return AreaOfInterest{}, eris.New("survey: empty AOI argument")
	}

	switch strings.ToLower(filepath.Ext(arg)) {
	case ".geojson", ".json":
		return aoiFromGeoJSONFile(arg)
	case ".shp", ".zip":
		p, err := geometry.ReadShapefilePolygon(arg)
		if err != nil {
			return AreaOfInterest{}, eris.Wrap(err, "survey: load AOI shapefile")
		}
		return AreaOfInterest{Name: baseName(arg), Polygon: p}, nil
	}

	if strings.Contains(arg, ",") {
		return aoiFromBBoxString(arg)
	}
	return AreaOfInterest{}, eris.Errorf("survey: unrecognized AOI argument %q (expected .geojson/.json/.shp/.zip or a bbox string)", arg)
}

// aoiFromBBoxString parses "minLon,minLat,maxLon,maxLat". A degenerate or
// inverted box parses fine and simply tiles to nothing.
func aoiFromBBoxString(s string) (AreaOfInterest, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return AreaOfInterest{}, eris.Errorf("survey: bbox %q needs 4 comma-separated values", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return AreaOfInterest{}, eris.Wrapf(err, "survey: bbox value %q", p)
		}
		vals[i] = v
	}
	b := geometry.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	return AreaOfInterest{Name: "bbox", Polygon: b.Polygon()}, nil
}

func aoiFromGeoJSONFile(path string) (AreaOfInterest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AreaOfInterest{}, eris.Wrap(err, "survey: read AOI file")
	}

	aoi := AreaOfInterest{Name: baseName(path)}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return AreaOfInterest{}, eris.Wrap(err, "survey: parse AOI file")
	}

	switch probe.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return AreaOfInterest{}, eris.Wrap(err, "survey: parse AOI feature collection")
		}
		for _, f := range fc.Features {
			p, err := geometry.AsPolygon(f.Geometry)
			if err != nil {
				continue
			}
			aoi.Polygon = p
			if name, ok := f.Properties["name"].(string); ok && name != "" {
				aoi.Name = name
			}
			break
		}
		if aoi.Polygon == nil {
			return AreaOfInterest{}, eris.Errorf("survey: no polygonal feature in %s", path)
		}
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return AreaOfInterest{}, eris.Wrap(err, "survey: parse AOI feature")
		}
		p, err := geometry.AsPolygon(f.Geometry)
		if err != nil {
			return AreaOfInterest{}, eris.Wrap(err, "survey: AOI feature geometry")
		}
		aoi.Polygon = p
		if name, ok := f.Properties["name"].(string); ok && name != "" {
			aoi.Name = name
		}
	default:
		p, err := geometry.DecodeGeoJSON(string(data))
		if err != nil {
			return AreaOfInterest{}, eris.Wrap(err, "survey: AOI geometry")
		}
		aoi.Polygon = p
	}

	return aoi, nil
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
