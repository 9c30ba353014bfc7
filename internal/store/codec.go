package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/overstory-labs/terrascout/internal/geometry"
)

// encodeGeomProps serializes a record's geometry and property bag for
// storage. A nil geometry stays a NULL column rather than an empty blob.
func encodeGeomProps(p *geom.Polygon, props map[string]float64) ([]byte, string, error) {
	geomBytes, err := geometry.EncodeEWKB(p)
	if err != nil {
		return nil, "", err
	}
	if props == nil {
		props = map[string]float64{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, "", eris.Wrap(err, "store: marshal props")
	}
	return geomBytes, string(propsJSON), nil
}

// parseGeomProps is the storage-side inverse of encodeGeomProps.
func parseGeomProps(geomBytes, propsJSON []byte) (*geom.Polygon, map[string]float64, error) {
	p, err := geometry.DecodeEWKB(geomBytes)
	if err != nil {
		return nil, nil, err
	}
	props := map[string]float64{}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &props); err != nil {
			return nil, nil, eris.Wrap(err, "store: unmarshal props")
		}
	}
	return p, props, nil
}
