package survey

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/geometry"
)

// TileAOI splits the AOI's bounding box into a degree grid and clips each
// grid cell to the AOI. Cells with an empty intersection are dropped, but
// their indices are not reused: a tile index always names the same grid
// cell for a given AOI and tile size. A degenerate AOI yields an empty
// slice, not an error.
func TileAOI(aoi AreaOfInterest, tileSizeDeg float64) ([]Tile, error) {
	if tileSizeDeg <= 0 {
		return nil, eris.Errorf("survey: tile size %v must be positive", tileSizeDeg)
	}
	if aoi.Polygon == nil {
		return nil, eris.New("survey: AOI has no geometry")
	}

	bounds, err := geometry.NewBBox(aoi.Polygon)
	if err != nil {
		return nil, eris.Wrap(err, "survey: AOI bounds")
	}
	if bounds.IsDegenerate() {
		zap.L().Warn("AOI bounding box is degenerate, nothing to tile",
			zap.String("aoi", aoi.Name))
		return nil, nil
	}

	grid := bounds.Split(tileSizeDeg, tileSizeDeg)
	tiles := make([]Tile, 0, len(grid))
	for i, cell := range grid {
		clipped := geometry.ClipToRect(aoi.Polygon, cell)
		if clipped == nil {
			continue
		}
		tiles = append(tiles, Tile{Index: i, Bounds: cell, Geometry: clipped})
	}

	zap.L().Info("split AOI into tiles",
		zap.String("aoi", aoi.Name),
		zap.Float64("tile_size_deg", tileSizeDeg),
		zap.Int("grid_cells", len(grid)),
		zap.Int("tiles", len(tiles)))
	return tiles, nil
}
