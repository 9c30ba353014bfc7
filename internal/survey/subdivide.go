package survey

import (
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/geometry"
)

// DefaultCellSizeM is the analysis cell edge length in meters. It doubles
// as the reduction scale when cell statistics are computed in bulk.
const DefaultCellSizeM = 100.0

// Subdivider splits candidate sites into a grid of fixed-size cells
// clipped to the site polygon.
type Subdivider struct {
	cellSizeM float64
	log       *zap.Logger
}

func NewSubdivider(cellSizeM float64) *Subdivider {
	if cellSizeM <= 0 {
		cellSizeM = DefaultCellSizeM
	}
	return &Subdivider{cellSizeM: cellSizeM, log: zap.L().Named("subdivider")}
}

// CellSizeM reports the configured cell edge length in meters.
func (s *Subdivider) CellSizeM() float64 { return s.cellSizeM }

// Subdivide grids one site's bounding box at the configured cell size and
// clips each grid cell to the site polygon. Every emitted cell inherits the
// full site property bag plus site_index (the site's position in its batch)
// and subcell_id (the cell's position among the site's emitted cells). Grid
// cells that miss the polygon are not emitted and do not consume an ID.
// A site with no usable geometry yields no cells.
func (s *Subdivider) Subdivide(site CandidateSite, siteIndex int) []AnalysisCell {
	if site.Geometry == nil {
		return nil
	}
	bounds, err := geometry.NewBBox(site.Geometry)
	if err != nil || bounds.IsDegenerate() {
		s.log.Debug("dropping site with degenerate geometry", zap.Int("site_index", siteIndex))
		return nil
	}

	// The grid is stepped in degrees, so the metric cell size is converted
	// at the equatorial scale used throughout the pipeline.
	stepDeg := s.cellSizeM / 1000.0 * geometry.DegreesPerKM

	var cells []AnalysisCell
	for _, rect := range bounds.Split(stepDeg, stepDeg) {
		clipped := geometry.ClipToRect(site.Geometry, rect)
		if clipped == nil {
			continue
		}
		props := site.Properties()
		props[PropSiteIndex] = float64(siteIndex)
		props[PropSubcellID] = float64(len(cells))
		cells = append(cells, AnalysisCell{Geometry: clipped, Props: props})
	}
	return cells
}

// SubdivideAll expands every site into its cells, preserving site order.
func (s *Subdivider) SubdivideAll(sites []CandidateSite) []AnalysisCell {
	var cells []AnalysisCell
	for i, site := range sites {
		sc := s.Subdivide(site, i)
		s.log.Debug("subdivided site",
			zap.Int("site_index", i),
			zap.Int("cells", len(sc)))
		cells = append(cells, sc...)
	}
	s.log.Info("subdivided sites into analysis cells",
		zap.Int("sites", len(sites)),
		zap.Int("cells", len(cells)),
		zap.Float64("cell_size_m", s.cellSizeM))
	return cells
}
