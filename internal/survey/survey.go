// Package survey implements the terrain anomaly pipeline: an area of
// interest is tiled into a degree grid, each tile is screened for
// low-NDVI/high-elevation patches, surviving sites are subdivided into
// analysis cells, cell statistics are aggregated in bulk, and a two-stage
// z-score ranking narrows the cells down to a shortlist for advisory review.
package survey

import (
	"time"

	"github.com/google/uuid"
	"github.com/twpayne/go-geom"

	"github.com/overstory-labs/terrascout/internal/geometry"
)

// Property keys shared across pipeline stages. Property bags are dynamic
// (downstream column sets are the union of keys) but these names are load
// bearing: the scorer and the default weight table refer to them.
const (
	PropMeanNDVI    = "mean_ndvi"
	PropMeanElev    = "mean_elev"
	PropAreaM2      = "area_m2"
	PropTileIndex   = "tile_index"
	PropSiteIndex   = "site_index"
	PropSubcellID   = "subcell_id"
	PropPerimeter   = "perimeter"
	PropCompactness = "compactness"
	PropScore       = "score"
)

// AreaOfInterest is the outer region to survey.
type AreaOfInterest struct {
	Name    string
	Polygon *geom.Polygon
}

// Tile is one grid cell of the AOI decomposition. Geometry is the cell
// clipped to the AOI; Index identifies the grid cell across runs (assigned
// before empty intersections are dropped, so a retried run maps indices to
// the same ground).
type Tile struct {
	Index    int
	Bounds   geometry.BBox
	Geometry *geom.Polygon
}

// CandidateSite is a vectorized anomaly patch found in one tile, annotated
// with its mean NDVI, mean elevation, and geodesic area.
type CandidateSite struct {
	Geometry *geom.Polygon
	Props    map[string]float64
}

func (s CandidateSite) MeanNDVI() float64 { return s.Props[PropMeanNDVI] }
func (s CandidateSite) MeanElev() float64 { return s.Props[PropMeanElev] }
func (s CandidateSite) AreaM2() float64   { return s.Props[PropAreaM2] }
func (s CandidateSite) TileIndex() int    { return int(s.Props[PropTileIndex]) }

// Properties returns a copy of the site's property bag, safe for a
// downstream stage to extend.
func (s CandidateSite) Properties() map[string]float64 {
	return cloneProps(s.Props)
}

// AnalysisCell is a fixed-size sub-polygon of a candidate site. Its bag
// carries every parent site property plus site_index and subcell_id.
type AnalysisCell struct {
	Geometry *geom.Polygon
	Props    map[string]float64
}

func (c AnalysisCell) SiteIndex() int { return int(c.Props[PropSiteIndex]) }
func (c AnalysisCell) SubcellID() int { return int(c.Props[PropSubcellID]) }

// ScoredRecord is one row of a scoring stage: a geometry, its metric bag
// (raw metrics, per-metric z columns, and the composite score), and any
// advisory output attached after ranking.
type ScoredRecord struct {
	Geometry *geom.Polygon
	Props    map[string]float64
	Advice   string
	Rating   int
}

// Score returns the composite anomaly score, or 0 when the record has not
// been scored.
func (r ScoredRecord) Score() float64 { return r.Props[PropScore] }

// RunStatus tracks a survey run through its lifecycle.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunCounts are the per-stage totals persisted with a run.
type RunCounts struct {
	TilesTotal  int `json:"tiles_total"`
	TilesFailed int `json:"tiles_failed"`
	Sites       int `json:"sites"`
	Cells       int `json:"cells"`
	Shortlist   int `json:"shortlist"`
}

// Run is one end-to-end survey execution.
type Run struct {
	ID        string    `json:"id"`
	AOIName   string    `json:"aoi_name"`
	Status    RunStatus `json:"status"`
	Counts    RunCounts `json:"counts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates a queued run with a fresh identifier.
func NewRun(aoiName string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.NewString(),
		AOIName:   aoiName,
		Status:    RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func cloneProps(props map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
