package survey

import (
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

// zSuffix marks the standardized copy of a metric in a property bag.
const zSuffix = "_z"

// WeightTable maps metric names to signed weights. Insertion order is
// preserved so validation errors and derived columns come out the same
// way on every run.
type WeightTable struct {
	order   []string
	weights map[string]float64
}

func NewWeightTable() *WeightTable {
	return &WeightTable{weights: make(map[string]float64)}
}

// Set adds or replaces a metric weight and returns the table for chaining.
func (w *WeightTable) Set(metric string, weight float64) *WeightTable {
	if _, ok := w.weights[metric]; !ok {
		w.order = append(w.order, metric)
	}
	w.weights[metric] = weight
	return w
}

// Weight looks up the weight for a metric.
func (w *WeightTable) Weight(metric string) (float64, bool) {
	v, ok := w.weights[metric]
	return v, ok
}

// Metrics returns the metric names in insertion order.
func (w *WeightTable) Metrics() []string {
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

func (w *WeightTable) Len() int { return len(w.order) }

func (w *WeightTable) Validate() error {
	if w == nil || len(w.order) == 0 {
		return eris.New("scorer: weight table is empty")
	}
	return nil
}

// DefaultCellWeights favors low vegetation and high ground in the
// cell-level ranking stage.
func DefaultCellWeights() *WeightTable {
	return NewWeightTable().
		Set(earthengine.BandNDVI, -1).
		Set(earthengine.BandElevation, 1)
}

// DefaultSiteWeights adds shape compactness to the site-level metrics for
// the shortlist stage.
func DefaultSiteWeights() *WeightTable {
	return NewWeightTable().
		Set(PropMeanNDVI, -1).
		Set(PropMeanElev, 1).
		Set(PropCompactness, 1)
}

// Score standardizes each weighted metric over the records that carry it
// and writes the weighted z-score sum to every record that carries them
// all. Standardization uses the population spread; when a metric has zero
// spread its contribution is zero for every record. Records missing any
// weighted metric end up without a score, which keeps them out of the
// selection. A metric that no record carries at all is a configuration
// error: the weight table and the data disagree about what was measured.
func Score(records []ScoredRecord, weights *WeightTable) error {
	if err := weights.Validate(); err != nil {
		return err
	}
	metrics := weights.Metrics()
	for _, metric := range metrics {
		values := make([]float64, 0, len(records))
		for _, r := range records {
			if v, ok := r.Props[metric]; ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return &ConfigurationError{Metric: metric}
		}
		mean, err := stats.Mean(values)
		if err != nil {
			return eris.Wrapf(err, "scorer: mean of %s", metric)
		}
		std, err := stats.StandardDeviationPopulation(values)
		if err != nil {
			return eris.Wrapf(err, "scorer: spread of %s", metric)
		}
		for _, r := range records {
			v, ok := r.Props[metric]
			if !ok {
				continue
			}
			z := 0.0
			if std > 0 {
				z = (v - mean) / std
			}
			r.Props[metric+zSuffix] = z
		}
	}

	for _, r := range records {
		total := 0.0
		complete := true
		for _, metric := range metrics {
			if _, ok := r.Props[metric]; !ok {
				complete = false
				break
			}
			weight, _ := weights.Weight(metric)
			total += weight * r.Props[metric+zSuffix]
		}
		if complete {
			r.Props[PropScore] = total
		} else {
			// A stale score from an earlier stage must not survive into
			// this stage's selection.
			delete(r.Props, PropScore)
		}
	}
	return nil
}

// SelectTopK returns the k highest-scoring records. Records without a
// score are excluded. Ties keep their input order, so selecting the top k
// from an already-selected top k' >= k gives the same records as selecting
// the top k directly.
func SelectTopK(records []ScoredRecord, k int) []ScoredRecord {
	if k <= 0 {
		return nil
	}
	scored := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		if _, ok := r.Props[PropScore]; ok {
			scored = append(scored, r)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Props[PropScore] > scored[j].Props[PropScore]
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// ScorerConfig carries the weight tables and selection sizes for both
// ranking stages.
type ScorerConfig struct {
	CellWeights *WeightTable
	SiteWeights *WeightTable
	TopCells    int
	TopSites    int
}

func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		CellWeights: DefaultCellWeights(),
		SiteWeights: DefaultSiteWeights(),
		TopCells:    300,
		TopSites:    25,
	}
}

// Scorer runs the two ranking stages over aggregated cells.
type Scorer struct {
	cfg ScorerConfig
	log *zap.Logger
}

func NewScorer(cfg ScorerConfig) *Scorer {
	def := DefaultScorerConfig()
	if cfg.CellWeights == nil || cfg.CellWeights.Len() == 0 {
		cfg.CellWeights = def.CellWeights
	}
	if cfg.SiteWeights == nil || cfg.SiteWeights.Len() == 0 {
		cfg.SiteWeights = def.SiteWeights
	}
	if cfg.TopCells <= 0 {
		cfg.TopCells = def.TopCells
	}
	if cfg.TopSites <= 0 {
		cfg.TopSites = def.TopSites
	}
	return &Scorer{cfg: cfg, log: zap.L().Named("scorer")}
}

// RankCells scores aggregated cells on their band statistics and keeps
// the top candidates for the shortlist stage. No cells means an empty
// run, not a configuration problem.
func (s *Scorer) RankCells(cells []AnalysisCell) ([]ScoredRecord, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	records := make([]ScoredRecord, len(cells))
	for i, cell := range cells {
		records[i] = ScoredRecord{Geometry: cell.Geometry, Props: cloneProps(cell.Props)}
	}
	if err := Score(records, s.cfg.CellWeights); err != nil {
		return nil, err
	}
	top := SelectTopK(records, s.cfg.TopCells)
	s.log.Info("ranked analysis cells",
		zap.Int("cells", len(records)),
		zap.Int("kept", len(top)))
	return top, nil
}

// Shortlist remeasures each record's shape in the projected plane,
// rescores on the site-level weights, and keeps the advisory shortlist.
// The projected planar area replaces the geodesic area carried from
// detection.
func (s *Scorer) Shortlist(records []ScoredRecord) ([]ScoredRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	out := make([]ScoredRecord, len(records))
	for i, r := range records {
		rec := ScoredRecord{Geometry: r.Geometry, Props: cloneProps(r.Props), Advice: r.Advice, Rating: r.Rating}
		annotateShapeMetrics(&rec)
		out[i] = rec
	}
	if err := Score(out, s.cfg.SiteWeights); err != nil {
		return nil, err
	}
	top := SelectTopK(out, s.cfg.TopSites)
	s.log.Info("selected advisory shortlist",
		zap.Int("candidates", len(out)),
		zap.Int("kept", len(top)))
	return top, nil
}

// annotateShapeMetrics measures the record's polygon in the Web Mercator
// plane. A record whose geometry cannot be projected gets no shape metrics
// and therefore no score, which drops it from the shortlist.
func annotateShapeMetrics(rec *ScoredRecord) {
	proj := geometry.ProjectPolygon(rec.Geometry)
	if proj == nil {
		return
	}
	area := geometry.PlanarArea(proj)
	perimeter := geometry.Perimeter(proj)
	rec.Props[PropAreaM2] = area
	rec.Props[PropPerimeter] = perimeter
	rec.Props[PropCompactness] = geometry.Compactness(area, perimeter)
}
