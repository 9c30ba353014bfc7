package survey

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/pkg/anthropic"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

// Recorder persists run progress and stage outputs. The store package
// provides implementations; a nil Recorder keeps everything in memory.
type Recorder interface {
	FailureSink
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	SaveSites(ctx context.Context, runID string, sites []CandidateSite) error
	SaveScoredCells(ctx context.Context, runID string, cells []ScoredRecord) error
	SaveShortlist(ctx context.Context, runID string, records []ScoredRecord) error
}

// Config gathers the tunables for a full survey run.
type Config struct {
	// TileSizeDeg is the edge length of the AOI grid in degrees.
	TileSizeDeg float64
	// CellSizeM is the analysis cell edge length in meters.
	CellSizeM float64
	// BulkTileScale is the sharding factor for the bulk cell reduction.
	BulkTileScale float64
	Detector      DetectorConfig
	Scorer        ScorerConfig
	Advisor       AdvisorConfig
	// BatchAdvice routes the advisory review through the batch API.
	BatchAdvice bool
	// BatchThreshold switches to the batch API when the shortlist is
	// larger than this, even without BatchAdvice. Zero disables the
	// automatic switch.
	BatchThreshold int
}

func DefaultConfig() Config {
	return Config{
		TileSizeDeg:    0.5,
		CellSizeM:      DefaultCellSizeM,
		BulkTileScale:  DefaultAggregatorConfig().TileScale,
		Detector:       DefaultDetectorConfig(),
		Scorer:         DefaultScorerConfig(),
		Advisor:        DefaultAdvisorConfig(),
		BatchThreshold: 50,
	}
}

// UseBatchAdvice reports whether a review of n sites should go through
// the batch API.
func (c Config) UseBatchAdvice(n int) bool {
	return c.BatchAdvice || (c.BatchThreshold > 0 && n > c.BatchThreshold)
}

// Pipeline wires the survey stages end to end: tiling, detection,
// subdivision, aggregation, two-stage ranking, and advisory review.
type Pipeline struct {
	cfg        Config
	detector   *Detector
	subdivider *Subdivider
	aggregator *Aggregator
	scorer     *Scorer
	advisor    *Advisor
	rec        Recorder
}

// New assembles a pipeline. advisory may be nil to skip the review stage;
// rec may be nil to run without persistence.
func New(cfg Config, raster earthengine.Client, advisory anthropic.Client, rec Recorder) *Pipeline {
	if cfg.TileSizeDeg <= 0 {
		cfg.TileSizeDeg = DefaultConfig().TileSizeDeg
	}
	var sink FailureSink
	if rec != nil {
		sink = rec
	}
	p := &Pipeline{
		cfg:        cfg,
		detector:   NewDetector(raster, cfg.Detector, sink),
		subdivider: NewSubdivider(cfg.CellSizeM),
		scorer:     NewScorer(cfg.Scorer),
		rec:        rec,
	}
	p.aggregator = NewAggregator(raster, AggregatorConfig{
		CellSizeM: p.subdivider.CellSizeM(),
		TileScale: cfg.BulkTileScale,
	})
	if advisory != nil {
		p.advisor = NewAdvisor(advisory, cfg.Advisor)
	}
	return p
}

// Result carries every stage output of a completed run.
type Result struct {
	Run       *Run
	Sites     []CandidateSite
	Cells     []ScoredRecord
	Shortlist []ScoredRecord
}

// Execute runs the full survey over one AOI. A degenerate AOI completes
// as an empty run. Failed tiles are skipped and counted; an empty bulk
// reduction or a stage error fails the run.
func (p *Pipeline) Execute(ctx context.Context, aoi AreaOfInterest) (*Result, error) {
	run := NewRun(aoi.Name)
	log := zap.L().Named("pipeline").With(
		zap.String("run_id", run.ID),
		zap.String("aoi", aoi.Name))
	log.Info("starting survey run")
	start := time.Now()

	if p.rec != nil {
		if err := p.rec.CreateRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
	}
	run.Status = RunStatusRunning
	p.saveRun(ctx, run)

	fail := func(err error) (*Result, error) {
		run.Status = RunStatusFailed
		p.saveRun(ctx, run)
		return nil, err
	}

	tiles, err := TileAOI(aoi, p.cfg.TileSizeDeg)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: tile aoi"))
	}
	run.Counts.TilesTotal = len(tiles)

	sites, stats, err := p.detector.Detect(ctx, run.ID, tiles)
	if err != nil {
		return fail(err)
	}
	run.Counts.TilesFailed = stats.TilesFailed
	run.Counts.Sites = len(sites)
	if p.rec != nil && len(sites) > 0 {
		if err := p.rec.SaveSites(ctx, run.ID, sites); err != nil {
			return fail(eris.Wrap(err, "pipeline: save sites"))
		}
	}
	p.saveRun(ctx, run)

	cells := p.subdivider.SubdivideAll(sites)
	run.Counts.Cells = len(cells)

	aggregated, err := p.aggregator.Aggregate(ctx, cells)
	if err != nil {
		return fail(err)
	}

	topCells, err := p.scorer.RankCells(aggregated)
	if err != nil {
		return fail(err)
	}
	if p.rec != nil && len(topCells) > 0 {
		if err := p.rec.SaveScoredCells(ctx, run.ID, topCells); err != nil {
			return fail(eris.Wrap(err, "pipeline: save cells"))
		}
	}

	shortlist, err := p.scorer.Shortlist(topCells)
	if err != nil {
		return fail(err)
	}

	if p.advisor != nil && len(shortlist) > 0 {
		var advised []ScoredRecord
		if p.cfg.UseBatchAdvice(len(shortlist)) {
			advised, err = p.advisor.AdviseBatch(ctx, shortlist)
		} else {
			advised, err = p.advisor.Advise(ctx, shortlist)
		}
		if err != nil {
			return fail(err)
		}
		shortlist = advised
	}
	run.Counts.Shortlist = len(shortlist)
	if p.rec != nil && len(shortlist) > 0 {
		if err := p.rec.SaveShortlist(ctx, run.ID, shortlist); err != nil {
			return fail(eris.Wrap(err, "pipeline: save shortlist"))
		}
	}

	run.Status = RunStatusComplete
	p.saveRun(ctx, run)

	log.Info("survey run complete",
		zap.Int("tiles", run.Counts.TilesTotal),
		zap.Int("tiles_failed", run.Counts.TilesFailed),
		zap.Int("sites", run.Counts.Sites),
		zap.Int("cells", run.Counts.Cells),
		zap.Int("shortlist", run.Counts.Shortlist),
		zap.Duration("elapsed", time.Since(start)))
	return &Result{Run: run, Sites: sites, Cells: topCells, Shortlist: shortlist}, nil
}

func (p *Pipeline) saveRun(ctx context.Context, run *Run) {
	if p.rec == nil {
		return
	}
	run.UpdatedAt = time.Now().UTC()
	if err := p.rec.UpdateRun(ctx, run); err != nil {
		zap.L().Warn("pipeline: failed to update run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
