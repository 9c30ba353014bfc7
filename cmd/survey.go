package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/config"
	"github.com/overstory-labs/terrascout/internal/resilience"
	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
	anthropicpkg "github.com/overstory-labs/terrascout/pkg/anthropic"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Survey stages over an area of interest",
	Long:  "Runs the anomaly survey in stages (grid, detect, rank, advise) or end to end, persisting each stage's output under a run ID.",
}

func init() {
	rootCmd.AddCommand(surveyCmd)
}

func retryFromConfig(rc config.RetryConfig) resilience.RetryConfig {
	return resilience.FromRetryConfig(rc.MaxAttempts, rc.InitialBackoffMs, rc.MaxBackoffMs, rc.Multiplier, rc.JitterFraction)
}

// newRasterClient builds the raster service client from configuration.
func newRasterClient() earthengine.Client {
	ee := cfg.EarthEngine
	opts := []earthengine.Option{
		earthengine.WithRetry(retryFromConfig(ee.Retry)),
		earthengine.WithDataset(datasetFromConfig(ee.Dataset)),
	}
	if ee.BaseURL != "" {
		opts = append(opts, earthengine.WithBaseURL(ee.BaseURL))
	}
	if ee.RateLimit > 0 {
		opts = append(opts, earthengine.WithRateLimit(ee.RateLimit))
	}
	return earthengine.NewClient(ee.Project, ee.Token, opts...)
}

func datasetFromConfig(dc config.DatasetConfig) earthengine.DatasetConfig {
	ds := earthengine.DefaultDataset()
	if dc.ImageryCollection != "" {
		ds.ImageryCollection = dc.ImageryCollection
	}
	if dc.StartDate != "" {
		ds.StartDate = dc.StartDate
	}
	if dc.EndDate != "" {
		ds.EndDate = dc.EndDate
	}
	if dc.MaxCloudPct > 0 {
		ds.MaxCloudPct = dc.MaxCloudPct
	}
	if dc.Composite != "" {
		ds.Composite = dc.Composite
	}
	if dc.NIRBand != "" {
		ds.NIRBand = dc.NIRBand
	}
	if dc.RedBand != "" {
		ds.RedBand = dc.RedBand
	}
	if dc.DEMAsset != "" {
		ds.DEMAsset = dc.DEMAsset
	}
	if dc.DEMBand != "" {
		ds.DEMBand = dc.DEMBand
	}
	return ds
}

func newAdvisoryClient() anthropicpkg.Client {
	return anthropicpkg.NewClient(cfg.Anthropic.Key)
}

// buildSurveyConfig converts runtime configuration into pipeline settings.
func buildSurveyConfig() survey.Config {
	return survey.Config{
		TileSizeDeg:   cfg.Survey.TileSizeDeg,
		CellSizeM:     cfg.Survey.CellSizeM,
		BulkTileScale: cfg.Survey.BulkTileScale,
		Detector: survey.DetectorConfig{
			NDVIThreshold:          cfg.Survey.Detector.NDVIThreshold,
			ElevThreshold:          cfg.Survey.Detector.ElevThreshold,
			MinAreaM2:              cfg.Survey.Detector.MinAreaM2,
			VectorScale:            cfg.Survey.Detector.VectorScale,
			TileScale:              cfg.Survey.Detector.TileScale,
			Workers:                cfg.Survey.Detector.Workers,
			TileTimeout:            time.Duration(cfg.Survey.Detector.TileTimeoutSecs) * time.Second,
			MaxConsecutiveFailures: cfg.Survey.Detector.MaxConsecutiveFailures,
		},
		Scorer: survey.ScorerConfig{
			TopCells: cfg.Survey.Scorer.TopCells,
			TopSites: cfg.Survey.Scorer.TopSites,
		},
		Advisor: survey.AdvisorConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: int64(cfg.Anthropic.MaxTokens),
			Region:    cfg.Anthropic.Region,
			Retry:     retryFromConfig(cfg.Anthropic.Retry),
		},
		BatchAdvice:    cfg.Anthropic.Batch,
		BatchThreshold: cfg.Anthropic.BatchThreshold,
	}
}

// applyWeights loads a weight-table file into the scorer settings. path
// overrides the configured file; when neither is set the built-in tables
// stand.
func applyWeights(sc *survey.Config, path string) error {
	if path == "" {
		path = cfg.Survey.Scorer.WeightsFile
	}
	if path == "" {
		return nil
	}
	cells, sites, err := config.LoadWeights(path)
	if err != nil {
		return err
	}
	sc.Scorer.CellWeights = cells
	sc.Scorer.SiteWeights = sites
	return nil
}

// saveRunState transitions a run and persists it, logging rather than
// failing when the write does not land.
func saveRunState(ctx context.Context, st store.Store, run *survey.Run, status survey.RunStatus) {
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	if err := st.UpdateRun(ctx, run); err != nil {
		zap.L().Warn("update run failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
