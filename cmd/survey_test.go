package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory-labs/terrascout/internal/config"
)

func TestBuildSurveyConfig(t *testing.T) {
	cfg = &config.Config{
		Survey: config.SurveyConfig{
			TileSizeDeg:   0.25,
			CellSizeM:     50,
			BulkTileScale: 8,
			Detector: config.DetectorConfig{
				NDVIThreshold:          0.2,
				ElevThreshold:          150,
				MinAreaM2:              5000,
				VectorScale:            500,
				TileScale:              2,
				Workers:                6,
				TileTimeoutSecs:        120,
				MaxConsecutiveFailures: 5,
			},
			Scorer: config.ScorerConfig{TopCells: 100, TopSites: 10},
		},
		Anthropic: config.AnthropicConfig{
			Model:          "claude-sonnet-4-5-20250929",
			MaxTokens:      2048,
			Region:         "Andes",
			Batch:          true,
			BatchThreshold: 40,
			Retry:          config.RetryConfig{MaxAttempts: 5},
		},
	}

	sc := buildSurveyConfig()
	assert.InDelta(t, 0.25, sc.TileSizeDeg, 1e-9)
	assert.InDelta(t, 50.0, sc.CellSizeM, 1e-9)
	assert.InDelta(t, 8.0, sc.BulkTileScale, 1e-9)
	assert.InDelta(t, 0.2, sc.Detector.NDVIThreshold, 1e-9)
	assert.InDelta(t, 150.0, sc.Detector.ElevThreshold, 1e-9)
	assert.InDelta(t, 5000.0, sc.Detector.MinAreaM2, 1e-9)
	assert.Equal(t, 6, sc.Detector.Workers)
	assert.Equal(t, 2*time.Minute, sc.Detector.TileTimeout)
	assert.Equal(t, 5, sc.Detector.MaxConsecutiveFailures)
	assert.Equal(t, 100, sc.Scorer.TopCells)
	assert.Equal(t, 10, sc.Scorer.TopSites)
	assert.Equal(t, "claude-sonnet-4-5-20250929", sc.Advisor.Model)
	assert.Equal(t, int64(2048), sc.Advisor.MaxTokens)
	assert.Equal(t, "Andes", sc.Advisor.Region)
	assert.Equal(t, 5, sc.Advisor.Retry.MaxAttempts)
	assert.True(t, sc.BatchAdvice)
	assert.Equal(t, 40, sc.BatchThreshold)
}

func TestRetryFromConfig_ZeroKeepsDefaults(t *testing.T) {
	rc := retryFromConfig(config.RetryConfig{})
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, rc.InitialBackoff)
}

func TestDatasetFromConfig_Overrides(t *testing.T) {
	ds := datasetFromConfig(config.DatasetConfig{
		ImageryCollection: "LANDSAT/LC09/C02/T1_L2",
		StartDate:         "2023-06-01",
		MaxCloudPct:       20,
	})

	assert.Equal(t, "LANDSAT/LC09/C02/T1_L2", ds.ImageryCollection)
	assert.Equal(t, "2023-06-01", ds.StartDate)
	assert.InDelta(t, 20.0, ds.MaxCloudPct, 1e-9)
	// Fields left empty keep the defaults.
	assert.Equal(t, "2024-12-31", ds.EndDate)
	assert.Equal(t, "B8", ds.NIRBand)
	assert.Equal(t, "USGS/SRTMGL1_003", ds.DEMAsset)
}

func TestApplyWeights_FlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	data := `cells:
  - metric: mean_ndvi
    weight: -2
sites:
  - metric: score
    weight: 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg = &config.Config{}
	sc := buildSurveyConfig()
	require.NoError(t, applyWeights(&sc, path))

	require.NotNil(t, sc.Scorer.CellWeights)
	w, ok := sc.Scorer.CellWeights.Weight("mean_ndvi")
	require.True(t, ok)
	assert.InDelta(t, -2.0, w, 1e-9)

	require.NotNil(t, sc.Scorer.SiteWeights)
	w, ok = sc.Scorer.SiteWeights.Weight("score")
	require.True(t, ok)
	assert.InDelta(t, 1.5, w, 1e-9)
}

func TestApplyWeights_NoPathKeepsBuiltins(t *testing.T) {
	cfg = &config.Config{}
	sc := buildSurveyConfig()
	require.NoError(t, applyWeights(&sc, ""))
	assert.Nil(t, sc.Scorer.CellWeights)
	assert.Nil(t, sc.Scorer.SiteWeights)
}

func TestApplyWeights_MissingFile(t *testing.T) {
	cfg = &config.Config{}
	sc := buildSurveyConfig()
	err := applyWeights(&sc, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read weights")
}
