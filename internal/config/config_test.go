package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "terrascout.db", cfg.Store.Path)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.InDelta(t, 0.5, cfg.Survey.TileSizeDeg, 0.001)
	assert.InDelta(t, 100.0, cfg.Survey.CellSizeM, 0.001)
	assert.InDelta(t, 16.0, cfg.Survey.BulkTileScale, 0.001)
	assert.InDelta(t, 0.3, cfg.Survey.Detector.NDVIThreshold, 0.001)
	assert.InDelta(t, 200.0, cfg.Survey.Detector.ElevThreshold, 0.001)
	assert.InDelta(t, 10000.0, cfg.Survey.Detector.MinAreaM2, 0.001)
	assert.Equal(t, 4, cfg.Survey.Detector.Workers)
	assert.Equal(t, 300, cfg.Survey.Detector.TileTimeoutSecs)
	assert.Equal(t, 10, cfg.Survey.Detector.MaxConsecutiveFailures)
	assert.Equal(t, 300, cfg.Survey.Scorer.TopCells)
	assert.Equal(t, 25, cfg.Survey.Scorer.TopSites)

	assert.Equal(t, "COPERNICUS/S2_SR_HARMONIZED", cfg.EarthEngine.Dataset.ImageryCollection)
	assert.Equal(t, "USGS/SRTMGL1_003", cfg.EarthEngine.Dataset.DEMAsset)
	assert.InDelta(t, 10.0, cfg.EarthEngine.RateLimit, 0.001)
	assert.Equal(t, 3, cfg.EarthEngine.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.EarthEngine.Retry.InitialBackoffMs)

	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, 1024, cfg.Anthropic.MaxTokens)
	assert.Equal(t, "Amazon", cfg.Anthropic.Region)
	assert.False(t, cfg.Anthropic.Batch)
	assert.Equal(t, 50, cfg.Anthropic.BatchThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/terrascout
log:
  level: debug
  format: console
server:
  port: 9090
survey:
  tile_size_deg: 0.25
  detector:
    ndvi_threshold: 0.25
    workers: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/terrascout", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.25, cfg.Survey.TileSizeDeg, 0.001)
	assert.InDelta(t, 0.25, cfg.Survey.Detector.NDVIThreshold, 0.001)
	assert.Equal(t, 8, cfg.Survey.Detector.Workers)
	// Defaults still apply for unset values
	assert.InDelta(t, 200.0, cfg.Survey.Detector.ElevThreshold, 0.001)
	assert.Equal(t, 300, cfg.Survey.Scorer.TopCells)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TERRASCOUT_STORE_DRIVER", "sqlite")
	t.Setenv("TERRASCOUT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("TERRASCOUT_SERVER_PORT", "3000")
	t.Setenv("TERRASCOUT_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the defaults needed by validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "terrascout.db"
	cfg.Server.Port = 8080
	cfg.Survey.TileSizeDeg = 0.5
	cfg.Survey.CellSizeM = 100
	cfg.Survey.Detector.Workers = 4
	return cfg
}

func TestValidateGrid_NeedsNothing(t *testing.T) {
	cfg := &Config{}
	assert.NoError(t, cfg.Validate("grid"))
}

func TestValidateSurvey_MissingRasterCredentials(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("survey")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "earthengine.project is required")
	assert.Contains(t, err.Error(), "earthengine.token is required")
}

func TestValidateSurvey_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.EarthEngine.Project = "ee-project"
	cfg.EarthEngine.Token = "ya29.token"

	assert.NoError(t, cfg.Validate("survey"))
}

func TestValidateAdvise_MissingKey(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("advise")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateRun_NeedsBoth(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "earthengine.project is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")

	cfg.EarthEngine.Project = "ee-project"
	cfg.EarthEngine.Token = "ya29.token"
	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidatePostgres_RequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/terrascout"
	assert.NoError(t, cfg.Validate("query"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "oracle"

	err := cfg.Validate("query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Survey.Detector.Workers = 65
	err := cfg.Validate("query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers must be between 0 and 64")

	cfg.Survey.Detector.Workers = 64
	assert.NoError(t, cfg.Validate("query"))
}
